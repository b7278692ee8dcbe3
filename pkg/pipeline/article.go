package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/gr8monk3ys/blog-ai/pkg/composer"
	"github.com/gr8monk3ys/blog-ai/pkg/models"
)

// sectionItem addresses one subtopic inside the outline grid.
type sectionItem struct {
	section      int
	sub          int
	sectionTitle string
	subTitle     string
}

func flattenOutline(outline *composer.Outline) []sectionItem {
	items := make([]sectionItem, 0, outline.SubTopicCount())
	for si, section := range outline.Sections {
		for sj, sub := range section.SubTopics {
			items = append(items, sectionItem{
				section:      si,
				sub:          sj,
				sectionTitle: section.Title,
				subTitle:     sub,
			})
		}
	}
	return items
}

// runArticle walks the article graph: research → outline → section
// fan-out → intro/conclusion/faqs → meta description → post-processing.
// The artifact's section and subtopic order is the outline order no
// matter how the fan-out was scheduled.
func (o *Orchestrator) runArticle(ctx context.Context, job Job) (*Artifact, error) {
	spec := job.Article
	convID := job.ConversationID

	base := composer.Context{
		Topic:    spec.Topic,
		Keywords: spec.Keywords,
		Tone:     spec.Tone,
	}

	if spec.Research {
		base.Research = o.runResearch(ctx, job, spec.Topic)
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}

	outline, err := o.runOutline(ctx, job, base)
	if err != nil {
		return nil, err
	}

	items := flattenOutline(outline)
	bodies := make([][]string, len(outline.Sections))
	for i, section := range outline.Sections {
		bodies[i] = make([]string, len(section.SubTopics))
	}

	succeeded, _, err := o.fanOut(ctx, job, string(composer.StageSectionBody), len(items), o.cfg.MaxParallelSections,
		func(ctx context.Context, i int) itemResult {
			item := items[i]
			c := base
			c.SectionTitle = item.sectionTitle
			c.SubTopicTitle = item.subTitle

			body, err := o.generateProse(ctx, convID, composer.StageSectionBody, c, 0)
			if err != nil {
				if ctx.Err() != nil {
					return itemAborted
				}
				bodies[item.section][item.sub] = PlaceholderBody
				o.warn(ctx, convID, string(composer.StageSectionBody), item.subTitle, o.redactor.RedactError(err))
				return itemDegraded
			}
			bodies[item.section][item.sub] = body
			return itemSucceeded
		})
	if err != nil {
		return nil, err
	}
	if belowFloor(succeeded, len(items)) {
		return nil, fmt.Errorf("%w: %d of %d subtopics succeeded", ErrDegraded, succeeded, len(items))
	}

	sectionTitles := make([]string, len(outline.Sections))
	for i, section := range outline.Sections {
		sectionTitles[i] = section.Title
	}
	furniture := base
	furniture.Title = outline.Title
	furniture.Description = outline.Description
	furniture.SectionTitles = sectionTitles

	intro := o.proseStage(ctx, job, composer.StageIntro, furniture)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	conclusion := o.proseStage(ctx, job, composer.StageConclusion, furniture)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	faqs := o.faqsStage(ctx, job, furniture)
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	meta := o.proseStage(ctx, job, composer.StageMetaDescription, furniture)
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	if spec.Proofread || spec.Humanize {
		refs, labels := collectBodies(outline, bodies)
		if spec.Proofread {
			if err := o.postPass(ctx, job, composer.StageProofread, base, refs, labels); err != nil {
				return nil, err
			}
		}
		if spec.Humanize {
			if err := o.postPass(ctx, job, composer.StageHumanize, base, refs, labels); err != nil {
				return nil, err
			}
		}
	}

	sections := make([]models.Section, len(outline.Sections))
	for si, section := range outline.Sections {
		subs := make([]models.SubTopic, len(section.SubTopics))
		for sj, title := range section.SubTopics {
			subs[sj] = models.SubTopic{Title: title, Body: bodies[si][sj]}
		}
		sections[si] = models.Section{Title: section.Title, SubTopics: subs}
	}

	article := &models.Article{
		ID:              uuid.New().String(),
		Title:           outline.Title,
		Description:     outline.Description,
		Date:            time.Now().UTC(),
		Tags:            outline.Tags,
		Sections:        sections,
		Intro:           intro,
		Conclusion:      conclusion,
		FAQs:            faqs,
		MetaDescription: meta,
		Keywords:        spec.Keywords,
	}
	return &Artifact{Kind: models.KindArticle, Article: article}, nil
}

// runOutline produces the article skeleton. A malformed response gets
// one retry at a slightly higher temperature; a second failure is fatal.
func (o *Orchestrator) runOutline(ctx context.Context, job Job, base composer.Context) (*composer.Outline, error) {
	convID := job.ConversationID
	stage := composer.StageOutline
	o.stageStarted(ctx, convID, string(stage), nil)

	outline, err := o.outlineAttempt(ctx, convID, base, 0)
	if err != nil && retryableShape(err) && ctx.Err() == nil {
		o.warn(ctx, convID, string(stage), "", "outline response malformed; retrying at higher temperature")
		outline, err = o.outlineAttempt(ctx, convID, base, stage.Spec().Temperature+0.1)
	}
	if err != nil {
		return nil, fmt.Errorf("outline: %w", err)
	}

	o.stageCompleted(ctx, convID, string(stage), 1, 0)
	return outline, nil
}

func (o *Orchestrator) outlineAttempt(ctx context.Context, convID string, c composer.Context, tempOverride float64) (*composer.Outline, error) {
	raw, err := o.generate(ctx, convID, composer.StageOutline, c, tempOverride)
	if err != nil {
		return nil, err
	}
	return composer.ParseOutline(raw)
}

// faqsStage runs the FAQ pass; failure degrades to no FAQs.
func (o *Orchestrator) faqsStage(ctx context.Context, job Job, c composer.Context) []models.FAQ {
	convID := job.ConversationID
	stage := composer.StageFAQs
	o.stageStarted(ctx, convID, string(stage), nil)

	raw, err := o.generate(ctx, convID, stage, c, 0)
	var faqs []models.FAQ
	if err == nil {
		faqs, err = composer.ParseFAQs(raw)
	}
	if err != nil {
		if ctx.Err() != nil {
			return nil
		}
		o.warn(ctx, convID, string(stage), "", o.redactor.RedactError(err))
		o.stageCompleted(ctx, convID, string(stage), 0, 1)
		return nil
	}

	o.stageCompleted(ctx, convID, string(stage), 1, 0)
	return faqs
}

// collectBodies flattens the non-placeholder bodies for post-processing
// passes, preserving outline order.
func collectBodies(outline *composer.Outline, bodies [][]string) ([]*string, []string) {
	var refs []*string
	var labels []string
	for si := range bodies {
		for sj := range bodies[si] {
			if bodies[si][sj] == PlaceholderBody {
				continue
			}
			refs = append(refs, &bodies[si][sj])
			labels = append(labels, outline.Sections[si].SubTopics[sj])
		}
	}
	return refs, labels
}
