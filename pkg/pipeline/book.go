package pipeline

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/gr8monk3ys/blog-ai/pkg/composer"
	"github.com/gr8monk3ys/blog-ai/pkg/conversation"
	"github.com/gr8monk3ys/blog-ai/pkg/models"
)

// runBook walks the book graph: research → book outline → chapter
// topics fan-out → topic bodies (nested fan-out: chapters outer,
// topics inner) → post-processing. Chapter numbering stays contiguous
// even when a chapter degraded to an empty topic list.
func (o *Orchestrator) runBook(ctx context.Context, job Job) (*Artifact, error) {
	spec := job.Book

	base := composer.Context{
		Topic:            spec.Title,
		Keywords:         spec.Keywords,
		Tone:             spec.Tone,
		BookTitle:        spec.Title,
		ChapterCount:     spec.ChapterCount,
		TopicsPerChapter: spec.TopicsPerChapter,
	}

	if spec.Research {
		base.Research = o.runResearch(ctx, job, spec.Title)
		if err := ctx.Err(); err != nil {
			return nil, err
		}
	}

	chapters, err := o.runBookOutline(ctx, job, base)
	if err != nil {
		return nil, err
	}

	topics, err := o.runChapterTopics(ctx, job, base, chapters)
	if err != nil {
		return nil, err
	}

	bodies, err := o.runTopicBodies(ctx, job, base, chapters, topics)
	if err != nil {
		return nil, err
	}

	if spec.Proofread || spec.Humanize {
		refs, labels := collectTopicBodies(topics, bodies)
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

	chapterModels := make([]models.Chapter, len(chapters))
	for ci, title := range chapters {
		topicModels := make([]models.Topic, len(topics[ci]))
		for ti, topicTitle := range topics[ci] {
			topicModels[ti] = models.Topic{Title: topicTitle, Body: bodies[ci][ti]}
		}
		chapterModels[ci] = models.Chapter{Number: ci + 1, Title: title, Topics: topicModels}
	}

	book := &models.Book{
		ID:       uuid.New().String(),
		Title:    spec.Title,
		Date:     time.Now().UTC(),
		Tags:     spec.Keywords,
		Chapters: chapterModels,
	}
	return &Artifact{Kind: models.KindBook, Book: book}, nil
}

// runBookOutline produces the chapter titles. Same retry discipline as
// the article outline: one malformed-response retry, then fatal.
func (o *Orchestrator) runBookOutline(ctx context.Context, job Job, base composer.Context) ([]string, error) {
	convID := job.ConversationID
	stage := composer.StageBookOutline
	o.stageStarted(ctx, convID, string(stage), nil)

	chapters, err := o.bookOutlineAttempt(ctx, convID, base, 0)
	if err != nil && retryableShape(err) && ctx.Err() == nil {
		o.warn(ctx, convID, string(stage), "", "book outline malformed; retrying at higher temperature")
		chapters, err = o.bookOutlineAttempt(ctx, convID, base, stage.Spec().Temperature+0.1)
	}
	if err != nil {
		return nil, fmt.Errorf("book outline: %w", err)
	}

	o.stageCompleted(ctx, convID, string(stage), 1, 0)
	return chapters, nil
}

func (o *Orchestrator) bookOutlineAttempt(ctx context.Context, convID string, c composer.Context, tempOverride float64) ([]string, error) {
	raw, err := o.generate(ctx, convID, composer.StageBookOutline, c, tempOverride)
	if err != nil {
		return nil, err
	}
	return composer.ParseChapterList(raw, c.ChapterCount)
}

// runChapterTopics plans each chapter's topics under the chapter
// parallelism bound. A chapter whose planning fails permanently keeps
// an empty topic list; the topic-body floor judges the rest.
func (o *Orchestrator) runChapterTopics(ctx context.Context, job Job, base composer.Context, chapters []string) ([][]string, error) {
	convID := job.ConversationID
	stage := composer.StageChapterTopics
	topics := make([][]string, len(chapters))

	_, _, err := o.fanOut(ctx, job, string(stage), len(chapters), o.cfg.MaxParallelChapters,
		func(ctx context.Context, i int) itemResult {
			c := base
			c.ChapterTitle = chapters[i]
			c.ChapterNumber = i + 1

			list, err := o.chapterTopicsAttempt(ctx, convID, c, 0)
			if err != nil && retryableShape(err) && ctx.Err() == nil {
				o.warn(ctx, convID, string(stage), chapters[i], "topic list malformed; retrying at higher temperature")
				list, err = o.chapterTopicsAttempt(ctx, convID, c, stage.Spec().Temperature+0.1)
			}
			if err != nil {
				if ctx.Err() != nil {
					return itemAborted
				}
				o.warn(ctx, convID, string(stage), chapters[i], o.redactor.RedactError(err))
				return itemDegraded
			}
			topics[i] = list
			return itemSucceeded
		})
	if err != nil {
		return nil, err
	}
	return topics, nil
}

func (o *Orchestrator) chapterTopicsAttempt(ctx context.Context, convID string, c composer.Context, tempOverride float64) ([]string, error) {
	raw, err := o.generate(ctx, convID, composer.StageChapterTopics, c, tempOverride)
	if err != nil {
		return nil, err
	}
	return composer.ParseTopicList(raw, c.TopicsPerChapter)
}

// runTopicBodies generates prose for every planned (chapter, topic)
// pair. Chapters run under the outer bound and each chapter's topics
// under the inner bound, so total in-flight calls never exceed
// outer × inner. Item failures degrade to the placeholder body; the
// success floor applies across all planned topics.
func (o *Orchestrator) runTopicBodies(ctx context.Context, job Job, base composer.Context, chapters []string, topics [][]string) ([][]string, error) {
	convID := job.ConversationID
	stage := string(composer.StageTopicBody)

	total := 0
	for _, list := range topics {
		total += len(list)
	}
	if total == 0 {
		return nil, fmt.Errorf("%w: no chapter produced a topic list", ErrDegraded)
	}

	bodies := make([][]string, len(chapters))
	for i := range topics {
		bodies[i] = make([]string, len(topics[i]))
	}

	o.stageStarted(ctx, convID, stage, &total)
	job.progress(stage, 0, total)

	var (
		mu        sync.Mutex
		completed int
		succeeded int
		failed    int
	)
	record := func(ctx context.Context, ok bool) {
		mu.Lock()
		completed++
		if ok {
			succeeded++
		} else {
			failed++
		}
		o.append(ctx, convID, conversation.KindStageProgress, conversation.RoleAssistant,
			conversation.StageProgressPayload{Stage: stage, Completed: completed, Total: total})
		job.progress(stage, completed, total)
		mu.Unlock()
	}

	var outer errgroup.Group
	outer.SetLimit(o.cfg.MaxParallelChapters)
	for ci := range chapters {
		if ctx.Err() != nil {
			break
		}
		if len(topics[ci]) == 0 {
			continue
		}
		outer.Go(func() error {
			var inner errgroup.Group
			inner.SetLimit(o.cfg.MaxParallelSections)
			for ti := range topics[ci] {
				if ctx.Err() != nil {
					break
				}
				inner.Go(func() error {
					c := base
					c.ChapterTitle = chapters[ci]
					c.ChapterNumber = ci + 1
					c.TopicTitle = topics[ci][ti]

					body, err := o.generateProse(ctx, convID, composer.StageTopicBody, c, 0)
					if err != nil {
						if ctx.Err() != nil {
							return ctx.Err()
						}
						bodies[ci][ti] = PlaceholderBody
						o.warn(ctx, convID, stage, topics[ci][ti], o.redactor.RedactError(err))
						record(ctx, false)
						return nil
					}
					bodies[ci][ti] = body
					record(ctx, true)
					return nil
				})
			}
			return inner.Wait()
		})
	}
	waitErr := outer.Wait()

	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if waitErr != nil {
		return nil, waitErr
	}

	o.stageCompleted(ctx, convID, stage, succeeded, failed)
	if belowFloor(succeeded, total) {
		return nil, fmt.Errorf("%w: %d of %d topics succeeded", ErrDegraded, succeeded, total)
	}
	return bodies, nil
}

// collectTopicBodies flattens the non-placeholder topic bodies for
// post-processing, preserving chapter order.
func collectTopicBodies(topics [][]string, bodies [][]string) ([]*string, []string) {
	var refs []*string
	var labels []string
	for ci := range bodies {
		for ti := range bodies[ci] {
			if bodies[ci][ti] == PlaceholderBody || bodies[ci][ti] == "" {
				continue
			}
			refs = append(refs, &bodies[ci][ti])
			labels = append(labels, topics[ci][ti])
		}
	}
	return refs, labels
}
