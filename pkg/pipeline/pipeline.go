// Package pipeline walks the article and book stage graphs: it turns a
// job spec into prompts via the composer, runs them through the
// provider gateway under bounded fan-out, and narrates every
// transition onto the job's conversation.
//
// Failure discipline: structural stages (outline, book-outline) are
// fatal after one malformed-response retry; leaf prose items degrade
// to placeholders and count against a success floor; furniture and
// post-processing stages degrade silently to their inputs. Terminal
// conversation events are written on a fresh context bounded by the
// cancellation grace window, because the job context is usually
// already dead when they fire.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/semaphore"

	"github.com/gr8monk3ys/blog-ai/pkg/composer"
	"github.com/gr8monk3ys/blog-ai/pkg/config"
	"github.com/gr8monk3ys/blog-ai/pkg/conversation"
	"github.com/gr8monk3ys/blog-ai/pkg/gateway"
	"github.com/gr8monk3ys/blog-ai/pkg/models"
	"github.com/gr8monk3ys/blog-ai/pkg/research"
)

// PlaceholderBody replaces a subtopic or topic whose generation failed
// permanently. Readers see it verbatim in degraded artifacts.
const PlaceholderBody = "This section could not be generated. Please regenerate the article to fill it in."

// successFloorPct is the minimum share of leaf prose items that must
// succeed for the job to succeed.
const successFloorPct = 75

// stageResearch is the only stage name not drawn from the composer's
// enumeration; research happens before any prompt is composed.
const stageResearch = "research"

// Generator is the provider surface the orchestrator calls.
// *gateway.Gateway implements it.
type Generator interface {
	GenerateText(ctx context.Context, req gateway.Request, opts gateway.Options) (*gateway.Result, error)
}

// Job describes one generation run handed to the orchestrator. Exactly
// one of Article or Book is set, matching Kind.
type Job struct {
	ID             string
	ConversationID string
	Kind           models.ArtifactKind
	Article        *models.ArticleSpec
	Book           *models.BookSpec

	// OnProgress, when set, receives coarse stage progress for the job
	// snapshot. It is called from fan-out goroutines and must be cheap
	// and safe for concurrent use.
	OnProgress func(stage string, completed, total int)
}

func (j Job) progress(stage string, completed, total int) {
	if j.OnProgress != nil {
		j.OnProgress(stage, completed, total)
	}
}

// Artifact is the finished output of a successful run.
type Artifact struct {
	Kind    models.ArtifactKind
	Article *models.Article
	Book    *models.Book
}

// Orchestrator executes stage graphs. One instance serves all jobs in
// the process; the weighted semaphore is the process-wide in-flight
// provider call budget.
type Orchestrator struct {
	gen      Generator
	log      *conversation.Log
	source   research.Source
	redactor *gateway.Redactor
	cfg      *config.PipelineConfig
	inflight *semaphore.Weighted
}

// New builds an orchestrator. source may be nil when research is
// disabled; redactor may be nil when there are no secrets to scrub.
func New(gen Generator, log *conversation.Log, source research.Source, redactor *gateway.Redactor, cfg *config.PipelineConfig) *Orchestrator {
	return &Orchestrator{
		gen:      gen,
		log:      log,
		source:   source,
		redactor: redactor,
		cfg:      cfg,
		inflight: semaphore.NewWeighted(int64(cfg.GlobalInflightCap)),
	}
}

// Run executes the job's stage graph to completion and returns the
// artifact. On failure the terminal error is one of the taxonomy
// errors (ErrDegraded, ErrTimeout, ErrCanceled, or a gateway error)
// and the matching error/canceled event has been appended to the
// conversation. On success the final_artifact event has been appended.
func (o *Orchestrator) Run(ctx context.Context, job Job) (*Artifact, error) {
	started := time.Now()
	slog.Info("Pipeline run starting",
		"job_id", job.ID, "conversation_id", job.ConversationID, "kind", job.Kind)

	var (
		artifact *Artifact
		err      error
	)
	switch job.Kind {
	case models.KindArticle:
		if job.Article == nil {
			err = fmt.Errorf("article job %s has no spec", job.ID)
			break
		}
		artifact, err = o.runArticle(ctx, job)
	case models.KindBook:
		if job.Book == nil {
			err = fmt.Errorf("book job %s has no spec", job.ID)
			break
		}
		artifact, err = o.runBook(ctx, job)
	default:
		err = fmt.Errorf("job %s has unknown kind %q", job.ID, job.Kind)
	}

	if err != nil {
		err = o.classify(ctx, err)
		o.appendTerminalFailure(job.ConversationID, err)
		slog.Warn("Pipeline run failed",
			"job_id", job.ID, "kind", job.Kind,
			"duration", time.Since(started).Round(time.Millisecond),
			"error", o.redactor.RedactError(err))
		return nil, err
	}

	o.appendFinalArtifact(job.ConversationID, artifact)
	slog.Info("Pipeline run succeeded",
		"job_id", job.ID, "kind", job.Kind,
		"duration", time.Since(started).Round(time.Millisecond))
	return artifact, nil
}

// classify maps a stage failure onto the terminal taxonomy. The job
// context is authoritative: once it is dead the job is canceled or
// timed out regardless of which stage error surfaced first.
func (o *Orchestrator) classify(ctx context.Context, err error) error {
	switch ctx.Err() {
	case context.DeadlineExceeded:
		return ErrTimeout
	case context.Canceled:
		return ErrCanceled
	}
	return err
}

// appendTerminalFailure writes the error or canceled event on a fresh
// context; the job context is typically already dead here.
func (o *Orchestrator) appendTerminalFailure(convID string, err error) {
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.CancelGrace)
	defer cancel()

	switch {
	case errors.Is(err, ErrCanceled):
		o.append(ctx, convID, conversation.KindCanceled, conversation.RoleSystem,
			conversation.CanceledPayload{Reason: conversation.CancelReasonRequested})
	case errors.Is(err, ErrTimeout):
		o.append(ctx, convID, conversation.KindCanceled, conversation.RoleSystem,
			conversation.CanceledPayload{Reason: conversation.CancelReasonTimeout})
	default:
		o.append(ctx, convID, conversation.KindError, conversation.RoleSystem,
			conversation.ErrorPayload{Kind: errorKind(err), Message: o.redactor.RedactError(err)})
	}
}

func (o *Orchestrator) appendFinalArtifact(convID string, artifact *Artifact) {
	ctx, cancel := context.WithTimeout(context.Background(), o.cfg.CancelGrace)
	defer cancel()

	o.append(ctx, convID, conversation.KindFinalArtifact, conversation.RoleAssistant,
		conversation.FinalArtifactPayload{
			Kind:    artifact.Kind,
			Article: artifact.Article,
			Book:    artifact.Book,
		})
}

// runResearch performs the optional research stage. It never fails the
// job: an unavailable source or a failed search degrades to empty
// findings with a warning.
func (o *Orchestrator) runResearch(ctx context.Context, job Job, query string) string {
	convID := job.ConversationID
	o.stageStarted(ctx, convID, stageResearch, nil)

	if o.source == nil {
		o.warn(ctx, convID, stageResearch, "", "research is not configured; continuing without findings")
		o.stageCompleted(ctx, convID, stageResearch, 0, 1)
		return ""
	}

	findings, err := o.source.Search(ctx, query, 0)
	if err != nil {
		if ctx.Err() != nil {
			return ""
		}
		o.warn(ctx, convID, stageResearch, "", "research failed: "+o.redactor.RedactError(err))
		o.stageCompleted(ctx, convID, stageResearch, 0, 1)
		return ""
	}

	o.stageCompleted(ctx, convID, stageResearch, 1, 0)
	return research.FormatFindings(findings)
}

// generate composes the stage prompt, runs one gateway call under the
// global in-flight budget, and records the provider_call event. A
// failover that still produced an answer is narrated as a warning.
func (o *Orchestrator) generate(ctx context.Context, convID string, stage composer.Stage, c composer.Context, tempOverride float64) (string, error) {
	msgs, err := composer.Compose(stage, c)
	if err != nil {
		return "", err
	}

	if err := o.inflight.Acquire(ctx, 1); err != nil {
		return "", err
	}
	defer o.inflight.Release(1)

	start := time.Now()
	result, err := o.gen.GenerateText(ctx, gateway.Request{Messages: msgs}, stage.GatewayOptions(tempOverride))
	if err != nil {
		return "", err
	}

	o.append(ctx, convID, conversation.KindProviderCall, conversation.RoleAssistant,
		conversation.ProviderCallPayload{
			Stage:       string(stage),
			Backend:     string(result.Backend),
			Model:       result.Model,
			TokensIn:    result.TokensIn,
			TokensOut:   result.TokensOut,
			Approximate: result.TokensEstimated,
			Attempts:    result.Attempts,
			DurationMS:  time.Since(start).Milliseconds(),
		})

	if len(result.FailedOverFrom) > 0 {
		o.warn(ctx, convID, string(stage), "", fmt.Sprintf(
			"provider %s answered after %s failed", result.Backend, familiesList(result.FailedOverFrom)))
	}
	return result.Text, nil
}

// generateProse is generate plus the free-text parse contract.
func (o *Orchestrator) generateProse(ctx context.Context, convID string, stage composer.Stage, c composer.Context, tempOverride float64) (string, error) {
	raw, err := o.generate(ctx, convID, stage, c, tempOverride)
	if err != nil {
		return "", err
	}
	return composer.ParseProse(stage, raw)
}

// proseStage runs one non-fatal single-call stage. Failure degrades to
// an empty result with a warning; cancellation returns "" and leaves
// classification to the caller's context check.
func (o *Orchestrator) proseStage(ctx context.Context, job Job, stage composer.Stage, c composer.Context) string {
	convID := job.ConversationID
	o.stageStarted(ctx, convID, string(stage), nil)

	text, err := o.generateProse(ctx, convID, stage, c, 0)
	if err != nil {
		if ctx.Err() != nil {
			return ""
		}
		o.warn(ctx, convID, string(stage), "", o.redactor.RedactError(err))
		o.stageCompleted(ctx, convID, string(stage), 0, 1)
		return ""
	}

	o.stageCompleted(ctx, convID, string(stage), 1, 0)
	return text
}

// itemResult is the outcome of one fan-out item.
type itemResult int

const (
	itemSucceeded itemResult = iota
	itemDegraded
	itemAborted // canceled or past deadline; not counted either way
)

// fanOut runs total items under the given parallelism bound, emitting
// the stage's started/progress/completed events and mirroring progress
// to the job callback. run reports each item's outcome; aborted items
// stop the stage. Returns the success and failure tallies, and the
// context error when the stage was interrupted (in which case no
// stage_completed event is emitted).
func (o *Orchestrator) fanOut(ctx context.Context, job Job, stage string, total, limit int, run func(ctx context.Context, i int) itemResult) (int, int, error) {
	convID := job.ConversationID
	o.stageStarted(ctx, convID, stage, &total)
	job.progress(stage, 0, total)

	var (
		mu        sync.Mutex
		completed int
		succeeded int
		failed    int
	)

	var eg errgroup.Group
	eg.SetLimit(limit)
	for i := 0; i < total; i++ {
		if ctx.Err() != nil {
			break
		}
		eg.Go(func() error {
			res := run(ctx, i)
			if res == itemAborted {
				return ctx.Err()
			}

			// Counter update, progress append, and the job callback share
			// the lock so completed values stay monotonic for both readers.
			mu.Lock()
			completed++
			if res == itemSucceeded {
				succeeded++
			} else {
				failed++
			}
			o.append(ctx, convID, conversation.KindStageProgress, conversation.RoleAssistant,
				conversation.StageProgressPayload{Stage: stage, Completed: completed, Total: total})
			job.progress(stage, completed, total)
			mu.Unlock()
			return nil
		})
	}
	waitErr := eg.Wait()

	if err := ctx.Err(); err != nil {
		return succeeded, failed, err
	}
	if waitErr != nil {
		return succeeded, failed, waitErr
	}

	o.stageCompleted(ctx, convID, stage, succeeded, failed)
	return succeeded, failed, nil
}

// postPass runs one post-processing stage over the given bodies in
// place; bodies[i] and labels[i] describe the same item. Item failures
// keep the previous body and emit a warning.
func (o *Orchestrator) postPass(ctx context.Context, job Job, stage composer.Stage, base composer.Context, bodies []*string, labels []string) error {
	if len(bodies) == 0 {
		return ctx.Err()
	}

	_, _, err := o.fanOut(ctx, job, string(stage), len(bodies), o.cfg.MaxParallelSections,
		func(ctx context.Context, i int) itemResult {
			c := base
			c.Body = *bodies[i]
			text, err := o.generateProse(ctx, job.ConversationID, stage, c, 0)
			if err != nil {
				if ctx.Err() != nil {
					return itemAborted
				}
				o.warn(ctx, job.ConversationID, string(stage), labels[i], o.redactor.RedactError(err))
				return itemDegraded
			}
			*bodies[i] = text
			return itemSucceeded
		})
	return err
}

// belowFloor reports whether the success tally misses the quality floor.
func belowFloor(succeeded, total int) bool {
	return succeeded*100 < total*successFloorPct
}

// retryableShape reports whether a stage failure was a malformed
// response (parse or schema) rather than a transport or request
// problem. Structural stages retry these once at a higher temperature.
func retryableShape(err error) bool {
	var mismatch *gateway.SchemaMismatchError
	return errors.Is(err, composer.ErrParseFailure) || errors.As(err, &mismatch)
}

func (o *Orchestrator) stageStarted(ctx context.Context, convID, stage string, itemCount *int) {
	o.append(ctx, convID, conversation.KindStageStarted, conversation.RoleAssistant,
		conversation.StageStartedPayload{Stage: stage, ItemCount: itemCount})
}

func (o *Orchestrator) stageCompleted(ctx context.Context, convID, stage string, succeeded, failed int) {
	o.append(ctx, convID, conversation.KindStageCompleted, conversation.RoleAssistant,
		conversation.StageCompletedPayload{Stage: stage, Succeeded: succeeded, Failed: failed})
}

func (o *Orchestrator) warn(ctx context.Context, convID, stage, item, message string) {
	o.append(ctx, convID, conversation.KindWarning, conversation.RoleSystem,
		conversation.WarningPayload{Stage: stage, Item: item, Message: message})
}

// append writes one event, logging rather than failing on error: the
// artifact is the deliverable, the narration is best-effort.
func (o *Orchestrator) append(ctx context.Context, convID string, kind conversation.Kind, role conversation.Role, payload any) {
	if _, err := o.log.Append(ctx, convID, kind, role, payload); err != nil {
		slog.Warn("Conversation append failed",
			"conversation_id", convID, "kind", kind, "error", err)
	}
}

func familiesList(families []config.BackendFamily) string {
	names := make([]string, len(families))
	for i, f := range families {
		names[i] = string(f)
	}
	return strings.Join(names, ", ")
}
