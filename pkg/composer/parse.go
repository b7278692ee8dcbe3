package composer

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/gr8monk3ys/blog-ai/pkg/models"
)

// ErrParseFailure marks any stage response the composer could not turn
// into its typed value. The orchestrator decides whether to retry.
var ErrParseFailure = errors.New("stage response parse failure")

// ParseError carries the failing stage and the contract that broke.
type ParseError struct {
	Stage  Stage
	Reason string
}

func (e *ParseError) Error() string {
	return fmt.Sprintf("parse %s response: %s", e.Stage, e.Reason)
}

func (e *ParseError) Unwrap() error {
	return ErrParseFailure
}

func parseErrorf(stage Stage, format string, args ...any) error {
	return &ParseError{Stage: stage, Reason: fmt.Sprintf(format, args...)}
}

// Outline is the typed result of the outline stage.
type Outline struct {
	Title       string           `json:"title"`
	Description string           `json:"description"`
	Tags        []string         `json:"tags"`
	Sections    []OutlineSection `json:"sections"`
}

// OutlineSection is one planned article section with its subtopics.
type OutlineSection struct {
	Title     string   `json:"title"`
	SubTopics []string `json:"subtopics"`
}

// SubTopicCount reports the total subtopics across all sections, the
// fan-out width of the section stage.
func (o *Outline) SubTopicCount() int {
	total := 0
	for _, s := range o.Sections {
		total += len(s.SubTopics)
	}
	return total
}

// Parse converts a raw stage response into its typed value: *Outline
// for outline, []string for book-outline and chapter-topics,
// []models.FAQ for faqs, and trimmed prose for everything else.
func Parse(stage Stage, raw string) (any, error) {
	switch stage {
	case StageOutline:
		return ParseOutline(raw)
	case StageBookOutline:
		return ParseChapterList(raw, 0)
	case StageChapterTopics:
		return ParseTopicList(raw, 0)
	case StageFAQs:
		return ParseFAQs(raw)
	default:
		if !stage.IsValid() {
			return nil, parseErrorf(stage, "unknown stage")
		}
		return ParseProse(stage, raw)
	}
}

// ParseProse validates a free-text or Markdown response: trimmed and
// non-empty.
func ParseProse(stage Stage, raw string) (string, error) {
	text := strings.TrimSpace(raw)
	if text == "" {
		return "", parseErrorf(stage, "empty response")
	}
	return text, nil
}

// ParseOutline decodes and validates the outline contract: non-empty
// title, at least one section, every section titled with at least one
// non-empty subtopic.
func ParseOutline(raw string) (*Outline, error) {
	var outline Outline
	if err := json.Unmarshal([]byte(stripFences(raw)), &outline); err != nil {
		return nil, parseErrorf(StageOutline, "invalid JSON: %v", err)
	}
	if strings.TrimSpace(outline.Title) == "" {
		return nil, parseErrorf(StageOutline, "empty title")
	}
	if len(outline.Sections) == 0 {
		return nil, parseErrorf(StageOutline, "no sections")
	}
	for i, section := range outline.Sections {
		if strings.TrimSpace(section.Title) == "" {
			return nil, parseErrorf(StageOutline, "section %d has no title", i+1)
		}
		if len(section.SubTopics) == 0 {
			return nil, parseErrorf(StageOutline, "section %q has no subtopics", section.Title)
		}
		for j, sub := range section.SubTopics {
			if strings.TrimSpace(sub) == "" {
				return nil, parseErrorf(StageOutline, "section %q subtopic %d is empty", section.Title, j+1)
			}
		}
	}
	return &outline, nil
}

// ParseChapterList decodes the book-outline contract. A positive want
// demands exactly that many chapters; the prompt asked for an exact
// count, so a mismatch is a contract violation worth the retry.
func ParseChapterList(raw string, want int) ([]string, error) {
	var payload struct {
		Chapters []string `json:"chapters"`
	}
	if err := json.Unmarshal([]byte(stripFences(raw)), &payload); err != nil {
		return nil, parseErrorf(StageBookOutline, "invalid JSON: %v", err)
	}
	if len(payload.Chapters) == 0 {
		return nil, parseErrorf(StageBookOutline, "no chapters")
	}
	for i, title := range payload.Chapters {
		if strings.TrimSpace(title) == "" {
			return nil, parseErrorf(StageBookOutline, "chapter %d has no title", i+1)
		}
	}
	if want > 0 && len(payload.Chapters) != want {
		return nil, parseErrorf(StageBookOutline, "expected %d chapters, got %d", want, len(payload.Chapters))
	}
	return payload.Chapters, nil
}

// ParseTopicList decodes the chapter-topics contract. A positive want
// caps the list: over-delivery is truncated, an empty list fails.
func ParseTopicList(raw string, want int) ([]string, error) {
	var payload struct {
		Topics []string `json:"topics"`
	}
	if err := json.Unmarshal([]byte(stripFences(raw)), &payload); err != nil {
		return nil, parseErrorf(StageChapterTopics, "invalid JSON: %v", err)
	}
	if len(payload.Topics) == 0 {
		return nil, parseErrorf(StageChapterTopics, "no topics")
	}
	for i, title := range payload.Topics {
		if strings.TrimSpace(title) == "" {
			return nil, parseErrorf(StageChapterTopics, "topic %d is empty", i+1)
		}
	}
	if want > 0 && len(payload.Topics) > want {
		payload.Topics = payload.Topics[:want]
	}
	return payload.Topics, nil
}

// ParseFAQs decodes the faqs contract: at least one pair, each with
// both a question and an answer.
func ParseFAQs(raw string) ([]models.FAQ, error) {
	var payload struct {
		FAQs []models.FAQ `json:"faqs"`
	}
	if err := json.Unmarshal([]byte(stripFences(raw)), &payload); err != nil {
		return nil, parseErrorf(StageFAQs, "invalid JSON: %v", err)
	}
	if len(payload.FAQs) == 0 {
		return nil, parseErrorf(StageFAQs, "no faqs")
	}
	for i, faq := range payload.FAQs {
		if strings.TrimSpace(faq.Question) == "" || strings.TrimSpace(faq.Answer) == "" {
			return nil, parseErrorf(StageFAQs, "faq %d is incomplete", i+1)
		}
	}
	return payload.FAQs, nil
}

// stripFences removes a surrounding markdown code fence. Providers
// without native JSON mode often wrap JSON in one despite instructions.
func stripFences(s string) string {
	out := strings.TrimSpace(s)
	if !strings.HasPrefix(out, "```") {
		return out
	}
	out = strings.TrimPrefix(out, "```")
	if idx := strings.IndexByte(out, '\n'); idx >= 0 {
		first := strings.TrimSpace(out[:idx])
		if len(first) <= 10 && !strings.ContainsAny(first, "{[") {
			out = out[idx+1:]
		}
	}
	out = strings.TrimSuffix(strings.TrimSpace(out), "```")
	return strings.TrimSpace(out)
}
