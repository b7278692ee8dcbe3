// Package composer declares the pipeline's stage templates and turns
// stage context into prompt transcripts, then raw model responses into
// typed values. It is stateless: stages are enumerated in-code, and the
// composer never retries on its own.
package composer

import (
	"fmt"

	"github.com/gr8monk3ys/blog-ai/pkg/gateway"
)

// Stage names one prompt/parse contract in the generation pipeline.
type Stage string

const (
	StageOutline         Stage = "outline"
	StageIntro           Stage = "intro"
	StageSectionBody     Stage = "section-body"
	StageConclusion      Stage = "conclusion"
	StageFAQs            Stage = "faqs"
	StageMetaDescription Stage = "meta-description"
	StageProofread       Stage = "proofread"
	StageHumanize        Stage = "humanize"
	StageBookOutline     Stage = "book-outline"
	StageChapterTopics   Stage = "chapter-topics"
	StageTopicBody       Stage = "topic-body"
)

// OutputForm is the shape a stage's response must take.
type OutputForm int

const (
	OutputText OutputForm = iota
	OutputMarkdown
	OutputJSON
)

// StageSpec is a stage's calling convention: how the response is
// shaped, which JSON keys are mandatory, and the sampling defaults the
// orchestrator passes to the gateway.
type StageSpec struct {
	Output       OutputForm
	RequiredKeys []string // top-level keys, OutputJSON stages only
	Temperature  float64
	MaxTokens    int
}

// stageSpecs enumerates every recognized stage. Temperatures lean
// higher for creative prose and lower for mechanical passes.
var stageSpecs = map[Stage]StageSpec{
	StageOutline:         {Output: OutputJSON, RequiredKeys: []string{"title", "description", "tags", "sections"}, Temperature: 0.7, MaxTokens: 1500},
	StageIntro:           {Output: OutputMarkdown, Temperature: 0.8, MaxTokens: 600},
	StageSectionBody:     {Output: OutputMarkdown, Temperature: 0.8, MaxTokens: 1200},
	StageConclusion:      {Output: OutputMarkdown, Temperature: 0.8, MaxTokens: 600},
	StageFAQs:            {Output: OutputJSON, RequiredKeys: []string{"faqs"}, Temperature: 0.7, MaxTokens: 1200},
	StageMetaDescription: {Output: OutputText, Temperature: 0.5, MaxTokens: 120},
	StageProofread:       {Output: OutputMarkdown, Temperature: 0.3, MaxTokens: 1500},
	StageHumanize:        {Output: OutputMarkdown, Temperature: 0.9, MaxTokens: 1500},
	StageBookOutline:     {Output: OutputJSON, RequiredKeys: []string{"chapters"}, Temperature: 0.7, MaxTokens: 1000},
	StageChapterTopics:   {Output: OutputJSON, RequiredKeys: []string{"topics"}, Temperature: 0.7, MaxTokens: 600},
	StageTopicBody:       {Output: OutputMarkdown, Temperature: 0.8, MaxTokens: 1200},
}

// IsValid reports whether the stage is one of the recognized stages.
func (s Stage) IsValid() bool {
	_, ok := stageSpecs[s]
	return ok
}

// Spec returns the stage's calling convention. Unknown stages return
// the zero spec; callers should check IsValid first.
func (s Stage) Spec() StageSpec {
	return stageSpecs[s]
}

// GatewayOptions maps the stage spec onto gateway call options. The
// optional temperature override replaces the stage default when > 0.
func (s Stage) GatewayOptions(temperatureOverride float64) gateway.Options {
	spec := s.Spec()
	temperature := spec.Temperature
	if temperatureOverride > 0 {
		temperature = temperatureOverride
	}
	return gateway.Options{
		Stage:           string(s),
		Temperature:     temperature,
		MaxOutputTokens: spec.MaxTokens,
		JSONOutput:      spec.Output == OutputJSON,
		RequiredKeys:    spec.RequiredKeys,
	}
}

// Compose builds the prompt transcript for a stage from its context.
// It fails when the stage is unknown or the context is missing an
// input the stage's template reads.
func Compose(stage Stage, c Context) ([]gateway.Message, error) {
	if !stage.IsValid() {
		return nil, fmt.Errorf("unknown stage %q", stage)
	}

	var (
		prompt string
		err    error
	)
	switch stage {
	case StageOutline:
		prompt, err = buildOutlinePrompt(c)
	case StageIntro:
		prompt, err = buildIntroPrompt(c)
	case StageSectionBody:
		prompt, err = buildSectionBodyPrompt(c)
	case StageConclusion:
		prompt, err = buildConclusionPrompt(c)
	case StageFAQs:
		prompt, err = buildFAQsPrompt(c)
	case StageMetaDescription:
		prompt, err = buildMetaDescriptionPrompt(c)
	case StageProofread:
		prompt, err = buildProofreadPrompt(c)
	case StageHumanize:
		prompt, err = buildHumanizePrompt(c)
	case StageBookOutline:
		prompt, err = buildBookOutlinePrompt(c)
	case StageChapterTopics:
		prompt, err = buildChapterTopicsPrompt(c)
	case StageTopicBody:
		prompt, err = buildTopicBodyPrompt(c)
	}
	if err != nil {
		return nil, fmt.Errorf("compose %s: %w", stage, err)
	}

	return []gateway.Message{
		{Role: gateway.RoleSystem, Content: systemPrompt(c)},
		{Role: gateway.RoleUser, Content: prompt},
	}, nil
}
