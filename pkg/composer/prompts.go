package composer

import (
	"errors"
	"fmt"
	"strings"

	"github.com/gr8monk3ys/blog-ai/pkg/models"
)

var errMissingInput = errors.New("missing context input")

// toneGuidance maps each tone to the voice instruction woven into the
// system prompt.
var toneGuidance = map[models.Tone]string{
	models.ToneProfessional:   "Write in a polished, professional voice suited to a business audience.",
	models.ToneConversational: "Write in a relaxed, conversational voice, as if talking to a friend.",
	models.ToneInformative:    "Write in a clear, informative voice focused on teaching the reader.",
	models.ToneFriendly:       "Write in a warm, friendly voice that puts the reader at ease.",
	models.ToneAuthoritative:  "Write in a confident, authoritative voice backed by expertise.",
	models.ToneTechnical:      "Write in a precise, technical voice for a specialist audience.",
}

func systemPrompt(c Context) string {
	var sb strings.Builder
	sb.WriteString("You are an experienced long-form content writer.")
	if guidance, ok := toneGuidance[c.Tone]; ok {
		sb.WriteString(" ")
		sb.WriteString(guidance)
	}
	sb.WriteString(" Follow the output instructions exactly.")
	return sb.String()
}

// formatKeywordSection builds the SEO keyword section, empty when the
// request carries no keywords.
func formatKeywordSection(keywords []string) string {
	if len(keywords) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("## Keywords\n")
	sb.WriteString("Weave these keywords in naturally where they fit:\n")
	for _, kw := range keywords {
		sb.WriteString("- ")
		sb.WriteString(kw)
		sb.WriteString("\n")
	}
	sb.WriteString("\n")
	return sb.String()
}

// formatResearchSection wraps pre-formatted research findings, empty
// when research was disabled or returned nothing.
func formatResearchSection(research string) string {
	if research == "" {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("## Research Findings\n")
	sb.WriteString("Use these findings for factual grounding. Do not cite them verbatim.\n")
	sb.WriteString(research)
	sb.WriteString("\n\n")
	return sb.String()
}

func formatSectionListing(titles []string) string {
	if len(titles) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("## Article Sections\n")
	for i, title := range titles {
		fmt.Fprintf(&sb, "%d. %s\n", i+1, title)
	}
	sb.WriteString("\n")
	return sb.String()
}

func buildOutlinePrompt(c Context) (string, error) {
	if c.Topic == "" {
		return "", fmt.Errorf("%w: topic", errMissingInput)
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Design the outline for an in-depth article about: %s\n\n", c.Topic)
	sb.WriteString(formatKeywordSection(c.Keywords))
	sb.WriteString(formatResearchSection(c.Research))
	sb.WriteString("## Output\n")
	sb.WriteString("Respond with a single JSON object and nothing else:\n")
	sb.WriteString("{\n")
	sb.WriteString("  \"title\": \"article title\",\n")
	sb.WriteString("  \"description\": \"one-paragraph summary\",\n")
	sb.WriteString("  \"tags\": [\"tag\", ...],\n")
	sb.WriteString("  \"sections\": [{\"title\": \"section title\", \"subtopics\": [\"subtopic title\", ...]}, ...]\n")
	sb.WriteString("}\n")
	sb.WriteString("Plan 3 to 6 sections with 2 to 4 subtopics each.\n")
	return sb.String(), nil
}

func buildIntroPrompt(c Context) (string, error) {
	if c.Title == "" {
		return "", fmt.Errorf("%w: title", errMissingInput)
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Write the introduction for an article titled %q.\n\n", c.Title)
	if c.Description != "" {
		fmt.Fprintf(&sb, "The article covers: %s\n\n", c.Description)
	}
	sb.WriteString(formatSectionListing(c.SectionTitles))
	sb.WriteString("## Output\n")
	sb.WriteString("Two or three paragraphs of Markdown prose that hook the reader and preview the sections. No heading, no list.\n")
	return sb.String(), nil
}

func buildSectionBodyPrompt(c Context) (string, error) {
	switch {
	case c.Topic == "":
		return "", fmt.Errorf("%w: topic", errMissingInput)
	case c.SectionTitle == "":
		return "", fmt.Errorf("%w: section title", errMissingInput)
	case c.SubTopicTitle == "":
		return "", fmt.Errorf("%w: subtopic title", errMissingInput)
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Write the body for the subtopic %q.\n\n", c.SubTopicTitle)
	fmt.Fprintf(&sb, "It belongs to the section %q of an article about: %s\n\n", c.SectionTitle, c.Topic)
	sb.WriteString(formatKeywordSection(c.Keywords))
	sb.WriteString(formatResearchSection(c.Research))
	sb.WriteString("## Output\n")
	sb.WriteString("Two to four paragraphs of Markdown prose covering exactly this subtopic. No headings; the article supplies them.\n")
	return sb.String(), nil
}

func buildConclusionPrompt(c Context) (string, error) {
	if c.Title == "" {
		return "", fmt.Errorf("%w: title", errMissingInput)
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Write the conclusion for an article titled %q.\n\n", c.Title)
	if c.Description != "" {
		fmt.Fprintf(&sb, "The article covers: %s\n\n", c.Description)
	}
	sb.WriteString(formatSectionListing(c.SectionTitles))
	sb.WriteString("## Output\n")
	sb.WriteString("Two paragraphs of Markdown prose: summarize the key takeaways, then close with a forward-looking thought. No heading.\n")
	return sb.String(), nil
}

func buildFAQsPrompt(c Context) (string, error) {
	if c.Title == "" {
		return "", fmt.Errorf("%w: title", errMissingInput)
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Write frequently asked questions for an article titled %q.\n\n", c.Title)
	if c.Description != "" {
		fmt.Fprintf(&sb, "The article covers: %s\n\n", c.Description)
	}
	sb.WriteString("## Output\n")
	sb.WriteString("Respond with a single JSON object and nothing else:\n")
	sb.WriteString("{\"faqs\": [{\"question\": \"...\", \"answer\": \"...\"}, ...]}\n")
	sb.WriteString("Write 4 to 6 question/answer pairs a reader would actually search for.\n")
	return sb.String(), nil
}

func buildMetaDescriptionPrompt(c Context) (string, error) {
	if c.Title == "" {
		return "", fmt.Errorf("%w: title", errMissingInput)
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Write the SEO meta description for an article titled %q.\n\n", c.Title)
	if c.Description != "" {
		fmt.Fprintf(&sb, "The article covers: %s\n\n", c.Description)
	}
	sb.WriteString(formatKeywordSection(c.Keywords))
	sb.WriteString("## Output\n")
	sb.WriteString("One sentence of plain text, at most 155 characters. No quotes, no Markdown.\n")
	return sb.String(), nil
}

func buildProofreadPrompt(c Context) (string, error) {
	if c.Body == "" {
		return "", fmt.Errorf("%w: body", errMissingInput)
	}
	var sb strings.Builder
	sb.WriteString("Proofread the following passage. Fix grammar, spelling, and awkward phrasing. Preserve the meaning, structure, and Markdown formatting.\n\n")
	sb.WriteString("<!-- PASSAGE START -->\n")
	sb.WriteString(c.Body)
	sb.WriteString("\n<!-- PASSAGE END -->\n\n")
	sb.WriteString("## Output\n")
	sb.WriteString("Only the corrected passage. No commentary.\n")
	return sb.String(), nil
}

func buildHumanizePrompt(c Context) (string, error) {
	if c.Body == "" {
		return "", fmt.Errorf("%w: body", errMissingInput)
	}
	var sb strings.Builder
	sb.WriteString("Rewrite the following passage so it reads as naturally written prose: vary sentence length, prefer active voice, and drop formulaic transitions. Keep the meaning and the Markdown formatting.\n\n")
	sb.WriteString("<!-- PASSAGE START -->\n")
	sb.WriteString(c.Body)
	sb.WriteString("\n<!-- PASSAGE END -->\n\n")
	sb.WriteString("## Output\n")
	sb.WriteString("Only the rewritten passage. No commentary.\n")
	return sb.String(), nil
}

func buildBookOutlinePrompt(c Context) (string, error) {
	if c.BookTitle == "" {
		return "", fmt.Errorf("%w: book title", errMissingInput)
	}
	if c.ChapterCount < 1 {
		return "", fmt.Errorf("%w: chapter count", errMissingInput)
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Design the chapter outline for a book titled %q.\n\n", c.BookTitle)
	sb.WriteString(formatKeywordSection(c.Keywords))
	sb.WriteString(formatResearchSection(c.Research))
	sb.WriteString("## Output\n")
	sb.WriteString("Respond with a single JSON object and nothing else:\n")
	sb.WriteString("{\"chapters\": [\"chapter title\", ...]}\n")
	fmt.Fprintf(&sb, "Plan exactly %d chapters that progress logically from first principles to advanced ground.\n", c.ChapterCount)
	return sb.String(), nil
}

func buildChapterTopicsPrompt(c Context) (string, error) {
	switch {
	case c.BookTitle == "":
		return "", fmt.Errorf("%w: book title", errMissingInput)
	case c.ChapterTitle == "":
		return "", fmt.Errorf("%w: chapter title", errMissingInput)
	case c.TopicsPerChapter < 1:
		return "", fmt.Errorf("%w: topics per chapter", errMissingInput)
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Plan the topics for chapter %d of %d, titled %q, in the book %q.\n\n",
		c.ChapterNumber, c.ChapterCount, c.ChapterTitle, c.BookTitle)
	sb.WriteString("## Output\n")
	sb.WriteString("Respond with a single JSON object and nothing else:\n")
	sb.WriteString("{\"topics\": [\"topic title\", ...]}\n")
	fmt.Fprintf(&sb, "Plan exactly %d topics specific to this chapter.\n", c.TopicsPerChapter)
	return sb.String(), nil
}

func buildTopicBodyPrompt(c Context) (string, error) {
	switch {
	case c.BookTitle == "":
		return "", fmt.Errorf("%w: book title", errMissingInput)
	case c.ChapterTitle == "":
		return "", fmt.Errorf("%w: chapter title", errMissingInput)
	case c.TopicTitle == "":
		return "", fmt.Errorf("%w: topic title", errMissingInput)
	}
	var sb strings.Builder
	fmt.Fprintf(&sb, "Write the body for the topic %q.\n\n", c.TopicTitle)
	fmt.Fprintf(&sb, "It belongs to the chapter %q of the book %q.\n\n", c.ChapterTitle, c.BookTitle)
	sb.WriteString(formatKeywordSection(c.Keywords))
	sb.WriteString(formatResearchSection(c.Research))
	sb.WriteString("## Output\n")
	sb.WriteString("Three to five paragraphs of Markdown prose covering exactly this topic. No headings; the book supplies them.\n")
	return sb.String(), nil
}
