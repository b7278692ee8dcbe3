package composer

import "github.com/gr8monk3ys/blog-ai/pkg/models"

// Context carries the inputs stage templates read. Each stage reads a
// subset; Compose rejects a context missing a field its stage needs.
type Context struct {
	// Request-level inputs
	Topic    string      // article topic (articles) or book working subject
	Keywords []string    // SEO keywords woven into prose
	Tone     models.Tone // voice for the system prompt
	Research string      // pre-formatted research findings, may be empty

	// Article inputs
	Title         string   // outline title, read by intro/conclusion/faqs/meta
	Description   string   // outline description
	SectionTitle  string   // owning section, read by section-body
	SubTopicTitle string   // subtopic to write, read by section-body
	SectionTitles []string // full section listing, read by intro/conclusion

	// Book inputs
	BookTitle        string // book title
	ChapterTitle     string // owning chapter, read by chapter-topics/topic-body
	ChapterNumber    int    // 1-based position of the chapter
	ChapterCount     int    // total chapters requested
	TopicsPerChapter int    // topics requested per chapter
	TopicTitle       string // topic to write, read by topic-body

	// Post-processing input
	Body string // prose to proofread or humanize
}
