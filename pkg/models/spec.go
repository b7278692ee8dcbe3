package models

// Tone selects the writing voice for generated prose.
type Tone string

const (
	ToneProfessional   Tone = "professional"
	ToneConversational Tone = "conversational"
	ToneInformative    Tone = "informative"
	ToneFriendly       Tone = "friendly"
	ToneAuthoritative  Tone = "authoritative"
	ToneTechnical      Tone = "technical"
)

// IsValid checks if the tone is valid.
func (t Tone) IsValid() bool {
	switch t {
	case ToneProfessional, ToneConversational, ToneInformative,
		ToneFriendly, ToneAuthoritative, ToneTechnical:
		return true
	default:
		return false
	}
}

// Field length limits enforced at admission.
const (
	MaxTopicLen    = 200
	MaxKeywords    = 20
	MaxKeywordLen  = 50
	MaxChapters    = 50
	MaxTopicsPerCh = 20

	DefaultChapterCount     = 5
	DefaultTopicsPerChapter = 3
)

// ArticleSpec holds the request parameters for one article job.
type ArticleSpec struct {
	Topic     string   `json:"topic"`
	Keywords  []string `json:"keywords,omitempty"`
	Tone      Tone     `json:"tone"`
	Research  bool     `json:"research"`
	Proofread bool     `json:"proofread"`
	Humanize  bool     `json:"humanize"`
}

// BookSpec holds the request parameters for one book job.
type BookSpec struct {
	Title            string   `json:"title"`
	ChapterCount     int      `json:"chapter_count"`
	TopicsPerChapter int      `json:"topics_per_chapter"`
	Keywords         []string `json:"keywords,omitempty"`
	Tone             Tone     `json:"tone"`
	Research         bool     `json:"research"`
	Proofread        bool     `json:"proofread"`
	Humanize         bool     `json:"humanize"`
}

// ApplyDefaults fills zero-valued counts with their defaults.
func (s *BookSpec) ApplyDefaults() {
	if s.ChapterCount == 0 {
		s.ChapterCount = DefaultChapterCount
	}
	if s.TopicsPerChapter == 0 {
		s.TopicsPerChapter = DefaultTopicsPerChapter
	}
}
