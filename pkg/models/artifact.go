// Package models defines the artifact data model and the request/response
// shapes shared by the service layer and the HTTP API.
package models

import "time"

// ArtifactKind discriminates the two generation pipelines.
type ArtifactKind string

const (
	// KindArticle is a single long-form article.
	KindArticle ArtifactKind = "article"
	// KindBook is a multi-chapter book.
	KindBook ArtifactKind = "book"
)

// IsValid checks if the artifact kind is valid.
func (k ArtifactKind) IsValid() bool {
	return k == KindArticle || k == KindBook
}

// Article is the assembled artifact of an article job. Section order and
// subtopic order follow the outline; field names are stable.
type Article struct {
	ID          string    `json:"id"`
	Title       string    `json:"title"`
	Description string    `json:"description"`
	Date        time.Time `json:"date"`
	ImageURL    string    `json:"image_url,omitempty"`
	Tags        []string  `json:"tags,omitempty"`
	Sections    []Section `json:"sections"`

	// Intro, Conclusion, and FAQs frame the sections. Empty when the
	// corresponding generation pass degraded.
	Intro           string   `json:"intro,omitempty"`
	Conclusion      string   `json:"conclusion,omitempty"`
	FAQs            []FAQ    `json:"faqs,omitempty"`
	MetaDescription string   `json:"meta_description,omitempty"`
	Keywords        []string `json:"keywords,omitempty"`
}

// Section is one titled group of subtopics. Every section has at least
// one subtopic.
type Section struct {
	Title     string     `json:"title"`
	SubTopics []SubTopic `json:"subtopics"`
}

// SubTopic is the leaf unit of generated article prose.
type SubTopic struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// FAQ is one question/answer pair appended to an article.
type FAQ struct {
	Question string `json:"question"`
	Answer   string `json:"answer"`
}

// Book is the assembled artifact of a book job. Chapter numbers are
// contiguous starting at 1; ordering is stable across retries.
type Book struct {
	ID         string    `json:"id"`
	Title      string    `json:"title"`
	Date       time.Time `json:"date"`
	Tags       []string  `json:"tags,omitempty"`
	OutputFile string    `json:"output_file,omitempty"`
	Chapters   []Chapter `json:"chapters"`
}

// Chapter is one 1-indexed book chapter.
type Chapter struct {
	Number int     `json:"number"`
	Title  string  `json:"title"`
	Topics []Topic `json:"topics"`
}

// Topic is the leaf unit of generated book prose.
type Topic struct {
	Title string `json:"title"`
	Body  string `json:"body"`
}

// SubTopicCount returns the total number of subtopics across all sections.
func (a *Article) SubTopicCount() int {
	n := 0
	for _, s := range a.Sections {
		n += len(s.SubTopics)
	}
	return n
}

// TopicCount returns the total number of topics across all chapters.
func (b *Book) TopicCount() int {
	n := 0
	for _, c := range b.Chapters {
		n += len(c.Topics)
	}
	return n
}
