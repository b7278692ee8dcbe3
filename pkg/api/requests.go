package api

import (
	"encoding/json"
	"net/http"

	echo "github.com/labstack/echo/v5"
)

// SubmitArticleRequest is the HTTP request body for POST /api/v1/articles.
// conversation_id continues an existing conversation; omitted means a
// fresh one is opened for the job.
type SubmitArticleRequest struct {
	Topic          string   `json:"topic"`
	Keywords       []string `json:"keywords,omitempty"`
	Tone           string   `json:"tone,omitempty"`
	Research       bool     `json:"research,omitempty"`
	Proofread      bool     `json:"proofread,omitempty"`
	Humanize       bool     `json:"humanize,omitempty"`
	ConversationID string   `json:"conversation_id,omitempty"`
}

// SubmitBookRequest is the HTTP request body for POST /api/v1/books.
// Zero-valued counts fall back to the spec defaults at admission.
type SubmitBookRequest struct {
	Title            string   `json:"title"`
	ChapterCount     int      `json:"chapter_count,omitempty"`
	TopicsPerChapter int      `json:"topics_per_chapter,omitempty"`
	Keywords         []string `json:"keywords,omitempty"`
	Tone             string   `json:"tone,omitempty"`
	Research         bool     `json:"research,omitempty"`
	Proofread        bool     `json:"proofread,omitempty"`
	Humanize         bool     `json:"humanize,omitempty"`
	ConversationID   string   `json:"conversation_id,omitempty"`
}

// bindStrict decodes the JSON body, rejecting unknown fields.
func bindStrict(c *echo.Context, v any) error {
	dec := json.NewDecoder(c.Request().Body)
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		return echo.NewHTTPError(http.StatusBadRequest, "invalid request body: "+err.Error())
	}
	return nil
}
