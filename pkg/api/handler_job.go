package api

import (
	"net/http"

	echo "github.com/labstack/echo/v5"

	"github.com/gr8monk3ys/blog-ai/pkg/models"
	"github.com/gr8monk3ys/blog-ai/pkg/services"
)

// submitArticleHandler handles POST /api/v1/articles.
// Creates a queued job and returns immediately with its id; progress
// streams over the job's conversation.
func (s *Server) submitArticleHandler(c *echo.Context) error {
	subject := s.subject(c)
	if subject == "" {
		return echo.NewHTTPError(http.StatusUnauthorized, "no identity header present")
	}

	var req SubmitArticleRequest
	if err := bindStrict(c, &req); err != nil {
		return err
	}

	input := services.SubmitArticleInput{
		Subject: subject,
		Spec: models.ArticleSpec{
			Topic:     req.Topic,
			Keywords:  req.Keywords,
			Tone:      models.Tone(req.Tone),
			Research:  req.Research,
			Proofread: req.Proofread,
			Humanize:  req.Humanize,
		},
		ConversationID: req.ConversationID,
		IdempotencyKey: c.Request().Header.Get("Idempotency-Key"),
	}

	job, err := s.jobService.SubmitArticleJob(c.Request().Context(), input)
	if err != nil {
		return mapServiceError(c, err)
	}

	return c.JSON(http.StatusAccepted, &JobResponse{
		JobID:          job.ID,
		ConversationID: job.ConversationID,
		Status:         string(job.Status),
		Message:        "Article job submitted for processing",
	})
}

// submitBookHandler handles POST /api/v1/books.
func (s *Server) submitBookHandler(c *echo.Context) error {
	subject := s.subject(c)
	if subject == "" {
		return echo.NewHTTPError(http.StatusUnauthorized, "no identity header present")
	}

	var req SubmitBookRequest
	if err := bindStrict(c, &req); err != nil {
		return err
	}

	input := services.SubmitBookInput{
		Subject: subject,
		Spec: models.BookSpec{
			Title:            req.Title,
			ChapterCount:     req.ChapterCount,
			TopicsPerChapter: req.TopicsPerChapter,
			Keywords:         req.Keywords,
			Tone:             models.Tone(req.Tone),
			Research:         req.Research,
			Proofread:        req.Proofread,
			Humanize:         req.Humanize,
		},
		ConversationID: req.ConversationID,
		IdempotencyKey: c.Request().Header.Get("Idempotency-Key"),
	}

	job, err := s.jobService.SubmitBookJob(c.Request().Context(), input)
	if err != nil {
		return mapServiceError(c, err)
	}

	return c.JSON(http.StatusAccepted, &JobResponse{
		JobID:          job.ID,
		ConversationID: job.ConversationID,
		Status:         string(job.Status),
		Message:        "Book job submitted for processing",
	})
}

// getJobHandler handles GET /api/v1/jobs/:id.
func (s *Server) getJobHandler(c *echo.Context) error {
	subject := s.subject(c)
	if subject == "" {
		return echo.NewHTTPError(http.StatusUnauthorized, "no identity header present")
	}

	jobID := c.Param("id")
	if jobID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "job id is required")
	}

	job, err := s.jobService.GetJob(c.Request().Context(), subject, jobID)
	if err != nil {
		return mapServiceError(c, err)
	}

	return c.JSON(http.StatusOK, job.Snapshot())
}

// listJobsHandler handles GET /api/v1/jobs.
// Returns the caller's jobs, newest first.
func (s *Server) listJobsHandler(c *echo.Context) error {
	subject := s.subject(c)
	if subject == "" {
		return echo.NewHTTPError(http.StatusUnauthorized, "no identity header present")
	}

	list, err := s.jobService.ListJobs(c.Request().Context(), subject)
	if err != nil {
		return mapServiceError(c, err)
	}

	snapshots := make([]*models.JobSnapshot, 0, len(list))
	for _, job := range list {
		snapshots = append(snapshots, job.Snapshot())
	}

	return c.JSON(http.StatusOK, &models.JobListResponse{
		Jobs:       snapshots,
		TotalCount: len(snapshots),
	})
}

// cancelJobHandler handles POST /api/v1/jobs/:id/cancel.
// Cancellation is asynchronous for running jobs; the terminal canceled
// event arrives on the conversation once the worker stops.
func (s *Server) cancelJobHandler(c *echo.Context) error {
	subject := s.subject(c)
	if subject == "" {
		return echo.NewHTTPError(http.StatusUnauthorized, "no identity header present")
	}

	jobID := c.Param("id")
	if jobID == "" {
		return echo.NewHTTPError(http.StatusBadRequest, "job id is required")
	}

	if err := s.jobService.CancelJob(c.Request().Context(), subject, jobID); err != nil {
		return mapServiceError(c, err)
	}

	return c.JSON(http.StatusOK, &CancelResponse{
		JobID:   jobID,
		Message: "Job cancellation requested",
	})
}
