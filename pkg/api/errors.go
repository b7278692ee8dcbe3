package api

import (
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	echo "github.com/labstack/echo/v5"

	"github.com/gr8monk3ys/blog-ai/pkg/ratelimit"
	"github.com/gr8monk3ys/blog-ai/pkg/services"
)

// mapServiceError maps service-layer errors to HTTP error responses.
// Bucket denials additionally set a Retry-After header on the response.
func mapServiceError(c *echo.Context, err error) *echo.HTTPError {
	var validErr *services.ValidationError
	if errors.As(err, &validErr) {
		return echo.NewHTTPError(http.StatusBadRequest, validErr.Error())
	}
	if errors.Is(err, services.ErrNotFound) {
		return echo.NewHTTPError(http.StatusNotFound, "resource not found")
	}

	var limited *ratelimit.RateLimitedError
	if errors.As(err, &limited) {
		c.Response().Header().Set("Retry-After", strconv.Itoa(limited.RetryAfterSeconds))
		return echo.NewHTTPError(http.StatusTooManyRequests,
			fmt.Sprintf("rate limited: retry after %d seconds", limited.RetryAfterSeconds))
	}
	if errors.Is(err, ratelimit.ErrRateLimited) {
		return echo.NewHTTPError(http.StatusTooManyRequests, "rate limited")
	}
	if errors.Is(err, ratelimit.ErrTooManyInflight) {
		return echo.NewHTTPError(http.StatusTooManyRequests, "too many jobs in flight for this subject")
	}
	if errors.Is(err, ratelimit.ErrNoCredentials) {
		return echo.NewHTTPError(http.StatusServiceUnavailable, "generation is unavailable: no provider credentials configured")
	}

	// Unexpected error
	slog.Error("Unexpected service error", "error", err)
	return echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
}
