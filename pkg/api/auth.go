package api

import (
	echo "github.com/labstack/echo/v5"
)

// devSubject is the identity assumed in dev mode when no proxy headers
// are present, so a bare curl against a local stack can submit jobs.
const devSubject = "dev"

// extractSubject extracts the caller identity from proxy headers.
// Priority: X-Forwarded-User (oauth2-proxy) > X-Forwarded-Email (oauth2-proxy) >
// X-Remote-User (kube-rbac-proxy). Returns "" when none are present.
func extractSubject(c *echo.Context) string {
	if user := c.Request().Header.Get("X-Forwarded-User"); user != "" {
		return user
	}
	if email := c.Request().Header.Get("X-Forwarded-Email"); email != "" {
		return email
	}
	if user := c.Request().Header.Get("X-Remote-User"); user != "" {
		return user
	}
	return ""
}

// subject resolves the caller identity for a request. Outside dev mode
// an empty result means the request is unauthenticated.
func (s *Server) subject(c *echo.Context) string {
	if subj := extractSubject(c); subj != "" {
		return subj
	}
	if s.cfg != nil && s.cfg.DevMode {
		return devSubject
	}
	return ""
}
