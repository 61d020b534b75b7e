package app

import (
	"context"
	"crypto/rand"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/samber/lo"

	"safetyvoice/api/internal/auth"
	"safetyvoice/api/internal/search"
	"safetyvoice/api/internal/store"
)

// maxBodyBytes bounds request bodies; three narratives at the maximum length
// fit comfortably.
const maxBodyBytes = 256 << 10

type HTTPServer struct {
	service    *Service
	corsOrigin string
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}
	if r.Body != nil {
		r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		status := "ready"
		statusCode := http.StatusOK
		checks := map[string]any{
			"database": map[string]any{"status": "ok"},
		}

		if err := s.service.Ping(ctx); err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["database"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}

		writeJSON(w, statusCode, map[string]any{
			"ok":     status == "ready",
			"status": status,
			"checks": checks,
		})
		return
	}

	// Anonymous intake and public read
	if r.Method == http.MethodPost && r.URL.Path == "/api/submissions" {
		s.handleSubmit(w, r)
		return
	}
	if r.Method == http.MethodGet && r.URL.Path == "/api/stories/search" {
		s.handleSearch(w, r)
		return
	}
	if r.Method == http.MethodGet && r.URL.Path == "/api/stories" {
		limit, offset := pageParams(r)
		stories, err := s.service.ListPublished(r.Context(), limit, offset)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"stories": stories, "limit": limit, "offset": offset})
		return
	}
	if r.Method == http.MethodGet && r.URL.Path == "/api/stats" {
		stats, err := s.service.PublishedStats(r.Context())
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, stats)
		return
	}
	parts := splitPath(r.URL.Path)
	if r.Method == http.MethodGet && len(parts) == 3 && parts[0] == "api" && parts[1] == "stories" {
		story, err := s.service.GetPublished(r.Context(), parts[2])
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"story": story})
		return
	}

	// Moderator session routes (no session required)
	if r.Method == http.MethodPost && r.URL.Path == "/api/moderation/login" {
		var body struct {
			Email    string `json:"email"`
			Password string `json:"password"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		session, err := s.service.Login(r.Context(), body.Email, body.Password)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, sessionPayload(session))
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/moderation/refresh" {
		var body struct {
			RefreshToken string `json:"refreshToken"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		session, err := s.service.Refresh(r.Context(), body.RefreshToken)
		if err != nil {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Refresh token invalid", nil)
			return
		}
		writeJSON(w, http.StatusOK, sessionPayload(session))
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/moderation/logout" {
		session, ok := s.requireSession(w, r)
		if !ok {
			return
		}
		var body struct {
			RefreshToken string `json:"refreshToken"`
		}
		_ = decodeBody(r, &body)
		_ = s.service.Logout(r.Context(), session, body.RefreshToken)
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if !strings.HasPrefix(r.URL.Path, "/api/moderation/") {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
		return
	}

	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}

	if r.Method == http.MethodPost && r.URL.Path == "/api/moderation/password" {
		var body struct {
			CurrentPassword string `json:"currentPassword"`
			NewPassword     string `json:"newPassword"`
		}
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := s.service.ChangePassword(r.Context(), session, body.CurrentPassword, body.NewPassword); err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/moderation/me" {
		writeJSON(w, http.StatusOK, map[string]any{
			"userId":   session.UserID,
			"userName": session.UserName,
			"email":    session.Email,
			"role":     session.Role,
		})
		return
	}

	if r.Method == http.MethodGet && r.URL.Path == "/api/moderation/submissions" {
		items, err := s.service.ListSubmissions(r.Context(), session, r.URL.Query().Get("status"))
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"submissions": lo.Map(items, func(item store.Submission, _ int) map[string]any { return submissionPayload(item) }),
		})
		return
	}

	// /api/moderation/submissions/{id}[/action]
	if len(parts) < 4 || parts[1] != "moderation" || parts[2] != "submissions" {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
		return
	}
	submissionID := parts[3]

	switch {
	case r.Method == http.MethodGet && len(parts) == 4:
		review, err := s.service.ReviewOne(r.Context(), session, submissionID)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"submission": submissionPayload(review.Submission),
			"events":     lo.Map(review.Events, func(e store.SubmissionEvent, _ int) map[string]any { return eventPayload(e) }),
		})

	case r.Method == http.MethodPut && len(parts) == 5 && parts[4] == "draft":
		var body EditDraftInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		item, err := s.service.EditDraft(r.Context(), session, submissionID, body)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"submission": submissionPayload(item)})

	case r.Method == http.MethodPost && len(parts) == 5 && parts[4] == "decision":
		var body DecisionInput
		if err := decodeBody(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		item, err := s.service.Decide(r.Context(), session, submissionID, body)
		if err != nil {
			s.fail(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"submission": submissionPayload(item)})

	case r.Method == http.MethodGet && len(parts) == 5 && parts[4] == "export":
		result, err := s.service.Export(r.Context(), session, submissionID, r.URL.Query().Get("format"))
		if err != nil {
			s.fail(w, err)
			return
		}
		w.Header().Set("Content-Type", result.MimeType)
		w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", result.Filename))
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(result.Data)

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Route not found", nil)
	}
}

func (s *HTTPServer) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var body SubmitInput
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusUnprocessableEntity, "VALIDATION_ERROR", err.Error(), nil)
		return
	}
	result, err := s.service.Submit(r.Context(), s.service.clients.Key(r), body)
	if err != nil {
		s.fail(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"success": true,
		"id":      result.ID,
		"message": result.Message,
	})
}

func (s *HTTPServer) handleSearch(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query()
	limit, offset := pageParams(r)
	resp := s.service.SearchPublished(r.Context(), search.Query{
		Text:       query.Get("q"),
		Region:     query.Get("region"),
		Discipline: query.Get("discipline"),
		Limit:      limit,
		Offset:     offset,
	})
	writeJSON(w, http.StatusOK, resp)
}

func (s *HTTPServer) fail(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		log.Printf("app: request failed: %v", err)
	}
	writeError(w, status, code, message, details)
}

func (s *HTTPServer) requireSession(w http.ResponseWriter, r *http.Request) (Session, bool) {
	token := bearerToken(r)
	if token == "" {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return Session{}, false
	}
	session, err := s.service.SessionFromToken(r.Context(), token)
	if err != nil {
		if errors.Is(err, auth.ErrExpiredToken) || errors.Is(err, auth.ErrInvalidToken) {
			writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
			return Session{}, false
		}
		writeError(w, http.StatusInternalServerError, "SERVER_ERROR", "Session lookup failed", nil)
		return Session{}, false
	}
	return session, true
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = randomRequestID()
		}
		ctx := context.WithValue(r.Context(), requestIDKey{}, requestID)
		r = r.WithContext(ctx)

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		// Query strings are left out; search terms may carry submitter text.
		log.Printf(`{"request_id":"%s","method":"%s","path":"%s","status":%d,"duration_ms":%d}`,
			requestID,
			r.Method,
			r.URL.Path,
			writer.status,
			time.Since(started).Milliseconds(),
		)
	})
}

type requestIDKey struct{}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func randomRequestID() string {
	buf := make([]byte, 8)
	_, _ = rand.Read(buf)
	return hex.EncodeToString(buf)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,OPTIONS")
	header.Set("Cache-Control", "no-store")
	header.Set("Content-Type", "application/json")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, code, message string, details any) {
	response := map[string]any{
		"code":  code,
		"error": message,
	}
	if details != nil {
		response["details"] = details
	}
	writeJSON(w, status, response)
}

func decodeBody(r *http.Request, target any) error {
	if r.Body == nil {
		return nil
	}
	defer r.Body.Close()
	decoder := json.NewDecoder(r.Body)
	if err := decoder.Decode(target); err != nil {
		if errors.Is(err, http.ErrBodyReadAfterClose) {
			return nil
		}
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			return fmt.Errorf("request body too large")
		}
		return fmt.Errorf("invalid JSON body")
	}
	return nil
}

func bearerToken(r *http.Request) string {
	header := strings.TrimSpace(r.Header.Get("Authorization"))
	if !strings.HasPrefix(header, "Bearer ") {
		return ""
	}
	return strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
}

func splitPath(path string) []string {
	trimmed := strings.Trim(path, "/")
	if trimmed == "" {
		return nil
	}
	return strings.Split(trimmed, "/")
}

func pageParams(r *http.Request) (limit, offset int) {
	limit, _ = strconv.Atoi(r.URL.Query().Get("limit"))
	offset, _ = strconv.Atoi(r.URL.Query().Get("offset"))
	return clampFeed(limit, offset)
}

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}

func sessionPayload(session Session) map[string]any {
	return map[string]any{
		"token":        session.Token,
		"refreshToken": session.RefreshToken,
		"userName":     session.UserName,
		"userId":       session.UserID,
		"role":         session.Role,
		"expiresAt":    session.ExpiresAt.UTC().Format(time.RFC3339),
	}
}

// submissionPayload is the moderator view: raw fields included.
func submissionPayload(item store.Submission) map[string]any {
	payload := map[string]any{
		"id":              item.ID,
		"createdAt":       item.CreatedAt.UTC().Format(time.RFC3339),
		"updatedAt":       item.UpdatedAt.UTC().Format(time.RFC3339),
		"status":          string(item.Status),
		"role":            item.Role,
		"institutionType": item.InstitutionType,
		"region":          item.Region,
		"discipline":      item.Discipline,
		"timeWindow":      item.TimeWindow,
		"whatHappened":    item.WhatHappened,
		"impact":          item.Impact,
		"improvement":     item.Improvement,
		"consentPublish":  item.ConsentPublish,
		"sanitisedText":   item.SanitisedText,
		"adminNotes":      item.AdminNotes,
		"decidedBy":       item.DecidedBy,
		"publishedAt":     nil,
		"draft":           nil,
	}
	if item.PublishedAt != nil {
		payload["publishedAt"] = item.PublishedAt.UTC().Format(time.RFC3339)
	}
	if item.PublishTitle != "" || item.PublishStory != "" {
		payload["draft"] = map[string]any{
			"publishTitle":       item.PublishTitle,
			"publishSummary":     item.PublishSummary,
			"publishStory":       item.PublishStory,
			"anonymisationNotes": nonNilStrings(item.AnonymisationNotes),
			"riskFlags":          nonNilStrings(item.RiskFlags),
			"confidence":         item.Confidence,
		}
	}
	return payload
}

func eventPayload(event store.SubmissionEvent) map[string]any {
	return map[string]any{
		"id":         event.ID,
		"kind":       event.Kind,
		"fromStatus": string(event.FromStatus),
		"toStatus":   string(event.ToStatus),
		"actor":      event.Actor,
		"note":       event.Note,
		"createdAt":  event.CreatedAt.UTC().Format(time.RFC3339),
	}
}

func nonNilStrings(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
