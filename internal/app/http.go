package app

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
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

	"wikinovel/api/internal/auth"
	"wikinovel/api/internal/rbac"
	"wikinovel/api/internal/store"
)

const syncTokenHeader = "X-Wikinovel-Sync-Token"

type HTTPServer struct {
	service    *Service
	corsOrigin string
	limiter    *writeLimiter
}

func NewHTTPServer(service *Service, corsOrigin string) *HTTPServer {
	return &HTTPServer{
		service:    service,
		corsOrigin: corsOrigin,
		limiter:    newWriteLimiter(service.cfg.RatePerMinute),
	}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		writeJSON(w, http.StatusNoContent, map[string]any{})
		return
	}

	// Every route answers with and without the /api prefix.
	path := strings.TrimPrefix(r.URL.Path, "/api")
	if path == "" {
		path = "/"
	}
	parts := splitPath(path)
	readOnly := r.Method == http.MethodGet || r.Method == http.MethodHead

	if readOnly && path == "/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}
	if readOnly && path == "/ready" {
		s.handleReady(w, r)
		return
	}
	if readOnly && path == "/metrics" {
		if s.service.metrics == nil {
			writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
			return
		}
		s.service.metrics.Handler().ServeHTTP(w, r)
		return
	}

	if r.Method == http.MethodPost && path == "/proposals/auto-apply" {
		if !s.requireSync(w, r) {
			return
		}
		report, err := s.service.Sweep(r.Context())
		if err != nil {
			s.writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, report)
		return
	}
	if r.Method == http.MethodPost && path == "/leaderboard/weekly/archive" {
		if !s.requireSync(w, r) {
			return
		}
		result, err := s.service.ArchiveWeek(r.Context(), r.URL.Query().Get("week"))
		if err != nil {
			s.writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, result)
		return
	}

	session, ok := s.requireSession(w, r)
	if !ok {
		return
	}
	if !readOnly && !s.limiter.Allow(session.UserID) {
		w.Header().Set("Retry-After", "1")
		writeError(w, http.StatusTooManyRequests, "RATE_LIMITED", "Too many requests", nil)
		return
	}

	switch {
	case r.Method == http.MethodPost && path == "/proposals":
		var input CreateProposalInput
		if err := decodeBody(r, &input); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		proposal, err := s.service.SubmitProposal(r.Context(), session, input)
		if err != nil {
			s.writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"proposal": proposal})
		return

	case r.Method == http.MethodPost && path == "/proposal-votes":
		var input VoteInput
		if err := decodeBody(r, &input); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		result, err := s.service.CastVote(r.Context(), session, input)
		if err != nil {
			s.writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, result)
		return

	case r.Method == http.MethodPost && path == "/novels":
		s.handleRegisterNovel(w, r, session)
		return

	case readOnly && path == "/leaderboard/weekly":
		rollup, err := s.service.WeeklyLeaderboard(r.Context(), r.URL.Query().Get("week"))
		if err != nil {
			s.writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, rollup)
		return
	}

	if len(parts) >= 2 && parts[0] == "proposals" {
		s.handleProposal(w, r, session, parts[1], parts[2:])
		return
	}
	if len(parts) >= 2 && parts[0] == "novels" {
		s.handleNovel(w, r, session, parts[1], parts[2:])
		return
	}
	if readOnly && len(parts) == 3 && parts[0] == "users" && parts[2] == "proposals" {
		userID := parts[1]
		if userID == "me" {
			userID = session.UserID
		}
		proposals, err := s.service.ListProposerProposals(r.Context(), userID)
		if err != nil {
			s.writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"proposals": proposals})
		return
	}

	writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
}

func (s *HTTPServer) handleReady(w http.ResponseWriter, r *http.Request) {
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
	if configured, err := s.service.PingCache(ctx); configured {
		checks["redis"] = map[string]any{"status": "ok"}
		if err != nil {
			status = "not_ready"
			statusCode = http.StatusServiceUnavailable
			checks["redis"] = map[string]any{
				"status": "error",
				"error":  err.Error(),
			}
		}
	}
	writeJSON(w, statusCode, map[string]any{
		"ok":     status == "ready",
		"status": status,
		"checks": checks,
	})
}

func (s *HTTPServer) handleProposal(w http.ResponseWriter, r *http.Request, session Session, proposalID string, rest []string) {
	ctx := r.Context()
	switch {
	case len(rest) == 0 && (r.Method == http.MethodGet || r.Method == http.MethodHead):
		detail, err := s.service.GetProposal(ctx, proposalID)
		if err != nil {
			s.writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"proposal": detail})

	case len(rest) == 0 && r.Method == http.MethodDelete:
		if err := s.service.DeleteProposal(ctx, session, proposalID); err != nil {
			s.writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true, "id": proposalID})

	case len(rest) == 1 && rest[0] == "resubmit" && r.Method == http.MethodPost:
		var input ResubmitInput
		if err := decodeBody(r, &input); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		proposal, err := s.service.Resubmit(ctx, session, proposalID, input)
		if err != nil {
			s.writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"proposal": proposal})

	case len(rest) == 1 && rest[0] == "views" && r.Method == http.MethodPost:
		views, err := s.service.RecordView(ctx, proposalID)
		if err != nil {
			s.writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"id": proposalID, "views": views})

	case len(rest) == 1 && rest[0] == "comments" && r.Method == http.MethodPost:
		var input CommentInput
		if err := decodeBody(r, &input); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		comment, err := s.service.AddComment(ctx, session, proposalID, input)
		if err != nil {
			s.writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, map[string]any{"comment": comment})

	case len(rest) == 1 && rest[0] == "evaluate" && r.Method == http.MethodPost:
		if !s.service.Can(session.Role, rbac.ActionModerate) {
			writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
			return
		}
		proposal, err := s.service.EvaluateProposal(ctx, proposalID)
		if err != nil {
			s.writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"proposal": proposal})

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleNovel(w http.ResponseWriter, r *http.Request, session Session, novelID string, rest []string) {
	ctx := r.Context()
	readOnly := r.Method == http.MethodGet || r.Method == http.MethodHead
	switch {
	case readOnly && len(rest) == 1 && rest[0] == "proposals":
		proposals, err := s.service.ListNovelProposals(ctx, novelID)
		if err != nil {
			s.writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"proposals": proposals})

	case readOnly && len(rest) == 2 && rest[0] == "entities":
		entity, err := s.service.GetEntity(ctx, novelID, rest[1])
		if err != nil {
			s.writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"entity": entityView(entity)})

	case readOnly && len(rest) == 3 && rest[0] == "entities" && rest[2] == "proposals":
		proposals, err := s.service.ListEntityProposals(ctx, novelID, rest[1])
		if err != nil {
			s.writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"proposals": proposals})

	case readOnly && len(rest) == 1 && rest[0] == "history":
		limit, _ := strconv.Atoi(r.URL.Query().Get("limit"))
		commits, err := s.service.EntityHistory(ctx, novelID, r.URL.Query().Get("field"), limit)
		if err != nil {
			s.writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"commits": commitViews(commits)})

	case readOnly && len(rest) == 2 && rest[0] == "history":
		revision, err := s.service.EntityTextAt(ctx, novelID, r.URL.Query().Get("field"), rest[1])
		if err != nil {
			s.writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"revision": revision})

	case readOnly && len(rest) == 2 && rest[0] == "contributors":
		standing, err := s.service.ContributorStanding(ctx, novelID, rest[1])
		if err != nil {
			s.writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, standing)

	case r.Method == http.MethodPost && len(rest) == 3 && rest[0] == "contributors" && rest[2] == "contributions":
		if !s.service.Can(session.Role, rbac.ActionModerate) {
			writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
			return
		}
		var input ContributionInput
		if err := decodeBody(r, &input); err != nil {
			writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
			return
		}
		if err := s.service.RecordContribution(ctx, novelID, rest[1], input); err != nil {
			s.writeMappedError(w, err)
			return
		}
		standing, err := s.service.ContributorStanding(ctx, novelID, rest[1])
		if err != nil {
			s.writeMappedError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, standing)

	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) handleRegisterNovel(w http.ResponseWriter, r *http.Request, session Session) {
	if !s.service.Can(session.Role, rbac.ActionModerate) {
		writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
		return
	}
	var body struct {
		NovelID string            `json:"novelId"`
		Texts   map[string]string `json:"texts"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	entities, err := s.service.RegisterNovel(r.Context(), body.NovelID, body.Texts, session.UserID)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	views := make([]EntityView, 0, len(entities))
	for _, entity := range entities {
		views = append(views, entityView(entity))
	}
	writeJSON(w, http.StatusCreated, map[string]any{"novelId": body.NovelID, "entities": views})
}

// requireSync admits the cron collaborator by its shared token, or a
// moderator session.
func (s *HTTPServer) requireSync(w http.ResponseWriter, r *http.Request) bool {
	expected := s.service.cfg.SyncToken
	provided := strings.TrimSpace(r.Header.Get(syncTokenHeader))
	if expected != "" && provided != "" {
		if subtle.ConstantTimeCompare([]byte(expected), []byte(provided)) == 1 {
			return true
		}
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return false
	}
	session, ok := s.requireSession(w, r)
	if !ok {
		return false
	}
	if !s.service.Can(session.Role, rbac.ActionModerate) {
		writeError(w, http.StatusForbidden, "FORBIDDEN", "Forbidden", nil)
		return false
	}
	return true
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

func (s *HTTPServer) writeMappedError(w http.ResponseWriter, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		log.Printf("http: %v", err)
	}
	writeError(w, status, code, message, details)
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
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID, "+syncTokenHeader)
	header.Set("Access-Control-Allow-Methods", "GET,POST,DELETE,OPTIONS")
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

func mapError(err error) (status int, code, message string, details any) {
	var domainErr *DomainError
	if errors.As(err, &domainErr) {
		return domainErr.Status, domainErr.Code, domainErr.Message, domainErr.Details
	}
	if errors.Is(err, sql.ErrNoRows) {
		return http.StatusNotFound, "NOT_FOUND", "Not found", nil
	}
	if errors.Is(err, store.ErrDuplicate) {
		return http.StatusConflict, "CONFLICT", "Conflict", nil
	}
	if errors.Is(err, auth.ErrInvalidToken) || errors.Is(err, auth.ErrExpiredToken) {
		return http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil
	}
	return http.StatusInternalServerError, "SERVER_ERROR", "Server error", nil
}
