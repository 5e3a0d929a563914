package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/6ubble/bip-backend/internal/auth"
	"github.com/6ubble/bip-backend/internal/util"
	"go.uber.org/zap"
)

type HTTPServer struct {
	service    *Service
	corsOrigin string
	logger     *zap.Logger
}

func NewHTTPServer(service *Service, corsOrigin string, logger *zap.Logger) *HTTPServer {
	return &HTTPServer{service: service, corsOrigin: corsOrigin, logger: logger}
}

func (s *HTTPServer) Handler() http.Handler {
	return s.withMiddleware(http.HandlerFunc(s.handle))
}

func (s *HTTPServer) handle(w http.ResponseWriter, r *http.Request) {
	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/health" {
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	if (r.Method == http.MethodGet || r.Method == http.MethodHead) && r.URL.Path == "/api/ready" {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()

		if err := s.service.Ping(ctx); err != nil {
			writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ok": false, "error": err.Error()})
			return
		}
		writeJSON(w, http.StatusOK, map[string]any{"ok": true})
		return
	}

	// Registration and login need no session.
	if r.Method == http.MethodPost {
		switch r.URL.Path {
		case "/api/auth/register/individual":
			s.handleRegisterIndividual(w, r)
			return
		case "/api/auth/register/organization":
			s.handleRegisterOrganization(w, r)
			return
		case "/api/auth/register/employee":
			s.handleRegisterEmployee(w, r)
			return
		case "/api/auth/login":
			s.handleLogin(w, r)
			return
		case "/api/session/refresh":
			s.handleRefresh(w, r)
			return
		case "/api/session/logout":
			s.handleLogout(w, r)
			return
		}
	}

	claims, err := s.authenticate(r)
	if err != nil {
		writeError(w, http.StatusUnauthorized, "UNAUTHORIZED", "Unauthorized", nil)
		return
	}

	parts := splitPath(r.URL.Path)
	switch {
	case r.Method == http.MethodGet && r.URL.Path == "/api/appeals":
		s.handleListAppeals(w, r, claims)
	case r.Method == http.MethodPost && r.URL.Path == "/api/appeals":
		s.handleCreateAppeal(w, r, claims)
	case r.Method == http.MethodGet && len(parts) == 3 && parts[0] == "api" && parts[1] == "appeals":
		s.handleAppealSnapshot(w, r, parts[2])
	case r.Method == http.MethodGet && len(parts) == 4 && parts[0] == "api" && parts[1] == "appeals" && parts[3] == "files":
		s.handleAppealFiles(w, r, parts[2])
	case r.Method == http.MethodPost && len(parts) == 4 && parts[0] == "api" && parts[1] == "appeals" && parts[3] == "reply":
		s.handleSubmitReply(w, r, parts[2])
	case r.Method == http.MethodGet && len(parts) == 3 && parts[0] == "api" && parts[1] == "files":
		s.handleFileDownload(w, r, parts[2])
	case r.Method == http.MethodGet && r.URL.Path == "/api/company/info":
		s.respond(w, r, func() (any, error) { return s.service.CompanyInfo(r.Context(), claims) })
	case r.Method == http.MethodGet && r.URL.Path == "/api/company/employees":
		s.respond(w, r, func() (any, error) {
			employees, err := s.service.CompanyEmployees(r.Context(), claims)
			if err != nil {
				return nil, err
			}
			return map[string]any{"employees": employees, "total_count": len(employees)}, nil
		})
	case r.Method == http.MethodGet && r.URL.Path == "/api/transactions":
		s.respond(w, r, func() (any, error) {
			transactions, err := s.service.Transactions(r.Context(), claims)
			if err != nil {
				return nil, err
			}
			return map[string]any{"transactions": transactions}, nil
		})
	default:
		writeError(w, http.StatusNotFound, "NOT_FOUND", "Not found", nil)
	}
}

func (s *HTTPServer) authenticate(r *http.Request) (auth.Claims, error) {
	token := bearerToken(r)
	if token == "" {
		return auth.Claims{}, auth.ErrInvalidToken
	}
	return s.service.SessionFromToken(token)
}

func (s *HTTPServer) handleRegisterIndividual(w http.ResponseWriter, r *http.Request) {
	var input RegisterIndividualInput
	if err := decodeBody(r, &input); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	view, session, err := s.service.RegisterIndividual(r.Context(), input)
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, registrationResponse(view, session))
}

func (s *HTTPServer) handleRegisterOrganization(w http.ResponseWriter, r *http.Request) {
	var input RegisterOrganizationInput
	if err := decodeBody(r, &input); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	view, session, err := s.service.RegisterOrganizationOwner(r.Context(), input)
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, registrationResponse(view, session))
}

func (s *HTTPServer) handleRegisterEmployee(w http.ResponseWriter, r *http.Request) {
	var input RegisterEmployeeInput
	if err := decodeBody(r, &input); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	view, session, err := s.service.RegisterEmployee(r.Context(), input)
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, registrationResponse(view, session))
}

func registrationResponse(view AccountView, session Session) map[string]any {
	return map[string]any{
		"account":       view,
		"token":         session.Token,
		"refresh_token": session.RefreshToken,
		"expires_at":    session.ExpiresAt.Format(time.RFC3339),
	}
}

func (s *HTTPServer) handleLogin(w http.ResponseWriter, r *http.Request) {
	var body struct {
		EmailOrPhone string `json:"email_or_phone"`
		Password     string `json:"password"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	view, session, err := s.service.Login(r.Context(), body.EmailOrPhone, body.Password)
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, registrationResponse(view, session))
}

func (s *HTTPServer) handleRefresh(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RefreshToken string `json:"refresh_token"`
	}
	if err := decodeBody(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	view, session, err := s.service.Refresh(r.Context(), body.RefreshToken)
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, registrationResponse(view, session))
}

func (s *HTTPServer) handleLogout(w http.ResponseWriter, r *http.Request) {
	var body struct {
		RefreshToken string `json:"refresh_token"`
	}
	_ = decodeBody(r, &body)
	_ = s.service.Logout(r.Context(), body.RefreshToken)
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (s *HTTPServer) handleListAppeals(w http.ResponseWriter, r *http.Request, claims auth.Claims) {
	includeClosed := r.URL.Query().Get("closed") == "true"
	s.respond(w, r, func() (any, error) {
		return s.service.Appeals(r.Context(), claims, includeClosed)
	})
}

func (s *HTTPServer) handleCreateAppeal(w http.ResponseWriter, r *http.Request, claims auth.Claims) {
	var input CreateAppealInput
	if err := decodeBody(r, &input); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	s.respond(w, r, func() (any, error) {
		return s.service.CreateAppeal(r.Context(), claims, input)
	})
}

func (s *HTTPServer) handleAppealSnapshot(w http.ResponseWriter, r *http.Request, appealID string) {
	s.respond(w, r, func() (any, error) {
		return s.service.AppealSnapshot(r.Context(), appealID)
	})
}

func (s *HTTPServer) handleAppealFiles(w http.ResponseWriter, r *http.Request, appealID string) {
	latestOnly := r.URL.Query().Get("latest") == "true"
	s.respond(w, r, func() (any, error) {
		files, err := s.service.AppealFiles(r.Context(), appealID, latestOnly)
		if err != nil {
			return nil, err
		}
		return map[string]any{"appeal_id": appealID, "files_count": len(files), "files": files}, nil
	})
}

func (s *HTTPServer) handleSubmitReply(w http.ResponseWriter, r *http.Request, appealID string) {
	var input SubmitReplyInput
	if err := decodeBody(r, &input); err != nil {
		writeError(w, http.StatusBadRequest, "INVALID_BODY", err.Error(), nil)
		return
	}
	entryID, err := s.service.SubmitReply(r.Context(), appealID, input)
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"ok":        true,
		"entry_id":  entryID,
		"appeal_id": appealID,
	})
}

func (s *HTTPServer) handleFileDownload(w http.ResponseWriter, r *http.Request, fileID string) {
	meta, content, err := s.service.FileContent(r.Context(), fileID)
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	contentType := meta.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", meta.Name))
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(content)
}

func (s *HTTPServer) respond(w http.ResponseWriter, r *http.Request, fn func() (any, error)) {
	payload, err := fn()
	if err != nil {
		s.writeMappedError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, payload)
}

func (s *HTTPServer) writeMappedError(w http.ResponseWriter, r *http.Request, err error) {
	status, code, message, details := mapError(err)
	if status >= http.StatusInternalServerError {
		s.logger.Error("request failed",
			zap.String("path", r.URL.Path),
			zap.String("method", r.Method),
			zap.Error(err),
		)
		// Unexpected errors stay opaque to callers.
		if code == "INTERNAL" {
			message = "Unexpected error"
		}
	}
	writeError(w, status, code, message, details)
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
	return http.StatusInternalServerError, "INTERNAL", err.Error(), nil
}

func (s *HTTPServer) withMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = util.NewRequestID()
		}

		started := time.Now()
		writer := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		setCORSHeaders(writer.Header(), s.corsOrigin)
		writer.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(writer, r)

		s.logger.Info("request",
			zap.String("request_id", requestID),
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", writer.status),
			zap.Int64("duration_ms", time.Since(started).Milliseconds()),
		)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func setCORSHeaders(header http.Header, corsOrigin string) {
	header.Set("Access-Control-Allow-Origin", corsOrigin)
	header.Set("Access-Control-Allow-Headers", "Content-Type, Authorization, X-Request-ID")
	header.Set("Access-Control-Allow-Methods", "GET,POST,PUT,DELETE,OPTIONS")
	header.Set("Cache-Control", "no-store")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
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
	if err := json.NewDecoder(r.Body).Decode(target); err != nil {
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

