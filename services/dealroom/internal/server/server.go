package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"math"
	"mime"
	"net/http"
	"reflect"
	"strconv"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"

	"dealroom/internal/util"
	"dealroom/pkg/domain"
	"dealroom/pkg/queue"
	objstore "dealroom/pkg/storage"
	"dealroom/services/dealroom/internal/app"
)

// Limiter decides whether a request keyed by path and client IP may proceed.
type Limiter interface {
	Allow(ctx context.Context, key string) (bool, time.Duration)
}

// DocumentReader streams stored document bytes back to clients.
type DocumentReader interface {
	Open(ctx context.Context, key string) (io.ReadCloser, error)
}

// ActivityReader lists recently committed events, newest first.
type ActivityReader interface {
	Recent(ctx context.Context, n int64) ([]queue.Entry, error)
}

// Config wires required dependencies for the HTTP server.
type Config struct {
	Workspace *app.Workspace
	// Events serves the websocket feed; nil leaves /api/events unrouted.
	Events  http.Handler
	Metrics http.Handler
	// Documents serves downloads; nil answers 404 for every document body.
	Documents DocumentReader
	// Activity backs /api/activity; nil leaves it unrouted.
	Activity        ActivityReader
	LoginLimiter    Limiter
	RegisterLimiter Limiter
	TrustedProxies  *util.TrustedProxies
	AllowedOrigins  []string
	MaxUploadBytes  int64
}

// Server exposes the workspace over HTTP.
type Server struct {
	ws              *app.Workspace
	documents       DocumentReader
	activity        ActivityReader
	loginLimiter    Limiter
	registerLimiter Limiter
	trusted         *util.TrustedProxies
	origins         []string
	maxUploadBytes  int64
	validate        *validator.Validate
	mux             *http.ServeMux
}

// New constructs the server with routes configured.
func New(cfg Config) (*Server, error) {
	if cfg.Workspace == nil {
		return nil, errors.New("server: workspace is required")
	}
	s := &Server{
		ws:              cfg.Workspace,
		documents:       cfg.Documents,
		activity:        cfg.Activity,
		loginLimiter:    cfg.LoginLimiter,
		registerLimiter: cfg.RegisterLimiter,
		trusted:         cfg.TrustedProxies,
		origins:         cfg.AllowedOrigins,
		maxUploadBytes:  normalizeMaxBytes(cfg.MaxUploadBytes),
		validate:        newValidator(),
		mux:             http.NewServeMux(),
	}
	s.routes(cfg.Events, cfg.Metrics)
	return s, nil
}

// Router returns the configured handler with the middleware chain applied.
func (s *Server) Router() http.Handler {
	return util.WithRequestID(util.WithRequestLog(util.WithSecurityHeaders(util.WithCORS(s.origins, s.mux))))
}

func (s *Server) routes(events, metrics http.Handler) {
	s.mux.HandleFunc("GET /healthz", s.handleHealth)
	if metrics != nil {
		s.mux.Handle("GET /metrics", metrics)
	}
	if events != nil {
		s.mux.Handle("GET /api/events", events)
	}

	// session
	s.mux.HandleFunc("GET /api/session", s.handleSession)
	s.mux.HandleFunc("POST /api/session/login", s.handleLogin)
	s.mux.HandleFunc("POST /api/session/register", s.handleRegister)
	s.mux.HandleFunc("POST /api/session/logout", s.handleLogout)

	// deals
	s.mux.HandleFunc("GET /api/deals", s.handleListDeals)
	s.mux.HandleFunc("POST /api/deals", s.handleCreateDeal)
	s.mux.HandleFunc("GET /api/deals/active", s.handleActiveDeals)
	s.mux.HandleFunc("GET /api/deals/{id}", s.handleGetDeal)
	s.mux.HandleFunc("PUT /api/deals/{id}/status", s.handleUpdateStatus)
	s.mux.HandleFunc("PUT /api/deals/{id}/price", s.handleUpdatePrice)
	s.mux.HandleFunc("GET /api/deals/{id}/messages", s.handleListMessages)
	s.mux.HandleFunc("POST /api/deals/{id}/messages", s.handleSendMessage)
	s.mux.HandleFunc("POST /api/deals/{id}/documents", s.handleUploadDocument)
	s.mux.HandleFunc("GET /api/deals/{id}/documents/{docID}", s.handleDownloadDocument)

	if s.activity != nil {
		s.mux.HandleFunc("GET /api/activity", s.handleActivity)
	}

	// notifications
	s.mux.HandleFunc("GET /api/notifications", s.handleNotifications)
	s.mux.HandleFunc("POST /api/notifications", s.handlePushNotification)
	s.mux.HandleFunc("POST /api/notifications/read-all", s.handleMarkAllRead)
	s.mux.HandleFunc("POST /api/notifications/{id}/read", s.handleMarkRead)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// session handlers

type loginRequest struct {
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
}

type registerRequest struct {
	Name     string `json:"name" validate:"required,max=120"`
	Email    string `json:"email" validate:"required,email"`
	Password string `json:"password" validate:"required"`
	Role     string `json:"role" validate:"omitempty,oneof=buyer seller"`
}

type sessionResponse struct {
	Authenticated bool         `json:"authenticated"`
	User          *domain.User `json:"user,omitempty"`
}

func (s *Server) handleSession(w http.ResponseWriter, _ *http.Request) {
	user, ok := s.ws.Session.Current()
	if !ok {
		writeJSON(w, http.StatusOK, sessionResponse{})
		return
	}
	writeJSON(w, http.StatusOK, sessionResponse{Authenticated: true, User: &user})
}

func (s *Server) handleLogin(w http.ResponseWriter, r *http.Request) {
	if !s.allowRate(w, r, s.loginLimiter, "too many login attempts") {
		s.audit(r, "session.login", "rate_limited")
		return
	}
	var req loginRequest
	if !s.decode(w, r, &req) {
		s.audit(r, "session.login", "fail", "reason", "invalid_request")
		return
	}
	user, err := s.ws.Session.Login(r.Context(), req.Email, req.Password)
	if err != nil {
		s.audit(r, "session.login", "fail", "reason", err.Error())
		writeAppError(w, r, err)
		return
	}
	s.audit(r, "session.login", "success", "user_id", user.ID)
	writeJSON(w, http.StatusOK, user)
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	if !s.allowRate(w, r, s.registerLimiter, "too many register attempts") {
		s.audit(r, "session.register", "rate_limited")
		return
	}
	var req registerRequest
	if !s.decode(w, r, &req) {
		s.audit(r, "session.register", "fail", "reason", "invalid_request")
		return
	}
	user, err := s.ws.Session.Register(r.Context(), req.Name, req.Email, req.Password, domain.UserRole(req.Role))
	if err != nil {
		s.audit(r, "session.register", "fail", "reason", err.Error())
		writeAppError(w, r, err)
		return
	}
	s.audit(r, "session.register", "success", "user_id", user.ID)
	writeJSON(w, http.StatusCreated, user)
}

func (s *Server) handleLogout(w http.ResponseWriter, r *http.Request) {
	if err := s.ws.Session.Logout(r.Context()); err != nil {
		s.audit(r, "session.logout", "fail", "reason", err.Error())
		writeAppError(w, r, err)
		return
	}
	s.audit(r, "session.logout", "success")
	w.WriteHeader(http.StatusNoContent)
}

// deal handlers

type createDealRequest struct {
	Title        string   `json:"title" validate:"required,max=200"`
	Description  string   `json:"description" validate:"max=5000"`
	InitialPrice *float64 `json:"initialPrice" validate:"required"`
}

type statusRequest struct {
	Status string `json:"status" validate:"required"`
}

type priceRequest struct {
	Price *float64 `json:"price" validate:"required"`
}

type messageRequest struct {
	Content string `json:"content" validate:"max=4000"`
}

func (s *Server) handleListDeals(w http.ResponseWriter, r *http.Request) {
	if !s.requireSession(w, r) {
		return
	}
	deals := s.ws.Deals.Deals()
	if status := strings.TrimSpace(r.URL.Query().Get("status")); status != "" {
		deals = app.DealsByStatus(deals, domain.DealStatus(status))
	}
	if userID := strings.TrimSpace(r.URL.Query().Get("user")); userID != "" {
		deals = app.DealsForUser(deals, userID)
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": deals, "count": len(deals)})
}

func (s *Server) handleActiveDeals(w http.ResponseWriter, r *http.Request) {
	if !s.requireSession(w, r) {
		return
	}
	deals := app.ActiveDeals(s.ws.Deals.Deals())
	writeJSON(w, http.StatusOK, map[string]any{"items": deals, "count": len(deals)})
}

func (s *Server) handleCreateDeal(w http.ResponseWriter, r *http.Request) {
	var req createDealRequest
	if !s.decode(w, r, &req) {
		return
	}
	deal, err := s.ws.Deals.CreateDeal(r.Context(), req.Title, req.Description, *req.InitialPrice)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, deal)
}

func (s *Server) handleGetDeal(w http.ResponseWriter, r *http.Request) {
	if !s.requireSession(w, r) {
		return
	}
	deal, ok := s.ws.Deals.GetDealByID(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "deal not found")
		return
	}
	writeJSON(w, http.StatusOK, deal)
}

func (s *Server) handleUpdateStatus(w http.ResponseWriter, r *http.Request) {
	var req statusRequest
	if !s.decode(w, r, &req) {
		return
	}
	deal, err := s.ws.Deals.UpdateDealStatus(r.Context(), r.PathValue("id"), domain.DealStatus(req.Status))
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, deal)
}

func (s *Server) handleUpdatePrice(w http.ResponseWriter, r *http.Request) {
	var req priceRequest
	if !s.decode(w, r, &req) {
		return
	}
	deal, err := s.ws.Deals.UpdateDealPrice(r.Context(), r.PathValue("id"), *req.Price)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, deal)
}

func (s *Server) handleListMessages(w http.ResponseWriter, r *http.Request) {
	if !s.requireSession(w, r) {
		return
	}
	dealID := r.PathValue("id")
	if _, ok := s.ws.Deals.GetDealByID(dealID); !ok {
		writeError(w, http.StatusNotFound, "deal not found")
		return
	}
	messages := s.ws.Deals.GetMessagesForDeal(dealID)
	writeJSON(w, http.StatusOK, map[string]any{"items": messages, "count": len(messages)})
}

func (s *Server) handleSendMessage(w http.ResponseWriter, r *http.Request) {
	var req messageRequest
	if !s.decode(w, r, &req) {
		return
	}
	msg, err := s.ws.Deals.SendMessage(r.Context(), r.PathValue("id"), req.Content)
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, msg)
}

func (s *Server) handleUploadDocument(w http.ResponseWriter, r *http.Request) {
	if !s.requireSession(w, r) {
		return
	}
	if r.ContentLength > s.maxUploadBytes {
		writeError(w, http.StatusRequestEntityTooLarge, "file too large")
		return
	}
	r.Body = http.MaxBytesReader(w, r.Body, s.maxUploadBytes)
	file, header, err := r.FormFile("file")
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "file too large")
			return
		}
		writeError(w, http.StatusBadRequest, "file is required")
		return
	}
	defer file.Close()
	if r.MultipartForm != nil {
		defer r.MultipartForm.RemoveAll()
	}

	doc, err := s.ws.Deals.UploadDocument(r.Context(), r.PathValue("id"), app.Upload{
		Name:        header.Filename,
		ContentType: header.Header.Get("Content-Type"),
		Size:        header.Size,
		Body:        file,
	})
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, doc)
}

func (s *Server) handleDownloadDocument(w http.ResponseWriter, r *http.Request) {
	if !s.requireSession(w, r) {
		return
	}
	deal, ok := s.ws.Deals.GetDealByID(r.PathValue("id"))
	if !ok {
		writeError(w, http.StatusNotFound, "deal not found")
		return
	}
	var doc *domain.Document
	for i := range deal.Documents {
		if deal.Documents[i].ID == r.PathValue("docID") {
			doc = &deal.Documents[i]
			break
		}
	}
	if doc == nil {
		writeError(w, http.StatusNotFound, "document not found")
		return
	}
	if s.documents == nil || doc.URL == "" || doc.URL == app.PlaceholderLocator {
		writeError(w, http.StatusNotFound, "document content unavailable")
		return
	}
	body, err := s.documents.Open(r.Context(), doc.URL)
	if err != nil {
		if errors.Is(err, objstore.ErrObjectNotFound) {
			writeError(w, http.StatusNotFound, "document content unavailable")
			return
		}
		util.LoggerFromContext(r.Context()).Error("open document failed", "deal_id", deal.ID, "document_id", doc.ID, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	defer body.Close()

	w.Header().Set("Content-Type", doc.Type)
	w.Header().Set("Content-Disposition", mime.FormatMediaType("attachment", map[string]string{"filename": doc.Name}))
	if doc.Size > 0 {
		w.Header().Set("Content-Length", strconv.FormatInt(doc.Size, 10))
	}
	w.WriteHeader(http.StatusOK)
	if _, err := io.Copy(w, body); err != nil {
		util.LoggerFromContext(r.Context()).Warn("stream document interrupted", "document_id", doc.ID, "err", err)
	}
}

// notification handlers

func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	if !s.requireSession(w, r) {
		return
	}
	items := s.ws.Notifications.Notifications()
	writeJSON(w, http.StatusOK, map[string]any{
		"items":  items,
		"unread": app.UnreadCount(items),
	})
}

type pushRequest struct {
	ID      string `json:"id" validate:"max=128"`
	Title   string `json:"title" validate:"required,max=200"`
	Message string `json:"message" validate:"required,max=2000"`
	Type    string `json:"type" validate:"required,oneof=deal message document status"`
	DealID  string `json:"dealId" validate:"max=128"`
}

// handlePushNotification accepts notifications from external event sources.
func (s *Server) handlePushNotification(w http.ResponseWriter, r *http.Request) {
	var req pushRequest
	if !s.decode(w, r, &req) {
		return
	}
	item, err := s.ws.Notifications.Push(r.Context(), domain.Notification{
		ID:      req.ID,
		Title:   req.Title,
		Message: req.Message,
		Type:    domain.NotificationType(req.Type),
		DealID:  req.DealID,
	})
	if err != nil {
		writeAppError(w, r, err)
		return
	}
	writeJSON(w, http.StatusCreated, item)
}

func (s *Server) handleMarkRead(w http.ResponseWriter, r *http.Request) {
	if !s.requireSession(w, r) {
		return
	}
	if err := s.ws.Notifications.MarkAsRead(r.Context(), r.PathValue("id")); err != nil {
		writeAppError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMarkAllRead(w http.ResponseWriter, r *http.Request) {
	if !s.requireSession(w, r) {
		return
	}
	if err := s.ws.Notifications.MarkAllAsRead(r.Context()); err != nil {
		writeAppError(w, r, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleActivity(w http.ResponseWriter, r *http.Request) {
	if !s.requireSession(w, r) {
		return
	}
	limit := int64(50)
	if raw := strings.TrimSpace(r.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.ParseInt(raw, 10, 64)
		if err != nil || n <= 0 || n > 500 {
			writeError(w, http.StatusBadRequest, "limit must be between 1 and 500")
			return
		}
		limit = n
	}
	entries, err := s.activity.Recent(r.Context(), limit)
	if err != nil {
		util.LoggerFromContext(r.Context()).Error("read activity failed", "err", err)
		writeError(w, http.StatusServiceUnavailable, "activity unavailable")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": entries, "count": len(entries)})
}

// helpers

// requireSession guards read routes and uploads; other mutations get the same
// answer from the stores themselves.
func (s *Server) requireSession(w http.ResponseWriter, r *http.Request) bool {
	if _, ok := s.ws.Session.Current(); ok {
		return true
	}
	writeAppError(w, r, app.ErrUnauthenticated)
	return false
}

func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(io.LimitReader(r.Body, 1<<20)).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "invalid JSON body")
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, validationMessage(err))
		return false
	}
	return true
}

func newValidator() *validator.Validate {
	v := validator.New(validator.WithRequiredStructEnabled())
	v.RegisterTagNameFunc(func(field reflect.StructField) string {
		name, _, _ := strings.Cut(field.Tag.Get("json"), ",")
		if name == "-" {
			return ""
		}
		return name
	})
	return v
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "invalid input data"
	}
	fe := verrs[0]
	field := fe.Field()
	switch fe.Tag() {
	case "required":
		return field + " is required"
	case "max":
		return field + " must be at most " + fe.Param()
	case "oneof":
		return field + " must be one of: " + fe.Param()
	case "email":
		return field + " must be a valid email address"
	default:
		return field + " is invalid"
	}
}

func writeAppError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, app.ErrUnauthenticated):
		writeError(w, http.StatusUnauthorized, "not authenticated")
	case errors.Is(err, app.ErrInvalidCredentials):
		writeError(w, http.StatusUnauthorized, "invalid credentials")
	case errors.Is(err, app.ErrNotFound):
		writeError(w, http.StatusNotFound, "not found")
	case errors.Is(err, app.ErrInvalidPrice),
		errors.Is(err, app.ErrEmptyMessage),
		errors.Is(err, app.ErrInvalidStatus),
		errors.Is(err, app.ErrInvalidDocument),
		errors.Is(err, app.ErrInvalidNotification):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, app.ErrInvalidTransition):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		writeError(w, http.StatusServiceUnavailable, "request cancelled")
	default:
		util.LoggerFromContext(r.Context()).Error("request failed", "path", r.URL.Path, "err", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func normalizeMaxBytes(value int64) int64 {
	if value <= 0 {
		return 20 * 1024 * 1024
	}
	return value
}

func (s *Server) audit(r *http.Request, event, outcome string, attrs ...any) {
	logAttrs := []any{
		"event", event,
		"outcome", outcome,
		"path", r.URL.Path,
		"method", r.Method,
		"ip", util.ClientIP(r, s.trusted),
	}
	logAttrs = append(logAttrs, attrs...)
	logger := util.LoggerFromContext(r.Context())
	if outcome == "success" {
		logger.Info("security_event", logAttrs...)
		return
	}
	logger.Warn("security_event", logAttrs...)
}

func (s *Server) allowRate(w http.ResponseWriter, r *http.Request, limiter Limiter, msg string) bool {
	if limiter == nil {
		return true
	}
	key := r.URL.Path + "|" + util.ClientIP(r, s.trusted)
	allowed, retryAfter := limiter.Allow(r.Context(), key)
	if allowed {
		return true
	}
	seconds := int(math.Ceil(retryAfter.Seconds()))
	if seconds < 1 {
		seconds = 1
	}
	w.Header().Set("Retry-After", strconv.Itoa(seconds))
	writeError(w, http.StatusTooManyRequests, msg)
	return false
}
