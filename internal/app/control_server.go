package app

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/httprate"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/unrolled/secure"

	"github.com/hanamilabs/telegram-bot-admin/internal/domain"
	"github.com/hanamilabs/telegram-bot-admin/internal/observability"
	"github.com/hanamilabs/telegram-bot-admin/internal/security"
	"github.com/hanamilabs/telegram-bot-admin/internal/service"
)

var ErrServerClosed = http.ErrServerClosed

// HealthCheck checks one dependency for GET /health.
type HealthCheck func(ctx context.Context) error

type ControlServerDeps struct {
	Addr     string
	Logger   *slog.Logger
	Control  *service.ControlService
	Security *security.Service
	Metrics  *observability.Metrics
	Checks   map[string]HealthCheck
	// IPRequestsPerMinute caps requests per client IP. Zero means 120.
	IPRequestsPerMinute int
	// TrustProxy keys the per-IP limit on X-Forwarded-For/X-Real-IP instead
	// of the connection address.
	TrustProxy bool
}

// ControlServer is the bearer-token HTTP API over the admin operations.
type ControlServer struct {
	logger     *slog.Logger
	control    *service.ControlService
	security   *security.Service
	metrics    *observability.Metrics
	checks     map[string]HealthCheck
	validate   *validator.Validate
	httpServer *http.Server
	router     chi.Router
	startedAt  time.Time
}

type serviceCheck struct {
	OK    bool   `json:"ok"`
	Error string `json:"error,omitempty"`
}

type healthResponse struct {
	UptimeSeconds int64                   `json:"uptimeSeconds"`
	Checks        map[string]serviceCheck `json:"checks"`
}

type errorResponse struct {
	Error string `json:"error"`
}

type botAdminRequest struct {
	UserID int64 `json:"userId" validate:"required,gt=0"`
	Level  int   `json:"level" validate:"required,min=1,max=3"`
}

type chatAdminRequest struct {
	ChatID int64  `json:"chatId" validate:"required,ne=0"`
	UserID int64  `json:"userId" validate:"required,gt=0"`
	Level  int    `json:"level" validate:"required,min=1,max=5"`
	TTL    string `json:"ttl,omitempty"`
}

type invalidateRequest struct {
	UserID int64 `json:"userId" validate:"gte=0"`
	ChatID int64 `json:"chatId"`
}

type botAdminView struct {
	UserID    int64     `json:"userId"`
	Level     int       `json:"level"`
	LevelName string    `json:"levelName"`
	AddedBy   int64     `json:"addedBy"`
	AddedAt   time.Time `json:"addedAt"`
}

type chatAdminView struct {
	ChatID    int64      `json:"chatId"`
	UserID    int64      `json:"userId"`
	Level     int        `json:"level"`
	LevelName string     `json:"levelName"`
	AddedBy   int64      `json:"addedBy"`
	AddedAt   time.Time  `json:"addedAt"`
	ExpiresAt *time.Time `json:"expiresAt,omitempty"`
}

type userIDKey struct{}

func NewControlServer(deps ControlServerDeps) *ControlServer {
	if deps.Logger == nil {
		deps.Logger = slog.Default()
	}
	if deps.IPRequestsPerMinute <= 0 {
		deps.IPRequestsPerMinute = 120
	}
	s := &ControlServer{
		logger:    deps.Logger,
		control:   deps.Control,
		security:  deps.Security,
		metrics:   deps.Metrics,
		checks:    deps.Checks,
		validate:  validator.New(),
		startedAt: time.Now(),
	}

	secureMiddleware := secure.New(secure.Options{
		FrameDeny:          true,
		ContentTypeNosniff: true,
		BrowserXssFilter:   true,
		ReferrerPolicy:     "no-referrer",
	})

	r := chi.NewRouter()
	r.Use(requestID)
	if deps.TrustProxy {
		r.Use(middleware.RealIP)
	}
	r.Use(middleware.Recoverer)
	r.Use(secureMiddleware.Handler)
	r.Use(deps.Metrics.Middleware)
	r.Use(httprate.Limit(deps.IPRequestsPerMinute, time.Minute,
		httprate.WithKeyFuncs(httprate.KeyByIP),
		httprate.WithLimitHandler(func(w http.ResponseWriter, r *http.Request) {
			s.writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: "too many requests"})
		}),
	))

	r.Get("/health", s.healthHandler)
	r.Method(http.MethodGet, "/metrics", deps.Metrics.Handler())

	r.Route("/api", func(api chi.Router) {
		api.Use(s.authenticate)
		api.Use(s.throttle)
		api.Get("/me", s.meHandler)
		api.Get("/admins/bot", s.listBotAdminsHandler)
		api.Post("/admins/bot", s.promoteBotAdminHandler)
		api.Delete("/admins/bot/{userID}", s.demoteBotAdminHandler)
		api.Post("/admins/chat", s.promoteChatAdminHandler)
		api.Delete("/admins/chat/{chatID}/{userID}", s.demoteChatAdminHandler)
		api.Post("/cache/invalidate", s.invalidateCacheHandler)
		api.Post("/maintenance/purge", s.purgeHandler)
	})

	s.router = r
	s.httpServer = &http.Server{
		Addr:              deps.Addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

func (s *ControlServer) Handler() http.Handler {
	return s.router
}

func (s *ControlServer) ListenAndServe() error {
	return s.httpServer.ListenAndServe()
}

func (s *ControlServer) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// requestID keeps an incoming X-Request-Id or assigns a fresh uuid, and
// echoes it on the response.
func requestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(r.Header.Get(middleware.RequestIDHeader))
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set(middleware.RequestIDHeader, id)
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), middleware.RequestIDKey, id)))
	})
}

// authenticate resolves the bearer session token into a user id.
func (s *ControlServer) authenticate(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		header := r.Header.Get("Authorization")
		token, found := strings.CutPrefix(header, "Bearer ")
		token = strings.TrimSpace(token)
		if !found || token == "" {
			s.writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "missing bearer token"})
			return
		}
		userID, ok, err := s.security.ValidateSession(r.Context(), token)
		if err != nil {
			s.writeError(w, r, err)
			return
		}
		if !ok {
			s.writeJSON(w, http.StatusUnauthorized, errorResponse{Error: security.ErrInvalidSession.Error()})
			return
		}
		next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), userIDKey{}, userID)))
	})
}

// throttle applies the per-user tiered budget on top of the per-IP limit.
func (s *ControlServer) throttle(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !s.security.ThrottleAllow(r.Context(), actorID(r), "api") {
			s.writeError(w, r, security.ErrThrottled)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func actorID(r *http.Request) int64 {
	userID, _ := r.Context().Value(userIDKey{}).(int64)
	return userID
}

func (s *ControlServer) healthHandler(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 10*time.Second)
	defer cancel()

	res := healthResponse{
		UptimeSeconds: int64(time.Since(s.startedAt).Seconds()),
		Checks:        make(map[string]serviceCheck, len(s.checks)),
	}
	var mu sync.Mutex
	var wg sync.WaitGroup
	for name, check := range s.checks {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result := checkFromErr(check(ctx))
			mu.Lock()
			res.Checks[name] = result
			mu.Unlock()
		}()
	}
	wg.Wait()

	status := http.StatusOK
	for _, check := range res.Checks {
		if !check.OK {
			status = http.StatusServiceUnavailable
		}
	}
	s.writeJSON(w, status, res)
}

func (s *ControlServer) meHandler(w http.ResponseWriter, r *http.Request) {
	identity, err := s.control.Me(r.Context(), actorID(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, identity)
}

func (s *ControlServer) listBotAdminsHandler(w http.ResponseWriter, r *http.Request) {
	records, err := s.control.ListBotAdmins(r.Context(), actorID(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	out := make([]botAdminView, 0, len(records))
	for _, rec := range records {
		out = append(out, toBotAdminView(rec))
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"admins": out})
}

func (s *ControlServer) promoteBotAdminHandler(w http.ResponseWriter, r *http.Request) {
	var payload botAdminRequest
	if !s.decode(w, r, &payload) {
		return
	}
	record, err := s.control.PromoteBotAdmin(r.Context(), actorID(r), payload.UserID, domain.BotLevel(payload.Level))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toBotAdminView(record))
}

func (s *ControlServer) demoteBotAdminHandler(w http.ResponseWriter, r *http.Request) {
	userID, ok := s.pathID(w, r, "userID")
	if !ok {
		return
	}
	removed, err := s.control.DemoteBotAdmin(r.Context(), actorID(r), userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"userId": userID, "removed": removed})
}

func (s *ControlServer) promoteChatAdminHandler(w http.ResponseWriter, r *http.Request) {
	var payload chatAdminRequest
	if !s.decode(w, r, &payload) {
		return
	}
	var ttl time.Duration
	if payload.TTL != "" {
		parsed, err := time.ParseDuration(payload.TTL)
		if err != nil || parsed <= 0 {
			s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "ttl must be a positive duration"})
			return
		}
		ttl = parsed
	}
	record, err := s.control.PromoteChatAdmin(r.Context(), actorID(r), payload.ChatID, payload.UserID, domain.ChatLevel(payload.Level), ttl)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, toChatAdminView(record))
}

func (s *ControlServer) demoteChatAdminHandler(w http.ResponseWriter, r *http.Request) {
	chatID, ok := s.pathID(w, r, "chatID")
	if !ok {
		return
	}
	userID, ok := s.pathID(w, r, "userID")
	if !ok {
		return
	}
	removed, err := s.control.DemoteChatAdmin(r.Context(), actorID(r), chatID, userID)
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"chatId": chatID, "userId": userID, "removed": removed})
}

func (s *ControlServer) invalidateCacheHandler(w http.ResponseWriter, r *http.Request) {
	var payload invalidateRequest
	if !s.decode(w, r, &payload) {
		return
	}
	if err := s.control.InvalidateCache(r.Context(), actorID(r), payload.UserID, payload.ChatID); err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]string{"message": "cache invalidated"})
}

func (s *ControlServer) purgeHandler(w http.ResponseWriter, r *http.Request) {
	removed, err := s.control.PurgeExpired(r.Context(), actorID(r))
	if err != nil {
		s.writeError(w, r, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]int{"removed": removed})
}

func (s *ControlServer) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: "invalid json body"})
		return false
	}
	if err := s.validate.Struct(dst); err != nil {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: validationMessage(err)})
		return false
	}
	return true
}

func (s *ControlServer) pathID(w http.ResponseWriter, r *http.Request, name string) (int64, bool) {
	value, err := strconv.ParseInt(chi.URLParam(r, name), 10, 64)
	if err != nil || value == 0 {
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: name + " must be a non-zero integer"})
		return 0, false
	}
	return value, true
}

// writeError maps domain errors onto HTTP statuses.
func (s *ControlServer) writeError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, security.ErrNotAuthorized):
		s.writeJSON(w, http.StatusForbidden, errorResponse{Error: "forbidden"})
	case errors.Is(err, security.ErrThrottled):
		s.writeJSON(w, http.StatusTooManyRequests, errorResponse{Error: "too many requests"})
	case security.IsInfrastructure(err):
		s.logger.Error("control request failed on infrastructure", "error", err, "path", r.URL.Path, "request_id", middleware.GetReqID(r.Context()))
		s.writeJSON(w, http.StatusServiceUnavailable, errorResponse{Error: "temporarily unavailable"})
	case errors.Is(err, security.ErrInvalidLevel), errors.Is(err, service.ErrSelfDemotion):
		s.writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	default:
		s.logger.Error("control request failed", "error", err, "path", r.URL.Path, "request_id", middleware.GetReqID(r.Context()))
		s.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

func (s *ControlServer) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("encode json response failed", "error", err)
	}
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if !errors.As(err, &verrs) || len(verrs) == 0 {
		return "invalid payload"
	}
	parts := make([]string, 0, len(verrs))
	for _, fe := range verrs {
		parts = append(parts, fe.Field()+" failed "+fe.Tag())
	}
	return strings.Join(parts, "; ")
}

func toBotAdminView(rec domain.BotAdminRecord) botAdminView {
	return botAdminView{UserID: rec.UserID, Level: int(rec.Level), LevelName: rec.Level.String(), AddedBy: rec.AddedBy, AddedAt: rec.AddedAt}
}

func toChatAdminView(rec domain.ChatAdminRecord) chatAdminView {
	return chatAdminView{
		ChatID:    rec.ChatID,
		UserID:    rec.UserID,
		Level:     int(rec.Level),
		LevelName: rec.Level.String(),
		AddedBy:   rec.AddedBy,
		AddedAt:   rec.AddedAt,
		ExpiresAt: rec.ExpiresAt,
	}
}

func checkFromErr(err error) serviceCheck {
	if err == nil {
		return serviceCheck{OK: true}
	}
	msg := strings.TrimSpace(err.Error())
	if msg == "" {
		msg = "unknown error"
	}
	return serviceCheck{OK: false, Error: msg}
}

func IsServerClosed(err error) bool {
	return errors.Is(err, ErrServerClosed)
}
