package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"expense-backend/internal/apperrors"
	"expense-backend/internal/auth"
	"expense-backend/internal/contextutil"
	"expense-backend/internal/models"

	"github.com/0xcafe-io/iz"
	"github.com/sirupsen/logrus"
)

// Context key type to avoid collisions.
type contextKey string

const (
	// UserContextKey is the context key for the authenticated user.
	UserContextKey contextKey = "user"
	// SessionTokenContextKey is the context key for the current session token.
	SessionTokenContextKey contextKey = "session_token"
	// SessionCookieName is the name of the session cookie.
	SessionCookieName = "session"
	// DefaultSessionDuration is how long sessions last (30 days).
	DefaultSessionDuration = 30 * 24 * time.Hour

	maxEmailLength       = 100
	maxCategoryLength    = 40
	maxDescriptionLength = 200
	maxBodyBytes         = 1 << 20
	healthTimeout        = 2 * time.Second
)

// Response messages.
const (
	MsgRegistered      = "User successfully registered!"
	MsgEmailInUse      = "This email is already in use."
	MsgMissingFields   = "email and password are required"
	MsgLoggedIn        = "the user has been logged in."
	MsgLoginNotFound   = "the user email is not found in the database"
	MsgLoggedOut       = "user has been logged out"
	MsgSignedOut       = "this user has been deleted and logged out"
	MsgUnauthorized    = "unauthorized"
	MsgInvalidBody     = "invalid request body"
	MsgInternalFailure = "internal server error"
)

var errUnauthorized = apperrors.New(apperrors.ErrUnauthorized, MsgUnauthorized)

// Store is the repository the handlers persist users and expenses through.
type Store interface {
	Ping(ctx context.Context) error
	FindUserByEmail(ctx context.Context, email string) (*models.User, error)
	FindUserByID(ctx context.Context, id int64) (*models.User, error)
	InsertUser(ctx context.Context, email, passwordHash string) (*models.User, error)
	DeleteUserByID(ctx context.Context, id int64) error
	InsertExpense(ctx context.Context, e *models.Expense) (*models.Expense, error)
	GetExpense(ctx context.Context, id int64) (*models.Expense, error)
	ListExpensesByMonth(ctx context.Context, userID int64, year, month int) ([]models.Expense, error)
	GetCategoryTotalsByMonth(ctx context.Context, userID int64, year, month int) ([]models.CategoryTotal, error)
}

// SessionStore keeps server-side session state keyed by token.
type SessionStore interface {
	CreateSession(ctx context.Context, token string, userID int64, expiresAt time.Time) error
	LookupSession(ctx context.Context, token string) (*models.Session, error)
	RenewSession(ctx context.Context, token string, expiresAt time.Time) error
	DeleteSession(ctx context.Context, token string) error
	DeleteUserSessions(ctx context.Context, userID int64) error
}

type pinger interface {
	Ping(ctx context.Context) error
}

// Recorder receives business events for metrics.
type Recorder interface {
	RecordAuthEvent(event, outcome string)
	RecordExpenseCreated()
}

type nopRecorder struct{}

func (nopRecorder) RecordAuthEvent(string, string) {}
func (nopRecorder) RecordExpenseCreated()          {}

// Options tunes session cookies.
type Options struct {
	SessionDuration time.Duration
	SecureCookie    bool
}

// Handlers holds dependencies for HTTP handlers.
type Handlers struct {
	store           Store
	sessions        SessionStore
	hasher          *auth.Hasher
	logger          logrus.FieldLogger
	recorder        Recorder
	sessionDuration time.Duration
	secureCookie    bool
}

// NewHandlers creates a new Handlers instance. A nil recorder disables event metrics.
func NewHandlers(store Store, sessions SessionStore, hasher *auth.Hasher, logger logrus.FieldLogger, recorder Recorder, opts Options) *Handlers {
	if opts.SessionDuration <= 0 {
		opts.SessionDuration = DefaultSessionDuration
	}
	if recorder == nil {
		recorder = nopRecorder{}
	}
	return &Handlers{
		store:           store,
		sessions:        sessions,
		hasher:          hasher,
		logger:          logger,
		recorder:        recorder,
		sessionDuration: opts.SessionDuration,
		secureCookie:    opts.SecureCookie,
	}
}

// GetUserFromContext retrieves the authenticated user from request context.
func GetUserFromContext(r *http.Request) *models.User {
	if user, ok := r.Context().Value(UserContextKey).(*models.User); ok {
		return user
	}
	return nil
}

func getSessionToken(r *http.Request) string {
	token, _ := r.Context().Value(SessionTokenContextKey).(string)
	return token
}

func (h *Handlers) log(r *http.Request) logrus.FieldLogger {
	return h.logger.WithField("trace_id", contextutil.TraceIDFromContext(r.Context()))
}

// RequestID tags each request with a trace ID, echoes it in X-Request-ID and
// logs the request once it completes.
func (h *Handlers) RequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		traceID := r.Header.Get("X-Request-ID")
		if traceID == "" {
			traceID = contextutil.NewTraceID()
		}
		w.Header().Set("X-Request-ID", traceID)

		start := time.Now()
		rec := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		r = r.WithContext(contextutil.WithTraceID(r.Context(), traceID))

		next.ServeHTTP(rec, r)

		h.log(r).WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   rec.status,
			"duration": time.Since(start).String(),
		}).Info("request handled")
	})
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(code int) {
	w.status = code
	w.ResponseWriter.WriteHeader(code)
}

// AuthMiddleware wraps handlers to require authentication.
// It also implements rolling sessions: if a session is past the halfway point
// of its lifetime, it automatically renews the session.
// Store failures answer 500 and keep the cookie, so an outage does not log anyone out.
func (h *Handlers) AuthMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		cookie, err := r.Cookie(SessionCookieName)
		if err != nil || cookie.Value == "" {
			h.fail(r, errUnauthorized).Respond(w, r)
			return
		}

		session, err := h.sessions.LookupSession(r.Context(), cookie.Value)
		if err != nil {
			if !apperrors.Is(err, apperrors.ErrNotFound) {
				h.internalError(r, "failed to look up session", err).Respond(w, r)
				return
			}
			// Invalid or expired session, clear the cookie
			h.clearSessionCookie(w)
			h.fail(r, errUnauthorized).Respond(w, r)
			return
		}

		user, err := h.store.FindUserByID(r.Context(), session.UserID)
		if err != nil {
			if !apperrors.Is(err, apperrors.ErrNotFound) {
				h.internalError(r, "failed to load session user", err).Respond(w, r)
				return
			}
			if err := h.sessions.DeleteSession(r.Context(), cookie.Value); err != nil {
				h.log(r).Warnf("failed to delete orphaned session: %v", err)
			}
			h.clearSessionCookie(w)
			h.fail(r, errUnauthorized).Respond(w, r)
			return
		}

		// Rolling session: renew if past halfway point
		now := time.Now()
		if session.ExpiresAt.Sub(now) < h.sessionDuration/2 {
			newExpiresAt := now.Add(h.sessionDuration)
			if err := h.sessions.RenewSession(r.Context(), cookie.Value, newExpiresAt); err == nil {
				h.setSessionCookie(w, cookie.Value)
			} else {
				// If renewal fails, just continue with the current session
				h.log(r).Warnf("failed to renew session: %v", err)
			}
		}

		ctx := context.WithValue(r.Context(), UserContextKey, user)
		ctx = context.WithValue(ctx, SessionTokenContextKey, cookie.Value)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

type credentialsRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

// SignUp registers a new account. It does not log the user in.
func (h *Handlers) SignUp(r *iz.Request) iz.Responder {
	var req credentialsRequest
	if err := decodeJSON(r, &req); err != nil {
		h.recorder.RecordAuthEvent("sign_up", "invalid")
		return respondMessage(http.StatusBadRequest, MsgInvalidBody)
	}

	email := strings.TrimSpace(req.Email)
	if email == "" || req.Password == "" {
		h.recorder.RecordAuthEvent("sign_up", "invalid")
		return respondMessage(http.StatusBadRequest, MsgMissingFields)
	}
	if len(email) > maxEmailLength {
		h.recorder.RecordAuthEvent("sign_up", "invalid")
		return respondMessage(http.StatusBadRequest, "email is too long")
	}

	if _, err := h.store.FindUserByEmail(r.Context(), email); err == nil {
		h.recorder.RecordAuthEvent("sign_up", "conflict")
		return respondMessage(http.StatusBadRequest, MsgEmailInUse)
	} else if !apperrors.Is(err, apperrors.ErrNotFound) {
		return h.internalError(r.Request, "failed to check email", err)
	}

	hash, err := h.hasher.Hash(req.Password)
	if err != nil {
		return h.internalError(r.Request, "failed to hash password", err)
	}

	if _, err := h.store.InsertUser(r.Context(), email, hash); err != nil {
		// A concurrent sign-up won the race for this email.
		if apperrors.Is(err, apperrors.ErrConflict) {
			h.recorder.RecordAuthEvent("sign_up", "conflict")
			return respondMessage(http.StatusBadRequest, MsgEmailInUse)
		}
		return h.internalError(r.Request, "failed to create user", err)
	}

	h.recorder.RecordAuthEvent("sign_up", "success")
	return respondMessage(http.StatusCreated, MsgRegistered)
}

// Login verifies credentials and starts a session. Unknown emails and wrong
// passwords get the same response.
func (h *Handlers) Login(r *iz.Request) iz.Responder {
	var req credentialsRequest
	if err := decodeJSON(r, &req); err != nil {
		h.recorder.RecordAuthEvent("login", "invalid")
		return respondMessage(http.StatusBadRequest, MsgInvalidBody)
	}

	email := strings.TrimSpace(req.Email)
	if email == "" || req.Password == "" {
		h.recorder.RecordAuthEvent("login", "failure")
		return respondMessage(http.StatusBadRequest, MsgLoginNotFound)
	}

	user, err := h.store.FindUserByEmail(r.Context(), email)
	if err != nil && !apperrors.Is(err, apperrors.ErrNotFound) {
		return h.internalError(r.Request, "failed to look up user", err)
	}
	if err != nil || !auth.CheckPassword(req.Password, user.PasswordHash) {
		h.recorder.RecordAuthEvent("login", "failure")
		return respondMessage(http.StatusBadRequest, MsgLoginNotFound)
	}

	token, err := auth.GenerateSessionToken()
	if err != nil {
		return h.internalError(r.Request, "failed to generate session token", err)
	}

	expiresAt := time.Now().Add(h.sessionDuration)
	if err := h.sessions.CreateSession(r.Context(), token, user.ID, expiresAt); err != nil {
		return h.internalError(r.Request, "failed to create session", err)
	}

	// Replace any session this client was already holding.
	if cookie, err := r.Cookie(SessionCookieName); err == nil && cookie.Value != "" {
		if err := h.sessions.DeleteSession(r.Context(), cookie.Value); err != nil {
			h.log(r.Request).Warnf("failed to delete previous session: %v", err)
		}
	}

	h.setSessionCookie(r.ResponseWriter, token)
	h.recorder.RecordAuthEvent("login", "success")
	return respondMessage(http.StatusOK, MsgLoggedIn)
}

// Logout ends the current session and keeps the account.
func (h *Handlers) Logout(r *iz.Request) iz.Responder {
	if err := h.sessions.DeleteSession(r.Context(), getSessionToken(r.Request)); err != nil {
		return h.internalError(r.Request, "failed to delete session", err)
	}
	h.clearSessionCookie(r.ResponseWriter)
	h.recorder.RecordAuthEvent("logout", "success")
	return respondMessage(http.StatusOK, MsgLoggedOut)
}

// SignOut permanently deletes the authenticated user's account and ends all
// of their sessions.
func (h *Handlers) SignOut(r *iz.Request) iz.Responder {
	user := GetUserFromContext(r.Request)
	if user == nil {
		return h.fail(r.Request, errUnauthorized)
	}

	if err := h.store.DeleteUserByID(r.Context(), user.ID); err != nil {
		if apperrors.Is(err, apperrors.ErrNotFound) {
			h.clearSessionCookie(r.ResponseWriter)
			return h.fail(r.Request, errUnauthorized)
		}
		return h.internalError(r.Request, "failed to delete user", err)
	}

	if err := h.sessions.DeleteUserSessions(r.Context(), user.ID); err != nil {
		// The account is gone; leftover sessions fail the user lookup in AuthMiddleware.
		h.log(r.Request).Warnf("failed to delete sessions of user %d: %v", user.ID, err)
	}

	h.clearSessionCookie(r.ResponseWriter)
	h.recorder.RecordAuthEvent("sign_out", "success")
	return respondMessage(http.StatusOK, MsgSignedOut)
}

func (h *Handlers) setSessionCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    token,
		Path:     "/",
		MaxAge:   int(h.sessionDuration.Seconds()),
		HttpOnly: true,
		Secure:   h.secureCookie,
		SameSite: http.SameSiteLaxMode,
	})
}

func (h *Handlers) clearSessionCookie(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     SessionCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   h.secureCookie,
		SameSite: http.SameSiteLaxMode,
	})
}

// Health reports whether the database and the session store answer.
func (h *Handlers) Health(r *iz.Request) iz.Responder {
	ctx, cancel := context.WithTimeout(r.Context(), healthTimeout)
	defer cancel()

	if err := h.store.Ping(ctx); err != nil {
		h.log(r.Request).Errorf("database ping failed: %v", err)
		return iz.Respond().Status(http.StatusServiceUnavailable).JSON(map[string]string{"status": "unavailable"})
	}
	if p, ok := h.sessions.(pinger); ok && any(h.sessions) != any(h.store) {
		if err := p.Ping(ctx); err != nil {
			h.log(r.Request).Errorf("session store ping failed: %v", err)
			return iz.Respond().Status(http.StatusServiceUnavailable).JSON(map[string]string{"status": "unavailable"})
		}
	}
	return iz.Respond().OK().JSON(map[string]string{"status": "ok"})
}

type messageResponse struct {
	Message string `json:"message"`
}

func respondMessage(status int, message string) iz.Responder {
	return iz.Respond().Status(status).JSON(messageResponse{Message: message})
}

func (h *Handlers) internalError(r *http.Request, msg string, err error) iz.Responder {
	h.log(r).Errorf("%s: %v", msg, err)
	return respondMessage(http.StatusInternalServerError, MsgInternalFailure)
}

// fail maps an application error to its status and client-facing message.
func (h *Handlers) fail(r *http.Request, err error) iz.Responder {
	status := apperrors.HTTPStatus(err)
	if status == http.StatusInternalServerError {
		h.log(r).Errorf("request failed: %v", err)
	}
	return respondMessage(status, apperrors.MessageOf(err))
}

func decodeJSON(r *iz.Request, v any) error {
	dec := json.NewDecoder(http.MaxBytesReader(r.ResponseWriter, r.Body, maxBodyBytes))
	if err := dec.Decode(v); err != nil {
		return err
	}
	if dec.More() {
		return errors.New("unexpected data after JSON body")
	}
	return nil
}
