package authapi

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"latch/identity"
	"latch/internal/auth/cookie"
	"latch/internal/auth/fingerprint"
	"latch/internal/auth/resolver"
	"latch/internal/auth/session"
	"latch/internal/httpx"
	"latch/internal/metrics"
	"latch/security/password"
)

// Deps are the services behind the auth endpoints.
type Deps struct {
	Identities identity.Store
	Sessions   *session.Service
	Resolver   *resolver.Resolver
	Bootstrap  *fingerprint.Bootstrap
	Cookies    cookie.Policy
	Passwords  password.Config
}

// Handler wires HTTP auth endpoints to identity/session services.
type Handler struct {
	log *slog.Logger
	cfg Config

	identities identity.Store
	sessions   *session.Service
	resolver   *resolver.Resolver
	bootstrap  *fingerprint.Bootstrap
	cookies    cookie.Policy
	passwords  password.Config

	metrics *metrics.Metrics
	now     func() time.Time

	dummyHash string
}

// HandlerOption configures optional auth handler dependencies.
type HandlerOption func(*Handler)

// WithMetrics records per-endpoint results on m.
func WithMetrics(m *metrics.Metrics) HandlerOption {
	return func(h *Handler) { h.metrics = m }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) HandlerOption {
	return func(h *Handler) {
		if now != nil {
			h.now = now
		}
	}
}

// NewHandler constructs an auth Handler.
func NewHandler(log *slog.Logger, cfg Config, deps Deps, opts ...HandlerOption) (*Handler, error) {
	if log == nil {
		log = slog.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if deps.Identities == nil || deps.Sessions == nil || deps.Resolver == nil || deps.Bootstrap == nil {
		return nil, errors.New("auth api: identities, sessions, resolver and bootstrap are required")
	}
	if err := deps.Passwords.Check(); err != nil {
		return nil, err
	}

	h := &Handler{
		log:        log,
		cfg:        cfg,
		identities: deps.Identities,
		sessions:   deps.Sessions,
		resolver:   deps.Resolver,
		bootstrap:  deps.Bootstrap,
		cookies:    deps.Cookies,
		passwords:  deps.Passwords,
		now:        func() time.Time { return time.Now().UTC() },
	}
	for _, opt := range opts {
		if opt != nil {
			opt(h)
		}
	}

	// Dummy hash for timing-resistant login checks.
	if hash, err := h.passwords.Hash("dummy-password-for-timing-only"); err == nil {
		h.dummyHash = hash
	}
	return h, nil
}

// SessionRoutes are the paths Register mounts. Each sets or clears the session
// cookies itself, so none of them may sit behind the session middlewares.
var SessionRoutes = []string{
	"/auth/login",
	"/auth/refresh",
	"/auth/logout",
	"/auth/logout-all",
	"/auth/register",
	"/auth/anonymous",
}

// Register wires the session-managing routes onto mux.
func (h *Handler) Register(mux *http.ServeMux) {
	if h == nil || mux == nil {
		return
	}
	mux.Handle("/auth/login", h.instrument("login", h.handleLogin))
	mux.Handle("/auth/refresh", h.instrument("refresh", h.handleRefresh))
	mux.Handle("/auth/logout", h.instrument("logout", h.handleLogout))
	mux.Handle("/auth/logout-all", h.instrument("logout_all", h.handleLogoutAll))
	mux.Handle("/auth/register", h.instrument("register", h.handleRegister))
	mux.Handle("/auth/anonymous", h.instrument("anonymous", h.handleAnonymous))
}

// Me serves the current principal. It reads the principal the session
// middlewares placed on the context and falls back to the access token.
func (h *Handler) Me() http.Handler {
	return h.instrument("me", h.handleMe)
}

func (h *Handler) instrument(endpoint string, fn http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hw := httpx.NewHookWriter(w, nil)
		fn(hw, r)
		hw.Finish()
		h.metrics.AuthRequest(endpoint, resultLabel(hw.Status()))
	})
}

func resultLabel(status int) string {
	switch {
	case status >= 500:
		return "error"
	case status >= 400:
		return "rejected"
	default:
		return "ok"
	}
}

// ---- handlers ----

func (h *Handler) handleLogin(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}

	var req loginRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	identifier := strings.TrimSpace(req.Username)
	if identifier == "" || req.Password == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "username and password are required")
		return
	}

	ctx := r.Context()
	p, err := h.lookupForLogin(ctx, identifier)
	if err != nil && !identity.IsNotFound(err) && !identity.IsInvalidInput(err) {
		h.log.ErrorContext(ctx, "auth.login.lookup.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}
	if err != nil || !p.IsRegistered || !p.Active() || p.PasswordHash == nil {
		// Timing resistance: perform a dummy verify when no usable principal exists.
		if h.dummyHash != "" {
			_, _ = h.passwords.Verify(h.dummyHash, req.Password)
		}
		writeError(w, http.StatusUnauthorized, "invalid_credentials", "invalid credentials")
		return
	}

	ok, err := h.passwords.Verify(*p.PasswordHash, req.Password)
	if err != nil || !ok {
		if err != nil && !errors.Is(err, password.ErrInvalidHash) {
			h.log.ErrorContext(ctx, "auth.login.verify.fail", "err", err, "principal_id", p.ID)
		}
		writeError(w, http.StatusUnauthorized, "invalid_credentials", "invalid credentials")
		return
	}

	pair, err := h.sessions.Issue(ctx, p)
	if err != nil {
		h.log.ErrorContext(ctx, "auth.login.issue_session.fail", "err", err, "principal_id", p.ID)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}
	if err := h.identities.RecordLogin(ctx, p.ID, h.clientIP(r), h.now()); err != nil {
		h.log.WarnContext(ctx, "auth.login.record_login.fail", "err", err, "principal_id", p.ID)
	}

	h.cookies.SetPair(w, pair.AccessToken, pair.RefreshToken)
	h.log.InfoContext(ctx, "auth.login.succeeded", "principal_id", p.ID)
	writeJSON(w, http.StatusOK, h.tokenResponse(pair))
}

func (h *Handler) handleRefresh(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}

	ctx := r.Context()
	rec, p, status, ok := h.sessionFromRefreshToken(ctx, r, true)
	if !ok {
		h.writeSessionError(w, status)
		return
	}

	pair, err := h.sessions.Refresh(ctx, rec, p)
	switch {
	case err == nil:
	case errors.Is(err, session.ErrRotationConflict), errors.Is(err, session.ErrNotFound), errors.Is(err, session.ErrInvalidToken):
		writeError(w, http.StatusUnauthorized, "invalid_token", "refresh token is not valid")
		return
	default:
		h.log.ErrorContext(ctx, "auth.refresh.fail", "err", err, "principal_id", p.ID)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}

	h.cookies.SetPair(w, pair.AccessToken, pair.RefreshToken)
	writeJSON(w, http.StatusOK, h.tokenResponse(pair))
}

func (h *Handler) handleLogout(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}

	// Cookies are cleared whatever happens to the stored record.
	h.cookies.Clear(w)

	ctx := r.Context()
	rec, _, status, ok := h.sessionFromRefreshToken(ctx, r, false)
	if !ok {
		h.writeSessionError(w, status)
		return
	}
	if err := h.sessions.Revoke(ctx, rec); err != nil && !errors.Is(err, session.ErrNotFound) {
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}

	h.log.InfoContext(ctx, "auth.logout.succeeded", "principal_id", rec.PrincipalID)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) handleLogoutAll(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}

	h.cookies.Clear(w)

	ctx := r.Context()
	_, p, status, ok := h.sessionFromRefreshToken(ctx, r, false)
	if !ok {
		h.writeSessionError(w, status)
		return
	}
	n, err := h.sessions.RevokeAll(ctx, p.ID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}

	h.log.InfoContext(ctx, "auth.logout_all.succeeded", "principal_id", p.ID, "revoked", n)
	writeJSON(w, http.StatusOK, logoutAllResponse{Revoked: n})
}

func (h *Handler) handleMe(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w, http.MethodGet)
		return
	}

	p, ok := resolver.PrincipalFrom(r.Context())
	if !ok {
		if tok := resolver.BearerToken(r); tok != "" {
			p, ok = h.resolver.FromAccessToken(r.Context(), tok)
		} else {
			p, ok = h.resolver.FromRequest(r)
		}
	}
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthorized", "not authenticated")
		return
	}
	writeJSON(w, http.StatusOK, meResponse{User: toUserResponse(p)})
}

func (h *Handler) handleRegister(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}

	var req registerRequest
	if err := decodeJSON(w, r, h.cfg.MaxBodyBytes, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_json", "invalid request body")
		return
	}
	if strings.TrimSpace(req.Username) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request", "username is required")
		return
	}

	hash, err := h.passwords.Hash(req.Password)
	if err != nil {
		switch {
		case errors.Is(err, password.ErrPasswordTooShort),
			errors.Is(err, password.ErrPasswordTooLong),
			errors.Is(err, password.ErrWeakPassword):
			writeError(w, http.StatusBadRequest, "weak_password", err.Error())
		default:
			h.log.ErrorContext(r.Context(), "auth.register.hash.fail", "err", err)
			writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		}
		return
	}

	ctx := r.Context()
	now := h.now()

	if cur, ok := h.resolver.FromRequest(r); ok && cur.Anonymous() {
		p, err := h.identities.Register(ctx, cur.ID, identity.RegisterInput{
			Username:     req.Username,
			Email:        req.Email,
			PasswordHash: hash,
			Now:          now,
		})
		if err != nil {
			h.writeIdentityError(ctx, w, "auth.register.upgrade.fail", err)
			return
		}
		// The anonymous sessions end here; the client logs in with its new credentials.
		if _, err := h.sessions.RevokeAll(ctx, p.ID); err != nil {
			writeError(w, http.StatusInternalServerError, "server_error", "internal error")
			return
		}
		h.cookies.Clear(w)
		h.log.InfoContext(ctx, "auth.register.upgraded", "principal_id", p.ID)
		writeJSON(w, http.StatusCreated, registerResponse{User: toUserResponse(p), Upgraded: true})
		return
	}

	p, err := h.identities.CreateRegistered(ctx, identity.CreateRegisteredInput{
		Username:     req.Username,
		Email:        req.Email,
		PasswordHash: hash,
		IP:           h.clientIP(r),
		Now:          now,
	})
	if err != nil {
		h.writeIdentityError(ctx, w, "auth.register.create.fail", err)
		return
	}
	h.log.InfoContext(ctx, "auth.register.created", "principal_id", p.ID)
	writeJSON(w, http.StatusCreated, registerResponse{User: toUserResponse(p)})
}

func (h *Handler) handleAnonymous(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w, http.MethodPost)
		return
	}

	ctx := r.Context()
	sig := fingerprint.Extract(r, h.cfg.TrustProxy)

	p, created, err := h.bootstrap.FindOrCreate(ctx, sig)
	if err != nil {
		if errors.Is(err, identity.ErrUsernameExhausted) {
			h.log.ErrorContext(ctx, "auth.anonymous.username_exhausted", "err", err)
			writeError(w, http.StatusServiceUnavailable, "username_exhausted", "please retry later")
			return
		}
		h.log.ErrorContext(ctx, "auth.anonymous.bootstrap.fail", "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}
	if err := h.identities.RecordLogin(ctx, p.ID, h.clientIP(r), h.now()); err != nil {
		h.log.WarnContext(ctx, "auth.anonymous.record_login.fail", "err", err, "principal_id", p.ID)
	}

	pair, err := h.sessions.Issue(ctx, p)
	if err != nil {
		h.log.ErrorContext(ctx, "auth.anonymous.issue_session.fail", "err", err, "principal_id", p.ID)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
		return
	}
	h.cookies.SetPair(w, pair.AccessToken, pair.RefreshToken)

	status := http.StatusOK
	if created {
		status = http.StatusCreated
	}
	writeJSON(w, status, anonymousResponse{
		User:    toUserResponse(p),
		Created: created,
		Session: h.tokenResponse(pair),
	})
}

// ---- helpers ----

// sessionFromRefreshToken resolves the live record and principal behind the
// request's refresh token. On failure it returns the status to answer with.
// requireActive rejects disabled and abandoned principals; logout paths leave
// it off so their records still get revoked.
func (h *Handler) sessionFromRefreshToken(ctx context.Context, r *http.Request, requireActive bool) (session.Record, identity.Principal, int, bool) {
	tok := resolver.RefreshToken(r)
	if tok == "" {
		return session.Record{}, identity.Principal{}, http.StatusUnauthorized, false
	}
	id, err := h.sessions.PrincipalID(tok)
	if err != nil {
		return session.Record{}, identity.Principal{}, http.StatusUnauthorized, false
	}

	p, err := h.identities.GetByID(ctx, id)
	switch {
	case err == nil:
	case identity.IsNotFound(err):
		return session.Record{}, identity.Principal{}, http.StatusUnauthorized, false
	default:
		h.log.ErrorContext(ctx, "auth.session.lookup.fail", "err", err, "principal_id", id)
		return session.Record{}, identity.Principal{}, http.StatusInternalServerError, false
	}
	if requireActive && !p.Active() {
		return session.Record{}, identity.Principal{}, http.StatusUnauthorized, false
	}

	rec, err := h.sessions.Validate(ctx, tok, p.ID)
	switch {
	case err == nil:
		return rec, p, http.StatusOK, true
	case errors.Is(err, session.ErrInvalidToken), errors.Is(err, session.ErrNotFound):
		return session.Record{}, identity.Principal{}, http.StatusUnauthorized, false
	default:
		return session.Record{}, identity.Principal{}, http.StatusInternalServerError, false
	}
}

func (h *Handler) writeSessionError(w http.ResponseWriter, status int) {
	if status >= http.StatusInternalServerError {
		writeError(w, status, "server_error", "internal error")
		return
	}
	writeError(w, http.StatusUnauthorized, "invalid_token", "refresh token is missing or not valid")
}

func (h *Handler) writeIdentityError(ctx context.Context, w http.ResponseWriter, event string, err error) {
	switch {
	case identity.IsConflict(err):
		field := identity.ConflictField(err)
		if field == "" {
			field = "username or email"
		}
		writeError(w, http.StatusConflict, "conflict", field+" already exists")
	case identity.IsInvalidInput(err):
		writeError(w, http.StatusBadRequest, "invalid_request", "invalid input")
	case identity.IsNotFound(err), identity.IsNotActive(err):
		writeError(w, http.StatusUnauthorized, "unauthorized", "not authenticated")
	default:
		h.log.ErrorContext(ctx, event, "err", err)
		writeError(w, http.StatusInternalServerError, "server_error", "internal error")
	}
}

func (h *Handler) lookupForLogin(ctx context.Context, identifier string) (identity.Principal, error) {
	p, err := h.identities.GetByUsername(ctx, identifier)
	if err == nil || !identity.IsNotFound(err) || !strings.Contains(identifier, "@") {
		return p, err
	}
	return h.identities.GetByEmail(ctx, identifier)
}

func (h *Handler) tokenResponse(pair session.Pair) tokenResponse {
	return tokenResponse{
		AccessToken: pair.AccessToken,
		TokenType:   "bearer",
		ExpiresIn:   int64(h.sessions.Codec().AccessTTL() / time.Second),
	}
}

func (h *Handler) clientIP(r *http.Request) *string {
	ip := fingerprint.ClientIP(r, h.cfg.TrustProxy)
	if ip == nil {
		return nil
	}
	s := ip.String()
	return &s
}
