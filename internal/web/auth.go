package web

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"fmt"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
	"golang.org/x/oauth2"

	"github.com/picvault/picvault/internal/tenant"
)

const (
	adminCookieName = "pv2_admin"
	stateCookieName = "pv2_state"
)

// sessionManager issues and verifies the signed admin session cookie. With
// no signing secret configured it refuses to issue sessions, which disables
// both admin login flows.
type sessionManager struct {
	secret []byte
	ttl    time.Duration
	secure bool
	now    func() time.Time
}

func newSessionManager(secret string, ttlSeconds int, secure bool) *sessionManager {
	return &sessionManager{
		secret: []byte(secret),
		ttl:    time.Duration(ttlSeconds) * time.Second,
		secure: secure,
		now:    time.Now,
	}
}

func (m *sessionManager) enabled() bool {
	return len(m.secret) > 0
}

// issue signs a session token for subject and sets the admin cookie.
func (m *sessionManager) issue(w http.ResponseWriter, subject string) (time.Time, error) {
	now := m.now()
	expires := now.Add(m.ttl)

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
		Subject:   subject,
		IssuedAt:  jwt.NewNumericDate(now),
		ExpiresAt: jwt.NewNumericDate(expires),
	})
	signed, err := token.SignedString(m.secret)
	if err != nil {
		return time.Time{}, fmt.Errorf("sign session: %w", err)
	}

	http.SetCookie(w, &http.Cookie{
		Name:     adminCookieName,
		Value:    signed,
		Path:     "/",
		Expires:  expires,
		MaxAge:   int(m.ttl.Seconds()),
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
	})
	return expires, nil
}

// verify checks the admin cookie and returns its subject.
func (m *sessionManager) verify(r *http.Request) (string, bool) {
	if !m.enabled() {
		return "", false
	}
	cookie, err := r.Cookie(adminCookieName)
	if err != nil {
		return "", false
	}

	claims := jwt.RegisteredClaims{}
	_, err = jwt.ParseWithClaims(cookie.Value, &claims, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method %q", t.Method.Alg())
		}
		return m.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithTimeFunc(m.now))
	if err != nil {
		return "", false
	}
	return claims.Subject, true
}

func (m *sessionManager) clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     adminCookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   m.secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// viewerAllowed checks the viewer gate. An admin session always passes. When
// neither viewer secret is configured the gate is open.
func (s *Server) viewerAllowed(r *http.Request) bool {
	if _, ok := s.sessions.verify(r); ok {
		return true
	}

	token := s.cfg.Secrets.ViewerToken
	basic := s.cfg.Secrets.ViewerBasicAuth
	if token == "" && basic == "" {
		return true
	}

	if token != "" {
		if got := bearerToken(r); got != "" &&
			subtle.ConstantTimeCompare([]byte(got), []byte(token)) == 1 {
			return true
		}
	}
	if basic != "" {
		if user, pass, ok := r.BasicAuth(); ok {
			got := user + ":" + pass
			if subtle.ConstantTimeCompare([]byte(got), []byte(basic)) == 1 {
				return true
			}
		}
	}
	return false
}

func bearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if len(auth) > len(prefix) && strings.EqualFold(auth[:len(prefix)], prefix) {
		return auth[len(prefix):]
	}
	return ""
}

// issuerURL normalizes an OIDC issuer domain to a base URL. A pre-schemed
// value is passed through untouched.
func issuerURL(domain string) string {
	if strings.HasPrefix(domain, "http://") || strings.HasPrefix(domain, "https://") {
		return strings.TrimSuffix(domain, "/")
	}
	return "https://" + strings.TrimSuffix(domain, "/")
}

func requestScheme(r *http.Request) string {
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		return proto
	}
	if r.TLS != nil {
		return "https"
	}
	return "http"
}

// oauthConfig builds the OIDC client config for this request's host. The
// redirect URL follows the request so one deployment serves every tenant
// domain.
func (s *Server) oauthConfig(r *http.Request) *oauth2.Config {
	issuer := issuerURL(s.cfg.Auth0.Domain)
	return &oauth2.Config{
		ClientID:     s.cfg.Auth0.ClientID,
		ClientSecret: s.cfg.Secrets.Auth0ClientSecret,
		RedirectURL:  requestScheme(r) + "://" + r.Host + "/auth/callback",
		Scopes:       []string{"openid", "profile", "email"},
		Endpoint: oauth2.Endpoint{
			AuthURL:  issuer + "/authorize",
			TokenURL: issuer + "/oauth/token",
		},
	}
}

func (s *Server) handleAuthLogin(w http.ResponseWriter, r *http.Request, rc *reqScope) {
	if !s.cfg.Auth0.Configured() || !s.sessions.enabled() {
		writeDetail(w, http.StatusServiceUnavailable, "oidc login not configured")
		return
	}

	state := uuid.NewString()
	http.SetCookie(w, &http.Cookie{
		Name:     stateCookieName,
		Value:    state,
		Path:     "/auth",
		MaxAge:   600,
		HttpOnly: true,
		Secure:   s.sessions.secure,
		SameSite: http.SameSiteLaxMode,
	})

	var opts []oauth2.AuthCodeOption
	if aud := s.cfg.Auth0.Audience; aud != "" {
		opts = append(opts, oauth2.SetAuthURLParam("audience", aud))
	}
	http.Redirect(w, r, s.oauthConfig(r).AuthCodeURL(state, opts...), http.StatusFound)
}

func (s *Server) handleAuthCallback(w http.ResponseWriter, r *http.Request, rc *reqScope) {
	ctx := r.Context()
	if !s.cfg.Auth0.Configured() || !s.sessions.enabled() {
		writeDetail(w, http.StatusServiceUnavailable, "oidc login not configured")
		return
	}

	stateCookie, err := r.Cookie(stateCookieName)
	if err != nil || stateCookie.Value == "" || stateCookie.Value != r.URL.Query().Get("state") {
		writeDetail(w, http.StatusBadRequest, "state mismatch")
		return
	}
	http.SetCookie(w, &http.Cookie{Name: stateCookieName, Value: "", Path: "/auth", MaxAge: -1})

	code := r.URL.Query().Get("code")
	if code == "" {
		writeDetail(w, http.StatusBadRequest, "missing code")
		return
	}

	exchangeCtx := context.WithValue(ctx, oauth2.HTTPClient, s.httpc)
	token, err := s.oauthConfig(r).Exchange(exchangeCtx, code)
	if err != nil {
		s.log.ErrorContext(ctx, "web_oidc_exchange_failed", "error", err.Error())
		writeDetail(w, http.StatusUnauthorized, "code exchange failed")
		return
	}

	email, err := s.fetchUserEmail(ctx, token.AccessToken)
	if err != nil {
		s.log.ErrorContext(ctx, "web_oidc_userinfo_failed", "error", err.Error())
		writeDetail(w, http.StatusUnauthorized, "userinfo lookup failed")
		return
	}
	if !s.cfg.AdminEmailAllowed(email) {
		s.log.WarnContext(ctx, "web_oidc_email_rejected")
		writeDetail(w, http.StatusForbidden, "email not allowed")
		return
	}

	if _, err := s.sessions.issue(w, email); err != nil {
		s.writeError(ctx, w, err)
		return
	}
	s.ensureCurationFolders(ctx, rc.tenant)
	s.log.InfoContext(ctx, "web_admin_login", "method", "oidc")
	http.Redirect(w, r, "/", http.StatusFound)
}

// fetchUserEmail resolves the OIDC access token to the account email via the
// issuer's userinfo endpoint.
func (s *Server) fetchUserEmail(ctx context.Context, accessToken string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet,
		issuerURL(s.cfg.Auth0.Domain)+"/userinfo", nil)
	if err != nil {
		return "", fmt.Errorf("userinfo request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+accessToken)

	resp, err := s.httpc.Do(req)
	if err != nil {
		return "", fmt.Errorf("userinfo request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("userinfo status %d", resp.StatusCode)
	}

	var info struct {
		Email string `json:"email"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&info); err != nil {
		return "", fmt.Errorf("decode userinfo: %w", err)
	}
	if info.Email == "" {
		return "", fmt.Errorf("userinfo missing email")
	}
	return info.Email, nil
}

func (s *Server) handleAuthLogout(w http.ResponseWriter, r *http.Request, rc *reqScope) {
	s.sessions.clear(w)
	http.Redirect(w, r, "/", http.StatusFound)
}

func (s *Server) handleAdminLogin(w http.ResponseWriter, r *http.Request, rc *reqScope) {
	ctx := r.Context()
	if s.cfg.Secrets.WebAdminPassword == "" || !s.sessions.enabled() {
		writeDetail(w, http.StatusServiceUnavailable, "admin login not configured")
		return
	}

	var body struct {
		Password string `json:"password"`
	}
	r.Body = http.MaxBytesReader(w, r.Body, 4<<10)
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		writeDetail(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if subtle.ConstantTimeCompare([]byte(body.Password), []byte(s.cfg.Secrets.WebAdminPassword)) != 1 {
		s.log.WarnContext(ctx, "web_admin_login_rejected")
		writeDetail(w, http.StatusUnauthorized, "invalid password")
		return
	}

	expires, err := s.sessions.issue(w, "admin")
	if err != nil {
		s.writeError(ctx, w, err)
		return
	}
	s.ensureCurationFolders(ctx, rc.tenant)
	s.log.InfoContext(ctx, "web_admin_login", "method", "password")
	writeJSON(w, http.StatusOK, map[string]any{
		"admin":      true,
		"expires_at": expires.UTC().Format(time.RFC3339),
	})
}

func (s *Server) handleAdminStatus(w http.ResponseWriter, r *http.Request, rc *reqScope) {
	_, ok := s.sessions.verify(r)
	writeJSON(w, http.StatusOK, map[string]bool{"admin": ok})
}

func (s *Server) handleAdminLogout(w http.ResponseWriter, r *http.Request, rc *reqScope) {
	s.sessions.clear(w)
	writeJSON(w, http.StatusOK, map[string]bool{"admin": false})
}

// ensureCurationFolders pre-creates the tenant's keep and remove folders
// after a successful login so first curation actions do not race folder
// creation. Best effort; cfg may be nil when tenant resolution failed.
func (s *Server) ensureCurationFolders(ctx context.Context, cfg *tenant.Config) {
	if cfg == nil {
		return
	}
	for _, sub := range []string{cfg.Storage.KeepFolder, cfg.Storage.RemoveFolder} {
		if sub == "" {
			continue
		}
		folder := path.Join(cfg.Storage.Root, sub)
		if err := s.store.EnsureFolder(ctx, folder); err != nil {
			s.log.WarnContext(ctx, "web_ensure_folder_failed", "folder", folder, "error", err.Error())
		}
	}
}
