package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/coreos/go-oidc"
	"golang.org/x/oauth2"

	"execution-insight/backend/internal/config"
	"execution-insight/backend/internal/logging"
	"execution-insight/backend/pkg/models"
)

const (
	stateCookie   = "oauthstate"
	sessionCookie = "id_token"

	devSubject = "dev"
	devEmail   = "dev@localhost"

	unknownRoleCredibility = 0.5
)

type principalKey struct{}

// WithPrincipal stores p in ctx.
func WithPrincipal(ctx context.Context, p models.Principal) context.Context {
	return context.WithValue(ctx, principalKey{}, p)
}

// PrincipalFrom returns the caller stored by RequireAuth.
func PrincipalFrom(ctx context.Context) (models.Principal, bool) {
	p, ok := ctx.Value(principalKey{}).(models.Principal)
	return p, ok
}

// Auth contains configuration and helpers for performing OpenID Connect
// authentication with an Okta tenant and resolving the calling principal.
type Auth struct {
	oauth2Config *oauth2.Config
	verifier     *oidc.IDTokenVerifier
	apiVerifier  *oidc.IDTokenVerifier
	roles        Roles
	logger       *logging.Logger
	authBypass   bool
}

// Roles maps a token's role claim onto a principal's role and credibility.
type Roles struct {
	Claim       string
	Default     string
	Credibility map[string]float64
}

// RolesFromConfig builds Roles, falling back to the built-in credibility table.
func RolesFromConfig(cfg config.AuthConfig) Roles {
	r := Roles{Claim: cfg.RoleClaim, Default: cfg.DefaultRole, Credibility: cfg.RoleCredibility}
	if r.Claim == "" {
		r.Claim = "role"
	}
	if r.Default == "" {
		r.Default = "member"
	}
	if len(r.Credibility) == 0 {
		r.Credibility = config.DefaultRoleCredibility
	}
	return r
}

// Resolve builds a principal from a subject, an email and a raw role claim
// value. Claims may carry the role as a string or a list of strings; the
// first role with a configured credibility wins.
func (r Roles) Resolve(subject, email string, claim any) models.Principal {
	p := models.Principal{ID: subject, Email: email, Role: r.Default}
	if p.ID == "" {
		p.ID = email
	}
	var candidates []string
	switch v := claim.(type) {
	case string:
		candidates = []string{v}
	case []any:
		for _, item := range v {
			if s, ok := item.(string); ok {
				candidates = append(candidates, s)
			}
		}
	case []string:
		candidates = v
	}
	for _, c := range candidates {
		c = strings.ToLower(strings.TrimSpace(c))
		if _, ok := r.Credibility[c]; ok {
			p.Role = c
			break
		}
	}
	p.Credibility = r.Credibility[p.Role]
	if p.Credibility == 0 {
		p.Credibility = unknownRoleCredibility
	}
	return p
}

// New creates a new Auth object using values from the application
// configuration. Outside of dev bypass mode it establishes a connection to the
// provider and prepares the ID token and access token verifiers.
func New(ctx context.Context, cfg *config.Config, logger *logging.Logger) (*Auth, error) {
	if logger == nil {
		logger = logging.Nop()
	}
	a := &Auth{
		roles:      RolesFromConfig(cfg.Auth),
		logger:     logger,
		authBypass: cfg.IsDev() && cfg.DevModeBypass,
	}
	if a.authBypass {
		logger.Warn("authentication bypass enabled", "principal", devEmail)
		return a, nil
	}

	if cfg.Auth.OktaDomain == "" || cfg.Auth.ClientID == "" ||
		cfg.Auth.ClientSecret == "" || cfg.Auth.RedirectURL == "" {
		return nil, errors.New("auth configuration is incomplete")
	}

	provider, err := oidc.NewProvider(ctx, cfg.Auth.OktaDomain)
	if err != nil {
		return nil, fmt.Errorf("discover oidc provider: %w", err)
	}

	a.oauth2Config = &oauth2.Config{
		ClientID:     cfg.Auth.ClientID,
		ClientSecret: cfg.Auth.ClientSecret,
		Endpoint:     provider.Endpoint(),
		RedirectURL:  cfg.Auth.RedirectURL,
		Scopes:       []string{ScopeOpenID, ScopeProfile, ScopeEmail},
	}
	a.verifier = provider.Verifier(&oidc.Config{ClientID: cfg.Auth.ClientID})
	// Access tokens usually carry a different audience (e.g. "api://default").
	a.apiVerifier = provider.Verifier(&oidc.Config{SkipClientIDCheck: true})
	return a, nil
}

// Bypass reports whether requests are authenticated as the dev principal.
func (a *Auth) Bypass() bool { return a.authBypass }

// LoginHandler initiates the OAuth2 authorization code flow by redirecting the
// user to the Okta authorization endpoint. A random state value is stored in a
// cookie to mitigate CSRF attacks.
func (a *Auth) LoginHandler(w http.ResponseWriter, r *http.Request) {
	if a.authBypass {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}

	state, err := generateState()
	if err != nil {
		http.Error(w, "failed to generate state", http.StatusInternalServerError)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     stateCookie,
		Value:    state,
		HttpOnly: true,
		Path:     "/",
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
	})

	http.Redirect(w, r, a.oauth2Config.AuthCodeURL(state), http.StatusTemporaryRedirect)
}

// CallbackHandler handles the redirect back from Okta. It verifies the state
// parameter, exchanges the code for tokens, validates the ID token, and sets a
// session cookie containing the raw ID token.
func (a *Auth) CallbackHandler(w http.ResponseWriter, r *http.Request) {
	if a.authBypass {
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}

	cookie, err := r.Cookie(stateCookie)
	if err != nil || r.URL.Query().Get("state") != cookie.Value {
		http.Error(w, "invalid state", http.StatusBadRequest)
		return
	}

	token, err := a.oauth2Config.Exchange(r.Context(), r.URL.Query().Get("code"))
	if err != nil {
		a.logger.Error("token exchange failed", logging.ErrorKey, err)
		http.Error(w, "token exchange failed", http.StatusInternalServerError)
		return
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok {
		http.Error(w, "no id_token in token response", http.StatusInternalServerError)
		return
	}

	if _, err := a.verifier.Verify(r.Context(), rawIDToken); err != nil {
		http.Error(w, "failed to verify id token", http.StatusUnauthorized)
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    rawIDToken,
		HttpOnly: true,
		Path:     "/",
		Secure:   r.TLS != nil,
		SameSite: http.SameSiteLaxMode,
	})

	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// RequireAuth is middleware that resolves the calling principal from a bearer
// token or the session cookie and stores it in the request context. Browsers
// without a session are redirected to the login page.
func (a *Auth) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if a.authBypass {
			p := a.roles.Resolve(devSubject, devEmail, "admin")
			next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
			return
		}

		var (
			token *oidc.IDToken
			err   error
		)
		if authHeader := r.Header.Get("Authorization"); strings.HasPrefix(authHeader, "Bearer ") {
			token, err = a.apiVerifier.Verify(r.Context(), strings.TrimPrefix(authHeader, "Bearer "))
		} else {
			cookie, cerr := r.Cookie(sessionCookie)
			if cerr != nil {
				http.Redirect(w, r, "/login", http.StatusSeeOther)
				return
			}
			token, err = a.verifier.Verify(r.Context(), cookie.Value)
		}
		if err != nil {
			a.logger.Debug("rejected token", logging.ErrorKey, err)
			http.Error(w, "invalid token: "+err.Error(), http.StatusUnauthorized)
			return
		}

		p, err := a.principal(token)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithPrincipal(r.Context(), p)))
	})
}

func (a *Auth) principal(token *oidc.IDToken) (models.Principal, error) {
	var claims map[string]any
	if err := token.Claims(&claims); err != nil {
		return models.Principal{}, errors.New("failed to parse token claims")
	}
	email, _ := claims["email"].(string)
	if token.Subject == "" && email == "" {
		return models.Principal{}, errors.New("token identifies no subject")
	}
	return a.roles.Resolve(token.Subject, email, claims[a.roles.Claim]), nil
}

// LogoutHandler clears the session cookie and redirects to the home page.
func (a *Auth) LogoutHandler(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:   sessionCookie,
		Value:  "",
		Path:   "/",
		MaxAge: -1,
	})
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func generateState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(b), nil
}
