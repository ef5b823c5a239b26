package auth

import (
	"context"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/coreos/go-oidc"
	"golang.org/x/oauth2"

	"agentflow/backend/internal/config"
	"agentflow/backend/internal/repository"
	"agentflow/backend/pkg/models"
)

// bypassEmail is the identity used when dev mode bypass is on.
const bypassEmail = "dev@localhost"

// Logger defines the logging interface compatible with the application logger.
type Logger interface {
	Debug(msg string, args ...any)
	Info(msg string, args ...any)
	Error(msg string, args ...any)
}

// Auth contains configuration and helpers for performing OpenID Connect
// authentication with an Okta tenant.
type Auth struct {
	oauth2Config *oauth2.Config
	verifier     *oidc.IDTokenVerifier
	apiVerifier  *oidc.IDTokenVerifier
	tenants      repository.TenantStore
	logger       Logger
	authBypass   bool
}

// New creates a new Auth object using values from the application
// configuration. It establishes a connection to the provider and prepares an
// ID token verifier.
func New(ctx context.Context, cfg *config.Config, tenants repository.TenantStore, logger Logger) (*Auth, error) {
	shouldBypass := cfg.IsDev() && cfg.DevModeBypass

	a := &Auth{
		tenants:    tenants,
		logger:     logger,
		authBypass: shouldBypass,
	}
	if shouldBypass {
		return a, nil
	}

	if cfg.Auth.OktaDomain == "" || cfg.Auth.ClientID == "" ||
		cfg.Auth.ClientSecret == "" || cfg.Auth.RedirectURL == "" {
		return nil, errors.New("auth configuration is incomplete")
	}

	provider, err := oidc.NewProvider(ctx, cfg.Auth.OktaDomain)
	if err != nil {
		return nil, err
	}

	a.oauth2Config = &oauth2.Config{
		ClientID:     cfg.Auth.ClientID,
		ClientSecret: cfg.Auth.ClientSecret,
		Endpoint:     provider.Endpoint(),
		RedirectURL:  cfg.Auth.RedirectURL,
		Scopes:       []string{ScopeOpenID, ScopeProfile, ScopeEmail},
	}
	a.verifier = provider.Verifier(&oidc.Config{ClientID: cfg.Auth.ClientID})
	// Access tokens carry the API audience rather than the client id.
	a.apiVerifier = provider.Verifier(&oidc.Config{SkipClientIDCheck: true})
	return a, nil
}

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
		Name:     "oauthstate",
		Value:    state,
		HttpOnly: true,
		Path:     "/",
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

	cookie, err := r.Cookie("oauthstate")
	if err != nil || r.URL.Query().Get("state") != cookie.Value {
		http.Error(w, "invalid state", http.StatusBadRequest)
		return
	}

	token, err := a.oauth2Config.Exchange(r.Context(), r.URL.Query().Get("code"))
	if err != nil {
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
		Name:     "id_token",
		Value:    rawIDToken,
		HttpOnly: true,
		Path:     "/",
		SameSite: http.SameSiteLaxMode,
	})

	http.Redirect(w, r, "/", http.StatusSeeOther)
}

// RequireAuth is middleware that resolves the caller's tenant and stores the
// Identity in the request context. Browsers without a session are redirected
// to the login page; API clients get a 401 problem document.
func (a *Auth) RequireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := Identity{Email: bypassEmail}

		if !a.authBypass {
			var token *oidc.IDToken
			var err error
			bearer := false

			if authHeader := r.Header.Get("Authorization"); strings.HasPrefix(authHeader, "Bearer ") {
				bearer = true
				token, err = a.apiVerifier.Verify(r.Context(), strings.TrimPrefix(authHeader, "Bearer "))
			} else {
				cookie, cookieErr := r.Cookie("id_token")
				if cookieErr != nil {
					if wantsHTML(r) {
						http.Redirect(w, r, "/login", http.StatusSeeOther)
						return
					}
					writeProblem(w, http.StatusUnauthorized, "Unauthorized", "missing bearer token or session")
					return
				}
				token, err = a.verifier.Verify(r.Context(), cookie.Value)
			}
			if err != nil {
				writeProblem(w, http.StatusUnauthorized, "Unauthorized", "invalid token: "+err.Error())
				return
			}

			var claims struct {
				Email string   `json:"email"`
				Sub   string   `json:"sub"`
				Scp   []string `json:"scp"`
				Scope string   `json:"scope"`
			}
			if err := token.Claims(&claims); err != nil {
				writeProblem(w, http.StatusUnauthorized, "Unauthorized", "failed to parse token claims")
				return
			}
			id.Email = claims.Email
			if bearer {
				id.Scopes = tokenScopes(claims.Scp, claims.Scope)
			}
		}

		tenant, err := a.resolveTenant(r.Context(), id.Email)
		if err != nil {
			var status = http.StatusInternalServerError
			if errors.Is(err, errBadEmail) {
				status = http.StatusUnauthorized
			}
			writeProblem(w, status, http.StatusText(status), err.Error())
			return
		}
		id.TenantID = tenant.ID

		next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), id)))
	})
}

// RequireScope rejects callers whose token does not grant scope. It must run
// after RequireAuth.
func RequireScope(scope string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id, ok := FromContext(r.Context())
			if !ok {
				writeProblem(w, http.StatusUnauthorized, "Unauthorized", "no identity")
				return
			}
			if !id.Allows(scope) {
				writeProblem(w, http.StatusForbidden, "Forbidden", "missing scope "+scope)
				return
			}
			next.ServeHTTP(w, r)
		})
	}
}

var errBadEmail = errors.New("invalid email format in token")

// resolveTenant maps the caller's email domain to a tenant, provisioning one
// on first sight.
func (a *Auth) resolveTenant(ctx context.Context, email string) (*models.Tenant, error) {
	parts := strings.Split(email, "@")
	if len(parts) != 2 || parts[1] == "" {
		return nil, errBadEmail
	}
	domain := strings.ToLower(parts[1])

	tenant, err := a.tenants.GetTenantByDomain(ctx, domain)
	if err == nil {
		return tenant, nil
	}
	if !errors.Is(err, repository.ErrNotFound) {
		return nil, err
	}

	tenant = &models.Tenant{Name: domain, Domain: domain}
	if err := a.tenants.CreateTenant(ctx, tenant); err != nil {
		if a.logger != nil {
			a.logger.Error("failed to provision tenant", "domain", domain, "error", err)
		}
		return nil, errors.New("failed to provision tenant: " + err.Error())
	}
	if a.logger != nil {
		a.logger.Info("tenant provisioned", "domain", domain, "tenant_id", tenant.ID)
	}
	return tenant, nil
}

// LogoutHandler clears the session cookie and redirects to the home page.
func (a *Auth) LogoutHandler(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:   "id_token",
		Value:  "",
		Path:   "/",
		MaxAge: -1,
	})
	http.Redirect(w, r, "/", http.StatusSeeOther)
}

func tokenScopes(scp []string, scope string) []string {
	out := []string{}
	out = append(out, scp...)
	out = append(out, strings.Fields(scope)...)
	return out
}

func wantsHTML(r *http.Request) bool {
	return strings.Contains(r.Header.Get("Accept"), "text/html")
}

func writeProblem(w http.ResponseWriter, status int, title, detail string) {
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(models.ProblemDetails{
		Type:   "about:blank",
		Title:  title,
		Status: status,
		Detail: detail,
	})
}

func generateState() (string, error) {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return base64.URLEncoding.EncodeToString(b), nil
}
