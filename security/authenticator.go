// Package security issues and verifies agent credentials. Tokens are
// HS256 JWTs carrying the agent id and its granted scopes.
package security

import (
	"crypto/subtle"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"go.uber.org/zap"

	"github.com/nexweave/taskmesh/config"
	"github.com/nexweave/taskmesh/types"
)

// Credentials is an issued token and its validity window.
type Credentials struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
	Scopes    []string  `json:"scopes,omitempty"`
}

// Principal is a verified token's identity.
type Principal struct {
	AgentID string
	Scopes  []string
}

// HasScope reports whether the principal carries the scope.
func (p *Principal) HasScope(scope string) bool {
	for _, s := range p.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

type registration struct {
	secret []byte
	scopes []string
}

// Authenticator exchanges registered agent secrets for JWTs and
// verifies presented tokens.
type Authenticator struct {
	cfg    config.SecurityConfig
	logger *zap.Logger

	mu         sync.RWMutex
	principals map[string]registration

	// now is swappable for tests.
	now func() time.Time
}

// NewAuthenticator creates an authenticator from the security config.
// The signing key must be non-empty.
func NewAuthenticator(cfg config.SecurityConfig, logger *zap.Logger) (*Authenticator, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.SigningKey == "" {
		return nil, types.NewError(types.ErrAuthentication, "signing key not configured")
	}
	if cfg.TokenTTL <= 0 {
		cfg.TokenTTL = time.Hour
	}
	return &Authenticator{
		cfg:        cfg,
		logger:     logger.With(zap.String("component", "authenticator")),
		principals: make(map[string]registration),
		now:        time.Now,
	}, nil
}

// Register stores an agent's shared secret and granted scopes.
// Re-registering replaces both.
func (a *Authenticator) Register(agentID, secret string, scopes ...string) {
	a.mu.Lock()
	a.principals[agentID] = registration{
		secret: []byte(secret),
		scopes: append([]string(nil), scopes...),
	}
	a.mu.Unlock()
}

// Revoke forgets an agent. Already issued tokens stay valid until expiry.
func (a *Authenticator) Revoke(agentID string) {
	a.mu.Lock()
	delete(a.principals, agentID)
	a.mu.Unlock()
}

// Authenticate validates the shared secret and issues a token. The
// secret comparison is constant time; unknown agents and bad secrets
// are indistinguishable to the caller.
func (a *Authenticator) Authenticate(agentID, secret string) (*Credentials, error) {
	a.mu.RLock()
	reg, ok := a.principals[agentID]
	a.mu.RUnlock()

	if !ok || subtle.ConstantTimeCompare(reg.secret, []byte(secret)) != 1 {
		a.logger.Debug("authentication rejected", zap.String("agent_id", agentID))
		return nil, types.NewError(types.ErrAuthentication, "invalid credentials")
	}

	now := a.now()
	expiresAt := now.Add(a.cfg.TokenTTL)
	claims := jwt.MapClaims{
		"sub": agentID,
		"iss": a.cfg.Issuer,
		"aud": a.cfg.Audience,
		"iat": now.Unix(),
		"exp": expiresAt.Unix(),
	}
	if len(reg.scopes) > 0 {
		claims["scopes"] = reg.scopes
	}

	token, err := jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString([]byte(a.cfg.SigningKey))
	if err != nil {
		return nil, types.NewError(types.ErrAuthentication, "sign token").WithCause(err)
	}

	return &Credentials{
		Token:     token,
		ExpiresAt: expiresAt,
		Scopes:    append([]string(nil), reg.scopes...),
	}, nil
}

// Verify parses and validates a presented token, returning its
// principal. Expired, foreign-issuer and non-HS256 tokens are rejected.
func (a *Authenticator) Verify(tokenStr string) (*Principal, error) {
	parserOpts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithTimeFunc(a.now),
	}
	if a.cfg.Issuer != "" {
		parserOpts = append(parserOpts, jwt.WithIssuer(a.cfg.Issuer))
	}
	if a.cfg.Audience != "" {
		parserOpts = append(parserOpts, jwt.WithAudience(a.cfg.Audience))
	}

	token, err := jwt.Parse(tokenStr, func(*jwt.Token) (any, error) {
		return []byte(a.cfg.SigningKey), nil
	}, parserOpts...)
	if err != nil {
		return nil, types.NewError(types.ErrAuthentication, "invalid or expired token").WithCause(err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok || !token.Valid {
		return nil, types.NewError(types.ErrAuthentication, "invalid token claims")
	}

	agentID, _ := claims["sub"].(string)
	if agentID == "" {
		return nil, types.NewError(types.ErrAuthentication, "token missing subject")
	}

	principal := &Principal{AgentID: agentID}
	if raw, ok := claims["scopes"].([]any); ok {
		for _, s := range raw {
			if scope, ok := s.(string); ok {
				principal.Scopes = append(principal.Scopes, scope)
			}
		}
	}
	return principal, nil
}

// Authorize verifies the token and requires the given scope.
func (a *Authenticator) Authorize(tokenStr, scope string) (*Principal, error) {
	principal, err := a.Verify(tokenStr)
	if err != nil {
		return nil, err
	}
	if !principal.HasScope(scope) {
		return nil, types.NewErrorf(types.ErrAuthorization,
			"agent %s lacks scope %q", principal.AgentID, scope)
	}
	return principal, nil
}
