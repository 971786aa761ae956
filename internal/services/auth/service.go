package auth

import (
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/ternarybob/arbor"

	"github.com/sparkjar/crew-api/internal/common"
	"github.com/sparkjar/crew-api/internal/interfaces"
	"github.com/sparkjar/crew-api/internal/models"
)

// Service verifies inbound bearer tokens and mints short-lived internal
// tokens. Tokens are HMAC-SHA256 signed with a shared secret; no other
// signing methods are accepted.
type Service struct {
	secret        []byte
	requiredScope string
	tokenTTL      time.Duration
	logger        arbor.ILogger
}

// claims is the JWT payload layout
type claims struct {
	Scopes       []string `json:"scopes"`
	ClientUserID string   `json:"client_user_id,omitempty"`
	ActorType    string   `json:"actor_type,omitempty"`
	ActorID      string   `json:"actor_id,omitempty"`
	jwt.RegisteredClaims
}

// NewService creates the auth service from configuration
func NewService(logger arbor.ILogger, config *common.AuthConfig) (*Service, error) {
	if config.Secret == "" {
		return nil, fmt.Errorf("auth secret is required")
	}
	ttl := common.ParseDurationOr(config.TokenTTL, time.Hour)
	if ttl > time.Hour {
		ttl = time.Hour
	}
	return &Service{
		secret:        []byte(config.Secret),
		requiredScope: config.RequiredScope,
		tokenTTL:      ttl,
		logger:        logger,
	}, nil
}

// VerifyToken parses and verifies a bearer token, returning its claims.
// Signature, expiry and signing-method failures all come back as
// authorization errors with no internal detail attached.
func (s *Service) VerifyToken(tokenString string) (*interfaces.Claims, error) {
	parsed, err := jwt.ParseWithClaims(tokenString, &claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return s.secret, nil
	}, jwt.WithValidMethods([]string{"HS256"}), jwt.WithExpirationRequired())
	if err != nil {
		return nil, models.WrapCrewError(models.ErrAuthorization, "invalid token", err)
	}

	c, ok := parsed.Claims.(*claims)
	if !ok || !parsed.Valid {
		return nil, models.NewCrewError(models.ErrAuthorization, "invalid token")
	}

	result := &interfaces.Claims{
		Subject:      c.Subject,
		Scopes:       c.Scopes,
		ClientUserID: c.ClientUserID,
		ActorType:    c.ActorType,
		ActorID:      c.ActorID,
	}
	if c.ExpiresAt != nil {
		result.ExpiresAt = c.ExpiresAt.Time
	}
	return result, nil
}

// MintInternalToken issues a service-to-service token with the given scopes
func (s *Service) MintInternalToken(subject string, scopes []string) (string, error) {
	now := time.Now().UTC()
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, &claims{
		Scopes: scopes,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   subject,
			IssuedAt:  jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(s.tokenTTL)),
		},
	})

	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", models.WrapCrewError(models.ErrAuthorization, "failed to sign token", err)
	}
	return signed, nil
}

// RequiredScope returns the scope every inbound token must carry
func (s *Service) RequiredScope() string {
	return s.requiredScope
}
