// Package auth validates bearer tokens against a JWKS endpoint.
package auth

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/MicahParks/keyfunc/v2"
	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"mindmitra/services/couples-api/internal/config"
)

const (
	// UserIDKey is the gin context key the authenticated subject lands under.
	UserIDKey = "auth_user_id"
	// TokenKey is the gin context key holding the parsed token.
	TokenKey = "auth_token"
)

var signingMethods = []string{"RS256", "RS384", "RS512"}

// Validator checks request tokens against the configured issuer, audience,
// and key set. With auth disabled it passes every request through.
type Validator struct {
	enabled  bool
	issuer   string
	audience string
	jwks     *keyfunc.JWKS
	log      zerolog.Logger
}

// NewValidator fetches the JWKS when auth is enabled; the key set refreshes
// hourly in the background for the life of ctx.
func NewValidator(ctx context.Context, cfg *config.Config, log zerolog.Logger) (*Validator, error) {
	v := &Validator{
		enabled:  cfg.AuthEnabled,
		issuer:   strings.TrimSpace(cfg.AuthIssuer),
		audience: strings.TrimSpace(cfg.AuthAudience),
		log:      log.With().Str("component", "auth").Logger(),
	}
	if !v.enabled {
		return v, nil
	}

	jwks, err := keyfunc.Get(cfg.AuthJWKSURL, keyfunc.Options{
		Ctx:               ctx,
		RefreshInterval:   time.Hour,
		RefreshUnknownKID: true,
		RefreshErrorHandler: func(err error) {
			v.log.Error().Err(err).Msg("jwks refresh error")
		},
	})
	if err != nil {
		return nil, err
	}
	v.jwks = jwks
	return v, nil
}

// Middleware enforces bearer auth. Valid requests carry the subject and the
// parsed token in the gin context.
func (v *Validator) Middleware() gin.HandlerFunc {
	if v == nil || !v.enabled {
		return func(c *gin.Context) { c.Next() }
	}

	return func(c *gin.Context) {
		raw := bearerToken(c.GetHeader("Authorization"))
		if raw == "" {
			abortUnauthorized(c, "missing bearer token")
			return
		}

		token, err := v.parse(raw)
		if err != nil {
			abortUnauthorized(c, err.Error())
			return
		}

		if claims, ok := token.Claims.(jwt.MapClaims); ok {
			if sub, _ := claims["sub"].(string); sub != "" {
				c.Set(UserIDKey, sub)
			}
		}
		c.Set(TokenKey, token)
		c.Next()
	}
}

func (v *Validator) parse(raw string) (*jwt.Token, error) {
	opts := []jwt.ParserOption{jwt.WithValidMethods(signingMethods)}
	if v.issuer != "" {
		opts = append(opts, jwt.WithIssuer(v.issuer))
	}

	token, err := jwt.Parse(raw, v.jwks.Keyfunc, opts...)
	if err != nil || !token.Valid {
		return nil, errors.New("invalid token")
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, errors.New("invalid token claims")
	}
	if v.audience != "" && !audienceMatches(claims, v.audience) {
		return nil, errors.New("invalid token audience")
	}
	return token, nil
}

// audienceMatches accepts tokens that carry no aud claim at all; an aud
// claim that is present must name the expected audience.
func audienceMatches(claims jwt.MapClaims, expected string) bool {
	audClaim, present := claims["aud"]
	if !present {
		return true
	}
	switch aud := audClaim.(type) {
	case string:
		return aud == expected
	case []any:
		for _, entry := range aud {
			if s, ok := entry.(string); ok && s == expected {
				return true
			}
		}
	}
	return false
}

// Ready reports whether the validator can serve requests.
func (v *Validator) Ready() bool {
	if v == nil || !v.enabled {
		return true
	}
	return v.jwks != nil
}

func bearerToken(header string) string {
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 || !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func abortUnauthorized(c *gin.Context, message string) {
	c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": message})
}
