package http

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"

	"parking-anpr/internal/config"
)

const (
	authorizationHeader = "Authorization"
	bearerType          = "Bearer"
	// SubjectKey holds the token subject in the gin context.
	SubjectKey = "subject"
)

// NewAuthMiddleware validates HS256 bearer tokens. With auth disabled every
// request passes.
func NewAuthMiddleware(cfg config.AuthConfig, log zerolog.Logger) gin.HandlerFunc {
	if !cfg.Enabled {
		return func(c *gin.Context) { c.Next() }
	}
	secret := []byte(cfg.JWTSecret)

	return func(c *gin.Context) {
		fields := strings.Fields(c.GetHeader(authorizationHeader))
		if len(fields) != 2 || !strings.EqualFold(fields[0], bearerType) {
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("missing or malformed bearer token"))
			return
		}

		claims := jwt.RegisteredClaims{}
		_, err := jwt.ParseWithClaims(fields[1], &claims, func(*jwt.Token) (interface{}, error) {
			return secret, nil
		}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}))
		if err != nil {
			log.Debug().Err(err).Str("path", c.FullPath()).Msg("rejected token")
			c.AbortWithStatusJSON(http.StatusUnauthorized, errorResponse("invalid or expired token"))
			return
		}

		c.Set(SubjectKey, claims.Subject)
		c.Next()
	}
}
