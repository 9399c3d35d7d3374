package auth

import (
	"errors"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
)

// identityCtxKey is the Gin context key used to store the authenticated
// user id, which doubles as the rate-limit identity.
const identityCtxKey = "user_id"

// Verifier validates a bearer token and returns the identity it carries.
// Token issuance lives with the auth service; the gateway only verifies.
type Verifier interface {
	Verify(token string) (identity string, err error)
}

// HMACVerifier verifies HS256 access tokens carrying a user_id claim.
type HMACVerifier struct {
	secret []byte
}

// NewHMACVerifier builds a verifier for the shared signing secret.
func NewHMACVerifier(secret string) *HMACVerifier {
	return &HMACVerifier{secret: []byte(secret)}
}

// Verify parses and validates the token. Besides the signature and expiry
// it checks type=access (refresh tokens must not reach the API) and a
// non-empty user_id claim.
func (v *HMACVerifier) Verify(token string) (string, error) {
	parsed, err := jwt.Parse(token, func(t *jwt.Token) (any, error) {
		if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, errors.New("unexpected signing method")
		}
		return v.secret, nil
	})
	if err != nil {
		return "", err
	}

	claims, ok := parsed.Claims.(jwt.MapClaims)
	if !ok {
		return "", errors.New("unexpected claims type")
	}
	if typ, _ := claims["type"].(string); typ != "access" {
		return "", errors.New("invalid token type")
	}
	userID, _ := claims["user_id"].(string)
	if userID == "" {
		return "", errors.New("token missing user_id")
	}
	return userID, nil
}

// Middleware enforces Bearer authentication and stores the identity in the
// request context. In production the tokens are minted by the user service.
func Middleware(verifier Verifier) gin.HandlerFunc {
	return func(c *gin.Context) {
		header := strings.TrimSpace(c.GetHeader("Authorization"))
		token, ok := strings.CutPrefix(header, "Bearer ")
		if !ok || strings.TrimSpace(token) == "" {
			c.Header("WWW-Authenticate", "Bearer")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}

		identity, err := verifier.Verify(strings.TrimSpace(token))
		if err != nil {
			c.Header("WWW-Authenticate", "Bearer")
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid or expired token"})
			return
		}

		c.Set(identityCtxKey, identity)
		c.Next()
	}
}

// UserID returns the authenticated user id from the request context.
func UserID(c *gin.Context) string {
	v, _ := c.Get(identityCtxKey)
	s, _ := v.(string)
	return s
}
