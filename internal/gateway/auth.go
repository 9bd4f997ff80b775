package gateway

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"
)

// Roles carried in the token. Agents authenticate as their agent ID,
// users as their user ID.
const (
	RoleUser  = "user"
	RoleAgent = "agent"
	RoleAdmin = "admin"
)

// Claims is the JWT payload for API callers.
type Claims struct {
	SubjectID uuid.UUID `json:"subject_id"`
	Role      string    `json:"role"`
	jwt.RegisteredClaims
}

// IssueToken signs an HS256 token for the subject. Used by operator
// tooling and tests; there is no login flow in this service.
func IssueToken(secret string, subjectID uuid.UUID, role string, ttl time.Duration) (string, error) {
	claims := &Claims{
		SubjectID: subjectID,
		Role:      role,
		RegisteredClaims: jwt.RegisteredClaims{
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(time.Now()),
		},
	}
	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	return token.SignedString([]byte(secret))
}

func (g *Gateway) authMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := c.GetHeader("Authorization")
		raw = strings.TrimPrefix(raw, "Bearer ")
		if raw == "" {
			abortAuth(c, http.StatusUnauthorized, "UNAUTHORIZED", "missing authorization")
			return
		}

		claims := &Claims{}
		token, err := jwt.ParseWithClaims(raw, claims, func(t *jwt.Token) (interface{}, error) {
			if _, ok := t.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, jwt.ErrSignatureInvalid
			}
			return []byte(g.jwtSecret), nil
		})
		if err != nil || !token.Valid || claims.SubjectID == uuid.Nil {
			abortAuth(c, http.StatusUnauthorized, "UNAUTHORIZED", "invalid token")
			return
		}

		c.Set("subject_id", claims.SubjectID)
		c.Set("role", claims.Role)
		c.Next()
	}
}

// requireRole gates a route to the given roles. Admin passes everywhere.
func requireRole(roles ...string) gin.HandlerFunc {
	return func(c *gin.Context) {
		role := c.GetString("role")
		if role == RoleAdmin {
			c.Next()
			return
		}
		for _, r := range roles {
			if role == r {
				c.Next()
				return
			}
		}
		abortAuth(c, http.StatusForbidden, "FORBIDDEN", "insufficient role")
	}
}

func abortAuth(c *gin.Context, status int, code, msg string) {
	c.AbortWithStatusJSON(status, envelope{
		Success: false,
		Error:   &apiError{Code: code, Message: msg},
	})
}

func subjectID(c *gin.Context) uuid.UUID {
	v, ok := c.Get("subject_id")
	if !ok {
		return uuid.Nil
	}
	id, _ := v.(uuid.UUID)
	return id
}
