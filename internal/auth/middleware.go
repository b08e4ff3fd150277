package auth

import (
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

// RoleTeacher marks claims issued by the teacher login endpoint.
const RoleTeacher = "teacher"

// TeacherAuth enforces bearer JWT tokens signed with HS256 and issued to a
// teacher. The acting teacher id is stored on the context under "teacher_id"
// so handlers pass it explicitly into the core services.
func TeacherAuth(signingKey, issuer string) gin.HandlerFunc {
	return func(c *gin.Context) {
		authz := c.GetHeader("Authorization")
		if authz == "" || !strings.HasPrefix(strings.ToLower(authz), "bearer ") {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "missing bearer token"})
			return
		}
		tokenStr := strings.TrimSpace(authz[len("bearer "):])
		claims, err := Parse(tokenStr, signingKey, issuer)
		if err != nil {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "invalid token"})
			return
		}
		if claims.Role != RoleTeacher {
			c.AbortWithStatusJSON(http.StatusForbidden, gin.H{"error": "teacher role required"})
			return
		}
		c.Set("claims", claims)
		c.Set("teacher_id", claims.Subject)
		c.Next()
	}
}

// BearerToken extracts a raw bearer token from the request, for endpoints
// authenticated by opaque student tokens rather than JWTs.
func BearerToken(c *gin.Context) string {
	authz := c.GetHeader("Authorization")
	if authz == "" || !strings.HasPrefix(strings.ToLower(authz), "bearer ") {
		return ""
	}
	return strings.TrimSpace(authz[len("bearer "):])
}
