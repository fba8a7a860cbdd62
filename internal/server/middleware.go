package server

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"
)

const HeaderOperatorToken = "X-Operator-Token"

// OperatorTokenRequired gates operator reads behind the static token from
// OPERATOR_API_TOKEN. Either the header or a bearer token is accepted.
func (s *Server) OperatorTokenRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		if strings.TrimSpace(s.operatorToken) == "" {
			AbortWithError(c, ErrServiceUnavailable)
			return
		}

		token := strings.TrimSpace(c.GetHeader(HeaderOperatorToken))
		if token == "" {
			parts := strings.Fields(c.GetHeader("Authorization"))
			if len(parts) == 2 && parts[0] == "Bearer" {
				token = parts[1]
			}
		}
		if token == "" || subtle.ConstantTimeCompare([]byte(token), []byte(s.operatorToken)) != 1 {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		c.Next()
	}
}

// AdminRequired lets a request through only with this instance's admin session.
func (s *InstanceServer) AdminRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		email, ok := s.sessions.Admin(c)
		if !ok {
			c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "Authentication required"})
			return
		}
		c.Set(contextAdminEmailKey, email)
		c.Next()
	}
}
