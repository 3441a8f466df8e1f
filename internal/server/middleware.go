package server

import (
	"strconv"
	"strings"

	"github.com/bwmarrin/snowflake"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	obslogger "github.com/plotline/plotline/internal/observability/logger"
	userdomain "github.com/plotline/plotline/internal/user/domain"
)

const (
	// HeaderUser carries the authenticated user's id, set by the upstream
	// gateway. There is no session handling here.
	HeaderUser      = "X-User-ID"
	HeaderRequestID = "X-Request-ID"

	contextUserKey = "current_user"
)

// RequestID propagates or generates a correlation id and plants it on the
// request context for the loggers downstream.
func RequestID() gin.HandlerFunc {
	return func(c *gin.Context) {
		requestID := strings.TrimSpace(c.GetHeader(HeaderRequestID))
		if requestID == "" {
			requestID = uuid.NewString()
		}
		c.Header(HeaderRequestID, requestID)
		c.Request = c.Request.WithContext(
			obslogger.WithRequestID(c.Request.Context(), requestID),
		)
		c.Next()
	}
}

// AuthRequired resolves the upstream identity header against the users
// table and stores the user on the gin context.
func (s *Server) AuthRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		raw := strings.TrimSpace(c.GetHeader(HeaderUser))
		if raw == "" {
			AbortWithError(c, ErrUnauthorized)
			return
		}
		id, err := parseID(raw)
		if err != nil {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		user, err := s.users.FindOne(c.Request.Context(), &userdomain.User{ID: id})
		if err != nil {
			AbortWithError(c, err)
			return
		}
		if user == nil {
			AbortWithError(c, ErrUnauthorized)
			return
		}

		c.Set(contextUserKey, user)
		c.Next()
	}
}

// AdminRequired layers on AuthRequired; the cache admin surface is
// operator-only.
func AdminRequired() gin.HandlerFunc {
	return func(c *gin.Context) {
		if !currentUser(c).IsAdmin() {
			AbortWithError(c, ErrForbidden)
			return
		}
		c.Next()
	}
}

func currentUser(c *gin.Context) *userdomain.User {
	user, _ := c.MustGet(contextUserKey).(*userdomain.User)
	return user
}

// canAccess reports whether the current user owns the resource or is an
// admin.
func canAccess(c *gin.Context, ownerID snowflake.ID) bool {
	user := currentUser(c)
	return user.ID == ownerID || user.IsAdmin()
}

func parseID(raw string) (snowflake.ID, error) {
	n, err := strconv.ParseInt(strings.TrimSpace(raw), 10, 64)
	if err != nil {
		return 0, err
	}
	return snowflake.ID(n), nil
}
