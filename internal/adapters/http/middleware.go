package http

import (
	stdhttp "net/http"
	"strings"
	"time"

	"github.com/gin-contrib/sessions"
	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Pulse/internal/adapters/signal"
	"github.com/dkeye/Pulse/internal/core"
	"github.com/dkeye/Pulse/internal/domain"
)

const (
	headerRequestID = "X-Request-ID"

	sessionUserID   = "user_id"
	sessionUserName = "user_name"
	sessionUserRole = "user_role"
)

// RequestLogger logs one line per request with a request id, echoed back in
// X-Request-ID.
func RequestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		reqID := c.GetHeader(headerRequestID)
		if reqID == "" {
			reqID = uuid.NewString()
		}
		c.Header(headerRequestID, reqID)

		c.Next()

		evt := log.Info()
		if c.Writer.Status() >= stdhttp.StatusInternalServerError {
			evt = log.Error()
		}
		evt = evt.Str("module", "adapters.http").
			Str("request_id", reqID).
			Str("method", c.Request.Method).
			Str("path", c.FullPath()).
			Int("status", c.Writer.Status()).
			Dur("latency", time.Since(start)).
			Str("client_ip", c.ClientIP())
		if user, ok := signal.UserFrom(c); ok {
			evt = evt.Str("user", user.ID.String())
		}
		evt.Msg("request completed")
	}
}

// IdentityMiddleware resolves the caller from a bearer token (header or
// "token" query parameter, for browser WebSocket clients) or else from the
// cookie session. Anonymous requests pass through unmarked.
func IdentityMiddleware(idp core.IdentityProvider) gin.HandlerFunc {
	return func(c *gin.Context) {
		if user, ok := resolveUser(c, idp); ok {
			c.Set(signal.ContextUserKey, user)
		}
		c.Next()
	}
}

func resolveUser(c *gin.Context, idp core.IdentityProvider) (domain.User, bool) {
	if tok := bearerToken(c); tok != "" && idp != nil {
		user, err := idp.Verify(c.Request.Context(), tok)
		if err == nil {
			return user, true
		}
		log.Debug().Err(err).Str("module", "adapters.http").Msg("bearer token rejected")
	}
	s := sessions.Default(c)
	id, _ := s.Get(sessionUserID).(int64)
	name, _ := s.Get(sessionUserName).(string)
	if id <= 0 {
		return domain.User{}, false
	}
	user, err := domain.NewUser(domain.UserID(id), name)
	if err != nil {
		return domain.User{}, false
	}
	user.Role, _ = s.Get(sessionUserRole).(string)
	return user, true
}

func bearerToken(c *gin.Context) string {
	if h := c.GetHeader("Authorization"); h != "" {
		if tok, ok := strings.CutPrefix(h, "Bearer "); ok {
			return strings.TrimSpace(tok)
		}
	}
	return c.Query("token")
}

func RequireUser() gin.HandlerFunc {
	return func(c *gin.Context) {
		if _, ok := signal.UserFrom(c); !ok {
			abortError(c, stdhttp.StatusUnauthorized, domain.CodeUnauthorized, "authentication required")
			return
		}
		c.Next()
	}
}

type errorBody struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

func abortError(c *gin.Context, status int, code, msg string) {
	c.AbortWithStatusJSON(status, errorBody{Code: code, Message: msg})
}
