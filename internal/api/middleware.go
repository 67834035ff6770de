package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"chatrelay/internal/auth"
	"chatrelay/internal/metrics"
	"chatrelay/internal/ratelimit"
	"chatrelay/pkg/apperr"
)

const userIDKey = "user_id"

func (s *Server) requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()

		status := c.Writer.Status()
		event := s.log.Debug()
		if status >= 500 {
			event = s.log.Error()
		} else if status >= 400 {
			event = s.log.Info()
		}
		event.
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", status).
			Dur("latency", time.Since(start)).
			Str("client_ip", c.ClientIP()).
			Str("user_id", c.GetString(userIDKey)).
			Msg("HTTP request")
	}
}

func (s *Server) metrics() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		metrics.HTTPRequestsTotal.WithLabelValues(c.Request.Method, route, strconv.Itoa(c.Writer.Status())).Inc()
	}
}

func (s *Server) cors() gin.HandlerFunc {
	return func(c *gin.Context) {
		origin := c.GetHeader("Origin")
		if origin != "" && s.originAllowed(origin) {
			c.Header("Access-Control-Allow-Origin", origin)
			c.Header("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
			c.Header("Access-Control-Allow-Headers", "Content-Type, Authorization")
			c.Header("Access-Control-Expose-Headers", "Retry-After")
			c.Header("Access-Control-Max-Age", "86400")
		}

		if c.Request.Method == http.MethodOptions {
			c.AbortWithStatus(http.StatusNoContent)
			return
		}
		c.Next()
	}
}

func (s *Server) originAllowed(origin string) bool {
	if len(s.cfg.AllowedOrigins) == 0 {
		return true
	}
	for _, allowed := range s.cfg.AllowedOrigins {
		if allowed == "*" || allowed == origin {
			return true
		}
	}
	return false
}

// requireAuth resolves the bearer credential to a user id. Addresses with
// too many recent failures are refused before the token is checked.
func (s *Server) requireAuth() gin.HandlerFunc {
	return func(c *gin.Context) {
		subject := ratelimit.Subject{Addr: c.ClientIP()}
		ctx := c.Request.Context()

		if err := s.Limiter.Blocked(ctx, s.Policies.Auth, subject); err != nil {
			s.abortWithError(c, err)
			return
		}

		userID, err := s.Authenticator.Authenticate(ctx, auth.CredentialFromRequest(c.Request))
		if err != nil {
			if apperr.Is(err, apperr.CodeUnauthenticated) {
				auth.RecordFailure("http")
				if limitErr := s.Limiter.Enforce(ctx, s.Policies.Auth, subject); limitErr != nil {
					err = limitErr
				}
			}
			s.abortWithError(c, err)
			return
		}

		c.Set(userIDKey, userID)
		c.Next()
	}
}

// rateLimit enforces an address-keyed policy. The policy is resolved per
// request so handlers always see the configured values.
func (s *Server) rateLimit(policy func() ratelimit.Policy) gin.HandlerFunc {
	return func(c *gin.Context) {
		if err := s.Limiter.Enforce(c.Request.Context(), policy(), ratelimit.Subject{Addr: c.ClientIP()}); err != nil {
			s.abortWithError(c, err)
			return
		}
		c.Next()
	}
}

func (s *Server) abortWithError(c *gin.Context, err error) {
	body := apperr.BodyOf(err)
	if body.RetryAfterSeconds > 0 {
		c.Header("Retry-After", strconv.Itoa(body.RetryAfterSeconds))
	}
	if body.Code == apperr.CodeInternal {
		s.log.Error().Err(err).Str("path", c.Request.URL.Path).Msg("Request failed")
	}
	c.AbortWithStatusJSON(apperr.HTTPStatus(err), ErrorResponse{Error: body})
}
