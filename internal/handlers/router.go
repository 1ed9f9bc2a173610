package handlers

import (
	"bytes"
	"fmt"
	"net/http"
	"runtime/debug"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"
	"github.com/ulule/limiter/v3"

	"github.com/4xmen/echat/pkg/i18n"
)

// RateLimit rejects requests once the client IP has used up its quota.
func RateLimit(l *limiter.Limiter, tr i18n.Translator) gin.HandlerFunc {
	return func(c *gin.Context) {
		limiterContext, err := l.Get(c.Request.Context(), c.ClientIP())
		if err != nil {
			c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": tr.Translate("rate limiter error")})
			return
		}

		c.Header("X-RateLimit-Limit", fmt.Sprintf("%d", limiterContext.Limit))
		c.Header("X-RateLimit-Remaining", fmt.Sprintf("%d", limiterContext.Remaining))
		c.Header("X-RateLimit-Reset", fmt.Sprintf("%d", limiterContext.Reset))

		if limiterContext.Reached {
			c.AbortWithStatusJSON(http.StatusTooManyRequests, gin.H{"error": tr.Translate("rate limit exceeded")})
			return
		}

		c.Next()
	}
}

type responseBodyWriter struct {
	gin.ResponseWriter
	body *bytes.Buffer
}

func (w responseBodyWriter) Write(b []byte) (int, error) {
	w.body.Write(b)
	return w.ResponseWriter.Write(b)
}

func (w responseBodyWriter) WriteString(s string) (int, error) {
	w.body.WriteString(s)
	return w.ResponseWriter.WriteString(s)
}

// RequestLogger logs every request at debug, and server errors with their
// response body at error.
func RequestLogger(logger zerolog.Logger) gin.HandlerFunc {
	log := logger.With().Str("component", "http").Logger()
	return func(c *gin.Context) {
		start := time.Now()
		blw := &responseBodyWriter{body: bytes.NewBuffer(nil), ResponseWriter: c.Writer}
		c.Writer = blw

		c.Next()

		status := c.Writer.Status()
		event := log.Debug()
		if status >= http.StatusInternalServerError {
			event = log.Error().
				Str("errors", c.Errors.ByType(gin.ErrorTypeAny).String()).
				Str("response", strings.TrimSpace(blw.body.String()))
		}
		event.
			Int("status", status).
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Str("ip", c.ClientIP()).
			Dur("duration", time.Since(start).Truncate(time.Millisecond)).
			Msg("http request")
	}
}

func PanicRecovery(logger zerolog.Logger, tr i18n.Translator) gin.HandlerFunc {
	return gin.CustomRecovery(func(c *gin.Context, recovered interface{}) {
		logger.Error().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Interface("error", recovered).
			Bytes("stack", debug.Stack()).
			Msg("panic recovered")
		c.AbortWithStatusJSON(http.StatusInternalServerError, gin.H{"error": tr.Translate("internal server error")})
	})
}

type RouterOptions struct {
	Limiter       *limiter.Limiter
	MaxUploadSize int64
	Translator    i18n.Translator
	Logger        zerolog.Logger
}

// NewRouter wires the view API routes for sess.
func NewRouter(sess Session, opts RouterOptions) *gin.Engine {
	h := NewSessionHandler(sess, opts.Translator, opts.MaxUploadSize, opts.Logger)

	router := gin.New()
	router.Use(RequestLogger(opts.Logger))
	router.Use(PanicRecovery(opts.Logger, opts.Translator))
	router.MaxMultipartMemory = opts.MaxUploadSize

	router.GET("/health", func(c *gin.Context) {
		c.JSON(http.StatusOK, gin.H{"status": "ok"})
	})

	api := router.Group("/api")
	if opts.Limiter != nil {
		api.Use(RateLimit(opts.Limiter, opts.Translator))
	}
	{
		api.GET("/status", h.GetStatus)
		api.POST("/connect", h.Connect)
		api.GET("/contacts", h.GetContacts)
		api.POST("/contacts", h.AddContact)
		api.GET("/groups", h.GetGroups)
		api.POST("/groups", h.CreateGroup)
		api.GET("/conversations/:key", h.GetConversation)
		api.POST("/active", h.SetActive)
		api.POST("/messages", h.SendMessage)
		api.POST("/files", h.SendFile)
		api.POST("/typing", h.Typing)
		api.GET("/profile", h.GetProfile)
		api.PUT("/profile", h.UpdateProfile)
		api.POST("/profile/photo", h.UploadPhoto)
		api.DELETE("/profile/photo", h.DeletePhoto)
		api.GET("/notifications", h.GetNotifications)
		api.POST("/logout", h.Logout)
	}

	router.NoRoute(func(c *gin.Context) {
		c.JSON(http.StatusNotFound, gin.H{"error": opts.Translator.Translate("not found")})
	})

	return router
}
