package kikebot

import (
	"context"
	"crypto/subtle"
	"crypto/tls"
	"errors"
	"fmt"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/lmittmann/tint"
	"golang.org/x/time/rate"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"
)

const (
	xRequestIDHeader = "X-Request-ID"

	apiHealthCheck   = "/healthz"
	apiPrefix        = "/api"
	apiPathHistory   = "/history"
	apiPathPersonas  = "/personas"
	apiPathPersona   = "/persona"
	apiPathReplies   = "/replies"
	apiRepliesMaxCap = 1000
)

var structValidator = validator.New()

// API is the admin HTTP server. It reads the bot's state directly and
// changes it by queueing jobs, so every change goes through the worker.
type API struct {
	k          *KikeBot
	config     *APIConfig
	engine     *gin.Engine
	httpServer *http.Server
	listener   net.Listener
	logger     *slog.Logger

	// authLimiter throttles requests with a bad or missing token
	authLimiter *rate.Limiter

	shutdownTimeout time.Duration
}

type httpError struct {
	Error string `json:"error"`
}

type queuedResponse struct {
	RequestID string `json:"request_id"`
	Kind      string `json:"kind"`
}

type personasResponse struct {
	Personas []string `json:"personas"`
	Current  string   `json:"current"`
}

type historyResponse struct {
	Path     string    `json:"path"`
	Messages []Message `json:"messages"`
}

type personaUpdate struct {
	Name string `json:"name" binding:"required"`
}

func newAPI(k *KikeBot, config *APIConfig) (*API, error) {
	r := gin.New()

	api := &API{
		k:               k,
		config:          config,
		engine:          r,
		logger:          newLogger("api", config.LogLevel),
		authLimiter:     rate.NewLimiter(rate.Limit(1), 5),
		shutdownTimeout: k.config.ShutdownTimeout,
	}

	var tlsCfg *tls.Config
	if config.SSL.Cert != "" && config.SSL.Key != "" {
		var err error
		tlsCfg, err = tlsConfig(
			config.SSL.Cert,
			config.SSL.Key,
			config.SSL.TLSMinVersion,
		)
		if err != nil {
			return nil, fmt.Errorf("error loading SSL certs: %w", err)
		}
	}

	api.httpServer = &http.Server{
		Addr:              config.Listen,
		Handler:           r,
		TLSConfig:         tlsCfg,
		WriteTimeout:      config.WriteTimeout,
		IdleTimeout:       config.IdleTimeout,
		ReadTimeout:       config.ReadTimeout,
		ReadHeaderTimeout: config.ReadHeaderTimeout,
	}

	r.Use(
		gin.Recovery(),
		requestIDMiddleware(),
		ginLoggingMiddleware(api.logger),
		cors.New(config.CORS.GINConfig()),
	)

	r.GET(apiHealthCheck, api.healthCheck)

	protected := r.Group(apiPrefix)
	protected.Use(authMiddleware(api))

	protected.GET(apiPathHistory, api.getHistory)
	protected.DELETE(apiPathHistory, api.resetHistory)
	protected.GET(apiPathPersonas, api.getPersonas)
	protected.PUT(apiPathPersona, api.setPersona)
	protected.GET(apiPathReplies, api.getReplies)

	return api, nil
}

// Serve listens on the configured address and serves until ctx is done,
// then shuts the server down gracefully.
func (a *API) Serve(ctx context.Context) error {
	ln := a.listener
	if ln == nil {
		listenCfg := &net.ListenConfig{}
		var err error
		ln, err = listenCfg.Listen(ctx, a.config.ListenNetwork, a.config.Listen)
		if err != nil {
			return fmt.Errorf("error listening on %s: %w", a.config.Listen, err)
		}
	}
	if a.httpServer.TLSConfig != nil {
		ln = tls.NewListener(ln, a.httpServer.TLSConfig)
	}
	a.logger.InfoContext(ctx, "api listening", "addr", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		errCh <- a.httpServer.Serve(ln)
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.shutdownTimeout)
	defer cancel()
	a.logger.Info("stopping http server")
	if err := a.httpServer.Shutdown(shutdownCtx); err != nil {
		a.logger.Error("error stopping http server", tint.Err(err))
	}
	err := <-errCh
	a.logger.Info("http server stopped")
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

func (a *API) healthCheck(c *gin.Context) {
	c.JSON(http.StatusOK, a.k.status())
}

func (a *API) getHistory(c *gin.Context) {
	history := a.k.session.History
	c.JSON(
		http.StatusOK,
		historyResponse{Path: history.Path(), Messages: history.Messages()},
	)
}

// resetHistory queues a reset. The history is cleared once the worker
// gets to it.
func (a *API) resetHistory(c *gin.Context) {
	job := a.k.enqueue(WithLogger(c, ginContextLogger(c, a.logger)), JobReset, "", nil)
	c.JSON(
		http.StatusAccepted,
		queuedResponse{RequestID: job.ID, Kind: string(job.Kind)},
	)
}

func (a *API) getPersonas(c *gin.Context) {
	c.JSON(
		http.StatusOK,
		personasResponse{
			Personas: a.k.personas.Names(),
			Current:  a.k.session.Persona(),
		},
	)
}

func (a *API) setPersona(c *gin.Context) {
	logger := ginContextLogger(c, a.logger)

	var update personaUpdate
	if err := c.ShouldBindJSON(&update); err != nil {
		logger.Error("bad payload", tint.Err(err))
		c.JSON(http.StatusBadRequest, httpError{Error: err.Error()})
		return
	}
	if !a.k.personas.Has(update.Name) {
		c.JSON(
			http.StatusNotFound,
			httpError{Error: fmt.Sprintf("%s: %s", ErrUnknownPersona, update.Name)},
		)
		return
	}

	job := a.k.enqueue(WithLogger(c, logger), JobPersona, update.Name, nil)
	c.JSON(
		http.StatusAccepted,
		queuedResponse{RequestID: job.ID, Kind: string(job.Kind)},
	)
}

func (a *API) getReplies(c *gin.Context) {
	if a.k.db == nil {
		c.JSON(
			http.StatusServiceUnavailable,
			httpError{Error: ErrDatabaseNotConfigured.Error()},
		)
		return
	}

	limit := DefaultAPIRepliesLimit
	if v := c.Query("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 1 || n > apiRepliesMaxCap {
			c.JSON(
				http.StatusBadRequest,
				httpError{Error: fmt.Sprintf("limit must be between 1 and %d", apiRepliesMaxCap)},
			)
			return
		}
		limit = n
	}

	logs, err := a.k.db.ReplyLogs(c, limit)
	if err != nil {
		_ = c.Error(err)
		c.JSON(http.StatusInternalServerError, httpError{Error: "error fetching replies"})
		return
	}
	c.JSON(http.StatusOK, logs)
}

// authMiddleware rejects requests that don't carry the configured bearer
// token. Rejected requests are rate limited.
func authMiddleware(a *API) gin.HandlerFunc {
	expected := []byte(a.config.Token)
	return func(c *gin.Context) {
		token, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
		if ok && subtle.ConstantTimeCompare([]byte(token), expected) == 1 {
			c.Next()
			return
		}

		logger := ginContextLogger(c, a.logger)
		if !a.authLimiter.Allow() {
			logger.Warn("too many unauthorized requests")
			c.AbortWithStatusJSON(
				http.StatusTooManyRequests,
				httpError{Error: "too many requests"},
			)
			return
		}
		logger.Warn("unauthorized request")
		c.AbortWithStatusJSON(
			http.StatusUnauthorized,
			httpError{Error: "unauthorized"},
		)
	}
}

// requestIDMiddleware assigns each request an ID, set in the gin context
// and the response headers.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := uuid.NewString()
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// ginContextLogger returns the request's logger from the gin context.
// If it doesn't exist yet, one is derived from base with the request
// details included, and stored in the context.
func ginContextLogger(c *gin.Context, base *slog.Logger) *slog.Logger {
	if logger, ok := c.Get(string(loggerContextKey)); ok {
		if requestLogger, ok := logger.(*slog.Logger); ok {
			return requestLogger
		}
	}
	if base == nil {
		base = slog.Default()
	}
	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	if raw := c.Request.URL.RawQuery; raw != "" {
		path = path + "?" + raw
	}

	requestLogger := base.With(
		slog.Group(
			"request",
			"method", c.Request.Method,
			"path", path,
			"remote_ip", c.RemoteIP(),
			"user_agent", c.Request.UserAgent(),
		),
		slog.Any(xRequestIDHeader, requestID),
	)
	c.Set(string(loggerContextKey), requestLogger)
	return requestLogger
}

// ginLoggingMiddleware logs each request once it's finished, along with
// any errors attached to the gin context.
func ginLoggingMiddleware(base *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()

		requestLogger := ginContextLogger(c, base)
		c.Next()
		latency := time.Since(start)

		response := slog.Group(
			"response",
			"status_code", c.Writer.Status(),
			"body_size", c.Writer.Size(),
		)

		var errs []error
		for _, e := range c.Errors.ByType(gin.ErrorTypePrivate) {
			errs = append(errs, e.Err)
		}
		if len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf("%s %s finished with errors", c.Request.Method, c.Request.URL),
				"duration", latency,
				"errors", errs,
				response,
			)
			return
		}
		requestLogger.Info(
			fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL),
			"duration", latency,
			response,
		)
	}
}

// validateProviderConfig requires a token for gemini providers, which
// have no keyless local endpoint
func validateProviderConfig(sl validator.StructLevel) {
	pc, ok := sl.Current().Interface().(ProviderConfig)
	if !ok {
		return
	}
	if pc.Type == ProviderTypeGemini && pc.Token == "" {
		sl.ReportError(pc.Token, "Token", "token", "required_with_gemini", "")
	}
}

func init() {
	gin.SetMode(gin.ReleaseMode)
	structValidator.SetTagName("binding")
	structValidator.RegisterStructValidation(validateProviderConfig, ProviderConfig{})
}
