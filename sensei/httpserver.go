package sensei

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"github.com/gin-contrib/cors"
	ginPprof "github.com/gin-contrib/pprof"
	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/lmittmann/tint"
	"golang.org/x/sync/errgroup"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"
)

const (
	xRequestIDHeader = "X-Request-ID"
	pprofPrefix      = "/debug"
	pathHealthCheck  = "/healthz"
)

var structValidator = validator.New()

// httpError is the body of every non-2xx response from the engine and
// connector.
type httpError struct {
	Detail any `json:"detail"`
}

type healthCheckResponse struct {
	Status   string         `json:"status"`
	Service  string         `json:"service"`
	Uptime   string         `json:"uptime"`
	Requests map[string]int `json:"requests"`
}

// httpServer wraps a gin engine and the http.Server serving it, for the
// engine and connector services.
type httpServer struct {
	name       string
	config     *HTTPServerConfig
	router     *gin.Engine
	httpServer *http.Server
	logger     *slog.Logger
	started    time.Time

	listener   net.Listener
	listenerMu sync.Mutex

	requestMetrics   map[string]int
	requestMetricsMu sync.Mutex
}

// newHTTPServer sets up a gin engine with request ID, logging, metric and
// CORS middleware, plus a health check. Callers add their own routes
// to router.
func newHTTPServer(name string, config *HTTPServerConfig, development bool) (*httpServer, error) {
	if config == nil {
		return nil, fmt.Errorf("%s: server config required", name)
	}
	if config.LogLevel == nil {
		config.LogLevel = &slog.LevelVar{}
		config.LogLevel.Set(DefaultHTTPLogLevel)
	}

	if development {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}

	tlsCfg, err := tlsConfig(config.SSL.Cert, config.SSL.Key, config.SSL.TLSMinVersion)
	if err != nil {
		return nil, fmt.Errorf("error loading SSL certs: %w", err)
	}

	r := gin.New()
	s := &httpServer{
		name:           name,
		config:         config,
		router:         r,
		logger:         newComponentLogger(name, config.LogLevel),
		requestMetrics: map[string]int{},
		httpServer: &http.Server{
			Addr:              config.Listen,
			Handler:           r,
			TLSConfig:         tlsCfg,
			WriteTimeout:      config.WriteTimeout,
			IdleTimeout:       config.IdleTimeout,
			ReadTimeout:       config.ReadTimeout,
			ReadHeaderTimeout: config.ReadHeaderTimeout,
		},
	}

	corsConfig := config.CORS.GINConfig()
	if len(corsConfig.AllowOrigins) == 0 && development {
		corsConfig.AllowOrigins = []string{"*"}
	}

	if !development {
		r.Use(gin.Recovery())
	}
	r.Use(
		requestIDMiddleware(),
		ginLoggingMiddleware(s.logger),
		metricMiddleware(s),
	)
	// CORS is only enabled when origins are configured
	if len(corsConfig.AllowOrigins) > 0 {
		r.Use(cors.New(corsConfig))
	}
	r.GET(pathHealthCheck, s.healthCheck)

	if development {
		ginPprof.Register(r, pprofPrefix)
	}
	return s, nil
}

func (s *httpServer) healthCheck(c *gin.Context) {
	s.requestMetricsMu.Lock()
	requests := make(map[string]int, len(s.requestMetrics))
	for k, v := range s.requestMetrics {
		requests[k] = v
	}
	s.requestMetricsMu.Unlock()

	c.JSON(
		http.StatusOK, healthCheckResponse{
			Status:   "ok",
			Service:  s.name,
			Uptime:   time.Since(s.started).Round(time.Second).String(),
			Requests: requests,
		},
	)
}

// Listen opens the configured listener, if it isn't already open
func (s *httpServer) Listen(ctx context.Context) (net.Listener, error) {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()
	if s.listener != nil {
		return s.listener, nil
	}

	network := s.config.ListenNetwork
	if network == "" {
		network = defaultListenNetwork
	}
	listenCfg := &net.ListenConfig{}
	ln, err := listenCfg.Listen(ctx, network, s.config.Listen)
	if err != nil {
		return nil, fmt.Errorf("%s: unable to listen on %s: %w", s.name, s.config.Listen, err)
	}
	if s.httpServer.TLSConfig != nil {
		ln = tls.NewListener(ln, s.httpServer.TLSConfig)
	}
	s.listener = ln
	return ln, nil
}

// Addr returns the address being listened on, or an empty string if
// the listener isn't open yet.
func (s *httpServer) Addr() string {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()
	if s.listener == nil {
		return ""
	}
	return s.listener.Addr().String()
}

// Serve serves HTTP until ctx is done, then shuts down gracefully,
// waiting up to shutdownTimeout for in-flight requests before force
// closing. If ready is non-nil, it's closed once the listener is open.
func (s *httpServer) Serve(
	ctx context.Context,
	shutdownTimeout time.Duration,
	ready chan<- struct{},
) error {
	ln, err := s.Listen(ctx)
	if err != nil {
		return err
	}
	s.started = time.Now()
	s.logger.InfoContext(ctx, "serving", "addr", ln.Addr().String(), "tls", s.httpServer.TLSConfig != nil)
	if ready != nil {
		close(ready)
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(
		func() error {
			if e := s.httpServer.Serve(ln); e != nil && !errors.Is(e, http.ErrServerClosed) {
				return fmt.Errorf("%s: error serving: %w", s.name, e)
			}
			return nil
		},
	)
	g.Go(
		func() error {
			<-gctx.Done()
			s.logger.Info("stopping http server")

			closeCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			if e := s.httpServer.Shutdown(closeCtx); e != nil {
				s.logger.Warn("server did not stop in time, forcing close", tint.Err(e))
				_ = s.httpServer.Close()
				return nil
			}
			s.logger.Info("http server stopped")
			return nil
		},
	)
	return g.Wait()
}

// requestIDMiddleware sets a new UUID as each request's X-Request-ID,
// unless the client already supplied one.
func requestIDMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		id := c.GetHeader(xRequestIDHeader)
		if id == "" {
			id = uuid.NewString()
		}
		c.Set(xRequestIDHeader, id)
		c.Header(xRequestIDHeader, id)
		c.Next()
	}
}

// ginContextLogger returns the slog.Logger from the given gin context,
// or, if it doesn't exist, creates one from fallback with request
// details included, and stores it in the context.
func ginContextLogger(c *gin.Context, fallback *slog.Logger) *slog.Logger {
	if logger, ok := c.Get(string(loggerContextKey)); ok {
		if requestLogger, ok := logger.(*slog.Logger); ok {
			return requestLogger
		}
	}
	if fallback == nil {
		fallback = slog.Default()
	}
	requestID, _ := c.Get(xRequestIDHeader)
	path := c.Request.URL.Path
	if raw := c.Request.URL.RawQuery; raw != "" {
		path = path + "?" + raw
	}

	requestLogger := fallback.With(
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

// ginLoggingMiddleware logs each finished request with its duration and
// response status, along with any private errors added to the context.
func ginLoggingMiddleware(logger *slog.Logger) gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		requestLogger := ginContextLogger(c, logger)
		c.Next()
		latency := time.Since(start)

		var errs []error
		for _, e := range c.Errors.ByType(gin.ErrorTypePrivate) {
			errs = append(errs, e.Err)
		}
		response := slog.Group(
			"response",
			"status_code", c.Writer.Status(),
			"body_size", c.Writer.Size(),
		)
		if len(errs) > 0 {
			requestLogger.Error(
				fmt.Sprintf("%s %s finished with errors", c.Request.Method, c.Request.URL.Path),
				"duration", latency,
				tint.Err(errors.Join(errs...)),
				response,
			)
			return
		}
		requestLogger.Info(
			fmt.Sprintf("%s %s finished", c.Request.Method, c.Request.URL.Path),
			"duration", latency,
			response,
		)
	}
}

// metricMiddleware counts requests per method and route
func metricMiddleware(s *httpServer) gin.HandlerFunc {
	return func(c *gin.Context) {
		route := c.FullPath()
		if route == "" {
			route = "unmatched"
		}
		key := c.Request.Method + " " + route

		s.requestMetricsMu.Lock()
		s.requestMetrics[key]++
		s.requestMetricsMu.Unlock()

		c.Next()
	}
}

// requestContext returns the request's context with the request logger
// attached, for passing to services.
func requestContext(c *gin.Context, logger *slog.Logger) context.Context {
	return WithLogger(c.Request.Context(), ginContextLogger(c, logger))
}

//nolint:gochecknoinits // register the tag name before any validation
func init() {
	structValidator.SetTagName("binding")
}
