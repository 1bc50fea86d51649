// Package httpapi exposes the engine over a JSON HTTP API.
package httpapi

import (
	"errors"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.opentelemetry.io/contrib/instrumentation/github.com/labstack/echo/otelecho"

	"github.com/petrijr/taskflow/pkg/api"
)

// ServiceName is reported to the tracing middleware.
const ServiceName = "taskflow"

// Server holds the dependencies for the API handlers.
type Server struct {
	engine api.Engine
	logger *slog.Logger
}

// NewServer creates a new Server. A nil logger uses slog.Default().
func NewServer(engine api.Engine, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{engine: engine, logger: logger}
}

// New returns an echo instance with middleware and all routes registered.
func New(engine api.Engine, logger *slog.Logger) *echo.Echo {
	s := NewServer(engine, logger)

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = s.handleEchoError

	e.Use(middleware.Recover())
	e.Use(otelecho.Middleware(ServiceName))
	e.Use(middleware.RequestLoggerWithConfig(middleware.RequestLoggerConfig{
		LogMethod:    true,
		LogURI:       true,
		LogStatus:    true,
		LogLatency:   true,
		LogRequestID: true,
		LogValuesFunc: func(c echo.Context, v middleware.RequestLoggerValues) error {
			s.logger.LogAttrs(c.Request().Context(), slog.LevelDebug, "http_request",
				slog.String("method", v.Method),
				slog.String("uri", v.URI),
				slog.Int("status", v.Status),
				slog.Duration("latency", v.Latency),
			)
			return nil
		},
	}))

	s.Register(e)
	return e
}

// Register mounts the routes on e.
func (s *Server) Register(e *echo.Echo) {
	e.GET("/healthz", s.Health)

	g := e.Group("/api/v1/work-items")
	g.POST("", s.Start)
	g.GET("", s.List)
	g.GET("/:id", s.Get)
	g.GET("/:id/history", s.History)
	g.POST("/:id/claim", s.Claim)
	g.POST("/:id/unclaim", s.Unclaim)
	g.POST("/:id/release", s.Release)
	g.POST("/:id/assign", s.Assign)
	g.POST("/:id/continue", s.Continue)
}

// Health returns basic health status (always returns 200 OK).
func (s *Server) Health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]any{
		"status":    "ok",
		"timestamp": time.Now().UTC(),
		"service":   ServiceName,
	})
}

// errBadRequest marks request validation failures.
var errBadRequest = errors.New("bad request")

// statusFor maps engine error kinds onto HTTP status codes.
func statusFor(err error) int {
	if errors.Is(err, errBadRequest) {
		return http.StatusBadRequest
	}
	switch api.KindOf(err) {
	case api.KindNotFound:
		return http.StatusNotFound
	case api.KindContention:
		return http.StatusConflict
	case api.KindConfiguration:
		return http.StatusUnprocessableEntity
	default:
		return http.StatusInternalServerError
	}
}

func codeFor(err error) string {
	if errors.Is(err, errBadRequest) {
		return "BadRequest"
	}
	return api.CodeOf(err)
}

// fail writes an error body. res may carry the state of an item that was
// persisted before the failure.
func (s *Server) fail(c echo.Context, err error, res *api.Result) error {
	status := statusFor(err)
	body := resultBody(res)
	body.Success = false
	body.Error = err.Error()
	body.Code = codeFor(err)

	if status >= http.StatusInternalServerError {
		s.logger.ErrorContext(c.Request().Context(), "request_failed",
			slog.String("method", c.Request().Method),
			slog.String("path", c.Path()),
			slog.Any("error", err),
		)
	}
	return c.JSON(status, body)
}

// handleEchoError renders routing and binding errors raised by echo itself
// in the API's body shape.
func (s *Server) handleEchoError(err error, c echo.Context) {
	if c.Response().Committed {
		return
	}
	var he *echo.HTTPError
	if errors.As(err, &he) {
		msg := http.StatusText(he.Code)
		if m, ok := he.Message.(string); ok {
			msg = m
		}
		_ = c.JSON(he.Code, resultResponse{Error: msg, Code: strings.ReplaceAll(http.StatusText(he.Code), " ", "")})
		return
	}
	_ = s.fail(c, err, nil)
}
