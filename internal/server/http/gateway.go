// Package httpserver exposes the outpass API as JSON over HTTP. Handlers
// delegate to the gRPC handler set in-process so both transports share role
// checks and redaction.
package httpserver

import (
	"context"
	"net/http"
	"time"

	"github.com/labstack/echo/v4"
	"github.com/labstack/echo/v4/middleware"
	"go.uber.org/zap"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/and161185/hostel-outpass/internal/api"
	"github.com/and161185/hostel-outpass/internal/auth"
	grpcserver "github.com/and161185/hostel-outpass/internal/server/grpc"
)

// Pinger reports storage readiness for /healthz.
type Pinger interface {
	Ping(ctx context.Context) error
}

// New builds the echo instance with every route registered.
func New(h grpcserver.OutpassServer, v *auth.Verifier, db Pinger, log *zap.Logger) *echo.Echo {
	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.HTTPErrorHandler = errorHandler(log)
	e.Use(middleware.Recover())
	e.Use(requestLogger(log))

	e.GET("/healthz", health(db))

	g := e.Group("/api/v1", RequireAuth(v))

	g.POST("/passes", bind(h.Submit))
	g.GET("/passes/current", empty(h.ListCurrent))
	g.GET("/passes/history", empty(h.ListHistory))
	g.GET("/passes/can-submit", empty(h.CanSubmit))
	g.GET("/passes/pending", empty(h.ListPending))
	g.GET("/passes/active", empty(h.ListActive))
	g.GET("/passes/:id", byID(h.GetPass))
	g.GET("/passes/:id/events", byID(h.GetEvents))
	g.POST("/passes/:id/approve", byID(h.Approve))
	g.POST("/passes/:id/reject", byID(h.Reject))
	g.POST("/passes/:id/regenerate", byID(h.Regenerate))

	g.POST("/scan/out", bind(h.ScanOut))
	g.POST("/scan/in", bind(h.ScanIn))
	g.POST("/verify", bind(h.Verify))
	g.GET("/stats", stats(h.Stats))

	return e
}

// RequireAuth verifies the bearer token and stores the principal in the
// request context.
func RequireAuth(v *auth.Verifier) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			tok, ok := auth.BearerToken(c.Request().Header.Get(echo.HeaderAuthorization))
			if !ok {
				return echo.NewHTTPError(http.StatusUnauthorized, "MISSING_AUTH_HEADER")
			}
			p, err := v.Verify(tok)
			if err != nil {
				return echo.NewHTTPError(http.StatusUnauthorized, "INVALID_TOKEN")
			}
			p.Source = c.RealIP()
			req := c.Request()
			c.SetRequest(req.WithContext(auth.WithPrincipal(req.Context(), p)))
			return next(c)
		}
	}
}

func bind[Req, Resp any](call func(context.Context, *Req) (*Resp, error)) echo.HandlerFunc {
	return func(c echo.Context) error {
		in := new(Req)
		if err := c.Bind(in); err != nil {
			return echo.NewHTTPError(http.StatusBadRequest, "INVALID_BODY")
		}
		return reply(c, call, in)
	}
}

func byID[Resp any](call func(context.Context, *api.PassIDRequest) (*Resp, error)) echo.HandlerFunc {
	return func(c echo.Context) error {
		return reply(c, call, &api.PassIDRequest{ID: c.Param("id")})
	}
}

func empty[Resp any](call func(context.Context, *api.Empty) (*Resp, error)) echo.HandlerFunc {
	return func(c echo.Context) error {
		return reply(c, call, &api.Empty{})
	}
}

func stats(call func(context.Context, *api.StatsRequest) (*api.StatsResponse, error)) echo.HandlerFunc {
	return func(c echo.Context) error {
		in := &api.StatsRequest{}
		if s := c.QueryParam("day_start"); s != "" {
			t, err := time.Parse(time.RFC3339, s)
			if err != nil {
				return echo.NewHTTPError(http.StatusBadRequest, "INVALID_DAY_START")
			}
			in.DayStart = t
		}
		return reply(c, call, in)
	}
}

func reply[Req, Resp any](c echo.Context, call func(context.Context, *Req) (*Resp, error), in *Req) error {
	out, err := call(c.Request().Context(), in)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, out)
}

func health(db Pinger) echo.HandlerFunc {
	return func(c echo.Context) error {
		if db != nil {
			ctx, cancel := context.WithTimeout(c.Request().Context(), 2*time.Second)
			defer cancel()
			if err := db.Ping(ctx); err != nil {
				return c.JSON(http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			}
		}
		return c.JSON(http.StatusOK, map[string]string{"status": "ok"})
	}
}

// httpStatus maps gRPC codes produced by the handler set to HTTP statuses.
func httpStatus(c codes.Code) int {
	switch c {
	case codes.InvalidArgument:
		return http.StatusBadRequest
	case codes.FailedPrecondition:
		return http.StatusConflict
	case codes.PermissionDenied:
		return http.StatusForbidden
	case codes.NotFound:
		return http.StatusNotFound
	case codes.Unavailable:
		return http.StatusServiceUnavailable
	case codes.ResourceExhausted:
		return http.StatusTooManyRequests
	case codes.Unauthenticated:
		return http.StatusUnauthorized
	default:
		return http.StatusInternalServerError
	}
}

type errorBody struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

func errorHandler(log *zap.Logger) echo.HTTPErrorHandler {
	return func(err error, c echo.Context) {
		if c.Response().Committed {
			return
		}
		code, body := http.StatusInternalServerError, errorBody{Error: "internal"}
		if he, ok := err.(*echo.HTTPError); ok {
			code = he.Code
			if msg, ok := he.Message.(string); ok {
				body.Error = msg
			} else {
				body.Error = http.StatusText(code)
			}
		} else if st, ok := status.FromError(err); ok {
			code = httpStatus(st.Code())
			body = errorBody{Error: st.Message(), Code: st.Code().String()}
		}
		if code >= http.StatusInternalServerError {
			log.Error("http request failed", zap.String("path", c.Path()), zap.Error(err))
		}
		if c.Request().Method == http.MethodHead {
			_ = c.NoContent(code)
			return
		}
		_ = c.JSON(code, body)
	}
}

func requestLogger(log *zap.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) error {
			start := time.Now()
			err := next(c)
			if err != nil {
				c.Error(err)
			}
			fields := []zap.Field{
				zap.String("method", c.Request().Method),
				zap.String("route", c.Path()),
				zap.Int("status", c.Response().Status),
				zap.Duration("dur", time.Since(start)),
				zap.String("ip", c.RealIP()),
			}
			if p, ok := auth.FromContext(c.Request().Context()); ok {
				fields = append(fields, zap.String("sub", p.Subject), zap.String("role", string(p.Role)))
			}
			log.Info("http", fields...)
			return nil
		}
	}
}
