package middleware

import (
	"fmt"
	"net/http"
	"runtime"

	"github.com/labstack/echo/v4"
	"github.com/rs/zerolog"

	"github.com/ehr/billing/internal/platform/db"
)

// Recovery turns a handler panic into a 500 and logs the stack.
// http.ErrAbortHandler is re-raised so net/http can abort the response.
func Recovery(logger zerolog.Logger) echo.MiddlewareFunc {
	return func(next echo.HandlerFunc) echo.HandlerFunc {
		return func(c echo.Context) (err error) {
			defer func() {
				r := recover()
				if r == nil {
					return
				}
				if r == http.ErrAbortHandler {
					panic(r)
				}

				buf := make([]byte, 8<<10)
				buf = buf[:runtime.Stack(buf, false)]

				req := c.Request()
				rid, _ := c.Get("request_id").(string)
				evt := logger.Error()
				if perr, ok := r.(error); ok {
					evt = evt.Err(perr)
				}
				evt.
					Str("request_id", rid).
					Str("tenant_id", db.TenantFromContext(req.Context())).
					Str("route", c.Path()).
					Str("method", req.Method).
					Str("panic", fmt.Sprint(r)).
					Bytes("stack", buf).
					Msg("panic recovered")

				err = echo.NewHTTPError(http.StatusInternalServerError, "internal server error")
			}()
			return next(c)
		}
	}
}
