package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"github.com/CenterForOpenScience/waterbutler/pkg/logger"
	"github.com/CenterForOpenScience/waterbutler/pkg/response"
	"github.com/CenterForOpenScience/waterbutler/pkg/wberror"
)

// Recovery catches any panic in downstream handlers, logs the stack trace,
// and returns a 500 in the standard error shape. Add it after Logger so the
// failed request still gets an access-log line.
func Recovery(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				logger.WithCtx(r.Context()).Error("panic recovered",
					"error", fmt.Sprintf("%v", err),
					"stack", string(debug.Stack()),
					"method", r.Method,
					"path", r.URL.Path,
				)
				response.Error(w, r, wberror.New(wberror.Unexpected, "internal server error"))
			}
		}()
		next.ServeHTTP(w, r)
	})
}
