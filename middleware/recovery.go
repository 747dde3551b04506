package middleware

import (
	"fmt"
	"net/http"
	"runtime/debug"

	"go.uber.org/zap"
)

// Recover turns a panic in next into a 500 response.
func Recover(log *zap.SugaredLogger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				log.Errorw("Panic recovered",
					"path", r.URL.Path,
					"error", rec,
					"stack", string(debug.Stack()))
				http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			}
		}()
		next.ServeHTTP(w, r)
	})
}

// RecoverMiddleware wraps a long running task so that a panic is logged and
// returned as an error instead of crashing the process.
func RecoverMiddleware(log *zap.SugaredLogger, name string, next func() error) func() error {
	return func() (err error) {
		defer func() {
			if rec := recover(); rec != nil {
				log.Errorw("Panic recovered",
					"task", name,
					"error", rec,
					"stack", string(debug.Stack()))
				err = fmt.Errorf("%s: panic: %v", name, rec)
			}
		}()
		return next()
	}
}
