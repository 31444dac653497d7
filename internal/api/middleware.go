package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/npezzotti/go-chatrelay/internal/auth"
	"github.com/npezzotti/go-chatrelay/internal/types"
	"go.uber.org/zap"
)

type contextKey string

const userKey contextKey = "user"

func WithUser(ctx context.Context, user types.User) context.Context {
	return context.WithValue(ctx, userKey, user)
}

func UserFromContext(ctx context.Context) (types.User, bool) {
	user, ok := ctx.Value(userKey).(types.User)
	return user, ok
}

func (a *App) errorHandler(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				if err == http.ErrAbortHandler {
					panic(err)
				}
				var panicError error
				switch e := err.(type) {
				case error:
					panicError = e
				default:
					panicError = fmt.Errorf("%v", e)
				}
				a.log.Error("panic serving request", zap.Error(panicError), zap.String("path", r.URL.Path))
				errResp := NewInternalServerError(panicError)
				w.Header().Set("Connection", "close")
				a.writeJson(w, errResp.StatusCode, errResp)
				return
			}
		}()

		next.ServeHTTP(w, r)
	})
}

func (a *App) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)

		a.log.Debug("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}

// authMiddleware resolves the caller from the request credential. Failures
// are answered before any websocket upgrade takes place.
func (a *App) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, err := a.principals.Resolve(r.Context(), auth.TokenFromRequest(r))
		if err != nil {
			a.log.Debug("authentication failed", zap.Error(err))
			errResp := errorFromErr(err)
			a.writeJson(w, errResp.StatusCode, errResp)
			return
		}

		w.Header().Set("Cache-Control", "no-store, no-cache, must-revalidate, private")
		next.ServeHTTP(w, r.WithContext(WithUser(r.Context(), user)))
	})
}
