package main

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"
)

const headerRequestID = "X-Request-ID"

type requestIDContextKey struct{}

// withRequestID propagates the caller's X-Request-ID or assigns a new UUID.
func withRequestID(next http.Handler) http.Handler {
	return http.HandlerFunc(func(httpResponseWriter http.ResponseWriter, httpRequest *http.Request) {
		requestID := httpRequest.Header.Get(headerRequestID)
		if requestID == "" || len(requestID) > 128 {
			requestID = uuid.NewString()
		}
		httpResponseWriter.Header().Set(headerRequestID, requestID)
		requestContext := context.WithValue(httpRequest.Context(), requestIDContextKey{}, requestID)
		next.ServeHTTP(httpResponseWriter, httpRequest.WithContext(requestContext))
	})
}

func requestIDFromContext(ctx context.Context) string {
	if requestID, isString := ctx.Value(requestIDContextKey{}).(string); isString {
		return requestID
	}
	return ""
}

// withAccessLog logs one line per request once the response is written.
func withAccessLog(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(httpResponseWriter http.ResponseWriter, httpRequest *http.Request) {
			wrappedWriter := middleware.NewWrapResponseWriter(httpResponseWriter, httpRequest.ProtoMajor)
			startedAt := time.Now()
			next.ServeHTTP(wrappedWriter, httpRequest)
			logger.Info("request",
				zap.String("request_id", requestIDFromContext(httpRequest.Context())),
				zap.String("method", httpRequest.Method),
				zap.String("path", httpRequest.URL.Path),
				zap.Int("status", wrappedWriter.Status()),
				zap.Int("bytes", wrappedWriter.BytesWritten()),
				zap.Duration("duration", time.Since(startedAt)),
				zap.String("client", clientKey(httpRequest)))
		})
	}
}

// withRecovery turns a handler panic into a 500 without leaking the panic value.
func withRecovery(logger *zap.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(httpResponseWriter http.ResponseWriter, httpRequest *http.Request) {
			defer func() {
				if recovered := recover(); recovered != nil {
					if recovered == http.ErrAbortHandler {
						panic(recovered)
					}
					logger.Error("handler panic",
						zap.String("request_id", requestIDFromContext(httpRequest.Context())),
						zap.Any("panic", recovered),
						zap.Stack("stack"))
					httpErrorJSON(httpResponseWriter, http.StatusInternalServerError, messageInternalError)
				}
			}()
			next.ServeHTTP(httpResponseWriter, httpRequest)
		})
	}
}
