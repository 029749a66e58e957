package main

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"go.uber.org/zap"
)

const (
	messageAuthenticationFailed = "authentication failed"
	messageRateLimited          = "too many requests"
	messageOriginNotAllowed     = "origin not allowed"
	messageInternalError        = "internal error"
	messageUpstreamTimeout      = "payment provider did not respond in time"
	messageUpstreamUnavailable  = "payment provider unavailable"
)

// ValidationError reports malformed or missing request input.
type ValidationError struct {
	Message string
	Fields  map[string]string
}

func (validationError *ValidationError) Error() string {
	if len(validationError.Fields) == 0 {
		return validationError.Message
	}
	return fmt.Sprintf("%s: %v", validationError.Message, validationError.Fields)
}

// AuthError reports a signing key that could not be parsed or used. Cause is for
// internal logs only and never reaches the caller.
type AuthError struct {
	Cause error
}

func (authError *AuthError) Error() string {
	if authError.Cause == nil {
		return messageAuthenticationFailed
	}
	return messageAuthenticationFailed + ": " + authError.Cause.Error()
}

func (authError *AuthError) Unwrap() error { return authError.Cause }

// RateLimitError reports an exhausted quota.
type RateLimitError struct {
	RetryAfterSeconds int
}

func (rateLimitError *RateLimitError) Error() string {
	return fmt.Sprintf("%s, retry after %ds", messageRateLimited, rateLimitError.RetryAfterSeconds)
}

// UpstreamError reports a failed call to the CDP API.
type UpstreamError struct {
	Status  int
	Message string
	Body    string
	Timeout bool
	Cause   error
}

func (upstreamError *UpstreamError) Error() string {
	if upstreamError.Cause != nil {
		return fmt.Sprintf("upstream status %d: %s: %v", upstreamError.Status, upstreamError.Message, upstreamError.Cause)
	}
	return fmt.Sprintf("upstream status %d: %s", upstreamError.Status, upstreamError.Message)
}

func (upstreamError *UpstreamError) Unwrap() error { return upstreamError.Cause }

// OriginError reports a request whose Origin is not allow-listed.
type OriginError struct {
	Origin string
}

func (originError *OriginError) Error() string {
	return fmt.Sprintf("%s: %q", messageOriginNotAllowed, originError.Origin)
}

type errorResponse struct {
	Error      string `json:"error"`
	Details    any    `json:"details,omitempty"`
	RetryAfter int    `json:"retryAfter,omitempty"`
	Retryable  bool   `json:"retryable,omitempty"`
	RequestID  string `json:"requestId,omitempty"`
}

// respondError maps err onto the structured JSON error body. Raw upstream bodies are only
// exposed outside production.
func (gateway *gateway) respondError(httpResponseWriter http.ResponseWriter, httpRequest *http.Request, err error) {
	requestID := requestIDFromContext(httpRequest.Context())
	requestLogger := gateway.logger.With(
		zap.String("request_id", requestID),
		zap.String("path", httpRequest.URL.Path),
	)

	statusCode := http.StatusInternalServerError
	response := errorResponse{Error: messageInternalError, RequestID: requestID}

	var (
		validationError *ValidationError
		authError       *AuthError
		rateLimitError  *RateLimitError
		upstreamError   *UpstreamError
		originError     *OriginError
	)
	switch {
	case errors.As(err, &validationError):
		statusCode = http.StatusBadRequest
		response.Error = validationError.Message
		if len(validationError.Fields) > 0 {
			response.Details = validationError.Fields
		}
		requestLogger.Info("request rejected", zap.Int("status", statusCode), zap.Error(err))
	case errors.As(err, &originError):
		statusCode = http.StatusForbidden
		response.Error = messageOriginNotAllowed
		requestLogger.Warn("origin rejected", zap.String("origin", originError.Origin))
	case errors.As(err, &rateLimitError):
		statusCode = http.StatusTooManyRequests
		response.Error = messageRateLimited
		response.RetryAfter = rateLimitError.RetryAfterSeconds
		httpResponseWriter.Header().Set(headerRetryAfter, strconv.Itoa(rateLimitError.RetryAfterSeconds))
		requestLogger.Warn("rate limited", zap.Int("retry_after", rateLimitError.RetryAfterSeconds))
	case errors.As(err, &authError):
		response.Error = messageAuthenticationFailed
		requestLogger.Error("signing failed", zap.Error(err))
	case errors.As(err, &upstreamError):
		statusCode = upstreamError.Status
		if statusCode < http.StatusBadRequest {
			statusCode = http.StatusBadGateway
		}
		response.Error = upstreamError.Message
		response.Retryable = upstreamError.Timeout
		if !gateway.config.isProduction() && upstreamError.Body != "" {
			response.Details = upstreamError.Body
		}
		requestLogger.Error("upstream call failed",
			zap.Int("status", statusCode),
			zap.Bool("timeout", upstreamError.Timeout),
			zap.Error(err))
	default:
		requestLogger.Error("unhandled error", zap.Error(err))
	}

	writeJSON(httpResponseWriter, statusCode, response)
}

func httpErrorJSON(httpResponseWriter http.ResponseWriter, statusCode int, message string) {
	writeJSON(httpResponseWriter, statusCode, errorResponse{Error: message})
}

func writeJSON(httpResponseWriter http.ResponseWriter, statusCode int, payload any) {
	httpResponseWriter.Header().Set(headerContentType, contentTypeJSON)
	httpResponseWriter.WriteHeader(statusCode)
	_ = json.NewEncoder(httpResponseWriter).Encode(payload)
}
