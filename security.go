package main

import (
	"net/http"
	"strings"
)

const (
	headerAuthorization             = "Authorization"
	headerContentType               = "Content-Type"
	headerOrigin                    = "Origin"
	headerRetryAfter                = "Retry-After"
	headerForwardedFor              = "X-Forwarded-For"
	headerRealIP                    = "X-Real-IP"
	headerAccessControlAllowOrigin  = "Access-Control-Allow-Origin"
	headerAccessControlAllowHeaders = "Access-Control-Allow-Headers"
	headerAccessControlAllowMethods = "Access-Control-Allow-Methods"
	headerAccessControlMaxAge       = "Access-Control-Max-Age"
	headerVary                      = "Vary"
	headerRateLimitLimit            = "X-RateLimit-Limit"
	headerRateLimitRemaining        = "X-RateLimit-Remaining"
	headerRateLimitReset            = "X-RateLimit-Reset"

	headerAllowHeadersValue = "Content-Type, X-Request-ID"
	headerAllowMethodsValue = "POST, OPTIONS"
	headerMaxAgeValue       = "600"
	contentTypeJSON         = "application/json"

	anonymousClientKey = "anonymous"
)

// checkOrigin grants CORS headers only to allow-listed origins. Rejected requests get a
// 403 without any Access-Control header so the browser blocks the real call.
func (gateway *gateway) checkOrigin(httpResponseWriter http.ResponseWriter, httpRequest *http.Request) bool {
	originHeader := httpRequest.Header.Get(headerOrigin)
	if _, isAllowed := gateway.config.AllowedOrigins[originHeader]; !isAllowed || originHeader == "" {
		gateway.respondError(httpResponseWriter, httpRequest, &OriginError{Origin: originHeader})
		return false
	}
	httpResponseWriter.Header().Set(headerAccessControlAllowOrigin, originHeader)
	httpResponseWriter.Header().Add(headerVary, headerOrigin)
	httpResponseWriter.Header().Set(headerAccessControlAllowHeaders, headerAllowHeadersValue)
	httpResponseWriter.Header().Set(headerAccessControlAllowMethods, headerAllowMethodsValue)
	httpResponseWriter.Header().Set(headerAccessControlMaxAge, headerMaxAgeValue)
	return true
}

// clientKey identifies the caller for rate limiting: the first X-Forwarded-For entry,
// then X-Real-IP, then a shared anonymous bucket. Both headers are only trustworthy
// behind a reverse proxy that rewrites them.
func clientKey(httpRequest *http.Request) string {
	if forwardedFor := httpRequest.Header.Get(headerForwardedFor); forwardedFor != "" {
		firstHop, _, _ := strings.Cut(forwardedFor, ",")
		if firstHop = strings.TrimSpace(firstHop); firstHop != "" {
			return firstHop
		}
	}
	if realIP := strings.TrimSpace(httpRequest.Header.Get(headerRealIP)); realIP != "" {
		return realIP
	}
	return anonymousClientKey
}

func rateKey(routeName string, httpRequest *http.Request) string {
	return routeName + "|" + clientKey(httpRequest)
}

func bearerValue(token string) string {
	return "Bearer " + token
}
