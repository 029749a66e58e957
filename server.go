package main

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

const (
	routeOrder   = "/api/order"
	routeSession = "/api/session"
	routeHealth  = "/health"
)

func newGateway(gatewayConfig serverConfig, limiter windowStore, upstream cdpAPI, logger *zap.Logger) *gateway {
	return &gateway{
		config:            gatewayConfig,
		logger:            logger,
		limiter:           limiter,
		upstream:          upstream,
		now:               timeNow,
		newPartnerUserRef: newPartnerUserRef,
	}
}

func newRouter(apiGateway *gateway) http.Handler {
	router := chi.NewRouter()
	router.Use(withRequestID)
	router.Use(withAccessLog(apiGateway.logger))
	router.Use(withRecovery(apiGateway.logger))

	router.NotFound(func(httpResponseWriter http.ResponseWriter, _ *http.Request) {
		httpErrorJSON(httpResponseWriter, http.StatusNotFound, "not found")
	})
	router.Get(routeHealth, apiGateway.handleHealth)
	router.HandleFunc(routeOrder, apiGateway.handleOrder)
	router.HandleFunc(routeSession, apiGateway.handleSession)
	return router
}

func newHTTPServer(gatewayConfig serverConfig, apiGateway *gateway) *http.Server {
	return &http.Server{
		Addr:              gatewayConfig.ListenAddress,
		Handler:           newRouter(apiGateway),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      60 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}

// tiny indirection to ease testing (can be stubbed)
var timeNow = func() time.Time { return time.Now() }
