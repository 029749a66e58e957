package main

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const (
	testAllowedOrigin  = "http://localhost:3000"
	testPartnerUserRef = "onramp-test-ref"
	validOrderBody     = `{"email":"buyer@example.com","phoneNumber":"+12345678901","amount":"25.00","asset":"usdc","network":"base","destinationAddress":"0xabc"}`
	validSessionBody   = `{"addresses":[{"address":"0xabc","blockchains":["base","ethereum"]}],"assets":["USDC"]}`
)

type stubCDP struct {
	mutex           sync.Mutex
	sessionRequests []sessionRequest
	orderRequests   []cdpOrderRequest
	callError       error
}

func (stub *stubCDP) createSessionToken(_ context.Context, request sessionRequest) (sessionTokenResponse, error) {
	stub.mutex.Lock()
	defer stub.mutex.Unlock()
	stub.sessionRequests = append(stub.sessionRequests, request)
	if stub.callError != nil {
		return sessionTokenResponse{}, stub.callError
	}
	return sessionTokenResponse{Token: "session-token", ChannelID: "channel-1"}, nil
}

func (stub *stubCDP) createOrder(_ context.Context, order cdpOrderRequest) (cdpOrderResponse, error) {
	stub.mutex.Lock()
	defer stub.mutex.Unlock()
	stub.orderRequests = append(stub.orderRequests, order)
	if stub.callError != nil {
		return cdpOrderResponse{}, stub.callError
	}
	var response cdpOrderResponse
	response.Order.OrderID = "order-123"
	response.PaymentLink.URL = "https://pay.coinbase.com/link/order-123"
	return response, nil
}

func (stub *stubCDP) calls() int {
	stub.mutex.Lock()
	defer stub.mutex.Unlock()
	return len(stub.sessionRequests) + len(stub.orderRequests)
}

type failingWindowStore struct{}

func (failingWindowStore) Allow(context.Context, string, RatePolicy) (RateDecision, error) {
	return RateDecision{}, errors.New("store offline")
}

func newTestConfig() serverConfig {
	baseURL, _ := url.Parse("https://api.cdp.coinbase.com")
	return serverConfig{
		ListenAddress:   ":0",
		AllowedOrigins:  map[string]struct{}{testAllowedOrigin: {}},
		CDPKeyName:      testKeyID,
		CDPBaseURL:      baseURL,
		UpstreamTimeout: 10 * time.Second,
		RatePolicies: map[string]RatePolicy{
			routeNameOrder:   {Limit: 10, Window: time.Minute},
			routeNameSession: {Limit: 20, Window: time.Minute},
		},
		SweepInterval:    time.Hour,
		RateLimitBackend: rateLimitBackendMemory,
		Environment:      defaultEnvironment,
		ShutdownTimeout:  time.Second,
	}
}

func newTestGateway(t *testing.T, gatewayConfig serverConfig, upstream cdpAPI) (*gateway, *fakeClock) {
	t.Helper()
	clock := newFakeClock()
	apiGateway := newGateway(gatewayConfig, newTestRateLimiter(t, clock), upstream, zap.NewNop())
	apiGateway.now = clock.Now
	apiGateway.newPartnerUserRef = func() string { return testPartnerUserRef }
	return apiGateway, clock
}

func sendAPIRequest(handler http.Handler, method string, path string, origin string, clientIP string, body string) *httptest.ResponseRecorder {
	request := httptest.NewRequest(method, "http://gateway.example"+path, strings.NewReader(body))
	if origin != "" {
		request.Header.Set(headerOrigin, origin)
	}
	if clientIP != "" {
		request.Header.Set(headerForwardedFor, clientIP+", 10.0.0.1")
	}
	request.Header.Set(headerContentType, contentTypeJSON)
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, request)
	return recorder
}

func decodeErrorBody(t *testing.T, recorder *httptest.ResponseRecorder) errorResponse {
	t.Helper()
	var body errorResponse
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &body), recorder.Body.String())
	return body
}

func TestDisallowedOriginIsForbiddenWithoutCorsHeaders(t *testing.T) {
	upstream := &stubCDP{}
	apiGateway, _ := newTestGateway(t, newTestConfig(), upstream)
	router := newRouter(apiGateway)

	for _, path := range []string{routeOrder, routeSession} {
		for _, method := range []string{http.MethodOptions, http.MethodPost} {
			recorder := sendAPIRequest(router, method, path, "https://evil.example.com", "203.0.113.9", validOrderBody)
			assert.Equal(t, http.StatusForbidden, recorder.Code, "%s %s", method, path)
			assert.Empty(t, recorder.Header().Get(headerAccessControlAllowOrigin), "%s %s", method, path)
			assert.Empty(t, recorder.Header().Get(headerAccessControlAllowHeaders), "%s %s", method, path)
			assert.Equal(t, messageOriginNotAllowed, decodeErrorBody(t, recorder).Error)
		}
	}

	missingOrigin := sendAPIRequest(router, http.MethodPost, routeOrder, "", "203.0.113.9", validOrderBody)
	assert.Equal(t, http.StatusForbidden, missingOrigin.Code)
	assert.Zero(t, upstream.calls())
}

func TestAllowedOriginPreflight(t *testing.T) {
	apiGateway, _ := newTestGateway(t, newTestConfig(), &stubCDP{})
	recorder := sendAPIRequest(newRouter(apiGateway), http.MethodOptions, routeSession, testAllowedOrigin, "", "")

	assert.Equal(t, http.StatusNoContent, recorder.Code)
	assert.Equal(t, testAllowedOrigin, recorder.Header().Get(headerAccessControlAllowOrigin))
	assert.Equal(t, headerAllowHeadersValue, recorder.Header().Get(headerAccessControlAllowHeaders))
	assert.Equal(t, headerAllowMethodsValue, recorder.Header().Get(headerAccessControlAllowMethods))
	assert.Equal(t, headerOrigin, recorder.Header().Get(headerVary))
}

func TestApiRoutesRejectOtherMethods(t *testing.T) {
	apiGateway, _ := newTestGateway(t, newTestConfig(), &stubCDP{})
	recorder := sendAPIRequest(newRouter(apiGateway), http.MethodGet, routeOrder, testAllowedOrigin, "", "")
	assert.Equal(t, http.StatusMethodNotAllowed, recorder.Code)
	assert.Equal(t, headerAllowMethodsValue, recorder.Header().Get("Allow"))
	body := decodeErrorBody(t, recorder)
	assert.Equal(t, "method not allowed", body.Error)
	assert.NotEmpty(t, body.RequestID)
	assert.Equal(t, recorder.Header().Get(headerRequestID), body.RequestID)
}

func TestOrderRouteRateLimitsEleventhRequest(t *testing.T) {
	upstream := &stubCDP{}
	apiGateway, clock := newTestGateway(t, newTestConfig(), upstream)
	router := newRouter(apiGateway)

	for requestNumber := 1; requestNumber <= 10; requestNumber++ {
		recorder := sendAPIRequest(router, http.MethodPost, routeOrder, testAllowedOrigin, "198.51.100.20", validOrderBody)
		require.Equal(t, http.StatusOK, recorder.Code, "request %d: %s", requestNumber, recorder.Body.String())
		assert.Equal(t, strconv.Itoa(10-requestNumber), recorder.Header().Get(headerRateLimitRemaining))
		clock.Advance(time.Second)
	}

	rejected := sendAPIRequest(router, http.MethodPost, routeOrder, testAllowedOrigin, "198.51.100.20", validOrderBody)
	require.Equal(t, http.StatusTooManyRequests, rejected.Code)
	assert.Equal(t, "50", rejected.Header().Get(headerRetryAfter))
	rejectedBody := decodeErrorBody(t, rejected)
	assert.Equal(t, messageRateLimited, rejectedBody.Error)
	assert.Equal(t, 50, rejectedBody.RetryAfter)
	assert.Equal(t, 10, upstream.calls(), "rejected request must not reach the provider")

	otherClient := sendAPIRequest(router, http.MethodPost, routeOrder, testAllowedOrigin, "198.51.100.21", validOrderBody)
	assert.Equal(t, http.StatusOK, otherClient.Code)

	sessionRoute := sendAPIRequest(router, http.MethodPost, routeSession, testAllowedOrigin, "198.51.100.20", validSessionBody)
	assert.Equal(t, http.StatusOK, sessionRoute.Code, "routes keep separate quotas")

	clock.Advance(50 * time.Second)
	afterReset := sendAPIRequest(router, http.MethodPost, routeOrder, testAllowedOrigin, "198.51.100.20", validOrderBody)
	assert.Equal(t, http.StatusOK, afterReset.Code)
}

func TestOrderRoutePhoneNumberValidation(t *testing.T) {
	apiGateway, _ := newTestGateway(t, newTestConfig(), &stubCDP{})
	router := newRouter(apiGateway)

	accepted := sendAPIRequest(router, http.MethodPost, routeOrder, testAllowedOrigin, "192.0.2.1", validOrderBody)
	assert.Equal(t, http.StatusOK, accepted.Code)

	// +1 followed by exactly ten digits; "+1234567890" has only nine after the +1.
	for _, phoneNumber := range []string{"+123456789", "12345678901", "+1234567890", "+22345678901"} {
		body := strings.Replace(validOrderBody, "+12345678901", phoneNumber, 1)
		recorder := sendAPIRequest(router, http.MethodPost, routeOrder, testAllowedOrigin, "192.0.2.1", body)
		require.Equal(t, http.StatusBadRequest, recorder.Code, phoneNumber)
		assert.Contains(t, recorder.Body.String(), phoneNumberExample, phoneNumber)
	}
}

func TestOrderRouteCreatesApplePayOrder(t *testing.T) {
	upstream := &stubCDP{}
	apiGateway, clock := newTestGateway(t, newTestConfig(), upstream)

	recorder := sendAPIRequest(newRouter(apiGateway), http.MethodPost, routeOrder, testAllowedOrigin, "192.0.2.2", validOrderBody)
	require.Equal(t, http.StatusOK, recorder.Code, recorder.Body.String())

	var response orderResponse
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &response))
	assert.Equal(t, orderResponse{
		OrderID:        "order-123",
		PaymentLinkURL: "https://pay.coinbase.com/link/order-123",
		PartnerUserRef: testPartnerUserRef,
	}, response)

	require.Len(t, upstream.orderRequests, 1)
	sentOrder := upstream.orderRequests[0]
	assert.Equal(t, paymentMethodApplePay, sentOrder.PaymentMethod)
	assert.Equal(t, "USDC", sentOrder.PurchaseCurrency)
	assert.Equal(t, "base", sentOrder.DestinationNetwork)
	assert.Equal(t, "25.00", sentOrder.PaymentAmount)
	assert.Equal(t, paymentCurrencyUSD, sentOrder.PaymentCurrency)
	assert.Equal(t, testPartnerUserRef, sentOrder.PartnerUserReference)
	assert.Equal(t, clock.Now().UTC().Format(time.RFC3339), sentOrder.AgreementAcceptedAt)
}

func TestOrderRouteValidationErrorsListFields(t *testing.T) {
	upstream := &stubCDP{}
	apiGateway, _ := newTestGateway(t, newTestConfig(), upstream)
	router := newRouter(apiGateway)

	recorder := sendAPIRequest(router, http.MethodPost, routeOrder, testAllowedOrigin, "192.0.2.3", `{"email":"nope","amount":"-1"}`)
	require.Equal(t, http.StatusBadRequest, recorder.Code)
	var body struct {
		Error   string            `json:"error"`
		Details map[string]string `json:"details"`
	}
	require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &body))
	for _, field := range []string{"email", "phoneNumber", "amount", "asset", "network", "destinationAddress"} {
		assert.Contains(t, body.Details, field)
	}

	malformed := sendAPIRequest(router, http.MethodPost, routeOrder, testAllowedOrigin, "192.0.2.3", `{"email":`)
	assert.Equal(t, http.StatusBadRequest, malformed.Code)
	assert.Zero(t, upstream.calls())
}

func TestSessionRouteReturnsToken(t *testing.T) {
	upstream := &stubCDP{}
	apiGateway, _ := newTestGateway(t, newTestConfig(), upstream)

	recorder := sendAPIRequest(newRouter(apiGateway), http.MethodPost, routeSession, testAllowedOrigin, "192.0.2.4", validSessionBody)
	require.Equal(t, http.StatusOK, recorder.Code, recorder.Body.String())
	assert.JSONEq(t, `{"token":"session-token","channel_id":"channel-1"}`, recorder.Body.String())
	assert.Equal(t, testAllowedOrigin, recorder.Header().Get(headerAccessControlAllowOrigin))
	require.Len(t, upstream.sessionRequests, 1)
	assert.Equal(t, []string{"base", "ethereum"}, upstream.sessionRequests[0].Addresses[0].Blockchains)
}

func TestSessionRouteRequiresAddresses(t *testing.T) {
	apiGateway, _ := newTestGateway(t, newTestConfig(), &stubCDP{})
	recorder := sendAPIRequest(newRouter(apiGateway), http.MethodPost, routeSession, testAllowedOrigin, "192.0.2.5", `{"addresses":[]}`)
	assert.Equal(t, http.StatusBadRequest, recorder.Code)
	assert.Contains(t, recorder.Body.String(), "addresses")
}

func TestUpstreamErrorIsRelayed(t *testing.T) {
	upstreamFailure := &UpstreamError{Status: http.StatusUnprocessableEntity, Message: "invalid destination address", Body: `{"message":"invalid destination address","raw":true}`}

	developmentGateway, _ := newTestGateway(t, newTestConfig(), &stubCDP{callError: upstreamFailure})
	developmentResponse := sendAPIRequest(newRouter(developmentGateway), http.MethodPost, routeSession, testAllowedOrigin, "192.0.2.6", validSessionBody)
	require.Equal(t, http.StatusUnprocessableEntity, developmentResponse.Code)
	developmentBody := decodeErrorBody(t, developmentResponse)
	assert.Equal(t, "invalid destination address", developmentBody.Error)
	assert.Equal(t, upstreamFailure.Body, developmentBody.Details)

	productionConfig := newTestConfig()
	productionConfig.Environment = environmentProduction
	productionGateway, _ := newTestGateway(t, productionConfig, &stubCDP{callError: upstreamFailure})
	productionResponse := sendAPIRequest(newRouter(productionGateway), http.MethodPost, routeSession, testAllowedOrigin, "192.0.2.6", validSessionBody)
	require.Equal(t, http.StatusUnprocessableEntity, productionResponse.Code)
	assert.NotContains(t, productionResponse.Body.String(), "raw")
}

func TestUpstreamTimeoutIsRetryable(t *testing.T) {
	timeoutFailure := &UpstreamError{Status: http.StatusGatewayTimeout, Message: messageUpstreamTimeout, Timeout: true, Cause: context.DeadlineExceeded}
	apiGateway, _ := newTestGateway(t, newTestConfig(), &stubCDP{callError: timeoutFailure})

	recorder := sendAPIRequest(newRouter(apiGateway), http.MethodPost, routeOrder, testAllowedOrigin, "192.0.2.7", validOrderBody)
	require.Equal(t, http.StatusGatewayTimeout, recorder.Code)
	body := decodeErrorBody(t, recorder)
	assert.True(t, body.Retryable)
	assert.Equal(t, messageUpstreamTimeout, body.Error)
}

func TestSigningFailureIsGenericAuthenticationError(t *testing.T) {
	authFailure := &AuthError{Cause: errors.New("x509: malformed private key near MHcCAQEE")}
	apiGateway, _ := newTestGateway(t, newTestConfig(), &stubCDP{callError: authFailure})

	recorder := sendAPIRequest(newRouter(apiGateway), http.MethodPost, routeSession, testAllowedOrigin, "192.0.2.8", validSessionBody)
	require.Equal(t, http.StatusInternalServerError, recorder.Code)
	assert.Equal(t, messageAuthenticationFailed, decodeErrorBody(t, recorder).Error)
	assert.NotContains(t, recorder.Body.String(), "x509")
	assert.NotContains(t, recorder.Body.String(), "MHcCAQEE")
}

func TestLimiterStoreFailureIsInternalError(t *testing.T) {
	upstream := &stubCDP{}
	apiGateway := newGateway(newTestConfig(), failingWindowStore{}, upstream, zap.NewNop())

	recorder := sendAPIRequest(newRouter(apiGateway), http.MethodPost, routeSession, testAllowedOrigin, "192.0.2.9", validSessionBody)
	assert.Equal(t, http.StatusInternalServerError, recorder.Code)
	assert.Equal(t, messageInternalError, decodeErrorBody(t, recorder).Error)
	assert.Zero(t, upstream.calls())
}

func TestHealthReportsStoredWindows(t *testing.T) {
	apiGateway, _ := newTestGateway(t, newTestConfig(), &stubCDP{})
	router := newRouter(apiGateway)
	sendAPIRequest(router, http.MethodPost, routeSession, testAllowedOrigin, "192.0.2.10", validSessionBody)

	recorder := httptest.NewRecorder()
	router.ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, routeHealth, nil))
	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.JSONEq(t, `{"status":"ok","rateLimitKeys":1}`, recorder.Body.String())
}
