package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

const (
	sessionTokenPath = "/onramp/v1/token"
	orderPath        = "/platform/v2/onramp/orders"

	maxUpstreamBodyBytes   = 1 << 20
	maxUpstreamMessageSize = 200

	paymentMethodApplePay = "GUEST_CHECKOUT_APPLE_PAY"
	paymentCurrencyUSD    = "USD"
)

type sessionTokenResponse struct {
	Token     string `json:"token"`
	ChannelID string `json:"channel_id"`
}

type cdpOrderRequest struct {
	PaymentAmount        string `json:"paymentAmount"`
	PaymentCurrency      string `json:"paymentCurrency"`
	PurchaseCurrency     string `json:"purchaseCurrency"`
	PaymentMethod        string `json:"paymentMethod"`
	DestinationNetwork   string `json:"destinationNetwork"`
	DestinationAddress   string `json:"destinationAddress"`
	Email                string `json:"email"`
	PhoneNumber          string `json:"phoneNumber"`
	PhoneNumberVerified  string `json:"phoneNumberVerifiedAt"`
	AgreementAcceptedAt  string `json:"agreementAcceptedAt"`
	PartnerUserReference string `json:"partnerUserRef"`
}

type cdpOrderResponse struct {
	Order struct {
		OrderID string `json:"orderId"`
		Status  string `json:"status"`
	} `json:"order"`
	PaymentLink struct {
		URL  string `json:"url"`
		Type string `json:"paymentLinkType"`
	} `json:"paymentLink"`
}

// cdpClient signs and sends requests to the CDP REST API. Each call gets its own
// credential and its own deadline derived from the caller's context.
type cdpClient struct {
	baseURL    *url.URL
	httpClient *http.Client
	signer     *TokenSigner
	throttle   *rate.Limiter
	timeout    time.Duration
	logger     *zap.Logger
}

func newCDPClient(gatewayConfig serverConfig, signer *TokenSigner, logger *zap.Logger) *cdpClient {
	throttleLimit := rate.Inf
	throttleBurst := 1
	if gatewayConfig.UpstreamRatePerSecond > 0 {
		throttleLimit = rate.Limit(gatewayConfig.UpstreamRatePerSecond)
		throttleBurst = max(1, int(gatewayConfig.UpstreamRatePerSecond))
	}
	return &cdpClient{
		baseURL:    gatewayConfig.CDPBaseURL,
		httpClient: &http.Client{},
		signer:     signer,
		throttle:   rate.NewLimiter(throttleLimit, throttleBurst),
		timeout:    gatewayConfig.UpstreamTimeout,
		logger:     logger,
	}
}

func (client *cdpClient) createSessionToken(ctx context.Context, request sessionRequest) (sessionTokenResponse, error) {
	var response sessionTokenResponse
	if callError := client.call(ctx, http.MethodPost, sessionTokenPath, request, &response); callError != nil {
		return sessionTokenResponse{}, callError
	}
	if response.Token == "" {
		return sessionTokenResponse{}, &UpstreamError{Status: http.StatusBadGateway, Message: "payment provider returned no session token"}
	}
	return response, nil
}

func (client *cdpClient) createOrder(ctx context.Context, order cdpOrderRequest) (cdpOrderResponse, error) {
	var response cdpOrderResponse
	if callError := client.call(ctx, http.MethodPost, orderPath, order, &response); callError != nil {
		return cdpOrderResponse{}, callError
	}
	if response.Order.OrderID == "" || response.PaymentLink.URL == "" {
		return cdpOrderResponse{}, &UpstreamError{Status: http.StatusBadGateway, Message: "payment provider returned an incomplete order"}
	}
	return response, nil
}

// call signs method+host+path for the exact endpoint, sends requestBody as JSON and
// decodes a 2xx reply into responseBody. No retries happen here.
func (client *cdpClient) call(ctx context.Context, method string, path string, requestBody any, responseBody any) error {
	callContext, cancelCall := context.WithTimeout(ctx, client.timeout)
	defer cancelCall()

	if waitError := client.throttle.Wait(callContext); waitError != nil {
		if errors.Is(waitError, context.Canceled) {
			return fmt.Errorf("wait for upstream slot: %w", waitError)
		}
		return &UpstreamError{Status: http.StatusServiceUnavailable, Message: messageUpstreamTimeout, Timeout: true, Cause: waitError}
	}

	endpoint := client.baseURL.JoinPath(path)
	credential, signError := client.signer.Sign(method, endpoint.Host, endpoint.Path)
	if signError != nil {
		return signError
	}

	encodedBody, marshalError := json.Marshal(requestBody)
	if marshalError != nil {
		return fmt.Errorf("encode upstream request: %w", marshalError)
	}
	upstreamRequest, buildError := http.NewRequestWithContext(callContext, method, endpoint.String(), bytes.NewReader(encodedBody))
	if buildError != nil {
		return fmt.Errorf("build upstream request: %w", buildError)
	}
	upstreamRequest.Header.Set(headerAuthorization, bearerValue(credential.Token))
	upstreamRequest.Header.Set(headerContentType, contentTypeJSON)
	upstreamRequest.Header.Set("Accept", contentTypeJSON)

	startedAt := time.Now()
	upstreamResponse, doError := client.httpClient.Do(upstreamRequest)
	if doError != nil {
		if errors.Is(doError, context.DeadlineExceeded) || errors.Is(callContext.Err(), context.DeadlineExceeded) {
			return &UpstreamError{Status: http.StatusGatewayTimeout, Message: messageUpstreamTimeout, Timeout: true, Cause: doError}
		}
		return &UpstreamError{Status: http.StatusBadGateway, Message: messageUpstreamUnavailable, Cause: doError}
	}
	defer upstreamResponse.Body.Close()

	responseBytes, readError := io.ReadAll(io.LimitReader(upstreamResponse.Body, maxUpstreamBodyBytes))
	if readError != nil {
		return &UpstreamError{Status: http.StatusBadGateway, Message: messageUpstreamUnavailable, Cause: readError}
	}

	client.logger.Debug("cdp call finished",
		zap.String("method", method),
		zap.String("path", endpoint.Path),
		zap.Int("status", upstreamResponse.StatusCode),
		zap.Duration("elapsed", time.Since(startedAt)))

	if upstreamResponse.StatusCode < 200 || upstreamResponse.StatusCode > 299 {
		return &UpstreamError{
			Status:  upstreamResponse.StatusCode,
			Message: upstreamMessage(responseBytes, upstreamResponse.StatusCode),
			Body:    string(responseBytes),
		}
	}

	if decodeError := json.Unmarshal(responseBytes, responseBody); decodeError != nil {
		return &UpstreamError{
			Status:  http.StatusBadGateway,
			Message: "unexpected response from payment provider",
			Body:    string(responseBytes),
			Cause:   decodeError,
		}
	}
	return nil
}

// upstreamMessage extracts a short human readable message from a CDP error body.
func upstreamMessage(responseBytes []byte, statusCode int) string {
	var errorBody struct {
		Message      string `json:"message"`
		ErrorMessage string `json:"errorMessage"`
		Error        any    `json:"error"`
	}
	message := ""
	if json.Unmarshal(responseBytes, &errorBody) == nil {
		switch {
		case errorBody.Message != "":
			message = errorBody.Message
		case errorBody.ErrorMessage != "":
			message = errorBody.ErrorMessage
		default:
			if errorText, isString := errorBody.Error.(string); isString {
				message = errorText
			}
		}
	}
	message = strings.Join(strings.Fields(message), " ")
	if message == "" {
		if statusText := http.StatusText(statusCode); statusText != "" {
			return "payment provider error: " + strings.ToLower(statusText)
		}
		return "payment provider error: status " + strconv.Itoa(statusCode)
	}
	if len(message) > maxUpstreamMessageSize {
		message = message[:maxUpstreamMessageSize]
	}
	return message
}
