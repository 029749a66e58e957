package main

import (
	"context"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// cdpAPI is the slice of the CDP client the handlers depend on.
type cdpAPI interface {
	createSessionToken(ctx context.Context, request sessionRequest) (sessionTokenResponse, error)
	createOrder(ctx context.Context, order cdpOrderRequest) (cdpOrderResponse, error)
}

type gateway struct {
	config            serverConfig
	logger            *zap.Logger
	limiter           windowStore
	upstream          cdpAPI
	now               func() time.Time
	newPartnerUserRef func() string
}

type orderResponse struct {
	OrderID        string `json:"orderId"`
	PaymentLinkURL string `json:"paymentLinkUrl"`
	PartnerUserRef string `json:"partnerUserRef"`
}

type healthResponse struct {
	Status        string `json:"status"`
	RateLimitKeys *int   `json:"rateLimitKeys,omitempty"`
}

// admit runs the checks every API route shares, in order: origin, preflight, method,
// rate limit. It returns false once a response has been written.
func (gateway *gateway) admit(httpResponseWriter http.ResponseWriter, httpRequest *http.Request, routeName string) bool {
	if !gateway.checkOrigin(httpResponseWriter, httpRequest) {
		return false
	}
	if httpRequest.Method == http.MethodOptions {
		httpResponseWriter.WriteHeader(http.StatusNoContent)
		return false
	}
	if httpRequest.Method != http.MethodPost {
		httpResponseWriter.Header().Set("Allow", headerAllowMethodsValue)
		writeJSON(httpResponseWriter, http.StatusMethodNotAllowed, errorResponse{
			Error:     "method not allowed",
			RequestID: requestIDFromContext(httpRequest.Context()),
		})
		return false
	}

	decision, limiterError := gateway.limiter.Allow(httpRequest.Context(), rateKey(routeName, httpRequest), gateway.config.ratePolicy(routeName))
	if limiterError != nil {
		gateway.respondError(httpResponseWriter, httpRequest, fmt.Errorf("rate limit check: %w", limiterError))
		return false
	}
	httpResponseWriter.Header().Set(headerRateLimitLimit, strconv.Itoa(decision.Limit))
	httpResponseWriter.Header().Set(headerRateLimitRemaining, strconv.Itoa(decision.Remaining))
	httpResponseWriter.Header().Set(headerRateLimitReset, strconv.FormatInt(decision.ResetAt.Unix(), 10))
	if !decision.Admitted {
		gateway.respondError(httpResponseWriter, httpRequest, &RateLimitError{RetryAfterSeconds: decision.RetryAfter(gateway.now())})
		return false
	}
	return true
}

func (gateway *gateway) handleOrder(httpResponseWriter http.ResponseWriter, httpRequest *http.Request) {
	if !gateway.admit(httpResponseWriter, httpRequest, routeNameOrder) {
		return
	}

	var incomingOrder orderRequest
	if decodeError := decodeJSONBody(httpRequest, &incomingOrder); decodeError != nil {
		gateway.respondError(httpResponseWriter, httpRequest, decodeError)
		return
	}
	if validationError := incomingOrder.normalize(); validationError != nil {
		gateway.respondError(httpResponseWriter, httpRequest, validationError)
		return
	}

	acceptedAt := gateway.now().UTC().Format(time.RFC3339)
	partnerUserRef := gateway.newPartnerUserRef()
	createdOrder, orderError := gateway.upstream.createOrder(httpRequest.Context(), cdpOrderRequest{
		PaymentAmount:        incomingOrder.Amount,
		PaymentCurrency:      paymentCurrencyUSD,
		PurchaseCurrency:     incomingOrder.Asset,
		PaymentMethod:        paymentMethodApplePay,
		DestinationNetwork:   incomingOrder.Network,
		DestinationAddress:   incomingOrder.DestinationAddress,
		Email:                incomingOrder.Email,
		PhoneNumber:          incomingOrder.PhoneNumber,
		PhoneNumberVerified:  acceptedAt,
		AgreementAcceptedAt:  acceptedAt,
		PartnerUserReference: partnerUserRef,
	})
	if orderError != nil {
		gateway.respondError(httpResponseWriter, httpRequest, orderError)
		return
	}

	gateway.logger.Info("order created",
		zap.String("request_id", requestIDFromContext(httpRequest.Context())),
		zap.String("order_id", createdOrder.Order.OrderID),
		zap.String("partner_user_ref", partnerUserRef))
	writeJSON(httpResponseWriter, http.StatusOK, orderResponse{
		OrderID:        createdOrder.Order.OrderID,
		PaymentLinkURL: createdOrder.PaymentLink.URL,
		PartnerUserRef: partnerUserRef,
	})
}

func (gateway *gateway) handleSession(httpResponseWriter http.ResponseWriter, httpRequest *http.Request) {
	if !gateway.admit(httpResponseWriter, httpRequest, routeNameSession) {
		return
	}

	var incomingSession sessionRequest
	if decodeError := decodeJSONBody(httpRequest, &incomingSession); decodeError != nil {
		gateway.respondError(httpResponseWriter, httpRequest, decodeError)
		return
	}
	if validationError := incomingSession.normalize(); validationError != nil {
		gateway.respondError(httpResponseWriter, httpRequest, validationError)
		return
	}

	sessionToken, sessionError := gateway.upstream.createSessionToken(httpRequest.Context(), incomingSession)
	if sessionError != nil {
		gateway.respondError(httpResponseWriter, httpRequest, sessionError)
		return
	}
	writeJSON(httpResponseWriter, http.StatusOK, sessionToken)
}

func (gateway *gateway) handleHealth(httpResponseWriter http.ResponseWriter, _ *http.Request) {
	response := healthResponse{Status: "ok"}
	if sizedStore, isSized := gateway.limiter.(interface{ Len() int }); isSized {
		storedWindows := sizedStore.Len()
		response.RateLimitKeys = &storedWindows
	}
	writeJSON(httpResponseWriter, http.StatusOK, response)
}

func newPartnerUserRef() string {
	return "onramp-" + uuid.NewString()
}
