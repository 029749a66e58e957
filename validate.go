package main

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"net/mail"
	"regexp"
	"strconv"
	"strings"
)

const (
	maxRequestBodyBytes = 64 << 10
	phoneNumberExample  = "+12345678901"
)

var (
	phoneNumberPattern = regexp.MustCompile(`^\+1\d{10}$`)
	amountPattern      = regexp.MustCompile(`^\d+(\.\d+)?$`)
)

type orderRequest struct {
	Email              string `json:"email"`
	PhoneNumber        string `json:"phoneNumber"`
	Amount             string `json:"amount"`
	Asset              string `json:"asset"`
	Network            string `json:"network"`
	DestinationAddress string `json:"destinationAddress"`
}

type sessionAddress struct {
	Address     string   `json:"address"`
	Blockchains []string `json:"blockchains"`
}

type sessionRequest struct {
	Addresses []sessionAddress `json:"addresses"`
	Assets    []string         `json:"assets,omitempty"`
}

// decodeJSONBody reads at most maxRequestBodyBytes and reports malformed JSON as a
// ValidationError.
func decodeJSONBody(httpRequest *http.Request, destination any) error {
	defer httpRequest.Body.Close()
	limitedBody := io.LimitReader(httpRequest.Body, maxRequestBodyBytes+1)
	requestBodyBytes, readBodyError := io.ReadAll(limitedBody)
	if readBodyError != nil {
		return &ValidationError{Message: "unable to read request body"}
	}
	if len(requestBodyBytes) > maxRequestBodyBytes {
		return &ValidationError{Message: "request body too large"}
	}
	if unmarshalError := json.Unmarshal(requestBodyBytes, destination); unmarshalError != nil {
		var syntaxError *json.SyntaxError
		var typeError *json.UnmarshalTypeError
		switch {
		case errors.As(unmarshalError, &typeError):
			return &ValidationError{Message: "invalid request body", Fields: map[string]string{typeError.Field: "has the wrong type"}}
		case errors.As(unmarshalError, &syntaxError):
			return &ValidationError{Message: "request body is not valid JSON"}
		default:
			return &ValidationError{Message: "invalid request body"}
		}
	}
	return nil
}

// validatePhoneNumber accepts US numbers in E.164 form only.
func validatePhoneNumber(phoneNumber string) error {
	if !phoneNumberPattern.MatchString(phoneNumber) {
		return &ValidationError{
			Message: "invalid phone number",
			Fields:  map[string]string{"phoneNumber": "must be +1 followed by 10 digits, for example " + phoneNumberExample},
		}
	}
	return nil
}

// normalize trims every field and returns a ValidationError listing each bad field.
func (request *orderRequest) normalize() error {
	request.Email = strings.TrimSpace(request.Email)
	request.PhoneNumber = strings.TrimSpace(request.PhoneNumber)
	request.Amount = strings.TrimSpace(request.Amount)
	request.Asset = strings.ToUpper(strings.TrimSpace(request.Asset))
	request.Network = strings.ToLower(strings.TrimSpace(request.Network))
	request.DestinationAddress = strings.TrimSpace(request.DestinationAddress)

	fieldErrors := make(map[string]string)
	if request.Email == "" {
		fieldErrors["email"] = "is required"
	} else if parsedAddress, parseError := mail.ParseAddress(request.Email); parseError != nil || parsedAddress.Address != request.Email {
		fieldErrors["email"] = "is not a valid email address"
	}
	if request.PhoneNumber == "" {
		fieldErrors["phoneNumber"] = "is required, for example " + phoneNumberExample
	} else if phoneError := validatePhoneNumber(request.PhoneNumber); phoneError != nil {
		fieldErrors["phoneNumber"] = phoneError.(*ValidationError).Fields["phoneNumber"]
	}
	if request.Amount == "" {
		fieldErrors["amount"] = "is required"
	} else if !validAmount(request.Amount) {
		fieldErrors["amount"] = "must be a positive decimal number, for example 25.00"
	}
	if request.Asset == "" {
		fieldErrors["asset"] = "is required"
	}
	if request.Network == "" {
		fieldErrors["network"] = "is required"
	}
	if request.DestinationAddress == "" {
		fieldErrors["destinationAddress"] = "is required"
	}

	if len(fieldErrors) > 0 {
		return &ValidationError{Message: "invalid order request", Fields: fieldErrors}
	}
	return nil
}

// validAmount accepts plain positive decimals such as 25 or 25.00.
func validAmount(amount string) bool {
	if !amountPattern.MatchString(amount) {
		return false
	}
	parsedAmount, parseError := strconv.ParseFloat(amount, 64)
	return parseError == nil && !math.IsInf(parsedAmount, 0) && parsedAmount > 0
}

func (request *sessionRequest) normalize() error {
	if len(request.Addresses) == 0 {
		return &ValidationError{Message: "invalid session request", Fields: map[string]string{"addresses": "at least one address is required"}}
	}
	fieldErrors := make(map[string]string)
	for addressIndex := range request.Addresses {
		entry := &request.Addresses[addressIndex]
		entry.Address = strings.TrimSpace(entry.Address)
		fieldPrefix := "addresses[" + strconv.Itoa(addressIndex) + "]"
		if entry.Address == "" {
			fieldErrors[fieldPrefix+".address"] = "is required"
		}
		entry.Blockchains = compactStrings(entry.Blockchains)
		if len(entry.Blockchains) == 0 {
			fieldErrors[fieldPrefix+".blockchains"] = "at least one blockchain is required"
		}
	}
	request.Assets = compactStrings(request.Assets)

	if len(fieldErrors) > 0 {
		return &ValidationError{Message: "invalid session request", Fields: fieldErrors}
	}
	return nil
}

func compactStrings(values []string) []string {
	compacted := make([]string, 0, len(values))
	for _, value := range values {
		if trimmed := strings.TrimSpace(value); trimmed != "" {
			compacted = append(compacted, trimmed)
		}
	}
	if len(compacted) == 0 {
		return nil
	}
	return compacted
}
