package offline

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"conversion_dispatch_backend/internal/dispatch"
)

// nonRetryableCodes are upload verdicts that will not change on retry.
var nonRetryableCodes = map[string]bool{
	"EXPIRED_CLICK":                true,
	"CLICK_NOT_FOUND":              true,
	"INVALID_CLICK":                true,
	"UNPARSEABLE_GCLID":            true,
	"TOO_RECENT_CLICK":             true,
	"TOO_RECENT_CONVERSION_ACTION": true,
	"TOO_RECENT_EVENT":             true,
	"CONVERSION_PRECEDES_CLICK":    true,
}

// authCategories are error families that point at the credential, not the event.
var authCategories = map[string]bool{
	"authenticationError": true,
	"authorizationError":  true,
}

var authStatuses = map[string]bool{
	"UNAUTHENTICATED":   true,
	"PERMISSION_DENIED": true,
}

type uploadResponse struct {
	Results             []json.RawMessage `json:"results"`
	PartialFailureError *rpcStatus        `json:"partialFailureError"`
	Error               *rpcStatus        `json:"error"`
}

type rpcStatus struct {
	Code    int             `json:"code"`
	Message string          `json:"message"`
	Status  string          `json:"status"`
	Details []failureDetail `json:"details"`
}

type failureDetail struct {
	Errors []adsError `json:"errors"`
}

type adsError struct {
	ErrorCode map[string]string `json:"errorCode"`
	Message   string            `json:"message"`
}

// failure is one extracted error: its family ("conversionUploadError") and code.
type failure struct {
	Category string
	Code     string
	Message  string
}

// firstFailure pulls the first coded error out of a status. The shape varies
// between endpoints, so a missing code is reported with an empty Code.
func firstFailure(s *rpcStatus) failure {
	if s == nil {
		return failure{}
	}
	for _, d := range s.Details {
		for _, e := range d.Errors {
			for category, code := range e.ErrorCode {
				return failure{Category: category, Code: code, Message: e.Message}
			}
		}
	}
	return failure{Code: s.Status, Message: s.Message}
}

// classify turns one failure into a dispatch error.
func classify(f failure, status string) error {
	msg := f.Message
	if msg == "" {
		msg = "upload rejected"
	}
	code := f.Code
	if code == "" {
		code = "unknown"
	}
	switch {
	case authCategories[f.Category] || authStatuses[status] || authStatuses[f.Code]:
		return dispatch.TerminalAuth(code, msg)
	case nonRetryableCodes[f.Code]:
		return dispatch.Terminal(code, msg)
	default:
		return dispatch.Transient(code, errors.New(msg))
	}
}

// countResults splits results into accepted and rejected. A rejected item
// comes back as an empty object in its slot.
func countResults(results []json.RawMessage) (accepted, rejected int) {
	for _, r := range results {
		trimmed := strings.TrimSpace(string(r))
		if trimmed == "" || trimmed == "{}" || trimmed == "null" {
			rejected++
			continue
		}
		accepted++
	}
	return accepted, rejected
}

// interpret maps a 2xx upload response to a result. sent is the number of
// conversions in the request.
func interpret(resp uploadResponse, sent int) (dispatch.Result, error) {
	accepted, rejected := countResults(resp.Results)
	if len(resp.Results) == 0 && resp.PartialFailureError == nil {
		accepted = sent
	}
	if resp.PartialFailureError != nil && len(resp.Results) == 0 {
		rejected = sent
	}

	if accepted == 0 {
		f := firstFailure(resp.PartialFailureError)
		if resp.PartialFailureError == nil {
			return dispatch.Result{}, dispatch.Transient("unknown", fmt.Errorf("no conversion accepted"))
		}
		return dispatch.Result{}, classify(f, resp.PartialFailureError.Status)
	}
	return dispatch.Result{Accepted: accepted, Rejected: rejected}, nil
}
