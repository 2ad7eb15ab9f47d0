// Package offline uploads click conversions to an ad platform's batch
// conversion-upload API (Google Ads uploadClickConversions shape).
package offline

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"conversion_dispatch_backend/internal/dispatch"
	"conversion_dispatch_backend/internal/tokencache"
	"conversion_dispatch_backend/platform/config"
	"conversion_dispatch_backend/platform/phone"
)

const (
	SecretCustomerID       = "customer_id"
	SecretLoginCustomerID  = "login_customer_id"
	SecretDeveloperToken   = "developer_token"
	SecretClientID         = "client_id"
	SecretClientSecret     = "client_secret"
	SecretRefreshToken     = "refresh_token"
	SecretConversionAction = "conversion_action"

	defaultTimeout     = 10 * time.Second
	maxResponseBody    = 1 << 20
	conversionTimeForm = "2006-01-02 15:04:05-07:00"
)

// Adapter implements dispatch.Adapter.
type Adapter struct {
	client   *http.Client
	baseURL  string
	version  string
	tokenURL string
	timeout  time.Duration
	tokens   *tokencache.Cache
	now      func() time.Time
}

func New(cfg config.OfflineConfig, tokens *tokencache.Cache) *Adapter {
	return NewWithClient(&http.Client{}, cfg.GetOfflineBaseURL(), cfg.GetOfflineAPIVersion(), cfg.GetOfflineTokenURL(), cfg.GetOfflineTimeout(), tokens)
}

func NewWithClient(client *http.Client, baseURL, version, tokenURL string, timeout time.Duration, tokens *tokencache.Cache) *Adapter {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if tokens == nil {
		tokens = tokencache.New(tokencache.DefaultRefreshMargin)
	}
	return &Adapter{
		client:   client,
		baseURL:  strings.TrimRight(baseURL, "/"),
		version:  version,
		tokenURL: tokenURL,
		timeout:  timeout,
		tokens:   tokens,
		now:      time.Now,
	}
}

func (a *Adapter) Platform() dispatch.Platform {
	return dispatch.PlatformOffline
}

type uploadRequest struct {
	Conversions    []clickConversion `json:"conversions"`
	PartialFailure bool              `json:"partialFailure"`
}

type clickConversion struct {
	GCLID              string           `json:"gclid,omitempty"`
	GBRAID             string           `json:"gbraid,omitempty"`
	WBRAID             string           `json:"wbraid,omitempty"`
	ConversionAction   string           `json:"conversionAction"`
	ConversionDateTime string           `json:"conversionDateTime"`
	ConversionValue    float64          `json:"conversionValue"`
	CurrencyCode       string           `json:"currencyCode,omitempty"`
	OrderID            string           `json:"orderId"`
	UserIdentifiers    []userIdentifier `json:"userIdentifiers,omitempty"`
}

type userIdentifier struct {
	HashedEmail       string `json:"hashedEmail,omitempty"`
	HashedPhoneNumber string `json:"hashedPhoneNumber,omitempty"`
}

// Deliver uploads one conversion. Jobs with neither a click id nor any hashed
// identifier have nothing to match on and are skipped.
func (a *Adapter) Deliver(ctx context.Context, job dispatch.Job, cred dispatch.Credential) (dispatch.Result, error) {
	if !job.ClickIDs.HasOfflineClickID() && !job.Identifiers.Any() {
		return dispatch.Result{Skipped: true, Reason: "no click id or hashed identifier"}, nil
	}

	customerID := phone.DigitsOnly(cred.Secret(SecretCustomerID))
	if customerID == "" || cred.Secret(SecretRefreshToken) == "" || cred.Secret(SecretDeveloperToken) == "" {
		return dispatch.Result{}, dispatch.TerminalAuth("missing_credentials", "customer id, developer token and refresh token are required")
	}

	accessToken, err := a.tokens.Get(ctx, customerID, a.fetchToken(cred))
	if err != nil {
		var term *dispatch.TerminalError
		var transient *dispatch.TransientError
		if errors.As(err, &term) || errors.As(err, &transient) {
			return dispatch.Result{}, err
		}
		return dispatch.Result{}, dispatch.Transient("token", err)
	}

	body, err := json.Marshal(uploadRequest{
		Conversions:    []clickConversion{buildConversion(job, customerID, cred.Secret(SecretConversionAction))},
		PartialFailure: true,
	})
	if err != nil {
		return dispatch.Result{}, dispatch.Terminal("encode", err.Error())
	}

	res, err := a.upload(ctx, customerID, accessToken, cred, body)
	if term, ok := dispatch.AsTerminal(err); ok && term.AuthClass {
		a.tokens.Invalidate(customerID)
	}
	return res, err
}

func (a *Adapter) upload(ctx context.Context, customerID, accessToken string, cred dispatch.Credential, body []byte) (dispatch.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	endpoint := fmt.Sprintf("%s/%s/customers/%s:uploadClickConversions", a.baseURL, a.version, customerID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return dispatch.Result{}, dispatch.Terminal("request", err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+accessToken)
	req.Header.Set("developer-token", cred.Secret(SecretDeveloperToken))
	if login := phone.DigitsOnly(cred.Secret(SecretLoginCustomerID)); login != "" {
		req.Header.Set("login-customer-id", login)
	}

	resp, err := a.client.Do(req)
	if err != nil {
		return dispatch.Result{}, classifyTransport(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return dispatch.Result{}, classifyTransport(err)
	}

	var parsed uploadResponse
	decodeErr := json.Unmarshal(raw, &parsed)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		if decodeErr != nil {
			return dispatch.Result{}, dispatch.Transient("decode", decodeErr)
		}
		return interpret(parsed, 1)
	}

	if parsed.Error != nil {
		return dispatch.Result{}, classify(firstFailure(parsed.Error), parsed.Error.Status)
	}
	if resp.StatusCode == http.StatusUnauthorized || resp.StatusCode == http.StatusForbidden {
		return dispatch.Result{}, dispatch.TerminalAuth("http_"+strconv.Itoa(resp.StatusCode), "upload rejected credentials")
	}
	return dispatch.Result{}, dispatch.Transient("http_"+strconv.Itoa(resp.StatusCode), fmt.Errorf("unexpected status %d", resp.StatusCode))
}

func buildConversion(job dispatch.Job, customerID, action string) clickConversion {
	eventTime := job.EventTime
	if eventTime.IsZero() {
		eventTime = job.SnapshotAt
	}

	c := clickConversion{
		GCLID:              job.ClickIDs.GCLID,
		ConversionAction:   conversionActionName(customerID, action),
		ConversionDateTime: eventTime.UTC().Format(conversionTimeForm),
		ConversionValue:    job.Value.InexactFloat64(),
		CurrencyCode:       job.Currency,
		OrderID:            job.EventID,
	}
	// Only one click id may be set per conversion.
	if c.GCLID == "" {
		c.GBRAID = job.ClickIDs.GBRAID
		if c.GBRAID == "" {
			c.WBRAID = job.ClickIDs.WBRAID
		}
	}
	if job.Identifiers.Email != "" {
		c.UserIdentifiers = append(c.UserIdentifiers, userIdentifier{HashedEmail: job.Identifiers.Email})
	}
	if job.Identifiers.Phone != "" {
		c.UserIdentifiers = append(c.UserIdentifiers, userIdentifier{HashedPhoneNumber: job.Identifiers.Phone})
	}
	return c
}

func conversionActionName(customerID, action string) string {
	if strings.HasPrefix(action, "customers/") {
		return action
	}
	return fmt.Sprintf("customers/%s/conversionActions/%s", customerID, action)
}

// classifyTransport drops the request URL from client errors; the text ends
// up in stored last_error and audit rows.
func classifyTransport(err error) error {
	var netErr net.Error
	timeout := errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout())
	var urlErr *url.Error
	if errors.As(err, &urlErr) {
		err = fmt.Errorf("%s request: %w", strings.ToLower(urlErr.Op), urlErr.Err)
	}
	if timeout {
		return dispatch.Transient("timeout", err)
	}
	return dispatch.Transient("transport", err)
}
