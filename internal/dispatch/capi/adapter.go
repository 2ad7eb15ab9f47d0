// Package capi delivers conversion events to a server-to-server pixel events
// API (Graph API "events" edge shape).
package capi

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
	"conversion_dispatch_backend/platform/config"
)

const (
	SecretPixelID       = "pixel_id"
	SecretAccessToken   = "access_token"
	SecretTestEventCode = "test_event_code"

	defaultTimeout  = 10 * time.Second
	maxResponseBody = 1 << 20
)

// authCodes are credential problems; the integration is flagged ERROR.
var authCodes = map[int]bool{
	190: true, // invalid or expired access token
	102: true, // session key invalid
	10:  true, // permission denied
	200: true, // permissions error
}

// invalidParameterCodes reject the event itself; retrying cannot help.
var invalidParameterCodes = map[int]bool{
	100:  true, // invalid parameter
	803:  true, // unknown object (pixel id)
	2804: true, // event rejected by validation
}

// Adapter implements dispatch.Adapter.
type Adapter struct {
	client   *http.Client
	baseURL  string
	version  string
	timeout  time.Duration
	taxonomy *Taxonomy
}

func New(cfg config.CAPIConfig) (*Adapter, error) {
	taxonomy, err := LoadTaxonomy(cfg.GetCAPITaxonomyFile())
	if err != nil {
		return nil, err
	}
	return NewWithClient(&http.Client{}, cfg.GetCAPIBaseURL(), cfg.GetCAPIAPIVersion(), cfg.GetCAPITimeout(), taxonomy), nil
}

func NewWithClient(client *http.Client, baseURL, version string, timeout time.Duration, taxonomy *Taxonomy) *Adapter {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	return &Adapter{
		client:   client,
		baseURL:  strings.TrimRight(baseURL, "/"),
		version:  version,
		timeout:  timeout,
		taxonomy: taxonomy,
	}
}

func (a *Adapter) Platform() dispatch.Platform {
	return dispatch.PlatformCAPI
}

type eventsRequest struct {
	Data          []serverEvent `json:"data"`
	TestEventCode string        `json:"test_event_code,omitempty"`
}

type serverEvent struct {
	EventName      string     `json:"event_name"`
	EventTime      int64      `json:"event_time"`
	EventID        string     `json:"event_id"`
	ActionSource   string     `json:"action_source"`
	EventSourceURL string     `json:"event_source_url,omitempty"`
	UserData       userData   `json:"user_data"`
	CustomData     customData `json:"custom_data"`
}

type userData struct {
	Email           []string `json:"em,omitempty"`
	Phone           []string `json:"ph,omitempty"`
	FirstName       []string `json:"fn,omitempty"`
	LastName        []string `json:"ln,omitempty"`
	FBC             string   `json:"fbc,omitempty"`
	FBP             string   `json:"fbp,omitempty"`
	ClientIPAddress string   `json:"client_ip_address,omitempty"`
	UserAgent       string   `json:"client_user_agent,omitempty"`
}

type customData struct {
	Value    float64 `json:"value"`
	Currency string  `json:"currency,omitempty"`
}

type eventsResponse struct {
	EventsReceived int       `json:"events_received"`
	FBTraceID      string    `json:"fbtrace_id"`
	Error          *apiError `json:"error"`
}

type apiError struct {
	Message      string `json:"message"`
	Type         string `json:"type"`
	Code         int    `json:"code"`
	ErrorSubcode int    `json:"error_subcode"`
}

// buildEvent maps a job snapshot onto the destination event shape.
// Only identifiers that are present are sent.
func (a *Adapter) buildEvent(job dispatch.Job) serverEvent {
	ev := serverEvent{
		EventName:      a.taxonomy.Lookup(job.EventName),
		EventTime:      job.EventTime.Unix(),
		EventID:        job.EventID,
		ActionSource:   "system_generated",
		EventSourceURL: job.Source.URL,
		UserData: userData{
			Email:           nonEmpty(job.Identifiers.Email),
			Phone:           nonEmpty(job.Identifiers.Phone),
			FirstName:       nonEmpty(job.Identifiers.FirstName),
			LastName:        nonEmpty(job.Identifiers.LastName),
			FBC:             job.ClickIDs.FBC,
			FBP:             job.ClickIDs.FBP,
			ClientIPAddress: job.Source.ClientIP,
			UserAgent:       job.Source.UserAgent,
		},
		CustomData: customData{
			Value:    job.Value.InexactFloat64(),
			Currency: job.Currency,
		},
	}
	if job.Source.URL != "" && job.Source.UserAgent != "" {
		ev.ActionSource = "website"
	}
	if job.EventTime.IsZero() {
		ev.EventTime = job.SnapshotAt.Unix()
	}
	return ev
}

func (a *Adapter) Deliver(ctx context.Context, job dispatch.Job, cred dispatch.Credential) (dispatch.Result, error) {
	pixelID := cred.Secret(SecretPixelID)
	token := cred.Secret(SecretAccessToken)
	if pixelID == "" || token == "" {
		return dispatch.Result{}, dispatch.TerminalAuth("missing_credentials", "pixel id and access token are required")
	}

	body, err := json.Marshal(eventsRequest{
		Data:          []serverEvent{a.buildEvent(job)},
		TestEventCode: cred.Secret(SecretTestEventCode),
	})
	if err != nil {
		return dispatch.Result{}, dispatch.Terminal("encode", err.Error())
	}

	ctx, cancel := context.WithTimeout(ctx, a.timeout)
	defer cancel()

	endpoint := fmt.Sprintf("%s/%s/%s/events", a.baseURL, a.version, url.PathEscape(pixelID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return dispatch.Result{}, dispatch.Terminal("request", err.Error())
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := a.client.Do(req)
	if err != nil {
		return dispatch.Result{}, classifyTransport(err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBody))
	if err != nil {
		return dispatch.Result{}, classifyTransport(err)
	}

	var parsed eventsResponse
	_ = json.Unmarshal(raw, &parsed)

	if resp.StatusCode >= 200 && resp.StatusCode < 300 && parsed.Error == nil {
		return dispatch.Result{Accepted: max(parsed.EventsReceived, 1)}, nil
	}
	if parsed.Error != nil {
		return dispatch.Result{}, classifyAPIError(parsed.Error)
	}
	return dispatch.Result{}, dispatch.Transient("http_"+strconv.Itoa(resp.StatusCode), fmt.Errorf("unexpected status %d", resp.StatusCode))
}

// classifyAPIError maps a destination error to terminal only for the closed
// set of known permanent codes.
func classifyAPIError(e *apiError) error {
	code := strconv.Itoa(e.Code)
	switch {
	case authCodes[e.Code]:
		return dispatch.TerminalAuth(code, e.Message)
	case invalidParameterCodes[e.Code]:
		return dispatch.Terminal(code, e.Message)
	default:
		return dispatch.Transient(code, errors.New(e.Message))
	}
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

func nonEmpty(v string) []string {
	if v == "" {
		return nil
	}
	return []string{v}
}
