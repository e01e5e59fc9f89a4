// Package telephonyapi is the outbound-call control-plane REST client
// (§9.1 supplemented feature: outbound-call precompute). It issues the
// telephony provider's call-initiation request and can poll call status,
// generalized from a single provider's account/auth shape into one any
// REST-based telephony provider can satisfy.
package telephonyapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/troikatech/voicebridge/pkg/client"
)

// Config parameterises one Client's connection to the telephony provider's
// control-plane REST API.
type Config struct {
	BaseURL    string
	AccountSID string
	APIKey     string
	APIToken   string
	Timeout    time.Duration
}

// Client issues outbound-call control requests against the telephony
// provider's REST API. The underlying transport is shared with other
// control-plane callers via pkg/client.HTTPClient, so retries and circuit
// breaking are already in place.
type Client struct {
	cfg  Config
	http *client.HTTPClient
}

// New creates a Client; cfg.Timeout defaults to 30s if unset.
func New(cfg Config) *Client {
	if cfg.Timeout == 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Client{
		cfg:  cfg,
		http: client.NewHTTPClient("telephonyapi", cfg.Timeout),
	}
}

// ConnectCallRequest initiates an outbound call that will be bridged to
// the media-stream WebSocket once the provider connects it.
type ConnectCallRequest struct {
	From            string `json:"from"`
	To              string `json:"to"`
	CallerID        string `json:"caller_id"`
	CallbackURL     string `json:"callback_url,omitempty"`
	MediaStreamURL  string `json:"media_stream_url"`
	CustomParameter string `json:"custom_parameter,omitempty"`
}

// ConnectCallResponse is the provider's acknowledgement of an outbound-call
// request; CallSID becomes the key the Session is pre-registered under.
type ConnectCallResponse struct {
	CallSID   string `json:"call_sid"`
	Status    string `json:"status"`
	Direction string `json:"direction"`
}

// ConnectCall places an outbound call via the provider's REST API. The
// returned CallSID is the same identifier the provider's telephony
// WebSocket `start` frame will carry as CallSID, letting the caller
// pre-register a Session in the Registry ahead of the WebSocket attaching.
func (c *Client) ConnectCall(ctx context.Context, req ConnectCallRequest) (*ConnectCallResponse, error) {
	endpoint := fmt.Sprintf("%s/accounts/%s/calls/connect", c.cfg.BaseURL, c.cfg.AccountSID)

	resp, err := c.http.Post(ctx, endpoint, req, c.authHeaders())
	if err != nil {
		return nil, fmt.Errorf("telephonyapi: connect call: %w", err)
	}
	defer resp.Body.Close()

	return decodeConnectCallResponse(resp)
}

func decodeConnectCallResponse(resp *http.Response) (*ConnectCallResponse, error) {
	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("telephonyapi: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, fmt.Errorf("telephonyapi: connect call failed: %s (status %d)", string(body), resp.StatusCode)
	}

	var out ConnectCallResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("telephonyapi: decode response: %w", err)
	}
	return &out, nil
}

// CallStatusResponse reports the provider's current view of a call,
// used by the status control-plane endpoint when a caller asks for the
// outcome of a call after it has ended.
type CallStatusResponse struct {
	CallSID   string `json:"call_sid"`
	Status    string `json:"status"`
	Direction string `json:"direction"`
	From      string `json:"from"`
	To        string `json:"to"`
	StartTime string `json:"start_time"`
	EndTime   string `json:"end_time"`
	DurationS int    `json:"duration_seconds"`
}

// GetCallStatus polls the provider for a call's current status.
func (c *Client) GetCallStatus(ctx context.Context, callSID string) (*CallStatusResponse, error) {
	endpoint := fmt.Sprintf("%s/accounts/%s/calls/%s", c.cfg.BaseURL, c.cfg.AccountSID, callSID)

	resp, err := c.http.Get(ctx, endpoint, c.authHeaders())
	if err != nil {
		return nil, fmt.Errorf("telephonyapi: get call status: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("telephonyapi: read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("telephonyapi: get call status failed: %s (status %d)", string(body), resp.StatusCode)
	}

	var out CallStatusResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, fmt.Errorf("telephonyapi: decode response: %w", err)
	}
	return &out, nil
}

func (c *Client) authHeaders() map[string]string {
	return map[string]string{
		"Authorization": "Bearer " + c.cfg.APIKey,
		"X-Api-Token":   c.cfg.APIToken,
	}
}
