package transport

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/sponsa/sentinel/pkg/alertqueue"
	"github.com/sponsa/sentinel/pkg/auth"
)

// Options configures the backend client.
type Options struct {
	BaseURL        string
	RequestTimeout time.Duration
	RetryInitialMs int
	RetryMaxMs     int
	RetryMax       int
}

// Client talks to the backend: heartbeat sync and alert delivery. Every
// request body is signed with the device identity; the backend verifies the
// envelope against the key bound at enrollment.
type Client struct {
	baseURL  string
	client   *http.Client
	identity *auth.Identity
	retrier  *retrier
	logger   zerolog.Logger
}

func NewClient(opts Options, identity *auth.Identity, logger zerolog.Logger) *Client {
	timeout := opts.RequestTimeout
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	l := logger.With().Str("component", "transport").Logger()
	return &Client{
		baseURL:  strings.TrimRight(opts.BaseURL, "/"),
		client:   &http.Client{Timeout: timeout},
		identity: identity,
		retrier:  newRetrier(opts.RetryInitialMs, opts.RetryMaxMs, opts.RetryMax, l),
		logger:   l,
	}
}

// Heartbeat posts the sync payload and decodes the backend's answer.
func (c *Client) Heartbeat(ctx context.Context, payload SyncPayload) (*SyncResponse, error) {
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, err
	}

	var response SyncResponse
	err = c.retrier.do(ctx, func() error {
		return c.postSigned(ctx, "/v1/devices/"+payload.DeviceID+"/heartbeat", body, &response)
	})
	if err != nil {
		return nil, err
	}
	return &response, nil
}

// Deliver pushes one queued alert. Implements alertqueue.Deliverer. No
// retrier here: the queue's drain ordering is the retry mechanism.
func (c *Client) Deliver(ctx context.Context, alert alertqueue.Alert) error {
	body, err := json.Marshal(alert)
	if err != nil {
		return err
	}
	return c.postSigned(ctx, "/v1/devices/"+alert.DeviceID+"/alerts", body, nil)
}

func (c *Client) postSigned(ctx context.Context, path string, body []byte, out any) error {
	signed := auth.CreateSignedRequest(c.identity, body)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+path, bytes.NewReader(signed.Body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Sentinel-Device-ID", c.identity.DeviceID)
	req.Header.Set("X-Sentinel-Signature", signed.Signature)
	req.Header.Set("X-Sentinel-Timestamp", signed.Timestamp.Format(time.RFC3339))
	req.Header.Set("X-Sentinel-Nonce", signed.Nonce)

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if isRetryableStatus(resp) {
		io.Copy(io.Discard, resp.Body)
		return retryableStatusError{status: resp.StatusCode}
	}
	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("backend returned %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	if out == nil {
		io.Copy(io.Discard, resp.Body)
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
