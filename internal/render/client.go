package render

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/pkg/errors"
)

// Request describes one ticket to render.
type Request struct {
	TicketNumber   string    `json:"ticketNumber"`
	Token          string    `json:"token"`
	StudentID      string    `json:"studentId"`
	SessionID      string    `json:"sessionId"`
	Room           string    `json:"room,omitempty"`
	Subject        string    `json:"subject,omitempty"`
	StartsAt       time.Time `json:"startsAt"`
	ExpiresAt      time.Time `json:"expiresAt"`
	IncludeLogo    bool      `json:"includeLogo"`
	IncludeBarcode bool      `json:"includeBarcode"`
}

// Result holds the rendered artifacts.
type Result struct {
	QRPNG []byte `json:"qrPng"`
	PDF   []byte `json:"pdf"`
}

// Client calls the QR/PDF rendering service.
type Client struct {
	BaseURL string
	HTTP    *http.Client
	Skip    bool
}

// New creates a client. With skip set no request leaves the process and
// placeholder artifacts are returned.
func New(baseURL string, skip bool) *Client {
	return &Client{
		BaseURL: baseURL,
		Skip:    skip,
		HTTP: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Render produces the QR image and PDF for req.
func (c *Client) Render(ctx context.Context, req Request) (*Result, error) {
	if req.Token == "" || req.TicketNumber == "" {
		return nil, errors.New("ticket number and token required")
	}
	if c.Skip {
		return &Result{
			QRPNG: []byte(req.Token),
			PDF:   []byte(fmt.Sprintf("%%PDF-1.4\n%% late pass %s\n", req.TicketNumber)),
		}, nil
	}

	body, err := json.Marshal(req)
	if err != nil {
		return nil, errors.Wrap(err, "encode render request")
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.BaseURL+"/render", bytes.NewReader(body))
	if err != nil {
		return nil, errors.Wrap(err, "build render request")
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.HTTP.Do(httpReq)
	if err != nil {
		return nil, errors.Wrap(err, "render service request failed")
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, errors.Errorf("render service error %s: %s", resp.Status, bodyBytes)
	}

	var out Result
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, errors.Wrap(err, "decode render response")
	}
	if len(out.QRPNG) == 0 || len(out.PDF) == 0 {
		return nil, errors.New("render service returned empty artifacts")
	}
	return &out, nil
}

// Health checks if the render service is available.
func (c *Client) Health(ctx context.Context) error {
	if c.Skip {
		return nil
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.BaseURL+"/health", nil)
	if err != nil {
		return errors.Wrap(err, "build health request")
	}
	resp, err := c.HTTP.Do(req)
	if err != nil {
		return errors.Wrap(err, "render service unavailable")
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return errors.Errorf("render service unhealthy: %s", resp.Status)
	}
	return nil
}
