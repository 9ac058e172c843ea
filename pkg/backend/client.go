// Package backend holds the HTTP clients for the hosted collaborators:
// the record store (message CRUD) and the delivery gateway (outward
// channel fan-out). Failures are classified transient vs permanent so the
// outbox retry machine can decide whether another attempt makes sense.
package backend

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"strconv"
	"time"

	"github.com/valyala/bytebufferpool"
	"github.com/valyala/fasthttp"
	"golang.org/x/time/rate"

	"convosync/pkg/logger"
	"convosync/pkg/models"
)

// StatusError is a non-2xx backend response.
type StatusError struct {
	Code int
	Body string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("backend: status %d: %s", e.Code, e.Body)
}

// IsPermanent reports whether err will not succeed on retry: a 4xx
// response other than request-timeout and too-many-requests. Network
// errors and 5xx are transient.
func IsPermanent(err error) bool {
	var se *StatusError
	if !errors.As(err, &se) {
		return false
	}
	if se.Code == fasthttp.StatusRequestTimeout || se.Code == fasthttp.StatusTooManyRequests {
		return false
	}
	return se.Code >= 400 && se.Code < 500
}

// Options configure a Client.
type Options struct {
	RecordStoreURL string
	GatewayURL     string
	APIKey         string
	Timeout        time.Duration
	RateRPS        float64
	RateBurst      int
}

// Client talks to the record store and delivery gateway.
type Client struct {
	http       *fasthttp.Client
	recordURL  string
	gatewayURL string
	apiKey     string
	timeout    time.Duration
	limiter    *rate.Limiter
}

// New returns a configured Client.
func New(opts Options) *Client {
	if opts.Timeout <= 0 {
		opts.Timeout = 10 * time.Second
	}
	var lim *rate.Limiter
	if opts.RateRPS > 0 {
		burst := opts.RateBurst
		if burst <= 0 {
			burst = 1
		}
		lim = rate.NewLimiter(rate.Limit(opts.RateRPS), burst)
	}
	return &Client{
		http: &fasthttp.Client{
			ReadTimeout:  opts.Timeout,
			WriteTimeout: opts.Timeout,
		},
		recordURL:  opts.RecordStoreURL,
		gatewayURL: opts.GatewayURL,
		apiKey:     opts.APIKey,
		timeout:    opts.Timeout,
		limiter:    lim,
	}
}

// CreateMessage persists a message record and returns the authoritative
// row. The correlation id travels as an idempotency key, so replaying the
// same request after a crash cannot create a duplicate.
func (c *Client) CreateMessage(ctx context.Context, req models.SendRequest) (models.Message, error) {
	var out models.Message
	err := c.doJSON(ctx, fasthttp.MethodPost, c.recordURL+"/messages", req, &out)
	if err != nil {
		return models.Message{}, fmt.Errorf("create message: %w", err)
	}
	return out, nil
}

// ListMessages fetches the newest messages of a conversation, oldest
// first, up to limit (0 means server default).
func (c *Client) ListMessages(ctx context.Context, conversationID string, limit int) ([]models.Message, error) {
	u := c.recordURL + "/conversations/" + url.PathEscape(conversationID) + "/messages"
	if limit > 0 {
		u += "?limit=" + strconv.Itoa(limit)
	}
	var out []models.Message
	if err := c.doJSON(ctx, fasthttp.MethodGet, u, nil, &out); err != nil {
		return nil, fmt.Errorf("list messages: %w", err)
	}
	return out, nil
}

// UpdateMessageStatus patches delivery status on the record.
func (c *Client) UpdateMessageStatus(ctx context.Context, id string, status models.DeliveryStatus, errMsg string) error {
	body := map[string]string{"delivery_status": string(status)}
	if errMsg != "" {
		body["error_message"] = errMsg
	}
	u := c.recordURL + "/messages/" + url.PathEscape(id) + "/status"
	if err := c.doJSON(ctx, fasthttp.MethodPatch, u, body, nil); err != nil {
		return fmt.Errorf("update message status: %w", err)
	}
	return nil
}

// Deliver asks the gateway to push an already-persisted message out on its
// channel.
func (c *Client) Deliver(ctx context.Context, messageID, conversationID, channel string) error {
	body := map[string]string{
		"message_id":      messageID,
		"conversation_id": conversationID,
		"channel":         channel,
	}
	if err := c.doJSON(ctx, fasthttp.MethodPost, c.gatewayURL+"/deliver", body, nil); err != nil {
		return fmt.Errorf("deliver message: %w", err)
	}
	return nil
}

// doJSON runs one JSON round trip. Request bodies are marshaled into
// pooled buffers to keep the drain loop allocation-light.
func (c *Client) doJSON(ctx context.Context, method, uri string, in, out any) error {
	if c.limiter != nil {
		if err := c.limiter.Wait(ctx); err != nil {
			return err
		}
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(uri)
	req.Header.SetMethod(method)
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}
	if in != nil {
		buf := bytebufferpool.Get()
		defer bytebufferpool.Put(buf)
		if err := json.NewEncoder(buf).Encode(in); err != nil {
			return fmt.Errorf("encode request: %w", err)
		}
		req.Header.SetContentType("application/json")
		req.SetBody(buf.B)
	}

	deadline := time.Now().Add(c.timeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	if err := c.http.DoDeadline(req, resp, deadline); err != nil {
		return fmt.Errorf("request %s %s: %w", method, uri, err)
	}
	code := resp.StatusCode()
	if code < 200 || code >= 300 {
		body := resp.Body()
		if len(body) > 512 {
			body = body[:512]
		}
		logger.Debug("backend_request_failed", "method", method, "uri", uri, "status", code)
		return &StatusError{Code: code, Body: string(body)}
	}
	if out != nil && len(resp.Body()) > 0 {
		if err := json.Unmarshal(resp.Body(), out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}
	return nil
}
