package notify

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-resty/resty/v2"

	"wegent/internal/breaker"
	"wegent/internal/metrics"
)

// SignatureHeader carries hex(HMAC-SHA256(secret, body)) when a secret is set.
const SignatureHeader = "X-Wegent-Signature"

type WebhookOptions struct {
	URL     string
	Secret  string
	Timeout time.Duration
	Client  *resty.Client
	Metrics *metrics.Metrics
}

// WebhookEmitter POSTs events to a URL through the "webhook" breaker.
type WebhookEmitter struct {
	url     string
	secret  []byte
	client  *resty.Client
	cb      *breaker.Breaker
	metrics *metrics.Metrics
}

type webhookBody struct {
	Topic string `json:"topic"`
	Event Event  `json:"event"`
}

// clientError is a rejected request: it says nothing about webhook health.
type clientError struct{ status int }

func (e *clientError) Error() string { return fmt.Sprintf("webhook rejected event: status %d", e.status) }

func NewWebhookEmitter(opt WebhookOptions, breakers *breaker.Registry) *WebhookEmitter {
	if opt.Timeout <= 0 {
		opt.Timeout = 5 * time.Second
	}
	client := opt.Client
	if client == nil {
		client = resty.New()
	}
	client.SetTimeout(opt.Timeout).SetHeader("Content-Type", "application/json")
	return &WebhookEmitter{
		url:     opt.URL,
		secret:  []byte(opt.Secret),
		client:  client,
		cb:      breakers.Get("webhook", breaker.WithExclude(isClientError)),
		metrics: opt.Metrics,
	}
}

func isClientError(err error) bool {
	var ce *clientError
	return errors.As(err, &ce) || errors.Is(err, context.Canceled)
}

func (w *WebhookEmitter) Publish(ctx context.Context, topic string, e Event) error {
	raw, err := json.Marshal(webhookBody{Topic: topic, Event: e})
	if err != nil {
		return fmt.Errorf("encode event: %w", err)
	}
	err = w.cb.Call(ctx, func(ctx context.Context) error {
		req := w.client.R().SetContext(ctx).SetBody(raw)
		if len(w.secret) > 0 {
			mac := hmac.New(sha256.New, w.secret)
			mac.Write(raw)
			req.SetHeader(SignatureHeader, "sha256="+hex.EncodeToString(mac.Sum(nil)))
		}
		resp, err := req.Post(w.url)
		if err != nil {
			return err
		}
		switch {
		case resp.StatusCode() >= 500:
			return fmt.Errorf("webhook status %d", resp.StatusCode())
		case resp.IsError():
			return &clientError{status: resp.StatusCode()}
		}
		return nil
	})
	w.metrics.PublishResult("webhook", err)
	if err != nil {
		return fmt.Errorf("webhook publish: %w", err)
	}
	return nil
}
