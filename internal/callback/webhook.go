// Package callback delivers the final state of a run to the caller's
// webhook.
package callback

import (
	"context"
	"errors"
	"jobflow/internal/apperrors"
	"jobflow/internal/job"
	"jobflow/pkg/circuitbreaker"
	"jobflow/pkg/cloudevent"
	"net/url"
	"time"
)

// RunIDHeader names the run whose state is being delivered.
const RunIDHeader = "X-Run-Id"

// breakerIdleTTL bounds the breaker registry; callback hosts are chosen by callers.
const breakerIdleTTL = time.Hour

// Config for webhook delivery.
type Config struct {
	Timeout    time.Duration // per-request timeout (default: 30s)
	SigningKey string        // HMAC key, empty = unsigned
	Breaker    circuitbreaker.Config
}

// Webhook posts the final state as a JSON document. Delivery through a host
// with an open breaker fails fast with a transport error.
type Webhook struct {
	sender     *cloudevent.Sender
	breakers   *circuitbreaker.Registry
	signingKey string
}

// NewWebhook creates a webhook deliverer.
func NewWebhook(cfg Config) *Webhook {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	return &Webhook{
		sender:     cloudevent.NewSender(cfg.Timeout),
		breakers:   circuitbreaker.NewRegistry(cfg.Breaker, circuitbreaker.WithIdleTTL(breakerIdleTTL)),
		signingKey: cfg.SigningKey,
	}
}

// Deliver sends state to target exactly once. Remote 4xx responses do not
// count against the host's breaker.
func (w *Webhook) Deliver(ctx context.Context, target, runID string, state job.State) error {
	breaker := w.breakers.Get(host(target))

	err := breaker.Execute(func() error {
		return w.sender.PostJSON(ctx, target, state, cloudevent.SendOptions{
			SigningKey: w.signingKey,
			Header:     map[string]string{RunIDHeader: runID},
		})
	}, func(err error) bool {
		return !cloudevent.IsClientError(err)
	})
	if err == nil {
		return nil
	}

	var he *cloudevent.HTTPError
	if errors.As(err, &he) {
		return apperrors.TransportStatus("callback", he.StatusCode)
	}
	return apperrors.Transport("callback", err)
}

// Stats reports breaker state across callback hosts.
func (w *Webhook) Stats() circuitbreaker.Stats {
	return w.breakers.Stats()
}

func host(rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil || parsed.Host == "" {
		return rawURL
	}
	return parsed.Host
}
