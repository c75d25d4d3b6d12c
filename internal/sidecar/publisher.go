package sidecar

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/propagation"
	"golang.org/x/sync/errgroup"

	"github.com/djb258/garage-mcp/internal/model"
)

// HTTPPublisher posts batches to a remote sidecar's /sidecar/events endpoint.
type HTTPPublisher struct {
	url    string
	client *http.Client
}

// NewHTTPPublisher targets the sidecar at baseURL.
func NewHTTPPublisher(baseURL string, client *http.Client) *HTTPPublisher {
	if client == nil {
		client = &http.Client{Timeout: 5 * time.Second}
	}
	return &HTTPPublisher{url: baseURL + "/sidecar/events", client: client}
}

// Publish sends one batch.
func (p *HTTPPublisher) Publish(ctx context.Context, events []model.SidecarEvent) error {
	body, err := json.Marshal(model.SidecarBatch{Events: events})
	if err != nil {
		return fmt.Errorf("sidecar: encode batch: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("sidecar: build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	otel.GetTextMapPropagator().Inject(ctx, propagation.HeaderCarrier(req.Header))

	resp, err := p.client.Do(req)
	if err != nil {
		return fmt.Errorf("sidecar: post events: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 64*1024))

	if resp.StatusCode >= 300 {
		return fmt.Errorf("sidecar: post events: status %d", resp.StatusCode)
	}
	return nil
}

// Multi publishes every batch to each publisher concurrently, so a slow
// remote sidecar does not hold up local subscribers. Every publisher sees the
// batch even when another fails. Wait reports only the first error, so each
// publisher's error is also kept by index and all of them are joined.
type Multi []Publisher

// Publish fans the batch out and waits for every publisher.
func (m Multi) Publish(ctx context.Context, events []model.SidecarEvent) error {
	errs := make([]error, len(m))
	var g errgroup.Group
	for i, p := range m {
		if p == nil {
			continue
		}
		g.Go(func() error {
			errs[i] = p.Publish(ctx, events)
			return errs[i]
		})
	}
	if err := g.Wait(); err == nil {
		return nil
	}
	return errors.Join(errs...)
}
