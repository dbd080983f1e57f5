package remote

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	perrors "github.com/jmgilman/go/errors"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/agatticelli/feedsync/internal/platform/observability"
)

// FetchMedia downloads urls so the transport and any HTTP cache in front of
// it hold them before they are shown. URLs already warmed are skipped. At
// most MediaConcurrency downloads run at once.
func (c *Client) FetchMedia(ctx context.Context, urls []string) error {
	ctx, span := c.tracer.StartSpan(ctx, "remote.FetchMedia",
		observability.WithSpanKind(trace.SpanKindClient),
	)
	defer span.End()

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(c.mediaCap)

	fetched := 0
	for _, u := range urls {
		if u == "" {
			continue
		}
		if _, done := c.warmed.Load(u); done {
			continue
		}
		fetched++
		g.Go(func() error {
			if err := c.fetchOne(gctx, u); err != nil {
				return fmt.Errorf("media %s: %w", u, err)
			}
			c.warmed.Store(u, struct{}{})
			return nil
		})
	}

	err := g.Wait()
	span.SetAttribute("media.fetched", fetched)
	if err != nil {
		span.NoticeError(err)
	}
	return err
}

// MediaWarmed reports whether url has been fetched
func (c *Client) MediaWarmed(url string) bool {
	_, ok := c.warmed.Load(url)
	return ok
}

func (c *Client) fetchOne(ctx context.Context, url string) error {
	if err := c.limiter.Wait(ctx); err != nil {
		return fmt.Errorf("rate limiter error: %w", err)
	}

	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		url = c.baseURL + "/" + strings.TrimLeft(url, "/")
	}

	start := time.Now()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return perrors.Wrap(err, perrors.CodeInvalidInput, "failed to create request")
	}

	resp, err := c.client.Do(req)
	if err != nil {
		c.metrics.RecordRemoteCall(ctx, "media", "network", time.Since(start))
		return transportError(ctx, err)
	}
	defer resp.Body.Close()

	if _, err := io.Copy(io.Discard, resp.Body); err != nil {
		return transportError(ctx, err)
	}
	if resp.StatusCode >= 300 {
		c.metrics.RecordRemoteCall(ctx, "media", "error", time.Since(start))
		return statusError(resp.StatusCode, http.StatusText(resp.StatusCode))
	}

	c.metrics.RecordRemoteCall(ctx, "media", "success", time.Since(start))
	return nil
}
