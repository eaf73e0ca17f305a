package render

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"time"
)

// maxImageSize caps how much of a render response is read.
const maxImageSize = 8 << 20

// Result is the outcome of fetching one Render.
type Result struct {
	Render      Render
	Image       []byte
	ContentType string
	Err         error
}

// Fetcher retrieves rendered diagrams. Failed fetches are not retried; the
// next document change produces a new request anyway.
type Fetcher struct {
	client *http.Client
}

// NewFetcher returns a Fetcher using client, or a client with a 10 second
// timeout when client is nil.
func NewFetcher(client *http.Client) *Fetcher {
	if client == nil {
		client = &http.Client{Timeout: 10 * time.Second}
	}
	return &Fetcher{client: client}
}

// Fetch issues GET r.URL.
func (f *Fetcher) Fetch(ctx context.Context, r Render) Result {
	result := Result{Render: r}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, r.URL, nil)
	if err != nil {
		result.Err = fmt.Errorf("building render request: %w", err)
		return result
	}
	resp, err := f.client.Do(req)
	if err != nil {
		result.Err = fmt.Errorf("fetching render %d: %w", r.Seq, err)
		return result
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		result.Err = fmt.Errorf("fetching render %d: unexpected status %s", r.Seq, resp.Status)
		return result
	}
	image, err := io.ReadAll(io.LimitReader(resp.Body, maxImageSize))
	if err != nil {
		result.Err = fmt.Errorf("reading render %d: %w", r.Seq, err)
		return result
	}
	result.Image = image
	result.ContentType = resp.Header.Get("Content-Type")
	return result
}
