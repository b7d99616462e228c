// Package history retrieves a room's prior messages over request/response.
package history

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/gosuda/roomsync/chat"
)

// Fetcher performs one-shot history retrievals against the chat backend.
// Every Fetch re-queries the server; nothing is cached here.
type Fetcher struct {
	BaseURL    string
	HTTPClient *http.Client
}

// NewFetcher builds a fetcher with a bounded default client.
func NewFetcher(baseURL string) *Fetcher {
	return &Fetcher{
		BaseURL:    baseURL,
		HTTPClient: &http.Client{Timeout: 30 * time.Second},
	}
}

// Fetch retrieves the history snapshot for room, oldest first as served.
// The sequence is passed through unsorted; ordering is the merger's job.
func (f *Fetcher) Fetch(ctx context.Context, room string) ([]chat.Message, error) {
	room = chat.NormalizeRoom(room)
	u := strings.TrimRight(f.BaseURL, "/") + "/messages?room=" + url.QueryEscape(room)

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch history: %w", err)
	}
	client := f.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch history: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		// Drain a little of the body for the error line, then give up.
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return nil, fmt.Errorf("fetch history: %s returned %d: %s", room, resp.StatusCode, snippet)
	}

	var msgs []chat.Message
	if err := json.NewDecoder(resp.Body).Decode(&msgs); err != nil {
		return nil, fmt.Errorf("fetch history: decode: %w", err)
	}
	return msgs, nil
}
