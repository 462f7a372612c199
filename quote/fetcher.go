package quote

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/huykn/tagsync/cache"
	"github.com/huykn/tagsync/consumer"
	"github.com/huykn/tagsync/types"
)

// QueryName is the name of the single-quote read.
const QueryName = "quote"

// QuoteQuery returns the query reading quote id.
func QuoteQuery(id string) cache.Query {
	return cache.NewQuery(QueryName, "id", id)
}

// HTTPFetcher reads quotes from GET {BaseURL}/quote/{id}.
type HTTPFetcher struct {
	BaseURL string
	Token   string
	Client  *http.Client
}

// NewHTTPFetcher creates a fetcher for the server at baseURL.
func NewHTTPFetcher(baseURL, token string) *HTTPFetcher {
	return &HTTPFetcher{
		BaseURL: strings.TrimRight(baseURL, "/"),
		Token:   token,
		Client:  &http.Client{Timeout: 10 * time.Second},
	}
}

// Fetch implements consumer.Fetcher.
func (f *HTTPFetcher) Fetch(ctx context.Context, q cache.Query) (consumer.Result, error) {
	if q.Name != QueryName {
		return consumer.Result{}, fmt.Errorf("quote: unsupported query %q", q.Name)
	}
	id := q.Arg("id")
	if id == "" {
		return consumer.Result{}, fmt.Errorf("quote: query without id")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, f.BaseURL+"/quote/"+url.PathEscape(id), nil)
	if err != nil {
		return consumer.Result{}, err
	}
	req.Header.Set("Accept", "application/json")
	if f.Token != "" {
		req.Header.Set("Authorization", "Bearer "+f.Token)
	}

	client := f.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return consumer.Result{}, err
	}
	defer resp.Body.Close()

	switch {
	case resp.StatusCode == http.StatusNotFound:
		return consumer.Result{}, fmt.Errorf("quote %s: %w", id, consumer.ErrNotFound)
	case resp.StatusCode != http.StatusOK:
		return consumer.Result{}, fmt.Errorf("quote %s: unexpected status %d", id, resp.StatusCode)
	}

	var qt types.Quote
	if err := json.NewDecoder(resp.Body).Decode(&qt); err != nil {
		return consumer.Result{}, fmt.Errorf("quote %s: decode: %w", id, err)
	}
	return consumer.Result{Value: qt, Tags: []types.Tag{qt.Tag()}}, nil
}
