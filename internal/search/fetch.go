package search

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/Cstannahill/ollama-desktop/internal/httpkit"
)

// getJSON fetches rawURL and decodes the JSON body into v. Errors carry
// the provider name so a fallback chain stays readable.
func getJSON(ctx context.Context, c *http.Client, provider, rawURL string, v any) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return fmt.Errorf("%s: build request: %w", provider, err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.Do(req)
	if err != nil {
		return fmt.Errorf("%s: request failed: %w", provider, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("%s: HTTP %d: %s", provider, resp.StatusCode, httpkit.ReadErrorBody(resp.Body, 512))
	}
	if err := json.NewDecoder(resp.Body).Decode(v); err != nil {
		return fmt.Errorf("%s: decode response: %w", provider, err)
	}
	return nil
}

func resultCount(opts Options) int {
	if opts.Count <= 0 {
		return 5
	}
	return opts.Count
}
