package content

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"log/slog"
)

// Checker answers whether previously-uploaded content is visible from the
// node it points at, via a short ranged read.
type Checker struct {
	base   string
	client *http.Client
	logger *slog.Logger
}

// NewChecker returns a propagation checker against the node at base.
func NewChecker(base string, logger *slog.Logger) *Checker {
	return &Checker{
		base:   strings.TrimRight(base, "/"),
		client: &http.Client{Timeout: 30 * time.Second},
		logger: logger,
	}
}

// IsVisible reads the first bytes of the content. A "not found" style
// response from the node is reported as false with no error; transport
// failures and timeouts are errors, which callers treat as retryable.
func (c *Checker) IsVisible(ctx context.Context, contentID string) (bool, error) {
	endpoint := fmt.Sprintf("%s/api/v0/cat?arg=%s&offset=0&length=2",
		c.base, url.QueryEscape("/ipfs/"+contentID))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return false, err
	}
	resp, err := c.client.Do(req)
	if err != nil {
		return false, fmt.Errorf("ipfs cat request: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode == http.StatusOK {
		return true, nil
	}

	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	if isNotFoundMessage(body) {
		c.logger.Debug("content not yet visible", "content_id", contentID)
		return false, nil
	}
	return false, fmt.Errorf("ipfs cat returned %s: %s", resp.Status, strings.TrimSpace(string(body)))
}

// isNotFoundMessage classifies node error payloads that mean "the content is
// not resolvable here yet" rather than an infrastructure failure.
func isNotFoundMessage(body []byte) bool {
	message := string(body)
	var payload struct {
		Message string `json:"Message"`
	}
	if err := json.Unmarshal(body, &payload); err == nil && payload.Message != "" {
		message = payload.Message
	}
	message = strings.ToLower(message)
	for _, marker := range []string{"not found", "no link named", "could not resolve", "invalid path"} {
		if strings.Contains(message, marker) {
			return true
		}
	}
	return false
}
