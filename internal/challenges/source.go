// Package challenges tracks which sandbox challenges a user has solved for an
// assignment and reports the resulting score.
package challenges

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// RemoteChallenge is one entry of the sandbox application's challenge API.
// Difficulty is nil when the application omits it.
type RemoteChallenge struct {
	ID          int    `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Difficulty  *int   `json:"difficulty"`
	Solved      bool   `json:"solved"`
}

type Source interface {
	Fetch(ctx context.Context, instanceURL string) ([]RemoteChallenge, error)
}

// HTTPSource reads GET <instance>/api/challenges/ from a running sandbox.
type HTTPSource struct {
	client *http.Client
}

func NewHTTPSource(timeout time.Duration) *HTTPSource {
	return &HTTPSource{client: &http.Client{Timeout: timeout}}
}

func (s *HTTPSource) Fetch(ctx context.Context, instanceURL string) ([]RemoteChallenge, error) {
	url := strings.TrimRight(instanceURL, "/") + "/api/challenges/"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	resp, err := s.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch challenges: %w", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 4096))
		return nil, fmt.Errorf("fetch challenges: unexpected status %d", resp.StatusCode)
	}
	var body struct {
		Data []RemoteChallenge `json:"data"`
	}
	if err := json.NewDecoder(io.LimitReader(resp.Body, 8<<20)).Decode(&body); err != nil {
		return nil, fmt.Errorf("decode challenges: %w", err)
	}
	return body.Data, nil
}
