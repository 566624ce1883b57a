package poller

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"
)

const (
	defaultFetchTimeout = 10 * time.Second
	// the payload is two fields; anything larger is not a counter response
	maxResponseBytes = 64 << 10
)

// HTTPSource asks a remote endpoint for the pending label count. The remote
// side resets its counter once read; nothing is written back.
type HTTPSource struct {
	url        string
	timeout    time.Duration
	httpClient *http.Client
}

func NewHTTPSource(url string, timeout time.Duration) *HTTPSource {
	if timeout <= 0 {
		timeout = defaultFetchTimeout
	}
	return &HTTPSource{
		url:     url,
		timeout: timeout,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

type countResponse struct {
	Count     json.RawMessage `json:"count"`
	Timestamp json.RawMessage `json:"timestamp"`
}

func (s *HTTPSource) Fetch(ctx context.Context) (WorkCount, error) {
	ctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, s.url, nil)
	if err != nil {
		return WorkCount{}, &PollError{Kind: KindTransport, Err: fmt.Errorf("create request: %w", err)}
	}
	req.Header.Set("Accept", "application/json")

	resp, err := s.httpClient.Do(req)
	if err != nil {
		if isTimeout(ctx, err) {
			return WorkCount{}, &PollError{Kind: KindTimeout, Err: err}
		}
		return WorkCount{}, &PollError{Kind: KindTransport, Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, maxResponseBytes))
		return WorkCount{}, &PollError{Kind: KindStatus, Err: fmt.Errorf("http status %d", resp.StatusCode)}
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		if isTimeout(ctx, err) {
			return WorkCount{}, &PollError{Kind: KindTimeout, Err: err}
		}
		return WorkCount{}, &PollError{Kind: KindTransport, Err: fmt.Errorf("read body: %w", err)}
	}

	wc, err := ParseWorkCount(body)
	if err != nil {
		return WorkCount{}, &PollError{Kind: KindDecode, Err: err}
	}
	return wc, nil
}

// ParseWorkCount decodes a counter response. Count must be an integer in
// [0, MaxCount]; a missing, negative or non-integer count is malformed, never zero.
func ParseWorkCount(body []byte) (WorkCount, error) {
	var raw countResponse
	if err := json.Unmarshal(body, &raw); err != nil {
		return WorkCount{}, fmt.Errorf("decode response: %w", err)
	}

	if len(raw.Count) == 0 || string(raw.Count) == "null" {
		return WorkCount{}, errors.New("response has no count field")
	}
	if c := raw.Count[0]; c != '-' && (c < '0' || c > '9') {
		return WorkCount{}, fmt.Errorf("count %s is not a number", raw.Count)
	}

	n, err := json.Number(raw.Count).Int64()
	if err != nil {
		return WorkCount{}, fmt.Errorf("count %s is not an integer", raw.Count)
	}
	if n < 0 || n > MaxCount {
		return WorkCount{}, fmt.Errorf("count %d out of range [0, %d]", n, MaxCount)
	}

	wc := WorkCount{Count: int(n)}
	var ts string
	if json.Unmarshal(raw.Timestamp, &ts) == nil && ts != "" {
		if t, err := time.Parse(time.RFC3339, ts); err == nil {
			wc.Timestamp = t
		}
	}
	return wc, nil
}

func isTimeout(ctx context.Context, err error) bool {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var te interface{ Timeout() bool }
	return errors.As(err, &te) && te.Timeout()
}
