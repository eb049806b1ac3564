package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"
)

const (
	// httpFetchTimeout is the absolute deadline for one GET.
	httpFetchTimeout = 30 * time.Second

	// maxBodyChars bounds the retained body length, measured in Unicode code
	// points since the body is handled as text. The bytesReturned field
	// reports this count (the name is historical).
	maxBodyChars = 10_240
)

// fetchClient never follows redirects: a 3xx is reported as-is. Package
// variable so tests can substitute a client.
var fetchClient = &http.Client{
	Timeout: httpFetchTimeout,
	CheckRedirect: func(_ *http.Request, _ []*http.Request) error {
		return http.ErrUseLastResponse
	},
}

// HTTPResult is the terminal result of an HTTP_GET_JSON command. Status 0 is
// the sentinel for "no HTTP response received" (timeout, connection reset,
// invalid URL).
type HTTPResult struct {
	Status        int     `json:"status"`
	Body          any     `json:"body"`
	Truncated     bool    `json:"truncated"`
	BytesReturned int     `json:"bytesReturned"`
	Error         *string `json:"error"`
}

// executeHTTPGetJSON fetches the URL and persists the result as the journal
// snapshot before returning it. The snapshot write is the idempotency hinge:
// a crash between it and the complete report replays the saved result
// instead of refetching.
func executeHTTPGetJSON(ctx context.Context, ec *execContext, rawURL string) (*HTTPResult, error) {
	j := ec.journal

	// Replay guard: a saved snapshot is returned verbatim without any I/O.
	if j.HTTPSnapshot != nil {
		return j.HTTPSnapshot, nil
	}

	if err := ec.markInProgress(); err != nil {
		return nil, fmt.Errorf("advance journal to in-progress: %w", err)
	}

	ec.checkFailureHook()

	result := fetchJSON(ctx, rawURL)

	if err := ec.journals.UpdateHTTPSnapshot(j, result); err != nil {
		return nil, fmt.Errorf("persist http snapshot: %w", err)
	}
	return result, nil
}

// fetchJSON performs the GET and shapes the outcome into an HTTPResult.
// Transport-level failures are captured in the result, never returned as an
// error: they are a legitimate terminal outcome of the command.
func fetchJSON(ctx context.Context, rawURL string) *HTTPResult {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return transportFailure(err.Error())
	}

	resp, err := fetchClient.Do(req)
	if err != nil {
		if isTimeout(err) {
			return transportFailure("Request timeout")
		}
		return transportFailure(err.Error())
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 && resp.StatusCode < 400 {
		return &HTTPResult{
			Status: resp.StatusCode,
			Error:  strPtr("Redirects not followed"),
		}
	}

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		if isTimeout(err) {
			return transportFailure("Request timeout")
		}
		return transportFailure(err.Error())
	}

	text := string(raw)
	truncated := false
	runes := []rune(text)
	if len(runes) > maxBodyChars {
		runes = runes[:maxBodyChars]
		text = string(runes)
		truncated = true
	}

	// Parse the (possibly truncated) body as JSON; fall back to the raw
	// string. Neither case is an error.
	var body any = text
	var parsed any
	if json.Unmarshal([]byte(text), &parsed) == nil {
		body = parsed
	}

	return &HTTPResult{
		Status:        resp.StatusCode,
		Body:          body,
		Truncated:     truncated,
		BytesReturned: len(runes),
	}
}

func transportFailure(msg string) *HTTPResult {
	return &HTTPResult{Status: 0, Error: strPtr(msg)}
}

func isTimeout(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) {
		return true
	}
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}

func strPtr(s string) *string {
	return &s
}
