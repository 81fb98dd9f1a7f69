package sync

import (
	"bytes"
	"context"
	"io"
	"net/http"
	"time"
)

// Dispatcher delivers one serialized submission to a destination URL and
// returns the HTTP status code. A non-nil error means the request never got
// an HTTP response (timeout, DNS, connection reset); the engine treats that
// as having gone offline mid-drain.
type Dispatcher interface {
	Dispatch(ctx context.Context, url string, body []byte) (int, error)
}

// HTTPDispatcher posts submissions as JSON over HTTP.
type HTTPDispatcher struct {
	client *http.Client
}

// NewHTTPDispatcher creates a dispatcher whose requests time out after the
// given duration. A timeout surfaces as a transport error, never a status.
func NewHTTPDispatcher(timeout time.Duration) *HTTPDispatcher {
	return &HTTPDispatcher{
		client: &http.Client{Timeout: timeout},
	}
}

// Dispatch posts body to url with Content-Type: application/json.
func (d *HTTPDispatcher) Dispatch(ctx context.Context, url string, body []byte) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := d.client.Do(req)
	if err != nil {
		return 0, err
	}
	_, _ = io.Copy(io.Discard, resp.Body)
	_ = resp.Body.Close()
	return resp.StatusCode, nil
}
