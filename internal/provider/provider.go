// Package provider holds the contract shared by the watch-activity sources
// (Netflix export, Trakt, Plex) and the HTTP plumbing their clients share.
package provider

import (
	"context"
	"errors"
	"fmt"
	"io"
	"iter"
	"net"
	"net/http"
	"time"

	"github.com/goccy/go-json"

	"movie-history-sync/internal/models"
)

var (
	// ErrInvalidImportFile marks an upload or export that cannot be parsed.
	// Its message is safe to show to the user.
	ErrInvalidImportFile = errors.New("invalid import file")
	// ErrTransient marks a failure worth retrying: timeouts, 429 and 5xx.
	ErrTransient = errors.New("transient provider error")
)

// Source yields the watch activity of one user. The sequence is finite;
// iteration stops at the first error. A nil cursor means a full sync.
type Source interface {
	FetchActivity(ctx context.Context, cursor *time.Time) iter.Seq2[models.RawActivityRecord, error]
}

// StatusError is a non-2xx provider response.
type StatusError struct {
	Provider   string
	StatusCode int
	Body       string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("%s responded %d: %s", e.Provider, e.StatusCode, e.Body)
}

// Is lets errors.Is(err, ErrTransient) classify rate limiting and server errors.
func (e *StatusError) Is(target error) bool {
	return target == ErrTransient && (e.StatusCode == http.StatusTooManyRequests || e.StatusCode >= 500)
}

// CheckResponse converts a non-2xx response into a *StatusError.
func CheckResponse(name string, resp *http.Response) error {
	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		return nil
	}
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
	return &StatusError{Provider: name, StatusCode: resp.StatusCode, Body: string(body)}
}

// Do sends req and classifies network timeouts as transient.
func Do(client *http.Client, req *http.Request) (*http.Response, error) {
	resp, err := client.Do(req)
	if err == nil {
		return resp, nil
	}
	if req.Context().Err() != nil {
		return nil, req.Context().Err()
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	if errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.EOF) {
		return nil, fmt.Errorf("%w: %v", ErrTransient, err)
	}
	return nil, err
}

// DecodeJSON reads a JSON body into v.
func DecodeJSON(r io.Reader, v any) error {
	if err := json.NewDecoder(r).Decode(v); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
