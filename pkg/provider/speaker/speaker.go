// Package speaker provides the client for the external speaker-recognition
// service. The service receives a WAV recording plus word-level timings and
// returns speech segments re-labelled with enrolled speaker identities.
//
// Errors are classified into a small taxonomy so the post-processing chain
// can distinguish "service down" (fail the job, cancel dependants) from
// "no enrolled speakers matched" (success with no change).
package speaker

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/vivilabs/vivid/pkg/provider/stt"
)

// ErrorKind classifies a speaker-service failure.
type ErrorKind string

const (
	// KindConnectionFailed covers dial and transport failures.
	KindConnectionFailed ErrorKind = "connection_failed"

	// KindTimeout covers deadline and context-timeout failures.
	KindTimeout ErrorKind = "timeout"

	// KindClientError covers 4xx responses (bad request, unknown user).
	KindClientError ErrorKind = "client_error"

	// KindProcessingError covers 5xx responses and malformed payloads.
	KindProcessingError ErrorKind = "processing_error"
)

// ServiceError is a classified speaker-service failure.
type ServiceError struct {
	Kind ErrorKind
	Err  error
}

func (e *ServiceError) Error() string {
	return fmt.Sprintf("speaker: %s: %v", e.Kind, e.Err)
}

func (e *ServiceError) Unwrap() error { return e.Err }

// IsUnreachable reports whether err is a ServiceError whose kind means the
// service could not be reached (connection failure or timeout). Unreachable
// errors propagate so the job queue cancels dependants; other kinds are
// treated as empty results.
func IsUnreachable(err error) bool {
	var se *ServiceError
	if !errors.As(err, &se) {
		return false
	}
	return se.Kind == KindConnectionFailed || se.Kind == KindTimeout
}

// Identification is the service's answer: re-labelled segments plus the set
// of enrolled speakers it recognised.
type Identification struct {
	Segments []stt.Segment `json:"segments"`
	Speakers []string      `json:"speakers"`
}

// Identifier is the slice of the client the post-processing chain depends
// on; tests substitute a mock.
type Identifier interface {
	Identify(ctx context.Context, userID string, wav []byte, sampleRate int, words []stt.Word) (Identification, error)
}

// Enroller is the slice of the client speech detection depends on: it asks
// whether a user has any enrolled speaker profiles before a conversation is
// allowed to open.
type Enroller interface {
	Enrolled(ctx context.Context, userID string) ([]string, error)
}

// Option is a functional option for configuring the Client.
type Option func(*Client)

// WithHTTPClient overrides the HTTP client. Used by tests.
func WithHTTPClient(c *http.Client) Option {
	return func(cl *Client) { cl.httpClient = c }
}

// WithTimeout sets the per-request timeout. Default is 120 s; long recordings
// take the service a while.
func WithTimeout(d time.Duration) Option {
	return func(cl *Client) { cl.timeout = d }
}

// Client calls the speaker-recognition service over HTTP.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	timeout    time.Duration
}

var (
	_ Identifier = (*Client)(nil)
	_ Enroller   = (*Client)(nil)
)

// New creates a Client for the service at baseURL.
func New(baseURL, apiKey string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, errors.New("speaker: baseURL must not be empty")
	}
	c := &Client{
		baseURL:    baseURL,
		apiKey:     apiKey,
		httpClient: http.DefaultClient,
		timeout:    120 * time.Second,
	}
	for _, o := range opts {
		o(c)
	}
	return c, nil
}

// identifyRequest is the JSON body for POST /v1/identify.
type identifyRequest struct {
	UserID     string     `json:"user_id"`
	AudioWAV   string     `json:"audio_wav"` // base64
	SampleRate int        `json:"sample_rate"`
	Words      []stt.Word `json:"words"`
}

// Identify submits wav plus word timings for userID and returns re-labelled
// segments. A legitimate "nobody recognised" answer is (empty, nil), not an
// error.
func (c *Client) Identify(ctx context.Context, userID string, wav []byte, sampleRate int, words []stt.Word) (Identification, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	body, err := json.Marshal(identifyRequest{
		UserID:     userID,
		AudioWAV:   base64.StdEncoding.EncodeToString(wav),
		SampleRate: sampleRate,
		Words:      words,
	})
	if err != nil {
		return Identification{}, &ServiceError{Kind: KindClientError, Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/v1/identify", bytes.NewReader(body))
	if err != nil {
		return Identification{}, &ServiceError{Kind: KindClientError, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return Identification{}, &ServiceError{Kind: classifyTransport(err), Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 16<<20))
	if err != nil {
		return Identification{}, &ServiceError{Kind: KindConnectionFailed, Err: err}
	}

	switch {
	case resp.StatusCode >= 500:
		return Identification{}, &ServiceError{Kind: KindProcessingError, Err: fmt.Errorf("status %d", resp.StatusCode)}
	case resp.StatusCode >= 400:
		return Identification{}, &ServiceError{Kind: KindClientError, Err: fmt.Errorf("status %d", resp.StatusCode)}
	}

	var ident Identification
	if err := json.Unmarshal(data, &ident); err != nil {
		return Identification{}, &ServiceError{Kind: KindProcessingError, Err: err}
	}
	return ident, nil
}

// Enrolled returns the names of the user's enrolled speaker profiles. An
// empty list is a valid answer, not an error.
func (c *Client) Enrolled(ctx context.Context, userID string) ([]string, error) {
	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/v1/speakers?user_id="+url.QueryEscape(userID), nil)
	if err != nil {
		return nil, &ServiceError{Kind: KindClientError, Err: err}
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &ServiceError{Kind: classifyTransport(err), Err: err}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &ServiceError{Kind: KindConnectionFailed, Err: err}
	}

	switch {
	case resp.StatusCode >= 500:
		return nil, &ServiceError{Kind: KindProcessingError, Err: fmt.Errorf("status %d", resp.StatusCode)}
	case resp.StatusCode >= 400:
		return nil, &ServiceError{Kind: KindClientError, Err: fmt.Errorf("status %d", resp.StatusCode)}
	}

	var body struct {
		Speakers []string `json:"speakers"`
	}
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, &ServiceError{Kind: KindProcessingError, Err: err}
	}
	return body.Speakers, nil
}

// classifyTransport maps a transport error to its ErrorKind.
func classifyTransport(err error) ErrorKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return KindTimeout
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return KindTimeout
	}
	return KindConnectionFailed
}
