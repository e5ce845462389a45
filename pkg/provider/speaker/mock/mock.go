// Package mock provides a test double for the speaker-recognition client.
package mock

import (
	"context"
	"sync"

	"github.com/vivilabs/vivid/pkg/provider/speaker"
	"github.com/vivilabs/vivid/pkg/provider/stt"
)

// IdentifyCall records a single invocation of Client.Identify.
type IdentifyCall struct {
	UserID     string
	WAV        []byte
	SampleRate int
	Words      []stt.Word
}

// Client is a scriptable speaker.Identifier.
type Client struct {
	mu sync.Mutex

	// Result is returned by Identify when Err is nil.
	Result speaker.Identification

	// Err, if non-nil, is returned by Identify.
	Err error

	// IdentifyCalls records every call.
	IdentifyCalls []IdentifyCall

	// EnrolledSpeakers is returned by Enrolled when EnrolledErr is nil.
	EnrolledSpeakers []string

	// EnrolledErr, if non-nil, is returned by Enrolled.
	EnrolledErr error

	// EnrolledCalls records every user id passed to Enrolled.
	EnrolledCalls []string
}

var (
	_ speaker.Identifier = (*Client)(nil)
	_ speaker.Enroller   = (*Client)(nil)
)

// Identify records the call and returns Result, Err.
func (c *Client) Identify(_ context.Context, userID string, wav []byte, sampleRate int, words []stt.Word) (speaker.Identification, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.IdentifyCalls = append(c.IdentifyCalls, IdentifyCall{UserID: userID, WAV: wav, SampleRate: sampleRate, Words: words})
	if c.Err != nil {
		return speaker.Identification{}, c.Err
	}
	return c.Result, nil
}

// Enrolled records the call and returns EnrolledSpeakers, EnrolledErr.
func (c *Client) Enrolled(_ context.Context, userID string) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.EnrolledCalls = append(c.EnrolledCalls, userID)
	if c.EnrolledErr != nil {
		return nil, c.EnrolledErr
	}
	return c.EnrolledSpeakers, nil
}
