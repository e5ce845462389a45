package fabric

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/vivilabs/vivid/pkg/provider/stt"
)

// Interim is the pub/sub topic that fans interim and final transcription
// results back to the WebSocket gateway for live display. Pub/sub delivery
// is best-effort by design: a dropped interim costs nothing, the result
// stream remains the durable record.
type Interim struct {
	rdb redis.UniversalClient
}

// NewInterim returns an Interim publisher/subscriber backed by rdb.
func NewInterim(rdb redis.UniversalClient) *Interim {
	return &Interim{rdb: rdb}
}

// InterimKey returns the pub/sub channel name for a session.
func InterimKey(sessionID string) string { return "transcription:interim:" + sessionID }

// Publish sends one result to the session's interim topic.
func (i *Interim) Publish(ctx context.Context, sessionID string, res stt.Result) error {
	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("fabric: marshal interim: %w", err)
	}
	if err := i.rdb.Publish(ctx, InterimKey(sessionID), data).Err(); err != nil {
		return fmt.Errorf("fabric: publish interim for %s: %w", sessionID, err)
	}
	return nil
}

// Subscribe opens a subscription on the session's interim topic and returns
// a channel of decoded results. The channel closes when ctx is cancelled.
func (i *Interim) Subscribe(ctx context.Context, sessionID string) <-chan stt.Result {
	sub := i.rdb.Subscribe(ctx, InterimKey(sessionID))
	out := make(chan stt.Result, 16)

	go func() {
		defer close(out)
		defer sub.Close()
		ch := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}
				var res stt.Result
				if err := json.Unmarshal([]byte(msg.Payload), &res); err != nil {
					continue
				}
				select {
				case out <- res:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out
}
