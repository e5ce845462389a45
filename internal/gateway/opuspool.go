package gateway

import (
	"context"
	"runtime"

	"github.com/vivilabs/vivid/pkg/audio/opus"
)

// decodePool bounds how many Opus decodes run at once across all
// connections. Decoder state is per-stream, so each client brings its own
// decoder; only the CPU work is shared.
type decodePool struct {
	sem chan struct{}
}

func newDecodePool(size int) *decodePool {
	if size <= 0 {
		size = runtime.NumCPU()
	}
	return &decodePool{sem: make(chan struct{}, size)}
}

// Decode runs one packet decode under the pool's concurrency cap.
func (p *decodePool) Decode(ctx context.Context, dec *opus.Decoder, packet []byte) ([]byte, error) {
	select {
	case p.sem <- struct{}{}:
	case <-ctx.Done():
		return nil, ctx.Err()
	}
	defer func() { <-p.sem }()
	return dec.Decode(packet)
}
