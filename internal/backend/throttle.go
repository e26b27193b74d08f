package backend

import (
	"context"
	"io"

	"golang.org/x/time/rate"
)

// maxThrottleBurst is the largest chunk a throttled read passes through
// at once.
const maxThrottleBurst = 64 * 1024

func newBandwidthLimiter(bytesPerSecond int64) *rate.Limiter {
	burst := int(min(bytesPerSecond, maxThrottleBurst))
	return rate.NewLimiter(rate.Limit(bytesPerSecond), max(burst, 1))
}

// throttledReader paces reads through a shared limiter so the sum of
// all concurrent upload bodies stays under the configured bandwidth.
type throttledReader struct {
	ctx     context.Context
	r       io.Reader
	limiter *rate.Limiter
}

func (t *throttledReader) Read(p []byte) (int, error) {
	if burst := t.limiter.Burst(); len(p) > burst {
		p = p[:burst]
	}

	n, err := t.r.Read(p)
	if n > 0 {
		if werr := t.limiter.WaitN(t.ctx, n); werr != nil {
			return n, werr
		}
	}

	return n, err
}

var _ io.Reader = (*throttledReader)(nil)
