package state

import (
	"context"
	"sync"

	bolt "go.etcd.io/bbolt"
)

func summarize(b *bolt.Bucket) (Summary, error) {
	var sum Summary

	err := forEachEntry(b, func(e *Entry) error {
		sum.add(e)
		return nil
	})

	return sum, err
}

// Summary returns the current aggregate counts.
func (s *Store) Summary() (Summary, error) {
	var sum Summary

	err := s.view(func(b *bolt.Bucket) error {
		var err error
		sum, err = summarize(b)

		return err
	})

	return sum, err
}

// ObserveSummary returns a channel that receives the latest summary
// immediately and again after every committed mutation. A slow reader
// only ever sees the newest snapshot. The channel is closed when ctx is
// done.
func (s *Store) ObserveSummary(ctx context.Context) <-chan Summary {
	return s.hub.subscribe(ctx)
}

// summaryHub fans summaries out to subscribers with replay-latest
// semantics. Snapshots carry the bolt transaction id so a commit that
// finishes publishing late never overwrites a newer one.
type summaryHub struct {
	mu     sync.Mutex
	seq    uint64
	latest Summary
	ready  bool
	subs   map[chan Summary]struct{}
}

func newSummaryHub() *summaryHub {
	return &summaryHub{subs: make(map[chan Summary]struct{})}
}

func (h *summaryHub) publish(seq uint64, sum Summary) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.ready && seq < h.seq {
		return
	}

	h.seq, h.latest, h.ready = seq, sum, true
	for ch := range h.subs {
		offerLatest(ch, sum)
	}
}

func (h *summaryHub) subscribe(ctx context.Context) <-chan Summary {
	ch := make(chan Summary, 1)

	h.mu.Lock()
	h.subs[ch] = struct{}{}
	if h.ready {
		ch <- h.latest
	}
	h.mu.Unlock()

	go func() {
		<-ctx.Done()
		h.mu.Lock()
		delete(h.subs, ch)
		close(ch)
		h.mu.Unlock()
	}()

	return ch
}

// offerLatest replaces whatever is buffered in ch with sum. Callers
// hold the hub lock, so there is a single sender per channel.
func offerLatest(ch chan Summary, sum Summary) {
	select {
	case ch <- sum:
		return
	default:
	}

	select {
	case <-ch:
	default:
	}

	select {
	case ch <- sum:
	default:
	}
}
