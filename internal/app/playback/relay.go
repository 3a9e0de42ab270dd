// Package playback fans RTP from a subscribed remote track out to the
// renderers attached to it.
package playback

import (
	"context"
	"maps"
	"sync"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/rs/zerolog"
)

// Source is the read side of a remote track (*webrtc.TrackRemote satisfies it).
type Source interface {
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

type SinkID uint64

type Relay struct {
	src Source

	mu     sync.RWMutex
	sinks  map[SinkID]*outSink
	nextID SinkID

	cancel context.CancelFunc
	done   chan struct{}
}

func NewRelay(src Source, cancel context.CancelFunc) *Relay {
	return &Relay{
		src:    src,
		sinks:  make(map[SinkID]*outSink),
		cancel: cancel,
		done:   make(chan struct{}),
	}
}

// loop reads RTP packets from the source and forwards them to all sinks.
func (r *Relay) loop(ctx context.Context, logger *zerolog.Logger) {
	defer close(r.done)
	for {
		select {
		case <-ctx.Done():
			logger.Debug().Msg("relay ctx done, marking all sinks for delete")
			r.markAllDelete()
			return
		default:
		}
		pkt, _, err := r.src.ReadRTP()
		if err != nil {
			logger.Debug().Err(err).Msg("relay read RTP error, stopping")
			r.markAllDelete()
			return
		}
		r.forward(pkt, logger)
	}
}

func (r *Relay) forward(pkt *rtp.Packet, logger *zerolog.Logger) {
	r.mu.RLock()
	snapshot := make(map[SinkID]*outSink, len(r.sinks))
	maps.Copy(snapshot, r.sinks)
	r.mu.RUnlock()

	dirty := make([]SinkID, 0, len(snapshot))
	for id, s := range snapshot {
		switch s.GetState() {
		case SinkStateDelete:
			dirty = append(dirty, id)
		case SinkStateOk:
			if err := s.sink.WriteRTP(pkt); err != nil {
				logger.Warn().
					Err(err).
					Uint64("sink", uint64(id)).
					Msg("sink write RTP error, marking sink as delete")
				s.MarkDelete()
				dirty = append(dirty, id)
			}
		}
	}

	// Cleanup is done outside the RLock.
	if len(dirty) > 0 {
		r.cleanupDeleted(dirty)
	}
}

func (r *Relay) cleanupDeleted(dirty []SinkID) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, id := range dirty {
		delete(r.sinks, id)
	}
}

func (r *Relay) markAllDelete() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, s := range r.sinks {
		s.MarkDelete()
	}
}

func (r *Relay) addSink(s *outSink) SinkID {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.nextID++
	r.sinks[r.nextID] = s
	return r.nextID
}

func (r *Relay) sink(id SinkID) (*outSink, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.sinks[id]
	return s, ok
}

// SinkCount returns the number of sinks not yet marked for delete.
func (r *Relay) SinkCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	n := 0
	for _, s := range r.sinks {
		if s.GetState() != SinkStateDelete {
			n++
		}
	}
	return n
}

func (r *Relay) stop() {
	r.markAllDelete()
	if r.cancel != nil {
		r.cancel()
	}
}
