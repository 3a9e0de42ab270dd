package playback

import (
	"context"
	"errors"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/VideoCall/internal/core"
	"github.com/dkeye/VideoCall/internal/domain"
)

var ErrTrackStopped = errors.New("track stopped")

// Track is a core.RemoteTrack backed by a Relay. The relay loop starts on
// construction so the source is drained even before a renderer attaches.
type Track struct {
	id          string
	participant domain.ParticipantID
	kind        domain.MediaKind
	relay       *Relay

	onStop   func()
	stopOnce sync.Once
	stopped  chan struct{}
}

var _ core.RemoteTrack = (*Track)(nil)

// NewTrack starts relaying src. onStop, if set, runs once when the track is stopped.
func NewTrack(ctx context.Context, id string, participant domain.ParticipantID, kind domain.MediaKind, src Source, onStop func()) *Track {
	logger := log.With().
		Str("module", "playback").
		Str("participant", string(participant)).
		Str("kind", string(kind)).
		Logger()

	relayCtx, cancel := context.WithCancel(ctx)
	t := &Track{
		id:          id,
		participant: participant,
		kind:        kind,
		relay:       NewRelay(src, cancel),
		onStop:      onStop,
		stopped:     make(chan struct{}),
	}
	go t.relay.loop(relayCtx, &logger)
	return t
}

func (t *Track) ID() string                        { return t.id }
func (t *Track) Participant() domain.ParticipantID { return t.participant }
func (t *Track) MediaKind() domain.MediaKind       { return t.kind }

// Play attaches sink until ctx ends or the track is stopped.
func (t *Track) Play(ctx context.Context, sink core.Sink) error {
	select {
	case <-t.stopped:
		return ErrTrackStopped
	default:
	}
	id := t.relay.addSink(newOutSink(sink))
	go func() {
		select {
		case <-ctx.Done():
		case <-t.stopped:
		}
		if s, ok := t.relay.sink(id); ok {
			s.MarkDelete()
		}
	}()
	return nil
}

func (t *Track) Stop() {
	t.stopOnce.Do(func() {
		close(t.stopped)
		t.relay.stop()
		if t.onStop != nil {
			t.onStop()
		}
	})
}

// Stopped is closed once Stop has run.
func (t *Track) Stopped() <-chan struct{} { return t.stopped }

// Done is closed once the relay loop exits: the source ended or the track
// was stopped.
func (t *Track) Done() <-chan struct{} { return t.relay.done }
