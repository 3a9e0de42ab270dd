package device

import (
	"sync"
	"sync/atomic"

	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/VideoCall/internal/core"
	"github.com/dkeye/VideoCall/internal/domain"
)

// captureTrack is what a capture backend hands out: a publishable track
// that owns a device handle.
type captureTrack interface {
	webrtc.TrackLocal
	Close() error
}

// localTrack wraps a capture track. While muted, RTP written by the encoder
// is dropped on the way to every bound connection; the device stays open.
type localTrack struct {
	inner captureTrack
	kind  domain.MediaKind
	muted atomic.Bool

	mu    sync.Mutex
	bound map[string]*mutingContext

	stopOnce sync.Once
}

var (
	_ core.LocalTrack   = (*localTrack)(nil)
	_ webrtc.TrackLocal = (*localTrack)(nil)
)

func newLocalTrack(inner captureTrack, kind domain.MediaKind) *localTrack {
	return &localTrack{inner: inner, kind: kind, bound: make(map[string]*mutingContext)}
}

func (t *localTrack) ID() string                  { return t.inner.ID() }
func (t *localTrack) RID() string                 { return t.inner.RID() }
func (t *localTrack) StreamID() string            { return t.inner.StreamID() }
func (t *localTrack) Kind() webrtc.RTPCodecType   { return t.inner.Kind() }
func (t *localTrack) MediaKind() domain.MediaKind { return t.kind }
func (t *localTrack) Muted() bool                 { return t.muted.Load() }

func (t *localTrack) SetMuted(muted bool) error {
	if t.muted.Swap(muted) != muted {
		log.Debug().Str("module", "device").Str("kind", string(t.kind)).Bool("muted", muted).Msg("mute changed")
	}
	return nil
}

func (t *localTrack) Bind(ctx webrtc.TrackLocalContext) (webrtc.RTPCodecParameters, error) {
	mc := &mutingContext{TrackLocalContext: ctx, track: t}
	t.mu.Lock()
	t.bound[ctx.ID()] = mc
	t.mu.Unlock()
	return t.inner.Bind(mc)
}

func (t *localTrack) Unbind(ctx webrtc.TrackLocalContext) error {
	t.mu.Lock()
	mc, ok := t.bound[ctx.ID()]
	delete(t.bound, ctx.ID())
	t.mu.Unlock()
	if !ok {
		return t.inner.Unbind(ctx)
	}
	return t.inner.Unbind(mc)
}

// Stop releases the capture device. Idempotent.
func (t *localTrack) Stop() {
	t.stopOnce.Do(func() {
		if err := t.inner.Close(); err != nil {
			log.Warn().Err(err).Str("module", "device").Str("kind", string(t.kind)).Msg("close capture track")
			return
		}
		log.Info().Str("module", "device").Str("kind", string(t.kind)).Msg("capture released")
	})
}

type mutingContext struct {
	webrtc.TrackLocalContext
	track *localTrack
}

func (c *mutingContext) WriteStream() webrtc.TrackLocalWriter {
	return &mutingWriter{inner: c.TrackLocalContext.WriteStream(), muted: &c.track.muted}
}

type mutingWriter struct {
	inner webrtc.TrackLocalWriter
	muted *atomic.Bool
}

func (w *mutingWriter) WriteRTP(header *rtp.Header, payload []byte) (int, error) {
	if w.muted.Load() {
		return header.MarshalSize() + len(payload), nil
	}
	return w.inner.WriteRTP(header, payload)
}

func (w *mutingWriter) Write(b []byte) (int, error) {
	if w.muted.Load() {
		return len(b), nil
	}
	return w.inner.Write(b)
}
