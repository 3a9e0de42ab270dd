// Package device opens the local camera and microphone.
package device

import (
	"context"
	"errors"
	"fmt"

	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/VideoCall/internal/core"
	"github.com/dkeye/VideoCall/internal/domain"
)

var ErrForeignTrack = errors.New("track not acquired by this gateway")

// captureFunc opens the default camera and microphone.
type captureFunc func(ctx context.Context) ([]captureTrack, error)

type Gateway struct {
	capture captureFunc
}

var _ core.DeviceGateway = (*Gateway)(nil)

// NewGateway captures through the platform backend.
func NewGateway() *Gateway {
	return &Gateway{capture: platformCapture}
}

// AcquireLocalTracks opens camera and microphone together. If either is
// missing nothing is kept open.
func (g *Gateway) AcquireLocalTracks(ctx context.Context) (core.LocalTracks, error) {
	if err := ctx.Err(); err != nil {
		return core.LocalTracks{}, err
	}
	raw, err := g.capture(ctx)
	if err != nil {
		return core.LocalTracks{}, fmt.Errorf("%w: %w", domain.ErrDeviceUnavailable, err)
	}

	var out core.LocalTracks
	var extra []captureTrack
	for _, tr := range raw {
		switch {
		case tr.Kind() == webrtc.RTPCodecTypeAudio && out.Audio == nil:
			out.Audio = newLocalTrack(tr, domain.MediaAudio)
		case tr.Kind() == webrtc.RTPCodecTypeVideo && out.Video == nil:
			out.Video = newLocalTrack(tr, domain.MediaVideo)
		default:
			extra = append(extra, tr)
		}
	}
	for _, tr := range extra {
		_ = tr.Close()
	}

	if out.Audio == nil || out.Video == nil {
		g.ReleaseTracks(out)
		missing := domain.MediaAudio
		if out.Audio != nil {
			missing = domain.MediaVideo
		}
		return core.LocalTracks{}, fmt.Errorf("%w: no %s track", domain.ErrDeviceUnavailable, missing)
	}

	log.Info().Str("module", "device").
		Str("audio", out.Audio.ID()).
		Str("video", out.Video.ID()).
		Msg("camera and microphone acquired")
	return out, nil
}

func (g *Gateway) ReleaseTracks(tracks core.LocalTracks) {
	for _, tr := range tracks.All() {
		tr.Stop()
	}
}

func (g *Gateway) SetMuted(track core.LocalTrack, muted bool) error {
	if _, ok := track.(*localTrack); !ok {
		return ErrForeignTrack
	}
	return track.SetMuted(muted)
}
