//go:build linux

package device

import (
	"context"

	"github.com/pion/mediadevices"
	"github.com/pion/mediadevices/pkg/codec/opus"
	"github.com/pion/mediadevices/pkg/codec/vpx"
	_ "github.com/pion/mediadevices/pkg/driver/camera"
	_ "github.com/pion/mediadevices/pkg/driver/microphone"
	"github.com/pion/mediadevices/pkg/frame"
	"github.com/pion/mediadevices/pkg/prop"
	"github.com/pion/webrtc/v4"
)

const videoBitRate = 1_000_000

func codecSelector() (*mediadevices.CodecSelector, error) {
	vpxParams, err := vpx.NewVP8Params()
	if err != nil {
		return nil, err
	}
	vpxParams.BitRate = videoBitRate

	opusParams, err := opus.NewParams()
	if err != nil {
		return nil, err
	}
	return mediadevices.NewCodecSelector(
		mediadevices.WithVideoEncoders(&vpxParams),
		mediadevices.WithAudioEncoders(&opusParams),
	), nil
}

// RegisterCodecs fills m with the VP8 and Opus encoders used for capture.
func RegisterCodecs(m *webrtc.MediaEngine) error {
	sel, err := codecSelector()
	if err != nil {
		return err
	}
	sel.Populate(m)
	return nil
}

func platformCapture(_ context.Context) ([]captureTrack, error) {
	sel, err := codecSelector()
	if err != nil {
		return nil, err
	}
	stream, err := mediadevices.GetUserMedia(mediadevices.MediaStreamConstraints{
		Codec: sel,
		Video: func(c *mediadevices.MediaTrackConstraints) {
			// Raw formats only; MJPEG nodes on some cameras emit frames the
			// VP8 encoder rejects.
			c.FrameFormat = prop.FrameFormatOneOf{
				frame.FormatYUYV,
				frame.FormatI420,
				frame.FormatI444,
				frame.FormatRGBA,
			}
			c.Width = prop.IntRanged{Max: 640}
			c.Height = prop.IntRanged{Max: 480}
		},
		Audio: func(_ *mediadevices.MediaTrackConstraints) {},
	})
	if err != nil {
		return nil, err
	}

	tracks := stream.GetTracks()
	out := make([]captureTrack, 0, len(tracks))
	for _, tr := range tracks {
		out = append(out, tr)
	}
	return out, nil
}
