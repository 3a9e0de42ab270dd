//go:build !linux

package device

import (
	"context"
	"errors"

	"github.com/pion/webrtc/v4"
)

var errNoCaptureBackend = errors.New("no capture backend on this platform")

func RegisterCodecs(m *webrtc.MediaEngine) error {
	return m.RegisterDefaultCodecs()
}

func platformCapture(_ context.Context) ([]captureTrack, error) {
	return nil, errNoCaptureBackend
}
