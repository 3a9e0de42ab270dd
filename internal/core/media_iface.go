package core

import (
	"context"

	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"

	"github.com/dkeye/VideoCall/internal/domain"
)

// Track is an opaque media handle. Stop must be idempotent.
type Track interface {
	ID() string
	MediaKind() domain.MediaKind
	Stop()
}

// LocalTrack is a capture track owned by the current call.
// Muting keeps the capture device open.
type LocalTrack interface {
	Track
	SetMuted(muted bool) error
	Muted() bool
}

// Sink receives RTP from a remote track; this is where a renderer attaches.
type Sink interface {
	WriteRTP(pkt *rtp.Packet) error
}

// RemoteTrack is a subscribed track of a remote participant.
// The registry owns its lifecycle; renderers only attach sinks.
type RemoteTrack interface {
	Track
	Play(ctx context.Context, sink Sink) error
}

// LocalTracks is the pair of capture tracks acquired for one call.
type LocalTracks struct {
	Audio LocalTrack
	Video LocalTrack
}

// All returns the non-nil tracks, audio first.
func (t LocalTracks) All() []LocalTrack {
	out := make([]LocalTrack, 0, 2)
	if t.Audio != nil {
		out = append(out, t.Audio)
	}
	if t.Video != nil {
		out = append(out, t.Video)
	}
	return out
}

func (t LocalTracks) Empty() bool { return t.Audio == nil && t.Video == nil }

// DeviceGateway acquires and releases local camera/microphone capture.
type DeviceGateway interface {
	// AcquireLocalTracks fails with domain.ErrDeviceUnavailable when the
	// camera or microphone cannot be opened.
	AcquireLocalTracks(ctx context.Context) (LocalTracks, error)
	// ReleaseTracks stops capture. Safe on empty or already released tracks.
	ReleaseTracks(tracks LocalTracks)
	SetMuted(track LocalTrack, muted bool) error
}

// IncomingTrack is the subset of *webrtc.TrackRemote the relay client needs.
type IncomingTrack interface {
	ID() string
	StreamID() string
	Kind() webrtc.RTPCodecType
	ReadRTP() (*rtp.Packet, interceptor.Attributes, error)
}

type MediaConnection interface {
	// Start configures internal callbacks and binds the connection lifetime to ctx.
	Start(ctx context.Context) error
	// Close should stop all underlying media resources.
	Close()
	IsClosed() bool
	// AddICECandidate applies a remote ICE candidate.
	AddICECandidate(webrtc.ICECandidateInit) error
	// CreateAndSetOffer starts a negotiation from our side.
	CreateAndSetOffer() (*webrtc.SessionDescription, error)
	ApplyAnswer(webrtc.SessionDescription) error
	// ApplyOfferAndCreateAnswer handles a renegotiation started by the relay.
	ApplyOfferAndCreateAnswer(webrtc.SessionDescription) (*webrtc.SessionDescription, error)
	// OnICECandidate sets a callback for newly gathered local ICE candidates.
	OnICECandidate(func(webrtc.ICECandidateInit))
	// OnTrack sets a callback that will be invoked when a new remote track arrives.
	OnTrack(func(ctx context.Context, track IncomingTrack))
	// AddLocalTrack attaches a local track to the underlying PeerConnection.
	AddLocalTrack(track webrtc.TrackLocal) (*webrtc.RTPSender, error)
	// OnClosed sets a callback for cleanup media session.
	OnClosed(func())
}
