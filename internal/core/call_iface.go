package core

import (
	"context"

	"github.com/dkeye/VideoCall/internal/domain"
)

// ParticipantView is a read-only view for the presentation layer (no track handles).
type ParticipantView struct {
	ID            domain.ParticipantID `json:"id"`
	DisplayName   string               `json:"display_name"`
	Local         bool                 `json:"local"`
	HasAudio      bool                 `json:"has_audio"`
	HasVideo      bool                 `json:"has_video"`
	AudioPlayable bool                 `json:"audio_playable"`
	VideoPlayable bool                 `json:"video_playable"`
	// VideoPlaceholder is set when the tile must render muted/placeholder:
	// local video muted, or remote video published but not subscribed yet.
	VideoPlaceholder bool `json:"video_placeholder"`
}

type ErrorView struct {
	Kind    domain.FailureKind `json:"kind"`
	Message string             `json:"message"`
}

// CallState is an immutable snapshot of one call, published on every change.
// Participants lists the local entry first, then remote ones by id.
type CallState struct {
	State         domain.ConnectionState `json:"state"`
	Channel       domain.ChannelName     `json:"channel"`
	LocalID       domain.UserID          `json:"local_id,omitempty"`
	LocalName     string                 `json:"local_name,omitempty"`
	AudioMuted    bool                   `json:"audio_muted"`
	VideoMuted    bool                   `json:"video_muted"`
	HasLocalAudio bool                   `json:"has_local_audio"`
	HasLocalVideo bool                   `json:"has_local_video"`
	Error         *ErrorView             `json:"error,omitempty"`
	Participants  []ParticipantView      `json:"participants"`
}

// CallService is the single entry point the presentation layer calls into.
type CallService interface {
	RequestJoin(ctx context.Context, displayName string) error
	RequestLeave(ctx context.Context) error
	ToggleLocalAudio(ctx context.Context) (muted bool, err error)
	ToggleLocalVideo(ctx context.Context) (muted bool, err error)
	State() CallState
	// Watch streams state snapshots, latest wins. The returned func stops it.
	Watch() (<-chan CallState, func())
	RemoteTrack(id domain.ParticipantID, kind domain.MediaKind) (RemoteTrack, bool)
}

type SessionKey string

type CallInfo struct {
	Key          SessionKey             `json:"key"`
	State        domain.ConnectionState `json:"state"`
	Participants int                    `json:"participants"`
}

// CallFactory owns one CallService per browser session.
type CallFactory interface {
	GetOrCreate(key SessionKey) CallService
	Get(key SessionKey) (CallService, bool)
	List() []CallInfo
	StopCall(key SessionKey)
	StopAll()
}
