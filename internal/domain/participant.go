package domain

import "fmt"

// ParticipantID is assigned by the media service and unique within a session.
type ParticipantID string

type MediaKind string

const (
	MediaAudio MediaKind = "audio"
	MediaVideo MediaKind = "video"
)

// MediaKinds lists every kind in a stable order.
var MediaKinds = []MediaKind{MediaAudio, MediaVideo}

func ParseMediaKind(s string) (MediaKind, error) {
	switch MediaKind(s) {
	case MediaAudio, MediaVideo:
		return MediaKind(s), nil
	default:
		return "", fmt.Errorf("unknown media kind %q", s)
	}
}

type ConnectionState int32

const (
	StateIdle ConnectionState = iota
	StateJoining
	StateJoined
	StateLeaving
)

func (s ConnectionState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateJoining:
		return "joining"
	case StateJoined:
		return "joined"
	case StateLeaving:
		return "leaving"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

func (s ConnectionState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *ConnectionState) UnmarshalText(b []byte) error {
	switch string(b) {
	case "idle":
		*s = StateIdle
	case "joining":
		*s = StateJoining
	case "joined":
		*s = StateJoined
	case "leaving":
		*s = StateLeaving
	default:
		return fmt.Errorf("unknown connection state %q", string(b))
	}
	return nil
}
