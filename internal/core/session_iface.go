package core

import (
	"context"

	"github.com/dkeye/VideoCall/internal/domain"
)

// RosterEntry describes a participant already present at join time.
type RosterEntry struct {
	ID       domain.ParticipantID `json:"uid"`
	HasAudio bool                 `json:"has_audio"`
	HasVideo bool                 `json:"has_video"`
}

// Kinds returns the media kinds the entry has published.
func (e RosterEntry) Kinds() []domain.MediaKind {
	out := make([]domain.MediaKind, 0, 2)
	if e.HasAudio {
		out = append(out, domain.MediaAudio)
	}
	if e.HasVideo {
		out = append(out, domain.MediaVideo)
	}
	return out
}

type JoinResult struct {
	Roster []RosterEntry
}

type EventType int

const (
	EventPublished EventType = iota + 1
	EventUnpublished
	EventLeft
	// EventConnectionLost reports that the relay connection dropped while joined.
	EventConnectionLost
)

func (t EventType) String() string {
	switch t {
	case EventPublished:
		return "user-published"
	case EventUnpublished:
		return "user-unpublished"
	case EventLeft:
		return "user-left"
	case EventConnectionLost:
		return "connection-lost"
	default:
		return "unknown"
	}
}

// Event is a participant lifecycle notification from the media service.
// Kind is empty for EventLeft and EventConnectionLost.
type Event struct {
	Type        EventType
	Participant domain.ParticipantID
	Kind        domain.MediaKind
}

// SessionClient owns the connection to the real-time media service.
type SessionClient interface {
	// Join is not reentrant: it fails with domain.ErrAlreadyConnected while
	// joining or joined. On success the roster of already present
	// participants is returned.
	Join(ctx context.Context, channel domain.ChannelName, user domain.User, creds domain.Credentials) (JoinResult, error)
	// Publish attaches local tracks to the outgoing stream. Requires a join.
	Publish(ctx context.Context, tracks LocalTracks) error
	// Subscribe pulls one media kind of a remote participant.
	Subscribe(ctx context.Context, id domain.ParticipantID, kind domain.MediaKind) (RemoteTrack, error)
	// Leave tears the connection down. It always resets the client; a
	// returned error is informational.
	Leave(ctx context.Context) error
	// Events delivers participant events for the lifetime of the client.
	Events() <-chan Event
}
