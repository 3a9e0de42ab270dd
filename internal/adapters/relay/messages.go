package relay

import (
	"github.com/pion/webrtc/v4"

	"github.com/dkeye/VideoCall/internal/core"
	"github.com/dkeye/VideoCall/internal/domain"
)

const (
	msgJoin        = "join"
	msgJoined      = "joined"
	msgPublish     = "publish"
	msgSubscribe   = "subscribe"
	msgUnsubscribe = "unsubscribe"
	msgOffer       = "offer"
	msgAnswer      = "answer"
	msgCandidate   = "candidate"
	msgLeave       = "leave"
	msgPing        = "ping"
	msgPong        = "pong"
	msgError       = "error"

	msgUserPublished   = "user-published"
	msgUserUnpublished = "user-unpublished"
	msgUserLeft        = "user-left"
)

type envelope struct {
	Type string `json:"type"`
}

type joinRequest struct {
	Type    string               `json:"type"`
	ID      string               `json:"id"`
	AppID   domain.AppID         `json:"app_id"`
	Channel domain.ChannelName   `json:"channel"`
	Token   string               `json:"token,omitempty"`
	UID     domain.ParticipantID `json:"uid"`
	Name    string               `json:"name"`
}

type joinedMessage struct {
	Type   string             `json:"type"`
	Roster []core.RosterEntry `json:"roster"`
}

type publishRequest struct {
	Type  string             `json:"type"`
	ID    string             `json:"id"`
	Kinds []domain.MediaKind `json:"kinds"`
	SDP   string             `json:"sdp"`
}

type subscribeRequest struct {
	Type string               `json:"type"`
	ID   string               `json:"id,omitempty"`
	UID  domain.ParticipantID `json:"uid"`
	Kind domain.MediaKind     `json:"kind"`
}

type sdpMessage struct {
	Type string `json:"type"`
	SDP  string `json:"sdp"`
}

type candidateMessage struct {
	Type          string  `json:"type"`
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
}

func (m candidateMessage) init() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:     m.Candidate,
		SDPMid:        m.SDPMid,
		SDPMLineIndex: m.SDPMLineIndex,
	}
}

func newCandidateMessage(ci webrtc.ICECandidateInit) candidateMessage {
	return candidateMessage{
		Type:          msgCandidate,
		Candidate:     ci.Candidate,
		SDPMid:        ci.SDPMid,
		SDPMLineIndex: ci.SDPMLineIndex,
	}
}

// userMessage covers user-published, user-unpublished and user-left.
type userMessage struct {
	Type string               `json:"type"`
	UID  domain.ParticipantID `json:"uid"`
	Kind domain.MediaKind     `json:"kind,omitempty"`
}

type errorMessage struct {
	Type  string `json:"type"`
	Code  string `json:"code"`
	Error string `json:"error"`
	Ref   string `json:"ref,omitempty"`
}

type simpleMessage struct {
	Type string `json:"type"`
}

// Request ids double as error refs.
const (
	refJoin    = "join"
	refPublish = "publish"
)

func subscribeRef(id domain.ParticipantID, kind domain.MediaKind) string {
	return "subscribe:" + string(id) + ":" + string(kind)
}
