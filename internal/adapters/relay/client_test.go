package relay

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/interceptor"
	"github.com/pion/rtp"
	"github.com/pion/webrtc/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dkeye/VideoCall/internal/core"
	"github.com/dkeye/VideoCall/internal/domain"
)

// fakeRelay speaks the relay protocol over a real websocket.
type fakeRelay struct {
	srv *httptest.Server

	roster      []core.RosterEntry
	joinErrCode string
	subErrCode  string
	onSubscribe func(uid domain.ParticipantID, kind domain.MediaKind)

	mu       sync.Mutex
	conn     *websocket.Conn
	received []map[string]any

	writeMu sync.Mutex
}

func newFakeRelay(t *testing.T) *fakeRelay {
	t.Helper()
	r := &fakeRelay{}
	up := websocket.Upgrader{CheckOrigin: func(*http.Request) bool { return true }}
	r.srv = httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		conn, err := up.Upgrade(w, req, nil)
		if err != nil {
			return
		}
		r.mu.Lock()
		r.conn = conn
		r.mu.Unlock()
		r.serve(conn)
	}))
	t.Cleanup(r.srv.Close)
	return r
}

func (r *fakeRelay) url() string { return "ws" + strings.TrimPrefix(r.srv.URL, "http") }

func (r *fakeRelay) serve(conn *websocket.Conn) {
	defer conn.Close()
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return
		}
		var m map[string]any
		if json.Unmarshal(data, &m) != nil {
			continue
		}
		r.mu.Lock()
		r.received = append(r.received, m)
		roster, joinErr, subErr, hook := r.roster, r.joinErrCode, r.subErrCode, r.onSubscribe
		r.mu.Unlock()

		switch m["type"] {
		case msgJoin:
			if joinErr != "" {
				r.send(errorMessage{Type: msgError, Code: joinErr, Error: "denied", Ref: refJoin})
				continue
			}
			r.send(joinedMessage{Type: msgJoined, Roster: roster})
		case msgPublish:
			r.send(sdpMessage{Type: msgAnswer, SDP: "relay-answer"})
		case msgSubscribe:
			uid := domain.ParticipantID(m["uid"].(string))
			kind := domain.MediaKind(m["kind"].(string))
			if subErr != "" {
				r.send(errorMessage{Type: msgError, Code: subErr, Error: "no such track", Ref: subscribeRef(uid, kind)})
				continue
			}
			r.send(sdpMessage{Type: msgOffer, SDP: "relay-offer"})
			if hook != nil {
				hook(uid, kind)
			}
		case msgPing:
			r.send(simpleMessage{Type: msgPong})
		}
	}
}

func (r *fakeRelay) configure(fn func(r *fakeRelay)) {
	r.mu.Lock()
	defer r.mu.Unlock()
	fn(r)
}

func (r *fakeRelay) send(v any) {
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	if conn == nil {
		return
	}
	r.writeMu.Lock()
	defer r.writeMu.Unlock()
	_ = conn.WriteJSON(v)
}

func (r *fakeRelay) dropConnection() {
	r.mu.Lock()
	conn := r.conn
	r.mu.Unlock()
	_ = conn.Close()
}

func (r *fakeRelay) messages(typ string) []map[string]any {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []map[string]any
	for _, m := range r.received {
		if m["type"] == typ {
			out = append(out, m)
		}
	}
	return out
}

type fakeIncoming struct {
	id, stream string
	kind       webrtc.RTPCodecType
	pkts       chan *rtp.Packet
}

func (f *fakeIncoming) ID() string                { return f.id }
func (f *fakeIncoming) StreamID() string          { return f.stream }
func (f *fakeIncoming) Kind() webrtc.RTPCodecType { return f.kind }
func (f *fakeIncoming) ReadRTP() (*rtp.Packet, interceptor.Attributes, error) {
	p, ok := <-f.pkts
	if !ok {
		return nil, nil, io.EOF
	}
	return p, nil, nil
}

type fakeMedia struct {
	mu       sync.Mutex
	onTrack  func(context.Context, core.IncomingTrack)
	added    []webrtc.TrackLocal
	answers  []string
	offers   []string
	closed   bool
	incoming []*fakeIncoming
}

func (m *fakeMedia) Start(context.Context) error                   { return nil }
func (m *fakeMedia) AddICECandidate(webrtc.ICECandidateInit) error { return nil }
func (m *fakeMedia) OnICECandidate(func(webrtc.ICECandidateInit))  {}
func (m *fakeMedia) OnClosed(func())                               {}

func (m *fakeMedia) IsClosed() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.closed
}

func (m *fakeMedia) CreateAndSetOffer() (*webrtc.SessionDescription, error) {
	return &webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: "client-offer"}, nil
}

func (m *fakeMedia) Close() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	for _, in := range m.incoming {
		close(in.pkts)
	}
	m.incoming = nil
}

func (m *fakeMedia) ApplyAnswer(sd webrtc.SessionDescription) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.answers = append(m.answers, sd.SDP)
	return nil
}

func (m *fakeMedia) ApplyOfferAndCreateAnswer(sd webrtc.SessionDescription) (*webrtc.SessionDescription, error) {
	m.mu.Lock()
	m.offers = append(m.offers, sd.SDP)
	m.mu.Unlock()
	return &webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: "client-answer"}, nil
}

func (m *fakeMedia) OnTrack(fn func(context.Context, core.IncomingTrack)) {
	m.mu.Lock()
	m.onTrack = fn
	m.mu.Unlock()
}

func (m *fakeMedia) AddLocalTrack(t webrtc.TrackLocal) (*webrtc.RTPSender, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.added = append(m.added, t)
	return nil, nil
}

func (m *fakeMedia) deliver(uid domain.ParticipantID, kind domain.MediaKind) {
	codec := webrtc.RTPCodecTypeAudio
	if kind == domain.MediaVideo {
		codec = webrtc.RTPCodecTypeVideo
	}
	in := &fakeIncoming{id: string(uid) + "-" + string(kind), stream: string(uid), kind: codec, pkts: make(chan *rtp.Packet)}
	m.mu.Lock()
	m.incoming = append(m.incoming, in)
	fn := m.onTrack
	m.mu.Unlock()
	fn(context.Background(), in)
}

type publishable struct {
	kind domain.MediaKind
}

func (p *publishable) ID() string                  { return "local-" + string(p.kind) }
func (p *publishable) RID() string                 { return "" }
func (p *publishable) StreamID() string            { return "local" }
func (p *publishable) MediaKind() domain.MediaKind { return p.kind }
func (p *publishable) Stop()                       {}
func (p *publishable) SetMuted(bool) error         { return nil }
func (p *publishable) Muted() bool                 { return false }
func (p *publishable) Kind() webrtc.RTPCodecType {
	if p.kind == domain.MediaVideo {
		return webrtc.RTPCodecTypeVideo
	}
	return webrtc.RTPCodecTypeAudio
}
func (p *publishable) Bind(webrtc.TrackLocalContext) (webrtc.RTPCodecParameters, error) {
	return webrtc.RTPCodecParameters{}, nil
}
func (p *publishable) Unbind(webrtc.TrackLocalContext) error { return nil }

type clientFixture struct {
	client *Client
	relay  *fakeRelay
	media  *fakeMedia
	user   domain.User
}

func newFixture(t *testing.T) *clientFixture {
	t.Helper()
	f := &clientFixture{relay: newFakeRelay(t), media: &fakeMedia{}}
	f.client = NewClient(Config{
		URL:        f.relay.url(),
		PingPeriod: time.Second,
		NewMedia:   func(string) (core.MediaConnection, error) { return f.media, nil },
	})
	u, err := domain.NewUser("alice")
	require.NoError(t, err)
	f.user = *u
	t.Cleanup(func() { _ = f.client.Leave(context.Background()) })
	return f
}

func (f *clientFixture) join(t *testing.T) core.JoinResult {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	res, err := f.client.Join(ctx, "room", f.user, domain.Credentials{AppID: "app", Token: "tok"})
	require.NoError(t, err)
	return res
}

func nextEvent(t *testing.T, c *Client) core.Event {
	t.Helper()
	select {
	case ev := <-c.Events():
		return ev
	case <-time.After(2 * time.Second):
		t.Fatal("no event")
		return core.Event{}
	}
}

func TestClient_JoinReturnsRoster(t *testing.T) {
	f := newFixture(t)
	f.relay.configure(func(r *fakeRelay) { r.roster = []core.RosterEntry{{ID: "u1", HasVideo: true}} })

	res := f.join(t)
	require.Len(t, res.Roster, 1)
	assert.Equal(t, domain.ParticipantID("u1"), res.Roster[0].ID)
	assert.True(t, res.Roster[0].HasVideo)

	joins := f.relay.messages(msgJoin)
	require.Len(t, joins, 1)
	assert.Equal(t, "app", joins[0]["app_id"])
	assert.Equal(t, "room", joins[0]["channel"])
	assert.Equal(t, "tok", joins[0]["token"])
	assert.Equal(t, string(f.user.ID), joins[0]["uid"])
	assert.Equal(t, "alice", joins[0]["name"])

	_, err := f.client.Join(context.Background(), "room", f.user, domain.Credentials{AppID: "app"})
	assert.ErrorIs(t, err, domain.ErrAlreadyConnected)
}

func TestClient_JoinAuthFailure(t *testing.T) {
	f := newFixture(t)
	f.relay.configure(func(r *fakeRelay) { r.joinErrCode = "token_expired" })

	_, err := f.client.Join(context.Background(), "room", f.user, domain.Credentials{AppID: "app"})
	require.ErrorIs(t, err, domain.ErrAuthFailure)
	assert.True(t, f.media.IsClosed())

	// The client is back to Idle and may retry.
	f.relay.configure(func(r *fakeRelay) { r.joinErrCode = "" })
	f.media = &fakeMedia{}
	f.join(t)
}

func TestClient_JoinDialFailure(t *testing.T) {
	c := NewClient(Config{
		URL:      "ws://127.0.0.1:1/relay",
		NewMedia: func(string) (core.MediaConnection, error) { return &fakeMedia{}, nil },
	})
	u, _ := domain.NewUser("bob")

	_, err := c.Join(context.Background(), "room", *u, domain.Credentials{})
	require.ErrorIs(t, err, domain.ErrNetworkFailure)

	_, err = c.Join(context.Background(), "room", *u, domain.Credentials{})
	require.ErrorIs(t, err, domain.ErrNetworkFailure, "a failed join leaves the client idle")
}

func TestClient_PublishNegotiates(t *testing.T) {
	f := newFixture(t)
	tracks := core.LocalTracks{Audio: &publishable{kind: domain.MediaAudio}, Video: &publishable{kind: domain.MediaVideo}}

	require.ErrorIs(t, f.client.Publish(context.Background(), tracks), domain.ErrNotJoined)

	f.join(t)
	require.NoError(t, f.client.Publish(context.Background(), tracks))

	f.media.mu.Lock()
	assert.Len(t, f.media.added, 2)
	assert.Equal(t, []string{"relay-answer"}, f.media.answers)
	f.media.mu.Unlock()

	pubs := f.relay.messages(msgPublish)
	require.Len(t, pubs, 1)
	assert.Equal(t, "client-offer", pubs[0]["sdp"])
	assert.Equal(t, []any{"audio", "video"}, pubs[0]["kinds"])
}

func TestClient_SubscribeResolvesOnTrack(t *testing.T) {
	f := newFixture(t)
	media := f.media
	f.relay.configure(func(r *fakeRelay) {
		r.onSubscribe = func(uid domain.ParticipantID, kind domain.MediaKind) { media.deliver(uid, kind) }
	})
	f.join(t)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	tr, err := f.client.Subscribe(ctx, "u1", domain.MediaVideo)
	require.NoError(t, err)
	assert.Equal(t, domain.MediaVideo, tr.MediaKind())

	again, err := f.client.Subscribe(ctx, "u1", domain.MediaVideo)
	require.NoError(t, err)
	assert.Same(t, tr, again)
	assert.Len(t, f.relay.messages(msgSubscribe), 1)

	require.Eventually(t, func() bool { return len(f.relay.messages(msgAnswer)) == 1 }, 2*time.Second, 5*time.Millisecond)

	tr.Stop()
	require.Eventually(t, func() bool { return len(f.relay.messages(msgUnsubscribe)) == 1 }, 2*time.Second, 5*time.Millisecond)
	unsub := f.relay.messages(msgUnsubscribe)[0]
	assert.Equal(t, "u1", unsub["uid"])
	assert.Equal(t, "video", unsub["kind"])
}

func TestClient_SubscribeError(t *testing.T) {
	f := newFixture(t)
	f.relay.configure(func(r *fakeRelay) { r.subErrCode = "not_found" })
	f.join(t)

	_, err := f.client.Subscribe(context.Background(), "u1", domain.MediaAudio)
	require.ErrorIs(t, err, domain.ErrNetworkFailure)
}

func TestClient_SubscribeTimeout(t *testing.T) {
	f := newFixture(t)
	f.join(t)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := f.client.Subscribe(ctx, "u1", domain.MediaAudio)
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestClient_SubscribeRetriesAfterTimeout(t *testing.T) {
	f := newFixture(t)
	f.join(t)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	_, err := f.client.Subscribe(ctx, "u1", domain.MediaVideo)
	cancel()
	require.ErrorIs(t, err, context.DeadlineExceeded)

	media := f.media
	f.relay.configure(func(r *fakeRelay) {
		r.onSubscribe = func(uid domain.ParticipantID, kind domain.MediaKind) { media.deliver(uid, kind) }
	})

	ctx, cancel = context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	tr, err := f.client.Subscribe(ctx, "u1", domain.MediaVideo)
	require.NoError(t, err)
	assert.Equal(t, domain.MediaVideo, tr.MediaKind())
	assert.Len(t, f.relay.messages(msgSubscribe), 2, "a timed out subscription is requested again")
}

func TestClient_SubscribeSharedWaitOutlivesOneCaller(t *testing.T) {
	f := newFixture(t)
	f.join(t)

	long, cancelLong := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancelLong()
	type result struct {
		tr  core.RemoteTrack
		err error
	}
	done := make(chan result, 1)
	go func() {
		tr, err := f.client.Subscribe(long, "u1", domain.MediaAudio)
		done <- result{tr, err}
	}()
	require.Eventually(t, func() bool { return len(f.relay.messages(msgSubscribe)) == 1 }, 2*time.Second, 5*time.Millisecond)

	short, cancelShort := context.WithTimeout(context.Background(), 30*time.Millisecond)
	_, err := f.client.Subscribe(short, "u1", domain.MediaAudio)
	cancelShort()
	require.ErrorIs(t, err, context.DeadlineExceeded)

	// The remaining caller still owns the pending request.
	f.media.deliver("u1", domain.MediaAudio)
	res := <-done
	require.NoError(t, res.err)
	assert.Equal(t, domain.MediaAudio, res.tr.MediaKind())
	assert.Len(t, f.relay.messages(msgSubscribe), 1)
}

func TestClient_LateTrackIsReused(t *testing.T) {
	f := newFixture(t)
	f.join(t)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Millisecond)
	_, err := f.client.Subscribe(ctx, "u1", domain.MediaVideo)
	cancel()
	require.ErrorIs(t, err, context.DeadlineExceeded)

	f.media.deliver("u1", domain.MediaVideo)

	tr, err := f.client.Subscribe(context.Background(), "u1", domain.MediaVideo)
	require.NoError(t, err)
	assert.Equal(t, domain.ParticipantID("u1"), tr.(interface{ Participant() domain.ParticipantID }).Participant())
	assert.Len(t, f.relay.messages(msgSubscribe), 1, "the late track is reused without a new request")
}

func TestClient_SubscribeRequiresJoin(t *testing.T) {
	f := newFixture(t)
	_, err := f.client.Subscribe(context.Background(), "u1", domain.MediaAudio)
	require.ErrorIs(t, err, domain.ErrNotJoined)
}

func TestClient_ParticipantEvents(t *testing.T) {
	f := newFixture(t)
	f.join(t)

	f.relay.send(userMessage{Type: msgUserPublished, UID: f.relayUID(), Kind: domain.MediaVideo})
	f.relay.send(userMessage{Type: msgUserPublished, UID: "u2", Kind: domain.MediaAudio})
	f.relay.send(userMessage{Type: msgUserPublished, UID: "u2", Kind: "screen"})
	f.relay.send(userMessage{Type: msgUserUnpublished, UID: "u2", Kind: domain.MediaAudio})
	f.relay.send(userMessage{Type: msgUserLeft, UID: "u2"})

	assert.Equal(t, core.Event{Type: core.EventPublished, Participant: "u2", Kind: domain.MediaAudio}, nextEvent(t, f.client))
	assert.Equal(t, core.Event{Type: core.EventUnpublished, Participant: "u2", Kind: domain.MediaAudio}, nextEvent(t, f.client))
	assert.Equal(t, core.Event{Type: core.EventLeft, Participant: "u2"}, nextEvent(t, f.client))
}

// relayUID is the id the relay knows the local user by.
func (f *clientFixture) relayUID() domain.ParticipantID {
	return domain.ParticipantID(f.user.ID)
}

func TestClient_ConnectionLost(t *testing.T) {
	f := newFixture(t)
	f.join(t)

	f.relay.dropConnection()

	assert.Equal(t, core.EventConnectionLost, nextEvent(t, f.client).Type)
	require.NoError(t, f.client.Leave(context.Background()))
}

func TestClient_LeaveResets(t *testing.T) {
	f := newFixture(t)
	media := f.media
	f.relay.configure(func(r *fakeRelay) {
		r.onSubscribe = func(uid domain.ParticipantID, kind domain.MediaKind) { media.deliver(uid, kind) }
	})
	f.join(t)
	_, err := f.client.Subscribe(context.Background(), "u1", domain.MediaAudio)
	require.NoError(t, err)

	// Nobody reads Events: one event is held by the queue runner, one stays queued.
	f.relay.send(userMessage{Type: msgUserLeft, UID: "u3"})
	f.relay.send(userMessage{Type: msgUserLeft, UID: "u4"})
	require.Eventually(t, func() bool { return f.client.events.len() == 1 }, 2*time.Second, 5*time.Millisecond)

	require.NoError(t, f.client.Leave(context.Background()))
	require.NoError(t, f.client.Leave(context.Background()))

	assert.True(t, f.media.IsClosed())
	require.Eventually(t, func() bool { return len(f.relay.messages(msgLeave)) == 1 }, 2*time.Second, 5*time.Millisecond)
	assert.Empty(t, f.relay.messages(msgUnsubscribe), "tracks released on leave are not unsubscribed one by one")

	select {
	case ev := <-f.client.Events():
		t.Fatalf("stale event after leave: %+v", ev)
	case <-time.After(20 * time.Millisecond):
	}

	_, err = f.client.Subscribe(context.Background(), "u1", domain.MediaAudio)
	require.ErrorIs(t, err, domain.ErrNotJoined)

	f.media = &fakeMedia{}
	f.join(t)
}

func TestRemoteError(t *testing.T) {
	cases := map[string]error{
		"auth":           domain.ErrAuthFailure,
		"invalid_token":  domain.ErrAuthFailure,
		"token_expired":  domain.ErrAuthFailure,
		"already_joined": domain.ErrAlreadyConnected,
		"overloaded":     domain.ErrNetworkFailure,
		"":               domain.ErrNetworkFailure,
	}
	for code, want := range cases {
		t.Run(code, func(t *testing.T) {
			err := remoteError(errorMessage{Code: code, Error: "x"})
			assert.ErrorIs(t, err, want)
		})
	}
}
