// Package relay is the session client of the hosted media relay: JSON
// signaling over a websocket plus one peer connection carrying the media.
package relay

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/VideoCall/internal/app/playback"
	"github.com/dkeye/VideoCall/internal/core"
	"github.com/dkeye/VideoCall/internal/domain"
)

const defaultPingPeriod = 15 * time.Second

type Config struct {
	URL        string
	PingPeriod time.Duration
	// NewMedia builds the peer connection of one session.
	NewMedia func(label string) (core.MediaConnection, error)
	Dialer   *websocket.Dialer
}

type connState int

const (
	stateIdle connState = iota
	stateJoining
	stateJoined
)

// waiter is resolved exactly once by the read pump or by teardown.
type waiter struct {
	done   chan struct{}
	once   sync.Once
	roster []core.RosterEntry
	sdp    string
	track  *playback.Track
	err    error
	// refs counts Subscribe calls waiting on a pending subscription;
	// guarded by Client.mu.
	refs int
}

func newWaiter() *waiter { return &waiter{done: make(chan struct{})} }

func (w *waiter) resolve(fn func(w *waiter)) {
	w.once.Do(func() {
		fn(w)
		close(w.done)
	})
}

func (w *waiter) fail(err error) { w.resolve(func(w *waiter) { w.err = err }) }

func (w *waiter) wait(ctx context.Context) error {
	select {
	case <-w.done:
		return w.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

type Client struct {
	cfg    Config
	events *eventQueue

	mu      sync.Mutex
	state   connState
	session uint64
	ws      *wsConn
	media   core.MediaConnection
	cancel  context.CancelFunc
	self    domain.ParticipantID
	join    *waiter
	publish *waiter
	pending map[string]*waiter
	live    map[string]*playback.Track
}

var _ core.SessionClient = (*Client)(nil)

func NewClient(cfg Config) *Client {
	if cfg.PingPeriod <= 0 {
		cfg.PingPeriod = defaultPingPeriod
	}
	if cfg.Dialer == nil {
		cfg.Dialer = websocket.DefaultDialer
	}
	return &Client{
		cfg:     cfg,
		events:  newEventQueue(),
		pending: make(map[string]*waiter),
		live:    make(map[string]*playback.Track),
	}
}

func (c *Client) Events() <-chan core.Event { return c.events.out }

// Join connects to the relay and enters channel. It is not reentrant.
func (c *Client) Join(ctx context.Context, channel domain.ChannelName, user domain.User, creds domain.Credentials) (core.JoinResult, error) {
	c.mu.Lock()
	if c.state != stateIdle {
		c.mu.Unlock()
		return core.JoinResult{}, fmt.Errorf("join %s: %w", channel, domain.ErrAlreadyConnected)
	}
	c.state = stateJoining
	c.session++
	sess := c.session
	c.self = domain.ParticipantID(user.ID)
	jw := newWaiter()
	c.join = jw
	c.mu.Unlock()

	logger := log.With().Str("module", "relay").Str("channel", string(channel)).Logger()

	roster, err := c.connect(ctx, sess, channel, user, creds, jw)
	if err != nil {
		logger.Warn().Err(err).Msg("join failed")
		c.teardown(context.Background(), sess, false)
		return core.JoinResult{}, err
	}

	c.mu.Lock()
	if c.session != sess {
		c.mu.Unlock()
		return core.JoinResult{}, networkError("join", ErrConnClosed)
	}
	c.state = stateJoined
	c.join = nil
	c.mu.Unlock()

	logger.Info().Int("roster", len(roster)).Msg("joined")
	return core.JoinResult{Roster: roster}, nil
}

func (c *Client) connect(ctx context.Context, sess uint64, channel domain.ChannelName, user domain.User, creds domain.Credentials, jw *waiter) ([]core.RosterEntry, error) {
	conn, _, err := c.cfg.Dialer.DialContext(ctx, c.cfg.URL, nil)
	if err != nil {
		return nil, networkError("dial relay", err)
	}
	ws := newWSConn(conn)

	connCtx, cancel := context.WithCancel(context.Background())
	c.mu.Lock()
	if c.session != sess {
		c.mu.Unlock()
		cancel()
		ws.Close(ctx)
		return nil, networkError("join", ErrConnClosed)
	}
	c.ws = ws
	c.cancel = cancel
	c.mu.Unlock()

	mc, err := c.cfg.NewMedia(string(channel))
	if err != nil {
		return nil, networkError("create media connection", err)
	}
	mc.OnICECandidate(func(ci webrtc.ICECandidateInit) {
		_ = ws.sendJSON(newCandidateMessage(ci))
	})
	mc.OnTrack(func(trackCtx context.Context, it core.IncomingTrack) {
		c.onTrack(trackCtx, sess, it)
	})
	c.mu.Lock()
	c.media = mc
	c.mu.Unlock()
	if err := mc.Start(connCtx); err != nil {
		return nil, networkError("start media connection", err)
	}

	c.events.start()
	go ws.readPump(3*c.cfg.PingPeriod,
		func(data []byte) { c.handle(sess, data) },
		func(err error) { c.onDisconnect(sess, err) },
	)

	if err := ws.sendJSON(joinRequest{
		Type:    msgJoin,
		ID:      refJoin,
		AppID:   creds.AppID,
		Channel: channel,
		Token:   creds.Token,
		UID:     domain.ParticipantID(user.ID),
		Name:    user.Username,
	}); err != nil {
		return nil, networkError("send join", err)
	}
	if err := jw.wait(ctx); err != nil {
		if ctx.Err() != nil {
			return nil, networkError("await join", err)
		}
		return nil, err
	}

	go c.pingLoop(connCtx, ws)
	return jw.roster, nil
}

// Publish attaches the local tracks and negotiates them with the relay.
func (c *Client) Publish(ctx context.Context, tracks core.LocalTracks) error {
	c.mu.Lock()
	if c.state != stateJoined {
		c.mu.Unlock()
		return fmt.Errorf("publish: %w", domain.ErrNotJoined)
	}
	mc, ws := c.media, c.ws
	pw := newWaiter()
	c.publish = pw
	c.mu.Unlock()

	kinds := make([]domain.MediaKind, 0, 2)
	for _, tr := range tracks.All() {
		tl, ok := tr.(webrtc.TrackLocal)
		if !ok {
			return fmt.Errorf("%w: %s", ErrUnsupported, tr.ID())
		}
		if _, err := mc.AddLocalTrack(tl); err != nil {
			return networkError("add local track", err)
		}
		kinds = append(kinds, tr.MediaKind())
	}

	offer, err := mc.CreateAndSetOffer()
	if err != nil {
		return networkError("create offer", err)
	}
	if err := ws.sendJSON(publishRequest{Type: msgPublish, ID: refPublish, Kinds: kinds, SDP: offer.SDP}); err != nil {
		return networkError("send publish", err)
	}
	if err := pw.wait(ctx); err != nil {
		if ctx.Err() != nil {
			return networkError("await publish answer", err)
		}
		return err
	}
	if err := mc.ApplyAnswer(webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: pw.sdp}); err != nil {
		return networkError("apply answer", err)
	}

	c.mu.Lock()
	if c.publish == pw {
		c.publish = nil
	}
	c.mu.Unlock()
	log.Info().Str("module", "relay").Int("tracks", len(kinds)).Msg("local tracks published")
	return nil
}

// Subscribe asks the relay for one kind of id and waits for the matching
// remote track. A live handle is reused.
func (c *Client) Subscribe(ctx context.Context, id domain.ParticipantID, kind domain.MediaKind) (core.RemoteTrack, error) {
	key := subscribeRef(id, kind)

	c.mu.Lock()
	if c.state != stateJoined {
		c.mu.Unlock()
		return nil, fmt.Errorf("subscribe %s: %w", key, domain.ErrNotJoined)
	}
	if tr, ok := c.live[key]; ok && !ended(tr) {
		c.mu.Unlock()
		return tr, nil
	}
	w, inflight := c.pending[key]
	if !inflight {
		w = newWaiter()
		c.pending[key] = w
	}
	w.refs++
	ws := c.ws
	c.mu.Unlock()

	if !inflight {
		if err := ws.sendJSON(subscribeRequest{Type: msgSubscribe, ID: key, UID: id, Kind: kind}); err != nil {
			c.dropPending(key, w)
			w.fail(networkError("send subscribe", err))
		}
	}
	if err := w.wait(ctx); err != nil {
		c.abandon(key, w)
		return nil, fmt.Errorf("subscribe %s: %w", key, err)
	}
	return w.track, nil
}

// abandon forgets a pending subscription once its last caller gave up, so
// the next Subscribe asks the relay again. A track arriving later still
// lands in live and is reused.
func (c *Client) abandon(key string, w *waiter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	w.refs--
	if w.refs <= 0 && c.pending[key] == w {
		delete(c.pending, key)
	}
}

func (c *Client) dropPending(key string, w *waiter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pending[key] == w {
		delete(c.pending, key)
	}
}

func ended(tr *playback.Track) bool {
	select {
	case <-tr.Done():
		return true
	default:
		return false
	}
}

// Leave tells the relay goodbye and releases everything. The client is Idle
// afterwards whatever the outcome.
func (c *Client) Leave(ctx context.Context) error {
	c.mu.Lock()
	idle := c.state == stateIdle && c.ws == nil
	sess := c.session
	c.mu.Unlock()
	if idle {
		return nil
	}
	return c.teardown(ctx, sess, true)
}

func (c *Client) teardown(ctx context.Context, sess uint64, sayGoodbye bool) error {
	c.mu.Lock()
	if c.session != sess {
		c.mu.Unlock()
		return nil
	}
	ws, mc, cancel := c.ws, c.media, c.cancel
	c.ws, c.media, c.cancel = nil, nil, nil
	waiters := make([]*waiter, 0, len(c.pending)+2)
	for _, w := range c.pending {
		waiters = append(waiters, w)
	}
	if c.join != nil {
		waiters = append(waiters, c.join)
	}
	if c.publish != nil {
		waiters = append(waiters, c.publish)
	}
	live := c.live
	c.pending = make(map[string]*waiter)
	c.live = make(map[string]*playback.Track)
	c.join, c.publish = nil, nil
	c.state = stateIdle
	c.session++
	c.mu.Unlock()

	left := fmt.Errorf("%w: session closed", domain.ErrNetworkFailure)
	for _, w := range waiters {
		w.fail(left)
	}
	c.events.stop()
	for _, tr := range live {
		tr.Stop()
	}

	var err error
	if ws != nil {
		if sayGoodbye {
			err = ws.sendJSON(simpleMessage{Type: msgLeave})
		}
		ws.Close(ctx)
	}
	if cancel != nil {
		cancel()
	}
	if mc != nil {
		mc.Close()
	}
	log.Info().Str("module", "relay").Int("tracks", len(live)).Msg("session closed")
	return err
}

func (c *Client) onDisconnect(sess uint64, err error) {
	c.mu.Lock()
	if c.session != sess {
		c.mu.Unlock()
		return
	}
	state := c.state
	waiters := make([]*waiter, 0, len(c.pending)+2)
	for _, w := range c.pending {
		waiters = append(waiters, w)
	}
	if c.join != nil {
		waiters = append(waiters, c.join)
	}
	if c.publish != nil {
		waiters = append(waiters, c.publish)
	}
	c.mu.Unlock()

	lost := networkError("relay connection", err)
	for _, w := range waiters {
		w.fail(lost)
	}
	if state == stateJoined {
		log.Warn().Err(err).Str("module", "relay").Msg("relay connection lost")
		c.events.push(core.Event{Type: core.EventConnectionLost})
	}
}

// current returns the live connection pieces if sess is still current.
func (c *Client) current(sess uint64) (*wsConn, core.MediaConnection, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != sess {
		return nil, nil, false
	}
	return c.ws, c.media, true
}

func (c *Client) handle(sess uint64, data []byte) {
	var env envelope
	if err := json.Unmarshal(data, &env); err != nil {
		log.Error().Err(err).Str("module", "relay").Msg("bad json")
		return
	}
	ws, mc, ok := c.current(sess)
	if !ok {
		return
	}

	switch env.Type {
	case msgJoined:
		var m joinedMessage
		if err := json.Unmarshal(data, &m); err != nil {
			log.Error().Err(err).Str("module", "relay").Msg("bad joined payload")
			return
		}
		c.mu.Lock()
		jw := c.join
		c.mu.Unlock()
		if jw != nil {
			jw.resolve(func(w *waiter) { w.roster = m.Roster })
		}
	case msgError:
		var m errorMessage
		if err := json.Unmarshal(data, &m); err != nil {
			log.Error().Err(err).Str("module", "relay").Msg("bad error payload")
			return
		}
		c.handleError(m)
	case msgAnswer:
		var m sdpMessage
		if err := json.Unmarshal(data, &m); err != nil {
			log.Error().Err(err).Str("module", "relay").Msg("bad answer payload")
			return
		}
		c.mu.Lock()
		pw := c.publish
		c.mu.Unlock()
		if pw != nil {
			pw.resolve(func(w *waiter) { w.sdp = m.SDP })
		}
	case msgOffer:
		var m sdpMessage
		if err := json.Unmarshal(data, &m); err != nil {
			log.Error().Err(err).Str("module", "relay").Msg("bad offer payload")
			return
		}
		answer, err := mc.ApplyOfferAndCreateAnswer(webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: m.SDP})
		if err != nil {
			log.Error().Err(err).Str("module", "relay").Msg("apply relay offer")
			return
		}
		_ = ws.sendJSON(sdpMessage{Type: msgAnswer, SDP: answer.SDP})
	case msgCandidate:
		var m candidateMessage
		if err := json.Unmarshal(data, &m); err != nil {
			log.Error().Err(err).Str("module", "relay").Msg("bad candidate payload")
			return
		}
		if err := mc.AddICECandidate(m.init()); err != nil {
			log.Error().Err(err).Str("module", "relay").Msg("add ice candidate")
		}
	case msgUserPublished, msgUserUnpublished, msgUserLeft:
		c.handleUser(env.Type, data)
	case msgPong:
	default:
		log.Warn().Str("module", "relay").Str("type", env.Type).Msg("unknown message")
	}
}

func (c *Client) handleError(m errorMessage) {
	err := remoteError(m)
	c.mu.Lock()
	var w *waiter
	switch {
	case m.Ref == refJoin:
		w = c.join
	case m.Ref == refPublish:
		w = c.publish
	case strings.HasPrefix(m.Ref, "subscribe:"):
		w = c.pending[m.Ref]
		delete(c.pending, m.Ref)
	}
	c.mu.Unlock()

	if w == nil {
		log.Warn().Err(err).Str("module", "relay").Str("ref", m.Ref).Msg("relay error")
		return
	}
	w.fail(err)
}

func (c *Client) handleUser(typ string, data []byte) {
	var m userMessage
	if err := json.Unmarshal(data, &m); err != nil {
		log.Error().Err(err).Str("module", "relay").Str("type", typ).Msg("bad user payload")
		return
	}
	c.mu.Lock()
	self := c.self
	c.mu.Unlock()
	if m.UID == "" || m.UID == self {
		return
	}

	ev := core.Event{Participant: m.UID, Kind: m.Kind}
	switch typ {
	case msgUserPublished:
		ev.Type = core.EventPublished
	case msgUserUnpublished:
		ev.Type = core.EventUnpublished
	case msgUserLeft:
		ev.Type = core.EventLeft
		ev.Kind = ""
	}
	if ev.Type != core.EventLeft {
		if _, err := domain.ParseMediaKind(string(m.Kind)); err != nil {
			log.Warn().Err(err).Str("module", "relay").Str("type", typ).Msg("bad media kind")
			return
		}
	}
	log.Debug().Str("module", "relay").Str("event", ev.Type.String()).Str("participant", string(m.UID)).Str("kind", string(ev.Kind)).Msg("participant event")
	c.events.push(ev)
}

func mediaKindOf(t webrtc.RTPCodecType) (domain.MediaKind, bool) {
	switch t {
	case webrtc.RTPCodecTypeAudio:
		return domain.MediaAudio, true
	case webrtc.RTPCodecTypeVideo:
		return domain.MediaVideo, true
	default:
		return "", false
	}
}

func (c *Client) onTrack(ctx context.Context, sess uint64, it core.IncomingTrack) {
	kind, ok := mediaKindOf(it.Kind())
	if !ok {
		log.Warn().Str("module", "relay").Str("track", it.ID()).Msg("remote track of unknown kind")
		return
	}
	id := domain.ParticipantID(it.StreamID())
	key := subscribeRef(id, kind)

	var tr *playback.Track
	tr = playback.NewTrack(ctx, it.ID(), id, kind, it, func() { c.release(sess, key, tr) })

	c.mu.Lock()
	if c.session != sess {
		c.mu.Unlock()
		tr.Stop()
		return
	}
	c.live[key] = tr
	w := c.pending[key]
	delete(c.pending, key)
	c.mu.Unlock()

	if w != nil {
		w.resolve(func(w *waiter) { w.track = tr })
	}
}

// release forgets tr and tells the relay to stop sending it.
func (c *Client) release(sess uint64, key string, tr *playback.Track) {
	c.mu.Lock()
	if c.session != sess || c.live[key] != tr {
		c.mu.Unlock()
		return
	}
	delete(c.live, key)
	ws := c.ws
	joined := c.state == stateJoined
	c.mu.Unlock()

	if joined && ws != nil {
		_ = ws.sendJSON(subscribeRequest{Type: msgUnsubscribe, UID: tr.Participant(), Kind: tr.MediaKind()})
	}
}

func (c *Client) pingLoop(ctx context.Context, ws *wsConn) {
	ticker := time.NewTicker(c.cfg.PingPeriod)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := ws.sendJSON(simpleMessage{Type: msgPing}); err != nil {
				log.Debug().Err(err).Str("module", "relay").Msg("ping stopped")
				return
			}
		}
	}
}
