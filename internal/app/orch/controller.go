package orch

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/VideoCall/internal/app"
	"github.com/dkeye/VideoCall/internal/core"
	"github.com/dkeye/VideoCall/internal/domain"
	"github.com/dkeye/VideoCall/internal/observe"
)

var ErrAlreadyRunning = errors.New("controller already running")

const defaultLeaveTimeout = 5 * time.Second

type Config struct {
	Channel     domain.ChannelName
	Credentials domain.Credentials
	// JoinTimeout bounds the whole join sequence. Zero means unbounded.
	JoinTimeout  time.Duration
	LeaveTimeout time.Duration

	SubscribeTimeout    time.Duration
	BackfillConcurrency int
}

type cmdKind int

const (
	cmdJoin cmdKind = iota + 1
	cmdLeave
	cmdToggleAudio
	cmdToggleVideo
)

func (k cmdKind) String() string {
	switch k {
	case cmdJoin:
		return "join"
	case cmdLeave:
		return "leave"
	case cmdToggleAudio:
		return "toggle-audio"
	case cmdToggleVideo:
		return "toggle-video"
	default:
		return "unknown"
	}
}

type reply struct {
	muted bool
	err   error
}

type command struct {
	kind  cmdKind
	user  domain.User
	reply chan reply
}

// Controller drives one call. All call state is owned by the Run loop;
// public methods hand commands to it and wait for the outcome.
type Controller struct {
	cfg      Config
	devices  core.DeviceGateway
	client   core.SessionClient
	registry *app.Registry
	metrics  *observe.Metrics

	cmds    chan command
	closed  chan struct{}
	running atomic.Bool
	status  atomic.Int32

	// loop-owned
	state          domain.ConnectionState
	user           domain.User
	tracks         core.LocalTracks
	audioMuted     bool
	videoMuted     bool
	lastErr        *domain.CallError
	remoteReported int64

	snapMu sync.RWMutex
	snap   core.CallState

	watchMu     sync.Mutex
	watchers    map[int]chan core.CallState
	nextWatch   int
	watchClosed bool
}

var _ app.CallRunner = (*Controller)(nil)

type Option func(*Controller)

func WithMetrics(m *observe.Metrics) Option {
	return func(c *Controller) { c.metrics = m }
}

func NewController(cfg Config, devices core.DeviceGateway, client core.SessionClient, opts ...Option) *Controller {
	if cfg.LeaveTimeout <= 0 {
		cfg.LeaveTimeout = defaultLeaveTimeout
	}
	c := &Controller{
		cfg:      cfg,
		devices:  devices,
		client:   client,
		cmds:     make(chan command),
		closed:   make(chan struct{}),
		watchers: make(map[int]chan core.CallState),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.metrics == nil {
		c.metrics = observe.DefaultMetrics()
	}
	c.registry = app.NewRegistry(client,
		app.WithSubscribeTimeout(cfg.SubscribeTimeout),
		app.WithBackfillConcurrency(cfg.BackfillConcurrency),
		app.WithSubscribeObserver(func(kind domain.MediaKind, err error) {
			c.metrics.RecordSubscribe(context.Background(), string(kind), err)
		}),
	)
	c.snap = c.buildState()
	return c
}

// Run owns the call until ctx ends, then leaves unconditionally and rejects
// further commands with domain.ErrClosed.
func (c *Controller) Run(ctx context.Context) error {
	if !c.running.CompareAndSwap(false, true) {
		return ErrAlreadyRunning
	}
	defer close(c.closed)

	logger := log.With().Str("module", "orch").Str("channel", string(c.cfg.Channel)).Logger()
	logger.Debug().Msg("call loop started")

	events := c.client.Events()
	for {
		select {
		case <-ctx.Done():
			c.shutdown()
			logger.Debug().Msg("call loop stopped")
			return nil
		case cmd := <-c.cmds:
			c.exec(ctx, cmd)
		case ev, ok := <-events:
			if !ok {
				events = nil
				continue
			}
			_ = c.guard(ctx, ev.Type.String(), func() error {
				c.handleEvent(ctx, ev)
				return nil
			})
		}
	}
}

func (c *Controller) exec(ctx context.Context, cmd command) {
	var r reply
	r.err = c.guard(ctx, cmd.kind.String(), func() error {
		switch cmd.kind {
		case cmdJoin:
			return c.join(ctx, cmd.user)
		case cmdLeave:
			c.leave(ctx)
			return nil
		case cmdToggleAudio:
			var err error
			r.muted, err = c.toggle(domain.MediaAudio)
			return err
		case cmdToggleVideo:
			var err error
			r.muted, err = c.toggle(domain.MediaVideo)
			return err
		}
		return nil
	})
	cmd.reply <- r
}

func (c *Controller) send(ctx context.Context, cmd command) reply {
	cmd.reply = make(chan reply, 1)
	select {
	case c.cmds <- cmd:
	case <-c.closed:
		return reply{err: domain.ErrClosed}
	case <-ctx.Done():
		return reply{err: ctx.Err()}
	}
	select {
	case r := <-cmd.reply:
		return r
	case <-ctx.Done():
		return reply{err: ctx.Err()}
	}
}

func (c *Controller) currentState() domain.ConnectionState {
	return domain.ConnectionState(c.status.Load())
}

// RequestJoin validates name and runs the join sequence. It is a no-op
// unless the call is Idle. Failures are returned as *domain.CallError and
// also recorded in the published state.
func (c *Controller) RequestJoin(ctx context.Context, name string) error {
	user, err := domain.NewUser(name)
	if err != nil {
		return domain.NewCallError(err)
	}
	if c.currentState() != domain.StateIdle {
		return nil
	}
	return c.send(ctx, command{kind: cmdJoin, user: *user}).err
}

// RequestLeave tears the call down. Safe to call in any state; a leave sent
// while joining runs once the join settles.
func (c *Controller) RequestLeave(ctx context.Context) error {
	select {
	case <-c.closed:
		return nil
	default:
	}
	if c.currentState() == domain.StateIdle {
		return nil
	}
	return c.send(ctx, command{kind: cmdLeave}).err
}

func (c *Controller) ToggleLocalAudio(ctx context.Context) (bool, error) {
	r := c.send(ctx, command{kind: cmdToggleAudio})
	return r.muted, r.err
}

func (c *Controller) ToggleLocalVideo(ctx context.Context) (bool, error) {
	r := c.send(ctx, command{kind: cmdToggleVideo})
	return r.muted, r.err
}

func (c *Controller) RemoteTrack(id domain.ParticipantID, kind domain.MediaKind) (core.RemoteTrack, bool) {
	return c.registry.Track(id, kind)
}
