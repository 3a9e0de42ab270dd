package orch

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/VideoCall/internal/core"
	"github.com/dkeye/VideoCall/internal/domain"
)

// guard runs fn and turns a panic into a generic failure that forces Idle.
func (c *Controller) guard(ctx context.Context, op string, fn func() error) (err error) {
	defer func() {
		rec := recover()
		if rec == nil {
			return
		}
		log.Error().
			Str("module", "orch").
			Str("op", op).
			Interface("panic", rec).
			Str("stack", string(debug.Stack())).
			Msg("recovered panic in call loop")
		cerr := &domain.CallError{
			Kind:    domain.FailureUnknown,
			Message: domain.MsgUnexpected,
			Err:     fmt.Errorf("%s: panic: %v", op, rec),
		}
		c.forceIdle(ctx, cerr)
		err = cerr
	}()
	return fn()
}

func (c *Controller) forceIdle(ctx context.Context, cerr *domain.CallError) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Error().Str("module", "orch").Interface("panic", rec).Msg("panic during forced teardown")
		}
		c.state = domain.StateIdle
		c.tracks = core.LocalTracks{}
		c.lastErr = cerr
		c.publish()
	}()
	c.teardown(ctx)
}

func (c *Controller) setState(s domain.ConnectionState) {
	if c.state == s {
		return
	}
	log.Info().Str("module", "orch").
		Str("channel", string(c.cfg.Channel)).
		Str("from", c.state.String()).
		Str("state", s.String()).
		Msg("call state changed")
	c.state = s
	c.publish()
}

func (c *Controller) join(ctx context.Context, user domain.User) error {
	if c.state != domain.StateIdle {
		return nil
	}
	started := time.Now()
	c.user = user
	c.lastErr = nil
	c.setState(domain.StateJoining)

	jctx := ctx
	if c.cfg.JoinTimeout > 0 {
		var cancel context.CancelFunc
		jctx, cancel = context.WithTimeout(ctx, c.cfg.JoinTimeout)
		defer cancel()
	}

	err := c.joinSequence(jctx)
	if err != nil && ctx.Err() == nil && errors.Is(jctx.Err(), context.DeadlineExceeded) {
		err = fmt.Errorf("join timed out after %s: %w: %w", c.cfg.JoinTimeout, domain.ErrNetworkFailure, err)
	}
	failure := ""
	if err != nil {
		failure = string(domain.Classify(err))
	}
	c.metrics.RecordJoin(ctx, started, failure)
	if err != nil {
		return c.failJoin(ctx, err)
	}

	c.metrics.ActiveCalls.Add(ctx, 1)
	c.syncGauges(ctx)
	c.setState(domain.StateJoined)
	log.Info().Str("module", "orch").
		Str("channel", string(c.cfg.Channel)).
		Str("user", string(user.ID)).
		Int("remote", c.registry.Len()).
		Dur("took", time.Since(started)).
		Msg("joined")
	return nil
}

// joinSequence acquires devices, joins, backfills the roster and publishes,
// strictly in that order.
func (c *Controller) joinSequence(ctx context.Context) error {
	tracks, err := c.devices.AcquireLocalTracks(ctx)
	if err != nil {
		return fmt.Errorf("acquire local tracks: %w", err)
	}
	c.tracks = tracks
	c.audioMuted, c.videoMuted = false, false

	res, err := c.client.Join(ctx, c.cfg.Channel, c.user, c.cfg.Credentials)
	if err != nil {
		return fmt.Errorf("join %s: %w", c.cfg.Channel, err)
	}

	self := domain.ParticipantID(c.user.ID)
	roster := make([]core.RosterEntry, 0, len(res.Roster))
	for _, e := range res.Roster {
		if e.ID != self {
			roster = append(roster, e)
		}
	}
	c.registry.Backfill(ctx, roster)

	if err := c.client.Publish(ctx, tracks); err != nil {
		return fmt.Errorf("publish local tracks: %w", err)
	}
	return nil
}

// failJoin releases everything the partial join acquired and returns to Idle.
func (c *Controller) failJoin(ctx context.Context, err error) error {
	c.teardown(ctx)
	cerr := domain.NewCallError(err)
	c.lastErr = cerr
	c.setState(domain.StateIdle)

	if cerr == nil {
		log.Debug().Str("module", "orch").Err(err).Msg("join ignored, already connected")
		return nil
	}
	log.Warn().Err(err).
		Str("module", "orch").
		Str("channel", string(c.cfg.Channel)).
		Str("kind", string(cerr.Kind)).
		Msg("join failed")
	return cerr
}

func (c *Controller) leave(ctx context.Context) {
	if c.state == domain.StateIdle {
		return
	}
	wasJoined := c.state == domain.StateJoined
	c.setState(domain.StateLeaving)
	c.teardown(ctx)
	if wasJoined {
		c.metrics.ActiveCalls.Add(ctx, -1)
	}
	c.setState(domain.StateIdle)
	log.Info().Str("module", "orch").Str("channel", string(c.cfg.Channel)).Msg("left")
}

// teardown releases local tracks, clears the registry and leaves the
// session. Leave failures are logged, never returned.
func (c *Controller) teardown(ctx context.Context) {
	c.devices.ReleaseTracks(c.tracks)
	c.tracks = core.LocalTracks{}
	c.audioMuted, c.videoMuted = false, false

	c.registry.Clear()
	c.syncGauges(ctx)

	lctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.cfg.LeaveTimeout)
	defer cancel()
	if err := c.client.Leave(lctx); err != nil {
		log.Warn().Err(err).Str("module", "orch").Str("channel", string(c.cfg.Channel)).Msg("leave failed, local state reset anyway")
	}
}

func (c *Controller) shutdown() {
	if c.state != domain.StateIdle {
		log.Info().Str("module", "orch").Str("channel", string(c.cfg.Channel)).Msg("leaving on shutdown")
		_ = c.guard(context.Background(), "shutdown", func() error {
			c.leave(context.Background())
			return nil
		})
	}
	c.closeWatchers()
}

func (c *Controller) toggle(kind domain.MediaKind) (bool, error) {
	track, muted := c.tracks.Audio, &c.audioMuted
	if kind == domain.MediaVideo {
		track, muted = c.tracks.Video, &c.videoMuted
	}
	if track == nil {
		return *muted, nil
	}
	next := !*muted
	if err := c.devices.SetMuted(track, next); err != nil {
		log.Warn().Err(err).Str("module", "orch").Str("kind", string(kind)).Msg("set muted failed")
		return *muted, fmt.Errorf("mute %s: %w", kind, err)
	}
	*muted = next
	c.publish()
	return next, nil
}

func (c *Controller) handleEvent(ctx context.Context, ev core.Event) {
	if c.state != domain.StateJoined {
		log.Debug().Str("module", "orch").
			Str("event", ev.Type.String()).
			Str("participant", string(ev.Participant)).
			Str("state", c.state.String()).
			Msg("event dropped, not joined")
		return
	}
	if ev.Participant != "" && ev.Participant == domain.ParticipantID(c.user.ID) {
		return
	}

	switch ev.Type {
	case core.EventPublished:
		c.registry.OnPublished(ctx, ev.Participant, ev.Kind)
	case core.EventUnpublished:
		c.registry.OnUnpublished(ev.Participant, ev.Kind)
	case core.EventLeft:
		c.registry.OnLeft(ev.Participant)
	case core.EventConnectionLost:
		log.Warn().Str("module", "orch").Str("channel", string(c.cfg.Channel)).Msg("connection to relay lost")
		c.leave(ctx)
		c.lastErr = domain.NewCallError(fmt.Errorf("relay connection lost: %w", domain.ErrNetworkFailure))
		c.publish()
		return
	default:
		log.Warn().Str("module", "orch").Int("type", int(ev.Type)).Msg("unknown event")
		return
	}
	c.syncGauges(ctx)
	c.publish()
}

func (c *Controller) syncGauges(ctx context.Context) {
	n := int64(c.registry.Len())
	if d := n - c.remoteReported; d != 0 {
		c.metrics.RemoteParticipants.Add(ctx, d)
		c.remoteReported = n
	}
}
