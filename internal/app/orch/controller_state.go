package orch

import (
	"github.com/dkeye/VideoCall/internal/core"
	"github.com/dkeye/VideoCall/internal/domain"
)

// buildState assembles a snapshot from loop-owned fields.
func (c *Controller) buildState() core.CallState {
	st := core.CallState{
		State:         c.state,
		Channel:       c.cfg.Channel,
		AudioMuted:    c.audioMuted,
		VideoMuted:    c.videoMuted,
		HasLocalAudio: c.tracks.Audio != nil,
		HasLocalVideo: c.tracks.Video != nil,
	}
	if c.lastErr != nil {
		st.Error = &core.ErrorView{Kind: c.lastErr.Kind, Message: c.lastErr.Message}
	}

	remote := c.registry.Snapshot()
	st.Participants = make([]core.ParticipantView, 0, len(remote)+1)
	if c.state != domain.StateIdle {
		st.LocalID = c.user.ID
		st.LocalName = c.user.Username
		local := core.ParticipantView{
			ID:            domain.ParticipantID(c.user.ID),
			DisplayName:   c.user.Username,
			Local:         true,
			HasAudio:      st.HasLocalAudio,
			HasVideo:      st.HasLocalVideo,
			AudioPlayable: st.HasLocalAudio && !c.audioMuted,
			VideoPlayable: st.HasLocalVideo && !c.videoMuted,
		}
		local.VideoPlaceholder = !local.VideoPlayable
		st.Participants = append(st.Participants, local)
	}
	st.Participants = append(st.Participants, remote...)
	return st
}

// publish stores a fresh snapshot and offers it to every watcher. A watcher
// that has not drained the previous snapshot gets it replaced.
func (c *Controller) publish() {
	st := c.buildState()
	c.snapMu.Lock()
	c.snap = st
	c.snapMu.Unlock()
	c.status.Store(int32(st.State))

	c.watchMu.Lock()
	defer c.watchMu.Unlock()
	for _, ch := range c.watchers {
		offer(ch, st)
	}
}

func offer(ch chan core.CallState, st core.CallState) {
	select {
	case ch <- st:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- st:
	default:
	}
}

func (c *Controller) State() core.CallState {
	c.snapMu.RLock()
	defer c.snapMu.RUnlock()
	return c.snap
}

// Watch delivers the current snapshot immediately and every change after it.
// The channel is closed by the returned stop func or when the call loop ends.
func (c *Controller) Watch() (<-chan core.CallState, func()) {
	ch := make(chan core.CallState, 1)

	c.watchMu.Lock()
	defer c.watchMu.Unlock()
	ch <- c.State()
	if c.watchClosed {
		close(ch)
		return ch, func() {}
	}
	id := c.nextWatch
	c.nextWatch++
	c.watchers[id] = ch
	return ch, func() {
		c.watchMu.Lock()
		defer c.watchMu.Unlock()
		if w, ok := c.watchers[id]; ok {
			delete(c.watchers, id)
			close(w)
		}
	}
}

func (c *Controller) closeWatchers() {
	c.watchMu.Lock()
	defer c.watchMu.Unlock()
	c.watchClosed = true
	for id, ch := range c.watchers {
		delete(c.watchers, id)
		close(ch)
	}
}
