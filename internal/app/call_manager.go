package app

import (
	"context"
	"sync"

	"github.com/rs/zerolog/log"

	"github.com/dkeye/VideoCall/internal/core"
)

// CallRunner is a call service driven by its own loop.
type CallRunner interface {
	core.CallService
	Run(ctx context.Context) error
}

// SpawnFunc builds a fresh call for a browser session.
type SpawnFunc func(key core.SessionKey) CallRunner

type callHandle struct {
	svc    CallRunner
	cancel context.CancelFunc
	done   chan struct{}
}

var _ core.CallFactory = (*CallManager)(nil)

type CallManager struct {
	ctx   context.Context
	spawn SpawnFunc

	mu    sync.RWMutex
	calls map[core.SessionKey]*callHandle
}

// NewCallManager runs every spawned call until ctx ends or it is stopped.
func NewCallManager(ctx context.Context, spawn SpawnFunc) *CallManager {
	return &CallManager{
		ctx:   ctx,
		spawn: spawn,
		calls: make(map[core.SessionKey]*callHandle),
	}
}

func (m *CallManager) GetOrCreate(key core.SessionKey) core.CallService {
	m.mu.RLock()
	h, ok := m.calls[key]
	m.mu.RUnlock()
	if ok {
		return h.svc
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if h, ok = m.calls[key]; ok {
		return h.svc
	}

	ctx, cancel := context.WithCancel(m.ctx)
	h = &callHandle{svc: m.spawn(key), cancel: cancel, done: make(chan struct{})}
	m.calls[key] = h
	go func() {
		defer close(h.done)
		if err := h.svc.Run(ctx); err != nil {
			log.Warn().Err(err).Str("module", "app.calls").Str("session", string(key)).Msg("call loop exited")
		}
	}()
	log.Info().Str("module", "app.calls").Str("session", string(key)).Msg("call created")
	return h.svc
}

func (m *CallManager) Get(key core.SessionKey) (core.CallService, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	h, ok := m.calls[key]
	if !ok {
		return nil, false
	}
	return h.svc, true
}

func (m *CallManager) List() []core.CallInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]core.CallInfo, 0, len(m.calls))
	for key, h := range m.calls {
		st := h.svc.State()
		remote := 0
		for _, p := range st.Participants {
			if !p.Local {
				remote++
			}
		}
		out = append(out, core.CallInfo{Key: key, State: st.State, Participants: remote})
	}
	return out
}

// StopCall ends the call loop, which leaves the channel, and forgets the call.
func (m *CallManager) StopCall(key core.SessionKey) {
	m.mu.Lock()
	h, ok := m.calls[key]
	delete(m.calls, key)
	m.mu.Unlock()
	if !ok {
		return
	}
	h.cancel()
	<-h.done
	log.Info().Str("module", "app.calls").Str("session", string(key)).Msg("call stopped")
}

func (m *CallManager) StopAll() {
	m.mu.Lock()
	calls := m.calls
	m.calls = make(map[core.SessionKey]*callHandle)
	m.mu.Unlock()

	for _, h := range calls {
		h.cancel()
	}
	for _, h := range calls {
		<-h.done
	}
	if len(calls) > 0 {
		log.Info().Str("module", "app.calls").Int("calls", len(calls)).Msg("all calls stopped")
	}
}
