package app

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/dkeye/VideoCall/internal/core"
	"github.com/dkeye/VideoCall/internal/domain"
)

const (
	defaultSubscribeTimeout    = 10 * time.Second
	defaultBackfillConcurrency = 4
)

// Subscriber pulls one media kind of a remote participant.
type Subscriber interface {
	Subscribe(ctx context.Context, id domain.ParticipantID, kind domain.MediaKind) (core.RemoteTrack, error)
}

// SubscribeObserver is told about every subscribe outcome. Optional.
type SubscribeObserver func(kind domain.MediaKind, err error)

type mediaSlot struct {
	published bool
	track     core.RemoteTrack
}

type participantEntry struct {
	id  domain.ParticipantID
	gen uint64
	// slots is indexed by kind; a published slot without a track is
	// transiently unsubscribed.
	slots map[domain.MediaKind]*mediaSlot
}

func (e *participantEntry) slot(kind domain.MediaKind) *mediaSlot {
	s, ok := e.slots[kind]
	if !ok {
		s = &mediaSlot{}
		e.slots[kind] = s
	}
	return s
}

// Registry is the single source of truth for who is in the call and which of
// their media is playable. Readers may call it from any goroutine; mutations
// are expected from the call loop.
type Registry struct {
	sub              Subscriber
	subscribeTimeout time.Duration
	concurrency      int
	observe          SubscribeObserver

	mu           sync.RWMutex
	participants map[domain.ParticipantID]*participantEntry
	nextGen      uint64
}

type RegistryOption func(*Registry)

func WithSubscribeTimeout(d time.Duration) RegistryOption {
	return func(r *Registry) {
		if d > 0 {
			r.subscribeTimeout = d
		}
	}
}

func WithBackfillConcurrency(n int) RegistryOption {
	return func(r *Registry) {
		if n > 0 {
			r.concurrency = n
		}
	}
}

func WithSubscribeObserver(fn SubscribeObserver) RegistryOption {
	return func(r *Registry) { r.observe = fn }
}

func NewRegistry(sub Subscriber, opts ...RegistryOption) *Registry {
	r := &Registry{
		sub:              sub,
		subscribeTimeout: defaultSubscribeTimeout,
		concurrency:      defaultBackfillConcurrency,
		participants:     make(map[domain.ParticipantID]*participantEntry),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// upsertLocked returns the entry for id, creating a fresh one if absent.
func (r *Registry) upsertLocked(id domain.ParticipantID) *participantEntry {
	if e, ok := r.participants[id]; ok {
		return e
	}
	r.nextGen++
	e := &participantEntry{
		id:    id,
		gen:   r.nextGen,
		slots: make(map[domain.MediaKind]*mediaSlot, 2),
	}
	r.participants[id] = e
	log.Info().Str("module", "app.registry").Str("participant", string(id)).Msg("participant added")
	return e
}

func (r *Registry) subscribe(ctx context.Context, id domain.ParticipantID, kind domain.MediaKind) (core.RemoteTrack, error) {
	ctx, cancel := context.WithTimeout(ctx, r.subscribeTimeout)
	defer cancel()
	track, err := r.sub.Subscribe(ctx, id, kind)
	if r.observe != nil {
		r.observe(kind, err)
	}
	if err != nil {
		log.Warn().Err(err).
			Str("module", "app.registry").
			Str("participant", string(id)).
			Str("kind", string(kind)).
			Msg("subscribe failed, keeping placeholder")
		return nil, err
	}
	return track, nil
}

// attach stores track for id/kind if the entry observed at subscribe time is
// still current and the kind is still published. Otherwise the track is
// stopped: an id that left while the subscribe was in flight stays gone.
func (r *Registry) attach(id domain.ParticipantID, gen uint64, kind domain.MediaKind, track core.RemoteTrack) {
	if track == nil {
		return
	}
	r.mu.Lock()
	e, ok := r.participants[id]
	if !ok || e.gen != gen || !e.slot(kind).published {
		r.mu.Unlock()
		track.Stop()
		log.Debug().Str("module", "app.registry").
			Str("participant", string(id)).
			Str("kind", string(kind)).
			Msg("discarded track for departed participant")
		return
	}
	s := e.slot(kind)
	old := s.track
	if old == track {
		r.mu.Unlock()
		return
	}
	s.track = track
	r.mu.Unlock()

	if old != nil {
		old.Stop()
	}
	log.Info().Str("module", "app.registry").
		Str("participant", string(id)).
		Str("kind", string(kind)).
		Str("track", track.ID()).
		Msg("track attached")
}

// markPublished records id/kind as published and returns the entry generation.
func (r *Registry) markPublished(id domain.ParticipantID, kind domain.MediaKind) uint64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	e := r.upsertLocked(id)
	e.slot(kind).published = true
	return e.gen
}

// Backfill reconciles the join-time roster. Every published kind is
// subscribed before Backfill returns.
func (r *Registry) Backfill(ctx context.Context, roster []core.RosterEntry) {
	type job struct {
		id   domain.ParticipantID
		gen  uint64
		kind domain.MediaKind
	}
	var jobs []job
	for _, entry := range roster {
		if entry.ID == "" {
			continue
		}
		r.mu.Lock()
		e := r.upsertLocked(entry.ID)
		gen := e.gen
		for _, kind := range entry.Kinds() {
			e.slot(kind).published = true
			jobs = append(jobs, job{id: entry.ID, gen: gen, kind: kind})
		}
		r.mu.Unlock()
	}

	tracks := make([]core.RemoteTrack, len(jobs))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)
	for i, j := range jobs {
		g.Go(func() error {
			// A failed subscribe leaves a placeholder; it never aborts the backfill.
			tracks[i], _ = r.subscribe(gctx, j.id, j.kind)
			return nil
		})
	}
	_ = g.Wait()

	for i, j := range jobs {
		r.attach(j.id, j.gen, j.kind, tracks[i])
	}
	log.Info().Str("module", "app.registry").Int("roster", len(roster)).Int("subscriptions", len(jobs)).Msg("backfill complete")
}

// OnPublished upserts id (a missing id is a rejoin) and subscribes kind.
func (r *Registry) OnPublished(ctx context.Context, id domain.ParticipantID, kind domain.MediaKind) {
	gen := r.markPublished(id, kind)
	track, err := r.subscribe(ctx, id, kind)
	if err != nil {
		return
	}
	r.attach(id, gen, kind, track)
}

// OnUnpublished clears and stops the kind's track; the participant remains.
func (r *Registry) OnUnpublished(id domain.ParticipantID, kind domain.MediaKind) {
	r.mu.Lock()
	e, ok := r.participants[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	s := e.slot(kind)
	old := s.track
	s.published = false
	s.track = nil
	r.mu.Unlock()

	if old != nil {
		old.Stop()
	}
	log.Info().Str("module", "app.registry").Str("participant", string(id)).Str("kind", string(kind)).Msg("media unpublished")
}

// OnLeft removes id and stops any tracks still attached.
func (r *Registry) OnLeft(id domain.ParticipantID) {
	r.mu.Lock()
	e, ok := r.participants[id]
	if ok {
		delete(r.participants, id)
	}
	r.mu.Unlock()
	if !ok {
		return
	}
	stopAll(e)
	log.Info().Str("module", "app.registry").Str("participant", string(id)).Msg("participant removed")
}

// Clear drops every participant and stops their tracks.
func (r *Registry) Clear() {
	r.mu.Lock()
	old := r.participants
	r.participants = make(map[domain.ParticipantID]*participantEntry)
	r.mu.Unlock()

	for _, e := range old {
		stopAll(e)
	}
	if len(old) > 0 {
		log.Info().Str("module", "app.registry").Int("participants", len(old)).Msg("registry cleared")
	}
}

func stopAll(e *participantEntry) {
	for _, s := range e.slots {
		if s.track != nil {
			s.track.Stop()
			s.track = nil
		}
	}
}

func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.participants)
}

func (r *Registry) Has(id domain.ParticipantID) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.participants[id]
	return ok
}

// Track returns the subscribed track of id/kind, if any.
func (r *Registry) Track(id domain.ParticipantID, kind domain.MediaKind) (core.RemoteTrack, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.participants[id]
	if !ok {
		return nil, false
	}
	s, ok := e.slots[kind]
	if !ok || s.track == nil {
		return nil, false
	}
	return s.track, true
}

// Snapshot returns remote participants ordered by id.
func (r *Registry) Snapshot() []core.ParticipantView {
	r.mu.RLock()
	out := make([]core.ParticipantView, 0, len(r.participants))
	for id, e := range r.participants {
		v := core.ParticipantView{ID: id, DisplayName: string(id)}
		if s, ok := e.slots[domain.MediaAudio]; ok {
			v.HasAudio = s.published
			v.AudioPlayable = s.track != nil
		}
		if s, ok := e.slots[domain.MediaVideo]; ok {
			v.HasVideo = s.published
			v.VideoPlayable = s.track != nil
		}
		v.VideoPlaceholder = !v.VideoPlayable
		out = append(out, v)
	}
	r.mu.RUnlock()

	slices.SortFunc(out, func(a, b core.ParticipantView) int {
		switch {
		case a.ID < b.ID:
			return -1
		case a.ID > b.ID:
			return 1
		}
		return 0
	})
	return out
}
