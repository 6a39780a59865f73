// Package roster keeps the participant list of one session in the shared
// store and turns store changes into join, leave and update callbacks.
package roster

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/VoiceMesh/internal/core"
	"github.com/dkeye/VoiceMesh/internal/domain"
)

var (
	ErrNotHost       = errors.New("only the host can end the session")
	ErrSessionEnded  = errors.New("session ended")
	ErrUnknownMember = errors.New("participant not joined")
)

const metaKey = "meta"

func Collection(session domain.SessionID) string {
	return fmt.Sprintf("sessions/%s/participants", session)
}

func SessionCollection(session domain.SessionID) string {
	return fmt.Sprintf("sessions/%s", session)
}

// Handler receives roster changes. Snapshot is called once, before any
// other callback, with the roster as it was when Run started.
type Handler interface {
	Snapshot(roster []domain.Participant)
	Joined(p domain.Participant)
	Left(id domain.ParticipantID)
	Updated(p domain.Participant)
}

type entry struct {
	raw []byte
	p   domain.Participant
}

type Sync struct {
	store   core.Store
	session domain.SessionID
	logger  zerolog.Logger

	mu      sync.RWMutex
	members map[domain.ParticipantID]entry
	self    *domain.Participant
}

func New(store core.Store, session domain.SessionID) *Sync {
	return &Sync{
		store:   store,
		session: session,
		logger:  log.With().Str("module", "roster").Str("session", string(session)).Logger(),
		members: make(map[domain.ParticipantID]entry),
	}
}

// Join writes the local participant. Joining an ended session fails.
func (s *Sync) Join(ctx context.Context, p domain.Participant) error {
	info, ok, err := s.Info(ctx)
	if err != nil {
		return err
	}
	if ok && info.Ended {
		return ErrSessionEnded
	}
	if err := s.put(ctx, p); err != nil {
		return err
	}
	s.mu.Lock()
	s.self = &p
	s.mu.Unlock()
	s.logger.Info().Str("participant", string(p.ID)).Msg("joined")
	return nil
}

// Update rewrites the local participant, e.g. after a mute toggle.
func (s *Sync) Update(ctx context.Context, p domain.Participant) error {
	s.mu.RLock()
	joined := s.self != nil && s.self.ID == p.ID
	s.mu.RUnlock()
	if !joined {
		return fmt.Errorf("%w: %s", ErrUnknownMember, p.ID)
	}
	if err := s.put(ctx, p); err != nil {
		return err
	}
	s.mu.Lock()
	s.self = &p
	s.mu.Unlock()
	return nil
}

// Leave removes the local participant. Leaving twice is a no-op.
func (s *Sync) Leave(ctx context.Context) error {
	s.mu.Lock()
	self := s.self
	s.self = nil
	s.mu.Unlock()
	if self == nil {
		return nil
	}
	if err := s.store.Remove(ctx, Collection(s.session), string(self.ID)); err != nil {
		return fmt.Errorf("remove %s: %w", self.ID, err)
	}
	s.logger.Info().Str("participant", string(self.ID)).Msg("left")
	return nil
}

// Self returns the local participant as last written.
func (s *Sync) Self() (domain.Participant, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.self == nil {
		return domain.Participant{}, false
	}
	return *s.self, true
}

func (s *Sync) put(ctx context.Context, p domain.Participant) error {
	data, err := json.Marshal(p)
	if err != nil {
		return err
	}
	if err := s.store.Put(ctx, Collection(s.session), string(p.ID), data); err != nil {
		return fmt.Errorf("put %s: %w", p.ID, err)
	}
	return nil
}

// Run watches the roster until ctx is cancelled.
func (s *Sync) Run(ctx context.Context, h Handler) error {
	coll := Collection(s.session)
	// Watch before listing so nothing between the two is missed; the replay
	// of listed children is filtered out below.
	changes, err := s.store.Watch(ctx, coll)
	if err != nil {
		return fmt.Errorf("watch %s: %w", coll, err)
	}
	items, err := s.store.List(ctx, coll)
	if err != nil {
		return fmt.Errorf("list %s: %w", coll, err)
	}

	s.mu.Lock()
	clear(s.members)
	for _, it := range items {
		if p, ok := s.decode(it.Key, it.Value); ok {
			s.members[p.ID] = entry{raw: it.Value, p: p}
		}
	}
	s.mu.Unlock()
	h.Snapshot(s.Snapshot())

	for ch := range changes {
		s.apply(ch, h)
	}
	return ctx.Err()
}

func (s *Sync) apply(ch core.Change, h Handler) {
	id := domain.ParticipantID(ch.Key)
	if ch.Kind == core.ChangeRemoved {
		s.mu.Lock()
		_, known := s.members[id]
		delete(s.members, id)
		s.mu.Unlock()
		if known {
			s.logger.Debug().Str("participant", ch.Key).Msg("left")
			h.Left(id)
		}
		return
	}

	p, ok := s.decode(ch.Key, ch.Value)
	if !ok {
		return
	}
	s.mu.Lock()
	old, known := s.members[id]
	if known && bytes.Equal(old.raw, ch.Value) {
		s.mu.Unlock()
		return
	}
	s.members[id] = entry{raw: ch.Value, p: p}
	s.mu.Unlock()

	if known {
		h.Updated(p)
		return
	}
	s.logger.Debug().Str("participant", ch.Key).Msg("joined")
	h.Joined(p)
}

func (s *Sync) decode(key string, raw []byte) (domain.Participant, bool) {
	var p domain.Participant
	if err := json.Unmarshal(raw, &p); err != nil {
		s.logger.Warn().Err(err).Str("key", key).Msg("dropping undecodable participant")
		return p, false
	}
	p.ID = domain.ParticipantID(key)
	return p, true
}

// Snapshot returns the current roster ordered by join time.
func (s *Sync) Snapshot() []domain.Participant {
	s.mu.RLock()
	out := make([]domain.Participant, 0, len(s.members))
	for _, e := range s.members {
		out = append(out, e.p)
	}
	s.mu.RUnlock()
	slices.SortFunc(out, func(a, b domain.Participant) int {
		if c := a.JoinedAt.Compare(b.JoinedAt); c != 0 {
			return c
		}
		return bytes.Compare([]byte(a.ID), []byte(b.ID))
	})
	return out
}

func (s *Sync) Info(ctx context.Context) (domain.SessionInfo, bool, error) {
	raw, ok, err := s.store.Get(ctx, SessionCollection(s.session), metaKey)
	if err != nil || !ok {
		return domain.SessionInfo{}, false, err
	}
	var info domain.SessionInfo
	if err := json.Unmarshal(raw, &info); err != nil {
		return domain.SessionInfo{}, false, fmt.Errorf("decode session info: %w", err)
	}
	return info, true, nil
}

func (s *Sync) SetInfo(ctx context.Context, info domain.SessionInfo) error {
	info.ID = s.session
	data, err := json.Marshal(info)
	if err != nil {
		return err
	}
	return s.store.Put(ctx, SessionCollection(s.session), metaKey, data)
}

// End marks the session ended and removes every participant. Only the host may end it.
func (s *Sync) End(ctx context.Context, by domain.ParticipantID) error {
	info, ok, err := s.Info(ctx)
	if err != nil {
		return err
	}
	if !ok || !info.IsHost(by) {
		return ErrNotHost
	}
	info.Ended = true
	if err := s.SetInfo(ctx, info); err != nil {
		return err
	}
	coll := Collection(s.session)
	items, err := s.store.List(ctx, coll)
	if err != nil {
		return err
	}
	for _, it := range items {
		if err := s.store.Remove(ctx, coll, it.Key); err != nil {
			return fmt.Errorf("remove %s: %w", it.Key, err)
		}
	}
	s.logger.Info().Str("host", string(by)).Int("removed", len(items)).Msg("session ended")
	return nil
}

// WatchInfo calls onChange for every change of the session metadata until
// ctx is cancelled.
func (s *Sync) WatchInfo(ctx context.Context, onChange func(domain.SessionInfo)) error {
	changes, err := s.store.Watch(ctx, SessionCollection(s.session))
	if err != nil {
		return err
	}
	for ch := range changes {
		if ch.Key != metaKey || ch.Kind == core.ChangeRemoved {
			continue
		}
		var info domain.SessionInfo
		if err := json.Unmarshal(ch.Value, &info); err != nil {
			s.logger.Warn().Err(err).Msg("dropping undecodable session info")
			continue
		}
		onChange(info)
	}
	return ctx.Err()
}
