// Package mailbox relays signal envelopes between the participants of one
// session through a shared store. Each participant owns one partition; the
// partition is a work queue: envelopes are removed once handled.
package mailbox

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/VoiceMesh/internal/core"
	"github.com/dkeye/VoiceMesh/internal/domain"
	"github.com/dkeye/VoiceMesh/internal/signal"
)

// seenWindow bounds the duplicate suppression memory.
const seenWindow = 512

// Partition returns the store collection holding envelopes addressed to recipient.
func Partition(session domain.SessionID, recipient domain.ParticipantID) string {
	return fmt.Sprintf("sessions/%s/mailbox/%s", session, recipient)
}

type Mailbox struct {
	store   core.Store
	session domain.SessionID
	self    domain.ParticipantID
	logger  zerolog.Logger
}

func New(store core.Store, session domain.SessionID, self domain.ParticipantID) *Mailbox {
	return &Mailbox{
		store:   store,
		session: session,
		self:    self,
		logger: log.With().
			Str("module", "mailbox").
			Str("session", string(session)).
			Str("self", string(self)).
			Logger(),
	}
}

// Send appends an envelope to the recipient's partition and returns it.
func (m *Mailbox) Send(ctx context.Context, to domain.ParticipantID, kind signal.Kind, payload any) (signal.Envelope, error) {
	env, err := signal.New(kind, m.self, to, payload)
	if err != nil {
		return signal.Envelope{}, err
	}
	return env, m.Post(ctx, env)
}

// Post appends a prepared envelope, for callers that need its id up front.
func (m *Mailbox) Post(ctx context.Context, env signal.Envelope) error {
	data, err := signal.Encode(env)
	if err != nil {
		return err
	}
	if _, err := m.store.Push(ctx, Partition(m.session, env.To), data); err != nil {
		return fmt.Errorf("push %s to %s: %w", env.Kind, env.To, err)
	}
	m.logger.Debug().Str("to", string(env.To)).Str("kind", string(env.Kind)).Str("id", env.ID).Msg("sent")
	return nil
}

// Listen subscribes to the local partition and calls handle for every
// envelope, then deletes it. It blocks until ctx is cancelled. handle must
// not block on network round trips.
func (m *Mailbox) Listen(ctx context.Context, handle func(signal.Envelope)) error {
	partition := Partition(m.session, m.self)
	changes, err := m.store.Watch(ctx, partition)
	if err != nil {
		return fmt.Errorf("watch %s: %w", partition, err)
	}
	m.logger.Info().Msg("listening")

	seen := newSeenSet(seenWindow)
	for ch := range changes {
		if ch.Kind != core.ChangeAdded {
			continue
		}
		env, err := signal.Decode(ch.Value)
		switch {
		case err != nil:
			m.logger.Warn().Err(err).Str("key", ch.Key).Msg("dropping undecodable envelope")
		case env.To != m.self:
			m.logger.Warn().Str("key", ch.Key).Str("to", string(env.To)).Msg("dropping misrouted envelope")
		case !seen.add(env.ID):
			m.logger.Debug().Str("id", env.ID).Msg("duplicate envelope")
		default:
			handle(env)
		}
		// The partition is a work queue, not a log.
		if err := m.store.Remove(context.WithoutCancel(ctx), partition, ch.Key); err != nil {
			m.logger.Warn().Err(err).Str("key", ch.Key).Msg("remove handled envelope")
		}
	}
	m.logger.Info().Msg("listener stopped")
	return nil
}

// Purge removes any envelopes left in the local partition, e.g. on leave.
func (m *Mailbox) Purge(ctx context.Context) {
	partition := Partition(m.session, m.self)
	items, err := m.store.List(ctx, partition)
	if err != nil {
		m.logger.Warn().Err(err).Msg("list leftovers")
		return
	}
	for _, it := range items {
		if err := m.store.Remove(ctx, partition, it.Key); err != nil {
			m.logger.Warn().Err(err).Str("key", it.Key).Msg("purge")
			return
		}
	}
	if len(items) > 0 {
		m.logger.Info().Int("count", len(items)).Msg("purged leftovers")
	}
}

type seenSet struct {
	ids  map[string]struct{}
	ring []string
	next int
}

func newSeenSet(n int) *seenSet {
	return &seenSet{ids: make(map[string]struct{}, n), ring: make([]string, n)}
}

// add reports false if id was already recorded.
func (s *seenSet) add(id string) bool {
	if _, ok := s.ids[id]; ok {
		return false
	}
	if old := s.ring[s.next]; old != "" {
		delete(s.ids, old)
	}
	s.ring[s.next] = id
	s.ids[id] = struct{}{}
	s.next = (s.next + 1) % len(s.ring)
	return true
}
