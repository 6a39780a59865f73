// Package signal defines the negotiation envelopes exchanged through the
// session mailbox before a direct path between two peers exists.
package signal

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"

	"github.com/dkeye/VoiceMesh/internal/domain"
)

var (
	ErrUnknownKind = errors.New("unknown envelope kind")
	ErrMalformed   = errors.New("malformed envelope")
)

type Kind string

const (
	KindOffer        Kind = "offer"
	KindAnswer       Kind = "answer"
	KindCandidate    Kind = "candidate"
	KindRequestOffer Kind = "request_offer"
	// KindRenegotiate asks the peer that offered first to send a fresh offer.
	KindRenegotiate Kind = "renegotiate"
)

func (k Kind) Valid() bool {
	switch k {
	case KindOffer, KindAnswer, KindCandidate, KindRequestOffer, KindRenegotiate:
		return true
	}
	return false
}

// Envelope is immutable once sent.
type Envelope struct {
	ID      string               `json:"id"`
	Kind    Kind                 `json:"type"`
	From    domain.ParticipantID `json:"from"`
	To      domain.ParticipantID `json:"to"`
	Payload json.RawMessage      `json:"payload,omitempty"`
	SentAt  time.Time            `json:"sent_at"`
}

type OfferPayload struct {
	SDP string `json:"sdp"`
	// Renegotiate marks an offer for an already established connection.
	Renegotiate bool `json:"renegotiate,omitempty"`
}

type AnswerPayload struct {
	SDP     string `json:"sdp"`
	OfferID string `json:"offer_id"`
}

type CandidatePayload struct {
	Candidate     string  `json:"candidate"`
	SDPMid        *string `json:"sdpMid,omitempty"`
	SDPMLineIndex *uint16 `json:"sdpMLineIndex,omitempty"`
	// Negotiation is the offer id of the negotiation that gathered this candidate.
	Negotiation string `json:"negotiation,omitempty"`
}

// RenegotiatePayload names the media kinds the sender wants to start sending,
// so the offerer can reserve receive slots for them.
type RenegotiatePayload struct {
	Kinds []string `json:"kinds,omitempty"`
}

func NewRenegotiatePayload(kinds ...webrtc.RTPCodecType) RenegotiatePayload {
	p := RenegotiatePayload{Kinds: make([]string, 0, len(kinds))}
	for _, k := range kinds {
		p.Kinds = append(p.Kinds, k.String())
	}
	return p
}

// Codecs returns the known kinds; unknown names are skipped.
func (p RenegotiatePayload) Codecs() []webrtc.RTPCodecType {
	out := make([]webrtc.RTPCodecType, 0, len(p.Kinds))
	for _, name := range p.Kinds {
		if k := webrtc.NewRTPCodecType(name); k != 0 {
			out = append(out, k)
		}
	}
	return out
}

func NewCandidatePayload(ci webrtc.ICECandidateInit, negotiation string) CandidatePayload {
	return CandidatePayload{
		Candidate:     ci.Candidate,
		SDPMid:        ci.SDPMid,
		SDPMLineIndex: ci.SDPMLineIndex,
		Negotiation:   negotiation,
	}
}

func (p CandidatePayload) Init() webrtc.ICECandidateInit {
	return webrtc.ICECandidateInit{
		Candidate:     p.Candidate,
		SDPMid:        p.SDPMid,
		SDPMLineIndex: p.SDPMLineIndex,
	}
}

// New builds an envelope with a fresh id. payload may be nil for request_offer.
func New(kind Kind, from, to domain.ParticipantID, payload any) (Envelope, error) {
	if !kind.Valid() {
		return Envelope{}, fmt.Errorf("%w: %q", ErrUnknownKind, kind)
	}
	env := Envelope{
		ID:     uuid.NewString(),
		Kind:   kind,
		From:   from,
		To:     to,
		SentAt: time.Now().UTC(),
	}
	if payload != nil {
		raw, err := json.Marshal(payload)
		if err != nil {
			return Envelope{}, fmt.Errorf("marshal %s payload: %w", kind, err)
		}
		env.Payload = raw
	}
	return env, nil
}

func Encode(env Envelope) ([]byte, error) {
	if err := env.validate(); err != nil {
		return nil, err
	}
	return json.Marshal(env)
}

func Decode(data []byte) (Envelope, error) {
	var env Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		return Envelope{}, fmt.Errorf("%w: %v", ErrMalformed, err)
	}
	if err := env.validate(); err != nil {
		return Envelope{}, err
	}
	return env, nil
}

func (e Envelope) validate() error {
	if !e.Kind.Valid() {
		return fmt.Errorf("%w: %q", ErrUnknownKind, e.Kind)
	}
	if e.ID == "" || e.From == "" || e.To == "" {
		return fmt.Errorf("%w: missing id, from or to", ErrMalformed)
	}
	if e.Kind != KindRequestOffer && len(e.Payload) == 0 {
		return fmt.Errorf("%w: %s without payload", ErrMalformed, e.Kind)
	}
	return nil
}

func (e Envelope) Offer() (OfferPayload, error) {
	var p OfferPayload
	err := e.payload(KindOffer, &p)
	if err == nil && p.SDP == "" {
		err = fmt.Errorf("%w: empty offer sdp", ErrMalformed)
	}
	return p, err
}

func (e Envelope) Answer() (AnswerPayload, error) {
	var p AnswerPayload
	err := e.payload(KindAnswer, &p)
	if err == nil && p.SDP == "" {
		err = fmt.Errorf("%w: empty answer sdp", ErrMalformed)
	}
	return p, err
}

func (e Envelope) Candidate() (CandidatePayload, error) {
	var p CandidatePayload
	err := e.payload(KindCandidate, &p)
	return p, err
}

func (e Envelope) Renegotiate() (RenegotiatePayload, error) {
	var p RenegotiatePayload
	err := e.payload(KindRenegotiate, &p)
	return p, err
}

func (e Envelope) payload(want Kind, v any) error {
	if e.Kind != want {
		return fmt.Errorf("%w: want %s, got %s", ErrMalformed, want, e.Kind)
	}
	if err := json.Unmarshal(e.Payload, v); err != nil {
		return fmt.Errorf("%w: %s payload: %v", ErrMalformed, want, err)
	}
	return nil
}
