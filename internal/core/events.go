package core

import "github.com/dkeye/VoiceMesh/internal/domain"

// Event is delivered to session subscribers (the UI collaborator).
type Event interface {
	event()
}

type RemoteTrackAdded struct {
	Peer  domain.ParticipantID
	Track RemoteTrack
}

type PeerStateChanged struct {
	Peer  domain.ParticipantID
	State PeerState
}

// TransportFailure marks a peer as degraded. The next resync may repair it.
type TransportFailure struct {
	Peer domain.ParticipantID
	Err  error
}

type RosterChanged struct {
	Participants []domain.Participant
}

type ParticipantUpdated struct {
	Participant domain.Participant
}

// MediaError reports a local capture problem; peer connections are unaffected.
type MediaError struct {
	Err error
}

type SessionEnded struct {
	Session domain.SessionID
}

func (RemoteTrackAdded) event()   {}
func (PeerStateChanged) event()   {}
func (TransportFailure) event()   {}
func (RosterChanged) event()      {}
func (ParticipantUpdated) event() {}
func (MediaError) event()         {}
func (SessionEnded) event()       {}
