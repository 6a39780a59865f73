package core

import (
	"github.com/pion/webrtc/v4"
)

// RemoteTrack is the read view of an incoming media track.
// *webrtc.TrackRemote satisfies it.
type RemoteTrack interface {
	ID() string
	StreamID() string
	Kind() webrtc.RTPCodecType
}

// Endpoint is the narrow surface of one transport connection to a remote peer.
// Callbacks must be registered before any description is applied.
type Endpoint interface {
	// AddLocalTrack attaches a local track to the connection.
	AddLocalTrack(track webrtc.TrackLocal) error
	// RemoveLocalTrack detaches the track with the given id, if attached.
	RemoveLocalTrack(trackID string) error
	// AddReceiver adds a receive-only slot of the given kind, so the next
	// local offer can carry media the remote side wants to send.
	AddReceiver(kind webrtc.RTPCodecType) error

	CreateOffer() (webrtc.SessionDescription, error)
	CreateAnswer() (webrtc.SessionDescription, error)
	SetLocalDescription(webrtc.SessionDescription) error
	SetRemoteDescription(webrtc.SessionDescription) error
	// AddCandidate applies a remote ICE candidate.
	AddCandidate(webrtc.ICECandidateInit) error

	// OnCandidate sets a callback for newly gathered local ICE candidates.
	OnCandidate(func(webrtc.ICECandidateInit))
	// OnTrack sets a callback that will be invoked when a new remote track arrives.
	OnTrack(func(RemoteTrack))
	// OnStateChange sets a callback for connectivity changes.
	OnStateChange(func(webrtc.PeerConnectionState))

	// Close should stop all underlying media resources.
	Close() error
}

// EndpointFactory creates one Endpoint per remote peer.
type EndpointFactory interface {
	NewEndpoint(peer string) (Endpoint, error)
}
