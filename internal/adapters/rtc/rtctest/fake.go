// Package rtctest provides in-memory endpoints for exercising negotiation
// logic without ICE or DTLS.
package rtctest

import (
	"errors"
	"fmt"
	"sync"

	"github.com/pion/webrtc/v4"

	"github.com/dkeye/VoiceMesh/internal/core"
)

var (
	ErrClosed = errors.New("endpoint closed")
	// ErrSignalingState mirrors pion's InvalidModificationError for a
	// description applied in the wrong signaling state.
	ErrSignalingState = errors.New("invalid signaling state")
)

// Network records every endpoint created through its factories.
type Network struct {
	mu        sync.Mutex
	endpoints map[string][]*Endpoint
	// Candidates is the number of local candidates each endpoint gathers
	// after its first local description.
	Candidates int
}

func NewNetwork() *Network {
	return &Network{endpoints: make(map[string][]*Endpoint), Candidates: 1}
}

// Factory returns an EndpointFactory for the participant self.
func (n *Network) Factory(self string) core.EndpointFactory {
	return factory{net: n, self: self}
}

// Endpoints returns every endpoint self created towards peer, oldest first.
func (n *Network) Endpoints(self, peer string) []*Endpoint {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]*Endpoint(nil), n.endpoints[self+"->"+peer]...)
}

// Last returns the newest endpoint self created towards peer.
func (n *Network) Last(self, peer string) *Endpoint {
	eps := n.Endpoints(self, peer)
	if len(eps) == 0 {
		return nil
	}
	return eps[len(eps)-1]
}

type factory struct {
	net  *Network
	self string
}

func (f factory) NewEndpoint(peer string) (core.Endpoint, error) {
	f.net.mu.Lock()
	defer f.net.mu.Unlock()
	key := f.self + "->" + peer
	ep := &Endpoint{
		Self:       f.self,
		Peer:       peer,
		Generation: len(f.net.endpoints[key]),
		candidates: f.net.Candidates,
		signaling:  webrtc.SignalingStateStable,
	}
	f.net.endpoints[key] = append(f.net.endpoints[key], ep)
	return ep, nil
}

// Endpoint is a core.Endpoint that reports Connected once an offer/answer
// pair has been applied in either direction. Descriptions follow pion's
// signaling state table; there is no rollback.
type Endpoint struct {
	Self       string
	Peer       string
	Generation int

	mu         sync.Mutex
	seq        int
	candidates int
	gathered   bool
	local      *webrtc.SessionDescription
	remote     *webrtc.SessionDescription
	pendingOff *webrtc.SessionDescription
	applied    []webrtc.ICECandidateInit
	tracks     []string
	receivers  []string
	offers     int
	signaling  webrtc.SignalingState
	closed     bool
	hold       <-chan struct{}
	state      webrtc.PeerConnectionState

	onCandidate func(webrtc.ICECandidateInit)
	onTrack     func(core.RemoteTrack)
	onState     func(webrtc.PeerConnectionState)
}

func (e *Endpoint) AddLocalTrack(track webrtc.TrackLocal) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	e.tracks = append(e.tracks, track.ID())
	return nil
}

func (e *Endpoint) RemoveLocalTrack(trackID string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for i, id := range e.tracks {
		if id == trackID {
			e.tracks = append(e.tracks[:i], e.tracks[i+1:]...)
			return nil
		}
	}
	return nil
}

func (e *Endpoint) AddReceiver(kind webrtc.RTPCodecType) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	e.receivers = append(e.receivers, kind.String())
	return nil
}

func (e *Endpoint) CreateOffer() (webrtc.SessionDescription, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return webrtc.SessionDescription{}, ErrClosed
	}
	if e.signaling == webrtc.SignalingStateHaveRemoteOffer {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: CreateOffer in %s", ErrSignalingState, e.signaling)
	}
	e.seq++
	e.offers++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: e.sdp("offer")}, nil
}

func (e *Endpoint) CreateAnswer() (webrtc.SessionDescription, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return webrtc.SessionDescription{}, ErrClosed
	}
	if e.signaling != webrtc.SignalingStateHaveRemoteOffer {
		return webrtc.SessionDescription{}, fmt.Errorf("%w: CreateAnswer in %s", ErrSignalingState, e.signaling)
	}
	e.seq++
	return webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: e.sdp("answer")}, nil
}

func (e *Endpoint) sdp(kind string) string {
	return fmt.Sprintf("v=0 %s %s->%s g%d #%d tracks=%v recv=%v", kind, e.Self, e.Peer, e.Generation, e.seq, e.tracks, e.receivers)
}

func (e *Endpoint) SetLocalDescription(sd webrtc.SessionDescription) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	switch {
	case sd.Type == webrtc.SDPTypeOffer && (e.signaling == webrtc.SignalingStateStable || e.signaling == webrtc.SignalingStateHaveLocalOffer):
		e.pendingOff = &sd
		e.signaling = webrtc.SignalingStateHaveLocalOffer
	case sd.Type == webrtc.SDPTypeAnswer && e.signaling == webrtc.SignalingStateHaveRemoteOffer:
		e.local = &sd
		e.signaling = webrtc.SignalingStateStable
	default:
		state := e.signaling
		e.mu.Unlock()
		return fmt.Errorf("%w: SetLocalDescription(%s) in %s", ErrSignalingState, sd.Type, state)
	}
	gather := !e.gathered
	e.gathered = true
	n := e.candidates
	cb := e.onCandidate
	e.mu.Unlock()

	if gather && cb != nil {
		for i := 0; i < n; i++ {
			go cb(webrtc.ICECandidateInit{Candidate: fmt.Sprintf("candidate:%s-%d", e.Self, i)})
		}
	}
	e.maybeConnect(sd.Type == webrtc.SDPTypeAnswer)
	return nil
}

func (e *Endpoint) SetRemoteDescription(sd webrtc.SessionDescription) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	answered := false
	switch {
	case sd.Type == webrtc.SDPTypeOffer && (e.signaling == webrtc.SignalingStateStable || e.signaling == webrtc.SignalingStateHaveRemoteOffer):
		e.signaling = webrtc.SignalingStateHaveRemoteOffer
	case sd.Type == webrtc.SDPTypeAnswer && e.signaling == webrtc.SignalingStateHaveLocalOffer:
		e.local = e.pendingOff
		e.pendingOff = nil
		e.signaling = webrtc.SignalingStateStable
		answered = true
	default:
		state := e.signaling
		e.mu.Unlock()
		return fmt.Errorf("%w: SetRemoteDescription(%s) in %s", ErrSignalingState, sd.Type, state)
	}
	e.remote = &sd
	e.mu.Unlock()
	e.maybeConnect(answered)
	return nil
}

func (e *Endpoint) AddCandidate(ci webrtc.ICECandidateInit) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	if e.remote == nil {
		return errors.New("candidate before remote description")
	}
	e.applied = append(e.applied, ci)
	return nil
}

func (e *Endpoint) OnCandidate(f func(webrtc.ICECandidateInit)) {
	e.mu.Lock()
	e.onCandidate = f
	e.mu.Unlock()
}

func (e *Endpoint) OnTrack(f func(core.RemoteTrack)) {
	e.mu.Lock()
	e.onTrack = f
	e.mu.Unlock()
}

func (e *Endpoint) OnStateChange(f func(webrtc.PeerConnectionState)) {
	e.mu.Lock()
	e.onState = f
	e.mu.Unlock()
}

// HoldClose makes Close block until release is closed, like a transport
// that is slow to tear down.
func (e *Endpoint) HoldClose(release <-chan struct{}) {
	e.mu.Lock()
	e.hold = release
	e.mu.Unlock()
}

func (e *Endpoint) Close() error {
	e.mu.Lock()
	hold := e.hold
	e.mu.Unlock()
	if hold != nil {
		<-hold
	}
	e.mu.Lock()
	defer e.mu.Unlock()
	e.closed = true
	e.state = webrtc.PeerConnectionStateClosed
	return nil
}

// maybeConnect fires Connecting and Connected the first time a
// negotiation completes.
func (e *Endpoint) maybeConnect(complete bool) {
	e.mu.Lock()
	if !complete || e.closed || e.state == webrtc.PeerConnectionStateConnected {
		e.mu.Unlock()
		return
	}
	e.state = webrtc.PeerConnectionStateConnected
	cb := e.onState
	e.mu.Unlock()
	if cb != nil {
		go func() {
			cb(webrtc.PeerConnectionStateConnecting)
			cb(webrtc.PeerConnectionStateConnected)
		}()
	}
}

// Emit reports a connectivity change as the transport would.
func (e *Endpoint) Emit(s webrtc.PeerConnectionState) {
	e.mu.Lock()
	e.state = s
	cb := e.onState
	e.mu.Unlock()
	if cb != nil {
		cb(s)
	}
}

// DeliverTrack announces a remote track.
func (e *Endpoint) DeliverTrack(t core.RemoteTrack) {
	e.mu.Lock()
	cb := e.onTrack
	e.mu.Unlock()
	if cb != nil {
		cb(t)
	}
}

// Applied returns the remote candidates applied so far, in order.
func (e *Endpoint) Applied() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]string, 0, len(e.applied))
	for _, c := range e.applied {
		out = append(out, c.Candidate)
	}
	return out
}

func (e *Endpoint) Remote() (webrtc.SessionDescription, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.remote == nil {
		return webrtc.SessionDescription{}, false
	}
	return *e.remote, true
}

func (e *Endpoint) Tracks() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.tracks...)
}

func (e *Endpoint) Offers() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.offers
}

func (e *Endpoint) Receivers() []string {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]string(nil), e.receivers...)
}

func (e *Endpoint) SignalingState() webrtc.SignalingState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.signaling
}

func (e *Endpoint) Closed() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.closed
}

// Track is a RemoteTrack stand-in.
type Track struct {
	TrackID string
	Stream  string
	Type    webrtc.RTPCodecType
}

func (t Track) ID() string                { return t.TrackID }
func (t Track) StreamID() string          { return t.Stream }
func (t Track) Kind() webrtc.RTPCodecType { return t.Type }
