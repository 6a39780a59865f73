package core

// PeerState is the lifecycle of one peer connection record.
type PeerState int

const (
	StateIdle PeerState = iota
	StateOfferCreated
	StateOfferReceived
	StateAnswerExchanged
	StateConnecting
	StateConnected
	StateDisconnected
	StateFailed
	StateClosed
)

var peerStateNames = [...]string{
	StateIdle:            "idle",
	StateOfferCreated:    "offer_created",
	StateOfferReceived:   "offer_received",
	StateAnswerExchanged: "answer_exchanged",
	StateConnecting:      "connecting",
	StateConnected:       "connected",
	StateDisconnected:    "disconnected",
	StateFailed:          "failed",
	StateClosed:          "closed",
}

func (s PeerState) String() string {
	if s < 0 || int(s) >= len(peerStateNames) {
		return "unknown"
	}
	return peerStateNames[s]
}

// Terminal reports whether the record in this state must be discarded.
func (s PeerState) Terminal() bool { return s == StateClosed }

// Live reports whether a record in this state is worth keeping on a resync.
func (s PeerState) Live() bool {
	switch s {
	case StateFailed, StateClosed:
		return false
	}
	return true
}
