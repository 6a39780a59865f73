package domain

type SessionID string

// SessionInfo is the metadata stored next to a session's roster.
type SessionInfo struct {
	ID       SessionID     `json:"id"`
	HostID   ParticipantID `json:"host_id"`
	RoomCode string        `json:"room_code"`
	Ended    bool          `json:"ended"`
}

func (s SessionInfo) IsHost(id ParticipantID) bool {
	return s.HostID != "" && s.HostID == id
}
