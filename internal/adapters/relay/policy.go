package relay

type BackpressureAction int

const (
	NoAction BackpressureAction = iota
	DropFrame
	KickClient
)

// Policy decides what happens when a client cannot keep up with its frames.
type Policy interface {
	OnBackPressure(client *Client) BackpressureAction
}

// SimplePolicy disconnects slow clients; their watches restart on reconnect.
type SimplePolicy struct{}

func (SimplePolicy) OnBackPressure(*Client) BackpressureAction {
	return KickClient
}
