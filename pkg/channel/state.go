package channel

// ConnectionState is the observable state of the push connection.
type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
	// Rejected means the server refused the credentials. The supervisor
	// stops; Connect may be called again once the token is fixed.
	Rejected
)

func (s ConnectionState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Rejected:
		return "rejected"
	default:
		return "disconnected"
	}
}
