package domain

type ConnectionState int

const (
	Disconnected ConnectionState = iota
	Connecting
	Connected
	Reconnecting
	Error
)

func (s ConnectionState) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Connected:
		return "connected"
	case Reconnecting:
		return "reconnecting"
	case Error:
		return "error"
	default:
		return "disconnected"
	}
}

func (s ConnectionState) MarshalText() ([]byte, error) { return []byte(s.String()), nil }
