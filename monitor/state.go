package monitor

import "fmt"

// State is the lifecycle state of an account session.
type State int

const (
	Connecting State = iota
	Ready
	Monitoring
	Erroring
	Closed
)

func (s State) String() string {
	switch s {
	case Connecting:
		return "connecting"
	case Ready:
		return "ready"
	case Monitoring:
		return "monitoring"
	case Erroring:
		return "erroring"
	case Closed:
		return "closed"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

func (s State) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}
