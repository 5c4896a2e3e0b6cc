package granule

// RsrvState is the state of the reserved pool handshake. A reserved pool is
// a span of the management generation which is not formatted at startup.
// When a management pool runs low, the span is assigned to it and walked
// through each state in turn. The state is persisted after every step so
// that a restart resumes from the last completed one.
type RsrvState uint8

const (
	RsrvUnassigned RsrvState = iota
	RsrvAssigned
	RsrvSentToStandby
	RsrvInitialized
	RsrvAttached
)

// Next returns the state following |s|. RsrvAttached is terminal.
func (s RsrvState) Next() RsrvState {
	if s >= RsrvAttached {
		return RsrvAttached
	}
	return s + 1
}

func (s RsrvState) String() string {
	switch s {
	case RsrvUnassigned:
		return "UNASSIGNED"
	case RsrvAssigned:
		return "ASSIGNED"
	case RsrvSentToStandby:
		return "SENT_TO_STANDBY"
	case RsrvInitialized:
		return "INITIALIZED"
	case RsrvAttached:
		return "ATTACHED"
	default:
		return "UNKNOWN"
	}
}
