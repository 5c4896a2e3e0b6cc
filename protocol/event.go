package protocol

import "fmt"

// EventType is an asynchronous event raised by the store to a registered callback.
type EventType int

const (
	EventMgmt0AlertOn  EventType = 1
	EventMgmt0AlertOff EventType = 2
	EventMgmt1AlertOn  EventType = 3
	EventMgmt1AlertOff EventType = 4
	EventDiskAlertOn   EventType = 5
	EventDiskAlertOff  EventType = 6
	EventCBQAlertOn    EventType = 7
	EventCBQAlertOff   EventType = 8
)

func (e EventType) String() string {
	switch e {
	case EventMgmt0AlertOn:
		return "MGMT0_ALERT_ON"
	case EventMgmt0AlertOff:
		return "MGMT0_ALERT_OFF"
	case EventMgmt1AlertOn:
		return "MGMT1_ALERT_ON"
	case EventMgmt1AlertOff:
		return "MGMT1_ALERT_OFF"
	case EventDiskAlertOn:
		return "DISK_ALERT_ON"
	case EventDiskAlertOff:
		return "DISK_ALERT_OFF"
	case EventCBQAlertOn:
		return "CBQ_ALERT_ON"
	case EventCBQAlertOff:
		return "CBQ_ALERT_OFF"
	default:
		return fmt.Sprintf("EventType(%d)", int(e))
	}
}

// MgmtPoolEvent returns the alert EventType of a management pool.
func MgmtPoolEvent(pool int, on bool) EventType {
	switch {
	case pool == 0 && on:
		return EventMgmt0AlertOn
	case pool == 0:
		return EventMgmt0AlertOff
	case on:
		return EventMgmt1AlertOn
	default:
		return EventMgmt1AlertOff
	}
}
