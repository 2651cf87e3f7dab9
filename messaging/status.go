package messaging

import "fmt"

// Status of a single row. It only ever moves forward: sent, delivered, read.
type Status uint8

const (
	StatusSent      Status = 0
	StatusDelivered Status = 1
	StatusRead      Status = 2
)

func (s Status) String() string {
	switch s {
	case StatusSent:
		return "sent"
	case StatusDelivered:
		return "delivered"
	case StatusRead:
		return "read"
	default:
		return fmt.Sprintf("status(%d)", uint8(s))
	}
}

func (s Status) Valid() bool {
	return s <= StatusRead
}

// CanAdvanceTo is true only for strictly forward transitions.
func (s Status) CanAdvanceTo(next Status) bool {
	return next.Valid() && next > s
}

// Advance returns the later of s and next.
func (s Status) Advance(next Status) Status {
	if s.CanAdvanceTo(next) {
		return next
	}
	return s
}

func ParseStatus(v string) (Status, error) {
	switch v {
	case "sent":
		return StatusSent, nil
	case "delivered":
		return StatusDelivered, nil
	case "read":
		return StatusRead, nil
	default:
		return 0, fmt.Errorf("messaging: unknown status %q", v)
	}
}
