package ledger

import "fmt"

// SelectionMethod decides which open lots a disposal consumes.
type SelectionMethod int

const (
	// FIFO consumes lots oldest acquisition first. This is the default.
	FIFO SelectionMethod = iota
	// SpecificID consumes exactly the lots the caller designates, in the
	// designated order.
	SpecificID
)

func (m SelectionMethod) String() string {
	switch m {
	case FIFO:
		return "fifo"
	case SpecificID:
		return "specific-id"
	default:
		return "unknown"
	}
}

// ParseSelectionMethod parses a configuration string.
func ParseSelectionMethod(s string) (SelectionMethod, error) {
	switch s {
	case "fifo":
		return FIFO, nil
	case "specific-id":
		return SpecificID, nil
	default:
		return 0, fmt.Errorf("unknown selection method: %q", s)
	}
}

// SelectionPolicy is passed by disposal callers. LotIDs is only consulted for
// SpecificID.
type SelectionPolicy struct {
	Method SelectionMethod
	LotIDs []uint64
}

var Fifo = SelectionPolicy{Method: FIFO}

func Specific(lotIDs ...uint64) SelectionPolicy {
	return SelectionPolicy{Method: SpecificID, LotIDs: lotIDs}
}
