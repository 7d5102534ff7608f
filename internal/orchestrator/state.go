package orchestrator

// State is one node of the resource-swap state machine (spec.md 4.6).
type State int

const (
	IDLE State = iota
	PREPARED
	FROZEN
	CTXMounted
	INVENTORIED
	ThawedForSeize
	SWAPPED
	RELEASED
	DONE
	ABORTED
)

func (s State) String() string {
	switch s {
	case IDLE:
		return "IDLE"
	case PREPARED:
		return "PREPARED"
	case FROZEN:
		return "FROZEN"
	case CTXMounted:
		return "CTX_MOUNTED"
	case INVENTORIED:
		return "INVENTORIED"
	case ThawedForSeize:
		return "THAWED_FOR_SEIZE"
	case SWAPPED:
		return "SWAPPED"
	case RELEASED:
		return "RELEASED"
	case DONE:
		return "DONE"
	default:
		return "ABORTED"
	}
}
