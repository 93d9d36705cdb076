package consumer

// State is the position of one delivery in the processing state machine:
// Received -> Locked -> Processing -> Completed | DeadLettered | LockLost.
type State int

const (
	Received State = iota
	Locked
	Processing
	Completed
	DeadLettered
	// LockLost means the finalize call failed. The transport redelivers the
	// message once its lock expires.
	LockLost
)

func (s State) String() string {
	switch s {
	case Received:
		return "Received"
	case Locked:
		return "Locked"
	case Processing:
		return "Processing"
	case Completed:
		return "Completed"
	case DeadLettered:
		return "DeadLettered"
	case LockLost:
		return "LockLost"
	default:
		return "Unknown"
	}
}

// Terminal reports whether s ends the handling of a delivery.
func (s State) Terminal() bool {
	return s == Completed || s == DeadLettered || s == LockLost
}

// Dead-letter reasons.
const (
	ReasonDeserializationFailed    = "DeserializationFailed"
	ReasonProcessingFailed         = "ProcessingFailed"
	ReasonMaxDeliveryCountExceeded = "MaxDeliveryCountExceeded"
)

const descriptionDeserializationFailed = "Could not deserialize message body"
