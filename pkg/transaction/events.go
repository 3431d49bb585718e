package transaction

import "github.com/emiago/sipgo/sip"

// EventKind distinguishes the event types the transaction layer surfaces
// to the dialog coordinator.
type EventKind int

const (
	EventNewRequest EventKind = iota
	EventProvisionalResponse
	EventSuccessResponse
	EventFailureResponse
	EventAckReceived
	EventCancelReceived
	EventTransactionTimeout
	EventAckTimeout
	EventTransportError
	EventStrayAck
	EventStrayResponse
	EventStrayCancel
)

func (k EventKind) String() string {
	switch k {
	case EventNewRequest:
		return "NewRequest"
	case EventProvisionalResponse:
		return "ProvisionalResponse"
	case EventSuccessResponse:
		return "SuccessResponse"
	case EventFailureResponse:
		return "FailureResponse"
	case EventAckReceived:
		return "AckReceived"
	case EventCancelReceived:
		return "CancelReceived"
	case EventTransactionTimeout:
		return "TransactionTimeout"
	case EventAckTimeout:
		return "AckTimeout"
	case EventTransportError:
		return "TransportError"
	case EventStrayAck:
		return "StrayAck"
	case EventStrayResponse:
		return "StrayResponse"
	case EventStrayCancel:
		return "StrayCancel"
	default:
		return "Unknown"
	}
}

// Event is what the manager publishes to the dialog coordinator. Key is
// the zero value for stray events, which carry no matching transaction.
type Event struct {
	Kind    EventKind
	Key     Key
	Request *sip.Request
	// Response is set for response-carrying events.
	Response *sip.Response
	// Peer is the address the message arrived from or was destined to.
	Peer string
	// Err carries the transport failure for EventTransportError.
	Err error
}
