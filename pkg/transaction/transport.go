package transaction

import (
	"context"

	"github.com/emiago/sipgo/sip"
)

// Transport is the external collaborator the transaction layer sends
// through and receives from. It is connectionless from
// TL's perspective even when the underlying transport is TCP/TLS: TL
// never shares connection state across retries.
type Transport interface {
	// Send delivers one SIP message to destination. It may fail
	// synchronously; there is no ordering guarantee across destinations.
	Send(ctx context.Context, msg sip.Message, destination string) error
}

// Inbound is the event stream a Transport implementation feeds into the
// manager: a delivered message plus its source/destination, or a
// transport-level failure unconnected to any specific send.
type Inbound struct {
	Message     sip.Message
	Source      string
	Destination string
	Err         error
}
