// Package dialog implements the dialog/session coordinator (DSC): dialog
// matching and CSeq discipline (RFC 3261 §12), the application-facing
// session state machine, hold/resume, and REFER-based transfer. It
// consumes events published by pkg/transaction and never touches the
// wire itself.
package dialog

import (
	"github.com/google/uuid"
)

// DialogID is the tuple (Call-ID, local-tag, remote-tag) that identifies
// a dialog. Before the remote tag is known, RemoteTag is
// empty: the "early" form, rewritten once the first tagged response
// arrives.
type DialogID struct {
	CallID    string
	LocalTag  string
	RemoteTag string
}

// early reports whether this is a dialog identity awaiting a remote tag.
func (d DialogID) early() bool { return d.RemoteTag == "" }

// String is the shardmap key for the dialog table.
func (d DialogID) String() string {
	return d.CallID + "|" + d.LocalTag + "|" + d.RemoteTag
}

// SessionID is an opaque, endpoint-unique handle exposed to the
// application. It exists before any dialog does, during
// request preparation, and maps 1:1 to a dialog once one is confirmed.
type SessionID string

// NewSessionID mints a fresh SessionID. google/uuid backs it rather than
// the dialog tag/branch generators in pkg/transaction, since a SessionID
// is an application-facing handle with no SIP wire-format constraint.
func NewSessionID() SessionID {
	return SessionID(uuid.NewString())
}
