package dialog

import "github.com/pion/sdp/v3"

// SessionEventKind distinguishes the application-facing events the
// coordinator broadcasts.
type SessionEventKind int

const (
	SessionCreated SessionEventKind = iota
	SessionStateChanged
	SessionMediaNegotiated
	SessionMediaQuality
	SessionDTMF
	SessionTransferProgress
	SessionTerminated
)

func (k SessionEventKind) String() string {
	switch k {
	case SessionCreated:
		return "Created"
	case SessionStateChanged:
		return "StateChanged"
	case SessionMediaNegotiated:
		return "MediaNegotiated"
	case SessionMediaQuality:
		return "MediaQuality"
	case SessionDTMF:
		return "DTMF"
	case SessionTransferProgress:
		return "TransferProgress"
	case SessionTerminated:
		return "Terminated"
	default:
		return "Unknown"
	}
}

// MediaDescription is the subset of a negotiated SDP media line the
// coordinator tracks to drive hold/resume and surface to the application.
type MediaDescription struct {
	ConnectionAddr string
	Port           int
	PayloadTypes   []int
	Direction      MediaDirection
}

// MediaDirection mirrors the four RFC 4566 direction attributes.
type MediaDirection int

const (
	DirSendRecv MediaDirection = iota
	DirSendOnly
	DirRecvOnly
	DirInactive
)

func (d MediaDirection) String() string {
	switch d {
	case DirSendOnly:
		return "sendonly"
	case DirRecvOnly:
		return "recvonly"
	case DirInactive:
		return "inactive"
	default:
		return "sendrecv"
	}
}

// mediaDirectionFromSDP inspects a parsed media description's attributes
// for the direction marker RFC 4566 §6 defines; sendrecv is the default
// when none is present.
func mediaDirectionFromSDP(md *sdp.MediaDescription) MediaDirection {
	for _, a := range md.Attributes {
		switch a.Key {
		case "sendonly":
			return DirSendOnly
		case "recvonly":
			return DirRecvOnly
		case "inactive":
			return DirInactive
		case "sendrecv":
			return DirSendRecv
		}
	}
	return DirSendRecv
}

// SessionEvent is what the coordinator broadcasts to application
// subscribers.
type SessionEvent struct {
	Kind      SessionEventKind
	SessionID SessionID
	DialogID  DialogID

	State        SessionState
	PrevState    SessionState
	Media        *MediaDescription
	DTMFDigit    rune
	Transfer     *TransferProgress
	TerminateErr error
}

// TransferProgress reports one step of a REFER-initiated transfer.
type TransferProgress struct {
	Kind       TransferKind
	StatusCode int
	Reason     string
	Final      bool
}

// TransferKind distinguishes blind from attended transfer.
type TransferKind int

const (
	TransferBlind TransferKind = iota
	TransferAttended
)

func (k TransferKind) String() string {
	if k == TransferAttended {
		return "attended"
	}
	return "blind"
}
