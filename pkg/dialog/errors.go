package dialog

import "errors"

// Sentinel errors, wrapped with fmt.Errorf and compared with errors.Is.
var (
	ErrMalformedDialogSource = errors.New("dialog: source message missing a required header")
	ErrCSeqOutOfOrder        = errors.New("dialog: CSeq is not greater than the last accepted value")
	ErrDialogNotFound        = errors.New("dialog: no dialog for id")
	ErrSessionNotFound       = errors.New("dialog: no session for id")
	ErrInvalidTransition     = errors.New("dialog: invalid session state transition")
	ErrNoActiveDialog        = errors.New("dialog: session has no confirmed dialog")
	ErrTransferNotInProgress = errors.New("dialog: no transfer in progress for session")
	ErrAlreadyTerminated     = errors.New("dialog: session is already terminated")
	ErrBadReferTo            = errors.New("dialog: missing or unparsable Refer-To header")
)
