package transaction

import "errors"

// Sentinel errors, wrapped with fmt.Errorf and compared with errors.Is.
var (
	ErrUnknownTransaction = errors.New("transaction: no transaction for key")
	ErrAlreadyExists      = errors.New("transaction: transaction already exists for key")
	ErrTerminated         = errors.New("transaction: transaction is terminated")
	ErrBadMethodForACK    = errors.New("transaction: ACK is not a transaction method")
)
