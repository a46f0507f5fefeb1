// Package errors defines the error taxonomy shared by every Nomad component (§7).
package errors

import "fmt"

// Kind is one of the error kinds enumerated in §7.
type Kind string

const (
	InvalidSignal      Kind = "InvalidSignal"
	InvalidPuzzle      Kind = "InvalidPuzzle"
	CycleExhausted     Kind = "CycleExhausted"
	RelayerUnavailable Kind = "RelayerUnavailable"
	Decryption         Kind = "Decryption"
	EscrowInvalid      Kind = "EscrowInvalid"
	LostRace           Kind = "LostRace"
	Funds              Kind = "Funds"
	TransferReverted   Kind = "TransferReverted"
	ProofConstruction  Kind = "ProofConstruction"
	ClaimReverted      Kind = "ClaimReverted"
	RpcTransport       Kind = "RpcTransport"
	Timeout            Kind = "Timeout"
	Internal           Kind = "Internal"
)

// Retryable reports whether a step may retry locally after this kind of failure (§7).
func (k Kind) Retryable() bool {
	return k == RpcTransport || k == Timeout
}

// NomadError is the error type returned by every Nomad component.
type NomadError struct {
	Kind    Kind
	Message string
	Cause   error
}

func (e *NomadError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %v", e.Kind, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Kind, e.Message)
}

func (e *NomadError) Unwrap() error {
	return e.Cause
}

// New creates a NomadError with no cause.
func New(kind Kind, message string) *NomadError {
	return &NomadError{Kind: kind, Message: message}
}

// Newf creates a NomadError with a formatted message.
func Newf(kind Kind, format string, args ...interface{}) *NomadError {
	return &NomadError{Kind: kind, Message: fmt.Sprintf(format, args...)}
}

// Wrap attaches a kind and message to an existing error.
func Wrap(kind Kind, cause error, message string) *NomadError {
	return &NomadError{Kind: kind, Message: message, Cause: cause}
}

// Wrapf attaches a kind and formatted message to an existing error.
func Wrapf(kind Kind, cause error, format string, args ...interface{}) *NomadError {
	return &NomadError{Kind: kind, Message: fmt.Sprintf(format, args...), Cause: cause}
}

// As extracts the Kind of err if it is (or wraps) a *NomadError.
func As(err error) (Kind, bool) {
	for err != nil {
		if ne, ok := err.(*NomadError); ok {
			return ne.Kind, true
		}
		u, ok := err.(interface{ Unwrap() error })
		if !ok {
			break
		}
		err = u.Unwrap()
	}
	return "", false
}

// Is reports whether err is (or wraps) a *NomadError of the given kind.
func Is(err error, kind Kind) bool {
	k, ok := As(err)
	return ok && k == kind
}
