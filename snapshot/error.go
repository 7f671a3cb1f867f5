package snapshot

import "fmt"

// ErrorKind enumerates the typed failure kinds of §7. Callers use
// errors.As to recover the kind from a returned error without string
// matching, the same pattern the teacher uses for kvm.ErrUnexpectedExitReason.
type ErrorKind int

const (
	CorruptSnapshot ErrorKind = iota
	UnsupportedVersion
	IncompatibleSnapshot
	BackingUnavailable
	LayoutConflict
	KernelFacility
	PeerGone
	AlreadyPresent
	Transient
)

func (k ErrorKind) String() string {
	switch k {
	case CorruptSnapshot:
		return "CorruptSnapshot"
	case UnsupportedVersion:
		return "UnsupportedVersion"
	case IncompatibleSnapshot:
		return "IncompatibleSnapshot"
	case BackingUnavailable:
		return "BackingUnavailable"
	case LayoutConflict:
		return "LayoutConflict"
	case KernelFacility:
		return "KernelFacility"
	case PeerGone:
		return "PeerGone"
	case AlreadyPresent:
		return "AlreadyPresent"
	case Transient:
		return "Transient"
	default:
		return "Unknown"
	}
}

// Error wraps an underlying cause with a typed Kind.
type Error struct {
	Kind ErrorKind
	Err  error
}

func (e *Error) Error() string {
	if e.Err == nil {
		return e.Kind.String()
	}

	return fmt.Sprintf("%s: %v", e.Kind, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }

// Wrap builds an *Error of the given kind wrapping err.
func Wrap(kind ErrorKind, err error) error {
	if err == nil {
		return nil
	}

	return &Error{Kind: kind, Err: err}
}
