package engine

import (
	"errors"
	"fmt"

	"github.com/hotdeploy/hotdeploy/internal/artifact"
)

// Kind classifies an engine error.
type Kind int

const (
	// KindUnknownType: no deployer is registered for the artifact type.
	KindUnknownType Kind = iota + 1
	// KindUnknownKey: the engine does not track an artifact with that key.
	KindUnknownKey
	// KindDeployer: the deployer returned an error or panicked.
	KindDeployer
	// KindAlreadyDeployed: the path is already deployed.
	KindAlreadyDeployed
	// KindBusy: another operation on the same artifact is in flight.
	KindBusy
	// KindInvalid: the request itself is unusable, e.g. a missing path.
	KindInvalid
)

func (k Kind) String() string {
	switch k {
	case KindUnknownType:
		return "unknown artifact type"
	case KindUnknownKey:
		return "unknown deployment key"
	case KindDeployer:
		return "deployer failure"
	case KindAlreadyDeployed:
		return "already deployed"
	case KindBusy:
		return "operation in flight"
	case KindInvalid:
		return "invalid request"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Error is returned by the explicit Deploy, Undeploy and Redeploy
// operations.
type Error struct {
	Kind Kind
	Op   string // "deploy", "undeploy", "redeploy"
	Type artifact.Type
	Path string
	Key  artifact.Key
	Err  error
}

func (e *Error) Error() string {
	msg := fmt.Sprintf("engine: %s %s", e.Op, e.Type)
	switch {
	case e.Path != "":
		msg += " " + e.Path
	case e.Key != "":
		msg += " " + string(e.Key)
	}
	msg += ": " + e.Kind.String()
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error { return e.Err }

// IsKind reports whether err is, or wraps, an *Error of the given kind.
func IsKind(err error, kind Kind) bool {
	var e *Error
	return errors.As(err, &e) && e.Kind == kind
}

// PanicError carries a value recovered from a panicking deployer.
type PanicError struct {
	Value any
	Stack []byte
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("deployer panicked: %v", e.Value)
}
