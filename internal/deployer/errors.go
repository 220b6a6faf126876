package deployer

import (
	"errors"
	"fmt"

	"github.com/hotdeploy/hotdeploy/internal/artifact"
)

// Sentinel causes carried by RegistrationError.
var (
	ErrAlreadyRegistered = errors.New("a deployer is already registered for this artifact type")
	ErrNotRegistered     = errors.New("no deployer is registered at this location")
	ErrLocationInUse     = errors.New("another deployer already watches this location")
)

// RegistrationError is returned by Register and Unregister. It is never
// retried automatically.
type RegistrationError struct {
	Op       string // "register" or "unregister"
	Type     artifact.Type
	Location string
	Err      error
}

func (e *RegistrationError) Error() string {
	if e.Type != "" {
		return fmt.Sprintf("deployer %s %q at %q: %v", e.Op, e.Type, e.Location, e.Err)
	}
	return fmt.Sprintf("deployer %s at %q: %v", e.Op, e.Location, e.Err)
}

func (e *RegistrationError) Unwrap() error { return e.Err }
