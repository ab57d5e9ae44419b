package harness

import (
	"github.com/pkg/errors"
)

var (
	ErrEndpointPanicked = errors.New("endpoint panicked")
	ErrHarnessTimeout   = errors.New("endpoint did not finish in time")
	ErrAlreadyRun       = errors.New("harness already run")
)

type Role uint8

const (
	RoleNone Role = iota // failures before any endpoint exists
	RoleServer
	RoleClient
)

func (r Role) String() string {
	switch r {
	case RoleServer:
		return "server"
	case RoleClient:
		return "client"
	default:
		return "harness"
	}
}

// Phase names the step of a run that failed.
type Phase uint8

const (
	PhaseAllocate Phase = iota + 1
	PhaseBind
	PhaseAccept
	PhaseConnect
	PhaseBody
	PhaseJoin
)

func (p Phase) String() string {
	switch p {
	case PhaseAllocate:
		return "allocate address"
	case PhaseBind:
		return "bind"
	case PhaseAccept:
		return "accept"
	case PhaseConnect:
		return "connect"
	case PhaseBody:
		return "test body"
	case PhaseJoin:
		return "join"
	default:
		return "unknown phase"
	}
}

// Error attributes a failed run to an endpoint and the phase it was in.
type Error struct {
	Role  Role
	Phase Phase
	Err   error
}

func (e *Error) Error() string {
	if e.Role == RoleNone {
		return e.Phase.String() + ": " + e.Err.Error()
	}
	return e.Role.String() + ": " + e.Phase.String() + ": " + e.Err.Error()
}

func (e *Error) Unwrap() error { return e.Err }

func fail(role Role, phase Phase, err error) error {
	return &Error{Role: role, Phase: phase, Err: err}
}
