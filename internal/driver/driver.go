// Package driver starts and stops sandbox containers on the local Docker host.
package driver

import (
	"context"
	"fmt"
)

// Driver is the narrow container surface the lifecycle code depends on.
type Driver interface {
	Create(ctx context.Context, spec CreateSpec) (string, error)
	// Stop reports true when the container is stopped afterwards, including
	// when it was already stopped or already gone.
	Stop(ctx context.Context, handle string) bool
	// InspectRunning is fail-closed: any error or timeout reads as not running.
	InspectRunning(ctx context.Context, handle string) bool
	ListByLabel(ctx context.Context, label string) ([]string, error)
	Ping(ctx context.Context) error
	Close() error
}

type CreateSpec struct {
	Name     string
	Image    string
	Labels   map[string]string
	Env      []string
	HostIP   string
	HostPort int
}

// Error is returned for any failed driver operation. Stderr carries the
// daemon's message.
type Error struct {
	Op     string
	Stderr string
}

func (e *Error) Error() string {
	return fmt.Sprintf("driver %s: %s", e.Op, e.Stderr)
}

func driverErr(op string, err error) error {
	return &Error{Op: op, Stderr: err.Error()}
}
