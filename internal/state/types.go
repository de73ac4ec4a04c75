package state

import (
	"errors"
	"fmt"
	"time"
)

type Status string

const (
	StatusNone    Status = ""
	StatusRunning Status = "running"
	StatusStopped Status = "stopped"
	StatusExpired Status = "expired"
)

var (
	ErrNotFound          = errors.New("record_not_found")
	ErrConflict          = errors.New("unique_conflict")
	ErrInvalidTransition = errors.New("invalid_status_transition")
)

// Transition reports whether a record may move from one status to another.
// Writing the current status again is allowed so status updates stay
// idempotent. A stopped or expired record never returns to running; a restart
// always inserts a fresh record.
func Transition(from, to Status) error {
	if from == to && from != StatusNone {
		return nil
	}
	switch {
	case from == StatusNone && to == StatusRunning:
		return nil
	case from == StatusRunning && (to == StatusStopped || to == StatusExpired):
		return nil
	}
	return fmt.Errorf("%w: %q -> %q", ErrInvalidTransition, from, to)
}

func ParseStatus(v string) (Status, error) {
	switch s := Status(v); s {
	case StatusRunning, StatusStopped, StatusExpired:
		return s, nil
	}
	return StatusNone, fmt.Errorf("unknown status %q", v)
}

// StorageError wraps any persistence failure, including constraint violations
// (which additionally match ErrConflict).
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string { return "storage " + e.Op + ": " + e.Err.Error() }
func (e *StorageError) Unwrap() error { return e.Err }

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	var se *StorageError
	if errors.As(err, &se) {
		return err
	}
	return &StorageError{Op: op, Err: err}
}

type Instance struct {
	ID              int64
	UserID          string
	ContainerHandle string
	Port            int
	Status          Status
	CreatedAt       time.Time
	LastAccessed    time.Time
	AssignmentID    string
}

type NewInstance struct {
	UserID          string
	ContainerHandle string
	Port            int
	Status          Status
	AssignmentID    string
}

type ExpiredInstance struct {
	ID              int64
	ContainerHandle string
}

type Challenge struct {
	ID          int    `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
	Difficulty  int    `json:"difficulty"`
}
