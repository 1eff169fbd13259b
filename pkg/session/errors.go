package session

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrNotFound  = errors.New("session not found")
	ErrExists    = errors.New("session already exists")
	ErrNoCurrent = errors.New("no current session for this directory")
	ErrLocked    = errors.New("session store is locked by another process")
	ErrImmutable = errors.New("immutable session field changed")
)

// CorruptError is a record that cannot be decoded. It is never overwritten.
type CorruptError struct {
	Name string
	Err  error
}

func (e *CorruptError) Error() string {
	return fmt.Sprintf("session %q record is corrupt: %v", e.Name, e.Err)
}

func (e *CorruptError) Unwrap() error { return e.Err }

// lockErr tags SQLite contention errors with ErrLocked.
func lockErr(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	if strings.Contains(msg, "database is locked") || strings.Contains(msg, "SQLITE_BUSY") {
		return fmt.Errorf("%w: %v", ErrLocked, err)
	}
	return err
}
