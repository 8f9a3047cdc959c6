package docstore

import (
	"errors"
	"fmt"
)

// Sentinel errors. Test with errors.Is.
var (
	// ErrNotFound: the document (or database) does not exist.
	ErrNotFound = errors.New("not found")

	// ErrConflict: the presented revision is not the current one, or a
	// create hit an existing document. Retrying is the caller's decision.
	ErrConflict = errors.New("revision conflict")

	// ErrDatabaseExists is returned by Backend.CreateDB for an existing database.
	ErrDatabaseExists = errors.New("database already exists")

	// ErrNoDatabase is a not-found for a missing database.
	ErrNoDatabase = fmt.Errorf("database %w", ErrNotFound)
)

// TransportError wraps failures talking to the backing service: network
// errors, timeouts and unexpected status codes. It never wraps ErrNotFound
// or ErrConflict.
type TransportError struct {
	Op  string
	DB  string
	Err error
}

func (e *TransportError) Error() string {
	if e.DB != "" {
		return fmt.Sprintf("%s %s: transport: %v", e.Op, e.DB, e.Err)
	}
	return fmt.Sprintf("%s: transport: %v", e.Op, e.Err)
}

func (e *TransportError) Unwrap() error { return e.Err }

// IsTransport reports whether err is a transport failure.
func IsTransport(err error) bool {
	var te *TransportError
	return errors.As(err, &te)
}

// Outcome classifies an error for logs and metrics.
func Outcome(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, ErrNotFound):
		return "not_found"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case IsTransport(err):
		return "transport"
	default:
		return "error"
	}
}
