package services

import (
	"errors"

	"github.com/lib/pq"

	"github.com/ledgerline/backend/internal/events"
)

// Error kinds surfaced by the ledger, replication and query paths. Callers
// classify with errors.Is; wrapping adds context.
var (
	ErrValidation          = errors.New("validation failed")
	ErrAuthorization       = errors.New("not authorized")
	ErrNotFound            = errors.New("not found")
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrTransientStore      = errors.New("transient store conflict")
	ErrDelivery            = events.ErrDelivery
	ErrUnresolvedReference = errors.New("unresolved reference")
)

// SQLSTATE codes that mean "try the whole unit of work again".
const (
	sqlStateSerializationFailure = "40001"
	sqlStateDeadlockDetected     = "40P01"
	sqlStateLockNotAvailable     = "55P03"
)

func isTransient(err error) bool {
	if errors.Is(err, ErrTransientStore) {
		return true
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case sqlStateSerializationFailure, sqlStateDeadlockDetected, sqlStateLockNotAvailable:
			return true
		}
	}
	return false
}
