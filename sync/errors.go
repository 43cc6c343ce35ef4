package sync

import (
	"errors"

	"github.com/loctable/offline-sync/store"
)

var (
	ErrNotInitialized = errors.New("sync context is not initialized")
	// ErrPendingOperations is returned by purge without force while the
	// operation log still holds entries for the table, and by pull when
	// the implicit push leaves unhandled conflicts behind.
	ErrPendingOperations = errors.New("table has pending operations")
	ErrAlreadyResolved = errors.New("push error already resolved")
	// ErrOperationLocked means a local mutation targeted a record whose
	// pending operation is mid-push.
	ErrOperationLocked = errors.New("pending operation is locked by push")
)

func isNotFound(err error) bool {
	return errors.Is(err, store.ErrRecordNotFound)
}
