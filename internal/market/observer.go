package market

import (
	"context"

	"gorm.io/gorm"
)

// Operation identifies the kind of entity mutation being observed.
type Operation string

const (
	OperationInsert Operation = "INSERT"
	OperationUpdate Operation = "UPDATE"
	OperationDelete Operation = "DELETE"
)

// Change describes one committed entity mutation. Entity is a pointer to the
// mutated model carrying its post-mutation state (for deletes, the state at
// deletion time).
type Change struct {
	Op     Operation
	Entity any
}

// ChangeObserver is invoked synchronously inside the transaction that
// performs a mutation. Observers must not fail the transaction: any internal
// error has to be absorbed by the observer itself.
type ChangeObserver interface {
	ObserveChange(ctx context.Context, tx *gorm.DB, change Change)
}
