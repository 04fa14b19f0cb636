package storage

import (
	"github.com/kvasir-db/copnode/internal/types"
)

// Scanner iterates key-value pairs in key order. Next returns a nil key once
// the scan is exhausted. Callers must Close the scanner when done.
type Scanner interface {
	Next() (key, value []byte, err error)
	Close() error
}

// Engine is the local storage surface the coprocessor executes against.
// Handlers only read through Scan/Get; Put/Delete exist for data loading and
// the admin commands.
type Engine interface {
	Get(key []byte) ([]byte, error)
	Put(key, value []byte) error
	Delete(key []byte) error

	// Scan returns a scanner over the half-open range [r.Start, r.End),
	// descending when desc is set. An empty End means unbounded above.
	Scan(r types.KeyRange, desc bool) (Scanner, error)

	// Count returns the total number of stored keys.
	Count() (int64, error)

	Close() error
}
