package routetable

import (
	"fmt"
	"sync/atomic"
)

// Holder publishes the current table to request handlers. Readers never
// block: a reload builds a complete new table and swaps the pointer, so
// in-flight matches keep using the snapshot they started with.
type Holder struct {
	current atomic.Pointer[Table]
	file    string
	guard   func(*Table) error
}

// NewHolder wraps an initial table. file is the path reloads read from.
func NewHolder(initial *Table, file string) *Holder {
	h := &Holder{file: file}
	h.current.Store(initial)
	return h
}

// Guard installs a check applied to freshly loaded tables before they are
// swapped in. A failing check keeps the previous snapshot active. Set it
// during startup, before reloads can fire.
func (h *Holder) Guard(check func(*Table) error) {
	h.guard = check
}

// Current returns the active snapshot.
func (h *Holder) Current() *Table {
	return h.current.Load()
}

// Reload re-reads the routes file. On any error, parse or guard, the
// previous snapshot stays active and the error is returned for logging.
func (h *Holder) Reload() error {
	table, err := LoadFile(h.file)
	if err != nil {
		return err
	}
	if h.guard != nil {
		if err := h.guard(table); err != nil {
			return fmt.Errorf("route table rejected: %w", err)
		}
	}
	h.current.Store(table)
	return nil
}
