package lsm

import (
	"errors"
	"fmt"
	"sync"
)

// ErrSymbolNotFound is returned when no exported symbol has the requested name.
var ErrSymbolNotFound = errors.New("symbol not found")

// SymbolEnumerator walks exported symbols. fn returns true to stop the walk;
// EachSymbol reports whether the walk was stopped.
type SymbolEnumerator interface {
	EachSymbol(fn func(name string, addr any) bool) bool
}

type symbol struct {
	name string
	addr any
}

// SymbolTable is a name-indexed registry of objects exported by the host.
// Names need not be unique.
type SymbolTable struct {
	mu      sync.RWMutex
	symbols []symbol
}

// NewSymbolTable creates an empty table.
func NewSymbolTable() *SymbolTable {
	return &SymbolTable{}
}

// Export publishes addr under name.
func (t *SymbolTable) Export(name string, addr any) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.symbols = append(t.symbols, symbol{name: name, addr: addr})
}

// EachSymbol implements SymbolEnumerator.
func (t *SymbolTable) EachSymbol(fn func(name string, addr any) bool) bool {
	if t == nil {
		return false
	}
	t.mu.RLock()
	syms := t.symbols
	t.mu.RUnlock()

	for _, s := range syms {
		if fn(s.name, s.addr) {
			return true
		}
	}
	return false
}

// Resolve returns the address of the first symbol named name.
func Resolve(enum SymbolEnumerator, name string) (any, error) {
	if name == "" {
		return nil, fmt.Errorf("%w: empty name", ErrSymbolNotFound)
	}
	if enum == nil {
		return nil, fmt.Errorf("%w: no symbol table", ErrSymbolNotFound)
	}
	var found any
	ok := enum.EachSymbol(func(n string, addr any) bool {
		if n == name {
			found = addr
			return true
		}
		return false
	})
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrSymbolNotFound, name)
	}
	return found, nil
}

// NewHost returns a symbol table exporting a fresh Operations table whose
// task_kill slot holds base.
func NewHost(base *Hook) (*SymbolTable, *Operations) {
	ops := NewOperations(base)
	syms := NewSymbolTable()
	syms.Export(SecurityOpsSymbol, ops)
	return syms, ops
}
