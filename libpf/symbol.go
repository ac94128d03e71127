// Copyright The Pystack Authors
// SPDX-License-Identifier: Apache-2.0

package libpf // import "pystack.dev/pystack/libpf"

import "fmt"

// SymbolValue represents the value associated with a symbol, e.g. either an
// offset or an absolute address
type SymbolValue uint64

// SymbolName represents the name of a symbol
type SymbolName string

// SymbolValueInvalid is the value returned by SymbolMap functions when
// symbol was not found.
const SymbolValueInvalid = SymbolValue(0)

// Symbol represents a named value in a loaded object.
type Symbol struct {
	Name    SymbolName
	Address SymbolValue
	Size    uint64
}

// SymbolMap represents a collection of symbols resolvable by name.
type SymbolMap struct {
	nameToSymbol map[SymbolName]*Symbol
}

// Add a symbol to the map.
func (symmap *SymbolMap) Add(s Symbol) {
	if symmap.nameToSymbol == nil {
		symmap.nameToSymbol = make(map[SymbolName]*Symbol)
	}
	symmap.nameToSymbol[s.Name] = &s
}

// LookupSymbol finds symbol obj for given name, or returns an error.
func (symmap *SymbolMap) LookupSymbol(symbolName SymbolName) (*Symbol, error) {
	if sym, ok := symmap.nameToSymbol[symbolName]; ok {
		return sym, nil
	}
	return nil, fmt.Errorf("symbol %v not present in map", symbolName)
}

// LookupSymbolAddress returns the address of a symbol given its name.
func (symmap *SymbolMap) LookupSymbolAddress(symbolName SymbolName) (SymbolValue, error) {
	sym, err := symmap.LookupSymbol(symbolName)
	if err != nil {
		return SymbolValueInvalid, err
	}
	return sym.Address, nil
}

// Len returns the number of symbols in the map.
func (symmap *SymbolMap) Len() int {
	return len(symmap.nameToSymbol)
}
