// Copyright The Pystack Authors
// SPDX-License-Identifier: Apache-2.0

// Package proc provides functionality for discovering the target's
// executable mappings via /proc and for resolving symbols from the mapped
// ELF objects.
package proc // import "pystack.dev/pystack/proc"

import (
	"bufio"
	"debug/elf"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"

	"pystack.dev/pystack/libpf"
)

const defaultMountPoint = "/proc"

// Mapping is one line of /proc/<pid>/maps.
type Mapping struct {
	Start  libpf.Address
	End    libpf.Address
	Perms  string
	Offset uint64
	Path   string
}

// IsExecutable reports whether the mapping is mapped with execute
// permission.
func (m Mapping) IsExecutable() bool {
	return len(m.Perms) >= 3 && m.Perms[2] == 'x'
}

// ListMappings returns the file-backed mappings of the given process.
func ListMappings(pid libpf.PID) ([]Mapping, error) {
	mapsPath := fmt.Sprintf("%s/%d/maps", defaultMountPoint, pid)
	file, err := os.Open(mapsPath)
	if err != nil {
		return nil, fmt.Errorf("unable to open %s: %w", mapsPath, err)
	}
	defer file.Close()
	return parseMappings(file)
}

func parseMappings(r io.Reader) ([]Mapping, error) {
	var mappings []Mapping
	scanner := bufio.NewScanner(r)
	for scanner.Scan() {
		line := scanner.Text()
		fields := strings.Fields(line)
		if len(fields) < 6 {
			// Anonymous mapping, nothing to resolve symbols from.
			continue
		}
		addrs := strings.SplitN(fields[0], "-", 2)
		if len(addrs) != 2 {
			return nil, fmt.Errorf("unexpected line in maps: '%s'", line)
		}
		start, err := strconv.ParseUint(addrs[0], 16, 64)
		if err != nil {
			return nil, fmt.Errorf("failed to parse start address: '%s'", addrs[0])
		}
		end, err := strconv.ParseUint(addrs[1], 16, 64)
		if err != nil {
			return nil, fmt.Errorf("failed to parse end address: '%s'", addrs[1])
		}
		offset, err := strconv.ParseUint(fields[2], 16, 64)
		if err != nil {
			return nil, fmt.Errorf("failed to parse offset: '%s'", fields[2])
		}
		mappings = append(mappings, Mapping{
			Start:  libpf.Address(start),
			End:    libpf.Address(end),
			Perms:  fields[1],
			Offset: offset,
			Path:   strings.Join(fields[5:], " "),
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return mappings, nil
}

// RootPath resolves path inside the target's mount namespace. This keeps
// symbol resolution working when the target runs in a container whose
// filesystem differs from ours.
func RootPath(pid libpf.PID, path string) string {
	return fmt.Sprintf("%s/%d/root%s", defaultMountPoint, pid, path)
}

// ELFSymbols loads the dynamic and static symbol tables of the ELF object
// at path.
func ELFSymbols(path string) (*libpf.SymbolMap, error) {
	ef, err := elf.Open(path)
	if err != nil {
		return nil, fmt.Errorf("unable to open %s: %w", path, err)
	}
	defer ef.Close()

	symmap := &libpf.SymbolMap{}
	for _, load := range [](func() ([]elf.Symbol, error)){ef.DynamicSymbols, ef.Symbols} {
		syms, err := load()
		if err != nil {
			// A stripped binary has no static symtab; the dynamic one
			// usually carries what we need.
			continue
		}
		for _, sym := range syms {
			if sym.Name == "" || sym.Value == 0 {
				continue
			}
			symmap.Add(libpf.Symbol{
				Name:    libpf.SymbolName(sym.Name),
				Address: libpf.SymbolValue(sym.Value),
				Size:    sym.Size,
			})
		}
	}
	if symmap.Len() == 0 {
		return nil, fmt.Errorf("no symbols found in %s", path)
	}
	return symmap, nil
}

// LoadBias computes the difference between the runtime mapping base and the
// link-time addresses of the ELF object at path. Symbol values from the
// file plus this bias give remote addresses.
func LoadBias(path string, mappingStart libpf.Address) (libpf.Address, error) {
	ef, err := elf.Open(path)
	if err != nil {
		return 0, fmt.Errorf("unable to open %s: %w", path, err)
	}
	defer ef.Close()

	if ef.Type == elf.ET_EXEC {
		// Position dependent executables are mapped at their link address.
		return 0, nil
	}
	for _, prog := range ef.Progs {
		if prog.Type == elf.PT_LOAD {
			return mappingStart - libpf.Address(prog.Vaddr-prog.Off), nil
		}
	}
	return 0, fmt.Errorf("no PT_LOAD segment in %s", path)
}
