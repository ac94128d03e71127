// Copyright The Pystack Authors
// SPDX-License-Identifier: Apache-2.0

// Package python locates the CPython interpreter inside a traced process
// and reconstructs its call stack from remote memory.
package python // import "pystack.dev/pystack/interpreter/python"

import (
	"errors"
	"fmt"
	"reflect"
	"regexp"
	"slices"
	"strconv"
	"strings"

	"github.com/elastic/go-freelru"
	log "github.com/sirupsen/logrus"

	"pystack.dev/pystack/libpf"
	"pystack.dev/pystack/proc"
	"pystack.dev/pystack/remotememory"
)

// The following regexs are intended to match either a path to a Python
// binary or library.
var (
	pythonRegex    = regexp.MustCompile(`^(?:.*/)?python(\d)\.(\d+)(d|m|dm)?$`)
	libpythonRegex = regexp.MustCompile(`^(?:.*/)?libpython(\d)\.(\d+)[^/]*`)
)

// codeCacheSize bounds the per-process cache of decoded code objects.
const codeCacheSize = 1024

// pythonVer builds a version number from readable numbers
func pythonVer(major, minor int) uint16 {
	return uint16(major)*0x100 + uint16(minor)
}

// vmStructs reflects the Python interpreter introspection data we need to
// extract data from the runtime. The fields are named as they are in the
// Python code. Fields with a `name` tag are filled from the live type
// objects of the target; the rest are fixed per detected version.
//
//nolint:lll
type vmStructs struct {
	// https://github.com/python/cpython/blob/deaf509e8fc6e0363bd6f26d52ad42f976ec42f2/Include/cpython/object.h#L148
	PyTypeObject struct {
		BasicSize libpf.Address `name:"tp_basicsize"`
		Members   libpf.Address `name:"tp_members"`
	}
	// https://github.com/python/cpython/blob/deaf509e8fc6e0363bd6f26d52ad42f976ec42f2/Include/structmember.h#L18
	PyMemberDef struct {
		Sizeof libpf.Address
		Name   uint `name:"name"`
		Offset uint `name:"offset"`
	}
	// https://github.com/python/cpython/blob/deaf509e8fc6e0363bd6f26d52ad42f976ec42f2/Include/cpython/unicodeobject.h#L72
	PyASCIIObject struct {
		Data uint `name:"data"`
	}
	PyCodeObject struct {
		Sizeof      uint
		FirstLineno uint `name:"co_firstlineno"`
		Filename    uint `name:"co_filename"`
		Name        uint `name:"co_name"`
		Lnotab      uint `name:"co_lnotab"`
		Linetable   uint `name:"co_linetable"` // Python 3.10+
		QualName    uint `name:"co_qualname"`  // Python 3.11+
	}
	// https://github.com/python/cpython/blob/deaf509e8fc6e0363bd6f26d52ad42f976ec42f2/Include/object.h#L109
	PyVarObject struct {
		ObSize uint `name:"ob_size"`
	}
	PyBytesObject struct {
		Sizeof uint
	}
	// https://github.com/python/cpython/blob/deaf509e8fc6e0363bd6f26d52ad42f976ec42f2/Include/cpython/pystate.h#L82
	PyThreadState struct {
		Frame uint `name:"frame"`
	}
	// https://github.com/python/cpython/blob/deaf509e8fc6e0363bd6f26d52ad42f976ec42f2/Include/cpython/pystate.h#L38
	PyCFrame struct {
		CurrentFrame uint `name:"current_frame"`
	}
	PyFrameObject struct {
		Back        uint `name:"f_back"`
		Code        uint `name:"f_code"`
		LastI       uint `name:"f_lasti"`
		EntryMember uint // field depends on python version
		EntryVal    uint // value depends on python version
	}
	// Offsets into _PyRuntimeState and PyInterpreterState used to reach
	// the live thread state record.
	PyRuntimeState struct {
		GilstateTstateCurrent uint
		InterpretersHead      uint
	}
	PyInterpreterState struct {
		ThreadsHead uint
	}
}

// Interpreter holds everything needed to read the stack of one CPython
// process: the detected version, the struct offsets valid for it, and the
// remote addresses anchoring the thread-state lookup.
type Interpreter struct {
	pid     libpf.PID
	rm      remotememory.RemoteMemory
	version uint16
	bias    libpf.Address
	vms     vmStructs

	// anchor is the remote address of _PyRuntime (3.7+) or of
	// _PyThreadState_Current (3.6).
	anchor libpf.Address

	// noneStruct is the remote address of _Py_NoneStruct. On 3.13+ the
	// outermost shim frame's f_executable points at Py_None and must not
	// be decoded as a code object.
	noneStruct libpf.Address

	// useCFrame is set on 3.11 and 3.12 where PyThreadState.cframe adds
	// one indirection before the first interpreter frame.
	useCFrame bool

	codeCache     *freelru.LRU[libpf.Address, *codeObject]
	getFuncOffset getFuncOffsetFunc
}

func (i *Interpreter) String() string {
	return fmt.Sprintf("Python %d.%d", i.version>>8, i.version&0xff)
}

// Version returns the detected interpreter version as (major<<8 | minor).
func (i *Interpreter) Version() uint16 {
	return i.version
}

// findInterpreterMapping returns the base mapping of the python executable
// or of libpython, whichever actually contains the interpreter, plus the
// parsed version digits.
func findInterpreterMapping(mappings []proc.Mapping) (*proc.Mapping, int, int, error) {
	var exeMatch *proc.Mapping
	var exeMajor, exeMinor int
	for idx := range mappings {
		m := &mappings[idx]
		if m.Offset != 0 {
			continue
		}
		if matches := libpythonRegex.FindStringSubmatch(m.Path); matches != nil {
			// The interpreter lives in the shared library; prefer it
			// over the shim executable.
			major, _ := strconv.Atoi(matches[1])
			minor, _ := strconv.Atoi(matches[2])
			return m, major, minor, nil
		}
		if matches := pythonRegex.FindStringSubmatch(m.Path); matches != nil && exeMatch == nil {
			exeMatch = m
			exeMajor, _ = strconv.Atoi(matches[1])
			exeMinor, _ = strconv.Atoi(matches[2])
		}
	}
	if exeMatch != nil {
		return exeMatch, exeMajor, exeMinor, nil
	}
	return nil, 0, 0, errors.New("no python or libpython mapping found")
}

// NewInterpreter inspects the process and prepares the version dependent
// layout data. All failures here are fatal for the run: without a correct
// layout any stack we would produce could be bogus.
func NewInterpreter(pid libpf.PID, rm remotememory.RemoteMemory) (*Interpreter, error) {
	mappings, err := proc.ListMappings(pid)
	if err != nil {
		return nil, fmt.Errorf("list mappings of PID %d: %w", pid, err)
	}
	mapping, major, minor, err := findInterpreterMapping(mappings)
	if err != nil {
		return nil, fmt.Errorf("PID %d does not look like a python process: %w", pid, err)
	}
	return newInterpreter(pid, rm, mapping, major, minor)
}

func newInterpreter(pid libpf.PID, rm remotememory.RemoteMemory, mapping *proc.Mapping,
	major, minor int,
) (*Interpreter, error) {
	version := pythonVer(major, minor)
	minVer := pythonVer(3, 6)
	maxVer := pythonVer(3, 13)
	if version < minVer || version > maxVer {
		return nil, fmt.Errorf("unsupported Python %d.%d (need >= %d.%d and <= %d.%d)",
			major, minor,
			(minVer>>8)&0xff, minVer&0xff,
			(maxVer>>8)&0xff, maxVer&0xff)
	}

	path := proc.RootPath(pid, mapping.Path)
	symmap, err := proc.ELFSymbols(path)
	if err != nil {
		return nil, fmt.Errorf("resolve interpreter symbols: %w", err)
	}
	bias, err := proc.LoadBias(path, mapping.Start)
	if err != nil {
		return nil, fmt.Errorf("compute load bias: %w", err)
	}
	log.Debugf("%s at %s, bias 0x%x", mapping.Path, path, bias)

	i := &Interpreter{
		pid:     pid,
		rm:      rm,
		version: version,
		bias:    bias,
		vms:     versionedVMStructs(version),
	}

	var anchorSymbol libpf.SymbolName = "_PyRuntime"
	if version < pythonVer(3, 7) {
		anchorSymbol = "_PyThreadState_Current"
	}
	anchor, err := symmap.LookupSymbolAddress(anchorSymbol)
	if err != nil {
		return nil, fmt.Errorf("%s not defined: %w", anchorSymbol, err)
	}
	i.anchor = libpf.Address(anchor) + bias

	if version >= pythonVer(3, 13) {
		noneStruct, err := symmap.LookupSymbolAddress("_Py_NoneStruct")
		if err != nil {
			return nil, fmt.Errorf("_Py_NoneStruct not defined: %w", err)
		}
		i.noneStruct = libpf.Address(noneStruct) + bias
	}
	i.useCFrame = version == pythonVer(3, 11) || version == pythonVer(3, 12)

	// Read the introspection data from object types that have it.
	if err := i.readIntrospectionData(symmap, "PyCode_Type", &i.vms.PyCodeObject); err != nil {
		return nil, err
	}
	if err := i.readIntrospectionData(symmap, "PyBytes_Type", &i.vms.PyBytesObject); err != nil {
		return nil, err
	}
	if version < pythonVer(3, 11) {
		// From 3.11 on PyFrameObject is replaced with _PyInterpreterFrame
		// which exposes no introspection data; its offsets are fixed in
		// versionedVMStructs.
		if err := i.readIntrospectionData(symmap, "PyFrame_Type", &i.vms.PyFrameObject); err != nil {
			return nil, err
		}
	}
	if err := i.finish(); err != nil {
		return nil, err
	}
	return i, nil
}

// finish validates the assembled layout and sets up the derived state.
func (i *Interpreter) finish() error {
	vms := &i.vms
	if vms.PyCodeObject.Sizeof == 0 || vms.PyCodeObject.Filename == 0 {
		return errors.New("PyCodeObject layout incomplete, refusing to guess")
	}
	if vms.PyFrameObject.Code == vms.PyFrameObject.Back {
		return errors.New("PyFrameObject layout incomplete, refusing to guess")
	}

	switch {
	case i.version >= pythonVer(3, 11):
		i.getFuncOffset = walkLocationTable
	case i.version == pythonVer(3, 10):
		i.getFuncOffset = walkLineTable
	default:
		i.getFuncOffset = mapByteCodeIndexToLine
	}

	codeCache, err := freelru.New[libpf.Address, *codeObject](codeCacheSize,
		libpf.Address.Hash32)
	if err != nil {
		return err
	}
	i.codeCache = codeCache
	return nil
}

// versionedVMStructs returns the offsets that cannot be read from the
// target's introspection data. The values are taken from the CPython
// headers of each release.
func versionedVMStructs(version uint16) vmStructs {
	var vms vmStructs

	vms.PyTypeObject.BasicSize = 32
	vms.PyTypeObject.Members = 240
	vms.PyMemberDef.Name = 0
	vms.PyMemberDef.Offset = 16
	vms.PyMemberDef.Sizeof = 40

	vms.PyASCIIObject.Data = 48
	vms.PyVarObject.ObSize = 16
	vms.PyThreadState.Frame = 24

	switch version {
	case pythonVer(3, 7):
		// _PyRuntimeState.gilstate.tstate_current
		vms.PyRuntimeState.GilstateTstateCurrent = 1392
	case pythonVer(3, 8):
		vms.PyRuntimeState.GilstateTstateCurrent = 1368
	case pythonVer(3, 9), pythonVer(3, 10):
		// The ceval state moved out of _PyRuntimeState in 3.9.
		vms.PyRuntimeState.GilstateTstateCurrent = 568
	case pythonVer(3, 11):
		vms.PyRuntimeState.GilstateTstateCurrent = 576
		// Starting with 3.11 we no longer can extract the needed
		// information from PyFrameObject. In addition PyFrameObject was
		// replaced with _PyInterpreterFrame. The following offsets come
		// from _PyInterpreterFrame but we continue to use PyFrameObject
		// as the structure name, since the struct elements serve the
		// same function as before.
		vms.PyFrameObject.Code = 32
		vms.PyFrameObject.LastI = 56 // _Py_CODEUNIT *prev_instr
		vms.PyFrameObject.Back = 48  // struct _PyInterpreterFrame *previous
		// frame got removed in PyThreadState but we can use cframe
		// instead.
		vms.PyThreadState.Frame = 56
		vms.PyCFrame.CurrentFrame = 8
	case pythonVer(3, 12):
		// gilstate.tstate_current is gone; walk the interpreter list.
		vms.PyRuntimeState.InterpretersHead = 40
		vms.PyInterpreterState.ThreadsHead = 72
		vms.PyFrameObject.Code = 0
		vms.PyFrameObject.LastI = 56       // _Py_CODEUNIT *prev_instr
		vms.PyFrameObject.Back = 8         // struct _PyInterpreterFrame *previous
		vms.PyFrameObject.EntryMember = 70 // char owner
		vms.PyFrameObject.EntryVal = 3     // enum _frameowner, FRAME_OWNED_BY_CSTACK
		vms.PyThreadState.Frame = 56
		vms.PyCFrame.CurrentFrame = 0
		vms.PyASCIIObject.Data = 40
	case pythonVer(3, 13):
		vms.PyRuntimeState.InterpretersHead = 40
		vms.PyInterpreterState.ThreadsHead = 88
		vms.PyFrameObject.Code = 0
		vms.PyFrameObject.LastI = 56
		vms.PyFrameObject.Back = 8
		vms.PyFrameObject.EntryMember = 70
		vms.PyFrameObject.EntryVal = 3
		// The cframe indirection was removed again, see CPython commit
		// 006e44f9.
		vms.PyThreadState.Frame = 72
		vms.PyASCIIObject.Data = 40
	}
	return vms
}

// LocateThreadState resolves the remote address of the interpreter's
// current thread-state record. Failure is fatal: without it no stack can
// be produced at all, and guessing risks walking unrelated memory.
func (i *Interpreter) LocateThreadState() (libpf.Address, error) {
	vms := &i.vms
	var tsAddr libpf.Address
	var err error
	switch {
	case i.version < pythonVer(3, 7):
		tsAddr, err = i.rm.PtrChecked(i.anchor)
	case vms.PyRuntimeState.GilstateTstateCurrent != 0:
		tsAddr, err = i.rm.PtrChecked(i.anchor +
			libpf.Address(vms.PyRuntimeState.GilstateTstateCurrent))
	default:
		var interp libpf.Address
		interp, err = i.rm.PtrChecked(i.anchor +
			libpf.Address(vms.PyRuntimeState.InterpretersHead))
		if err == nil && interp == 0 {
			err = errors.New("interpreter list is empty")
		}
		if err == nil {
			tsAddr, err = i.rm.PtrChecked(interp +
				libpf.Address(vms.PyInterpreterState.ThreadsHead))
		}
	}
	if err != nil {
		return 0, fmt.Errorf("locate thread state of PID %d: %w", i.pid, err)
	}
	if tsAddr == 0 {
		return 0, fmt.Errorf("PID %d has no active thread state", i.pid)
	}
	log.Debugf("thread state of PID %d at 0x%x", i.pid, tsAddr)
	return tsAddr, nil
}

// fieldByPythonName searches obj for a field by its Python name using the
// struct tags.
func fieldByPythonName(obj reflect.Value, fieldName string) reflect.Value {
	objType := obj.Type()
	for idx := 0; idx < obj.NumField(); idx++ {
		objField := objType.Field(idx)
		if nameTag, ok := objField.Tag.Lookup("name"); ok {
			if slices.Contains(strings.Split(nameTag, ","), fieldName) {
				return obj.Field(idx)
			}
		}
		if fieldName == objField.Name {
			return obj.Field(idx)
		}
	}
	return reflect.Value{}
}

// readIntrospectionData fills vmObj from the tp_members table of the named
// type object in the target process. CPython conveniently describes its own
// struct layouts at runtime; reading them beats hardcoding offsets that
// shift between patch releases and build configurations.
func (i *Interpreter) readIntrospectionData(symmap *libpf.SymbolMap,
	symbol libpf.SymbolName, vmObj any,
) error {
	typeData, err := symmap.LookupSymbolAddress(symbol)
	if err != nil {
		return fmt.Errorf("symbol '%s' not found", symbol)
	}
	vms := &i.vms
	typedataAddress := libpf.Address(typeData) + i.bias
	reflection := reflect.ValueOf(vmObj).Elem()
	if f := reflection.FieldByName("Sizeof"); f.IsValid() {
		size := i.rm.Uint64(typedataAddress + vms.PyTypeObject.BasicSize)
		f.SetUint(size)
	}

	membersPtr := i.rm.Ptr(typedataAddress + vms.PyTypeObject.Members)
	if membersPtr == 0 {
		return nil
	}

	for addr := membersPtr; true; addr += vms.PyMemberDef.Sizeof {
		memberName := i.rm.StringPtr(addr + libpf.Address(vms.PyMemberDef.Name))
		if memberName == "" {
			break
		}
		if f := fieldByPythonName(reflection, memberName); f.IsValid() {
			offset := i.rm.Uint32(addr + libpf.Address(vms.PyMemberDef.Offset))
			f.SetUint(uint64(offset))
		}
	}
	return nil
}
