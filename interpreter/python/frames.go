// Copyright The Pystack Authors
// SPDX-License-Identifier: Apache-2.0

package python // import "pystack.dev/pystack/interpreter/python"

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"strings"
	"unicode"
	"unicode/utf8"

	"pystack.dev/pystack/libpf"
	npsr "pystack.dev/pystack/nopanicslicereader"
)

// maxFrames bounds the frame chain walk. A longer chain is assumed to be
// corrupt or cyclic; remote memory is untrusted input and must never drive
// an unbounded loop.
const maxFrames = 128

// codeObject contains the information we cache for a corresponding Python
// interpreter's PyCodeObject structure.
type codeObject struct {
	// As of Python 3.10 elements of PyCodeObject have changed and so we
	// need to handle them differently. To be able to do so we keep track
	// of the python version.
	version uint16

	// name is the extracted co_qualname, or co_name when the qualified
	// name is not available
	name string

	// sourceFileName is the extracted co_filename field
	sourceFileName string

	// For Python version < 3.10 lineTable is the extracted co_lnotab, and
	// contains the "bytecode index" to "line number" mapping data.
	// For Python version >= 3.10 lineTable is the extracted co_linetable.
	lineTable []byte

	// firstLineNo is the extracted co_firstlineno field, and contains the
	// line number where the method definition in source code starts
	firstLineNo uint32
}

// Capture walks the frame chain of the thread state at tsAddr and returns
// the stack innermost first. All failures are recoverable: they spoil this
// capture attempt only, the session and prior results stay intact.
func (i *Interpreter) Capture(tsAddr libpf.Address) (libpf.Stack, error) {
	vms := &i.vms
	frameAddr, err := i.rm.PtrChecked(tsAddr + libpf.Address(vms.PyThreadState.Frame))
	if err != nil {
		return nil, libpf.Recoverable(fmt.Errorf("read current frame pointer: %w", err))
	}
	if i.useCFrame && frameAddr != 0 {
		frameAddr, err = i.rm.PtrChecked(frameAddr +
			libpf.Address(vms.PyCFrame.CurrentFrame))
		if err != nil {
			return nil, libpf.Recoverable(fmt.Errorf("read cframe: %w", err))
		}
	}

	stack := make(libpf.Stack, 0, 16)
	for depth := 0; frameAddr != 0; depth++ {
		if depth >= maxFrames {
			return nil, libpf.Recoverable(
				fmt.Errorf("frame chain exceeds %d frames, assuming corruption", maxFrames))
		}
		codeAddr, err := i.rm.PtrChecked(frameAddr + libpf.Address(vms.PyFrameObject.Code))
		if err != nil {
			return nil, libpf.Recoverable(fmt.Errorf("read frame at 0x%x: %w", frameAddr, err))
		}
		next, err := i.rm.PtrChecked(frameAddr + libpf.Address(vms.PyFrameObject.Back))
		if err != nil {
			return nil, libpf.Recoverable(fmt.Errorf("read frame at 0x%x: %w", frameAddr, err))
		}
		if i.isShimFrame(frameAddr, codeAddr) {
			frameAddr = next
			continue
		}
		code, err := i.getCodeObject(codeAddr)
		if err != nil {
			return nil, libpf.Recoverable(
				fmt.Errorf("decode code object at 0x%x: %w", codeAddr, err))
		}
		lineOffset := i.getFuncOffset(code, i.byteCodeIndex(frameAddr, codeAddr))
		stack = append(stack, libpf.Frame{
			File:     code.sourceFileName,
			Function: code.name,
			Line:     code.firstLineNo + lineOffset,
		})
		frameAddr = next
	}
	if len(stack) == 0 {
		// Chain length zero on an otherwise valid walk is an anomaly,
		// not a snapshot.
		return nil, libpf.Recoverable(errors.New("captured an empty stack"))
	}
	return stack, nil
}

// isShimFrame reports whether the frame belongs to the C-level trampoline
// rather than to Python code. Such frames exist on 3.12+ and carry either
// FRAME_OWNED_BY_CSTACK ownership or Py_None as their executable.
func (i *Interpreter) isShimFrame(frameAddr, codeAddr libpf.Address) bool {
	if i.version < pythonVer(3, 12) {
		return false
	}
	if i.noneStruct != 0 && codeAddr == i.noneStruct {
		return true
	}
	vms := &i.vms
	if vms.PyFrameObject.EntryMember != 0 {
		owner := i.rm.Uint8(frameAddr + libpf.Address(vms.PyFrameObject.EntryMember))
		return owner == uint8(vms.PyFrameObject.EntryVal)
	}
	return false
}

// byteCodeIndex extracts the current bytecode index of the frame. Before
// 3.11 f_lasti holds it directly; afterwards prev_instr is a pointer into
// the code units trailing the PyCodeObject.
func (i *Interpreter) byteCodeIndex(frameAddr, codeAddr libpf.Address) uint32 {
	vms := &i.vms
	if i.version < pythonVer(3, 11) {
		lastI := int32(i.rm.Uint32(frameAddr + libpf.Address(vms.PyFrameObject.LastI)))
		if lastI < 0 {
			// -1 means the frame has not started executing yet.
			return 0
		}
		return uint32(lastI)
	}
	prevInstr := i.rm.Ptr(frameAddr + libpf.Address(vms.PyFrameObject.LastI))
	firstInstr := codeAddr + libpf.Address(vms.PyCodeObject.Sizeof)
	if prevInstr < firstInstr {
		return 0
	}
	return uint32((prevInstr - firstInstr) / 2)
}

func (i *Interpreter) getCodeObject(addr libpf.Address) (*codeObject, error) {
	if addr == 0 {
		return nil, errors.New("failed to read code object: null pointer")
	}
	if value, ok := i.codeCache.Get(addr); ok {
		return value, nil
	}

	vms := &i.vms
	cobj := make([]byte, vms.PyCodeObject.Sizeof)
	if err := i.rm.Read(addr, cobj); err != nil {
		return nil, fmt.Errorf("failed to read code object: %w", err)
	}

	firstLineNo := npsr.Uint32(cobj, vms.PyCodeObject.FirstLineno)
	data := libpf.Address(vms.PyASCIIObject.Data)

	var lineInfoPtr libpf.Address
	if i.version < pythonVer(3, 10) {
		lineInfoPtr = npsr.Ptr(cobj, vms.PyCodeObject.Lnotab)
	} else {
		lineInfoPtr = npsr.Ptr(cobj, vms.PyCodeObject.Linetable)
	}

	var name string
	if vms.PyCodeObject.QualName != 0 {
		name = i.rm.String(data + npsr.Ptr(cobj, vms.PyCodeObject.QualName))
	}
	if name == "" {
		name = i.rm.String(data + npsr.Ptr(cobj, vms.PyCodeObject.Name))
	}
	if !isValidString(name) {
		return nil, fmt.Errorf(
			"extracted invalid Python method/function name from address 0x%x", addr)
	}

	sourcePath := i.rm.String(data + npsr.Ptr(cobj, vms.PyCodeObject.Filename))
	// Correct frozen files to be displayed correctly in the output.
	sourceFileName, err := frozenNameToFileName(sourcePath)
	if err != nil {
		sourceFileName = sourcePath
	}
	if !isValidString(sourceFileName) {
		return nil, fmt.Errorf(
			"extracted invalid Python source file name from address 0x%x", addr)
	}

	lineTableSize := i.rm.Uint64(lineInfoPtr + libpf.Address(vms.PyVarObject.ObSize))
	if lineTableSize >= 0x10000 ||
		(i.version < pythonVer(3, 11) && lineTableSize&1 != 0) {
		return nil, fmt.Errorf("invalid line table size (%v)", lineTableSize)
	}
	lineTable := make([]byte, lineTableSize)
	err = i.rm.Read(lineInfoPtr+libpf.Address(vms.PyBytesObject.Sizeof)-1, lineTable)
	if err != nil {
		return nil, fmt.Errorf("failed to read line table: %w", err)
	}

	pco := &codeObject{
		version:        i.version,
		name:           name,
		sourceFileName: sourceFileName,
		firstLineNo:    firstLineNo,
		lineTable:      lineTable,
	}
	i.codeCache.Add(addr, pco)
	return pco, nil
}

// frozenNameToFileName converts special Python file names into real file
// names. Returns the new file name or the unchanged input if it wasn't a
// frozen file name or the format was not as expected.
//
// Examples seen regularly with python3.7 and python3.8:
//
//	"<frozen importlib._bootstrap>" --> "_bootstrap.py"
//	"<frozen importlib._bootstrap_external>" --> "_bootstrap_external.py"
func frozenNameToFileName(sourceFileName string) (string, error) {
	if !strings.HasPrefix(sourceFileName, "<frozen ") {
		return sourceFileName, nil
	}

	if sourceFileName[len(sourceFileName)-1] != '>' {
		return "", fmt.Errorf("missing terminator in frozen file '%s'", sourceFileName)
	}

	b := strings.LastIndexByte(sourceFileName, '.') + 1
	if b == 0 {
		b = 8 // advance to file name, starting after '<frozen '
	}

	fName := sourceFileName[b : len(sourceFileName)-1]
	if fName == "" {
		return "", fmt.Errorf("unexpected empty frozen file '%s'", sourceFileName)
	}

	return fName + ".py", nil
}

// isValidString checks that the extracted name is printable UTF-8. Garbage
// here means we dereferenced something that was not a string object.
func isValidString(s string) bool {
	if s == "" {
		return false
	}
	if !utf8.ValidString(s) {
		return false
	}
	for _, r := range s {
		if !unicode.IsPrint(r) {
			return false
		}
	}
	return true
}

// getFuncOffsetFunc provides functionality to return a function offset
// from a codeObject
type getFuncOffsetFunc func(m *codeObject, bci uint32) uint32

// readVarint returns a variable length encoded unsigned integer from a
// location table entry.
func readVarint(r io.ByteReader) uint32 {
	val := uint32(0)
	b := byte(0x40)
	for shift := 0; b&0x40 != 0; shift += 6 {
		var err error
		b, err = r.ReadByte()
		if err != nil || b&0x80 != 0 {
			return 0
		}
		val |= uint32(b&0x3f) << shift
	}
	return val
}

// readSignedVarint returns a variable length encoded signed integer from a
// location table entry.
func readSignedVarint(r io.ByteReader) int32 {
	uval := readVarint(r)
	if uval&1 != 0 {
		return -int32(uval >> 1)
	}
	return int32(uval >> 1)
}

// walkLocationTable implements the algorithm to read entries from the
// location table. This was introduced in Python 3.11.
// https://github.com/python/cpython/blob/deaf509e8fc6e0363bd6f26d52ad42f976ec42f2/Objects/locations.md
//
//nolint:lll
func walkLocationTable(m *codeObject, bci uint32) uint32 {
	r := bytes.NewReader(m.lineTable)
	curI := uint32(0)
	line := int32(0)
	for curI <= bci {
		firstByte, err := r.ReadByte()
		if err != nil || firstByte&0x80 == 0 {
			return 0
		}

		code := (firstByte >> 3) & 15
		curI += uint32(firstByte&7) + 1

		// Handle the 16 possible different codes known as
		// _PyCodeLocationInfoKind.
		//nolint:lll
		// https://github.com/python/cpython/blob/deaf509e8fc6e0363bd6f26d52ad42f976ec42f2/Include/cpython/code.h#L219
		switch code {
		case 0, 1, 2, 3, 4, 5, 6, 7, 8, 9:
			// PY_CODE_LOCATION_INFO_SHORT does not hold line information.
			_, _ = r.ReadByte()
		case 10, 11, 12:
			// PY_CODE_LOCATION_INFO_ONE_LINE embeds the line information
			// in the code, followed by two bytes containing new columns.
			line += int32(code - 10)
			_, _ = r.ReadByte()
			_, _ = r.ReadByte()
		case 13:
			// PY_CODE_LOCATION_INFO_NO_COLUMNS
			line += readSignedVarint(r)
		case 14:
			// PY_CODE_LOCATION_INFO_LONG
			line += readSignedVarint(r)
			_ = readVarint(r)
			_ = readVarint(r)
			_ = readVarint(r)
		case 15:
			// PY_CODE_LOCATION_INFO_NONE does not hold line information
			line = -1
		default:
			return 0
		}
	}
	if line < 0 {
		line = 0
	}
	return uint32(line)
}

// walkLineTable implements the algorithm to walk the line number table that
// was introduced with Python 3.10. While firstLineNo still holds the line
// number of the function, the line number table extends this information
// with the offset into this function.
func walkLineTable(m *codeObject, addrq uint32) uint32 {
	// The co_linetab format is specified in python Objects/lnotab_notes.txt
	if addrq == 0 {
		return 0
	}
	lineTable := m.lineTable
	var line, start, end uint32
	for i := 0; i < len(lineTable)/2; i += 2 {
		sDelta := lineTable[i]
		lDelta := int8(lineTable[i+1])
		if lDelta == 0 {
			end += uint32(sDelta)
			continue
		}
		start = end
		end = start + uint32(sDelta)
		if lDelta == -128 {
			// A line delta of -128 is a special indicator mentioned in
			// Objects/lnotab_notes.txt and indicates an invalid line
			// number.
			continue
		}
		line += uint32(lDelta)
		if end == start {
			continue
		}
		if end > addrq {
			return line
		}
	}
	return 0
}

func mapByteCodeIndexToLine(m *codeObject, bci uint32) uint32 {
	// The co_lnotab format is specified in python Objects/lnotab_notes.txt
	lineno := uint32(0)
	addr := uint(0)
	// The lnotab length is checked to be even before it's extracted in
	// getCodeObject()
	lnotab := m.lineTable
	for i := 0; i < len(lnotab); i += 2 {
		addr += uint(lnotab[i])
		if addr > uint(bci) {
			return lineno
		}
		lineno += uint32(lnotab[i+1])
		if lnotab[i+1] >= 0x80 {
			lineno -= 0x100
		}
	}
	return lineno
}
