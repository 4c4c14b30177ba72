// SPDX-License-Identifier: Apache-2.0

package capture

import "bytes"

const (
	vectorTableBase  = 0x0001_0000
	vectorStringBase = 0x0100_0000
)

// VectorMemory is a synthetic address space holding an argv and an envp
// vector laid out the way the kernel passes them to execve: two
// NULL-terminated pointer tables referencing NUL-terminated strings. It lets
// sources that already hold the vectors as strings (e.g. read from the
// process table) run the same extraction path as the kernel.
type VectorMemory struct {
	table   []uint64
	strings []byte
	envOff  int
}

// NewVectorMemory lays out argv and envp.
func NewVectorMemory(argv, envp []string) *VectorMemory {
	m := &VectorMemory{
		table: make([]uint64, 0, len(argv)+len(envp)+2),
	}
	for _, s := range argv {
		m.table = append(m.table, m.addString(s))
	}
	m.table = append(m.table, 0)
	m.envOff = len(m.table)
	for _, s := range envp {
		m.table = append(m.table, m.addString(s))
	}
	m.table = append(m.table, 0)
	return m
}

func (m *VectorMemory) addString(s string) uint64 {
	addr := vectorStringBase + uint64(len(m.strings))
	m.strings = append(m.strings, s...)
	m.strings = append(m.strings, 0)
	return addr
}

// Header returns the argv/envp addresses of the laid-out vectors.
func (m *VectorMemory) Header() Header {
	return Header{
		Argv: vectorTableBase,
		Envp: vectorTableBase + uint64(m.envOff)*PointerSize,
	}
}

// ReadPointer implements UserMemory.
func (m *VectorMemory) ReadPointer(addr uint64) (uint64, error) {
	if addr < vectorTableBase || (addr-vectorTableBase)%PointerSize != 0 {
		return 0, ErrFault
	}
	i := (addr - vectorTableBase) / PointerSize
	if i >= uint64(len(m.table)) {
		return 0, ErrFault
	}
	return m.table[i], nil
}

// ReadString implements UserMemory.
func (m *VectorMemory) ReadString(addr uint64, dst []byte) (int, error) {
	if addr < vectorStringBase || addr-vectorStringBase >= uint64(len(m.strings)) {
		return 0, ErrFault
	}
	src := m.strings[addr-vectorStringBase:]
	if i := bytes.IndexByte(src, 0); i >= 0 {
		src = src[:i]
	}
	return terminate(dst, src), nil
}

// terminate copies src into dst, leaving room for and writing a trailing NUL.
func terminate(dst, src []byte) int {
	if len(dst) == 0 {
		return 0
	}
	n := copy(dst[:len(dst)-1], src)
	dst[n] = 0
	return n
}
