package vm

import "nomad/pkg/constants"

// ram is the puzzle VM's byte-addressable memory, backed by a sparse map of
// fixed-size pages rather than a reserved address-space mapping: a puzzle
// that only ever touches a handful of pages must not cost a gigabyte of
// resident memory to run (§4.1, §8.3 — this is a correctness requirement,
// not an optimization).
type ram struct {
	pages map[uint32][]byte
}

func newRAM() *ram {
	return &ram{pages: make(map[uint32][]byte)}
}

func (r *ram) pageOf(addr uint64) (pageNum uint32, offset uint32) {
	return uint32(addr / constants.VMPageSize), uint32(addr % constants.VMPageSize)
}

func (r *ram) page(pageNum uint32, alloc bool) []byte {
	p, ok := r.pages[pageNum]
	if !ok {
		if !alloc {
			return nil
		}
		p = make([]byte, constants.VMPageSize)
		r.pages[pageNum] = p
	}
	return p
}

// load reads n bytes starting at addr, byte-addressable and unaligned to any
// word boundary (§8.3). Untouched pages read as zero.
func (r *ram) load(addr uint64, n int) ([]byte, bool) {
	if addr+uint64(n) > constants.VMMemorySize {
		return nil, false
	}
	out := make([]byte, n)
	remaining := n
	cursor := addr
	written := 0
	for remaining > 0 {
		pageNum, offset := r.pageOf(cursor)
		chunk := constants.VMPageSize - int(offset)
		if chunk > remaining {
			chunk = remaining
		}
		p := r.page(pageNum, false)
		if p != nil {
			copy(out[written:written+chunk], p[offset:int(offset)+chunk])
		}
		cursor += uint64(chunk)
		written += chunk
		remaining -= chunk
	}
	return out, true
}

// store writes data starting at addr, allocating pages on first touch.
func (r *ram) store(addr uint64, data []byte) bool {
	if addr+uint64(len(data)) > constants.VMMemorySize {
		return false
	}
	remaining := len(data)
	cursor := addr
	read := 0
	for remaining > 0 {
		pageNum, offset := r.pageOf(cursor)
		chunk := constants.VMPageSize - int(offset)
		if chunk > remaining {
			chunk = remaining
		}
		p := r.page(pageNum, true)
		copy(p[offset:int(offset)+chunk], data[read:read+chunk])
		cursor += uint64(chunk)
		read += chunk
		remaining -= chunk
	}
	return true
}
