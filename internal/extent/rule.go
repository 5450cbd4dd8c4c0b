package extent

import (
	"fmt"
	"sort"

	"golang.org/x/sys/unix"
)

// Rule generates medium contents algorithmically, chunk by chunk.
type Rule interface {
	// ChunkSize is the generation granularity.
	ChunkSize() int64
	// Fill writes the bytes of the medium at the given offset into chunk.
	Fill(chunk []byte, offset int64)
}

// RuleMedium is a medium whose default contents follow a Rule, with a
// sparse amendment map of exceptions applied on top. The generator and
// the amendments are deterministic and order-independent within a
// chunk, so the medium can be replayed any number of times.
type RuleMedium struct {
	Rule       Rule
	BS         int64
	Amendments map[int64][]byte
}

// NewRuleMedium wraps a rule with an empty amendment map.
func NewRuleMedium(rule Rule, blockSize int64) *RuleMedium {
	return &RuleMedium{Rule: rule, BS: blockSize, Amendments: map[int64][]byte{}}
}

// Amend stores raw exception bytes at the given medium offset,
// replacing any previous amendment there.
func (m *RuleMedium) Amend(offset int64, value []byte) {
	m.Amendments[offset] = value
}

// Amend32 stores a little-endian uint32 exception. The FAT chain
// writer is the primary client.
func (m *RuleMedium) Amend32(offset int64, value uint32) {
	m.Amend(offset, []byte{
		byte(value), byte(value >> 8), byte(value >> 16), byte(value >> 24),
	})
}

// Amended reports whether an exception exists at offset.
func (m *RuleMedium) Amended(offset int64) bool {
	_, ok := m.Amendments[offset]
	return ok
}

func (m *RuleMedium) Data() []byte         { return nil }
func (m *RuleMedium) Path() string         { return "" }
func (m *RuleMedium) Fd() int              { return -1 }
func (m *RuleMedium) BlockDevice() uint64  { return 0 }
func (m *RuleMedium) BlockSize() int64     { return m.BS }
func (m *RuleMedium) IsDirectDevice() bool { return false }
func (m *RuleMedium) IsAligned() bool      { return false }
func (m *RuleMedium) ID() uint64           { return 0 }

// WriteRange generates the requested range to fd, then patches the
// amendments that land inside it with positioned writes.
func (m *RuleMedium) WriteRange(fd int, r Range) error {
	base, err := unix.Seek(fd, 0, unix.SEEK_CUR)
	if err != nil {
		return fmt.Errorf("rule medium: tell: %w", err)
	}
	size := m.Rule.ChunkSize()
	chunk := make([]byte, size)
	last := r.End()
	for next := r.Offset; next < last; next += size {
		part := size
		if last-next < part {
			part = last - next
		}
		m.Rule.Fill(chunk[:part], next)
		if err := writeAll(fd, chunk[:part]); err != nil {
			return fmt.Errorf("rule medium: %w", err)
		}
	}
	for _, off := range m.sortedAmendments() {
		if off < r.Offset || off >= last {
			continue
		}
		patch := m.Amendments[off]
		if _, err := unix.Pwrite(fd, patch, base+off-r.Offset); err != nil {
			return fmt.Errorf("rule medium: amend at %#x: %w", off, err)
		}
	}
	return nil
}

// ReadRange renders the requested range into buf, amendments applied.
// Vector burners use this path; file burners use WriteRange.
func (m *RuleMedium) ReadRange(buf []byte, r Range) {
	size := m.Rule.ChunkSize()
	last := r.End()
	for next := r.Offset; next < last; next += size {
		part := size
		if last-next < part {
			part = last - next
		}
		m.Rule.Fill(buf[next-r.Offset:next-r.Offset+part], next)
	}
	for off, patch := range m.Amendments {
		if off < r.Offset || off >= last {
			continue
		}
		copy(buf[off-r.Offset:], patch)
	}
}

func (m *RuleMedium) sortedAmendments() []int64 {
	offs := make([]int64, 0, len(m.Amendments))
	for off := range m.Amendments {
		offs = append(offs, off)
	}
	sort.Slice(offs, func(i, j int) bool { return offs[i] < offs[j] })
	return offs
}

// BitsRule fills a bitmap with '1' bits: 0xFF for the whole bytes, a
// partial high-bits byte for the remainder, zeroes past the end. The
// HFS+ allocation file and B-tree node maps are built on it.
type BitsRule struct {
	Chunk int64
	Bits  int64
}

// NewBitsRule builds a bitmap rule. A zero chunk defaults to the
// mapper sector.
func NewBitsRule(chunk, bits int64) *BitsRule {
	if chunk == 0 {
		chunk = MapperBlockSize
	}
	return &BitsRule{Chunk: chunk, Bits: bits}
}

// ReserveBits resets the bit count; the HFS+ writer recomputes it once
// the final volume block count is known.
func (b *BitsRule) ReserveBits(bits int64) { b.Bits = bits }

// ByteCount is the bitmap size in bytes, partial byte included.
func (b *BitsRule) ByteCount() int64 { return (b.Bits + 7) / 8 }

func (b *BitsRule) countOfFF() int64 { return b.Bits / 8 }

func (b *BitsRule) trailingByte() (byte, bool) {
	if b.Bits%8 == 0 {
		return 0, false
	}
	return byte(uint16(0xff00) >> (b.Bits % 8)), true
}

func (b *BitsRule) ChunkSize() int64 { return b.Chunk }

func (b *BitsRule) Fill(chunk []byte, offset int64) {
	nFill := b.countOfFF() - offset
	if nFill < 0 {
		nFill = 0
	}
	if max := int64(len(chunk)); nFill > max {
		nFill = max
	}
	ffFill(chunk[:nFill])
	zeroFill(chunk[nFill:])
	if trail, ok := b.trailingByte(); ok {
		at := b.countOfFF() - offset
		if at >= 0 && at < int64(len(chunk)) {
			chunk[at] = trail
		}
	}
}

func ffFill(buf []byte) {
	for i := range buf {
		buf[i] = 0xff
	}
}

func zeroFill(buf []byte) {
	for i := range buf {
		buf[i] = 0
	}
}
