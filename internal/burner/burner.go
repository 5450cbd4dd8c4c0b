// Package burner writes extent sequences to media, the way a CD
// burner app writes dropped files once the burn button is pressed.
//
// A Burner is an append-only sink that is itself a Medium (so a range
// of one burner can be re-exposed as an extent on another). A Planner
// records extents ahead of time and commits them to its burner in one
// transaction.
package burner

import (
	"fmt"

	"github.com/lightlabsinc/fsview/internal/extent"
	"github.com/lightlabsinc/fsview/internal/fault"
)

// Appender packs extents, maintaining the current offset.
type Appender interface {
	// Append adds an extent and returns the offset it was placed at.
	Append(x extent.Extent) (int64, error)
	// Offset returns the position the next extent will be placed at.
	Offset() int64
}

// PadTo appends a zero extent aligning the appender to blkSz.
// Returns the padding size.
func PadTo(a Appender, blkSz int64) (int64, error) {
	pad := extent.Padding(a.Offset(), blkSz)
	if pad == 0 {
		return 0, nil
	}
	if _, err := a.Append(extent.Zero(pad)); err != nil {
		return 0, err
	}
	return pad, nil
}

// Burner is an extent sink bound to concrete storage.
type Burner interface {
	extent.Medium
	Appender

	// Valid reports whether the target medium is usable.
	Valid() bool
	// Reserve allocates the needed space on the backing medium.
	Reserve(size int64) error
	// Commit flushes the written extents to the backing storage.
	Commit() error
}

// Planner collects extents before writing them to a Burner in one
// transaction, maintaining block-size discipline along the way.
type Planner struct {
	burner  Burner
	pending []extent.Extent
	client  int64
	offset  int64
}

// NewPlanner scopes a planner to a burner for one planning session.
func NewPlanner(b Burner) *Planner {
	return &Planner{burner: b, client: 1}
}

// BlockSize is the stricter of the client's and the burner's block
// sizes.
func (p *Planner) BlockSize() int64 {
	if p.client > p.burner.BlockSize() {
		return p.client
	}
	return p.burner.BlockSize()
}

// RequestBlockSize raises the minimum block size required by the
// client. Sticky: it never shrinks.
func (p *Planner) RequestBlockSize(sz int64) {
	if p.client < sz {
		p.client = sz
	}
}

// Offset returns the position the next appended extent will start at.
func (p *Planner) Offset() int64 { return p.offset }

// Medium exposes the backing burner as a medium.
func (p *Planner) Medium() Burner { return p.burner }

// Append records an extent. Zero-length extents advance nothing;
// negative lengths are an internal bug.
func (p *Planner) Append(x extent.Extent) (int64, error) {
	if x.Length < 0 {
		return 0, fault.Violatedf("extent length %#x < 0", x.Length)
	}
	cur := p.offset
	if x.Length > 0 {
		p.pending = append(p.pending, x)
	}
	p.offset += x.Length
	return cur, nil
}

// PadTo pads the planner to the given block size.
func (p *Planner) PadTo(blkSz int64) (int64, error) { return PadTo(p, blkSz) }

// AutoPad pads the planner to its own block size.
func (p *Planner) AutoPad() (int64, error) { return p.PadTo(p.BlockSize()) }

// WrapToGo seals the box and puts it on the truck: pads to the block
// size and returns the extent of the backing burner from since to the
// current offset. The usual move is packing small extents on an
// intermediate medium, then burning the whole range to the final one
// as a single extent.
func (p *Planner) WrapToGo(since int64) (extent.Extent, error) {
	if _, err := p.AutoPad(); err != nil {
		return extent.Extent{}, err
	}
	return extent.New(since, p.offset-since, p.burner), nil
}

// Commit reserves space and replays the pending extents into the
// burner, cross-checking the burner's own notion of progress.
func (p *Planner) Commit() error {
	if err := p.burner.Reserve(p.offset); err != nil {
		return fmt.Errorf("reserve %d: %w", p.offset, err)
	}
	var track int64
	for _, x := range p.pending {
		if _, err := p.burner.Append(x); err != nil {
			return fmt.Errorf("burn extent %#x+%#x: %w", x.Offset, x.Length, err)
		}
		track += x.Length
		if got := p.burner.Offset(); got > track {
			return fault.Violatedf("extent %#x+%#x overflowed burner: %#x > %#x",
				x.Offset, x.Length, got, track)
		}
	}
	p.pending = nil
	return p.burner.Commit()
}

// Copad pads both planners to the stricter of their block sizes and
// returns it. Used when two planners interleave on the same pass.
func Copad(left, right *Planner) (int64, error) {
	common := left.BlockSize()
	if right.BlockSize() > common {
		common = right.BlockSize()
	}
	if _, err := left.PadTo(common); err != nil {
		return 0, err
	}
	if _, err := right.PadTo(common); err != nil {
		return 0, err
	}
	return common, nil
}
