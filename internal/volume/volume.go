// Package volume defines the target-filesystem writer contract and
// the orchestration that lays a source tree out on the output device:
// choose a block size every party can live with, optimize the source
// geometry, run the writer's plan against two planners (output and
// temporary), and commit both.
package volume

import (
	"fmt"
	"os"

	"github.com/lightlabsinc/fsview/internal/burner"
	"github.com/lightlabsinc/fsview/internal/extent"
	"github.com/lightlabsinc/fsview/internal/fault"
	"github.com/lightlabsinc/fsview/internal/geometry"
	"github.com/lightlabsinc/fsview/internal/naming"
	"github.com/lightlabsinc/fsview/internal/source"
)

// Writer is a target filesystem formatter.
type Writer interface {
	// SizeRange is a bitwise OR mask of allowed logical block sizes.
	SizeRange() int64
	// BlockSize returns the chosen logical block size (0 = undecided).
	BlockSize() int64
	// SetBlockSize chooses the logical block size.
	SetBlockSize(blkSz int64)
	// SetLabels stores the originating system and volume names,
	// assuming sanitized inputs.
	SetLabels(system, label string)
	// Plan lays the tree out: on-the-fly metadata goes to the
	// temporary planner, wrapped ranges of the temporary medium and
	// file payload go to the output planner.
	Plan(tree *source.Tree, out, tmp *burner.Planner) (*geometry.Colonies, error)
	// Slave returns the attached hybrid co-writer, or nil.
	Slave() Hybrid
}

// Hybrid is co-implemented by writers describing the same file area
// in an alternative way (the "monster CD" that is both HFS+ and CDFS).
// The master lays out the disk authoritatively and delegates its
// reserved and trailing areas to the slave.
type Hybrid interface {
	// BlkSzHint lets the slave constrain the master's block choice.
	BlkSzHint(tree *source.Tree, out, tmp extent.Medium) int64
	// MasterAdjusted tells the slave the block size is final and the
	// source→target mapping fully defined.
	MasterAdjusted(tree *source.Tree, out, tmp extent.Medium, blkSz int64) error
	// MasterReserved lets the slave fill a master-reserved range
	// (e.g. the first 32K of a CDFS volume) instead of zeroes.
	MasterReserved(tree *source.Tree, out, tmp *burner.Planner, cap int64) error
	// MasterComplete lets the slave append everything it wants after
	// the master is done with the file area and its metadata.
	MasterComplete(tree *source.Tree, out, tmp *burner.Planner, cols *geometry.Colonies) error
}

// Options carries space-booking knobs shared by writers.
type Options struct {
	// Scratch marks a writable/temporary partition: favor free space
	// in the allocation tables.
	Scratch bool
	// Scrooge would claim every gap between files as free space.
	// Accepted and recorded; no use case yet.
	Scrooge bool
	// ExtraRoom is a hint how much extra space to reserve.
	ExtraRoom int64
}

// BookSpace configures the options in place.
func (o *Options) BookSpace(scratch, scrooge bool, extra int64) {
	o.Scratch = scratch
	o.Scrooge = scrooge
	o.ExtraRoom = extra
}

// SetTitles sanitizes the system and volume names to ISO A-chars and
// hands them to the writer.
func SetTitles(w Writer, system, label string) {
	w.SetLabels(sanitize(system), sanitize(label))
}

func sanitize(s string) string {
	out := []rune(s)
	for i, wc := range out {
		out[i] = naming.EnsureD(wc)
	}
	return string(out)
}

// Represent is the workhorse: lay a source tree out on the output
// medium, using the temporary medium for generated metadata.
func Represent(w Writer, tree *source.Tree, out, tmp burner.Burner) error {
	blkSz, err := Adjust(w, tree, out, tmp)
	if err != nil {
		return err
	}
	tree.Optimize(blkSz)
	if slave := w.Slave(); slave != nil {
		if err := slave.MasterAdjusted(tree, out, tmp, blkSz); err != nil {
			return err
		}
	}

	outPlanner := burner.NewPlanner(out)
	tmpPlanner := burner.NewPlanner(tmp)
	outPlanner.RequestBlockSize(blkSz)

	cols, err := w.Plan(tree, outPlanner, tmpPlanner)
	if err != nil {
		return err
	}
	if slave := w.Slave(); slave != nil {
		if err := slave.MasterComplete(tree, outPlanner, tmpPlanner, cols); err != nil {
			return err
		}
	}

	if err := tmpPlanner.Commit(); err != nil {
		return fmt.Errorf("commit temporary medium: %w", err)
	}
	if err := outPlanner.Commit(); err != nil {
		return fmt.Errorf("commit output medium: %w", err)
	}
	return nil
}

// Adjust picks the block size: within the source granularity and the
// writer's supported range, preferring the writer's own choice, then
// the stricter of the two media, then the page size, floored at the
// mapper sector.
func Adjust(w Writer, tree *source.Tree, out, tmp extent.Medium) (int64, error) {
	inMask, err := tree.Granularity(extent.MapperBlockSize)
	if err != nil {
		return 0, err
	}
	myMask := w.SizeRange()
	mask := inMask & myMask
	if mask == 0 {
		return 0, fmt.Errorf("tree too granular for the filesystem: source %#x, writer %#x",
			inMask, myMask)
	}

	want := w.BlockSize()
	if want == 0 {
		want = out.BlockSize()
		if tmp.BlockSize() > want {
			want = tmp.BlockSize()
		}
	}
	if want == 0 {
		want = int64(os.Getpagesize())
	}
	if want < extent.MapperBlockSize {
		want = extent.MapperBlockSize
	}

	size := want
	if want&mask == 0 {
		if want > mask {
			size = mask &^ (mask >> 1) // the highest admissible bit
		} else {
			size = mask & -mask // the lowest admissible bit
		}
	}
	w.SetBlockSize(size)
	return size, nil
}

// PlanReserved writes a master-reserved range: the slave fills what
// it wants, the remainder is zeroed; overshooting the cap is a bug.
func PlanReserved(slave Hybrid, tree *source.Tree, out, tmp *burner.Planner, cap int64) error {
	cur := out.Offset()
	if slave != nil {
		if err := slave.MasterReserved(tree, out, tmp, cap); err != nil {
			return err
		}
	}
	used := out.Offset() - cur
	switch {
	case used < cap:
		_, err := out.Append(extent.Zero(cap - used))
		return err
	case used > cap:
		return fault.Violatedf("reserved area breach: allowed %#x, written %#x", cap, used)
	}
	return nil
}
