// Package locate resolves logical file ranges to physical extents on
// the backing block devices via the FS_IOC_FIEMAP ioctl, escalating
// through corrections when the kernel cannot produce a mappable
// answer: retry with a sync hint, copy out to a foster scratch, or
// degrade to zeroes. The locator never aborts the run; every
// degradation is logged.
package locate

import (
	"fmt"
	"log/slog"

	"golang.org/x/sys/unix"

	"github.com/lightlabsinc/fsview/internal/burner"
	"github.com/lightlabsinc/fsview/internal/extent"
)

// Extent query flags, from linux/fiemap.h.
const (
	FlagLast       = 0x0001 // FIEMAP_EXTENT_LAST
	FlagUnknown    = 0x0002 // FIEMAP_EXTENT_UNKNOWN (covers delayed alloc)
	FlagDelalloc   = 0x0004 // FIEMAP_EXTENT_DELALLOC
	FlagEncoded    = 0x0008 // FIEMAP_EXTENT_ENCODED (covers encrypted at rest)
	FlagNotAligned = 0x0100 // FIEMAP_EXTENT_NOT_ALIGNED (covers inline + tail)
	FlagUnwritten  = 0x0800 // FIEMAP_EXTENT_UNWRITTEN
)

// RawExtent is one kernel-reported mapping.
type RawExtent struct {
	Logical  int64
	Physical int64
	Length   int64
	Flags    uint32
}

// Querier abstracts the extent query so the escalation policy can be
// exercised without a real filesystem underneath.
type Querier interface {
	// Query reports the mappings of the given logical range of fd.
	// sync asks the filesystem to flush first.
	Query(fd int, r extent.Range, sync bool) ([]RawExtent, error)
}

type correction int

const (
	naive correction = iota
	fsync
)

// Ioc is the fiemap-backed locator. It owns the device substitution
// map (mounted device → unmounted mirror), the registry of disk
// surfaces, the foster scratch, and the unwritten-extent wait list.
type Ioc struct {
	// Subst maps mounted devices to their unmounted mirrors; the
	// device mapper cannot access mounted drives.
	Subst map[uint64]uint64
	// Foster, when set, receives copies of unmappable ranges.
	Foster *burner.Planner
	// Budget bounds the cumulative foster usage in bytes.
	Budget int64

	q        Querier
	media    map[uint64]*extent.DiskMedium
	waitlist []int
}

// New builds a locator over the given querier.
func New(q Querier) *Ioc {
	if q == nil {
		q = FiemapQuerier{}
	}
	return &Ioc{
		Subst: map[uint64]uint64{},
		q:     q,
		media: map[uint64]*extent.DiskMedium{},
	}
}

// Surface returns the disk medium backing the provided device,
// creating it through the substitution map on first sight.
func (l *Ioc) Surface(dev uint64, blkSize int64) *extent.DiskMedium {
	if m, ok := l.media[dev]; ok {
		return m
	}
	used := dev
	if subst, ok := l.Subst[dev]; ok {
		used = subst
	}
	m := extent.NewDiskMedium(used, blkSize)
	l.media[dev] = m
	return m
}

// Resolve maps a logical source extent to a physical extent list.
func (l *Ioc) Resolve(x extent.Extent) ([]extent.Extent, error) {
	return l.peek(x, naive)
}

func (l *Ioc) peek(source extent.Extent, co correction) ([]extent.Extent, error) {
	medium := l.Surface(source.Medium.BlockDevice(), source.Medium.BlockSize())
	fd := source.Medium.Fd()
	raws, err := l.q.Query(fd, source.Range, co == fsync)
	if err != nil {
		return nil, fmt.Errorf("extent query %s: %w", source.Medium.Path(), err)
	}

	var out []extent.Extent
	for _, raw := range raws {
		cantMap := false

		// Unallocated or delayed-alloc: one fsync retry, then give up
		// on mapping this range.
		if raw.Flags&FlagUnknown != 0 {
			if co != fsync {
				return l.peek(source, fsync)
			}
			slog.Warn("logical extent unallocated after fsync",
				"path", source.Medium.Path(),
				"logical", fmt.Sprintf("%#x+%#x", raw.Logical, raw.Length))
			cantMap = true
		}

		// Compressed/encrypted at rest, or inline/tail-packed: the
		// physical bytes are not the file bytes; copy out.
		if raw.Flags&(FlagEncoded|FlagNotAligned) != 0 {
			slog.Warn("logical extent inlined or encoded",
				"path", source.Medium.Path(),
				"logical", fmt.Sprintf("%#x+%#x", raw.Logical, raw.Length))
			cantMap = true
		}

		if cantMap {
			out = append(out, l.adopt(source, raw))
			continue
		}

		// Allocated but not yet flushed: accept, sync later.
		if raw.Flags&FlagUnwritten != 0 {
			slog.Warn("physical extent not yet written",
				"path", source.Medium.Path(),
				"physical", fmt.Sprintf("%#x+%#x", raw.Physical, raw.Length))
			l.waitlist = append(l.waitlist, fd)
		}

		out = append(out, extent.New(raw.Physical, raw.Length, medium))
	}
	return out, nil
}

// adopt copies an unmappable logical range into the foster scratch,
// or substitutes zeroes when over budget. The produced image reads
// zeroes for blanked ranges, never stray memory.
func (l *Ioc) adopt(source extent.Extent, raw RawExtent) extent.Extent {
	if l.Foster != nil && l.Foster.Offset()+raw.Length <= l.Budget {
		logical := extent.New(raw.Logical, raw.Length, source.Medium)
		placed, err := l.Foster.Append(logical)
		if err == nil {
			wrapped, werr := l.Foster.WrapToGo(placed)
			if werr == nil {
				return wrapped
			}
			err = werr
		}
		slog.Warn("foster adoption failed", "path", source.Medium.Path(), "error", err)
	} else {
		slog.Warn("adoption budget exceeded",
			"path", source.Medium.Path(),
			"used", l.fosterUsed(), "need", raw.Length, "budget", l.Budget)
	}
	return extent.Zero(raw.Length)
}

func (l *Ioc) fosterUsed() int64 {
	if l.Foster == nil {
		return 0
	}
	return l.Foster.Offset()
}

// DrainWaitlist best-effort syncs every descriptor that reported
// unwritten extents. Failures only log; an unwritten page at commit
// is a quality problem, not a fatal one.
func (l *Ioc) DrainWaitlist() {
	for _, fd := range l.waitlist {
		if err := unix.Fdatasync(fd); err != nil {
			slog.Warn("fdatasync failed", "fd", fd, "error", err)
		}
	}
	l.waitlist = nil
}

// Waiting reports the number of descriptors queued for late sync.
func (l *Ioc) Waiting() int { return len(l.waitlist) }
