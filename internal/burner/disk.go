package burner

import (
	"fmt"
	"log/slog"

	"github.com/lightlabsinc/fsview/internal/devmapper"
	"github.com/lightlabsinc/fsview/internal/extent"
)

// Disk is a burner backed by the device-mapper kernel module. It
// builds the actual virtual disk exposed to the host: every appended
// extent becomes one table row ("linear" for mappable media, "zero"
// for everything else), and commit loads the table and resumes the
// device.
type Disk struct {
	ctrl   *devmapper.Control
	name   string
	header devmapper.Header
	table  *Planner
	image  *Vector
	offset int64
	dev    uint64
}

// NewDisk tears down any existing mapping of the name and registers a
// fresh read-only device for it.
func NewDisk(name, ctrlNode string) (*Disk, error) {
	ctrl, err := devmapper.Open(ctrlNode)
	if err != nil {
		return nil, err
	}
	d := &Disk{ctrl: ctrl, name: name, image: NewVector(8)}
	d.table = NewPlanner(d.image)

	if err := ctrl.Suspend(name); err != nil {
		slog.Debug("no mapping to suspend", "name", name, "error", err)
	}
	if err := ctrl.Remove(name); err != nil {
		slog.Debug("no mapping to remove", "name", name, "error", err)
	}
	if _, err := ctrl.Create(name); err != nil {
		ctrl.Close()
		return nil, err
	}

	// The header leads the ioctl image; its counters are rendered at
	// commit time, once the table rows are in.
	if _, err := d.table.Append(extent.Lazy(devmapper.HeaderSize, func() []byte {
		return d.header.Marshal()
	})); err != nil {
		ctrl.Close()
		return nil, err
	}
	return d, nil
}

// Close releases the control node. The kernel keeps the mapping.
func (d *Disk) Close() error { return d.ctrl.Close() }

func (d *Disk) Valid() bool { return d.ctrl != nil }

func (d *Disk) Reserve(int64) error { return nil }

func (d *Disk) Offset() int64 { return d.offset }

func (d *Disk) Append(x extent.Extent) (int64, error) {
	cur := d.offset
	bs := d.BlockSize()
	spec := devmapper.TargetSpec{
		SectorStart: uint64(cur / bs),
		Length:      uint64(x.Length / bs),
	}
	mappable := x.Medium != nil &&
		x.Medium.BlockDevice() != 0 &&
		x.Medium.IsDirectDevice()
	if mappable {
		spec.Type = "linear"
		spec.Params = devmapper.LinearParams(x.Medium.BlockDevice(),
			uint64(x.Offset/bs))
	} else {
		spec.Type = "zero"
	}
	if _, err := d.table.Append(extent.Bytes(spec.Marshal())); err != nil {
		return cur, err
	}
	d.offset += x.Length
	d.header.TargetCount++
	return cur, nil
}

// Commit loads the accumulated table and resumes the device.
func (d *Disk) Commit() error {
	d.header.Version[0] = devmapper.VersionMajor
	d.header.SetName(d.name)
	d.header.Dev = 0
	d.header.DataStart = devmapper.HeaderSize
	d.header.DataSize = uint32(d.table.Offset())
	d.header.Flags = devmapper.FlagReadonly

	if err := d.table.Commit(); err != nil {
		return fmt.Errorf("build dm table: %w", err)
	}
	if err := d.ctrl.LoadTable(d.image.Data()); err != nil {
		return err
	}
	out, err := d.ctrl.Resume(d.name)
	if err != nil {
		return err
	}
	d.dev = out.Dev
	return nil
}

// Medium surface.

func (d *Disk) Data() []byte        { return nil }
func (d *Disk) Path() string        { return "" }
func (d *Disk) Fd() int             { return -1 }
func (d *Disk) BlockDevice() uint64 { return d.dev }

// BlockSize is the hardware-compatible 512-byte sector.
func (d *Disk) BlockSize() int64     { return extent.MapperBlockSize }
func (d *Disk) IsDirectDevice() bool { return true }
func (d *Disk) IsAligned() bool      { return true }
func (d *Disk) ID() uint64           { return d.dev }

func (d *Disk) WriteRange(fd int, r extent.Range) error {
	return fmt.Errorf("mapped device %s is exposed, not copied", d.name)
}
