package burner

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"

	"github.com/lightlabsinc/fsview/internal/extent"
	"github.com/lightlabsinc/fsview/internal/platform"
	"github.com/lightlabsinc/fsview/internal/zram"
)

// Zram is a burner backed by a compressible-RAM block device.
// Temporary data (virtual filesystem metadata) burned to it become
// block device ranges mappable by dm-linear.
type Zram struct {
	File
	ctrl    *zram.Control
	devNode string
}

// NewZram opens the zram device node and its sysfs control directory.
func NewZram(device, sysfs string) (*Zram, error) {
	ctrl, err := zram.Open(sysfs)
	if err != nil {
		return nil, err
	}
	f, err := os.OpenFile(device, os.O_RDWR, 0)
	if err != nil {
		ctrl.Close()
		return nil, fmt.Errorf("open %s: %w", device, err)
	}
	z := &Zram{ctrl: ctrl, devNode: device}
	z.File.f = f
	z.File.own = true
	z.File.isDev = true
	if err := z.describe(); err != nil {
		z.Close()
		return nil, err
	}
	return z, nil
}

func (z *Zram) describe() error {
	bs, err := platform.BlockSizeOf(int(z.f.Fd()))
	if err != nil {
		return fmt.Errorf("%s: %w", z.devNode, err)
	}
	var st unix.Stat_t
	if err := unix.Fstat(int(z.f.Fd()), &st); err != nil {
		return fmt.Errorf("fstat %s: %w", z.devNode, err)
	}
	z.File.bs = bs
	z.File.rdev = st.Rdev
	return nil
}

func (z *Zram) Valid() bool { return z.f != nil && z.bs > 0 }

// Reserve resizes the device: the node is closed, the store reset,
// the new size written, and the node reopened.
func (z *Zram) Reserve(size int64) error {
	if z.f != nil {
		z.f.Close()
		z.f = nil
	}
	size = extent.RoundUp(size, z.bs)
	if err := z.ctrl.Reset(); err != nil {
		return err
	}
	if err := z.ctrl.SetDiskSize(size); err != nil {
		return err
	}
	f, err := os.OpenFile(z.devNode, os.O_RDWR, 0)
	if err != nil {
		return fmt.Errorf("reopen %s: %w", z.devNode, err)
	}
	z.f = f
	return z.describe()
}

// Close releases the device node and the control directory.
func (z *Zram) Close() error {
	if z.f != nil {
		z.f.Close()
		z.f = nil
	}
	return z.ctrl.Close()
}
