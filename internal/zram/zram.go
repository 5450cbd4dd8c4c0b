// Package zram drives a compressible-RAM block device through its
// sysfs control directory: writing 1 to reset, then a decimal byte
// count to disksize, sizes the device; its node then opens as an
// ordinary block device.
package zram

import (
	"fmt"
	"strconv"

	"golang.org/x/sys/unix"

	"github.com/lightlabsinc/fsview/internal/platform"
)

// Control is an open zram sysfs directory (e.g. /sys/block/zram1).
type Control struct {
	dirFd int
	path  string
}

// Open opens the control directory.
func Open(sysfs string) (*Control, error) {
	fd, err := unix.Open(sysfs, unix.O_RDONLY|unix.O_DIRECTORY, 0)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", sysfs, err)
	}
	return &Control{dirFd: fd, path: sysfs}, nil
}

// Close releases the control directory.
func (c *Control) Close() error { return unix.Close(c.dirFd) }

// Reset drops the device's store. The device node must be closed.
func (c *Control) Reset() error {
	return platform.SetAttr(c.dirFd, "reset", "1")
}

// SetDiskSize sizes the device to the given byte count.
func (c *Control) SetDiskSize(bytes int64) error {
	return platform.SetAttr(c.dirFd, "disksize", strconv.FormatInt(bytes, 10))
}

// DiskSize reads the current device size.
func (c *Control) DiskSize() (int64, error) {
	val, err := platform.GetAttr(c.dirFd, "disksize")
	if err != nil {
		return 0, err
	}
	size, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("disksize %q: %w", val, err)
	}
	return size, nil
}
