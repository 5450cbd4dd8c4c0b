// Package platform wraps the handful of Linux-specific facilities the
// image builder leans on: anonymous memory files, descriptor limits,
// and sysfs attribute I/O.
package platform

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

// Memfd creates an anonymous memory-resident file.
func Memfd(name string) (*os.File, error) {
	fd, err := unix.MemfdCreate(name, 0)
	if err != nil {
		return nil, fmt.Errorf("memfd_create %s: %w", name, err)
	}
	return os.NewFile(uintptr(fd), name), nil
}

// FsMaxFiles reads the system-wide open file cap.
func FsMaxFiles() uint64 {
	data, err := os.ReadFile("/proc/sys/fs/file-max")
	if err != nil {
		return unix.RLIM_INFINITY
	}
	max, err := strconv.ParseUint(strings.TrimSpace(string(data)), 10, 64)
	if err != nil || max == 0 {
		return unix.RLIM_INFINITY
	}
	return max
}

// FdLimit returns the current soft descriptor limit.
func FdLimit() uint64 {
	var lim unix.Rlimit
	if err := unix.Getrlimit(unix.RLIMIT_NOFILE, &lim); err != nil {
		return 0
	}
	return lim.Cur
}

// SetFdLimit raises both descriptor limits to maxFiles.
func SetFdLimit(maxFiles uint64) error {
	lim := unix.Rlimit{Cur: maxFiles, Max: maxFiles}
	if err := unix.Prlimit(0, unix.RLIMIT_NOFILE, &lim, nil); err == nil {
		return nil
	}
	if err := unix.Setrlimit(unix.RLIMIT_NOFILE, &lim); err != nil {
		return fmt.Errorf("setrlimit NOFILE=%d: %w", maxFiles, err)
	}
	return nil
}

// RaiseFdLimit grabs as high a descriptor limit as the system allows.
// The builder holds every source file open until commit (or forever in
// daemon mode) to keep the kernel from reallocating their blocks.
func RaiseFdLimit() error {
	max := FsMaxFiles()
	if max <= FdLimit() {
		return nil
	}
	return SetFdLimit(max)
}

// SetAttr writes a value to a sysfs attribute under dirFd.
func SetAttr(dirFd int, attr, value string) error {
	fd, err := unix.Openat(dirFd, attr, unix.O_WRONLY|unix.O_TRUNC, 0)
	if err != nil {
		return fmt.Errorf("open attr %s: %w", attr, err)
	}
	defer unix.Close(fd)
	if _, err := unix.Write(fd, []byte(value)); err != nil {
		return fmt.Errorf("write attr %s=%s: %w", attr, value, err)
	}
	return nil
}

// GetAttr reads a sysfs attribute under dirFd.
func GetAttr(dirFd int, attr string) (string, error) {
	fd, err := unix.Openat(dirFd, attr, unix.O_RDONLY, 0)
	if err != nil {
		return "", fmt.Errorf("open attr %s: %w", attr, err)
	}
	defer unix.Close(fd)
	buf := make([]byte, 4096)
	n, err := unix.Read(fd, buf)
	if err != nil {
		return "", fmt.Errorf("read attr %s: %w", attr, err)
	}
	return strings.TrimSpace(string(buf[:n])), nil
}

// BlockSizeOf queries the kernel block size of an open block device.
func BlockSizeOf(fd int) (int64, error) {
	size, err := unix.IoctlGetInt(fd, unix.BLKBSZGET)
	if err != nil {
		return 0, fmt.Errorf("BLKBSZGET: %w", err)
	}
	return int64(size), nil
}
