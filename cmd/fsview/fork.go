package main

import (
	"fmt"
	"log/slog"
	"strconv"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/lightlabsinc/fsview/internal/burner"
	"github.com/lightlabsinc/fsview/internal/devmapper"
	"github.com/lightlabsinc/fsview/internal/extent"
	"github.com/lightlabsinc/fsview/internal/platform"
)

type forkOpts struct {
	def ctrlDefaults

	dmControl  string
	numCatalog string
	src        string
	trg        string
	zeroIn     int64
	unmount    string
	retries    int
}

func newForkCmd(def ctrlDefaults) *cobra.Command {
	o := &forkOpts{def: def, dmControl: def.dmControl, numCatalog: def.numCatalog, retries: 16}
	cmd := &cobra.Command{
		Use:   "fork",
		Short: "mirror a mapped device under a new name, optionally zeroing leading sectors",
		RunE: func(*cobra.Command, []string) error {
			return runFork(o)
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&o.dmControl, "dm-control", o.dmControl, "device-mapper control node")
	fl.StringVar(&o.numCatalog, "num-catalog", o.numCatalog, "sysfs by-number block catalog")
	fl.StringVar(&o.src, "src", "", "source mapping name")
	fl.StringVar(&o.trg, "trg", "", "target mapping name")
	fl.Int64Var(&o.zeroIn, "zero-in", 0, "zero out this many leading bytes")
	fl.StringVar(&o.unmount, "unmount", "", "unmount this path first")
	fl.IntVar(&o.retries, "retries", o.retries, "unmount retries")
	return cmd
}

func runFork(o *forkOpts) error {
	if o.src == "" {
		return usageErr("need the --src device name")
	}
	if o.trg == "" {
		return usageErr("need the --trg device name")
	}
	if o.zeroIn < 0 || o.zeroIn%extent.MapperBlockSize != 0 {
		return usageErr("%d is not a non-negative sector multiple", o.zeroIn)
	}
	slog.Info("forking mapped device", "src", o.src, "trg", o.trg, "zero", o.zeroIn)

	if o.unmount != "" {
		if err := unmountRetry(o.unmount, o.retries); err != nil {
			return cantOpen(err)
		}
	}

	ctrl, err := devmapper.Open(o.dmControl)
	if err != nil {
		return cantOpen(err)
	}
	defer ctrl.Close()
	status, err := ctrl.Status(o.src)
	if err != nil {
		return cantOpen(err)
	}
	devID := status.Dev

	sectors, err := deviceSectors(o.numCatalog, devID)
	if err != nil {
		return cantOpen(err)
	}

	db, err := burner.NewDisk(o.trg, o.dmControl)
	if err != nil {
		return err
	}
	defer db.Close()
	if o.zeroIn > 0 {
		if _, err := db.Append(extent.Zero(o.zeroIn)); err != nil {
			return err
		}
	}
	mirror := extent.New(o.zeroIn, sectors*extent.MapperBlockSize-o.zeroIn,
		extent.NewDiskMedium(devID, 0))
	if _, err := db.Append(mirror); err != nil {
		return err
	}
	return db.Commit()
}

func unmountRetry(path string, retries int) error {
	for {
		err := unix.Unmount(path, 0)
		if err == nil {
			return nil
		}
		if retries <= 0 {
			return fmt.Errorf("umount %s: %w", path, err)
		}
		slog.Warn("umount failed, retrying", "path", path, "error", err)
		retries--
	}
}

// deviceSectors reads the device length from the sysfs by-number
// catalog (/sys/dev/block/<maj>:<min>/size, in sectors).
func deviceSectors(catalog string, dev uint64) (int64, error) {
	catFd, err := unix.Open(catalog, unix.O_RDONLY|unix.O_DIRECTORY, 0)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", catalog, err)
	}
	defer unix.Close(catFd)
	node := fmt.Sprintf("%d:%d", unix.Major(dev), unix.Minor(dev))
	numFd, err := unix.Openat(catFd, node, unix.O_RDONLY|unix.O_DIRECTORY, 0)
	if err != nil {
		return 0, fmt.Errorf("%s/%s: %w", catalog, node, err)
	}
	defer unix.Close(numFd)
	val, err := platform.GetAttr(numFd, "size")
	if err != nil {
		return 0, err
	}
	sectors, err := strconv.ParseInt(val, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("size %q: %w", val, err)
	}
	return sectors, nil
}
