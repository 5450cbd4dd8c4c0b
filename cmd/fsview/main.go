// fsview exposes a set of pre-existing files as a synthetic removable
// media image (ISO-9660+Joliet, HFS+/HFSX, FAT32) without copying
// their contents: file extents are discovered on the source devices
// and stitched into a device-mapper linear target, while generated
// filesystem metadata is burned to a scratch medium and mapped in.
package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"

	"github.com/lightlabsinc/fsview/internal/config"
)

var version = "dev"

// exit codes
const (
	exitOK       = 0
	exitUsage    = 1
	exitCantOpen = 2
)

// codedError carries an exit code with its cause.
type codedError struct {
	code int
	err  error
}

func (e *codedError) Error() string { return e.err.Error() }
func (e *codedError) Unwrap() error { return e.err }

func cantOpen(err error) error { return &codedError{code: exitCantOpen, err: err} }

func usageErr(format string, args ...any) error {
	return &codedError{code: exitUsage, err: fmt.Errorf(format, args...)}
}

// ctrlDefaults are the control node locations, overridable by the
// config file and flags.
type ctrlDefaults struct {
	system     string
	dmControl  string
	devCatalog string
	numCatalog string
}

func loadDefaults() (ctrlDefaults, config.Config) {
	def := ctrlDefaults{
		system:     "LIGHT_OS",
		dmControl:  "/dev/device-mapper",
		devCatalog: "/dev/block",
		numCatalog: "/sys/dev/block",
	}
	cfg, err := config.Load()
	if err != nil {
		slog.Warn("config file unreadable", "path", config.Path(), "error", err)
		return def, config.Config{}
	}
	if cfg.Control.DmControl != nil {
		def.dmControl = *cfg.Control.DmControl
	}
	if cfg.Control.DevCatalog != nil {
		def.devCatalog = *cfg.Control.DevCatalog
	}
	if cfg.Control.NumCatalog != nil {
		def.numCatalog = *cfg.Control.NumCatalog
	}
	if cfg.Defaults.System != nil {
		def.system = *cfg.Defaults.System
	}
	return def, cfg
}

// redirect reopens a standard stream onto a file.
func redirect(f *os.File, path string) error {
	if path == "" {
		return nil
	}
	out, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0644)
	if err != nil {
		return cantOpen(err)
	}
	fd := int(f.Fd())
	if err := dup2(int(out.Fd()), fd); err != nil {
		return fmt.Errorf("redirect %s: %w", path, err)
	}
	return nil
}

func main() {
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))
	slog.SetDefault(logger)

	root := &cobra.Command{
		Use:           "fsview",
		Short:         "represent existing files as a synthetic removable-media image",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	def, cfg := loadDefaults()
	root.AddCommand(
		newMkfsCmd(def, cfg),
		newTempCmd(def),
		newDownCmd(def),
		newForkCmd(def),
		newNameCmd(def),
		newHashCmd(),
	)

	if err := root.Execute(); err != nil {
		slog.Error("fsview failed", "error", err)
		var coded *codedError
		if errors.As(err, &coded) {
			os.Exit(coded.code)
		}
		os.Exit(exitUsage)
	}
}
