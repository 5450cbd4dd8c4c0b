package main

import (
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"regexp"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/lightlabsinc/fsview/internal/burner"
	"github.com/lightlabsinc/fsview/internal/config"
	"github.com/lightlabsinc/fsview/internal/devmapper"
	"github.com/lightlabsinc/fsview/internal/extent"
	"github.com/lightlabsinc/fsview/internal/locate"
	"github.com/lightlabsinc/fsview/internal/platform"
	"github.com/lightlabsinc/fsview/internal/source"
	"github.com/lightlabsinc/fsview/internal/volume"
	"github.com/lightlabsinc/fsview/internal/volume/fat32"
	"github.com/lightlabsinc/fsview/internal/volume/hfsplus"
	"github.com/lightlabsinc/fsview/internal/volume/iso9660"
)

// Filesystem selection flags.
const (
	fsFiles = 1 << 0 // dm-linear only, no metadata
	fsFat32 = 1 << 1
	fsCDFS  = 1 << 2
	fsHFSX  = 1 << 3
)

// Default extent merge tolerances.
const (
	gapMapped = 1 << 30 // 1 GiB for mapped targets
	gapFile   = 32 << 20
)

// mkfsOpts accumulates the mkfs command state. The mkfs/label flags
// are order-sensitive: a label applies to the most recently named
// filesystem.
type mkfsOpts struct {
	def ctrlDefaults

	target      string
	tmpPath     string
	zramControl string
	dmControl   string

	fsMask int
	lastFs int
	labels map[int]string

	excludes []string
	substs   []string
	root     string
	include  []string
	setProps []string

	gap          int64
	lanes        int
	fosterBudget int64
	fatCopies    int

	wipeDust   bool
	jamInodes  bool
	daemonize  bool
	eagerClose bool

	outPath string
	errPath string
}

// fsFlag parses --mkfs values in order, tracking the last named
// filesystem for label assignment.
type fsFlag struct{ o *mkfsOpts }

func (fsFlag) String() string { return "" }
func (fsFlag) Type() string   { return "string" }

func (f fsFlag) Set(val string) error {
	for _, name := range strings.Split(val, ",") {
		var fs int
		switch strings.TrimSpace(name) {
		case "files":
			fs = fsFiles
		case "fat32":
			fs = fsFat32
		case "cdfs":
			fs = fsCDFS
		case "hfsx":
			fs = fsHFSX
		default:
			return fmt.Errorf("unknown filesystem %q", name)
		}
		f.o.fsMask |= fs
		f.o.lastFs = fs
	}
	return nil
}

// labelFlag assigns a label to the most recently named filesystem.
type labelFlag struct{ o *mkfsOpts }

func (labelFlag) String() string { return "" }
func (labelFlag) Type() string   { return "string" }

func (f labelFlag) Set(val string) error {
	if f.o.lastFs == 0 {
		return fmt.Errorf("--label before any --mkfs")
	}
	f.o.labels[f.o.lastFs] = val
	return nil
}

func newMkfsCmd(def ctrlDefaults, cfg config.Config) *cobra.Command {
	o := &mkfsOpts{def: def, labels: map[int]string{}, gap: -1, fatCopies: 2}
	if cfg.Defaults.Gap != nil {
		o.gap = *cfg.Defaults.Gap
	}
	if cfg.Defaults.FatCopies != nil {
		o.fatCopies = *cfg.Defaults.FatCopies
	}
	if cfg.Defaults.FosterBudget != nil {
		o.fosterBudget = *cfg.Defaults.FosterBudget
	}
	if cfg.Defaults.EagerClose != nil {
		o.eagerClose = *cfg.Defaults.EagerClose
	}
	if cfg.Control.ZramControl != nil {
		o.zramControl = *cfg.Control.ZramControl
	}

	cmd := &cobra.Command{
		Use:   "mkfs [flags] <source>...",
		Short: "build a synthetic filesystem image over existing files",
		Args:  cobra.ArbitraryArgs,
		RunE: func(_ *cobra.Command, args []string) error {
			return runMkfs(o, args)
		},
	}

	fl := cmd.Flags()
	fl.StringVar(&o.target, "trg", "", "target: device-mapper name (no leading /) or file path")
	fl.StringVar(&o.tmpPath, "tmp", "", "scratch file path (default: memory-resident file)")
	fl.StringVar(&o.zramControl, "zram-control", o.zramControl, "zram sysfs directory: use compressible RAM as scratch")
	fl.StringVar(&o.dmControl, "dm-control", def.dmControl, "device-mapper control node")
	fl.Var(fsFlag{o}, "mkfs", "filesystems to expose: files,fat32,cdfs,hfsx (cdfs,hfsx = hybrid)")
	fl.Var(labelFlag{o}, "label", "label for the most recently named filesystem")
	fl.StringArrayVar(&o.substs, "subst", nil, "substitute source device: <found>=<used>")
	fl.StringArrayVar(&o.excludes, "exclude", nil, "skip names matching regex (repeatable)")
	fl.StringVar(&o.root, "root", "", "prepend a single root directory")
	fl.StringSliceVar(&o.include, "include", nil, "extra root entries")
	fl.Int64Var(&o.gap, "gap", o.gap, "extent merge tolerance in bytes")
	fl.IntVar(&o.lanes, "lanes", 1, "power-of-two lane count (FAT diagnostic)")
	fl.Int64Var(&o.fosterBudget, "foster-budget", o.fosterBudget, "byte budget for copied-out (unmappable) ranges")
	fl.IntVar(&o.fatCopies, "fat-copies", o.fatCopies, "number of FAT copies")
	fl.BoolVar(&o.wipeDust, "wipe-dust", false, "pack small extents")
	fl.BoolVar(&o.jamInodes, "jam-inodes", false, "renumber inodes to resolve conflicts")
	fl.BoolVar(&o.daemonize, "daemonize", false, "hold descriptors and wait for SIGTERM")
	fl.BoolVar(&o.daemonize, "wait-term", false, "alias of --daemonize")
	fl.BoolVar(&o.eagerClose, "crawl", o.eagerClose, "close descriptors eagerly, do not raise the fd limit")
	fl.StringArrayVar(&o.setProps, "setprop", nil, "set <key>=<val> property on completion")
	fl.StringVar(&o.outPath, "out", "", "redirect stdout")
	fl.StringVar(&o.errPath, "err", "", "redirect stderr")
	return cmd
}

func (o *mkfsOpts) targetMapped() bool {
	return o.target != "" && !strings.HasPrefix(o.target, "/")
}

func (o *mkfsOpts) tolerance() int64 {
	if o.gap >= 0 {
		return o.gap
	}
	if o.targetMapped() {
		return gapMapped
	}
	return gapFile
}

func runMkfs(o *mkfsOpts, args []string) error {
	if err := redirect(os.Stdout, o.outPath); err != nil {
		return err
	}
	if err := redirect(os.Stderr, o.errPath); err != nil {
		return err
	}

	entries := args
	if o.root != "" {
		entries = append([]string{o.root}, entries...)
	}
	entries = append(entries, o.include...)
	if len(entries) == 0 {
		return usageErr("no source entries to represent")
	}
	if err := validateLanes(o.lanes); err != nil {
		return err
	}
	if o.wipeDust {
		slog.Warn("--wipe-dust accepted but small-extent packing is not wired yet")
	}

	if !o.eagerClose {
		if err := platform.RaiseFdLimit(); err != nil {
			slog.Warn("could not raise fd limit", "error", err)
		}
	}

	tree := source.NewTree()
	defer tree.Close()
	tree.Gap = o.tolerance()
	tree.EagerClose = o.eagerClose
	if filter, err := excludeFilter(o.excludes); err != nil {
		return usageErr("bad exclude pattern: %v", err)
	} else if filter != nil {
		tree.AllowName = filter
	}

	// Mapped targets reference physical extents; file targets copy.
	var ioc *locate.Ioc
	if o.target == "" || o.targetMapped() {
		ioc = locate.New(nil)
		if err := o.applySubsts(ioc); err != nil {
			return err
		}
		if o.fosterBudget > 0 {
			foster, err := burner.NewMemfd("foster", extent.MapperBlockSize)
			if err != nil {
				return err
			}
			ioc.Foster = burner.NewPlanner(foster)
			ioc.Budget = o.fosterBudget
		}
		tree.Locator = ioc
	}

	if err := tree.OpenRoot(entries[0], true); err != nil {
		return cantOpen(err)
	}
	for _, entry := range entries[1:] {
		if err := tree.InsertStat(entry); err != nil {
			return cantOpen(err)
		}
	}

	slog.Info("source census", "files", len(tree.FileTable), "devices", tree.Devices())
	if o.lanes > 1 {
		tree.Analyze(int64(o.lanes) * int64(os.Getpagesize()))
	}

	if o.target == "" {
		// Geometry analysis only.
		return nil
	}

	if o.targetMapped() && o.zramControl == "" {
		return usageErr("mapped target without --zram-control is not supported")
	}
	if o.targetMapped() && o.fosterBudget > 0 {
		slog.Warn("foster scratch is memory-resident; fostered ranges cannot be mapped, only copied")
	}

	out, tmp, err := o.openBurners()
	if err != nil {
		return err
	}

	if ioc != nil {
		// Materialize the foster copies and settle unwritten pages
		// before anything references the planned extents.
		if ioc.Foster != nil {
			if err := ioc.Foster.Commit(); err != nil {
				return fmt.Errorf("commit foster scratch: %w", err)
			}
		}
		ioc.DrainWaitlist()
	}

	if err := o.represent(tree, out, tmp); err != nil {
		return err
	}

	for _, prop := range o.setProps {
		setProperty(prop)
	}
	if o.daemonize {
		slog.Info("image committed, holding descriptors until SIGTERM")
		waitForTerm()
	}
	return nil
}

func (o *mkfsOpts) openBurners() (out, tmp burner.Burner, err error) {
	switch {
	case o.zramControl != "" && o.tmpPath != "":
		z, zerr := burner.NewZram(o.tmpPath, o.zramControl)
		if zerr != nil {
			return nil, nil, cantOpen(zerr)
		}
		tmp = z
	case strings.HasPrefix(o.tmpPath, "/"):
		f, ferr := burner.NewFile(o.tmpPath)
		if ferr != nil {
			return nil, nil, cantOpen(ferr)
		}
		tmp = f
	default:
		f, ferr := burner.NewMemfd("fsview-tmp", 1)
		if ferr != nil {
			return nil, nil, ferr
		}
		tmp = f
	}

	if o.targetMapped() {
		d, derr := burner.NewDisk(o.target, o.dmControl)
		if derr != nil {
			return nil, nil, cantOpen(derr)
		}
		out = d
	} else {
		f, ferr := burner.NewFile(o.target)
		if ferr != nil {
			return nil, nil, cantOpen(ferr)
		}
		out = f
	}
	return out, tmp, nil
}

func (o *mkfsOpts) represent(tree *source.Tree, out, tmp burner.Burner) error {
	if o.fsMask == 0 {
		return usageErr("no filesystem requested")
	}

	iso := iso9660.New(true)
	mac := hfsplus.New()
	fat := fat32.New()
	mac.JamInodes = o.jamInodes
	volume.SetTitles(iso, o.def.system, o.labels[fsCDFS])
	volume.SetTitles(mac, o.def.system, o.labels[fsHFSX])
	volume.SetTitles(fat, o.def.system, o.labels[fsFat32])
	fat.SetFatCount(o.fatCopies)

	var writer volume.Writer
	switch {
	case o.fsMask&fsCDFS != 0:
		if o.fsMask&fsHFSX != 0 {
			iso.SetHybrid(mac)
		}
		writer = iso
	case o.fsMask&fsHFSX != 0:
		writer = mac
	case o.fsMask&fsFat32 != 0:
		if !o.targetMapped() && fat.BlockSize() < 2048 {
			fat.SetBlockSize(2048)
		}
		writer = fat
	case o.fsMask == fsFiles:
		return representFiles(tree, out)
	default:
		return usageErr("unsupported filesystem combination %#x", o.fsMask)
	}

	return volume.Represent(writer, tree, out, tmp)
}

// representFiles maps the file area alone: no metadata, dm-linear (or
// a flat file) of the merged payload.
func representFiles(tree *source.Tree, out burner.Burner) error {
	tree.Optimize(extent.MapperBlockSize)
	p := burner.NewPlanner(out)
	p.RequestBlockSize(extent.MapperBlockSize)
	if _, err := tree.WriteFiles(p, p.BlockSize()); err != nil {
		return err
	}
	return p.Commit()
}

func validateLanes(lanes int) error {
	if lanes <= 0 || lanes&(lanes-1) != 0 {
		return usageErr("lane count %d is not a positive power of two", lanes)
	}
	if lanes > 4 {
		slog.Warn("extreme lane count", "lanes", lanes)
	}
	return nil
}

// excludeFilter builds the name predicate: any matching pattern
// drops the entry.
func excludeFilter(patterns []string) (func(string) bool, error) {
	if len(patterns) == 0 {
		return nil, nil
	}
	compiled := make([]*regexp.Regexp, 0, len(patterns))
	for _, pat := range patterns {
		re, err := regexp.Compile(pat)
		if err != nil {
			return nil, err
		}
		compiled = append(compiled, re)
	}
	return func(name string) bool {
		for _, re := range compiled {
			if re.MatchString(name) {
				return false
			}
		}
		return true
	}, nil
}

// applySubsts resolves --subst pairs: hex <major>:<minor>, a device
// node path, or a device-mapper name.
func (o *mkfsOpts) applySubsts(ioc *locate.Ioc) error {
	if len(o.substs) == 0 {
		return nil
	}
	var names map[string]uint64
	lookup := func(devName string) (uint64, error) {
		if devName == "" {
			return 0, usageErr("empty device name in --subst")
		}
		var major, minor uint32
		if n, _ := fmt.Sscanf(devName, "%x:%x", &major, &minor); n == 2 {
			return unix.Mkdev(major, minor), nil
		}
		if strings.HasPrefix(devName, "/") {
			var st unix.Stat_t
			if err := unix.Stat(devName, &st); err != nil {
				return 0, cantOpen(fmt.Errorf("%s: %w", devName, err))
			}
			return st.Rdev, nil
		}
		if names == nil {
			ctrl, err := devmapper.Open(o.dmControl)
			if err != nil {
				return 0, cantOpen(err)
			}
			defer ctrl.Close()
			names, err = ctrl.ListDevices()
			if err != nil {
				return 0, err
			}
			// The disk being built must not land in the source list.
			if o.targetMapped() {
				delete(names, o.target)
			}
		}
		dev, ok := names[devName]
		if !ok {
			return 0, usageErr("unknown mapped device %q", devName)
		}
		return dev, nil
	}

	for _, pair := range o.substs {
		found, used, ok := strings.Cut(pair, "=")
		if !ok {
			return usageErr("bad --subst %q, want <found>=<used>", pair)
		}
		f, err := lookup(found)
		if err != nil {
			return err
		}
		u, err := lookup(used)
		if err != nil {
			return err
		}
		ioc.Subst[f] = u
	}
	return nil
}

// setProperty publishes a key=value property, best effort.
func setProperty(assignment string) {
	key, val, ok := strings.Cut(assignment, "=")
	if !ok {
		slog.Warn("bad property assignment", "value", assignment)
		return
	}
	if err := exec.Command("setprop", key, val).Run(); err != nil {
		slog.Warn("setprop failed", "key", key, "error", err)
	}
}
