package main

import (
	"github.com/spf13/cobra"

	"github.com/lightlabsinc/fsview/internal/burner"
	"github.com/lightlabsinc/fsview/internal/source"
	"github.com/lightlabsinc/fsview/internal/volume"
	"github.com/lightlabsinc/fsview/internal/volume/fat32"
)

type tempOpts struct {
	def ctrlDefaults

	target string
	label  string
	root   string
	size   int64
	sparse bool
}

func newTempCmd(def ctrlDefaults) *cobra.Command {
	o := &tempOpts{def: def, size: 3 << 17}
	cmd := &cobra.Command{
		Use:   "temp",
		Short: "create a writable scratch FAT32 image",
		RunE: func(*cobra.Command, []string) error {
			return runTemp(o)
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&o.target, "trg", "", "target image path")
	fl.StringVar(&o.label, "label", "", "volume label")
	fl.StringVar(&o.root, "root", "", "seed the image with this directory's entries")
	fl.Int64Var(&o.size, "size", o.size, "free space to reserve in bytes")
	fl.BoolVar(&o.sparse, "sparse", false, "favor free space in the allocation tables")
	return cmd
}

// bestBlkSize picks a cluster size for a scratch image. 512-byte
// sectors read as FAT16 to some hosts, so the ladder starts at 1K.
func bestBlkSize(size int64) int64 {
	switch {
	case size < 128<<20:
		return 1024
	case size < 256<<20:
		return 2048
	case size < 1<<30:
		return 4096
	case size < 1<<34:
		return 8192
	default:
		return 16384
	}
}

func runTemp(o *tempOpts) error {
	if o.target == "" {
		return usageErr("need the --trg image path")
	}

	out, err := burner.NewFile(o.target)
	if err != nil {
		return cantOpen(err)
	}
	tmp, err := burner.NewMemfd("fsview-temp", 1)
	if err != nil {
		return err
	}

	tree := source.NewTree()
	defer tree.Close()
	if o.root != "" {
		if err := tree.OpenRoot(o.root, true); err != nil {
			return cantOpen(err)
		}
	} else {
		tree.FakeRoot()
	}

	fat := fat32.New()
	fat.SetBlockSize(bestBlkSize(o.size))
	fat.BookSpace(o.sparse, false, o.size)
	volume.SetTitles(fat, o.def.system, o.label)

	return volume.Represent(fat, tree, out, tmp)
}
