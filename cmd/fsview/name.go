package main

import (
	"fmt"
	"log/slog"
	"os"

	"github.com/spf13/cobra"
	"golang.org/x/sys/unix"

	"github.com/lightlabsinc/fsview/internal/devmapper"
)

type nameOpts struct {
	dmControl  string
	devCatalog string
	oneProp    string
	propPrefix string
}

func newNameCmd(def ctrlDefaults) *cobra.Command {
	o := &nameOpts{dmControl: def.dmControl, devCatalog: def.devCatalog}
	cmd := &cobra.Command{
		Use:   "name <mapping>...",
		Short: "resolve device-mapper names to device nodes",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			return runName(o, args)
		},
	}
	fl := cmd.Flags()
	fl.StringVar(&o.dmControl, "dm-control", o.dmControl, "device-mapper control node")
	fl.StringVar(&o.devCatalog, "dev-catalog", o.devCatalog, "device node catalog")
	fl.StringVar(&o.oneProp, "property", "", "publish the single result under this property")
	fl.StringVar(&o.propPrefix, "properties", "", "publish results under <prefix>.<name>")
	return cmd
}

func runName(o *nameOpts, args []string) error {
	if o.oneProp != "" {
		if len(args) > 1 {
			return usageErr("more than one name to query; use --properties=<prefix> instead of --property")
		}
		if o.propPrefix != "" {
			return usageErr("both --property and --properties set; use one")
		}
	}

	ctrl, err := devmapper.Open(o.dmControl)
	if err != nil {
		return cantOpen(err)
	}
	defer ctrl.Close()

	type request struct {
		name  string
		dev   uint64
		found bool
		path  string
	}
	requests := make([]request, 0, len(args))
	wanted := map[uint64]bool{}
	for _, name := range args {
		req := request{name: name}
		if status, err := ctrl.Status(name); err == nil {
			req.dev = status.Dev
			req.found = true
			wanted[status.Dev] = true
		} else {
			slog.Warn("name not found", "name", name, "error", err)
		}
		requests = append(requests, req)
	}
	if len(wanted) == 0 {
		return nil
	}

	nodes, err := scanBlockNodes(o.devCatalog, wanted)
	if err != nil {
		return cantOpen(err)
	}

	for i := range requests {
		req := &requests[i]
		if !req.found {
			continue
		}
		node, ok := nodes[req.dev]
		if !ok {
			slog.Warn("node not found",
				"device", fmt.Sprintf("%d:%d", unix.Major(req.dev), unix.Minor(req.dev)))
			continue
		}
		req.path = o.devCatalog + "/" + node
		switch {
		case o.oneProp != "":
			setProperty(o.oneProp + "=" + req.path)
		case o.propPrefix != "":
			setProperty(o.propPrefix + "." + req.name + "=" + req.path)
		}
		fmt.Println(req.path)
	}
	return nil
}

// scanBlockNodes walks the device catalog matching block nodes to the
// wanted device numbers.
func scanBlockNodes(catalog string, wanted map[uint64]bool) (map[uint64]string, error) {
	entries, err := os.ReadDir(catalog)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", catalog, err)
	}
	out := map[uint64]string{}
	for _, de := range entries {
		if len(wanted) == len(out) {
			break
		}
		if de.Type()&os.ModeDevice == 0 {
			continue
		}
		var st unix.Stat_t
		if err := unix.Stat(catalog+"/"+de.Name(), &st); err != nil {
			continue
		}
		if wanted[st.Rdev] {
			out[st.Rdev] = de.Name()
		}
	}
	return out, nil
}
