package main

import (
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/lightlabsinc/fsview/internal/devmapper"
)

func newDownCmd(def ctrlDefaults) *cobra.Command {
	dmControl := def.dmControl
	cmd := &cobra.Command{
		Use:   "down <name>...",
		Short: "tear down device-mapper mappings",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(_ *cobra.Command, args []string) error {
			ctrl, err := devmapper.Open(dmControl)
			if err != nil {
				return cantOpen(err)
			}
			defer ctrl.Close()
			for _, name := range args {
				// Let pending I/O complete, pause, then destroy.
				if _, err := ctrl.Resume(name); err != nil {
					slog.Warn("cannot flush device", "name", name, "error", err)
				}
				if err := ctrl.Suspend(name); err != nil {
					slog.Warn("cannot suspend device", "name", name, "error", err)
				}
				if err := ctrl.Remove(name); err != nil {
					slog.Warn("cannot destroy device", "name", name, "error", err)
				}
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&dmControl, "dm-control", dmControl, "device-mapper control node")
	return cmd
}
