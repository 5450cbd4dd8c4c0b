package main

import (
	"encoding/binary"
	"fmt"

	"github.com/spf13/cobra"
	"github.com/zeebo/blake3"
)

// hashDigits compacts a value (typically a device serial) into six
// base-36 characters, preserving variability. Deterministic across
// runs and machines.
func hashDigits(value string) string {
	sum := blake3.Sum256([]byte(value))
	word := binary.LittleEndian.Uint64(sum[:8]) & (1<<63 - 1)
	var out [6]byte
	for i := range out {
		c := byte(word % 36)
		if c < 10 {
			c += '0'
		} else {
			c += 'A' - 10
		}
		out[i] = c
		word /= 36
	}
	return string(out[:])
}

func newHashCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash [<property>] <value>",
		Short: "deterministically compact a string to six base-36 characters",
		Args:  cobra.RangeArgs(1, 2),
		RunE: func(_ *cobra.Command, args []string) error {
			digest := hashDigits(args[len(args)-1])
			if len(args) == 2 {
				setProperty(args[0] + "=" + digest)
				return nil
			}
			fmt.Println(digest)
			return nil
		},
	}
}
