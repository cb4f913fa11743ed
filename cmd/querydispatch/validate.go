package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/CDCgov/nhsnlink-sub007/facility"
)

// errInvalidSnapshot is returned when any facility fails to compile.
var errInvalidSnapshot = errors.New("snapshot has invalid facilities")

func newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "validate <facilities.yaml>",
		Short: "Check a facility configuration snapshot",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			data, err := os.ReadFile(args[0])
			if err != nil {
				return err
			}
			return validateSnapshot(cmd.OutOrStdout(), data)
		},
	}
}

// validateSnapshot compiles every facility in data and writes one line per
// facility.
func validateSnapshot(out io.Writer, data []byte) error {
	cfgs, err := facility.ParseYAML(data)
	if err != nil {
		return err
	}

	w := tabwriter.NewWriter(out, 0, 0, 3, ' ', 0)
	fmt.Fprintln(w, "FACILITY\tSETS\tSCHEDULES\tRESULT")
	seen := make(map[string]bool, len(cfgs))
	invalid := 0
	for _, cfg := range cfgs {
		if seen[cfg.FacilityID] {
			invalid++
			fmt.Fprintf(w, "%s\t-\t-\tduplicate facility id\n", cfg.FacilityID)
			continue
		}
		seen[cfg.FacilityID] = true

		c, err := cfg.Compile()
		if err != nil {
			invalid++
			fmt.Fprintf(w, "%s\t-\t-\t%v\n", cfg.FacilityID, err)
			continue
		}
		fmt.Fprintf(w, "%s\t%d\t%d\tok\n", c.FacilityID, len(c.Sets), len(c.Schedules))
	}
	if err := w.Flush(); err != nil {
		return err
	}
	if invalid > 0 {
		return fmt.Errorf("%w: %d of %d", errInvalidSnapshot, invalid, len(cfgs))
	}
	return nil
}
