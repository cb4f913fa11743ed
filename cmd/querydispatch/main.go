// Command querydispatch runs the report-period scheduling and patient
// dispatch service.
//
//	querydispatch serve --config querydispatch.yaml
//	querydispatch validate facilities.yaml
//	querydispatch resolve --frequency weekly --at 2024-05-15T10:00:00Z
package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func newRootCommand() *cobra.Command {
	var configPath string
	v := viper.New()

	cmd := &cobra.Command{
		Use:           "querydispatch",
		Short:         "Report-period scheduling and patient query dispatch",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	cmd.PersistentFlags().StringVarP(&configPath, "config", "c", "", "config file (default ./querydispatch.yaml)")

	load := func() (Settings, error) { return loadSettings(v, configPath) }

	cmd.AddCommand(newServeCommand(load))
	cmd.AddCommand(newValidateCommand())
	cmd.AddCommand(newResolveCommand(load))
	return cmd
}

func main() {
	if err := newRootCommand().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "querydispatch:", err)
		os.Exit(1)
	}
}
