package main

import (
	"github.com/spf13/cobra"

	"github.com/seantiz/asyncq/internal/config"
)

// app carries state shared by subcommands.
type app struct {
	envFiles []string
	cfg      config.Config
}

func newRootCmd() *cobra.Command {
	a := &app{}

	root := &cobra.Command{
		Use:           "asyncq",
		Short:         "Asynchronous query executor",
		SilenceUsage:  true,
		SilenceErrors: false,
		PersistentPreRunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := config.Load(a.envFiles...)
			if err != nil {
				return err
			}
			a.cfg = cfg
			return nil
		},
	}
	root.PersistentFlags().StringSliceVar(&a.envFiles, "env-file", nil,
		"env files to load before reading ASYNCQ_ variables (default .env)")

	root.AddCommand(newServeCmd(a), newRecoverCmd(a), newInspectCmd(a))
	return root
}
