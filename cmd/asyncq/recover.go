package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/seantiz/asyncq/internal/config"
)

func newRecoverCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "recover",
		Short: "Resume queries left between steps by a crashed executor",
		Long: "Runs one recovery sweep: unstarted PROCESSING records are executed, " +
			"started ones are failed as interrupted, and terminal records without " +
			"a result get one. Prints the sweep report as JSON.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			logger := config.NewLogger(cmd.ErrOrStderr(), a.cfg.LogLevel)

			st, err := openStore(cmd.Context(), a.cfg.DB)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer st.Close()

			rt, err := newRuntime(a.cfg, st, logger)
			if err != nil {
				return err
			}
			defer rt.Close()

			rep, err := rt.recoverer.Sweep(cmd.Context())
			if err != nil {
				return err
			}

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(rep)
		},
	}
}
