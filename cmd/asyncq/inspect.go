package main

import (
	"encoding/json"
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/seantiz/asyncq/internal/model"
	"github.com/seantiz/asyncq/internal/store"
)

type inspectOutput struct {
	Query  *model.AsyncQuery  `json:"query"`
	Result *model.QueryResult `json:"result,omitempty"`
}

func newInspectCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "inspect [query-id]",
		Short: "Print a query and its result, or store statistics without an id",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			st, err := openStore(cmd.Context(), a.cfg.DB)
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer st.Close()

			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")

			if len(args) == 0 {
				stats, err := st.GetQueryStats(cmd.Context())
				if err != nil {
					return err
				}
				return enc.Encode(stats)
			}

			q, err := st.GetQuery(cmd.Context(), args[0])
			if errors.Is(err, store.ErrNotFound) {
				return fmt.Errorf("query %s not found", args[0])
			}
			if err != nil {
				return err
			}

			out := inspectOutput{Query: q}
			if q.HasResult() {
				if out.Result, err = st.GetResult(cmd.Context(), q.ResultID); err != nil {
					return err
				}
			}
			return enc.Encode(out)
		},
	}
}
