package cmd

import (
	"fmt"
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/stevemurr/tabsync/quota"
	"github.com/stevemurr/tabsync/store"
)

func (c *command) initInspectCmd() {
	cmd := &cobra.Command{
		Use:   "inspect",
		Short: "Show the entries and usage of both storage areas",
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			if len(args) > 0 {
				return cmd.Help()
			}
			logger, err := c.newLogger(cmd)
			if err != nil {
				return fmt.Errorf("new logger: %w", err)
			}
			s, err := c.openStores(cmd.Context(), logger)
			if err != nil {
				return err
			}
			defer s.Close()

			ctx := cmd.Context()
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			for _, a := range []struct {
				name string
				s    store.Store
			}{
				{store.AreaSync, s.sync},
				{store.AreaLocal, s.local},
			} {
				all, err := a.s.GetAll(ctx)
				if err != nil {
					return fmt.Errorf("%s area: %w", a.name, err)
				}
				items, bytes, err := store.Usage(ctx, a.s)
				if err != nil {
					return fmt.Errorf("%s area: %w", a.name, err)
				}
				if a.name == store.AreaSync {
					fmt.Fprintf(tw, "%s:\t%d items\t%d bytes\t%.1f%% of quota\n", a.name, items, bytes, 100*float64(bytes)/quota.TotalLimit)
				} else {
					fmt.Fprintf(tw, "%s:\t%d items\t%d bytes\t\n", a.name, items, bytes)
				}

				keys := make([]string, 0, len(all))
				for k := range all {
					keys = append(keys, k)
				}
				sort.Strings(keys)
				for _, k := range keys {
					fmt.Fprintf(tw, "  %s\t\t%d bytes\t\n", k, quota.EntrySize(k, all[k]))
				}
			}
			if err := tw.Flush(); err != nil {
				return err
			}

			docs, err := s.repo.Keys(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "documents: %d\n", len(docs))
			for _, d := range docs {
				fmt.Fprintf(cmd.OutOrStdout(), "  %s\n", d)
			}
			return nil
		},
	}
	c.root.AddCommand(cmd)
}
