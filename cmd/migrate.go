package cmd

import (
	"errors"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stevemurr/tabsync/migration"
)

func (c *command) initMigrateCmd() {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Move legacy documents from the local area to the sync area",
		Long: `Move legacy documents from the local area to the sync area.

The migration runs once: the completion flag is checked first and set at the
end. Legacy data larger than the sync quota stays in the local area. Every
command opening the stores runs it first; this one reports the outcome.`,
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

			fmt.Fprintln(cmd.OutOrStdout(), s.migrated)
			if errors.Is(s.migrateErr, migration.ErrTooLarge) {
				return nil
			}
			return s.migrateErr
		},
	}
	c.root.AddCommand(cmd)
}
