package cmd

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/stevemurr/tabsync/backup"
)

func (c *command) initExportCmd() {
	cmd := &cobra.Command{
		Use:   "export [file]",
		Short: "Write a backup bundle of all documents",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			logger, err := c.newLogger(cmd)
			if err != nil {
				return fmt.Errorf("new logger: %w", err)
			}
			s, err := c.openStores(cmd.Context(), logger)
			if err != nil {
				return err
			}
			defer s.Close()

			w := cmd.OutOrStdout()
			if len(args) == 1 && args[0] != "-" {
				f, err := os.Create(args[0])
				if err != nil {
					return err
				}
				defer func() {
					if cerr := f.Close(); err == nil {
						err = cerr
					}
				}()
				w = f
			}
			return backup.Export(cmd.Context(), s.repo, w, backup.WithLogger(logger))
		},
	}
	c.root.AddCommand(cmd)
}

func (c *command) initImportCmd() {
	cmd := &cobra.Command{
		Use:   "import <file>",
		Short: "Restore documents from a backup bundle",
		Long: `Restore documents from a backup bundle.

Use "-" to read the bundle from standard input. Documents the bundle does
not carry are reset to their defaults.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) (err error) {
			logger, err := c.newLogger(cmd)
			if err != nil {
				return fmt.Errorf("new logger: %w", err)
			}
			s, err := c.openStores(cmd.Context(), logger)
			if err != nil {
				return err
			}
			defer s.Close()

			var r io.Reader = cmd.InOrStdin()
			if args[0] != "-" {
				f, err := os.Open(args[0])
				if err != nil {
					return err
				}
				defer f.Close()
				r = f
			}
			keys, err := backup.Import(cmd.Context(), s.repo, r, backup.WithLogger(logger))
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "imported %s\n", strings.Join(keys, ", "))
			return nil
		},
	}
	c.root.AddCommand(cmd)
}
