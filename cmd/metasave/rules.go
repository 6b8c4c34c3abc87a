package cmd

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/xxmjskxx/metasave/internal/apperr"
	"github.com/xxmjskxx/metasave/internal/config"
	"github.com/xxmjskxx/metasave/internal/logging"
	"github.com/xxmjskxx/metasave/internal/persist"
	"github.com/xxmjskxx/metasave/internal/ui"
)

// rulesCmd groups the user-rule persistence helpers.
var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Manage user rule documents and their backups",
}

var rulesBackupsCmd = &cobra.Command{
	Use:   "backups",
	Short: "List available backup sets",
	RunE: func(cmd *cobra.Command, args []string) error {
		writer := newWriter()
		sets, err := writer.ListBackups()
		if err != nil {
			return err
		}
		if len(sets) == 0 {
			fmt.Fprintln(cmd.OutOrStdout(), ui.Dim.Render("no backup sets"))
			return nil
		}
		for _, set := range sets {
			fmt.Fprintln(cmd.OutOrStdout(), ui.Bullet+" "+set)
		}
		return nil
	},
}

var rulesBackupCmd = &cobra.Command{
	Use:   "backup",
	Short: "Create a backup set of the current user documents",
	RunE: func(cmd *cobra.Command, args []string) error {
		settings := config.Snapshot(viper.GetViper())
		set, err := newWriter().Backup(settings.BackupRetention)
		if err != nil {
			return err
		}
		if set == "" {
			fmt.Fprintln(cmd.OutOrStdout(), ui.Dim.Render("nothing to back up"))
			return nil
		}
		fmt.Fprintln(cmd.OutOrStdout(), ui.CheckMark+" backup set "+set)
		return nil
	},
}

var restoreYes bool

var rulesRestoreCmd = &cobra.Command{
	Use:   "restore <backup-set>",
	Short: "Replace the current user documents with a backup set",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if !restoreYes {
			var confirmed bool
			form := huh.NewForm(huh.NewGroup(
				huh.NewConfirm().
					Title(fmt.Sprintf("Overwrite current rule documents with backup %s?", args[0])).
					Value(&confirmed),
			))
			if err := form.Run(); err != nil {
				return err
			}
			if !confirmed {
				return apperr.ErrCancelled
			}
		}

		report, err := newWriter().Restore(args[0])
		if err != nil {
			return err
		}
		if len(report.Restored) > 0 {
			fmt.Fprintln(cmd.OutOrStdout(), ui.CheckMark+" restored: "+strings.Join(report.Restored, ", "))
		}
		if len(report.Missing) > 0 {
			fmt.Fprintln(cmd.OutOrStdout(), ui.WarnMark+" missing from set: "+strings.Join(report.Missing, ", "))
		}
		return nil
	},
}

func newWriter() *persist.Writer {
	settings := config.Snapshot(viper.GetViper())
	return persist.NewWriter(settings.UserRulesDir, logging.Component("persist"))
}

func init() {
	rulesRestoreCmd.Flags().BoolVarP(&restoreYes, "yes", "y", false, "skip the confirmation prompt")
	rulesCmd.AddCommand(rulesBackupsCmd, rulesBackupCmd, rulesRestoreCmd)
}
