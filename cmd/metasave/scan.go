package cmd

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/xxmjskxx/metasave/internal/apperr"
	"github.com/xxmjskxx/metasave/internal/config"
	"github.com/xxmjskxx/metasave/internal/logging"
	"github.com/xxmjskxx/metasave/internal/persist"
	"github.com/xxmjskxx/metasave/internal/rules"
	"github.com/xxmjskxx/metasave/internal/scan"
	"github.com/xxmjskxx/metasave/internal/ui"
)

// scanCmd runs the rule scanner against an exported class table.
var scanCmd = &cobra.Command{
	Use:   "scan <class-table.json>",
	Short: "Propose capture rules from an installed node-class table",
	Long: "Inspect a node-class table exported by the runtime and propose capture rules " +
		"for classes the registry does not cover yet. The proposal can be printed, " +
		"or written into the user rule documents with --write.",
	Args: cobra.ExactArgs(1),
	RunE: runScan,
}

func init() {
	scanCmd.Flags().String("mode", "new_only", "scan mode (new_only|all|existing_only)")
	scanCmd.Flags().Bool("missing-lens", false, "report only fields missing from every registry layer")
	scanCmd.Flags().StringSlice("exclude", nil, "exclude classes containing any of these keywords")
	scanCmd.Flags().StringSlice("force-class", nil, "class names always present in the proposal")
	scanCmd.Flags().Bool("write", false, "persist the proposal into the user rule documents")
	scanCmd.Flags().String("save-mode", "append_new", "persistence mode (append_new|overwrite)")
	scanCmd.Flags().Bool("replace-conflicts", false, "replace conflicting fields instead of skipping them")
	scanCmd.Flags().Bool("backup", true, "back up current documents before writing")
	scanCmd.Flags().Bool("rebuild-generated", false, "re-emit the generated rules document")
	viper.BindPFlag("scan.mode", scanCmd.Flags().Lookup("mode"))
	viper.BindPFlag("scan.missing-lens", scanCmd.Flags().Lookup("missing-lens"))
}

func runScan(cmd *cobra.Command, args []string) error {
	mode := scan.Mode(strings.TrimSpace(viper.GetString("scan.mode")))
	switch mode {
	case scan.ModeNewOnly, scan.ModeAll, scan.ModeExistingOnly:
	default:
		return apperr.Userf("invalid --mode %q (expected new_only|all|existing_only)", mode)
	}

	data, err := os.ReadFile(args[0])
	if err != nil {
		return fmt.Errorf("read class table: %w", err)
	}
	var table scan.Table
	if err := json.Unmarshal(data, &table); err != nil {
		return apperr.Userf("class table %s is not valid JSON: %v", args[0], err)
	}

	settings := config.Snapshot(viper.GetViper())
	loader := rules.NewLoader(settings.UserRulesDir, settings.ExtensionRulesDir, logging.Component("rules"))
	defer loader.Close()

	exclude, _ := cmd.Flags().GetStringSlice("exclude")
	forced, _ := cmd.Flags().GetStringSlice("force-class")

	scanner := scan.New(loader, logging.Component("scan"))
	proposal := scanner.Run(table, scan.Options{
		Mode:            mode,
		MissingLens:     viper.GetBool("scan.missing-lens"),
		ExcludeKeywords: exclude,
		ForceClasses:    forced,
	})

	fmt.Fprintln(cmd.OutOrStdout(), ui.Bold.Render("Scan report"))
	fmt.Fprintln(cmd.OutOrStdout(), proposal.DiffReport)

	write, _ := cmd.Flags().GetBool("write")
	if !write {
		out, err := json.MarshalIndent(rules.EncodeCaptureDoc(proposal.Additions), "", "  ")
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(out))
		return nil
	}

	saveMode, _ := cmd.Flags().GetString("save-mode")
	replace, _ := cmd.Flags().GetBool("replace-conflicts")
	backup, _ := cmd.Flags().GetBool("backup")
	rebuild, _ := cmd.Flags().GetBool("rebuild-generated")

	writer := persist.NewWriter(settings.UserRulesDir, logging.Component("persist"))
	status, err := writer.Save(proposal, persist.Options{
		Mode:             persist.SaveMode(saveMode),
		ReplaceConflicts: replace,
		BackupBeforeSave: backup,
		RebuildGenerated: rebuild,
		LimitBackupSets:  settings.BackupRetention,
	})
	if err != nil {
		return err
	}
	fmt.Fprintln(cmd.OutOrStdout(), ui.CheckMark+" "+status.Line())
	if status.BackupSet != "" {
		fmt.Fprintln(cmd.OutOrStdout(), ui.Dim.Render("backup set: ")+status.BackupSet)
	}
	return nil
}
