// Package cmd implements the metasave CLI: the rule scanner, rule
// persistence tooling and artifact hashing helpers around the capture
// pipeline.
package cmd

import (
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/xxmjskxx/metasave/internal/config"
	"github.com/xxmjskxx/metasave/internal/logging"
	"github.com/xxmjskxx/metasave/internal/ui"
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "metasave",
	Short: "Provenance metadata tooling for node-graph image workflows",
	Long:  longDescription,

	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		settings := config.Snapshot(viper.GetViper())
		logging.Setup(settings.LogLevel, settings.TestMode)
	},

	// When invoked without a subcommand, show help instead of a plain
	// usage dump.
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
}

var cfgFile string
var version string

// SetVersion sets the version for the CLI
func SetVersion(v string) {
	version = v
	rootCmd.Version = v
}

// GetRootCmd returns the root command for use with fang
func GetRootCmd() *cobra.Command {
	return rootCmd
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.metasave.yaml or ./config/metasave.yaml)")

	rootCmd.AddCommand(scanCmd, rulesCmd, hashCmd)
}

func initConfig() {
	config.SetDefaults(viper.GetViper())

	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		cobra.CheckErr(err)

		viper.SetConfigType("yaml")
		viper.AddConfigPath(home)
		viper.AddConfigPath("./config")
		viper.SetConfigName(".metasave")

		err = viper.ReadInConfig()
		notFound := &viper.ConfigFileNotFoundError{}
		if err != nil && errors.As(err, notFound) {
			viper.SetConfigName("metasave")
			err = viper.ReadInConfig()
		}
		if err != nil && !errors.As(err, notFound) {
			cobra.CheckErr(err)
		}
		if err == nil {
			configMsg := ui.Dim.Render("Using config file: ") + ui.Secondary.Render(viper.ConfigFileUsed())
			fmt.Fprintln(os.Stderr, configMsg)
		}
	}

	// Environment support: paths.user-rules -> METASAVE_PATHS_USER_RULES
	viper.SetEnvPrefix("METASAVE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()
}

const longDescription = "Extracts, normalizes and embeds provenance metadata (prompts, model identities, sampler settings, hashes and the workflow graph) into generated images, and maintains the capture rules that drive the extraction."
