package cmd

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/xxmjskxx/metasave/internal/config"
	"github.com/xxmjskxx/metasave/internal/hashcache"
	"github.com/xxmjskxx/metasave/internal/logging"
	"github.com/xxmjskxx/metasave/internal/ui"
)

// hashCmd hashes an artifact the way the save pipeline would, writing the
// sidecar as a side effect.
var hashCmd = &cobra.Command{
	Use:   "hash <artifact>...",
	Short: "Compute (or reuse) the SHA-256 sidecar of model artifacts",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		settings := config.Snapshot(viper.GetViper())
		cache := hashcache.New(logging.Component("hash"))
		if settings.ForceRehash {
			cache.InvalidateAll()
		}
		for _, path := range args {
			rec, err := cache.LoadOrCompute(path, settings.HashLogMode)
			if err != nil {
				fmt.Fprintln(cmd.OutOrStdout(), ui.CrossMark+" "+path+": "+err.Error())
				continue
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s %s  %s\n", ui.CheckMark, rec.Truncated, path)
		}
		return nil
	},
}
