package cmd

import (
	"fmt"
	"github.com/ValentinKolb/bKV/cmd/info"
	"github.com/ValentinKolb/bKV/cmd/kv"
	"github.com/ValentinKolb/bKV/cmd/perf"
	"github.com/ValentinKolb/bKV/cmd/repair"
	"github.com/ValentinKolb/bKV/cmd/util"
	"github.com/spf13/cobra"
	"os"
)

const (
	Version = "0.3.0"
)

var (

	// RootCmd represents the base command when called without any subcommands
	RootCmd = &cobra.Command{
		Use:   "bkv",
		Short: "embedded ordered key-value store",
		Long: fmt.Sprintf(`bKV (v%s)

An embedded, ordered key-value store written in Go. Entries live in a
B+Tree in a single data file, a write-ahead log next to it keeps every
committed operation across crashes.`, Version),
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if err := util.BindCommandFlags(cmd.Root()); err != nil {
				return err
			}
			return util.InitLogging()
		},
		SilenceUsage: true,
	}
	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version number of bKV",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Printf("bKV v%s\n", Version)
		},
	}
)

func init() {
	// initialize viper
	cobra.OnInitialize(util.InitConfig)
	cobra.EnableTraverseRunHooks = true

	// Add Commands
	RootCmd.AddCommand(kv.KeyValueCommands)
	RootCmd.AddCommand(repair.RecoverCmd)
	RootCmd.AddCommand(info.InfoCmd)
	RootCmd.AddCommand(perf.PerfCmd)
	RootCmd.AddCommand(versionCmd)

	// Add Flags
	key := "log-level"
	RootCmd.PersistentFlags().String(key, "warn", util.WrapString("Level at which logs are written (debug, info, warn, error)"))
	util.SetupDBFlags(RootCmd)
}

// Execute adds all child commands to the root command and sets flags appropriately.
// This is called by main.main(). It only needs to happen once to the RootCmd.
func Execute() {
	if err := RootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}
