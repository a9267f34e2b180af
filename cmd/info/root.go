package info

import (
	"encoding/json"
	"github.com/ValentinKolb/bKV/cmd/util"
	"github.com/ValentinKolb/bKV/lib/db/engines/bptree"
	"github.com/ValentinKolb/bKV/lib/storage"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"os"
)

// InfoCmd prints the shape of a data file without modifying it
var InfoCmd = &cobra.Command{
	Use:   "info [file]",
	Short: "Print shape and statistics of a data file",
	Args:  cobra.MaximumNArgs(1),
	PreRunE: func(cmd *cobra.Command, _ []string) error {
		return viper.BindPFlags(cmd.Flags())
	},
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := util.GetOptions()
		if err != nil {
			return err
		}
		if len(args) == 1 {
			opts.FileName = args[0]
		}
		// read-only, pending log entries are applied in memory only
		opts.CreateFile = storage.NeverCreate

		tree, err := bptree.Open(opts)
		if err != nil {
			return err
		}
		defer tree.Close()

		if viper.GetBool("metrics") {
			tree.WriteMetrics(os.Stdout)
			return nil
		}
		if viper.GetBool("options") {
			cmd.Println(opts.String())
		}

		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(tree.GetInfo())
	},
}

func init() {
	key := "metrics"
	InfoCmd.Flags().Bool(key, false, util.WrapString("Print the metrics of the opened tree in Prometheus text format instead"))
	key = "options"
	InfoCmd.Flags().Bool(key, false, util.WrapString("Also print the effective options"))
}
