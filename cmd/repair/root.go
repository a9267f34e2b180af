package repair

import (
	"fmt"
	"github.com/ValentinKolb/bKV/cmd/util"
	"github.com/ValentinKolb/bKV/lib/db/engines/bptree"
	"github.com/spf13/cobra"
)

// RecoverCmd rewrites a damaged data file from what can still be read
var RecoverCmd = &cobra.Command{
	Use:   "recover [file]",
	Short: "Salvage a damaged data file",
	Long: util.WrapString(`Reads every intact entry of the data file and its log and writes them
into a fresh file that replaces the original. The original is kept as
<file>.deleted and <file>.deleted.wal`),
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		opts, err := util.GetOptions()
		if err != nil {
			return err
		}
		if len(args) == 1 {
			opts.FileName = args[0]
		}

		count, err := bptree.RecoverFile(opts)
		if err != nil {
			return err
		}
		fmt.Printf("recovered %d entries into %s (original kept as %s.deleted)\n", count, opts.FileName, opts.FileName)
		return nil
	},
}
