package kv

import (
	"github.com/ValentinKolb/bKV/cmd/util"
	"github.com/ValentinKolb/bKV/lib/db/engines/bptree"
	"github.com/spf13/cobra"
)

var (
	tree *bptree.Tree[string, []byte]

	// KeyValueCommands represents the KV command group
	KeyValueCommands = &cobra.Command{
		Use:                "kv",
		Short:              "Perform key-value operations on a data file",
		PersistentPreRunE:  openTree,
		PersistentPostRunE: closeTree,
	}
)

func init() {
	// Add subcommands
	KeyValueCommands.AddCommand(setCmd)
	KeyValueCommands.AddCommand(insertCmd)
	KeyValueCommands.AddCommand(getCmd)
	KeyValueCommands.AddCommand(delCmd)
	KeyValueCommands.AddCommand(hasCmd)
	KeyValueCommands.AddCommand(scanCmd)
	KeyValueCommands.AddCommand(countCmd)
}

// openTree opens the data file selected by the flags
func openTree(cmd *cobra.Command, _ []string) error {
	if err := util.BindCommandFlags(cmd); err != nil {
		return err
	}

	var err error
	tree, err = util.OpenDB()
	return err
}

func closeTree(_ *cobra.Command, _ []string) error {
	if tree == nil {
		return nil
	}
	return tree.Close()
}
