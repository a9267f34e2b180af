package kv

import (
	"errors"
	"fmt"
	"github.com/ValentinKolb/bKV/cmd/util"
	"github.com/ValentinKolb/bKV/lib/db"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	setCmd = &cobra.Command{
		Use:   "set [key] [value]",
		Short: "Sets the value for a key",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := tree.Set(args[0], []byte(args[1])); err != nil {
				return err
			}
			fmt.Println("set successfully")
			return nil
		},
	}
	insertCmd = &cobra.Command{
		Use:   "insert [key] [value]",
		Short: "Adds a key value pair, fails if the key exists",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := tree.Insert(args[0], []byte(args[1])); err != nil {
				return err
			}
			fmt.Println("insert successfully")
			return nil
		},
	}
	getCmd = &cobra.Command{
		Use:   "get [key]",
		Short: "Reads the value for a key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			value, err := tree.Lookup(args[0])
			switch {
			case errors.Is(err, db.ErrKeyNotFound):
				fmt.Printf("key=%s, found=false\n", args[0])
				return nil
			case err != nil:
				return err
			}
			fmt.Printf("key=%s, found=true, value=%s\n", args[0], value)
			return nil
		},
	}
	delCmd = &cobra.Command{
		Use:     "del [key]",
		Aliases: []string{"delete"},
		Short:   "Deletes a key value pair",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := tree.Delete(args[0]); err != nil {
				return err
			}
			fmt.Println("delete successfully")
			return nil
		},
	}
	hasCmd = &cobra.Command{
		Use:   "has [key]",
		Short: "Checks if a key exists",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			found, err := tree.Has(args[0])
			if err != nil {
				return err
			}
			fmt.Printf("key=%s, found=%t\n", args[0], found)
			return nil
		},
	}
	scanCmd = &cobra.Command{
		Use:   "scan",
		Short: "Lists the entries of a key range in order",
		Args:  cobra.NoArgs,
		PreRunE: func(cmd *cobra.Command, _ []string) error {
			return viper.BindPFlags(cmd.Flags())
		},
		RunE: func(cmd *cobra.Command, args []string) error {
			var opts db.RangeOptions[string]
			if cmd.Flags().Changed("start") {
				start := viper.GetString("start")
				opts.Start = &start
			}
			if cmd.Flags().Changed("end") {
				end := viper.GetString("end")
				opts.End = &end
			}
			opts.Reverse = viper.GetBool("reverse")
			limit := viper.GetInt("limit")

			it := tree.Enumerate(opts)
			defer it.Close()
			n := 0
			for (limit <= 0 || n < limit) && it.Next() {
				fmt.Printf("%s=%s\n", it.Key(), it.Value())
				n++
			}
			return it.Err()
		},
	}
	countCmd = &cobra.Command{
		Use:   "count",
		Short: "Prints the number of entries",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(tree.Count())
		},
	}
)

func init() {
	key := "start"
	scanCmd.Flags().String(key, "", util.WrapString("First key of the range (inclusive)"))
	key = "end"
	scanCmd.Flags().String(key, "", util.WrapString("End of the range (exclusive)"))
	key = "reverse"
	scanCmd.Flags().Bool(key, false, util.WrapString("List from the end of the range towards the start"))
	key = "limit"
	scanCmd.Flags().Int(key, 0, util.WrapString("Stop after this many entries, 0 lists all"))
}
