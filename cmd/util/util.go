package util

import (
	"fmt"
	"github.com/ValentinKolb/bKV/lib/common"
	"github.com/ValentinKolb/bKV/lib/db/engines/bptree"
	"github.com/ValentinKolb/bKV/lib/lockmgr"
	"github.com/ValentinKolb/bKV/lib/serializer"
	"github.com/ValentinKolb/bKV/lib/storage"
	"github.com/ValentinKolb/bKV/lib/wal"
	"github.com/joho/godotenv"
	"github.com/lni/dragonboat/v4/logger"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"strings"
	"time"
)

const (
	// Wrap is the number of characters to Wrap the help text at
	Wrap int = 50
)

// WrapString wraps a string at Wrap characters
func WrapString(text string) string {
	var wrappedLines []string
	var line strings.Builder

	for _, word := range strings.Fields(text) {
		if line.Len() > 0 && line.Len()+1+len(word) > Wrap {
			wrappedLines = append(wrappedLines, line.String())
			line.Reset()
		}
		if line.Len() > 0 {
			line.WriteString(" ")
		}
		line.WriteString(word)
	}
	if line.Len() > 0 {
		wrappedLines = append(wrappedLines, line.String())
	}

	return strings.Join(wrappedLines, "\n")
}

// SetupDBFlags adds the flags that configure a tree to a command
func SetupDBFlags(cmd *cobra.Command) {
	key := "file"
	cmd.PersistentFlags().String(key, "data.bkv", WrapString("Path of the data file, the log is kept next to it as <file>.wal"))

	key = "block-size"
	cmd.PersistentFlags().Int(key, 4096, WrapString("Block size in bytes, only used when a file is created"))

	key = "growth"
	cmd.PersistentFlags().Int(key, 64, WrapString("Number of blocks added when the data file runs full"))

	key = "create"
	cmd.PersistentFlags().String(key, "if-needed", WrapString("How to treat the data file (always, if-needed, existing, never). never opens it read-only"))

	key = "durability"
	cmd.PersistentFlags().String(key, "write-through", WrapString("When the log reaches the file (buffered, write-through, sync)"))

	key = "locking"
	cmd.PersistentFlags().String(key, "reader-writer", WrapString("Lock strategy for nodes and keys (ignore, exclusive, reader-writer)"))

	key = "lock-timeout"
	cmd.PersistentFlags().Duration(key, 0, WrapString("How long an operation waits for a lock, 0 waits forever"))

	key = "key-size"
	cmd.PersistentFlags().Int(key, 16, WrapString("Expected average key size, sizes the nodes of a new file"))

	key = "value-size"
	cmd.PersistentFlags().Int(key, 64, WrapString("Expected average value size, sizes the nodes of a new file"))

	key = "checkpoint-interval"
	cmd.PersistentFlags().Duration(key, time.Minute, WrapString("Time between background checkpoints, 0 disables them"))
}

// InitConfig loads .env files and maps BKV_* environment variables to flags
func InitConfig() {
	// load env files
	_ = godotenv.Load(".env")
	_ = godotenv.Load(".env.local")

	// initialize viper
	viper.SetEnvPrefix("bkv")
	viper.SetEnvKeyReplacer(strings.NewReplacer("-", "_"))
	viper.AutomaticEnv() // read in environment variables that match
}

// BindCommandFlags binds a command's flags to viper
func BindCommandFlags(cmd *cobra.Command) error {
	if err := viper.BindPFlags(cmd.Flags()); err != nil {
		return err
	}
	return viper.BindPFlags(cmd.PersistentFlags())
}

// InitLogging applies the --log-level flag to the loggers of all packages
func InitLogging() error {
	return common.InitLoggers(viper.GetString("log-level"), "bptree", "cli")
}

// GetOptions builds the options of a string/bytes tree from the configuration
func GetOptions() (*bptree.Options[string, []byte], error) {
	opts := bptree.DefaultOptions(serializer.NewStringSerializer(), serializer.NewBytesSerializer(), strings.Compare)
	opts.StorageType = bptree.StorageDisk
	opts.FileName = viper.GetString("file")
	opts.FileBlockSize = viper.GetInt("block-size")
	opts.FileGrowthRate = viper.GetInt("growth")
	opts.LockTimeout = viper.GetDuration("lock-timeout")
	opts.CheckpointInterval = viper.GetDuration("checkpoint-interval")
	opts.Logger = logger.GetLogger("bptree")

	var err error
	if opts.CreateFile, err = storage.ParseCreatePolicy(viper.GetString("create")); err != nil {
		return nil, err
	}
	if opts.Durability, err = wal.ParseSyncMode(viper.GetString("durability")); err != nil {
		return nil, err
	}
	locking, ok := lockmgr.FactoryByName(viper.GetString("locking"))
	if !ok {
		return nil, fmt.Errorf("invalid locking strategy %s", viper.GetString("locking"))
	}
	opts.LockingFactory = locking
	if err := opts.CalcBTreeOrder(viper.GetInt("key-size"), viper.GetInt("value-size")); err != nil {
		return nil, err
	}
	return opts, nil
}

// OpenDB opens the configured tree
func OpenDB() (*bptree.Tree[string, []byte], error) {
	opts, err := GetOptions()
	if err != nil {
		return nil, err
	}
	return bptree.Open(opts)
}
