// Package cmd implements the command-line interface of bKV. All commands work
// on a local data file selected with --file, every flag can also be set as
// BKV_<FLAG> in the environment or in a .env file.
//
// The package is organized into several subpackages:
//
//   - kv: Commands for single entries and ranges (get, set, delete, scan, ...)
//   - repair: The recover command salvaging a damaged file
//   - info: Shape and statistics of a file
//   - perf: A concurrent load generator measuring operation latencies
//   - util: Shared flag and configuration handling (internal use)
//
// See bkv -help for a list of all commands.
package cmd
