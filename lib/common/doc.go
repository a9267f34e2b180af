// Package common contains small building blocks shared by the library packages
// and the command line tool.
//
// Logging is done through dragonboat's logger.ILogger interface. NewLogger
// creates an unregistered logger that prints
//
//	2025/01/02 15:04:05 INFO  | bptree          | opened tree.db (height 3)
//
// Library code receives its logger through options and never looks one up in
// a process wide registry. Only the command line tool calls InitLoggers, which
// installs CreateLogger as dragonboat's global factory.
package common
