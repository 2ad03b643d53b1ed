// Package main provides the entry point for the sysdump CLI.
//
// sysdump collects a host diagnostic report: kernel and process state,
// network configuration, system logs, per-process stack traces, crash dumps,
// and vendor device dumps, bundled into a zip archive or a plain-text report.
//
// Usage:
//
//	sysdump run -z
//	sysdump serve --socket /run/sysdump.sock
//
// See --help for all available options.
package main

import "os"

// main is the entry point for sysdump.
func main() {
	os.Exit(Execute())
}
