// Package main is the entry point for the chat load test binary.
// It provides subcommands for different load testing scenarios:
//
//   - saturate: open N idle, admitted connections and hold them
//   - chat:     pairs of users exchange private messages and measure delivery
//
// Both read identities from a tokens file with one "user-id access-token"
// pair per line, e.g. built from `chatctl token issue` output.
//
// Usage:
//
//	loadtest <command> [options]
package main

import (
	"fmt"
	"os"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "saturate":
		runSaturate(os.Args[2:])
	case "chat":
		runChat(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: loadtest <command> [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  saturate    Connection saturation test: opens N idle admitted connections")
	fmt.Println("  chat        Messaging load test: user pairs exchange private messages")
	fmt.Println()
	fmt.Println("Run 'loadtest <command> -h' for command-specific options.")
}
