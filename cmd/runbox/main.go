package main

import (
	"fmt"
	"os"
)

// Set via -ldflags at build time.
var (
	version = "dev"
	commit  = "unknown"
)

func main() {
	if len(os.Args) < 2 {
		showUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "--help", "-h", "help":
		showUsage()
	case "run":
		if err := cmdRun(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "run: %v\n", err)
			os.Exit(1)
		}
	case "redact":
		if err := cmdRedact(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "redact: %v\n", err)
			os.Exit(1)
		}
	case "history":
		if err := cmdHistory(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "history: %v\n", err)
			os.Exit(1)
		}
	case "mcp":
		if err := cmdMCP(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "mcp: %v\n", err)
			os.Exit(1)
		}
	case "doctor":
		if err := cmdDoctor(os.Args[2:]); err != nil {
			fmt.Fprintf(os.Stderr, "doctor: %v\n", err)
			os.Exit(1)
		}
	case "version":
		fmt.Printf("runbox %s (%s)\n", version, commit)
	default:
		fmt.Fprintf(os.Stderr, "unknown command: %s\n\nRun 'runbox --help' for usage information.\n", os.Args[1])
		os.Exit(1)
	}
}

func showUsage() {
	fmt.Println(`runbox - Command execution with secret redaction

USAGE:
    runbox COMMAND [FLAGS]

COMMANDS:
    run         Execute a shell command with redacted output
    redact      Redact secrets in text from stdin (or -text)
    history     Show recent execution history
    mcp         Serve tools over the Model Context Protocol on stdio
    doctor      Run health checks on your setup
    version     Print version information

FLAGS:
    -h, --help       Show this help message
    -config PATH     Config file path (default: ./runbox.yaml)

CONFIGURATION:
    Config file: ./runbox.yaml
    Environment: RUNBOX_* variables override config

EXAMPLES:
    runbox run -- 'make test 2>&1'
    runbox run -session build -cwd ./svc -- 'go vet ./...'
    runbox redact < deploy.log
    runbox history -n 20
    runbox mcp
    runbox doctor`)
}
