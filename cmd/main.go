package main

import (
	"fmt"
	"io"
	"os"
)

// Version is set at build time via -ldflags.
// Example: go build -ldflags="-X main.Version=v0.1.0" ./cmd
var Version = "dev"

const usage = `pmcoord - cross-core power-state coordinator

Usage:
  pmcoord <command> [options]

Commands:
  start                         Start the coordinator daemon on the simulated SoC
  status                        Show core states, wakelocks and system mode
  wakelock acquire <domain>     Take a wakelock (--deep for the deep registry)
  wakelock release <domain>     Drop a wakelock (--deep for the deep registry)
  wakelock status               Show held wakelocks
  wakelock audit                Show recent wakelock changes
  suspend <core>                Gate a core (--type cg|pg, --duration-ms, --deep)
  resume <core>                 Bring a gated core back up
  sleep-time <core>             Show the last gated period of a core
  events                        Show recent power transitions (--limit, --core)
  mailbox <core> sleep|wake     Post a message into a core's inbound mailbox
  version                       Print the version
Run 'pmcoord <command> --help' for more information on a command.
`

func main() {
	os.Exit(run(os.Args, os.Stdout, os.Stderr))
}

func run(args []string, stdout, stderr io.Writer) int {
	if len(args) < 2 {
		fmt.Fprint(stdout, usage)
		return 0
	}

	switch args[1] {
	case "start":
		return runStart(args[2:], stdout, stderr)
	case "status":
		return runStatus(args[2:], stdout, stderr)
	case "wakelock":
		if len(args) < 3 {
			fmt.Fprintln(stdout, "Usage: pmcoord wakelock <acquire|release|status|audit>")
			return 1
		}
		switch args[2] {
		case "acquire", "release":
			return runWakelockMutation(args[2], args[3:], stdout, stderr)
		case "status":
			return runWakelockStatus(args[3:], stdout, stderr)
		case "audit":
			return runWakelockAudit(args[3:], stdout, stderr)
		default:
			fmt.Fprintf(stdout, "Unknown wakelock command: %s\n", args[2])
			return 1
		}
	case "suspend":
		return runSuspend(args[2:], stdout, stderr)
	case "resume":
		return runResume(args[2:], stdout, stderr)
	case "sleep-time":
		return runSleepTime(args[2:], stdout, stderr)
	case "events":
		return runEvents(args[2:], stdout, stderr)
	case "mailbox":
		return runMailbox(args[2:], stdout, stderr)
	case "--help", "-h", "help":
		fmt.Fprint(stdout, usage)
		return 0
	case "--version", "-v", "version":
		fmt.Fprintf(stdout, "pmcoord %s\n", Version)
		return 0
	default:
		fmt.Fprintf(stdout, "Unknown command: %s\n", args[1])
		fmt.Fprint(stdout, usage)
		return 1
	}
}
