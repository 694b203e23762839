// driftfsctl is the control CLI for the driftfs overlay mount (spec §6):
// "daemon" starts the long-lived process that owns kernel mounts for every
// configured sync pair and serves the control socket; every other
// subcommand is a thin client of that socket.
//
// Grounded on the Command-struct dispatch minimega's cmd/igor uses
// (UsageLine/Run/Flag, a package-level commands slice, flag.Parse then a
// name match) and the teacher's log/slog setup for the daemon side.
package main

import (
	"flag"
	"fmt"
	"os"
	"strings"
)

// Command is one driftfsctl subcommand, the same shape igor's Command
// struct uses: a usage line (whose first word is the command name), a
// runner, and its own flag set.
type Command struct {
	Run       func(cmd *Command, args []string) int
	UsageLine string
	Short     string
	Flag      flag.FlagSet
}

// Name returns the command name: the first word of UsageLine.
func (c *Command) Name() string {
	name := c.UsageLine
	if i := strings.Index(name, " "); i >= 0 {
		name = name[:i]
	}
	return name
}

func (c *Command) usage() {
	fmt.Fprintf(os.Stderr, "usage: driftfsctl %s\n", c.UsageLine)
	if c.Short != "" {
		fmt.Fprintf(os.Stderr, "\n%s\n", c.Short)
	}
}

var commands = []*Command{
	cmdDaemon,
	cmdMount,
	cmdUnmount,
	cmdUpdateExternal,
	cmdSetExternalOffline,
	cmdSetReadOnly,
	cmdSetIndexReady,
	cmdIsIndexReady,
	cmdStats,
	cmdListEntries,
	cmdGetEntry,
	cmdRebuild,
	cmdMarkEvicting,
	cmdUnmarkEvicting,
	cmdClearEvicting,
	cmdSyncLock,
	cmdSyncUnlock,
	cmdSyncUnlockAll,
	cmdEvict,
	cmdPrefetch,
	cmdList,
}

// Exit codes per spec §6: 0 success, 1 generic, 2 invalid argument,
// 3 already-mounted, 4 not-mounted, 5 mount-failed, 6 conflicting-paths.
const (
	exitSuccess = iota
	exitGeneric
	exitInvalidArgument
	exitAlreadyMounted
	exitNotMounted
	exitMountFailed
	exitConflictingPaths
)

var errnoKindExitCode = map[string]int{
	"invalid-argument":  exitInvalidArgument,
	"already-mounted":   exitAlreadyMounted,
	"not-mounted":       exitNotMounted,
	"mount-failed":      exitMountFailed,
	"conflicting-paths": exitConflictingPaths,
}

func exitCodeForKind(kind string) int {
	if code, ok := errnoKindExitCode[kind]; ok {
		return code
	}
	return exitGeneric
}

func usage() {
	fmt.Fprintln(os.Stderr, "usage: driftfsctl <command> [arguments]")
	fmt.Fprintln(os.Stderr, "\nCommands:")
	for _, cmd := range commands {
		fmt.Fprintf(os.Stderr, "  %-28s %s\n", cmd.Name(), cmd.Short)
	}
	os.Exit(exitInvalidArgument)
}

func main() {
	flag.Usage = usage
	flag.Parse()

	args := flag.Args()
	if len(args) < 1 {
		usage()
	}

	for _, cmd := range commands {
		if cmd.Name() != args[0] {
			continue
		}
		cmd.Flag.Usage = cmd.usage
		cmd.Flag.Parse(args[1:])
		os.Exit(cmd.Run(cmd, cmd.Flag.Args()))
	}

	fmt.Fprintf(os.Stderr, "driftfsctl: unknown command %q\n", args[0])
	usage()
}
