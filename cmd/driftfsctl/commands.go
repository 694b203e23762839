package main

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/driftfs/driftfs/internal/control"
)

// call dials socketPath, sends req, and prints either the JSON result
// payload or the error message, translating the response into a spec §6
// exit code.
func call(socketPath string, req control.Request) int {
	resp, err := control.NewClient(socketPath).Call(req)
	if err != nil {
		fmt.Fprintf(os.Stderr, "driftfsctl: %v\n", err)
		return exitGeneric
	}
	if !resp.OK {
		fmt.Fprintf(os.Stderr, "driftfsctl: %s\n", resp.Err)
		return exitCodeForKind(resp.Kind)
	}
	if len(resp.Data) > 0 {
		var pretty interface{}
		if err := json.Unmarshal(resp.Data, &pretty); err == nil {
			out, _ := json.MarshalIndent(pretty, "", "  ")
			fmt.Println(string(out))
		} else {
			fmt.Println(string(resp.Data))
		}
	}
	return exitSuccess
}

var cmdMount = &Command{
	UsageLine: "mount -pair id -local dir -target dir [-external dir] [-socket path]",
	Short:     "mount a sync pair",
}

var (
	mountPair     = cmdMount.Flag.String("pair", "", "sync pair id")
	mountLocal    = cmdMount.Flag.String("local", "", "LOCAL directory")
	mountExternal = cmdMount.Flag.String("external", "", "EXTERNAL directory (optional)")
	mountTarget   = cmdMount.Flag.String("target", "", "TARGET mount point")
	mountSocket   = cmdMount.Flag.String("socket", defaultSocketPath, "control socket path")
)

func init() { cmdMount.Run = runMount }

func runMount(cmd *Command, args []string) int {
	if *mountPair == "" || *mountLocal == "" || *mountTarget == "" {
		fmt.Fprintln(os.Stderr, "driftfsctl: mount requires -pair, -local, and -target")
		return exitInvalidArgument
	}
	return call(*mountSocket, control.Request{
		Op: "mount", Pair: *mountPair, Local: *mountLocal, External: *mountExternal, Target: *mountTarget,
	})
}

var cmdUnmount = &Command{
	UsageLine: "unmount -pair id [-socket path]",
	Short:     "unmount a sync pair",
}

var (
	unmountPair   = cmdUnmount.Flag.String("pair", "", "sync pair id")
	unmountSocket = cmdUnmount.Flag.String("socket", defaultSocketPath, "control socket path")
)

func init() { cmdUnmount.Run = runUnmount }

func runUnmount(cmd *Command, args []string) int {
	if *unmountPair == "" {
		fmt.Fprintln(os.Stderr, "driftfsctl: unmount requires -pair")
		return exitInvalidArgument
	}
	return call(*unmountSocket, control.Request{Op: "unmount", Pair: *unmountPair})
}

var cmdUpdateExternal = &Command{
	UsageLine: "update-external -pair id [-path dir] [-socket path]",
	Short:     "repoint a live mount's EXTERNAL directory, or take it offline with no -path",
}

var (
	updateExternalPair   = cmdUpdateExternal.Flag.String("pair", "", "sync pair id")
	updateExternalPath   = cmdUpdateExternal.Flag.String("path", "", "new EXTERNAL directory (empty takes EXTERNAL offline)")
	updateExternalSocket = cmdUpdateExternal.Flag.String("socket", defaultSocketPath, "control socket path")
)

func init() { cmdUpdateExternal.Run = runUpdateExternal }

func runUpdateExternal(cmd *Command, args []string) int {
	if *updateExternalPair == "" {
		fmt.Fprintln(os.Stderr, "driftfsctl: update-external requires -pair")
		return exitInvalidArgument
	}
	return call(*updateExternalSocket, control.Request{Op: "update_external", Pair: *updateExternalPair, Path: *updateExternalPath})
}

var cmdSetExternalOffline = &Command{
	UsageLine: "set-external-offline -pair id -offline=true|false [-socket path]",
	Short:     "take EXTERNAL offline or bring it back online",
}

var (
	setExternalOfflinePair    = cmdSetExternalOffline.Flag.String("pair", "", "sync pair id")
	setExternalOfflineOffline = cmdSetExternalOffline.Flag.Bool("offline", true, "true to take EXTERNAL offline")
	setExternalOfflineSocket  = cmdSetExternalOffline.Flag.String("socket", defaultSocketPath, "control socket path")
)

func init() { cmdSetExternalOffline.Run = runSetExternalOffline }

func runSetExternalOffline(cmd *Command, args []string) int {
	if *setExternalOfflinePair == "" {
		fmt.Fprintln(os.Stderr, "driftfsctl: set-external-offline requires -pair")
		return exitInvalidArgument
	}
	return call(*setExternalOfflineSocket, control.Request{
		Op: "set_external_offline", Pair: *setExternalOfflinePair, Bool: *setExternalOfflineOffline,
	})
}

var cmdSetReadOnly = &Command{
	UsageLine: "set-read-only -pair id -value=true|false [-socket path]",
	Short:     "toggle the global read-only policy for a mount",
}

var (
	setReadOnlyPair   = cmdSetReadOnly.Flag.String("pair", "", "sync pair id")
	setReadOnlyValue  = cmdSetReadOnly.Flag.Bool("value", true, "read-only value")
	setReadOnlySocket = cmdSetReadOnly.Flag.String("socket", defaultSocketPath, "control socket path")
)

func init() { cmdSetReadOnly.Run = runSetReadOnly }

func runSetReadOnly(cmd *Command, args []string) int {
	if *setReadOnlyPair == "" {
		fmt.Fprintln(os.Stderr, "driftfsctl: set-read-only requires -pair")
		return exitInvalidArgument
	}
	return call(*setReadOnlySocket, control.Request{Op: "set_read_only", Pair: *setReadOnlyPair, Bool: *setReadOnlyValue})
}

var cmdSetIndexReady = &Command{
	UsageLine: "set-index-ready -pair id -value=true|false [-socket path]",
	Short:     "flip the readiness gate manually (mainly for recovery)",
}

var (
	setIndexReadyPair   = cmdSetIndexReady.Flag.String("pair", "", "sync pair id")
	setIndexReadyValue  = cmdSetIndexReady.Flag.Bool("value", true, "readiness value")
	setIndexReadySocket = cmdSetIndexReady.Flag.String("socket", defaultSocketPath, "control socket path")
)

func init() { cmdSetIndexReady.Run = runSetIndexReady }

func runSetIndexReady(cmd *Command, args []string) int {
	if *setIndexReadyPair == "" {
		fmt.Fprintln(os.Stderr, "driftfsctl: set-index-ready requires -pair")
		return exitInvalidArgument
	}
	return call(*setIndexReadySocket, control.Request{Op: "set_index_ready", Pair: *setIndexReadyPair, Bool: *setIndexReadyValue})
}

var cmdIsIndexReady = &Command{
	UsageLine: "is-index-ready -pair id [-socket path]",
	Short:     "report whether the readiness gate is open",
}

var (
	isIndexReadyPair   = cmdIsIndexReady.Flag.String("pair", "", "sync pair id")
	isIndexReadySocket = cmdIsIndexReady.Flag.String("socket", defaultSocketPath, "control socket path")
)

func init() { cmdIsIndexReady.Run = runIsIndexReady }

func runIsIndexReady(cmd *Command, args []string) int {
	if *isIndexReadyPair == "" {
		fmt.Fprintln(os.Stderr, "driftfsctl: is-index-ready requires -pair")
		return exitInvalidArgument
	}
	return call(*isIndexReadySocket, control.Request{Op: "is_index_ready", Pair: *isIndexReadyPair})
}

var cmdStats = &Command{
	UsageLine: "stats -pair id [-socket path]",
	Short:     "print the index statistics for a sync pair",
}

var (
	statsPair   = cmdStats.Flag.String("pair", "", "sync pair id")
	statsSocket = cmdStats.Flag.String("socket", defaultSocketPath, "control socket path")
)

func init() { cmdStats.Run = runStats }

func runStats(cmd *Command, args []string) int {
	if *statsPair == "" {
		fmt.Fprintln(os.Stderr, "driftfsctl: stats requires -pair")
		return exitInvalidArgument
	}
	return call(*statsSocket, control.Request{Op: "stats", Pair: *statsPair})
}

var cmdListEntries = &Command{
	UsageLine: "list-entries -pair id [-socket path]",
	Short:     "list every indexed entry for a sync pair",
}

var (
	listEntriesPair   = cmdListEntries.Flag.String("pair", "", "sync pair id")
	listEntriesSocket = cmdListEntries.Flag.String("socket", defaultSocketPath, "control socket path")
)

func init() { cmdListEntries.Run = runListEntries }

func runListEntries(cmd *Command, args []string) int {
	if *listEntriesPair == "" {
		fmt.Fprintln(os.Stderr, "driftfsctl: list-entries requires -pair")
		return exitInvalidArgument
	}
	return call(*listEntriesSocket, control.Request{Op: "list_entries", Pair: *listEntriesPair})
}

var cmdGetEntry = &Command{
	UsageLine: "get-entry -pair id -path vpath [-socket path]",
	Short:     "print one indexed entry",
}

var (
	getEntryPair   = cmdGetEntry.Flag.String("pair", "", "sync pair id")
	getEntryPath   = cmdGetEntry.Flag.String("path", "", "virtual path")
	getEntrySocket = cmdGetEntry.Flag.String("socket", defaultSocketPath, "control socket path")
)

func init() { cmdGetEntry.Run = runGetEntry }

func runGetEntry(cmd *Command, args []string) int {
	if *getEntryPair == "" || *getEntryPath == "" {
		fmt.Fprintln(os.Stderr, "driftfsctl: get-entry requires -pair and -path")
		return exitInvalidArgument
	}
	return call(*getEntrySocket, control.Request{Op: "get_entry", Pair: *getEntryPair, Path: *getEntryPath})
}

var cmdRebuild = &Command{
	UsageLine: "rebuild -pair id [-socket path]",
	Short:     "rebuild a mounted sync pair's index from scratch",
}

var (
	rebuildPair   = cmdRebuild.Flag.String("pair", "", "sync pair id")
	rebuildSocket = cmdRebuild.Flag.String("socket", defaultSocketPath, "control socket path")
)

func init() { cmdRebuild.Run = runRebuild }

func runRebuild(cmd *Command, args []string) int {
	if *rebuildPair == "" {
		fmt.Fprintln(os.Stderr, "driftfsctl: rebuild requires -pair")
		return exitInvalidArgument
	}
	return call(*rebuildSocket, control.Request{Op: "rebuild", Pair: *rebuildPair})
}

var cmdMarkEvicting = &Command{
	UsageLine: "mark-evicting -path vpath [-socket path]",
	Short:     "add a virtual path to the evicting set",
}

var (
	markEvictingPath   = cmdMarkEvicting.Flag.String("path", "", "virtual path")
	markEvictingSocket = cmdMarkEvicting.Flag.String("socket", defaultSocketPath, "control socket path")
)

func init() { cmdMarkEvicting.Run = runMarkEvicting }

func runMarkEvicting(cmd *Command, args []string) int {
	if *markEvictingPath == "" {
		fmt.Fprintln(os.Stderr, "driftfsctl: mark-evicting requires -path")
		return exitInvalidArgument
	}
	return call(*markEvictingSocket, control.Request{Op: "mark_evicting", Path: *markEvictingPath})
}

var cmdUnmarkEvicting = &Command{
	UsageLine: "unmark-evicting -path vpath [-socket path]",
	Short:     "remove a virtual path from the evicting set",
}

var (
	unmarkEvictingPath   = cmdUnmarkEvicting.Flag.String("path", "", "virtual path")
	unmarkEvictingSocket = cmdUnmarkEvicting.Flag.String("socket", defaultSocketPath, "control socket path")
)

func init() { cmdUnmarkEvicting.Run = runUnmarkEvicting }

func runUnmarkEvicting(cmd *Command, args []string) int {
	if *unmarkEvictingPath == "" {
		fmt.Fprintln(os.Stderr, "driftfsctl: unmark-evicting requires -path")
		return exitInvalidArgument
	}
	return call(*unmarkEvictingSocket, control.Request{Op: "unmark_evicting", Path: *unmarkEvictingPath})
}

var cmdClearEvicting = &Command{
	UsageLine: "clear-evicting [-socket path]",
	Short:     "empty the evicting set",
}

var clearEvictingSocket = cmdClearEvicting.Flag.String("socket", defaultSocketPath, "control socket path")

func init() { cmdClearEvicting.Run = runClearEvicting }

func runClearEvicting(cmd *Command, args []string) int {
	return call(*clearEvictingSocket, control.Request{Op: "clear_evicting"})
}

var cmdSyncLock = &Command{
	UsageLine: "sync-lock -path vpath [-source path] [-socket path]",
	Short:     "acquire the sync lock for a virtual path",
}

var (
	syncLockPath   = cmdSyncLock.Flag.String("path", "", "virtual path")
	syncLockSource = cmdSyncLock.Flag.String("source", "", "source path backing the transfer")
	syncLockSocket = cmdSyncLock.Flag.String("socket", defaultSocketPath, "control socket path")
)

func init() { cmdSyncLock.Run = runSyncLock }

func runSyncLock(cmd *Command, args []string) int {
	if *syncLockPath == "" {
		fmt.Fprintln(os.Stderr, "driftfsctl: sync-lock requires -path")
		return exitInvalidArgument
	}
	return call(*syncLockSocket, control.Request{Op: "sync_lock", Path: *syncLockPath, Local: *syncLockSource})
}

var cmdSyncUnlock = &Command{
	UsageLine: "sync-unlock -path vpath [-socket path]",
	Short:     "release the sync lock for a virtual path",
}

var (
	syncUnlockPath   = cmdSyncUnlock.Flag.String("path", "", "virtual path")
	syncUnlockSocket = cmdSyncUnlock.Flag.String("socket", defaultSocketPath, "control socket path")
)

func init() { cmdSyncUnlock.Run = runSyncUnlock }

func runSyncUnlock(cmd *Command, args []string) int {
	if *syncUnlockPath == "" {
		fmt.Fprintln(os.Stderr, "driftfsctl: sync-unlock requires -path")
		return exitInvalidArgument
	}
	return call(*syncUnlockSocket, control.Request{Op: "sync_unlock", Path: *syncUnlockPath})
}

var cmdSyncUnlockAll = &Command{
	UsageLine: "sync-unlock-all [-socket path]",
	Short:     "release every sync lock",
}

var syncUnlockAllSocket = cmdSyncUnlockAll.Flag.String("socket", defaultSocketPath, "control socket path")

func init() { cmdSyncUnlockAll.Run = runSyncUnlockAll }

func runSyncUnlockAll(cmd *Command, args []string) int {
	return call(*syncUnlockAllSocket, control.Request{Op: "sync_unlock_all"})
}

var cmdEvict = &Command{
	UsageLine: "evict -pair id -path vpath [-socket path]",
	Short:     "evict one file from LOCAL, demoting it to EXTERNAL-only",
}

var (
	evictPair   = cmdEvict.Flag.String("pair", "", "sync pair id")
	evictPath   = cmdEvict.Flag.String("path", "", "virtual path")
	evictSocket = cmdEvict.Flag.String("socket", defaultSocketPath, "control socket path")
)

func init() { cmdEvict.Run = runEvict }

func runEvict(cmd *Command, args []string) int {
	if *evictPair == "" || *evictPath == "" {
		fmt.Fprintln(os.Stderr, "driftfsctl: evict requires -pair and -path")
		return exitInvalidArgument
	}
	return call(*evictSocket, control.Request{Op: "evict", Pair: *evictPair, Path: *evictPath})
}

var cmdPrefetch = &Command{
	UsageLine: "prefetch -pair id -path vpath [-socket path]",
	Short:     "copy one file from EXTERNAL to LOCAL ahead of access",
}

var (
	prefetchPair   = cmdPrefetch.Flag.String("pair", "", "sync pair id")
	prefetchPath   = cmdPrefetch.Flag.String("path", "", "virtual path")
	prefetchSocket = cmdPrefetch.Flag.String("socket", defaultSocketPath, "control socket path")
)

func init() { cmdPrefetch.Run = runPrefetch }

func runPrefetch(cmd *Command, args []string) int {
	if *prefetchPair == "" || *prefetchPath == "" {
		fmt.Fprintln(os.Stderr, "driftfsctl: prefetch requires -pair and -path")
		return exitInvalidArgument
	}
	return call(*prefetchSocket, control.Request{Op: "prefetch", Pair: *prefetchPair, Path: *prefetchPath})
}

var cmdList = &Command{
	UsageLine: "list [-socket path]",
	Short:     "list every currently mounted sync pair",
}

var listSocket = cmdList.Flag.String("socket", defaultSocketPath, "control socket path")

func init() { cmdList.Run = runList }

func runList(cmd *Command, args []string) int {
	return call(*listSocket, control.Request{Op: "list"})
}
