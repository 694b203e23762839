// Package control implements the control API (spec §6) as a unix-domain
// socket service: cmd/driftfsctl's subcommands are thin JSON-over-the-wire
// clients of the Server running inside the long-lived mount daemon.
// Grounded on the teacher's internal/fuse/mount.go daemon-process shape and
// miniccc's command-socket transport (net.Listen("unix", ...), one decode
// loop per connection), substituting encoding/json for gob to match the
// rest of this repo's serialization choice.
package control

import (
	"context"
	"encoding/json"
	"log/slog"
	"net"
	"os"

	"github.com/driftfs/driftfs/internal/config"
	"github.com/driftfs/driftfs/internal/eviction"
	"github.com/driftfs/driftfs/internal/index"
	"github.com/driftfs/driftfs/internal/lifecycle"
	"github.com/driftfs/driftfs/internal/lockmgr"
	"github.com/driftfs/driftfs/internal/stateset"
	"github.com/driftfs/driftfs/pkg/errors"
)

// Request is one control-API call. Op names match spec §6's operation
// names verbatim so driftfsctl subcommand names and wire ops line up.
type Request struct {
	Op       string `json:"op"`
	Pair     string `json:"pair,omitempty"`
	Local    string `json:"local,omitempty"`
	External string `json:"external,omitempty"`
	Target   string `json:"target,omitempty"`
	Path     string `json:"path,omitempty"`
	Bool     bool   `json:"bool,omitempty"`
}

// Response carries either a result payload or an error kind for exit-code
// mapping on the client side.
type Response struct {
	OK   bool            `json:"ok"`
	Kind string          `json:"kind,omitempty"`
	Err  string          `json:"error,omitempty"`
	Data json.RawMessage `json:"data,omitempty"`
}

// Server dispatches Requests against the daemon's shared collaborators.
// One Server backs every mounted sync pair; Pair in the request picks
// which one an operation targets.
type Server struct {
	lc     *lifecycle.Manager
	idx    *index.Index
	locks  *lockmgr.Manager
	sets   *stateset.Sets
	evict  *eviction.Manager
	logger *slog.Logger
}

// NewServer builds a control server over the daemon's already-constructed
// collaborators.
func NewServer(lc *lifecycle.Manager, idx *index.Index, locks *lockmgr.Manager, sets *stateset.Sets, evict *eviction.Manager) *Server {
	return &Server{
		lc:     lc,
		idx:    idx,
		locks:  locks,
		sets:   sets,
		evict:  evict,
		logger: slog.With("component", "control"),
	}
}

// ListenAndServe accepts connections on socketPath until ctx is canceled.
// A stale socket file from a crashed previous run is removed first.
func (s *Server) ListenAndServe(ctx context.Context, socketPath string) error {
	_ = os.Remove(socketPath)

	l, err := net.Listen("unix", socketPath)
	if err != nil {
		return errors.New(errors.KindIO, "listen on control socket").
			WithComponent("control").WithPath(socketPath).WithCause(err)
	}
	defer l.Close()

	go func() {
		<-ctx.Done()
		l.Close()
	}()

	for {
		conn, err := l.Accept()
		if err != nil {
			select {
			case <-ctx.Done():
				return nil
			default:
				s.logger.Warn("accept failed", "err", err)
				continue
			}
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn net.Conn) {
	defer conn.Close()

	var req Request
	if err := json.NewDecoder(conn).Decode(&req); err != nil {
		s.logger.Warn("decode request failed", "err", err)
		return
	}

	resp := s.dispatch(ctx, req)
	if err := json.NewEncoder(conn).Encode(resp); err != nil {
		s.logger.Warn("encode response failed", "err", err)
	}
}

func errResponse(err error) Response {
	kind := ""
	if se, ok := err.(*errors.Error); ok {
		kind = string(se.Kind)
	}
	return Response{OK: false, Kind: kind, Err: err.Error()}
}

func okResponse(data interface{}) Response {
	if data == nil {
		return Response{OK: true}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return Response{OK: false, Err: err.Error()}
	}
	return Response{OK: true, Data: raw}
}

// dispatch implements every spec §6 control operation this daemon exposes.
func (s *Server) dispatch(ctx context.Context, req Request) Response {
	switch req.Op {
	case "mount":
		pair := config.MountPairConfig{
			SyncPairID: req.Pair,
			Local:      req.Local,
			External:   req.External,
			Target:     req.Target,
		}
		if err := s.lc.Mount(ctx, pair); err != nil {
			return errResponse(err)
		}
		return okResponse(nil)

	case "unmount":
		if err := s.lc.Unmount(req.Pair); err != nil {
			return errResponse(err)
		}
		return okResponse(nil)

	case "update_external":
		if err := s.lc.UpdateExternal(req.Pair, req.Path); err != nil {
			return errResponse(err)
		}
		return okResponse(nil)

	case "set_external_offline":
		if err := s.lc.SetExternalOnline(req.Pair, !req.Bool); err != nil {
			return errResponse(err)
		}
		return okResponse(nil)

	case "set_read_only":
		if err := s.lc.SetReadOnly(req.Pair, req.Bool); err != nil {
			return errResponse(err)
		}
		return okResponse(nil)

	case "set_index_ready":
		if err := s.lc.SetIndexReady(req.Pair, req.Bool); err != nil {
			return errResponse(err)
		}
		return okResponse(nil)

	case "is_index_ready":
		mt, ok := s.lc.Get(req.Pair)
		if !ok {
			return errResponse(errors.New(errors.KindNotMounted, "sync pair not mounted").WithComponent("control"))
		}
		return okResponse(map[string]bool{"index_ready": mt.IndexReady})

	case "get_entry":
		e, ok := s.idx.Get(req.Pair, req.Path)
		if !ok {
			return errResponse(errors.New(errors.KindNoEntry, "no such indexed entry").WithComponent("control").WithPath(req.Path))
		}
		return okResponse(e)

	case "list_entries":
		return okResponse(s.idx.List(req.Pair))

	case "get_dirty":
		return okResponse(filterEntries(s.idx.List(req.Pair), func(e *index.FileEntry) bool { return e.IsDirty }))

	case "get_files_to_sync":
		return okResponse(filterEntries(s.idx.List(req.Pair), func(e *index.FileEntry) bool {
			return e.IsDirty && (e.Location == index.LocalOnly || e.Location == index.Both)
		}))

	case "get_evictable":
		return okResponse(filterEntries(s.idx.List(req.Pair), func(e *index.FileEntry) bool {
			return !e.IsDirty && e.Location == index.Both && !s.locks.IsLocked(e.VirtualPath)
		}))

	case "stats":
		return okResponse(s.idx.Stats(req.Pair))

	case "rebuild":
		mt, ok := s.lc.Get(req.Pair)
		if !ok {
			return errResponse(errors.New(errors.KindNotMounted, "sync pair not mounted").WithComponent("control"))
		}
		if err := s.idx.FullBuild(req.Pair, mt.LocalDir, mt.ExternalDir, nil); err != nil {
			return errResponse(err)
		}
		return okResponse(nil)

	case "mark_evicting":
		s.sets.Evicting.Add(req.Path)
		return okResponse(nil)

	case "unmark_evicting":
		s.sets.Evicting.Remove(req.Path)
		return okResponse(nil)

	case "clear_evicting":
		s.sets.Evicting.Clear()
		return okResponse(nil)

	case "sync_lock":
		ok := s.locks.Acquire(req.Path, lockmgr.LocalToExternal, req.Local)
		if ok {
			s.sets.Syncing.Add(req.Path)
		}
		return okResponse(map[string]bool{"acquired": ok})

	case "sync_unlock":
		s.locks.Release(req.Path)
		s.sets.Syncing.Remove(req.Path)
		return okResponse(nil)

	case "sync_unlock_all":
		for _, vp := range s.sets.Syncing.Snapshot() {
			s.locks.Release(vp)
		}
		s.sets.Syncing.Clear()
		return okResponse(nil)

	case "evict":
		if err := s.evict.Evict(req.Pair, req.Path); err != nil {
			return errResponse(err)
		}
		return okResponse(nil)

	case "prefetch":
		if err := s.evict.Prefetch(req.Pair, req.Path); err != nil {
			return errResponse(err)
		}
		return okResponse(nil)

	case "list":
		return okResponse(s.lc.List())

	default:
		return errResponse(errors.New(errors.KindInvalidArgument, "unknown operation").WithComponent("control").WithOperation(req.Op))
	}
}

func filterEntries(entries []*index.FileEntry, keep func(*index.FileEntry) bool) []*index.FileEntry {
	out := make([]*index.FileEntry, 0, len(entries))
	for _, e := range entries {
		if keep(e) {
			out = append(out, e)
		}
	}
	return out
}
