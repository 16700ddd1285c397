// Package replicate reconciles local note refs with a remote in a
// fetch-merge-push cycle. Fetched refs land under a tracking prefix and are
// folded into the local refs with a sort-and-dedupe merge at record
// granularity, so two clones writing the same namespace converge without
// either losing records. Pushes are never forced: a rejection means the
// remote moved after our fetch, and the next cycle picks the divergence up.
// There is no retry loop; the scheduled cycle is the recovery path.
package replicate

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/starford/munin/internal/gitnotes"
	"github.com/starford/munin/internal/index"
	"github.com/starford/munin/internal/lock"
	"github.com/starford/munin/internal/metrics"
	"github.com/starford/munin/internal/record"
)

// State names the phase of the cycle in flight. Failed is reachable from any
// phase; every cycle ends back at idle.
type State string

const (
	StateIdle     State = "idle"
	StateFetching State = "fetching"
	StateMerging  State = "merging"
	StatePushing  State = "pushing"
	StateFailed   State = "failed"
)

// DefaultRemote is used when the configuration names none.
const DefaultRemote = "origin"

// Config wires a Service.
type Config struct {
	Store       *gitnotes.Store
	Index       index.RecordIndex
	Remote      string
	LockDir     string
	LockTimeout time.Duration
	Logger      *slog.Logger
	Metrics     metrics.Sink

	// OnRefsChanged runs after any cycle that moved a local ref. The service
	// layer hooks the index resync here: a merge can shift sequence numbers,
	// which invalidates indexed identities.
	OnRefsChanged func()
}

// Service reconciles the note refs of one repository with one remote.
// Sync never returns an error; per-namespace outcomes carry the result and
// the details go to the log.
type Service struct {
	store         *gitnotes.Store
	db            index.RecordIndex
	remote        string
	lockDir       string
	lockTimeout   time.Duration
	logger        *slog.Logger
	sink          metrics.Sink
	onRefsChanged func()

	stateMu sync.Mutex
	state   State
}

// New creates a Service from cfg, filling defaults for the remote, logger,
// and metrics sink.
func New(cfg Config) *Service {
	remote := cfg.Remote
	if remote == "" {
		remote = DefaultRemote
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	sink := cfg.Metrics
	if sink == nil {
		sink = metrics.Noop{}
	}
	return &Service{
		store:         cfg.Store,
		db:            cfg.Index,
		remote:        remote,
		lockDir:       cfg.LockDir,
		lockTimeout:   cfg.LockTimeout,
		logger:        logger,
		sink:          sink,
		onRefsChanged: cfg.OnRefsChanged,
		state:         StateIdle,
	}
}

// State reports the phase of the cycle in flight, idle between cycles.
func (s *Service) State() State {
	s.stateMu.Lock()
	defer s.stateMu.Unlock()
	return s.state
}

func (s *Service) setState(st State) {
	s.stateMu.Lock()
	s.state = st
	s.stateMu.Unlock()
}

// nsOutcome carries one namespace through the cycle's phases.
type nsOutcome struct {
	namespace    string
	localRef     string
	trackingRef  string
	localHash    string
	trackingHash string
	ok           bool
	changed      bool
	needsPush    bool
}

// Sync runs one fetch-merge-push cycle against the configured remote and
// reports per-namespace success. An empty namespace list means all of them.
// Failures are never returned as an error: a namespace that could not be
// reconciled maps to false and the next cycle starts over from the fetch.
func (s *Service) Sync(ctx context.Context, namespaces []string, push bool) map[string]bool {
	if len(namespaces) == 0 {
		namespaces = record.Namespaces()
	}
	allFailed := func() map[string]bool {
		out := make(map[string]bool, len(namespaces))
		for _, ns := range namespaces {
			out[ns] = false
		}
		return out
	}
	defer s.setState(StateIdle)

	if err := MigrateLegacyLayout(ctx, s.store, s.lockDir, s.logger); err != nil {
		s.setState(StateFailed)
		s.logger.Error("replicate: legacy layout migration failed", slog.String("error", err.Error()))
		return allFailed()
	}

	s.setState(StateFetching)
	refspec := "+" + gitnotes.NotesRefPrefix + "/*:" + gitnotes.TrackingRefPrefix + "/*"
	if err := s.store.Fetch(ctx, s.remote, refspec); err != nil {
		s.setState(StateFailed)
		s.logger.Error("replicate: fetch failed",
			slog.String("remote", s.remote),
			slog.String("error", err.Error()))
		return allFailed()
	}

	s.setState(StateMerging)
	outcomes := make([]*nsOutcome, 0, len(namespaces))
	for _, ns := range namespaces {
		outcomes = append(outcomes, s.reconcile(ctx, ns))
	}

	if push {
		s.setState(StatePushing)
		for _, o := range outcomes {
			if !o.ok || !o.needsPush {
				continue
			}
			accepted, err := s.store.Push(ctx, s.remote, o.localRef+":"+o.localRef)
			if err != nil {
				o.ok = false
				s.logger.Warn("replicate: push failed",
					slog.String("namespace", o.namespace),
					slog.String("error", err.Error()))
				continue
			}
			if !accepted {
				// The remote moved after our fetch. Leave the sync state
				// stale so the next cycle merges the new tip and retries.
				o.ok = false
				s.logger.Info("replicate: push rejected",
					slog.String("namespace", o.namespace),
					slog.String("remote", s.remote))
			}
		}
	}

	results := make(map[string]bool, len(outcomes))
	changed := false
	failed := 0
	for _, o := range outcomes {
		results[o.namespace] = o.ok
		changed = changed || o.changed
		if !o.ok {
			failed++
			continue
		}
		err := s.db.PutSyncState(index.SyncState{
			Namespace:   o.namespace,
			Remote:      s.remote,
			TrackingRef: o.trackingRef,
			LastHash:    o.trackingHash,
			LocalHash:   o.localHash,
			SyncedAt:    time.Now().UTC(),
		})
		if err != nil {
			s.logger.Warn("replicate: sync state not recorded",
				slog.String("namespace", o.namespace),
				slog.String("error", err.Error()))
		}
	}

	if changed && s.onRefsChanged != nil {
		s.onRefsChanged()
	}
	s.sink.Record("sync.cycle",
		slog.String("remote", s.remote),
		slog.Bool("push", push),
		slog.Int("namespaces", len(outcomes)),
		slog.Int("failed", failed),
		slog.Bool("changed", changed))
	return results
}

// reconcile merges one namespace's tracking ref into its local ref. The
// merge walk is skipped when neither ref moved since the last recorded
// reconcile, and when the two refs already hold identical trees.
func (s *Service) reconcile(ctx context.Context, ns string) *nsOutcome {
	o := &nsOutcome{namespace: ns}

	localRef, err := gitnotes.NamespaceRef(ns)
	if err != nil {
		s.logger.Warn("replicate: bad namespace", slog.String("namespace", ns), slog.String("error", err.Error()))
		return o
	}
	trackingRef, err := gitnotes.TrackingRef(ns)
	if err != nil {
		s.logger.Warn("replicate: bad namespace", slog.String("namespace", ns), slog.String("error", err.Error()))
		return o
	}
	o.localRef, o.trackingRef = localRef, trackingRef

	o.trackingHash, err = s.store.RefHash(ctx, trackingRef)
	if err == nil {
		o.localHash, err = s.store.RefHash(ctx, localRef)
	}
	if err != nil {
		s.logger.Warn("replicate: resolve refs failed", slog.String("namespace", ns), slog.String("error", err.Error()))
		return o
	}

	sstate, err := s.db.GetSyncState(ns)
	if err != nil {
		s.logger.Warn("replicate: read sync state failed", slog.String("namespace", ns), slog.String("error", err.Error()))
	}
	unchanged := sstate != nil &&
		sstate.LastHash == o.trackingHash &&
		sstate.LocalHash == o.localHash

	// Trees compare content where commit hashes cannot: two clones that
	// merged the same records independently hold different commits over one
	// tree. Missing refs resolve to "".
	localTree, trackingTree, err := s.refTrees(ctx, localRef, trackingRef)
	if err != nil {
		s.logger.Warn("replicate: resolve trees failed", slog.String("namespace", ns), slog.String("error", err.Error()))
		return o
	}

	if !unchanged && o.trackingHash != "" && localTree != trackingTree {
		localHash, newTree, changed, err := s.mergeNamespace(ctx, ns, o.localRef, o.trackingRef, o.trackingHash, trackingTree)
		o.changed = changed
		if err != nil {
			s.logger.Warn("replicate: merge failed", slog.String("namespace", ns), slog.String("error", err.Error()))
			return o
		}
		o.localHash, localTree = localHash, newTree
		if changed {
			s.logger.Debug("replicate: merged",
				slog.String("namespace", ns),
				slog.String("local", o.localHash))
		}
	}

	o.needsPush = o.localHash != "" && localTree != trackingTree
	o.ok = true
	return o
}

// mergeNamespace runs the anchor merge under the namespace write lock, the
// same lock captures take, so a concurrent append cannot interleave with the
// read-modify-write. After the merge the fetched tip is grafted into the
// local history with a sealing commit when it is not already an ancestor;
// without the graft a non-forced push of the merged ref could never
// fast-forward the remote. Returns the post-merge local hash and tree.
func (s *Service) mergeNamespace(ctx context.Context, ns, localRef, trackingRef, trackingHash, trackingTree string) (localHash, localTree string, changed bool, err error) {
	handle, err := lock.Acquire(ctx, s.lockDir, ns, s.lockTimeout)
	if err != nil {
		return "", "", false, err
	}
	defer handle.Release() //nolint:errcheck

	changed, err = mergeRefs(ctx, s.store, localRef, trackingRef)
	if err != nil {
		return "", "", changed, err
	}
	localHash, err = s.store.RefHash(ctx, localRef)
	if err != nil {
		return "", "", changed, err
	}
	localTree, err = s.store.RefTree(ctx, localRef)
	if err != nil {
		return "", "", changed, err
	}
	if localHash == "" || localTree == trackingTree {
		return localHash, localTree, changed, nil
	}
	ancestor, err := s.store.IsAncestor(ctx, trackingHash, localHash)
	if err != nil || ancestor {
		return localHash, localTree, changed, err
	}
	sealed, err := s.store.SealMerge(ctx, localRef, trackingHash)
	if err != nil {
		return localHash, localTree, changed, err
	}
	return sealed, localTree, changed, nil
}

func (s *Service) refTrees(ctx context.Context, localRef, trackingRef string) (string, string, error) {
	localTree, err := s.store.RefTree(ctx, localRef)
	if err != nil {
		return "", "", err
	}
	trackingTree, err := s.store.RefTree(ctx, trackingRef)
	if err != nil {
		return "", "", err
	}
	return localTree, trackingTree, nil
}
