package memo

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Adapter executes one named external operation.
//
// Implementations run the underlying program synchronously inside workDir and
// return the named output file paths. A failed execution must be reported as
// an error, never as an Outputs value.
type Adapter interface {
	Run(ctx context.Context, operation string, params Params, workDir string) (Outputs, error)
}

// Invoker wraps an Adapter with the record store, guaranteeing at most one
// physical execution per distinct (operation, parameters) key.
//
// Flow per call:
//  1. Compute the InvocationKey.
//  2. Acquire the key's mutex, so concurrent runs in one process never race
//     to execute the same key.
//  3. If a record exists, return its outputs; no external process runs.
//  4. Otherwise execute the adapter in a per-key working directory, store the
//     outputs, and return them.
//
// Failed executions are never recorded: a retried call with the same key
// attempts execution again.
type Invoker struct {
	store   Store
	adapter Adapter
	// workRoot is where per-key working directories are created; external
	// tools write their output files there.
	workRoot string
	log      *logrus.Entry

	// Observer, if set, is called after every successful Invoke.
	Observer func(InvocationRecord)

	mu    sync.Mutex
	locks map[InvocationKey]*sync.Mutex
}

// InvocationRecord describes one completed Invoke call.
type InvocationRecord struct {
	Operation string        `json:"operation"`
	Key       string        `json:"key"`
	FromCache bool          `json:"from_cache"`
	Duration  time.Duration `json:"duration_ns"`
}

// NewInvoker creates an Invoker writing tool outputs under workRoot.
func NewInvoker(store Store, adapter Adapter, workRoot string, log *logrus.Entry) (*Invoker, error) {
	if store == nil {
		return nil, fmt.Errorf("store is nil")
	}
	if adapter == nil {
		return nil, fmt.Errorf("adapter is nil")
	}
	if workRoot == "" {
		return nil, fmt.Errorf("work root is empty")
	}
	if log == nil {
		log = logrus.NewEntry(logrus.StandardLogger())
	}
	return &Invoker{
		store:    store,
		adapter:  adapter,
		workRoot: workRoot,
		log:      log,
		locks:    make(map[InvocationKey]*sync.Mutex),
	}, nil
}

// Invoke executes operation with params, or returns the recorded outputs of a
// previous execution with an identical key.
func (inv *Invoker) Invoke(ctx context.Context, operation string, params Params) (Outputs, error) {
	key, err := Key(operation, params)
	if err != nil {
		return nil, err
	}

	lock := inv.keyLock(key)
	lock.Lock()
	defer lock.Unlock()

	start := time.Now()
	outputs, ok, err := inv.store.Get(key)
	if err != nil {
		return nil, fmt.Errorf("cache lookup for %s: %w", operation, err)
	}
	if ok {
		cacheHits.WithLabelValues(operation).Inc()
		inv.log.WithFields(logrus.Fields{
			"operation": operation,
			"key":       key.Short(),
		}).Debug("cache hit")
		inv.observe(InvocationRecord{
			Operation: operation,
			Key:       key.String(),
			FromCache: true,
			Duration:  time.Since(start),
		})
		return outputs, nil
	}

	cacheMisses.WithLabelValues(operation).Inc()
	workDir := filepath.Join(inv.workRoot, operation, key.Short())
	if err := os.MkdirAll(workDir, 0o755); err != nil {
		return nil, fmt.Errorf("creating working directory for %s: %w", operation, err)
	}

	outputs, err = inv.adapter.Run(ctx, operation, params, workDir)
	if err != nil {
		executionFailures.WithLabelValues(operation).Inc()
		// Not recorded: the next call with this key must execute again.
		return nil, err
	}

	if err := inv.store.Put(key, outputs); err != nil {
		return nil, fmt.Errorf("recording result for %s: %w", operation, err)
	}
	inv.log.WithFields(logrus.Fields{
		"operation": operation,
		"key":       key.Short(),
		"duration":  time.Since(start).Round(time.Millisecond).String(),
	}).Info("executed")
	inv.observe(InvocationRecord{
		Operation: operation,
		Key:       key.String(),
		FromCache: false,
		Duration:  time.Since(start),
	})
	return outputs, nil
}

func (inv *Invoker) observe(rec InvocationRecord) {
	if inv.Observer != nil {
		inv.Observer(rec)
	}
}

// keyLock returns the mutex guarding a single invocation key, creating it on
// first use. Lock entries are retained for the life of the invoker; the
// keyspace of one pipeline run is small.
func (inv *Invoker) keyLock(key InvocationKey) *sync.Mutex {
	inv.mu.Lock()
	defer inv.mu.Unlock()
	lock, ok := inv.locks[key]
	if !ok {
		lock = &sync.Mutex{}
		inv.locks[key] = lock
	}
	return lock
}
