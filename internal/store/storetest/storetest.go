// Package storetest provides helpers for tests that exercise code built on
// store.Store.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"testing"

	"github.com/seantiz/asyncq/internal/store"
)

// NewSQLite opens an in-memory SQLite store that is closed when t ends.
func NewSQLite(t testing.TB) *store.SQLStore {
	t.Helper()
	s, err := store.NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("NewSQLiteStore: %v", err)
	}
	t.Cleanup(func() { s.Close() })
	return s
}

// Flaky wraps a Store and injects transient commit failures. A failed commit
// either rolls the transaction back, or, when Ambiguous is set, commits it
// and still reports the transient error.
type Flaky struct {
	store.Store

	mu        sync.Mutex
	failures  int
	ambiguous bool
	commits   int
	failed    int
}

// NewFlaky returns a Flaky whose next n commits fail.
func NewFlaky(s store.Store, n int) *Flaky {
	return &Flaky{Store: s, failures: n}
}

// FailNext makes the next n commits fail. ambiguous selects whether the
// failing commits are actually applied.
func (f *Flaky) FailNext(n int, ambiguous bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures = n
	f.ambiguous = ambiguous
}

// Commits returns the number of commits that reached the underlying store.
func (f *Flaky) Commits() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.commits
}

// Failed returns the number of injected failures so far.
func (f *Flaky) Failed() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.failed
}

// Begin starts a transaction whose Commit may fail.
func (f *Flaky) Begin(ctx context.Context) (store.Tx, error) {
	tx, err := f.Store.Begin(ctx)
	if err != nil {
		return nil, err
	}
	return &flakyTx{Tx: tx, parent: f}, nil
}

// take consumes one injected failure and reports whether the commit should
// fail and whether it should still be applied.
func (f *Flaky) take() (fail, apply bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.failures == 0 {
		f.commits++
		return false, true
	}
	f.failures--
	f.failed++
	if f.ambiguous {
		f.commits++
	}
	return true, f.ambiguous
}

type flakyTx struct {
	store.Tx
	parent *Flaky
}

func (t *flakyTx) Commit() error {
	fail, apply := t.parent.take()
	if !fail {
		return t.Tx.Commit()
	}
	if apply {
		if err := t.Tx.Commit(); err != nil {
			return err
		}
	} else if err := t.Tx.Rollback(); err != nil {
		return err
	}
	return fmt.Errorf("commit: %w: injected", store.ErrTransient)
}
