// © Copyright 2025-2026, the exdgate authors
// SPDX-License-Identifier: Apache-2.0

package cache_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/exdgate/exdgate/cache"
	"github.com/exdgate/exdgate/exd"
	"github.com/exdgate/exdgate/exdrpc"
	"github.com/exdgate/exdgate/resolve"
)

func newReader(t *testing.T) *exd.MemReader {
	t.Helper()
	r := exd.NewMemReader()
	r.AddFile("data.nc", []exd.MemChannel{
		{Group: "Analog", Name: "A", Unit: "V", Data: []float64{1, 2, 3, 4}},
		{Group: "Analog", Name: "B", Unit: "V", Data: []float64{5, 6, 7, 8}},
	})
	return r
}

func TestAcquireRelease(t *testing.T) {
	c := cache.New(newReader(t))

	h, err := c.Acquire(context.Background(), "data.nc")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if h.Path() != "data.nc" {
		t.Errorf("Path = %q, want data.nc", h.Path())
	}
	if got := c.Refs("data.nc"); got != 1 {
		t.Errorf("Refs = %d, want 1", got)
	}

	// No idle TTL, so the file closes as soon as the last handle goes away
	h.Release()
	if got := c.Len(); got != 0 {
		t.Errorf("Len after release = %d, want 0", got)
	}
}

func TestReleaseIdempotent(t *testing.T) {
	r := newReader(t)
	c := cache.New(r, cache.WithIdleTTL(time.Hour))

	h1, err := c.Acquire(context.Background(), "data.nc")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	h2, err := c.Acquire(context.Background(), "data.nc")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if got := r.Opens(); got != 1 {
		t.Fatalf("Opens = %d, want 1", got)
	}

	h1.Release()
	h1.Release()
	h1.Release()
	if got := c.Refs("data.nc"); got != 1 {
		t.Errorf("Refs after repeated release = %d, want 1", got)
	}
	h2.Release()
}

func TestConcurrentAcquireOpensOnce(t *testing.T) {
	r := newReader(t)
	r.OpenGate = make(chan struct{})
	c := cache.New(r, cache.WithIdleTTL(time.Hour))

	const n = 16
	var wg sync.WaitGroup
	handles := make([]*cache.Handle, n)
	errs := make([]error, n)
	for i := range n {
		wg.Add(1)
		go func() {
			defer wg.Done()
			handles[i], errs[i] = c.Acquire(context.Background(), "data.nc")
		}()
	}

	// One gate release frees the single goroutine that is actually parsing;
	// everyone else must be waiting on the shared entry.
	r.OpenGate <- struct{}{}
	wg.Wait()

	for i := range n {
		if errs[i] != nil {
			t.Fatalf("Acquire[%d]: %v", i, errs[i])
		}
	}
	if got := r.Opens(); got != 1 {
		t.Errorf("Opens = %d, want 1", got)
	}
	if got := c.Refs("data.nc"); got != n {
		t.Errorf("Refs = %d, want %d", got, n)
	}
	for _, h := range handles {
		h.Release()
	}
	if got := c.Refs("data.nc"); got != 0 {
		t.Errorf("Refs after release = %d, want 0", got)
	}
}

func TestFailedOpenNotCached(t *testing.T) {
	r := newReader(t)
	parseErr := errors.New("corrupt header")
	r.OpenErr["data.nc"] = parseErr
	c := cache.New(r, cache.WithIdleTTL(time.Hour))

	_, err := c.Acquire(context.Background(), "data.nc")
	var rpcErr *exdrpc.Error
	if !errors.As(err, &rpcErr) || rpcErr.Code != exdrpc.CodeParseError {
		t.Fatalf("err = %v, want PARSE_ERROR", err)
	}
	if got := c.Len(); got != 0 {
		t.Fatalf("Len after failed open = %d, want 0", got)
	}

	// The next acquisition retries the open instead of replaying the failure
	delete(r.OpenErr, "data.nc")
	h, err := c.Acquire(context.Background(), "data.nc")
	if err != nil {
		t.Fatalf("Acquire after clearing error: %v", err)
	}
	defer h.Release()
	if got := r.Opens(); got != 2 {
		t.Errorf("Opens = %d, want 2", got)
	}
}

func TestMissingFileIsNotFound(t *testing.T) {
	c := cache.New(newReader(t))

	_, err := c.Acquire(context.Background(), "absent.nc")
	var rpcErr *exdrpc.Error
	if !errors.As(err, &rpcErr) || rpcErr.Code != exdrpc.CodeNotFound {
		t.Fatalf("err = %v, want NOT_FOUND", err)
	}
	if rpcErr.Entity != "absent.nc" {
		t.Errorf("Entity = %q, want absent.nc", rpcErr.Entity)
	}
}

func TestWaiterSharesOpenError(t *testing.T) {
	r := newReader(t)
	r.OpenGate = make(chan struct{})
	r.OpenErr["data.nc"] = errors.New("bad magic")
	c := cache.New(r)

	var wg sync.WaitGroup
	errs := make([]error, 4)
	wg.Add(1)
	go func() {
		defer wg.Done()
		_, errs[0] = c.Acquire(context.Background(), "data.nc")
	}()

	// Let the creator park inside Open before the waiters join, so every
	// waiter attaches to the in-flight entry rather than starting its own.
	time.Sleep(20 * time.Millisecond)
	for i := 1; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = c.Acquire(context.Background(), "data.nc")
		}()
	}
	time.Sleep(20 * time.Millisecond)
	r.OpenGate <- struct{}{}
	wg.Wait()

	for i, err := range errs {
		var rpcErr *exdrpc.Error
		if !errors.As(err, &rpcErr) || rpcErr.Code != exdrpc.CodeParseError {
			t.Errorf("err[%d] = %v, want PARSE_ERROR", i, err)
		}
	}
	if got := r.Opens(); got != 1 {
		t.Errorf("Opens = %d, want 1", got)
	}
}

func TestAcquireCancelledWhileWaiting(t *testing.T) {
	r := newReader(t)
	r.OpenGate = make(chan struct{})
	c := cache.New(r, cache.WithIdleTTL(time.Hour))

	started := make(chan struct{})
	creatorDone := make(chan struct{})
	go func() {
		close(started)
		h, err := c.Acquire(context.Background(), "data.nc")
		if err == nil {
			h.Release()
		}
		close(creatorDone)
	}()
	<-started

	// Second caller joins the in-flight open, then gives up.
	ctx, cancel := context.WithCancel(context.Background())
	waiterDone := make(chan error, 1)
	go func() {
		_, err := c.Acquire(ctx, "data.nc")
		waiterDone <- err
	}()

	// Let the waiter reach the select before cancelling. The gate keeps the
	// creator parked inside Open the whole time.
	time.Sleep(20 * time.Millisecond)
	cancel()
	if err := <-waiterDone; !errors.Is(err, context.Canceled) {
		t.Fatalf("waiter err = %v, want context.Canceled", err)
	}

	r.OpenGate <- struct{}{}
	<-creatorDone

	// The waiter's reference must not linger
	if got := c.Refs("data.nc"); got != 0 {
		t.Errorf("Refs = %d, want 0", got)
	}
}

func TestSweepEvictsIdleEntries(t *testing.T) {
	clock := time.Now()
	now := func() time.Time { return clock }

	r := newReader(t)
	c := cache.New(r,
		cache.WithIdleTTL(time.Minute),
		cache.WithClock(func() time.Time { return now() }))

	h, err := c.Acquire(context.Background(), "data.nc")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	h.Release()
	if got := c.Len(); got != 1 {
		t.Fatalf("Len after release = %d, want 1 (idle TTL holds it)", got)
	}

	// Still within the TTL
	clock = clock.Add(30 * time.Second)
	c.Sweep()
	if got := c.Len(); got != 1 {
		t.Errorf("Len after early sweep = %d, want 1", got)
	}

	clock = clock.Add(2 * time.Minute)
	c.Sweep()
	if got := c.Len(); got != 0 {
		t.Errorf("Len after late sweep = %d, want 0", got)
	}

	// A fresh acquisition re-opens the file
	h, err = c.Acquire(context.Background(), "data.nc")
	if err != nil {
		t.Fatalf("Acquire after sweep: %v", err)
	}
	h.Release()
	if got := r.Opens(); got != 2 {
		t.Errorf("Opens = %d, want 2", got)
	}
}

func TestSweepSkipsReferencedEntries(t *testing.T) {
	clock := time.Now()
	c := cache.New(newReader(t),
		cache.WithIdleTTL(time.Minute),
		cache.WithClock(func() time.Time { return clock }))

	h, err := c.Acquire(context.Background(), "data.nc")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer h.Release()

	clock = clock.Add(time.Hour)
	c.Sweep()
	if got := c.Len(); got != 1 {
		t.Errorf("Len = %d, want 1 (referenced entries survive sweeps)", got)
	}
}

func TestHandleReadRange(t *testing.T) {
	c := cache.New(newReader(t))
	h, err := c.Acquire(context.Background(), "data.nc")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer h.Release()

	got, err := h.ReadRange(context.Background(), 0, 1, 2)
	if err != nil {
		t.Fatalf("ReadRange: %v", err)
	}
	vals, ok := got.([]float64)
	if !ok || len(vals) != 2 || vals[0] != 2 || vals[1] != 3 {
		t.Errorf("ReadRange = %v, want [2 3]", got)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := h.ReadRange(ctx, 0, 0, 1); !errors.Is(err, context.Canceled) {
		t.Errorf("ReadRange on cancelled ctx = %v, want context.Canceled", err)
	}
}

func TestStructureMemoized(t *testing.T) {
	c := cache.New(newReader(t), cache.WithIdleTTL(time.Hour))
	h1, err := c.Acquire(context.Background(), "data.nc")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer h1.Release()

	builds := 0
	build := func(f exd.File) ([]exd.LogicalGroup, []string, error) {
		builds++
		groups, warnings := resolve.Groups(f)
		return groups, warnings, nil
	}

	groups, _, err := h1.Structure(build)
	if err != nil {
		t.Fatalf("Structure: %v", err)
	}
	if len(groups) != 1 || groups[0].Name != "Analog" {
		t.Fatalf("groups = %+v, want one Analog group", groups)
	}

	// A second handle on the same entry reuses the memoized structure
	h2, err := c.Acquire(context.Background(), "data.nc")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	defer h2.Release()
	if _, _, err := h2.Structure(build); err != nil {
		t.Fatalf("Structure: %v", err)
	}
	if builds != 1 {
		t.Errorf("builds = %d, want 1", builds)
	}
}

func TestCloseEvictsEverything(t *testing.T) {
	c := cache.New(newReader(t), cache.WithIdleTTL(time.Hour))
	h, err := c.Acquire(context.Background(), "data.nc")
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	_ = h

	c.Close()
	if got := c.Len(); got != 0 {
		t.Errorf("Len after Close = %d, want 0", got)
	}
}
