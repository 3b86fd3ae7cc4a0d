package idempotency

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func okResponse(body string) Response {
	return Response{StatusCode: 200, ContentType: "application/json", Body: []byte(body)}
}

func TestDoReplaysCompletedResponse(t *testing.T) {
	layer := NewLayer(NewMemoryStore(), DefaultConfig(), nil)
	var calls int32
	fn := func(context.Context) (Response, error) {
		atomic.AddInt32(&calls, 1)
		return okResponse(`{"status":"APPROVED"}`), nil
	}

	first, replayed, err := layer.Do(context.Background(), "k", "fp", fn)
	if err != nil || replayed {
		t.Fatalf("first call: replayed=%v err=%v", replayed, err)
	}
	second, replayed, err := layer.Do(context.Background(), "k", "fp", fn)
	if err != nil || !replayed {
		t.Fatalf("second call: replayed=%v err=%v", replayed, err)
	}
	if string(second.Body) != string(first.Body) || second.StatusCode != first.StatusCode {
		t.Fatalf("replayed response differs: %+v vs %+v", second, first)
	}
	if calls != 1 {
		t.Fatalf("handler ran %d times", calls)
	}
}

func TestDoRejectsReusedKey(t *testing.T) {
	layer := NewLayer(NewMemoryStore(), DefaultConfig(), nil)
	fn := func(context.Context) (Response, error) { return okResponse(`{}`), nil }

	if _, _, err := layer.Do(context.Background(), "k", "fp-1", fn); err != nil {
		t.Fatalf("first call: %v", err)
	}
	if _, _, err := layer.Do(context.Background(), "k", "fp-2", fn); !errors.Is(err, ErrKeyReused) {
		t.Fatalf("expected ErrKeyReused, got %v", err)
	}
}

func TestDoReleasesKeyOnServerError(t *testing.T) {
	layer := NewLayer(NewMemoryStore(), DefaultConfig(), nil)
	var calls int32
	failing := func(context.Context) (Response, error) {
		atomic.AddInt32(&calls, 1)
		return Response{StatusCode: 503}, nil
	}
	if resp, _, err := layer.Do(context.Background(), "k", "fp", failing); err != nil || resp.StatusCode != 503 {
		t.Fatalf("expected 503 passthrough, got %+v %v", resp, err)
	}

	boom := errors.New("boom")
	erroring := func(context.Context) (Response, error) {
		atomic.AddInt32(&calls, 1)
		return Response{}, boom
	}
	if _, _, err := layer.Do(context.Background(), "k", "fp", erroring); !errors.Is(err, boom) {
		t.Fatalf("expected handler error, got %v", err)
	}

	if _, replayed, err := layer.Do(context.Background(), "k", "fp", func(context.Context) (Response, error) {
		atomic.AddInt32(&calls, 1)
		return okResponse(`{}`), nil
	}); err != nil || replayed {
		t.Fatalf("retry after failure: replayed=%v err=%v", replayed, err)
	}
	if calls != 3 {
		t.Fatalf("expected every failed attempt to free the key, handler ran %d times", calls)
	}
}

func TestDoConcurrentDuplicatesWaitForFirstResult(t *testing.T) {
	cfg := DefaultConfig()
	cfg.PollInterval = 5 * time.Millisecond
	layer := NewLayer(NewMemoryStore(), cfg, nil)

	var calls int32
	release := make(chan struct{})
	fn := func(context.Context) (Response, error) {
		atomic.AddInt32(&calls, 1)
		<-release
		return okResponse(`{"id":"tx-1"}`), nil
	}

	const workers = 8
	var wg sync.WaitGroup
	bodies := make([]string, workers)
	errs := make([]error, workers)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			resp, _, err := layer.Do(context.Background(), "dup", "fp", fn)
			bodies[i], errs[i] = string(resp.Body), err
		}(i)
	}
	time.Sleep(30 * time.Millisecond)
	close(release)
	wg.Wait()

	for i := 0; i < workers; i++ {
		if errs[i] != nil {
			t.Fatalf("worker %d: %v", i, errs[i])
		}
		if bodies[i] != `{"id":"tx-1"}` {
			t.Fatalf("worker %d saw %q", i, bodies[i])
		}
	}
	if calls != 1 {
		t.Fatalf("handler ran %d times", calls)
	}
}

func TestDoGivesUpAfterWaitTimeout(t *testing.T) {
	cfg := DefaultConfig()
	cfg.WaitTimeout = 30 * time.Millisecond
	cfg.PollInterval = 5 * time.Millisecond
	store := NewMemoryStore()
	layer := NewLayer(store, cfg, nil)

	if _, reserved, err := store.Reserve(context.Background(), "slow", "fp", time.Minute); err != nil || !reserved {
		t.Fatalf("prime reservation: reserved=%v err=%v", reserved, err)
	}
	_, _, err := layer.Do(context.Background(), "slow", "fp", func(context.Context) (Response, error) {
		t.Fatalf("handler must not run while the key is held")
		return Response{}, nil
	})
	if !errors.Is(err, ErrInFlight) {
		t.Fatalf("expected ErrInFlight, got %v", err)
	}
}

func TestMemoryStoreExpiresEntries(t *testing.T) {
	now := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	store := NewMemoryStore()
	store.nowFn = func() time.Time { return now }

	if _, reserved, _ := store.Reserve(context.Background(), "k", "fp", time.Second); !reserved {
		t.Fatalf("expected reservation")
	}
	now = now.Add(2 * time.Second)
	if _, found, _ := store.Get(context.Background(), "k"); found {
		t.Fatalf("expected expired entry to be gone")
	}
	if _, reserved, _ := store.Reserve(context.Background(), "k", "other", time.Second); !reserved {
		t.Fatalf("expected expired key to be reclaimable")
	}
}

func TestFingerprintSeparatesParts(t *testing.T) {
	if Fingerprint([]byte("ab"), []byte("c")) == Fingerprint([]byte("a"), []byte("bc")) {
		t.Fatalf("fingerprint must not collide across part boundaries")
	}
}

func TestDoReleasesKeyOnClientError(t *testing.T) {
	layer := NewLayer(NewMemoryStore(), DefaultConfig(), nil)
	var calls int32
	rejected := func(context.Context) (Response, error) {
		atomic.AddInt32(&calls, 1)
		return Response{StatusCode: 400, ContentType: "application/json", Body: []byte(`{"reason":"INSUFFICIENT_FUNDS"}`)}, nil
	}
	if resp, replayed, err := layer.Do(context.Background(), "k", "fp", rejected); err != nil || replayed || resp.StatusCode != 400 {
		t.Fatalf("expected 400 passthrough, got %+v replayed=%v err=%v", resp, replayed, err)
	}
	if _, found, err := layer.store.Get(context.Background(), "k"); err != nil || found {
		t.Fatalf("a 4xx must not leave a record behind: found=%v err=%v", found, err)
	}

	resp, replayed, err := layer.Do(context.Background(), "k", "fp", func(context.Context) (Response, error) {
		atomic.AddInt32(&calls, 1)
		return okResponse(`{"status":"APPROVED"}`), nil
	})
	if err != nil || replayed || resp.StatusCode != 200 {
		t.Fatalf("retry after 4xx: %+v replayed=%v err=%v", resp, replayed, err)
	}
	if calls != 2 {
		t.Fatalf("expected the retry to run the handler, ran %d times", calls)
	}
}
