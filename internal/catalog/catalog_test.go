package catalog

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"aigroup/internal/models"
)

func TestModelsCachesUntilTTL(t *testing.T) {
	var calls atomic.Int32
	c := New(func(context.Context, string) ([]models.Model, error) {
		calls.Add(1)
		return []models.Model{{ID: "gpt-4o"}}, nil
	}, time.Minute)

	now := time.Unix(1_700_000_000, 0)
	c.now = func() time.Time { return now }

	for range 3 {
		if _, err := c.Models(context.Background(), "openai"); err != nil {
			t.Fatalf("models: %v", err)
		}
	}
	if calls.Load() != 1 {
		t.Fatalf("expected 1 fetch, got %d", calls.Load())
	}

	now = now.Add(time.Minute)
	if _, err := c.Models(context.Background(), "openai"); err != nil {
		t.Fatalf("models: %v", err)
	}
	if calls.Load() != 2 {
		t.Fatalf("stale entry should reload, got %d fetches", calls.Load())
	}
}

func TestEmptyListIsReloaded(t *testing.T) {
	var calls atomic.Int32
	c := New(func(context.Context, string) ([]models.Model, error) {
		calls.Add(1)
		return nil, nil
	}, time.Hour)

	_, _ = c.Models(context.Background(), "google")
	_, _ = c.Models(context.Background(), "google")
	if calls.Load() != 2 {
		t.Fatalf("empty entry should reload, got %d fetches", calls.Load())
	}
}

func TestInvalidateForcesReload(t *testing.T) {
	var calls atomic.Int32
	c := New(func(context.Context, string) ([]models.Model, error) {
		calls.Add(1)
		return []models.Model{{ID: "glm-4"}}, nil
	}, time.Hour)

	_, _ = c.Models(context.Background(), "zhipu")
	_, _ = c.Models(context.Background(), "zhipu")
	c.Invalidate("zhipu")
	c.Invalidate("unknown")
	_, _ = c.Models(context.Background(), "zhipu")
	if calls.Load() != 2 {
		t.Fatalf("expected one reload after invalidation, got %d fetches", calls.Load())
	}
}

func TestConcurrentReloadsShareOneFetch(t *testing.T) {
	release := make(chan struct{})
	var calls atomic.Int32
	c := New(func(context.Context, string) ([]models.Model, error) {
		calls.Add(1)
		<-release
		return []models.Model{{ID: "claude-3-5-sonnet"}}, nil
	}, time.Hour)

	var wg sync.WaitGroup
	for range 8 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := c.Models(context.Background(), "anthropic"); err != nil {
				t.Errorf("models: %v", err)
			}
		}()
	}
	time.Sleep(20 * time.Millisecond)
	close(release)
	wg.Wait()

	if calls.Load() != 1 {
		t.Fatalf("expected a single fetch, got %d", calls.Load())
	}
}

func TestRefreshKeepsPreviousEntryOnFailure(t *testing.T) {
	fail := false
	c := New(func(context.Context, string) ([]models.Model, error) {
		if fail {
			return nil, errors.New("upstream down")
		}
		return []models.Model{{ID: "ernie-4.0-8k"}}, nil
	}, time.Hour)

	c.Refresh(context.Background(), []string{"baidu"})
	fail = true
	c.Refresh(context.Background(), []string{"baidu"})

	list, err := c.Models(context.Background(), "baidu")
	if err != nil || len(list) != 1 {
		t.Fatalf("expected cached entry to survive, got %v %v", list, err)
	}
}

func TestScheduleRejectsBadSpec(t *testing.T) {
	c := New(func(context.Context, string) ([]models.Model, error) { return nil, nil }, time.Hour)
	if _, err := c.Schedule(context.Background(), "not a spec", func() []string { return nil }); err == nil {
		t.Fatal("expected an error for an invalid cron spec")
	}
}
