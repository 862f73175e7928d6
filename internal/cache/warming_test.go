package cache

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kjstillabower/weather-proxy-service/internal/models"
)

type mockFetcher struct {
	mu      sync.Mutex
	calls   []string
	failFor map[string]error

	active, maxActive atomic.Int32
}

func (m *mockFetcher) LookupOne(ctx context.Context, city string) (models.WeatherRecord, error) {
	n := m.active.Add(1)
	defer m.active.Add(-1)
	for {
		cur := m.maxActive.Load()
		if n <= cur || m.maxActive.CompareAndSwap(cur, n) {
			break
		}
	}
	time.Sleep(5 * time.Millisecond)

	m.mu.Lock()
	m.calls = append(m.calls, city)
	m.mu.Unlock()
	if err := m.failFor[city]; err != nil {
		return models.WeatherRecord{}, err
	}
	return models.WeatherRecord{City: city}, nil
}

func TestWarmer_Warm_Success(t *testing.T) {
	fetcher := &mockFetcher{}
	warmer := NewWarmer(fetcher, 0, nil)

	if err := warmer.Warm(context.Background(), []string{"Madrid", "Paris"}); err != nil {
		t.Fatalf("Warm() error = %v, want nil", err)
	}
	if len(fetcher.calls) != 2 {
		t.Errorf("lookups = %d, want 2", len(fetcher.calls))
	}
}

func TestWarmer_Warm_EmptyCities(t *testing.T) {
	fetcher := &mockFetcher{}
	warmer := NewWarmer(fetcher, 0, nil)

	if err := warmer.Warm(context.Background(), nil); err != nil {
		t.Fatalf("Warm(nil) error = %v, want nil", err)
	}
	if len(fetcher.calls) != 0 {
		t.Errorf("lookups = %d, want 0", len(fetcher.calls))
	}
}

func TestWarmer_Warm_PartialFailure(t *testing.T) {
	fetcher := &mockFetcher{failFor: map[string]error{"Atlantis": errors.New("city not found")}}
	warmer := NewWarmer(fetcher, 0, nil)

	err := warmer.Warm(context.Background(), []string{"Madrid", "Atlantis"})
	if err == nil {
		t.Fatal("Warm() error = nil, want non-nil")
	}
	if !strings.Contains(err.Error(), "warm Atlantis") {
		t.Errorf("Warm() error = %q, want mention of Atlantis", err)
	}
	if strings.Contains(err.Error(), "Madrid") {
		t.Errorf("Warm() error = %q, should not mention successful city", err)
	}
}

func TestWarmer_Warm_RespectsLimit(t *testing.T) {
	fetcher := &mockFetcher{}
	warmer := NewWarmer(fetcher, 2, nil)

	cities := []string{"Madrid", "Paris", "Rome", "Berlin", "Lisbon", "Oslo"}
	if err := warmer.Warm(context.Background(), cities); err != nil {
		t.Fatalf("Warm() error = %v", err)
	}
	if len(fetcher.calls) != len(cities) {
		t.Errorf("lookups = %d, want %d", len(fetcher.calls), len(cities))
	}
	if got := fetcher.maxActive.Load(); got > 2 {
		t.Errorf("max concurrent lookups = %d, want <= 2", got)
	}
}

func TestWarmer_Warm_CancelledContextSkipsCities(t *testing.T) {
	fetcher := &mockFetcher{}
	warmer := NewWarmer(fetcher, 0, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := warmer.Warm(ctx, []string{"Madrid", "Paris"})
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("Warm() error = %v, want context.Canceled", err)
	}
	if len(fetcher.calls) != 0 {
		t.Errorf("lookups = %d, want 0 after cancellation", len(fetcher.calls))
	}
}
