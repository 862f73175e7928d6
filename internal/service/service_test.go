package service

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/kjstillabower/weather-proxy-service/internal/cache"
	"github.com/kjstillabower/weather-proxy-service/internal/client"
	"github.com/kjstillabower/weather-proxy-service/internal/models"
	"github.com/kjstillabower/weather-proxy-service/internal/store"
)

// mockWeatherClient returns a record named after the requested city, or the
// error configured for it. block, when set, is waited on before responding.
type mockWeatherClient struct {
	mu      sync.Mutex
	calls   []string
	errs    map[string]error
	block   chan struct{}
	started chan string
}

func (m *mockWeatherClient) Fetch(ctx context.Context, city string) (models.WeatherRecord, error) {
	m.mu.Lock()
	m.calls = append(m.calls, city)
	m.mu.Unlock()
	if m.started != nil {
		m.started <- city
	}
	if m.block != nil {
		<-m.block
	}
	if err := ctx.Err(); err != nil {
		return models.WeatherRecord{}, err
	}
	if err := m.errs[city]; err != nil {
		return models.WeatherRecord{}, err
	}
	return models.WeatherRecord{City: city, Temperature: 20, Timestamp: 1}, nil
}

func (m *mockWeatherClient) callCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}

type mockCache struct {
	mu   sync.Mutex
	data map[string]models.WeatherRecord
	sets int
}

func newMockCache() *mockCache {
	return &mockCache{data: make(map[string]models.WeatherRecord)}
}

func (m *mockCache) Get(ctx context.Context, city string) (models.WeatherRecord, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rec, ok := m.data[cache.NormalizeKey(city)]
	return rec, ok
}

func (m *mockCache) Set(ctx context.Context, city string, rec models.WeatherRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sets++
	m.data[cache.NormalizeKey(city)] = rec
}

func notFoundErr(city string) error {
	return &client.LookupError{Kind: client.ErrNotFound, City: city}
}

func TestLookupOne_CacheHit(t *testing.T) {
	c := newMockCache()
	c.data["madrid"] = models.WeatherRecord{City: "Madrid", Temperature: 30}
	wc := &mockWeatherClient{}
	svc := NewWeatherService(wc, c, nil, false, 0)

	got, err := svc.LookupOne(context.Background(), "MADRID")
	if err != nil {
		t.Fatalf("LookupOne() error = %v", err)
	}
	if got.Temperature != 30 {
		t.Errorf("LookupOne() = %+v, want cached record", got)
	}
	if wc.callCount() != 0 {
		t.Errorf("upstream calls = %d, want 0 on hit", wc.callCount())
	}
}

// TestLookupOne_MissFetchesAndCaches verifies the upstream receives the caller's
// spelling and the result is cached under the normalized key.
func TestLookupOne_MissFetchesAndCaches(t *testing.T) {
	c := newMockCache()
	wc := &mockWeatherClient{}
	svc := NewWeatherService(wc, c, nil, false, 0)
	ctx := context.Background()

	if _, err := svc.LookupOne(ctx, "São Paulo"); err != nil {
		t.Fatalf("LookupOne() error = %v", err)
	}
	if wc.calls[0] != "São Paulo" {
		t.Errorf("upstream city = %q, want original spelling", wc.calls[0])
	}
	if _, ok := c.data["são paulo"]; !ok {
		t.Error("record should be cached under normalized key")
	}

	if _, err := svc.LookupOne(ctx, "são paulo"); err != nil {
		t.Fatalf("second LookupOne() error = %v", err)
	}
	if wc.callCount() != 1 {
		t.Errorf("upstream calls = %d, want 1", wc.callCount())
	}
}

func TestLookupOne_ErrorNotCached(t *testing.T) {
	c := newMockCache()
	wc := &mockWeatherClient{errs: map[string]error{"Atlantis": notFoundErr("Atlantis")}}
	svc := NewWeatherService(wc, c, nil, false, 0)

	_, err := svc.LookupOne(context.Background(), "Atlantis")
	if !errors.Is(err, client.ErrNotFound) {
		t.Fatalf("LookupOne() error = %v, want ErrNotFound", err)
	}
	if c.sets != 0 {
		t.Errorf("cache sets = %d, want 0 after failure", c.sets)
	}
	_, _ = svc.LookupOne(context.Background(), "Atlantis")
	if wc.callCount() != 2 {
		t.Errorf("upstream calls = %d, want 2 (failures are retried)", wc.callCount())
	}
}

func TestLookupOne_IgnoresCallerCancellation(t *testing.T) {
	svc := NewWeatherService(&mockWeatherClient{}, newMockCache(), nil, false, 0)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	if _, err := svc.LookupOne(ctx, "Madrid"); err != nil {
		t.Errorf("LookupOne() with cancelled ctx error = %v, want nil", err)
	}
}

func TestLookupMany_MixedResults(t *testing.T) {
	wc := &mockWeatherClient{errs: map[string]error{"Atlantis": notFoundErr("Atlantis")}}
	svc := NewWeatherService(wc, newMockCache(), nil, false, 0)

	got := svc.LookupMany(context.Background(), []string{"Madrid", "Atlantis", "Paris"})
	if len(got) != 3 {
		t.Fatalf("results = %d, want 3", len(got))
	}
	for _, city := range []string{"Madrid", "Paris"} {
		r := got[city]
		if r.Err != nil || r.Record.City != city {
			t.Errorf("result[%s] = %+v, want success", city, r)
		}
	}
	if r := got["Atlantis"]; r.Err == nil || r.Err.Error() != `city "Atlantis" not found` {
		t.Errorf("result[Atlantis].Err = %v, want not found", r.Err)
	}
}

func TestLookupMany_DuplicatesLookedUpOnce(t *testing.T) {
	wc := &mockWeatherClient{}
	svc := NewWeatherService(wc, newMockCache(), nil, false, 0)

	got := svc.LookupMany(context.Background(), []string{"Paris", "Paris"})
	if len(got) != 1 {
		t.Errorf("results = %d, want 1", len(got))
	}
	if wc.callCount() != 1 {
		t.Errorf("upstream calls = %d, want 1", wc.callCount())
	}
}

// TestLookupMany_RunsConcurrently holds every upstream call open until all
// cities have started; a sequential implementation would never release.
func TestLookupMany_RunsConcurrently(t *testing.T) {
	cities := []string{"A", "B", "C", "D", "E"}
	wc := &mockWeatherClient{block: make(chan struct{}), started: make(chan string, len(cities))}
	svc := NewWeatherService(wc, newMockCache(), nil, false, 0)

	done := make(chan map[string]models.LookupResult, 1)
	go func() { done <- svc.LookupMany(context.Background(), cities) }()

	for range cities {
		select {
		case <-wc.started:
		case <-time.After(2 * time.Second):
			close(wc.block)
			t.Fatal("lookups did not start concurrently")
		}
	}
	close(wc.block)

	got := <-done
	for _, c := range cities {
		if got[c].Err != nil {
			t.Errorf("result[%s].Err = %v", c, got[c].Err)
		}
	}
}

func TestLookupMany_ConcurrencyLimit(t *testing.T) {
	var inFlight, peak atomic.Int32
	wc := &countingClient{inFlight: &inFlight, peak: &peak}
	svc := NewWeatherService(wc, newMockCache(), nil, false, 2)

	cities := make([]string, 6)
	for i := range cities {
		cities[i] = fmt.Sprintf("city-%d", i)
	}
	got := svc.LookupMany(context.Background(), cities)
	if len(got) != 6 {
		t.Fatalf("results = %d, want 6", len(got))
	}
	if p := peak.Load(); p > 2 {
		t.Errorf("peak concurrency = %d, want <= 2", p)
	}
}

type countingClient struct {
	inFlight, peak *atomic.Int32
}

func (c *countingClient) Fetch(ctx context.Context, city string) (models.WeatherRecord, error) {
	n := c.inFlight.Add(1)
	defer c.inFlight.Add(-1)
	for {
		p := c.peak.Load()
		if n <= p || c.peak.CompareAndSwap(p, n) {
			break
		}
	}
	time.Sleep(10 * time.Millisecond)
	return models.WeatherRecord{City: city}, nil
}

func TestLookupOne_Coalescing(t *testing.T) {
	wc := &mockWeatherClient{block: make(chan struct{})}
	svc := NewWeatherService(wc, newMockCache(), nil, true, 0)

	var wg sync.WaitGroup
	errs := make(chan error, 5)
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := svc.LookupOne(context.Background(), "Paris")
			errs <- err
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(wc.block)
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Errorf("LookupOne() error = %v", err)
		}
	}
	if wc.callCount() != 1 {
		t.Errorf("upstream calls = %d, want 1 with coalescing", wc.callCount())
	}
}

// sequenceClient numbers each fetch in Temperature so a test can tell a cached
// record from a fresh one.
type sequenceClient struct {
	calls atomic.Int32
}

func (c *sequenceClient) Fetch(ctx context.Context, city string) (models.WeatherRecord, error) {
	n := c.calls.Add(1)
	return models.WeatherRecord{City: city, Temperature: int(n), Timestamp: int64(n)}, nil
}

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func TestLookupOne_StaleEntryRefetched(t *testing.T) {
	dsn := "file:service_stale?mode=memory&cache=shared"
	st, err := store.Open(store.DriverSQLite, dsn, nil)
	if err != nil {
		t.Fatalf("store.Open() error = %v", err)
	}
	t.Cleanup(func() { _ = st.Close() })

	const ttl = 10 * time.Minute
	clock := &testClock{t: time.UnixMilli(1_700_000_000_000)}
	orch := cache.NewOrchestrator(nil, st, ttl, nil, cache.WithClock(clock.Now))
	wc := &sequenceClient{}
	svc := NewWeatherService(wc, orch, nil, false, 0)
	ctx := context.Background()

	first, err := svc.LookupOne(ctx, "Madrid")
	if err != nil {
		t.Fatalf("LookupOne() error = %v", err)
	}
	clock.Advance(ttl - time.Millisecond)
	cached, _ := svc.LookupOne(ctx, " MADRID ")
	if wc.calls.Load() != 1 || cached.Temperature != first.Temperature {
		t.Fatalf("calls = %d, record %+v, want cached first record", wc.calls.Load(), cached)
	}

	clock.Advance(time.Millisecond)
	fresh, err := svc.LookupOne(ctx, "madrid")
	if err != nil {
		t.Fatalf("LookupOne() after TTL error = %v", err)
	}
	if wc.calls.Load() != 2 {
		t.Errorf("upstream calls = %d, want 2 once the entry reaches the TTL", wc.calls.Load())
	}
	if fresh.Temperature == first.Temperature {
		t.Errorf("stale record returned after TTL: %+v", fresh)
	}

	again, _ := svc.LookupOne(ctx, "Madrid")
	if wc.calls.Load() != 2 || again.Temperature != fresh.Temperature {
		t.Errorf("calls = %d, record %+v, want refreshed entry served from cache", wc.calls.Load(), again)
	}
}
