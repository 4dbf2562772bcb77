package volume

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"evelogi/internal/esi"
)

type memStore struct {
	mu      sync.Mutex
	rows    map[[2]int32]Record
	saves   int
	saveErr error
}

func newMemStore() *memStore {
	return &memStore{rows: make(map[[2]int32]Record)}
}

func (m *memStore) GetVolumeRecords(_ context.Context, regionID int32, typeIDs []int32) (map[int32]Record, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[int32]Record)
	for _, id := range typeIDs {
		if r, ok := m.rows[[2]int32{id, regionID}]; ok {
			out[id] = r
		}
	}
	return out, nil
}

func (m *memStore) SaveVolumeRecords(_ context.Context, records []Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	if m.saveErr != nil {
		return m.saveErr
	}
	for _, r := range records {
		m.rows[[2]int32{r.TypeID, r.RegionID}] = r
	}
	return nil
}

func (m *memStore) put(r Record) {
	m.rows[[2]int32{r.TypeID, r.RegionID}] = r
}

type stubHistory struct {
	calls   atomic.Int32
	entries map[int32][]esi.HistoryEntry
	errs    map[int32]error
}

func (s *stubHistory) FetchHistory(_ context.Context, _, typeID int32) ([]esi.HistoryEntry, error) {
	s.calls.Add(1)
	if err := s.errs[typeID]; err != nil {
		return nil, err
	}
	return s.entries[typeID], nil
}

var today = time.Date(2026, 10, 15, 9, 30, 0, 0, time.UTC)

func newTestCache(store Store, h HistoryFetcher) *Cache {
	c := NewCache(store, h, Options{RefreshDays: 7, Workers: 4})
	c.Now = func() time.Time { return today }
	return c
}

func day(offset int) string {
	return today.AddDate(0, 0, -offset).Format(esi.HistoryDateLayout)
}

func TestMonthlyVolume_WindowIsInclusive(t *testing.T) {
	entries := []esi.HistoryEntry{
		{Date: day(0), Volume: 1},
		{Date: day(30), Volume: 10},
		{Date: day(31), Volume: 100},
		{Date: day(-1), Volume: 1000},
		{Date: "garbage", Volume: 10000},
	}
	assert.Equal(t, int64(11), MonthlyVolume(entries, today))
}

func TestGetVolumes_KeySetEqualsInput(t *testing.T) {
	store := newMemStore()
	store.put(Record{TypeID: 1, RegionID: 10, Volume: 50, UpdatedAt: Day(today)})
	h := &stubHistory{
		entries: map[int32][]esi.HistoryEntry{2: {{Date: day(1), Volume: 5}}},
		errs:    map[int32]error{3: esi.ErrUpstream, 4: esi.ErrNotFound},
	}
	c := newTestCache(store, h)

	input := []int32{1, 2, 3, 4, 2, 1}
	vols, rep := c.GetVolumes(context.Background(), input, 10)

	require.Len(t, vols, 4)
	for _, id := range input {
		assert.Contains(t, vols, id)
	}
	assert.Equal(t, 4, rep.Requested)
	assert.Equal(t, 1, rep.Hits)
	assert.Equal(t, 3, rep.New)
	assert.Equal(t, 3, rep.Fetched())
	assert.Equal(t, 1, rep.Failed)
	assert.Equal(t, 1, rep.NotFound)
	assert.Equal(t, 1, store.saves, "one batch write")
}

func TestGetVolumes_SecondCallIsCacheHit(t *testing.T) {
	store := newMemStore()
	h := &stubHistory{entries: map[int32][]esi.HistoryEntry{
		34: {{Date: day(2), Volume: 1000}, {Date: day(3), Volume: 2000}},
		35: {{Date: day(2), Volume: 7}},
	}}
	c := newTestCache(store, h)
	ctx := context.Background()

	first, _ := c.GetVolumes(ctx, []int32{34, 35}, 10000002)
	require.Equal(t, int32(2), h.calls.Load())

	second, rep := c.GetVolumes(ctx, []int32{34, 35}, 10000002)
	assert.Equal(t, first, second)
	assert.Equal(t, int32(2), h.calls.Load(), "no upstream calls on the second pass")
	assert.Equal(t, 2, rep.Hits)
	assert.Equal(t, int64(3000), second[34])
}

func TestGetVolumes_StalenessBoundary(t *testing.T) {
	store := newMemStore()
	store.put(Record{TypeID: 1, RegionID: 10, Volume: 11, UpdatedAt: today.AddDate(0, 0, -7)}) // exactly the interval
	store.put(Record{TypeID: 2, RegionID: 10, Volume: 22, UpdatedAt: today.AddDate(0, 0, -8)}) // older
	store.put(Record{TypeID: 3, RegionID: 10, Volume: 33, UpdatedAt: today.AddDate(0, 0, -1)}) // younger
	h := &stubHistory{entries: map[int32][]esi.HistoryEntry{2: {{Date: day(0), Volume: 99}}}}
	c := newTestCache(store, h)

	vols, rep := c.GetVolumes(context.Background(), []int32{1, 2, 3}, 10)
	assert.Equal(t, int32(1), h.calls.Load())
	assert.Equal(t, 1, rep.Stale)
	assert.Equal(t, 1, rep.Fetched())
	assert.Equal(t, 2, rep.Hits)
	assert.Equal(t, int64(11), vols[1])
	assert.Equal(t, int64(99), vols[2])
	assert.Equal(t, int64(33), vols[3])
	assert.Equal(t, Day(today), store.rows[[2]int32{2, 10}].UpdatedAt)
}

func TestGetVolumes_SentinelIsRefetchedAndDistinctFromZero(t *testing.T) {
	store := newMemStore()
	store.put(Record{TypeID: 1, RegionID: 10, Volume: Failed, UpdatedAt: Day(today)})
	store.put(Record{TypeID: 2, RegionID: 10, Volume: 0, UpdatedAt: Day(today)})
	h := &stubHistory{errs: map[int32]error{1: errors.New("still broken")}}
	c := newTestCache(store, h)

	vols, rep := c.GetVolumes(context.Background(), []int32{1, 2}, 10)
	assert.Equal(t, int32(1), h.calls.Load(), "fresh zero is a hit, sentinel is retried")
	assert.Equal(t, Failed, vols[1])
	assert.Equal(t, int64(0), vols[2])
	assert.NotEqual(t, vols[1], vols[2])
	assert.Equal(t, 1, rep.Failed)
	assert.Equal(t, 1, rep.Hits)
}

func TestGetVolumes_NotFoundStoresZeroAndHitsNextTime(t *testing.T) {
	store := newMemStore()
	h := &stubHistory{errs: map[int32]error{99: esi.ErrNotFound}}
	c := newTestCache(store, h)
	ctx := context.Background()

	vols, rep := c.GetVolumes(ctx, []int32{99}, 10000002)
	assert.Equal(t, int64(0), vols[99])
	assert.Equal(t, 1, rep.NotFound)
	assert.Zero(t, rep.Failed)
	assert.Equal(t, int64(0), store.rows[[2]int32{99, 10000002}].Volume)

	_, rep = c.GetVolumes(ctx, []int32{99}, 10000002)
	assert.Equal(t, int32(1), h.calls.Load())
	assert.Equal(t, 1, rep.Hits)
}

func TestGetVolumes_SaveFailureStillReturnsValues(t *testing.T) {
	store := newMemStore()
	store.saveErr = errors.New("disk full")
	h := &stubHistory{entries: map[int32][]esi.HistoryEntry{5: {{Date: day(1), Volume: 42}}}}
	c := newTestCache(store, h)

	vols, _ := c.GetVolumes(context.Background(), []int32{5}, 10)
	assert.Equal(t, int64(42), vols[5])
}

func TestGetVolumes_EmptyInput(t *testing.T) {
	store := newMemStore()
	c := newTestCache(store, &stubHistory{})
	vols, rep := c.GetVolumes(context.Background(), nil, 10)
	assert.Empty(t, vols)
	assert.Zero(t, rep.Requested)
	assert.Zero(t, store.saves)
}
