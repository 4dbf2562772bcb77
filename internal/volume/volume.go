// Package volume keeps a persisted, time-limited cache of monthly traded volume
// per (type, region), refreshed from ESI market history.
package volume

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"evelogi/internal/esi"
	"evelogi/internal/logger"
)

// Failed marks a record whose last history fetch failed. It is never a real volume.
const Failed int64 = -1

// WindowDays is how many days back from today the monthly sum covers (inclusive).
const WindowDays = 30

// Volumes maps type id to monthly traded volume (or Failed).
type Volumes map[int32]int64

// Record is one persisted volume row.
type Record struct {
	TypeID    int32
	RegionID  int32
	Volume    int64
	UpdatedAt time.Time // calendar day, UTC
}

// Report counts what a GetVolumes call did.
type Report struct {
	Requested int `json:"requested"`
	Hits      int `json:"hits"`
	New       int `json:"new"`
	Stale     int `json:"stale"`
	Failed    int `json:"failed"`
	NotFound  int `json:"not_found"`
}

// Fetched is the number of items that went to ESI.
func (r Report) Fetched() int { return r.New + r.Stale }

// Store persists volume records.
type Store interface {
	GetVolumeRecords(ctx context.Context, regionID int32, typeIDs []int32) (map[int32]Record, error)
	SaveVolumeRecords(ctx context.Context, records []Record) error
}

// HistoryFetcher downloads daily history for one item.
type HistoryFetcher interface {
	FetchHistory(ctx context.Context, regionID, typeID int32) ([]esi.HistoryEntry, error)
}

// Options tunes a Cache.
type Options struct {
	RefreshDays int // records older than this many whole days are refetched
	Workers     int // concurrent history fetches
}

// Cache serves monthly volumes from the store and refreshes new or stale ones.
type Cache struct {
	store       Store
	fetcher     HistoryFetcher
	refreshDays int
	workers     int

	// Now is the clock; tests replace it.
	Now func() time.Time
}

// NewCache creates a volume cache.
func NewCache(store Store, fetcher HistoryFetcher, opts Options) *Cache {
	if opts.RefreshDays <= 0 {
		opts.RefreshDays = 7
	}
	if opts.Workers <= 0 {
		opts.Workers = 20
	}
	return &Cache{
		store:       store,
		fetcher:     fetcher,
		refreshDays: opts.RefreshDays,
		workers:     opts.Workers,
		Now:         time.Now,
	}
}

// Day truncates t to its UTC calendar day.
func Day(t time.Time) time.Time {
	y, m, d := t.UTC().Date()
	return time.Date(y, m, d, 0, 0, 0, 0, time.UTC)
}

// ageDays is the number of whole calendar days between then and today.
func ageDays(today, then time.Time) int {
	return int(Day(today).Sub(Day(then)).Hours() / 24)
}

// IsStale reports whether a record must be refetched.
func (c *Cache) IsStale(rec Record, today time.Time) bool {
	return rec.Volume == Failed || ageDays(today, rec.UpdatedAt) > c.refreshDays
}

// MonthlyVolume sums the volume of entries dated within WindowDays of today.
// Rows with an unparseable or future date are ignored.
func MonthlyVolume(entries []esi.HistoryEntry, today time.Time) int64 {
	var total int64
	for _, e := range entries {
		day, err := e.Day()
		if err != nil {
			continue
		}
		if age := ageDays(today, day); age >= 0 && age <= WindowDays {
			total += e.Volume
		}
	}
	return total
}

// GetVolumes returns a volume for every requested type id. Fresh records are
// served from the store; new and stale ones are fetched concurrently and written
// back in a single batch. A 404 stores 0, any other failure stores Failed.
func (c *Cache) GetVolumes(ctx context.Context, typeIDs []int32, regionID int32) (Volumes, Report) {
	today := Day(c.Now())

	seen := make(map[int32]bool, len(typeIDs))
	ids := make([]int32, 0, len(typeIDs))
	for _, id := range typeIDs {
		if !seen[id] {
			seen[id] = true
			ids = append(ids, id)
		}
	}

	out := make(Volumes, len(ids))
	rep := Report{Requested: len(ids)}
	if len(ids) == 0 {
		return out, rep
	}

	records, err := c.store.GetVolumeRecords(ctx, regionID, ids)
	if err != nil {
		logger.Warn("VOLUME", fmt.Sprintf("read cache region=%d: %v; refetching all", regionID, err))
		records = nil
	}

	var todo []int32
	for _, id := range ids {
		rec, ok := records[id]
		switch {
		case !ok:
			rep.New++
			todo = append(todo, id)
		case c.IsStale(rec, today):
			rep.Stale++
			todo = append(todo, id)
		default:
			rep.Hits++
			out[id] = rec.Volume
		}
	}
	if len(todo) == 0 {
		return out, rep
	}

	fetched := make([]fetchResult, len(todo))
	var g errgroup.Group
	g.SetLimit(c.workers)
	for i, id := range todo {
		g.Go(func() error {
			fetched[i] = c.fetch(ctx, regionID, id, today)
			return nil
		})
	}
	_ = g.Wait()

	for _, rec := range fetched {
		out[rec.TypeID] = rec.Volume
		switch rec.Volume {
		case Failed:
			rep.Failed++
		case 0:
			if rec.notFound {
				rep.NotFound++
			}
		}
	}

	rows := make([]Record, len(fetched))
	for i, rec := range fetched {
		rows[i] = rec.Record
	}
	if err := c.store.SaveVolumeRecords(ctx, rows); err != nil {
		logger.Warn("VOLUME", fmt.Sprintf("save %d records region=%d: %v", len(rows), regionID, err))
	}

	logger.Info("VOLUME", fmt.Sprintf("region=%d requested=%d hits=%d new=%d stale=%d failed=%d not_found=%d",
		regionID, rep.Requested, rep.Hits, rep.New, rep.Stale, rep.Failed, rep.NotFound))
	return out, rep
}

type fetchResult struct {
	Record
	notFound bool
}

func (c *Cache) fetch(ctx context.Context, regionID, typeID int32, today time.Time) fetchResult {
	res := fetchResult{Record: Record{TypeID: typeID, RegionID: regionID, UpdatedAt: today}}
	entries, err := c.fetcher.FetchHistory(ctx, regionID, typeID)
	switch {
	case errors.Is(err, esi.ErrNotFound):
		res.notFound = true
	case err != nil:
		res.Volume = Failed
		logger.Debug("VOLUME", fmt.Sprintf("history type=%d region=%d: %v", typeID, regionID, err))
	default:
		res.Volume = MonthlyVolume(entries, today)
	}
	return res
}
