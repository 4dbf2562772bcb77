package esi

import (
	"context"
	"fmt"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"evelogi/internal/logger"
)

// BookFetcher downloads a full region order book.
type BookFetcher interface {
	FetchOrderBook(ctx context.Context, regionID int32, side string) (OrderBook, error)
}

// BookStore is an optional shared L2 for complete order books.
type BookStore interface {
	GetBook(ctx context.Context, key string) (OrderBook, bool, error)
	SetBook(ctx context.Context, key string, book OrderBook, ttl time.Duration) error
}

// orderCacheKey identifies a cached region book.
type orderCacheKey struct {
	RegionID int32
	Side     string
}

func (k orderCacheKey) String() string {
	return fmt.Sprintf("%d:%s", k.RegionID, k.Side)
}

type orderCacheEntry struct {
	book      OrderBook
	fetchedAt time.Time
	expires   time.Time
}

// OrderCache keeps reference order books in memory for a fixed TTL.
// A singleflight.Group makes concurrent misses for the same key share one download.
// Incomplete books are returned to the caller but never cached.
type OrderCache struct {
	fetcher BookFetcher
	store   BookStore
	ttl     time.Duration

	// Now is the clock; tests replace it.
	Now func() time.Time

	mu      sync.RWMutex
	entries map[orderCacheKey]*orderCacheEntry
	group   singleflight.Group
}

// NewOrderCache creates an empty order cache. store may be nil.
func NewOrderCache(fetcher BookFetcher, ttl time.Duration, store BookStore) *OrderCache {
	if ttl <= 0 {
		ttl = 30 * time.Minute
	}
	return &OrderCache{
		fetcher: fetcher,
		store:   store,
		ttl:     ttl,
		Now:     time.Now,
		entries: make(map[orderCacheKey]*orderCacheEntry),
	}
}

func (oc *OrderCache) lookup(key orderCacheKey) (OrderBook, bool) {
	oc.mu.RLock()
	defer oc.mu.RUnlock()
	e, ok := oc.entries[key]
	if !ok || !oc.Now().Before(e.expires) {
		return OrderBook{}, false
	}
	return e.book, true
}

func (oc *OrderCache) put(key orderCacheKey, book OrderBook) {
	now := oc.Now()
	oc.mu.Lock()
	oc.entries[key] = &orderCacheEntry{book: book, fetchedAt: now, expires: now.Add(oc.ttl)}
	oc.mu.Unlock()
}

// Get returns the book for region and side, downloading it on a miss.
func (oc *OrderCache) Get(ctx context.Context, regionID int32, side string) (OrderBook, error) {
	key := orderCacheKey{RegionID: regionID, Side: side}
	if book, ok := oc.lookup(key); ok {
		logger.Debug("ESI", fmt.Sprintf("OrderCache HIT %s (%d orders)", key, len(book.Orders)))
		return book, nil
	}

	// The shared fetch must not die with whichever caller happened to start it.
	ch := oc.group.DoChan(key.String(), func() (interface{}, error) {
		return oc.refresh(context.WithoutCancel(ctx), key)
	})
	select {
	case <-ctx.Done():
		return OrderBook{}, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return OrderBook{}, res.Err
		}
		return res.Val.(OrderBook), nil
	}
}

func (oc *OrderCache) refresh(ctx context.Context, key orderCacheKey) (OrderBook, error) {
	if book, ok := oc.lookup(key); ok {
		return book, nil
	}

	storeKey := "evelogi:book:" + key.String()
	if oc.store != nil {
		book, ok, err := oc.store.GetBook(ctx, storeKey)
		if err != nil {
			logger.Warn("ESI", fmt.Sprintf("book store read %s: %v", key, err))
		} else if ok {
			oc.put(key, book)
			logger.Debug("ESI", fmt.Sprintf("OrderCache L2 HIT %s", key))
			return book, nil
		}
	}

	book, err := oc.fetcher.FetchOrderBook(ctx, key.RegionID, key.Side)
	if err != nil {
		return OrderBook{}, err
	}
	if !book.Complete() {
		logger.Warn("ESI", fmt.Sprintf("OrderCache %s incomplete (%d/%d pages failed), not cached",
			key, book.FailedPages, book.Pages))
		return book, nil
	}

	oc.put(key, book)
	if oc.store != nil {
		if err := oc.store.SetBook(ctx, storeKey, book, oc.ttl); err != nil {
			logger.Warn("ESI", fmt.Sprintf("book store write %s: %v", key, err))
		}
	}
	logger.Info("ESI", fmt.Sprintf("OrderCache MISS %s (%d orders, %d pages)", key, len(book.Orders), book.Pages))
	return book, nil
}

// CacheWindow summarizes the freshness of cached books.
type CacheWindow struct {
	Entries       int       `json:"entries"`
	LastRefreshAt time.Time `json:"last_refresh_at"`
	NextExpiryAt  time.Time `json:"next_expiry_at"`
	MinTTLSeconds int64     `json:"min_ttl_seconds"`
}

// Window reports the age and expiry of the live entries.
func (oc *OrderCache) Window() CacheWindow {
	now := oc.Now()
	oc.mu.RLock()
	defer oc.mu.RUnlock()

	var w CacheWindow
	for _, e := range oc.entries {
		if !now.Before(e.expires) {
			continue
		}
		w.Entries++
		if e.fetchedAt.After(w.LastRefreshAt) {
			w.LastRefreshAt = e.fetchedAt
		}
		if w.NextExpiryAt.IsZero() || e.expires.Before(w.NextExpiryAt) {
			w.NextExpiryAt = e.expires
		}
	}
	if !w.NextExpiryAt.IsZero() {
		w.MinTTLSeconds = int64(w.NextExpiryAt.Sub(now) / time.Second)
	}
	return w
}
