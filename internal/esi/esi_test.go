package esi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testClient(t *testing.T, h http.Handler) *Client {
	t.Helper()
	srv := httptest.NewServer(h)
	t.Cleanup(srv.Close)
	return NewClient(Options{
		BaseURL:        srv.URL,
		MaxConcurrency: 4,
		MaxAttempts:    3,
		RequestTimeout: 2 * time.Second,
		RateLimit:      1000,
		RateBurst:      1000,
	})
}

func writeOrders(w http.ResponseWriter, pages int, orders ...MarketOrder) {
	w.Header().Set("X-Pages", strconv.Itoa(pages))
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(orders)
}

func TestFetchOrderBook_MergesPagesAndCountsFailures(t *testing.T) {
	var page3Hits atomic.Int32
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/markets/10000002/orders/", r.URL.Path)
		assert.Equal(t, "sell", r.URL.Query().Get("order_type"))
		switch r.URL.Query().Get("page") {
		case "1":
			writeOrders(w, 3, MarketOrder{OrderID: 1, TypeID: 34, Price: 5})
		case "2":
			writeOrders(w, 3, MarketOrder{OrderID: 2, TypeID: 35, Price: 9})
		default:
			page3Hits.Add(1)
			http.Error(w, "boom", http.StatusBadGateway)
		}
	}))

	book, err := c.FetchOrderBook(context.Background(), 10000002, SideSell)
	require.NoError(t, err)
	assert.Equal(t, 3, book.Pages)
	assert.Equal(t, 1, book.FailedPages)
	assert.False(t, book.Complete())
	require.Len(t, book.Orders, 2)
	for _, o := range book.Orders {
		assert.Equal(t, int32(10000002), o.RegionID)
	}
	assert.Equal(t, int32(3), page3Hits.Load(), "failed page uses every attempt")
}

func TestFetchOrderBook_SinglePage(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeOrders(w, 1, MarketOrder{OrderID: 1, TypeID: 34}, MarketOrder{OrderID: 2, TypeID: 34, IsBuyOrder: true})
	}))
	book, err := c.FetchOrderBook(context.Background(), 1, SideAll)
	require.NoError(t, err)
	assert.True(t, book.Complete())
	assert.Len(t, book.Orders, 2)
}

func TestFetchOrderBook_FirstPageFailureIsError(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "down", http.StatusServiceUnavailable)
	}))
	_, err := c.FetchOrderBook(context.Background(), 1, SideSell)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUpstream))
}

func TestFetchOrderBook_RejectsUnknownSide(t *testing.T) {
	c := testClient(t, http.NotFoundHandler())
	_, err := c.FetchOrderBook(context.Background(), 1, "both")
	require.Error(t, err)
	assert.Zero(t, c.Requests())
}

func TestFetchHistory_NotFoundIsNotRetried(t *testing.T) {
	var hits atomic.Int32
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		http.NotFound(w, r)
	}))
	_, err := c.FetchHistory(context.Background(), 10000002, 34)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
	assert.False(t, errors.Is(err, ErrUpstream))
	assert.Equal(t, int32(1), hits.Load())
}

func TestFetchHistory_ServerErrorRetriedThreeTimes(t *testing.T) {
	var hits atomic.Int32
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	_, err := c.FetchHistory(context.Background(), 10000002, 34)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUpstream))
	assert.Equal(t, int32(3), hits.Load())
}

func TestFetchHistory_RecoversAfterTransientFailure(t *testing.T) {
	var hits atomic.Int32
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "34", r.URL.Query().Get("type_id"))
		if hits.Add(1) == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_ = json.NewEncoder(w).Encode([]HistoryEntry{{Date: "2026-10-01", Volume: 100}})
	}))
	entries, err := c.FetchHistory(context.Background(), 10000002, 34)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, int64(100), entries[0].Volume)
	day, err := entries[0].Day()
	require.NoError(t, err)
	assert.Equal(t, time.Date(2026, 10, 1, 0, 0, 0, 0, time.UTC), day)
}

func TestFetchHistory_UndecodableBodyIsRetried(t *testing.T) {
	var hits atomic.Int32
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		fmt.Fprint(w, "{not json")
	}))
	_, err := c.FetchHistory(context.Background(), 1, 2)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrUpstream))
	assert.Equal(t, int32(3), hits.Load())
}

func TestClient_TimeoutConsumesAttempt(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) == 1 {
			select {
			case <-r.Context().Done():
			case <-time.After(2 * time.Second):
			}
			return
		}
		_ = json.NewEncoder(w).Encode([]HistoryEntry{})
	}))
	defer srv.Close()

	c := NewClient(Options{BaseURL: srv.URL, MaxAttempts: 3, RequestTimeout: 100 * time.Millisecond})
	_, err := c.FetchHistory(context.Background(), 1, 2)
	require.NoError(t, err)
	assert.Equal(t, int32(2), hits.Load())
}

func TestClient_ContextCancelStopsRetries(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := c.FetchHistory(ctx, 1, 2)
	require.Error(t, err)
	assert.True(t, errors.Is(err, context.Canceled))
}

func TestFetchStructureOrders_SendsBearer(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/markets/structures/1035466617946/", r.URL.Path)
		assert.Equal(t, "Bearer tok", r.Header.Get("Authorization"))
		writeOrders(w, 1, MarketOrder{OrderID: 7, TypeID: 34, Price: 6.5})
	}))
	book, err := c.FetchStructureOrders(context.Background(), 1035466617946, "tok")
	require.NoError(t, err)
	require.Len(t, book.Orders, 1)
	assert.Equal(t, 6.5, book.Orders[0].Price)
}

func TestGetCharacterOrders(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/characters/9001/orders/", r.URL.Path)
		_ = json.NewEncoder(w).Encode([]CharacterOrder{{OrderID: 1, TypeID: 34}, {OrderID: 2, TypeID: 35, IsBuyOrder: true}})
	}))
	orders, err := c.GetCharacterOrders(context.Background(), 9001, "tok")
	require.NoError(t, err)
	assert.Len(t, orders, 2)
}

func TestGetStructureInfo_CachedInLRU(t *testing.T) {
	var hits atomic.Int32
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		_ = json.NewEncoder(w).Encode(StructureInfo{Name: "Keepstar", SolarSystemID: 30000142})
	}))
	ctx := context.Background()

	info, err := c.GetStructureInfo(ctx, 42, "tok")
	require.NoError(t, err)
	assert.Equal(t, "Keepstar", info.Name)

	_, err = c.GetStructureInfo(ctx, 42, "tok")
	require.NoError(t, err)
	assert.Equal(t, int32(1), hits.Load())

	_, err = c.FetchStructureInfo(ctx, 42, "tok")
	require.NoError(t, err)
	assert.Equal(t, int32(2), hits.Load(), "FetchStructureInfo bypasses the LRU")
}

func TestHealthCheck(t *testing.T) {
	c := testClient(t, http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/status/", r.URL.Path)
		fmt.Fprint(w, `{"players": 20000}`)
	}))
	assert.True(t, c.HealthCheck(context.Background()))
}
