package esi

import (
	"context"
	"fmt"
	"net/url"
)

// Order book sides accepted by the region orders endpoint.
const (
	SideSell = "sell"
	SideBuy  = "buy"
	SideAll  = "all"
)

// MarketOrder mirrors the ESI market order response.
type MarketOrder struct {
	OrderID      int64   `json:"order_id"`
	TypeID       int32   `json:"type_id"`
	LocationID   int64   `json:"location_id"`
	SystemID     int32   `json:"system_id"`
	Price        float64 `json:"price"`
	VolumeRemain int32   `json:"volume_remain"`
	IsBuyOrder   bool    `json:"is_buy_order"`
	RegionID     int32   `json:"region_id,omitempty"` // set by us for region books
}

// OrderBook is the merged result of a paginated orders fetch.
type OrderBook struct {
	Orders      []MarketOrder `json:"orders"`
	Pages       int           `json:"pages"`
	FailedPages int           `json:"failed_pages"`
}

// Complete reports whether every page was retrieved.
func (b OrderBook) Complete() bool {
	return b.FailedPages == 0
}

// FetchOrderBook fetches all market orders of one side for a region.
func (c *Client) FetchOrderBook(ctx context.Context, regionID int32, side string) (OrderBook, error) {
	switch side {
	case SideSell, SideBuy, SideAll:
	default:
		return OrderBook{}, fmt.Errorf("unknown order side %q", side)
	}

	q := url.Values{}
	q.Set("order_type", side)
	set, err := fetchPages[MarketOrder](ctx, c, fmt.Sprintf("/markets/%d/orders/", regionID), q, "")
	if err != nil {
		return OrderBook{}, fmt.Errorf("region %d %s orders: %w", regionID, side, err)
	}
	for i := range set.items {
		set.items[i].RegionID = regionID
	}
	return OrderBook{Orders: set.items, Pages: set.pages, FailedPages: set.failed}, nil
}

// FetchStructureOrders fetches every order listed in a player structure.
// Requires a token with esi-markets.structure_markets.v1.
func (c *Client) FetchStructureOrders(ctx context.Context, structureID int64, accessToken string) (OrderBook, error) {
	set, err := fetchPages[MarketOrder](ctx, c, fmt.Sprintf("/markets/structures/%d/", structureID), nil, accessToken)
	if err != nil {
		return OrderBook{}, fmt.Errorf("structure %d orders: %w", structureID, err)
	}
	return OrderBook{Orders: set.items, Pages: set.pages, FailedPages: set.failed}, nil
}
