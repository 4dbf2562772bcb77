package esi

import (
	"context"
	"fmt"
	"net/url"
	"strconv"
	"time"
)

// HistoryDateLayout is the date format ESI uses for history rows.
const HistoryDateLayout = "2006-01-02"

// HistoryEntry represents a single day of market history for an item in a region.
type HistoryEntry struct {
	Date       string  `json:"date"`
	Average    float64 `json:"average"`
	Highest    float64 `json:"highest"`
	Lowest     float64 `json:"lowest"`
	Volume     int64   `json:"volume"`
	OrderCount int64   `json:"order_count"`
}

// Day parses the entry date as a UTC calendar day.
func (e HistoryEntry) Day() (time.Time, error) {
	return time.ParseInLocation(HistoryDateLayout, e.Date, time.UTC)
}

// FetchHistory fetches the daily market history for a type in a region.
// Returns ErrNotFound when ESI has no history for the pair.
func (c *Client) FetchHistory(ctx context.Context, regionID, typeID int32) ([]HistoryEntry, error) {
	q := url.Values{}
	q.Set("type_id", strconv.Itoa(int(typeID)))

	var entries []HistoryEntry
	if _, err := c.get(ctx, fmt.Sprintf("/markets/%d/history/", regionID), q, "", &entries); err != nil {
		return nil, fmt.Errorf("history region=%d type=%d: %w", regionID, typeID, err)
	}
	return entries, nil
}
