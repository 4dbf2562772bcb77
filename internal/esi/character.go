package esi

import (
	"context"
	"fmt"
)

// CharacterOrder represents a character's open market order.
type CharacterOrder struct {
	OrderID      int64   `json:"order_id"`
	TypeID       int32   `json:"type_id"`
	LocationID   int64   `json:"location_id"`
	RegionID     int32   `json:"region_id"`
	Price        float64 `json:"price"`
	VolumeRemain int32   `json:"volume_remain"`
	VolumeTotal  int32   `json:"volume_total"`
	IsBuyOrder   bool    `json:"is_buy_order"`
	Duration     int     `json:"duration"`
	Issued       string  `json:"issued"`
}

// StructureInfo is the public part of /universe/structures/{id}/.
type StructureInfo struct {
	Name          string `json:"name"`
	OwnerID       int32  `json:"owner_id"`
	SolarSystemID int32  `json:"solar_system_id"`
	TypeID        int32  `json:"type_id,omitempty"`
}

// GetCharacterOrders fetches the open orders of a character.
// Requires esi-markets.read_character_orders.v1.
func (c *Client) GetCharacterOrders(ctx context.Context, characterID int64, accessToken string) ([]CharacterOrder, error) {
	var orders []CharacterOrder
	if _, err := c.get(ctx, fmt.Sprintf("/characters/%d/orders/", characterID), nil, accessToken, &orders); err != nil {
		return nil, fmt.Errorf("character %d orders: %w", characterID, err)
	}
	return orders, nil
}

// GetStructureInfo returns structure details, served from the LRU when present.
func (c *Client) GetStructureInfo(ctx context.Context, structureID int64, accessToken string) (*StructureInfo, error) {
	if v, ok := c.structures.Get(structureID); ok {
		return v.(*StructureInfo), nil
	}
	return c.FetchStructureInfo(ctx, structureID, accessToken)
}

// FetchStructureInfo always asks ESI, so it doubles as an access check for the token's character.
// A successful answer refreshes the LRU entry.
func (c *Client) FetchStructureInfo(ctx context.Context, structureID int64, accessToken string) (*StructureInfo, error) {
	var info StructureInfo
	if _, err := c.get(ctx, fmt.Sprintf("/universe/structures/%d/", structureID), nil, accessToken, &info); err != nil {
		return nil, fmt.Errorf("structure %d info: %w", structureID, err)
	}
	c.structures.Add(structureID, &info)
	return &info, nil
}
