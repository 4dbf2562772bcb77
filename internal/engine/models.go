package engine

import (
	"time"

	"evelogi/internal/esi"
	"evelogi/internal/volume"
)

// Structure is a user-registered player market with its logistics and fee settings.
type Structure struct {
	ID                 int64   `json:"id"`
	StructureID        int64   `json:"structure_id"`
	Name               string  `json:"name" validate:"required,max=100"`
	CharacterID        int64   `json:"character_id"`
	OutboundFee        float64 `json:"outbound_fee" validate:"gte=0"`        // ISK per m³, reference market -> structure
	OutboundCollateral float64 `json:"outbound_collateral" validate:"gte=0"` // percent
	InboundFee         float64 `json:"inbound_fee" validate:"gte=0"`
	InboundCollateral  float64 `json:"inbound_collateral" validate:"gte=0"`
	SalesTax           float64 `json:"sales_tax" validate:"gte=0,lte=100"`   // percent
	BrokersFee         float64 `json:"brokers_fee" validate:"gte=0,lte=100"` // percent
}

// Opportunity is one profitable item to haul from the reference market to a structure.
type Opportunity struct {
	TypeID                 int32   `json:"type_id"`
	TypeName               string  `json:"type_name"`
	ReferencePrice         float64 `json:"reference_price"`
	LocalPrice             float64 `json:"local_price"`
	PackagedVolume         float64 `json:"packaged_volume"`
	TransportCost          float64 `json:"transport_cost"`
	SalesCost              float64 `json:"sales_cost"`
	ProfitPerUnit          float64 `json:"profit_per_unit"`
	MonthlyVolume          int64   `json:"monthly_volume"`
	EstimatedDailyVolume   int64   `json:"estimated_daily_volume"`
	EstimatedMonthlyProfit float64 `json:"estimated_monthly_profit"`
	Margin                 float64 `json:"margin"`
	Stockout               bool    `json:"stockout"`
}

// Filters narrows and bounds the opportunity list.
type Filters struct {
	MinMargin      float64 `json:"min_margin" validate:"gte=0,lte=10"`
	MinDailyVolume int64   `json:"min_daily_volume" validate:"gte=0"`
	MaxResults     int     `json:"max_results" validate:"gte=0,lte=1000"`
	VolumeMultiple int     `json:"volume_multiple" validate:"gte=0,lte=5"`
}

// ReferenceData is the static item lookup the engine needs.
type ReferenceData interface {
	ItemName(typeID int32) (string, error)
	PackagedVolume(typeID int32) (float64, error)
}

// Input is everything ComputeOpportunities needs. It performs no I/O.
type Input struct {
	ReferenceOrders []esi.MarketOrder
	// ReferenceAsks is LowestAsks(ReferenceOrders) when the caller already has it.
	ReferenceAsks   map[int32]float64
	Structure       Structure
	StructureOrders []esi.MarketOrder
	Exclude         map[int32]bool
	Volumes         volume.Volumes
	Ref             ReferenceData
	Filters         Filters
}

// Computation is the outcome of ComputeOpportunities.
type Computation struct {
	Opportunities []Opportunity
	Candidates    int // distinct reference sell types after exclusion
	Excluded      int // reference sell types the caller already sells
	SkippedFailed int // volume sentinel: history fetch failed
	SkippedZero   int // no trades in the window, or no volume entry
	Unknown       int // type missing from reference data
}

// Result is what Trader.Run returns to the caller.
type Result struct {
	Structure     Structure     `json:"structure"`
	RegionID      int32         `json:"region_id"`
	RegionName    string        `json:"region_name,omitempty"`
	Opportunities []Opportunity `json:"opportunities"`
	Candidates    int           `json:"candidates"`
	Excluded      int           `json:"excluded"`
	FailedVolumes int           `json:"failed_volumes"`
	FailedPages   int           `json:"failed_pages"`
	Unknown       int           `json:"unknown"`
	Volume        volume.Report `json:"volume"`
	Duration      time.Duration `json:"duration_ns"`
}
