package engine

import (
	"fmt"
	"sort"

	"evelogi/internal/esi"
	"evelogi/internal/volume"
)

const (
	// DefaultMaxResults caps the opportunity list when the caller gives no limit.
	DefaultMaxResults = 200
	// DefaultVolumeMultiple scales the daily volume estimate when the caller gives none.
	DefaultVolumeMultiple = 3
	// StockoutMarkup prices an item the structure does not list at all.
	StockoutMarkup = 1.3
	// volumeWindowDays is the span the monthly volume covers.
	volumeWindowDays = 30
)

// EffectiveMaxResults returns the max results limit, using defaultVal if v <= 0.
func EffectiveMaxResults(v int, defaultVal int) int {
	if v <= 0 {
		return defaultVal
	}
	return v
}

// EffectiveVolumeMultiple returns the multiple, using DefaultVolumeMultiple if v <= 0.
func EffectiveVolumeMultiple(v int) int {
	if v <= 0 {
		return DefaultVolumeMultiple
	}
	return v
}

// LowestAsks returns the lowest sell price per type id. Buy orders are ignored.
func LowestAsks(orders []esi.MarketOrder) map[int32]float64 {
	out := make(map[int32]float64)
	for _, o := range orders {
		if o.IsBuyOrder {
			continue
		}
		if p, ok := out[o.TypeID]; !ok || o.Price < p {
			out[o.TypeID] = o.Price
		}
	}
	return out
}

// CandidateTypes returns the ascending type ids of asks minus exclude, and how
// many were excluded.
func CandidateTypes(asks map[int32]float64, exclude map[int32]bool) (ids []int32, excluded int) {
	ids = make([]int32, 0, len(asks))
	for id := range asks {
		if exclude[id] {
			excluded++
			continue
		}
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	return ids, excluded
}

// estimatedDailyVolume is ceil(monthly / 30 * multiple) in integer arithmetic.
func estimatedDailyVolume(monthly int64, multiple int) int64 {
	n := monthly * int64(multiple)
	return (n + volumeWindowDays - 1) / volumeWindowDays
}

// ComputeOpportunities ranks the items worth hauling from the reference market to a structure.
// It is a pure function of its input.
func ComputeOpportunities(in Input) Computation {
	refPrices := in.ReferenceAsks
	if refPrices == nil {
		refPrices = LowestAsks(in.ReferenceOrders)
	}
	localPrices := LowestAsks(in.StructureOrders)
	multiple := EffectiveVolumeMultiple(in.Filters.VolumeMultiple)

	var comp Computation
	candidates, excluded := CandidateTypes(refPrices, in.Exclude)
	comp.Excluded = excluded
	for _, typeID := range candidates {
		comp.Candidates++

		monthly, ok := in.Volumes[typeID]
		switch {
		case ok && monthly == volume.Failed:
			comp.SkippedFailed++
			continue
		case !ok || monthly <= 0:
			comp.SkippedZero++
			continue
		}

		referencePrice := refPrices[typeID]
		localPrice, listed := localPrices[typeID]
		if !listed {
			localPrice = referencePrice * StockoutMarkup
		}

		packaged, err := in.Ref.PackagedVolume(typeID)
		if err != nil {
			comp.Unknown++
			continue
		}

		transportCost := packaged * in.Structure.OutboundFee
		salesCost := localPrice * (in.Structure.SalesTax + in.Structure.BrokersFee) / 100
		profit := localPrice - referencePrice - transportCost - salesCost
		if profit <= 0 {
			continue
		}
		margin := profit / (referencePrice + transportCost + salesCost)
		if margin < in.Filters.MinMargin {
			continue
		}
		daily := estimatedDailyVolume(monthly, multiple)
		if daily < in.Filters.MinDailyVolume {
			continue
		}

		name, err := in.Ref.ItemName(typeID)
		if err != nil {
			name = fmt.Sprintf("Type %d", typeID)
		}

		comp.Opportunities = append(comp.Opportunities, Opportunity{
			TypeID:                 typeID,
			TypeName:               name,
			ReferencePrice:         referencePrice,
			LocalPrice:             localPrice,
			PackagedVolume:         packaged,
			TransportCost:          transportCost,
			SalesCost:              salesCost,
			ProfitPerUnit:          profit,
			MonthlyVolume:          monthly,
			EstimatedDailyVolume:   daily,
			EstimatedMonthlyProfit: profit * float64(monthly),
			Margin:                 margin,
			Stockout:               !listed,
		})
	}

	sort.Slice(comp.Opportunities, func(i, j int) bool {
		a, b := comp.Opportunities[i], comp.Opportunities[j]
		if a.EstimatedMonthlyProfit != b.EstimatedMonthlyProfit {
			return a.EstimatedMonthlyProfit > b.EstimatedMonthlyProfit
		}
		return a.TypeID < b.TypeID
	})

	limit := EffectiveMaxResults(in.Filters.MaxResults, DefaultMaxResults)
	if len(comp.Opportunities) > limit {
		comp.Opportunities = comp.Opportunities[:limit]
	}
	return comp
}
