package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"golang.org/x/sync/errgroup"

	"evelogi/internal/config"
	"evelogi/internal/esi"
	"evelogi/internal/logger"
	"evelogi/internal/volume"
)

// Permission names.
const (
	PermTrade      = "TRADE"
	PermAdminister = "ADMINISTER"
)

var (
	ErrForbidden         = errors.New("forbidden")
	ErrValidation        = errors.New("invalid filters")
	ErrStructureNotFound = errors.New("structure not found")
)

// Principal is the authenticated caller as the trade pipeline sees it.
type Principal interface {
	Can(permission string) bool
	// Structure looks up one of the caller's structures by local id.
	Structure(id int64) (Structure, bool)
	// SellOrderTypes returns the type ids the caller already sells, across characters.
	SellOrderTypes(ctx context.Context) (map[int32]bool, error)
	AccessToken(ctx context.Context, characterID int64) (string, error)
}

// ReferenceBooks serves cached reference-market order books.
type ReferenceBooks interface {
	Get(ctx context.Context, regionID int32, side string) (esi.OrderBook, error)
}

// StructureMarket reads authenticated structure data from ESI.
type StructureMarket interface {
	FetchStructureOrders(ctx context.Context, structureID int64, accessToken string) (esi.OrderBook, error)
	GetStructureInfo(ctx context.Context, structureID int64, accessToken string) (*esi.StructureInfo, error)
}

// VolumeSource returns monthly volumes for every requested type.
type VolumeSource interface {
	GetVolumes(ctx context.Context, typeIDs []int32, regionID int32) (volume.Volumes, volume.Report)
}

// Universe is the reference data plus the system to region map.
type Universe interface {
	ReferenceData
	RegionForSystem(systemID int32) (int32, error)
	RegionName(regionID int32) (string, error)
}

// Request is one trade run.
type Request struct {
	StructureID int64   `json:"structure_id"` // local structure id
	Filters     Filters `json:"filters"`
}

// Trader wires the reference book, the structure market and the volume cache
// into ComputeOpportunities.
type Trader struct {
	books             ReferenceBooks
	market            StructureMarket
	volumes           VolumeSource
	universe          Universe
	referenceRegionID int32

	// Now is the clock used for Result.Duration; tests replace it.
	Now func() time.Time
}

// NewTrader creates a trader for the given reference region.
func NewTrader(books ReferenceBooks, market StructureMarket, volumes VolumeSource, universe Universe, referenceRegionID int32) *Trader {
	return &Trader{
		books:             books,
		market:            market,
		volumes:           volumes,
		universe:          universe,
		referenceRegionID: referenceRegionID,
		Now:               time.Now,
	}
}

// ValidateFilters rejects malformed filters. The error wraps ErrValidation.
func ValidateFilters(f Filters) error {
	if err := config.Validate(f); err != nil {
		return fmt.Errorf("%w: %v", ErrValidation, err)
	}
	return nil
}

// Run computes the opportunity list for one of the principal's structures.
func (t *Trader) Run(ctx context.Context, p Principal, req Request) (*Result, error) {
	if err := ValidateFilters(req.Filters); err != nil {
		return nil, err
	}
	if p == nil || !p.Can(PermTrade) {
		return nil, fmt.Errorf("%w: %s permission required", ErrForbidden, PermTrade)
	}
	s, ok := p.Structure(req.StructureID)
	if !ok {
		return nil, fmt.Errorf("%w: %d", ErrStructureNotFound, req.StructureID)
	}

	start := t.Now()
	token, err := p.AccessToken(ctx, s.CharacterID)
	if err != nil {
		return nil, fmt.Errorf("access token for character %d: %w", s.CharacterID, err)
	}

	info, err := t.market.GetStructureInfo(ctx, s.StructureID, token)
	if err != nil {
		if errors.Is(err, esi.ErrNotFound) {
			return nil, fmt.Errorf("%w: %d is gone or not docking-accessible", ErrStructureNotFound, s.StructureID)
		}
		return nil, err
	}
	regionID, err := t.universe.RegionForSystem(info.SolarSystemID)
	if err != nil {
		return nil, fmt.Errorf("region for system %d: %w", info.SolarSystemID, err)
	}
	regionName, _ := t.universe.RegionName(regionID)

	var (
		refBook   esi.OrderBook
		localBook esi.OrderBook
		own       map[int32]bool
	)
	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		var err error
		refBook, err = t.books.Get(gctx, t.referenceRegionID, esi.SideSell)
		return err
	})
	g.Go(func() error {
		var err error
		localBook, err = t.market.FetchStructureOrders(gctx, s.StructureID, token)
		return err
	})
	g.Go(func() error {
		var err error
		own, err = p.SellOrderTypes(gctx)
		if err != nil {
			return fmt.Errorf("own orders: %w", err)
		}
		return nil
	})
	if err := g.Wait(); err != nil {
		return nil, err
	}

	asks := LowestAsks(refBook.Orders)
	candidates, _ := CandidateTypes(asks, own)
	vols, rep := t.volumes.GetVolumes(ctx, candidates, regionID)

	comp := ComputeOpportunities(Input{
		ReferenceOrders: refBook.Orders,
		ReferenceAsks:   asks,
		Structure:       s,
		StructureOrders: localBook.Orders,
		Exclude:         own,
		Volumes:         vols,
		Ref:             t.universe,
		Filters:         req.Filters,
	})

	res := &Result{
		Structure:     s,
		RegionID:      regionID,
		RegionName:    regionName,
		Opportunities: comp.Opportunities,
		Candidates:    comp.Candidates,
		Excluded:      comp.Excluded,
		FailedVolumes: comp.SkippedFailed,
		FailedPages:   refBook.FailedPages + localBook.FailedPages,
		Unknown:       comp.Unknown,
		Volume:        rep,
		Duration:      t.Now().Sub(start),
	}
	if res.Opportunities == nil {
		res.Opportunities = []Opportunity{}
	}
	logger.Info("TRADE", fmt.Sprintf("structure=%d region=%d candidates=%d volumes_fetched=%d results=%d failed_volumes=%d failed_pages=%d in %s",
		s.StructureID, regionID, res.Candidates, rep.Fetched(), len(res.Opportunities), res.FailedVolumes, res.FailedPages,
		res.Duration.Round(time.Millisecond)))
	return res, nil
}
