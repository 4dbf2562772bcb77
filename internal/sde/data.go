package sde

import (
	"errors"
	"strings"
)

// ErrNotFound is returned when a lookup key is absent from the snapshot.
var ErrNotFound = errors.New("sde: not found")

// Data holds the parsed static data the trade pipeline needs.
// It is read-only once Load returns.
type Data struct {
	Systems      map[int32]*SolarSystem // systemID -> system
	Regions      map[int32]*Region      // regionID -> region
	RegionByName map[string]int32       // lowercase name -> regionID
	Types        map[int32]*ItemType    // typeID -> type
}

// Region represents an EVE region from the SDE.
type Region struct {
	ID   int32
	Name string
}

// SolarSystem represents an EVE solar system from the SDE.
type SolarSystem struct {
	ID       int32
	Name     string
	RegionID int32
	Security float64
}

// ItemType represents a market-tradeable item type from the SDE.
type ItemType struct {
	ID             int32
	Name           string
	Volume         float64 // assembled volume in m³
	PackagedVolume float64 // 0 when the SDE has no packaged value
	GroupID        int32
}

// NewData returns an empty store.
func NewData() *Data {
	return &Data{
		Systems:      make(map[int32]*SolarSystem),
		Regions:      make(map[int32]*Region),
		RegionByName: make(map[string]int32),
		Types:        make(map[int32]*ItemType),
	}
}

// AddRegion registers a region.
func (d *Data) AddRegion(r Region) {
	d.Regions[r.ID] = &r
	d.RegionByName[strings.ToLower(r.Name)] = r.ID
}

// AddSystem registers a solar system.
func (d *Data) AddSystem(s SolarSystem) {
	d.Systems[s.ID] = &s
}

// AddType registers an item type.
func (d *Data) AddType(t ItemType) {
	d.Types[t.ID] = &t
}

// ItemName returns the English name of a type.
func (d *Data) ItemName(typeID int32) (string, error) {
	t, ok := d.Types[typeID]
	if !ok {
		return "", ErrNotFound
	}
	return t.Name, nil
}

// PackagedVolume returns the shipping volume of a type, falling back to the
// assembled volume when no packaged value exists.
func (d *Data) PackagedVolume(typeID int32) (float64, error) {
	t, ok := d.Types[typeID]
	if !ok {
		return 0, ErrNotFound
	}
	if t.PackagedVolume > 0 {
		return t.PackagedVolume, nil
	}
	return t.Volume, nil
}

// RegionForSystem maps a solar system to its region.
func (d *Data) RegionForSystem(systemID int32) (int32, error) {
	s, ok := d.Systems[systemID]
	if !ok {
		return 0, ErrNotFound
	}
	return s.RegionID, nil
}

// RegionName returns the region name, or ErrNotFound.
func (d *Data) RegionName(regionID int32) (string, error) {
	r, ok := d.Regions[regionID]
	if !ok {
		return "", ErrNotFound
	}
	return r.Name, nil
}
