package sde

import (
	"archive/zip"
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"

	"evelogi/internal/logger"
)

const DefaultURL = "https://developers.eveonline.com/static-data/eve-online-static-data-latest-jsonl.zip"

// ErrIncomplete means a snapshot lacks a table the pipeline cannot run without.
var ErrIncomplete = errors.New("sde snapshot incomplete")

// Load parses the SDE from dataDir, downloading it first when there is no
// extracted snapshot or the one on disk is incomplete.
func Load(ctx context.Context, dataDir, url string) (*Data, error) {
	if url == "" {
		url = DefaultURL
	}
	zipPath := filepath.Join(dataDir, "sde.zip")
	extractDir := filepath.Join(dataDir, "sde")

	if _, err := os.Stat(extractDir); err == nil {
		data, err := LoadDir(extractDir)
		if !errors.Is(err, ErrIncomplete) {
			return data, err
		}
		logger.Warn("SDE", fmt.Sprintf("%v; downloading again", err))
		if err := os.RemoveAll(extractDir); err != nil {
			return nil, err
		}
	}

	logger.Info("SDE", "Downloading data...")
	if err := downloadFile(ctx, zipPath, url); err != nil {
		return nil, fmt.Errorf("download SDE: %w", err)
	}
	logger.Info("SDE", "Extracting data...")
	if err := extractZip(zipPath, extractDir); err != nil {
		return nil, fmt.Errorf("extract SDE: %w", err)
	}
	return LoadDir(extractDir)
}

// LoadDir parses an already extracted JSONL snapshot.
func LoadDir(dir string) (*Data, error) {
	data := NewData()

	logger.Info("SDE", "Loading regions...")
	if err := data.loadRegions(dir); err != nil {
		return nil, fmt.Errorf("load regions: %w", err)
	}
	logger.Info("SDE", "Loading solar systems...")
	if err := data.loadSystems(dir); err != nil {
		return nil, fmt.Errorf("load systems: %w", err)
	}
	logger.Info("SDE", "Loading item types...")
	if err := data.loadTypes(dir); err != nil {
		return nil, fmt.Errorf("load types: %w", err)
	}

	logger.Section("SDE Statistics")
	logger.Stats("Regions", len(data.Regions))
	logger.Stats("Systems", len(data.Systems))
	logger.Stats("Item types", len(data.Types))
	return data, nil
}

func (d *Data) loadRegions(dir string) error {
	return readJSONL(dir, "mapRegions", func(raw json.RawMessage) error {
		var r struct {
			Key  int32             `json:"_key"`
			Name map[string]string `json:"name"`
		}
		if err := json.Unmarshal(raw, &r); err != nil {
			return err
		}
		if name := r.Name["en"]; name != "" {
			d.AddRegion(Region{ID: r.Key, Name: name})
		}
		return nil
	})
}

func (d *Data) loadSystems(dir string) error {
	return readJSONL(dir, "mapSolarSystems", func(raw json.RawMessage) error {
		var s struct {
			Key            int32             `json:"_key"`
			Name           map[string]string `json:"name"`
			RegionID       int32             `json:"regionID"`
			Security       float64           `json:"security"`
			SecurityStatus float64           `json:"securityStatus"`
		}
		if err := json.Unmarshal(raw, &s); err != nil {
			return err
		}
		sec := s.Security
		if sec == 0 {
			sec = s.SecurityStatus
		}
		d.AddSystem(SolarSystem{ID: s.Key, Name: s.Name["en"], RegionID: s.RegionID, Security: sec})
		return nil
	})
}

func (d *Data) loadTypes(dir string) error {
	return readJSONL(dir, "types", func(raw json.RawMessage) error {
		var t struct {
			Key            int32             `json:"_key"`
			Name           map[string]string `json:"name"`
			Volume         float64           `json:"volume"`
			PackagedVolume float64           `json:"packagedVolume"`
			Published      bool              `json:"published"`
			MarketGroupID  *int32            `json:"marketGroupID"`
			GroupID        int32             `json:"groupID"`
		}
		if err := json.Unmarshal(raw, &t); err != nil {
			return err
		}
		// Unpublished and off-market types never appear in order books.
		if !t.Published || t.MarketGroupID == nil {
			return nil
		}
		name := t.Name["en"]
		if name == "" {
			return nil
		}
		d.AddType(ItemType{
			ID:             t.Key,
			Name:           name,
			Volume:         t.Volume,
			PackagedVolume: t.PackagedVolume,
			GroupID:        t.GroupID,
		})
		return nil
	})
}

// tables are the JSONL base names the pipeline reads; nothing else is extracted.
var tables = []string{"mapRegions", "mapSolarSystems", "types"}

// required tables fail the load when absent. Regions only feed names.
var required = map[string]bool{"mapSolarSystems": true, "types": true}

func wanted(name string) (string, bool) {
	base := strings.TrimSuffix(filepath.Base(name), ".jsonl")
	if base == filepath.Base(name) {
		return "", false
	}
	for _, t := range tables {
		if strings.EqualFold(base, t) {
			return t, true
		}
	}
	return "", false
}

// readJSONL streams <dir>/<table>.jsonl, calling fn per non-empty line.
// A missing optional table is logged and treated as empty.
func readJSONL(dir, table string, fn func(json.RawMessage) error) error {
	f, err := os.Open(filepath.Join(dir, table+".jsonl"))
	if os.IsNotExist(err) {
		if required[table] {
			return fmt.Errorf("%w: %s.jsonl missing", ErrIncomplete, table)
		}
		logger.Warn("SDE", fmt.Sprintf("%s.jsonl missing, skipping", table))
		return nil
	}
	if err != nil {
		return err
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 64*1024), 4*1024*1024)
	var lines, bad int
	for sc.Scan() {
		if len(sc.Bytes()) == 0 {
			continue
		}
		lines++
		if err := fn(json.RawMessage(sc.Bytes())); err != nil {
			bad++
		}
	}
	if bad > 0 {
		logger.Warn("SDE", fmt.Sprintf("%s: %d of %d lines unreadable", table, bad, lines))
	}
	return sc.Err()
}

// downloadFile writes url to dst through a temporary file so an interrupted
// download never leaves a truncated archive behind.
func downloadFile(ctx context.Context, dst, url string) error {
	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("GET %s: status %d", url, resp.StatusCode)
	}

	tmp, err := os.CreateTemp(filepath.Dir(dst), "sde-*.part")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if _, err := io.Copy(tmp, resp.Body); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), dst)
}

// extractZip copies the wanted tables out of the archive, flattened into dst.
// Archive paths are never joined onto dst, so entry names cannot escape it.
// Tables are staged in a sibling directory that replaces dst only once every
// required table is in place; on failure dst is left untouched.
func extractZip(src, dst string) error {
	r, err := zip.OpenReader(src)
	if err != nil {
		return err
	}
	defer r.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0o755); err != nil {
		return err
	}
	stage, err := os.MkdirTemp(filepath.Dir(dst), ".sde-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(stage)

	found := map[string]bool{}
	for _, f := range r.File {
		if f.FileInfo().IsDir() {
			continue
		}
		table, ok := wanted(f.Name)
		if !ok {
			continue
		}
		if err := copyEntry(f, filepath.Join(stage, table+".jsonl")); err != nil {
			return fmt.Errorf("extract %s: %w", f.Name, err)
		}
		found[table] = true
	}
	for table := range required {
		if !found[table] {
			return fmt.Errorf("%w: %s has no %s.jsonl", ErrIncomplete, src, table)
		}
	}

	if err := os.RemoveAll(dst); err != nil {
		return err
	}
	return os.Rename(stage, dst)
}

func copyEntry(f *zip.File, dst string) error {
	rc, err := f.Open()
	if err != nil {
		return err
	}
	defer rc.Close()
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	if _, err := io.Copy(out, rc); err != nil {
		out.Close()
		return err
	}
	return out.Close()
}
