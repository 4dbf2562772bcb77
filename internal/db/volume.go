package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"evelogi/internal/logger"
	"evelogi/internal/volume"
)

const dayLayout = "2006-01-02"

// GetVolumeRecords reads the cached volume rows for the given types in one query.
func (d *DB) GetVolumeRecords(ctx context.Context, regionID int32, typeIDs []int32) (map[int32]volume.Record, error) {
	out := make(map[int32]volume.Record, len(typeIDs))
	if len(typeIDs) == 0 {
		return out, nil
	}
	ids, err := json.Marshal(typeIDs)
	if err != nil {
		return nil, err
	}

	rows, err := d.sql.QueryContext(ctx, `
		SELECT type_id, volume, updated_at
		  FROM month_volume
		 WHERE region_id = ?
		   AND type_id IN (SELECT value FROM json_each(?))`,
		regionID, string(ids),
	)
	if err != nil {
		return nil, fmt.Errorf("query month_volume: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			rec     volume.Record
			updated string
		)
		if err := rows.Scan(&rec.TypeID, &rec.Volume, &updated); err != nil {
			return nil, err
		}
		t, err := time.ParseInLocation(dayLayout, updated, time.UTC)
		if err != nil {
			// Unreadable date: leave it out so the cache treats it as new.
			continue
		}
		rec.RegionID = regionID
		rec.UpdatedAt = t
		out[rec.TypeID] = rec
	}
	return out, rows.Err()
}

// SaveVolumeRecords upserts every record in a single transaction.
func (d *DB) SaveVolumeRecords(ctx context.Context, records []volume.Record) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO month_volume (type_id, region_id, volume, updated_at)
		VALUES (?, ?, ?, ?)
		ON CONFLICT(type_id, region_id) DO UPDATE SET
			volume = excluded.volume,
			updated_at = excluded.updated_at`)
	if err != nil {
		return err
	}
	defer stmt.Close()

	for _, r := range records {
		if _, err := stmt.ExecContext(ctx, r.TypeID, r.RegionID, r.Volume, volume.Day(r.UpdatedAt).Format(dayLayout)); err != nil {
			return fmt.Errorf("upsert type=%d region=%d: %w", r.TypeID, r.RegionID, err)
		}
	}
	return tx.Commit()
}

// CleanupVolumes deletes rows not refreshed since before.
func (d *DB) CleanupVolumes(ctx context.Context, before time.Time) (int64, error) {
	res, err := d.sql.ExecContext(ctx, "DELETE FROM month_volume WHERE updated_at < ?", volume.Day(before).Format(dayLayout))
	if err != nil {
		return 0, fmt.Errorf("cleanup month_volume: %w", err)
	}
	n, _ := res.RowsAffected()
	if n > 0 {
		logger.Info("DB", fmt.Sprintf("Removed %d volume records older than %s", n, volume.Day(before).Format(dayLayout)))
	}
	return n, nil
}

// CountVolumes returns the number of cached volume rows.
func (d *DB) CountVolumes(ctx context.Context) (int, error) {
	var n int
	err := d.sql.QueryRowContext(ctx, "SELECT COUNT(*) FROM month_volume").Scan(&n)
	return n, err
}
