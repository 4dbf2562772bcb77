package db

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"evelogi/internal/engine"
)

const structureColumns = `s.id, s.structure_id, s.name, s.character_id,
	s.outbound_fee, s.outbound_collateral, s.inbound_fee, s.inbound_collateral,
	s.sales_tax, s.brokers_fee`

type rowScanner interface {
	Scan(dest ...interface{}) error
}

func scanStructure(r rowScanner) (engine.Structure, error) {
	var s engine.Structure
	err := r.Scan(&s.ID, &s.StructureID, &s.Name, &s.CharacterID,
		&s.OutboundFee, &s.OutboundCollateral, &s.InboundFee, &s.InboundCollateral,
		&s.SalesTax, &s.BrokersFee)
	return s, err
}

// ListStructures returns every structure registered by the user's characters.
func (d *DB) ListStructures(ctx context.Context, userID int64) ([]engine.Structure, error) {
	rows, err := d.sql.QueryContext(ctx, `
		SELECT `+structureColumns+`
		  FROM structures s
		  JOIN characters c ON c.id = s.character_id
		 WHERE c.user_id = ?
		 ORDER BY s.id`, userID)
	if err != nil {
		return nil, fmt.Errorf("list structures: %w", err)
	}
	defer rows.Close()

	var out []engine.Structure
	for rows.Next() {
		s, err := scanStructure(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, rows.Err()
}

// GetStructure returns one of the user's structures by local id.
func (d *DB) GetStructure(ctx context.Context, userID, id int64) (engine.Structure, error) {
	row := d.sql.QueryRowContext(ctx, `
		SELECT `+structureColumns+`
		  FROM structures s
		  JOIN characters c ON c.id = s.character_id
		 WHERE c.user_id = ? AND s.id = ?`, userID, id)
	s, err := scanStructure(row)
	if errors.Is(err, sql.ErrNoRows) {
		return engine.Structure{}, fmt.Errorf("structure %d: %w", id, ErrNotFound)
	}
	return s, err
}

// checkStructure verifies the character belongs to the user and no other row of
// the user tracks the same upstream structure.
func checkStructure(ctx context.Context, tx *sql.Tx, userID int64, s engine.Structure) error {
	var owned int
	err := tx.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM characters WHERE id = ? AND user_id = ?", s.CharacterID, userID,
	).Scan(&owned)
	if err != nil {
		return err
	}
	if owned == 0 {
		return fmt.Errorf("character %d: %w", s.CharacterID, ErrNotFound)
	}

	var dup int
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*)
		  FROM structures s
		  JOIN characters c ON c.id = s.character_id
		 WHERE c.user_id = ? AND s.structure_id = ? AND s.id != ?`,
		userID, s.StructureID, s.ID,
	).Scan(&dup)
	if err != nil {
		return err
	}
	if dup > 0 {
		return fmt.Errorf("structure %d: %w", s.StructureID, ErrDuplicateStructure)
	}
	return nil
}

// AddStructure inserts a structure for one of the user's characters.
func (d *DB) AddStructure(ctx context.Context, userID int64, s engine.Structure) (int64, error) {
	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	s.ID = 0
	if err := checkStructure(ctx, tx, userID, s); err != nil {
		return 0, err
	}
	res, err := tx.ExecContext(ctx, `
		INSERT INTO structures (structure_id, name, character_id,
			outbound_fee, outbound_collateral, inbound_fee, inbound_collateral, sales_tax, brokers_fee)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		s.StructureID, s.Name, s.CharacterID,
		s.OutboundFee, s.OutboundCollateral, s.InboundFee, s.InboundCollateral, s.SalesTax, s.BrokersFee,
	)
	if err != nil {
		return 0, fmt.Errorf("insert structure: %w", err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, err
	}
	return id, tx.Commit()
}

// UpdateStructure rewrites one of the user's structures.
func (d *DB) UpdateStructure(ctx context.Context, userID int64, s engine.Structure) error {
	tx, err := d.sql.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	var exists int
	err = tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM structures s JOIN characters c ON c.id = s.character_id
		 WHERE s.id = ? AND c.user_id = ?`, s.ID, userID).Scan(&exists)
	if err != nil {
		return err
	}
	if exists == 0 {
		return fmt.Errorf("structure %d: %w", s.ID, ErrNotFound)
	}
	if err := checkStructure(ctx, tx, userID, s); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE structures SET
			structure_id = ?, name = ?, character_id = ?,
			outbound_fee = ?, outbound_collateral = ?, inbound_fee = ?, inbound_collateral = ?,
			sales_tax = ?, brokers_fee = ?
		 WHERE id = ?`,
		s.StructureID, s.Name, s.CharacterID,
		s.OutboundFee, s.OutboundCollateral, s.InboundFee, s.InboundCollateral,
		s.SalesTax, s.BrokersFee, s.ID,
	)
	if err != nil {
		return fmt.Errorf("update structure: %w", err)
	}
	return tx.Commit()
}

// DeleteStructure removes one of the user's structures.
func (d *DB) DeleteStructure(ctx context.Context, userID, id int64) error {
	res, err := d.sql.ExecContext(ctx, `
		DELETE FROM structures
		 WHERE id = ?
		   AND character_id IN (SELECT id FROM characters WHERE user_id = ?)`, id, userID)
	if err != nil {
		return fmt.Errorf("delete structure: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("structure %d: %w", id, ErrNotFound)
	}
	return nil
}
