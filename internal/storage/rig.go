package storage

import (
	"context"
	_ "embed"
	"fmt"

	"github.com/KevinKickass/OpenLabRig/internal/types"
	"github.com/jackc/pgx/v5"
)

//go:embed schema.sql
var schemaSQL string

// EnsureSchema creates the rig tables when they do not exist.
func (p *PostgresClient) EnsureSchema(ctx context.Context) error {
	if _, err := p.pool.Exec(ctx, schemaSQL); err != nil {
		return fmt.Errorf("failed to create schema: %w", err)
	}
	return nil
}

// LoadRigDocument reads all wheels, their slots and the filter catalog.
func (p *PostgresClient) LoadRigDocument(ctx context.Context) (*types.RigDocument, error) {
	doc := &types.RigDocument{
		Wheels:  make(map[string]types.WheelSpec),
		Filters: make(map[string]types.FilterMeta),
	}

	rows, err := p.pool.Query(ctx, `
		SELECT wheel_key, serial, baud, timeout_s, slots, poll_s, wheel_type
		FROM filter_wheels
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to query wheels: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var key, wheelType string
		var spec types.WheelSpec
		if err := rows.Scan(&key, &spec.Serial, &spec.Baud, &spec.TimeoutS, &spec.Slots, &spec.PollS, &wheelType); err != nil {
			return nil, fmt.Errorf("failed to scan wheel: %w", err)
		}
		spec.Type = types.FilterType(wheelType)
		spec.Filters = make(map[int]string)
		doc.Wheels[key] = spec
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read wheels: %w", err)
	}

	slotRows, err := p.pool.Query(ctx, `SELECT wheel_key, slot, filter FROM wheel_slots`)
	if err != nil {
		return nil, fmt.Errorf("failed to query slots: %w", err)
	}
	defer slotRows.Close()

	for slotRows.Next() {
		var key, filter string
		var slot int
		if err := slotRows.Scan(&key, &slot, &filter); err != nil {
			return nil, fmt.Errorf("failed to scan slot: %w", err)
		}
		if spec, ok := doc.Wheels[key]; ok {
			spec.Filters[slot] = filter
		}
	}
	if err := slotRows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read slots: %w", err)
	}

	catalogRows, err := p.pool.Query(ctx, `SELECT name, filter_type, wavelength FROM filter_catalog`)
	if err != nil {
		return nil, fmt.Errorf("failed to query filter catalog: %w", err)
	}
	defer catalogRows.Close()

	for catalogRows.Next() {
		var name, filterType string
		var meta types.FilterMeta
		if err := catalogRows.Scan(&name, &filterType, &meta.Wavelength); err != nil {
			return nil, fmt.Errorf("failed to scan filter: %w", err)
		}
		meta.Type = types.FilterType(filterType)
		doc.Filters[name] = meta
	}
	if err := catalogRows.Err(); err != nil {
		return nil, fmt.Errorf("failed to read filter catalog: %w", err)
	}

	return doc, nil
}

// SaveRigDocument replaces the stored rig with doc in one transaction.
func (p *PostgresClient) SaveRigDocument(ctx context.Context, doc *types.RigDocument) error {
	tx, err := p.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM filter_wheels`); err != nil {
		return fmt.Errorf("failed to clear wheels: %w", err)
	}
	if _, err := tx.Exec(ctx, `DELETE FROM filter_catalog`); err != nil {
		return fmt.Errorf("failed to clear filter catalog: %w", err)
	}

	batch := &pgx.Batch{}
	for key, spec := range doc.Wheels {
		batch.Queue(`
			INSERT INTO filter_wheels (wheel_key, serial, baud, timeout_s, slots, poll_s, wheel_type)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
		`, key, spec.Serial, spec.Baud, spec.TimeoutS, spec.Slots, spec.PollS, string(spec.Type))

		for slot, filter := range spec.Filters {
			batch.Queue(`INSERT INTO wheel_slots (wheel_key, slot, filter) VALUES ($1, $2, $3)`,
				key, slot, filter)
		}
	}
	for name, meta := range doc.Filters {
		batch.Queue(`INSERT INTO filter_catalog (name, filter_type, wavelength) VALUES ($1, $2, $3)`,
			name, string(meta.Type), meta.Wavelength)
	}

	if err := tx.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("failed to store rig document: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit transaction: %w", err)
	}

	return nil
}
