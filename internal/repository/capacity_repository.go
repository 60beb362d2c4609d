package repository

import (
	"context"
	"fmt"

	"github.com/jmoiron/sqlx"

	"github.com/gt-insights/enrollment-api/internal/models"
)

// CapacityRepository serves room capacity lookups. Capacities change on a
// facilities timescale, so callers cache the full map per run.
type CapacityRepository struct {
	db *sqlx.DB
}

// NewCapacityRepository constructs the repository.
func NewCapacityRepository(db *sqlx.DB) *CapacityRepository {
	return &CapacityRepository{db: db}
}

// CapacityKey joins a building code and room the way meeting data spells
// them, e.g. "CLGH 102".
func CapacityKey(buildingCode, room string) string {
	return buildingCode + " " + room
}

// LoadAll returns every room capacity keyed by CapacityKey.
func (r *CapacityRepository) LoadAll(ctx context.Context) (map[string]int, error) {
	const query = `SELECT building_code, room, capacity FROM room_capacities`
	var rows []models.RoomCapacity
	if err := r.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("load room capacities: %w", err)
	}
	out := make(map[string]int, len(rows))
	for _, rc := range rows {
		out[CapacityKey(rc.BuildingCode, rc.Room)] = rc.Capacity
	}
	return out, nil
}

// LoadBuildingCodes returns the building name to code mapping.
func (r *CapacityRepository) LoadBuildingCodes(ctx context.Context) (map[string]string, error) {
	const query = `SELECT building, building_code FROM building_mappings`
	var rows []models.BuildingMapping
	if err := r.db.SelectContext(ctx, &rows, query); err != nil {
		return nil, fmt.Errorf("load building mappings: %w", err)
	}
	out := make(map[string]string, len(rows))
	for _, bm := range rows {
		out[bm.Building] = bm.BuildingCode
	}
	return out, nil
}

// Upsert inserts or refreshes a capacity row.
func (r *CapacityRepository) Upsert(ctx context.Context, rc models.RoomCapacity) error {
	const query = `INSERT INTO room_capacities (building_code, room, capacity)
VALUES (:building_code, :room, :capacity)
ON CONFLICT (building_code, room) DO UPDATE SET capacity = EXCLUDED.capacity`
	if _, err := r.db.NamedExecContext(ctx, query, rc); err != nil {
		return fmt.Errorf("upsert room capacity: %w", err)
	}
	return nil
}
