package fieldsync

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Geographic hierarchy store: read-mostly reference data describing the
// administrative unit forest (governorate -> district -> sub-district ->
// neighborhood -> parcel).

var levelRank = map[string]int{
	LevelGovernorate:  0,
	LevelDistrict:     1,
	LevelSubDistrict:  2,
	LevelNeighborhood: 3,
	LevelParcel:       4,
}

// UnitByID fetches a single geographic unit.
func (s *SyncService) UnitByID(ctx context.Context, id uuid.UUID) (*GeoUnit, error) {
	var u GeoUnit
	err := s.pool.QueryRow(ctx, `
		SELECT id, parent_id, level, name, active, created_at
		FROM survey.geo_unit
		WHERE id = $1`, id,
	).Scan(&u.ID, &u.ParentID, &u.Level, &u.Name, &u.Active, &u.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, pgx.ErrNoRows
		}
		return nil, fmt.Errorf("fetch geo unit %s: %w", id, err)
	}
	return &u, nil
}

// Descendants walks the subtree under a unit (the unit itself included) and
// returns active units grouped by level.
func (s *SyncService) Descendants(ctx context.Context, rootID uuid.UUID) (map[string][]uuid.UUID, error) {
	rows, err := s.pool.Query(ctx, `
		WITH RECURSIVE subtree AS (
			SELECT id, level, active FROM survey.geo_unit WHERE id = $1
			UNION ALL
			SELECT g.id, g.level, g.active
			FROM survey.geo_unit g
			JOIN subtree st ON g.parent_id = st.id
		)
		SELECT id, level FROM subtree WHERE active`, rootID)
	if err != nil {
		return nil, fmt.Errorf("walk descendants of %s: %w", rootID, err)
	}
	defer rows.Close()

	byLevel := make(map[string][]uuid.UUID)
	for rows.Next() {
		var (
			id    uuid.UUID
			level string
		)
		if err := rows.Scan(&id, &level); err != nil {
			return nil, fmt.Errorf("scan descendant: %w", err)
		}
		byLevel[level] = append(byLevel[level], id)
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("walk descendants of %s: %w", rootID, rows.Err())
	}
	return byLevel, nil
}

// InsertUnit adds a unit to the hierarchy, enforcing the forest invariants:
// the parent must exist and be active, the level must sit strictly below the
// parent's, and the resulting ancestor chain may not exceed MaxHierarchyDepth.
func (s *SyncService) InsertUnit(ctx context.Context, unit *GeoUnit) error {
	if _, ok := levelRank[unit.Level]; !ok {
		return fmt.Errorf("unknown hierarchy level %q", unit.Level)
	}

	if unit.ParentID != nil {
		parent, err := s.UnitByID(ctx, *unit.ParentID)
		if err != nil {
			if errors.Is(err, pgx.ErrNoRows) {
				return fmt.Errorf("parent unit %s does not exist", *unit.ParentID)
			}
			return err
		}
		if !parent.Active {
			return fmt.Errorf("parent unit %s is inactive", parent.ID)
		}
		if levelRank[unit.Level] <= levelRank[parent.Level] {
			return fmt.Errorf("level %s cannot nest under %s", unit.Level, parent.Level)
		}
		depth, err := s.ancestorDepth(ctx, *unit.ParentID)
		if err != nil {
			return err
		}
		if depth+1 >= MaxHierarchyDepth {
			return fmt.Errorf("unit would exceed max hierarchy depth %d", MaxHierarchyDepth)
		}
	} else if unit.Level != LevelGovernorate {
		return fmt.Errorf("root units must be %s, got %s", LevelGovernorate, unit.Level)
	}

	if unit.ID == uuid.Nil {
		unit.ID = uuid.New()
	}
	_, err := s.pool.Exec(ctx, `
		INSERT INTO survey.geo_unit (id, parent_id, level, name, active)
		VALUES ($1, $2, $3, $4, TRUE)`,
		unit.ID, unit.ParentID, unit.Level, unit.Name)
	if err != nil {
		return fmt.Errorf("insert geo unit: %w", err)
	}
	return nil
}

// DeactivateUnit retires a unit. Grants pointing at it stop contributing to
// resolved scopes from the next resolution onward.
func (s *SyncService) DeactivateUnit(ctx context.Context, id uuid.UUID) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE survey.geo_unit SET active = FALSE WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("deactivate geo unit %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	return nil
}

// ancestorDepth counts the chain above a unit, bounded by MaxHierarchyDepth
// to keep a corrupted (cyclic) hierarchy from hanging the query.
func (s *SyncService) ancestorDepth(ctx context.Context, id uuid.UUID) (int, error) {
	var depth int
	err := s.pool.QueryRow(ctx, `
		WITH RECURSIVE chain AS (
			SELECT id, parent_id, 1 AS depth FROM survey.geo_unit WHERE id = $1
			UNION ALL
			SELECT g.id, g.parent_id, c.depth + 1
			FROM survey.geo_unit g
			JOIN chain c ON g.id = c.parent_id
			WHERE c.depth < $2
		)
		SELECT MAX(depth) FROM chain`, id, MaxHierarchyDepth+1,
	).Scan(&depth)
	if err != nil {
		return 0, fmt.Errorf("measure ancestor chain of %s: %w", id, err)
	}
	if depth > MaxHierarchyDepth {
		return 0, fmt.Errorf("ancestor chain of %s exceeds max depth %d", id, MaxHierarchyDepth)
	}
	return depth, nil
}
