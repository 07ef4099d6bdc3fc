package fieldsync

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// ResolvedScope is the fully expanded geographic access of one identity at
// resolution time: one set of unit ids per administrative level. It is
// derived per sync session and never cached across sessions, because grants
// can change between sessions.
//
// A ResolvedScope is authorization *input* to query filters; it is never
// handed to a caller without the role-level capability check in authz.go.
type ResolvedScope struct {
	Governorates  map[uuid.UUID]struct{}
	Districts     map[uuid.UUID]struct{}
	SubDistricts  map[uuid.UUID]struct{}
	Neighborhoods map[uuid.UUID]struct{}
}

func newResolvedScope() *ResolvedScope {
	return &ResolvedScope{
		Governorates:  make(map[uuid.UUID]struct{}),
		Districts:     make(map[uuid.UUID]struct{}),
		SubDistricts:  make(map[uuid.UUID]struct{}),
		Neighborhoods: make(map[uuid.UUID]struct{}),
	}
}

// Empty reports whether the scope grants access to nothing.
func (rs *ResolvedScope) Empty() bool {
	if rs == nil {
		return true
	}
	return len(rs.Governorates) == 0 && len(rs.Districts) == 0 &&
		len(rs.SubDistricts) == 0 && len(rs.Neighborhoods) == 0
}

// Covers reports whether a record tagged with the given unit ids falls inside
// the scope. Tags are matched per level; any one match is enough, because
// descendant expansion already placed every reachable unit in its level set.
func (rs *ResolvedScope) Covers(gov, dist, sub, neigh *uuid.UUID) bool {
	if rs == nil {
		return false
	}
	in := func(set map[uuid.UUID]struct{}, id *uuid.UUID) bool {
		if id == nil {
			return false
		}
		_, ok := set[*id]
		return ok
	}
	return in(rs.Governorates, gov) || in(rs.Districts, dist) ||
		in(rs.SubDistricts, sub) || in(rs.Neighborhoods, neigh)
}

// levelArgs renders one level set as a string slice for ANY(...::uuid[])
// query parameters. An empty slice matches no rows, which is the fail-closed
// behavior scoped queries rely on.
func levelArgs(set map[uuid.UUID]struct{}) []string {
	out := make([]string, 0, len(set))
	for id := range set {
		out = append(out, id.String())
	}
	return out
}

// GrantAccess issues a geographic grant to an identity. The unit must exist
// and be active, and must not be a parcel; parcels inherit access through
// their neighborhood.
func (s *SyncService) GrantAccess(ctx context.Context, grant *AccessGrant) error {
	if err := s.checkClosed(); err != nil {
		return err
	}
	unit, err := s.UnitByID(ctx, grant.UnitID)
	if err != nil {
		return fmt.Errorf("grant target: %w", err)
	}
	if !unit.Active {
		return fmt.Errorf("cannot grant on inactive unit %s", unit.ID)
	}
	if unit.Level == LevelParcel {
		return fmt.Errorf("grants are not issued on parcels; grant the neighborhood instead")
	}
	if grant.ID == uuid.Nil {
		grant.ID = uuid.New()
	}
	if grant.StartsAt.IsZero() {
		grant.StartsAt = time.Now()
	}
	_, err = s.pool.Exec(ctx, `
		INSERT INTO survey.access_grant (id, identity_id, unit_id, level, starts_at, ends_at, active)
		VALUES ($1, $2, $3, $4, $5, $6, TRUE)`,
		grant.ID, grant.IdentityID, grant.UnitID, unit.Level, grant.StartsAt, grant.EndsAt)
	if err != nil {
		return fmt.Errorf("insert access grant: %w", err)
	}
	s.logger.Info("Issued access grant",
		"grant_id", grant.ID, "identity_id", grant.IdentityID,
		"unit_id", grant.UnitID, "level", unit.Level)
	return nil
}

// RevokeGrant deactivates a grant. The next scope resolution no longer sees
// it; sessions already holding a resolved scope keep it until they end.
func (s *SyncService) RevokeGrant(ctx context.Context, grantID uuid.UUID) error {
	if err := s.checkClosed(); err != nil {
		return err
	}
	tag, err := s.pool.Exec(ctx,
		`UPDATE survey.access_grant SET active = FALSE WHERE id = $1`, grantID)
	if err != nil {
		return fmt.Errorf("revoke grant %s: %w", grantID, err)
	}
	if tag.RowsAffected() == 0 {
		return pgx.ErrNoRows
	}
	s.logger.Info("Revoked access grant", "grant_id", grantID)
	return nil
}

// ResolveScope expands all currently valid grants of an identity into the
// full set of descendant unit ids, one SQL pass over the hierarchy.
//
// Grants are unioned, never intersected. A grant whose unit was deleted or
// deactivated after issuance contributes nothing. If resolution fails the
// caller gets no scope at all; callers must deny access on error rather than
// fall through.
func (s *SyncService) ResolveScope(ctx context.Context, identityID string) (*ResolvedScope, error) {
	rows, err := s.pool.Query(ctx, `
		WITH RECURSIVE valid_grants AS (
			SELECT g.unit_id
			FROM survey.access_grant g
			JOIN survey.geo_unit u ON u.id = g.unit_id AND u.active
			WHERE g.identity_id = $1
			  AND g.active
			  AND g.starts_at <= now()
			  AND (g.ends_at IS NULL OR g.ends_at > now())
		),
		subtree AS (
			SELECT u.id, u.level
			FROM survey.geo_unit u
			JOIN valid_grants vg ON u.id = vg.unit_id
			WHERE u.active
			UNION
			SELECT c.id, c.level
			FROM survey.geo_unit c
			JOIN subtree st ON c.parent_id = st.id
			WHERE c.active
		)
		SELECT id, level FROM subtree`, identityID)
	if err != nil {
		return nil, fmt.Errorf("resolve scope for %s: %w", identityID, err)
	}
	defer rows.Close()

	scope := newResolvedScope()
	for rows.Next() {
		var (
			id    uuid.UUID
			level string
		)
		if err := rows.Scan(&id, &level); err != nil {
			return nil, fmt.Errorf("scan scope row: %w", err)
		}
		switch level {
		case LevelGovernorate:
			scope.Governorates[id] = struct{}{}
		case LevelDistrict:
			scope.Districts[id] = struct{}{}
		case LevelSubDistrict:
			scope.SubDistricts[id] = struct{}{}
		case LevelNeighborhood:
			scope.Neighborhoods[id] = struct{}{}
		case LevelParcel:
			// Parcels inherit access through their neighborhood; they are
			// not tracked as a scoping level of their own.
		}
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("resolve scope for %s: %w", identityID, rows.Err())
	}

	s.logger.Debug("Resolved access scope",
		"identity_id", identityID,
		"governorates", len(scope.Governorates),
		"districts", len(scope.Districts),
		"sub_districts", len(scope.SubDistricts),
		"neighborhoods", len(scope.Neighborhoods))

	return scope, nil
}
