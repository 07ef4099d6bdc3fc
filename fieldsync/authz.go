package fieldsync

import (
	"fmt"
)

// Action is a capability being exercised against a syncable table.
type Action string

const (
	ActionRead    Action = "read"
	ActionWrite   Action = "write"
	ActionResolve Action = "resolve"
)

// authorize is the single capability check consulted by pull, push and
// conflict resolution alike; web routes and the sync engine must not drift
// apart on authorization, so both go through here.
//
// The rules are default-deny:
//   - geo-scoped tables require a non-empty resolved scope (per-row scope
//     filtering happens at the query layer; write-side coverage is checked
//     against the record's tags in apply);
//   - tables with a row-assignment predicate are readable/writable by the
//     assignee, and by admins;
//   - tables with neither are open only to roles explicitly allow-listed in
//     the table config — no role, admin included, passes implicitly;
//   - conflict resolution is an administrative action.
func authorize(identity Identity, action Action, table *SyncTable, scope *ResolvedScope) error {
	if table == nil {
		return ErrUnregisteredTable
	}

	if action == ActionResolve {
		if identity.Role != RoleAdmin {
			return fmt.Errorf("%w: role %s may not resolve conflicts", ErrAccessDenied, identity.Role)
		}
		return nil
	}

	switch {
	case table.GeoScoped:
		if scope.Empty() {
			return fmt.Errorf("%w: no geographic scope for %s on %s", ErrAccessDenied, identity.ID, table.Name)
		}
		return nil
	case table.AssignedToField != "":
		// Row-level predicate applies per record in the query/apply layer.
		return nil
	default:
		for _, role := range table.AllowRoles {
			if role == identity.Role {
				return nil
			}
		}
		return fmt.Errorf("%w: table %s is not allow-listed for role %s", ErrAccessDenied, table.Name, identity.Role)
	}
}

// rowBypass reports whether a role sees past the row-assignment predicate.
func rowBypass(identity Identity) bool {
	return identity.Role == RoleAdmin
}
