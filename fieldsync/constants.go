package fieldsync

// Operation types accepted in push requests.
const (
	OpCreate = "CREATE"
	OpUpdate = "UPDATE"
	OpDelete = "DELETE"
)

// Terminal outcomes for offline operations.
const (
	StPending    = "pending"
	StSynced     = "synced"
	StConflicted = "conflicted"
	StFailed     = "failed"
)

// Failure reason codes attached to failed operations.
const (
	ReasonBadPayload        = "bad_payload"
	ReasonUnregisteredTable = "unregistered_table"
	ReasonAccessDenied      = "access_denied"
	ReasonTransientStore    = "transient_store_error"
	ReasonInternalError     = "internal_error"
)

// Conflict kinds. A deleted_on_server conflict is record-level and suppresses
// any field-level concurrent_update conflicts for the same operation.
const (
	ConflictConcurrentUpdate = "concurrent_update"
	ConflictDeletedOnServer  = "deleted_on_server"
)

// Resolution strategies.
const (
	ResolutionServerWins = "server_wins"
	ResolutionClientWins = "client_wins"
	ResolutionManual     = "manual"
)

// Geographic hierarchy levels, root to leaf. Parcels are leaves and are never
// granted directly; grants land on the four administrative levels above them.
const (
	LevelGovernorate  = "governorate"
	LevelDistrict     = "district"
	LevelSubDistrict  = "sub_district"
	LevelNeighborhood = "neighborhood"
	LevelParcel       = "parcel"
)

// MaxHierarchyDepth bounds the ancestor chain of any geographic unit.
const MaxHierarchyDepth = 6

// Payload fields recognized as geographic tags on geo-scoped tables.
const (
	GeoFieldGovernorate  = "governorate_id"
	GeoFieldDistrict     = "district_id"
	GeoFieldSubDistrict  = "sub_district_id"
	GeoFieldNeighborhood = "neighborhood_id"
)

// Session lifecycle.
const (
	SessionActive    = "active"
	SessionCompleted = "completed"
	SessionFailed    = "failed"
)

// Session types.
const (
	SessionFull        = "full"
	SessionIncremental = "incremental"
)

// Change sources recorded in the audit trail.
const (
	SourceWeb    = "web"
	SourceMobile = "mobile"
	SourceSystem = "system"
)

// Tombstone lifecycle.
const (
	TombstonePending    = "pending"
	TombstonePropagated = "propagated"
)

// Tombstone kinds.
const (
	TombstoneSoft = "soft"
	TombstoneHard = "hard"
)

// Built-in roles. Tables without geographic tags or a row-level predicate are
// readable only by roles explicitly allow-listed in their SyncTable config;
// RoleAdmin gets no implicit pass there either.
const (
	RoleAdmin    = "admin"
	RoleSurveyor = "surveyor"
	RoleEngineer = "engineer"
)
