package fieldsync

// Constructors for per-operation outcomes.

// statusSynced marks a successfully applied operation.
func statusSynced(key, recordID string, newVersion int64) OperationStatus {
	return OperationStatus{
		IdempotencyKey: key,
		Status:         StSynced,
		RecordID:       recordID,
		NewVersion:     &newVersion,
	}
}

// statusSyncedIdempotent marks an operation that was already applied; no new
// version is reported because nothing changed on this submission.
func statusSyncedIdempotent(key, recordID string) OperationStatus {
	return OperationStatus{
		IdempotencyKey: key,
		Status:         StSynced,
		RecordID:       recordID,
	}
}

// statusConflicted marks an operation rejected with recorded conflicts.
func statusConflicted(key, recordID string, conflicts []ConflictDetail) OperationStatus {
	return OperationStatus{
		IdempotencyKey: key,
		Status:         StConflicted,
		RecordID:       recordID,
		Conflicts:      conflicts,
	}
}

// statusFailed marks a permanently failed operation.
func statusFailed(key, reason string, err error) OperationStatus {
	st := OperationStatus{
		IdempotencyKey: key,
		Status:         StFailed,
		Reason:         reason,
	}
	if err != nil {
		st.Message = err.Error()
	}
	return st
}
