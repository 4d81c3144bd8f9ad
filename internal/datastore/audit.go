package datastore

import (
	"time"
)

// AuditLogFilters narrows an audit trail search. Zero values leave the
// corresponding dimension unfiltered.
type AuditLogFilters struct {
	UserID     uint
	Action     string
	EntityType string
	EntityID   uint
	From       time.Time
	To         time.Time
}

// InsertAuditLog appends one entry to the audit trail. The trail is
// append-only: no update or delete operations exist for audit rows.
func (ds *DataStore) InsertAuditLog(entry *AuditLog) error {
	if entry == nil {
		return validationError("audit entry cannot be nil", "entry", nil)
	}
	if entry.Action == "" {
		return validationError("audit action cannot be empty", "action", "")
	}

	if err := ds.DB.Create(entry).Error; err != nil {
		return dbError(err, "insert_audit_log", "", "action", entry.Action)
	}
	return nil
}

// SearchAuditLogs pages through the audit trail newest first and
// reports the total match count for pagination.
func (ds *DataStore) SearchAuditLogs(filters *AuditLogFilters, limit, offset int) ([]AuditLog, int64, error) {
	query := ds.DB.Model(&AuditLog{})

	if filters != nil {
		if filters.UserID != 0 {
			query = query.Where("user_id = ?", filters.UserID)
		}
		if filters.Action != "" {
			query = query.Where("action = ?", filters.Action)
		}
		if filters.EntityType != "" {
			query = query.Where("entity_type = ?", filters.EntityType)
		}
		if filters.EntityID != 0 {
			query = query.Where("entity_id = ?", filters.EntityID)
		}
		if !filters.From.IsZero() {
			query = query.Where("created_at >= ?", filters.From)
		}
		if !filters.To.IsZero() {
			query = query.Where("created_at < ?", filters.To)
		}
	}

	var total int64
	if err := query.Count(&total).Error; err != nil {
		return nil, 0, dbError(err, "search_audit_logs", "")
	}

	var entries []AuditLog
	err := query.Order("created_at DESC").
		Limit(normalizeLimit(limit)).
		Offset(offset).
		Find(&entries).Error
	if err != nil {
		return nil, 0, dbError(err, "search_audit_logs", "")
	}
	return entries, total, nil
}
