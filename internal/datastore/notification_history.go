// notification_history.go: persistence for dispatched notifications so
// acknowledgement state survives application restarts.
package datastore

import (
	"fmt"
	"time"
)

// SaveNotificationRecord appends one dispatched notification to the
// history.
func (ds *DataStore) SaveNotificationRecord(record *NotificationRecord) error {
	if record == nil {
		return validationError("notification record cannot be nil", "record", nil)
	}
	if record.Type == "" {
		return validationError("notification type cannot be empty", "type", "")
	}

	if err := ds.DB.Create(record).Error; err != nil {
		return dbError(err, "save_notification_record", "", "type", record.Type)
	}
	return nil
}

// GetRecentNotificationRecords lists the newest entries in the
// notification history.
func (ds *DataStore) GetRecentNotificationRecords(limit int) ([]NotificationRecord, error) {
	var records []NotificationRecord
	err := ds.DB.Order("created_at DESC").
		Limit(normalizeLimit(limit)).
		Find(&records).Error
	if err != nil {
		return nil, dbError(err, "get_recent_notification_records", "")
	}
	return records, nil
}

// AcknowledgeNotification marks one record as acknowledged.
// Acknowledging twice is a no-op.
func (ds *DataStore) AcknowledgeNotification(id uint) error {
	result := ds.DB.Model(&NotificationRecord{}).Where("id = ?", id).Update("acknowledged", true)
	if result.Error != nil {
		return dbError(result.Error, "acknowledge_notification", "", "id", id)
	}
	if result.RowsAffected == 0 {
		var count int64
		if err := ds.DB.Model(&NotificationRecord{}).Where("id = ?", id).Count(&count).Error; err != nil {
			return dbError(err, "acknowledge_notification", "", "id", id)
		}
		if count == 0 {
			return notFoundError("notification record", fmt.Sprintf("%d", id))
		}
	}
	return nil
}

// DeleteExpiredNotificationRecords removes history entries created
// before the cutoff and reports how many were removed. Retention
// cleanup runs this on a schedule.
func (ds *DataStore) DeleteExpiredNotificationRecords(before time.Time) (int64, error) {
	if before.IsZero() {
		return 0, validationError("cutoff time cannot be zero", "before", before)
	}

	result := ds.DB.Where("created_at < ?", before).Delete(&NotificationRecord{})
	if result.Error != nil {
		return 0, dbError(result.Error, "delete_expired_notification_records", "")
	}

	if result.RowsAffected > 0 {
		getLogger().Debug("Removed expired notification records",
			"count", result.RowsAffected,
			"cutoff", before.Format(time.RFC3339))
	}
	return result.RowsAffected, nil
}
