package client

import (
	"errors"
	"fmt"

	"gorm.io/gorm"
)

var errMissingQueueDatabase = errors.New("queue database handle is required")

// Queue is the durable, append-only record of pending mutations. Enqueue is
// local-only and never blocks on the network; the sync engine drains items in
// creation order.
type Queue struct {
	db *gorm.DB
}

// NewQueue constructs the queue over the device-local database.
func NewQueue(db *gorm.DB) (*Queue, error) {
	if db == nil {
		return nil, errMissingQueueDatabase
	}
	return &Queue{db: db}, nil
}

// Enqueue appends an item in pending state.
func (q *Queue) Enqueue(item ActionItem) error {
	if item.ActionID == "" {
		return fmt.Errorf("queue: action id is required")
	}
	item.Status = StatusPending
	item.Retryable = true
	item.Error = ""
	return q.db.Create(&item).Error
}

// Drainable returns items eligible for dispatch in creation order: pending
// items, failed items whose error was transient, and processing items whose
// claim went stale. The drain lane is strictly sequential per device, so a
// processing item can only mean the previous drain died before recording an
// outcome; reclaiming it keeps every queued mutation dispatchable after a
// crash.
func (q *Queue) Drainable() ([]ActionItem, error) {
	var items []ActionItem
	err := q.db.
		Where("status IN ? OR (status = ? AND retryable = ?)",
			[]ActionStatus{StatusPending, StatusProcessing}, StatusError, true).
		Order("created_at_s ASC, action_id ASC").
		Find(&items).Error
	if err != nil {
		return nil, err
	}
	return items, nil
}

// Items returns the full queue in creation order, failed items included, so
// the user can inspect what has not reached the server yet.
func (q *Queue) Items() ([]ActionItem, error) {
	var items []ActionItem
	if err := q.db.Order("created_at_s ASC, action_id ASC").Find(&items).Error; err != nil {
		return nil, err
	}
	return items, nil
}

// MarkProcessing transitions an item to processing.
func (q *Queue) MarkProcessing(actionID string) error {
	return q.db.Model(&ActionItem{}).
		Where("action_id = ?", actionID).
		Updates(map[string]any{"status": StatusProcessing, "error": ""}).Error
}

// MarkError records a failure, keeping the item and its causing message
// visible. Retryable failures are picked up again by the next drain;
// terminal failures wait for an explicit Retry.
func (q *Queue) MarkError(actionID, message string, retryable bool) error {
	return q.db.Model(&ActionItem{}).
		Where("action_id = ?", actionID).
		Updates(map[string]any{"status": StatusError, "error": message, "retryable": retryable}).Error
}

// Remove deletes a successfully applied item.
func (q *Queue) Remove(actionID string) error {
	return q.db.Where("action_id = ?", actionID).Delete(&ActionItem{}).Error
}

// Retry resets a failed item to pending for the next drain.
func (q *Queue) Retry(actionID string) error {
	return q.db.Model(&ActionItem{}).
		Where("action_id = ? AND status = ?", actionID, StatusError).
		Updates(map[string]any{"status": StatusPending, "retryable": true, "error": ""}).Error
}
