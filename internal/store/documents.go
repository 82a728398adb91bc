package store

import (
	"context"
	"errors"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

const (
	opLoadDocument = "store.load_document"
	opSaveDocument = "store.save_document"
)

// LoadDocument returns the persisted snapshot for the document, or
// ErrNotFound when no save has happened yet.
func (s *Service) LoadDocument(ctx context.Context, documentID string) ([]byte, error) {
	var record DocumentRecord
	err := s.db.WithContext(ctx).
		Where("document_id = ?", documentID).
		Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, newServiceError(opLoadDocument, reasonNotFound, ErrNotFound)
	}
	if err != nil {
		s.logError(opLoadDocument, reasonQueryFailed, err, zap.String("document_id", documentID))
		return nil, newServiceError(opLoadDocument, reasonQueryFailed, err)
	}
	return record.Snapshot, nil
}

// SaveDocument upserts the snapshot for the document. The collaboration
// gateway is the only writer; the in-memory replica is the source of truth
// during a session, so the latest save always wins.
func (s *Service) SaveDocument(ctx context.Context, documentID string, snapshot []byte) error {
	if documentID == "" || len(snapshot) == 0 {
		return newServiceError(opSaveDocument, reasonInvalidInput, ErrInvalidID)
	}
	record := DocumentRecord{
		DocumentID:       documentID,
		Snapshot:         snapshot,
		UpdatedAtSeconds: s.clock().UTC().Unix(),
	}
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "document_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"snapshot", "updated_at_s"}),
	}).Create(&record).Error
	if err != nil {
		s.logError(opSaveDocument, reasonSaveFailed, err, zap.String("document_id", documentID))
		return newServiceError(opSaveDocument, reasonSaveFailed, err)
	}
	return nil
}
