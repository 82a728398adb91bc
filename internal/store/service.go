package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var (
	errMissingDatabase = errors.New("database handle is required")
	errMissingUserID   = errors.New("user identifier is required")
	noOpLogger         = zap.NewNop()
)

// ServiceError pairs a machine-readable operation code with its cause.
type ServiceError struct {
	code string
	err  error
}

func (e *ServiceError) Error() string {
	if e.err == nil {
		return e.code
	}
	return fmt.Sprintf("%s: %v", e.code, e.err)
}

func (e *ServiceError) Unwrap() error {
	return e.err
}

func (e *ServiceError) Code() string {
	return e.code
}

const (
	opServiceNew          = "store.service.new"
	opCreateCollection    = "store.create_collection"
	opUpdateCollection    = "store.update_collection"
	opDeleteCollection    = "store.delete_collection"
	opGetCollection       = "store.get_collection"
	opListCollections     = "store.list_collections"
	opCreateNote          = "store.create_note"
	opUpdateNote          = "store.update_note"
	opDeleteNote          = "store.delete_note"
	opGetNote             = "store.get_note"
	opListNotes           = "store.list_notes"
	opUpsertSetting       = "store.upsert_setting"
	opListSettings        = "store.list_settings"
	opAddMember           = "store.add_collection_member"
	opRemoveMember        = "store.remove_collection_member"
	opCollectionAudience  = "store.collection_audience"
	opNoteAudience        = "store.note_audience"
	opNoteEditPermission  = "store.note_edit_permission"
	reasonQueryFailed     = "query_failed"
	reasonSaveFailed      = "save_failed"
	reasonDeleteFailed    = "delete_failed"
	reasonNotFound        = "not_found"
	reasonDenied          = "permission_denied"
	reasonInvalidInput    = "invalid_input"
	reasonMissingDatabase = "missing_database"
)

func newServiceError(operation, reason string, cause error) error {
	code := fmt.Sprintf("%s.%s", operation, reason)
	return &ServiceError{code: code, err: cause}
}

// ServiceConfig bundles the dependencies of the store service.
type ServiceConfig struct {
	Database *gorm.DB
	Clock    func() time.Time
	Logger   *zap.Logger
}

// Service owns the relational entities, their permission edges and the
// persisted document records. It also acts as the hub's audience resolver.
type Service struct {
	db     *gorm.DB
	clock  func() time.Time
	logger *zap.Logger
}

// NewService constructs the store service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Database == nil {
		return nil, newServiceError(opServiceNew, reasonMissingDatabase, errMissingDatabase)
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = noOpLogger
	}
	return &Service{db: cfg.Database, clock: clock, logger: logger}, nil
}

// CreateCollection persists a collection under the client-generated id and
// records the creator as its OWNER member.
func (s *Service) CreateCollection(ctx context.Context, userID string, collection Collection) (Collection, error) {
	collectionID, err := ValidateID(collection.CollectionID)
	if err != nil {
		return Collection{}, newServiceError(opCreateCollection, reasonInvalidInput, err)
	}
	if userID == "" {
		return Collection{}, newServiceError(opCreateCollection, reasonInvalidInput, errMissingUserID)
	}

	now := s.clock().UTC().Unix()
	collection.CollectionID = collectionID
	collection.OwnerUserID = userID
	collection.CreatedAtSeconds = now
	collection.UpdatedAtSeconds = now

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&collection).Error; err != nil {
			return err
		}
		member := CollectionMember{CollectionID: collectionID, UserID: userID, Role: RoleOwner}
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&member).Error
	})
	if txErr != nil {
		s.logError(opCreateCollection, reasonSaveFailed, txErr, zap.String("collection_id", collectionID))
		return Collection{}, newServiceError(opCreateCollection, reasonSaveFailed, txErr)
	}
	return collection, nil
}

// UpdateCollection renames a collection; the caller must hold EDITOR or OWNER.
func (s *Service) UpdateCollection(ctx context.Context, userID string, collection Collection) (Collection, error) {
	role, ok, err := s.collectionRole(ctx, collection.CollectionID, userID)
	if err != nil {
		s.logError(opUpdateCollection, reasonQueryFailed, err, zap.String("collection_id", collection.CollectionID))
		return Collection{}, newServiceError(opUpdateCollection, reasonQueryFailed, err)
	}
	if !ok {
		return Collection{}, newServiceError(opUpdateCollection, reasonNotFound, ErrNotFound)
	}
	if role == RoleViewer {
		return Collection{}, newServiceError(opUpdateCollection, reasonDenied, ErrPermissionDenied)
	}

	var existing Collection
	if err := s.db.WithContext(ctx).Where("collection_id = ?", collection.CollectionID).Take(&existing).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Collection{}, newServiceError(opUpdateCollection, reasonNotFound, ErrNotFound)
		}
		s.logError(opUpdateCollection, reasonQueryFailed, err, zap.String("collection_id", collection.CollectionID))
		return Collection{}, newServiceError(opUpdateCollection, reasonQueryFailed, err)
	}

	existing.Name = collection.Name
	existing.UpdatedAtSeconds = s.clock().UTC().Unix()
	if err := s.db.WithContext(ctx).Save(&existing).Error; err != nil {
		s.logError(opUpdateCollection, reasonSaveFailed, err, zap.String("collection_id", collection.CollectionID))
		return Collection{}, newServiceError(opUpdateCollection, reasonSaveFailed, err)
	}
	return existing, nil
}

// DeleteCollection removes a collection, its notes and its permission edges.
// Only the OWNER may delete.
func (s *Service) DeleteCollection(ctx context.Context, userID, collectionID string) error {
	role, ok, err := s.collectionRole(ctx, collectionID, userID)
	if err != nil {
		s.logError(opDeleteCollection, reasonQueryFailed, err, zap.String("collection_id", collectionID))
		return newServiceError(opDeleteCollection, reasonQueryFailed, err)
	}
	if !ok {
		return newServiceError(opDeleteCollection, reasonNotFound, ErrNotFound)
	}
	if role != RoleOwner {
		return newServiceError(opDeleteCollection, reasonDenied, ErrPermissionDenied)
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var noteIDs []string
		if err := tx.Model(&Note{}).Where("collection_id = ?", collectionID).Pluck("note_id", &noteIDs).Error; err != nil {
			return err
		}
		if len(noteIDs) > 0 {
			if err := tx.Where("note_id IN ?", noteIDs).Delete(&NoteCollaborator{}).Error; err != nil {
				return err
			}
			if err := tx.Where("document_id IN ?", noteIDs).Delete(&DocumentRecord{}).Error; err != nil {
				return err
			}
		}
		if err := tx.Where("collection_id = ?", collectionID).Delete(&Note{}).Error; err != nil {
			return err
		}
		if err := tx.Where("collection_id = ?", collectionID).Delete(&CollectionMember{}).Error; err != nil {
			return err
		}
		return tx.Where("collection_id = ?", collectionID).Delete(&Collection{}).Error
	})
	if txErr != nil {
		s.logError(opDeleteCollection, reasonDeleteFailed, txErr, zap.String("collection_id", collectionID))
		return newServiceError(opDeleteCollection, reasonDeleteFailed, txErr)
	}
	return nil
}

// GetCollection fetches a single collection the user is a member of.
func (s *Service) GetCollection(ctx context.Context, userID, collectionID string) (Collection, error) {
	_, ok, err := s.collectionRole(ctx, collectionID, userID)
	if err != nil {
		s.logError(opGetCollection, reasonQueryFailed, err, zap.String("collection_id", collectionID))
		return Collection{}, newServiceError(opGetCollection, reasonQueryFailed, err)
	}
	if !ok {
		return Collection{}, newServiceError(opGetCollection, reasonNotFound, ErrNotFound)
	}
	var collection Collection
	if err := s.db.WithContext(ctx).Where("collection_id = ?", collectionID).Take(&collection).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Collection{}, newServiceError(opGetCollection, reasonNotFound, ErrNotFound)
		}
		s.logError(opGetCollection, reasonQueryFailed, err, zap.String("collection_id", collectionID))
		return Collection{}, newServiceError(opGetCollection, reasonQueryFailed, err)
	}
	return collection, nil
}

// ListCollections returns every collection the user is a member of.
func (s *Service) ListCollections(ctx context.Context, userID string) ([]Collection, error) {
	if userID == "" {
		return nil, newServiceError(opListCollections, reasonInvalidInput, errMissingUserID)
	}
	var collections []Collection
	err := s.db.WithContext(ctx).
		Joins("JOIN collection_members ON collection_members.collection_id = collections.collection_id").
		Where("collection_members.user_id = ?", userID).
		Order("collections.created_at_s ASC").
		Find(&collections).Error
	if err != nil {
		s.logError(opListCollections, reasonQueryFailed, err, zap.String("user_id", userID))
		return nil, newServiceError(opListCollections, reasonQueryFailed, err)
	}
	return collections, nil
}

// CreateNote persists a note under the client-generated id. The caller must
// hold EDITOR or OWNER on the target collection and becomes the note's OWNER
// collaborator.
func (s *Service) CreateNote(ctx context.Context, userID string, note Note) (Note, error) {
	noteID, err := ValidateID(note.NoteID)
	if err != nil {
		return Note{}, newServiceError(opCreateNote, reasonInvalidInput, err)
	}
	role, ok, err := s.collectionRole(ctx, note.CollectionID, userID)
	if err != nil {
		s.logError(opCreateNote, reasonQueryFailed, err, zap.String("note_id", noteID))
		return Note{}, newServiceError(opCreateNote, reasonQueryFailed, err)
	}
	if !ok {
		return Note{}, newServiceError(opCreateNote, reasonNotFound, ErrNotFound)
	}
	if role == RoleViewer {
		return Note{}, newServiceError(opCreateNote, reasonDenied, ErrPermissionDenied)
	}

	now := s.clock().UTC().Unix()
	note.NoteID = noteID
	note.OwnerUserID = userID
	note.CreatedAtSeconds = now
	note.UpdatedAtSeconds = now

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&note).Error; err != nil {
			return err
		}
		collaborator := NoteCollaborator{NoteID: noteID, UserID: userID, Role: RoleOwner}
		return tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&collaborator).Error
	})
	if txErr != nil {
		s.logError(opCreateNote, reasonSaveFailed, txErr, zap.String("note_id", noteID))
		return Note{}, newServiceError(opCreateNote, reasonSaveFailed, txErr)
	}
	return note, nil
}

// UpdateNote applies metadata changes; the caller needs edit permission.
func (s *Service) UpdateNote(ctx context.Context, userID string, note Note) (Note, error) {
	allowed, err := s.HasNoteEditPermission(ctx, note.NoteID, userID)
	if err != nil {
		return Note{}, err
	}
	if !allowed {
		return Note{}, newServiceError(opUpdateNote, reasonDenied, ErrPermissionDenied)
	}

	var existing Note
	if err := s.db.WithContext(ctx).Where("note_id = ?", note.NoteID).Take(&existing).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Note{}, newServiceError(opUpdateNote, reasonNotFound, ErrNotFound)
		}
		s.logError(opUpdateNote, reasonQueryFailed, err, zap.String("note_id", note.NoteID))
		return Note{}, newServiceError(opUpdateNote, reasonQueryFailed, err)
	}

	existing.Title = note.Title
	existing.UpdatedAtSeconds = s.clock().UTC().Unix()
	if err := s.db.WithContext(ctx).Save(&existing).Error; err != nil {
		s.logError(opUpdateNote, reasonSaveFailed, err, zap.String("note_id", note.NoteID))
		return Note{}, newServiceError(opUpdateNote, reasonSaveFailed, err)
	}
	return existing, nil
}

// DeleteNote removes the note, its collaborator edges and its document record.
func (s *Service) DeleteNote(ctx context.Context, userID, noteID string) error {
	allowed, err := s.HasNoteEditPermission(ctx, noteID, userID)
	if err != nil {
		return err
	}
	if !allowed {
		return newServiceError(opDeleteNote, reasonDenied, ErrPermissionDenied)
	}

	txErr := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("note_id = ?", noteID).Delete(&NoteCollaborator{}).Error; err != nil {
			return err
		}
		if err := tx.Where("document_id = ?", noteID).Delete(&DocumentRecord{}).Error; err != nil {
			return err
		}
		return tx.Where("note_id = ?", noteID).Delete(&Note{}).Error
	})
	if txErr != nil {
		s.logError(opDeleteNote, reasonDeleteFailed, txErr, zap.String("note_id", noteID))
		return newServiceError(opDeleteNote, reasonDeleteFailed, txErr)
	}
	return nil
}

// GetNote fetches a single note visible to the user.
func (s *Service) GetNote(ctx context.Context, userID, noteID string) (Note, error) {
	var note Note
	if err := s.db.WithContext(ctx).Where("note_id = ?", noteID).Take(&note).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return Note{}, newServiceError(opGetNote, reasonNotFound, ErrNotFound)
		}
		s.logError(opGetNote, reasonQueryFailed, err, zap.String("note_id", noteID))
		return Note{}, newServiceError(opGetNote, reasonQueryFailed, err)
	}
	audience, err := s.NoteAudience(ctx, noteID)
	if err != nil {
		return Note{}, newServiceError(opGetNote, reasonQueryFailed, err)
	}
	for _, member := range audience {
		if member == userID {
			return note, nil
		}
	}
	return Note{}, newServiceError(opGetNote, reasonDenied, ErrPermissionDenied)
}

// ListNotes returns every note the user can see: notes of collections the
// user belongs to union notes shared with the user directly.
func (s *Service) ListNotes(ctx context.Context, userID string) ([]Note, error) {
	if userID == "" {
		return nil, newServiceError(opListNotes, reasonInvalidInput, errMissingUserID)
	}
	var notes []Note
	err := s.db.WithContext(ctx).
		Distinct("notes.*").
		Joins("LEFT JOIN collection_members ON collection_members.collection_id = notes.collection_id").
		Joins("LEFT JOIN note_collaborators ON note_collaborators.note_id = notes.note_id").
		Where("collection_members.user_id = ? OR note_collaborators.user_id = ?", userID, userID).
		Order("notes.created_at_s ASC").
		Find(&notes).Error
	if err != nil {
		s.logError(opListNotes, reasonQueryFailed, err, zap.String("user_id", userID))
		return nil, newServiceError(opListNotes, reasonQueryFailed, err)
	}
	return notes, nil
}

// UpsertSetting stores a per-user preference value.
func (s *Service) UpsertSetting(ctx context.Context, userID string, setting Setting) (Setting, error) {
	if userID == "" || setting.Key == "" {
		return Setting{}, newServiceError(opUpsertSetting, reasonInvalidInput, errMissingUserID)
	}
	setting.UserID = userID
	setting.UpdatedAtSeconds = s.clock().UTC().Unix()
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "user_id"}, {Name: "setting_key"}},
		DoUpdates: clause.AssignmentColumns([]string{"value_json", "updated_at_s"}),
	}).Create(&setting).Error
	if err != nil {
		s.logError(opUpsertSetting, reasonSaveFailed, err, zap.String("setting_key", setting.Key))
		return Setting{}, newServiceError(opUpsertSetting, reasonSaveFailed, err)
	}
	return setting, nil
}

// ListSettings returns every setting for the user.
func (s *Service) ListSettings(ctx context.Context, userID string) ([]Setting, error) {
	var settings []Setting
	if err := s.db.WithContext(ctx).Where("user_id = ?", userID).Order("setting_key ASC").Find(&settings).Error; err != nil {
		s.logError(opListSettings, reasonQueryFailed, err, zap.String("user_id", userID))
		return nil, newServiceError(opListSettings, reasonQueryFailed, err)
	}
	return settings, nil
}

// AddCollectionMember grants a role on a collection. Only the OWNER may manage membership.
func (s *Service) AddCollectionMember(ctx context.Context, actorUserID string, member CollectionMember) error {
	role, ok, err := s.collectionRole(ctx, member.CollectionID, actorUserID)
	if err != nil {
		s.logError(opAddMember, reasonQueryFailed, err, zap.String("collection_id", member.CollectionID))
		return newServiceError(opAddMember, reasonQueryFailed, err)
	}
	if !ok {
		return newServiceError(opAddMember, reasonNotFound, ErrNotFound)
	}
	if role != RoleOwner {
		return newServiceError(opAddMember, reasonDenied, ErrPermissionDenied)
	}
	err = s.db.WithContext(ctx).Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "collection_id"}, {Name: "user_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"role"}),
	}).Create(&member).Error
	if err != nil {
		s.logError(opAddMember, reasonSaveFailed, err, zap.String("collection_id", member.CollectionID))
		return newServiceError(opAddMember, reasonSaveFailed, err)
	}
	return nil
}

// RemoveCollectionMember revokes a user's membership. Only the OWNER may manage membership.
func (s *Service) RemoveCollectionMember(ctx context.Context, actorUserID, collectionID, memberUserID string) error {
	role, ok, err := s.collectionRole(ctx, collectionID, actorUserID)
	if err != nil {
		s.logError(opRemoveMember, reasonQueryFailed, err, zap.String("collection_id", collectionID))
		return newServiceError(opRemoveMember, reasonQueryFailed, err)
	}
	if !ok {
		return newServiceError(opRemoveMember, reasonNotFound, ErrNotFound)
	}
	if role != RoleOwner {
		return newServiceError(opRemoveMember, reasonDenied, ErrPermissionDenied)
	}
	err = s.db.WithContext(ctx).
		Where("collection_id = ? AND user_id = ?", collectionID, memberUserID).
		Delete(&CollectionMember{}).Error
	if err != nil {
		s.logError(opRemoveMember, reasonDeleteFailed, err, zap.String("collection_id", collectionID))
		return newServiceError(opRemoveMember, reasonDeleteFailed, err)
	}
	return nil
}

// CollectionAudience returns the user ids of every member of the collection.
func (s *Service) CollectionAudience(ctx context.Context, collectionID string) ([]string, error) {
	var userIDs []string
	err := s.db.WithContext(ctx).
		Model(&CollectionMember{}).
		Where("collection_id = ?", collectionID).
		Pluck("user_id", &userIDs).Error
	if err != nil {
		s.logError(opCollectionAudience, reasonQueryFailed, err, zap.String("collection_id", collectionID))
		return nil, newServiceError(opCollectionAudience, reasonQueryFailed, err)
	}
	return userIDs, nil
}

// NoteAudience returns the note's collaborators union the owning collection's members.
func (s *Service) NoteAudience(ctx context.Context, noteID string) ([]string, error) {
	var note Note
	if err := s.db.WithContext(ctx).Where("note_id = ?", noteID).Take(&note).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, newServiceError(opNoteAudience, reasonNotFound, ErrNotFound)
		}
		s.logError(opNoteAudience, reasonQueryFailed, err, zap.String("note_id", noteID))
		return nil, newServiceError(opNoteAudience, reasonQueryFailed, err)
	}

	var collaboratorIDs []string
	if err := s.db.WithContext(ctx).
		Model(&NoteCollaborator{}).
		Where("note_id = ?", noteID).
		Pluck("user_id", &collaboratorIDs).Error; err != nil {
		s.logError(opNoteAudience, reasonQueryFailed, err, zap.String("note_id", noteID))
		return nil, newServiceError(opNoteAudience, reasonQueryFailed, err)
	}

	memberIDs, err := s.CollectionAudience(ctx, note.CollectionID)
	if err != nil {
		return nil, err
	}

	seen := make(map[string]struct{}, len(collaboratorIDs)+len(memberIDs))
	audience := make([]string, 0, len(collaboratorIDs)+len(memberIDs))
	for _, id := range append(collaboratorIDs, memberIDs...) {
		if _, ok := seen[id]; ok {
			continue
		}
		seen[id] = struct{}{}
		audience = append(audience, id)
	}
	return audience, nil
}

// HasNoteEditPermission reports whether the user may currently edit the note.
// Permission is re-checked against the live edges on every call, never
// cached, because membership can change mid-session.
func (s *Service) HasNoteEditPermission(ctx context.Context, noteID, userID string) (bool, error) {
	var collaborator NoteCollaborator
	err := s.db.WithContext(ctx).
		Where("note_id = ? AND user_id = ?", noteID, userID).
		Take(&collaborator).Error
	if err == nil {
		return true, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		s.logError(opNoteEditPermission, reasonQueryFailed, err, zap.String("note_id", noteID))
		return false, newServiceError(opNoteEditPermission, reasonQueryFailed, err)
	}

	var note Note
	if err := s.db.WithContext(ctx).Where("note_id = ?", noteID).Take(&note).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return false, nil
		}
		s.logError(opNoteEditPermission, reasonQueryFailed, err, zap.String("note_id", noteID))
		return false, newServiceError(opNoteEditPermission, reasonQueryFailed, err)
	}
	role, ok, err := s.collectionRole(ctx, note.CollectionID, userID)
	if err != nil {
		s.logError(opNoteEditPermission, reasonQueryFailed, err, zap.String("note_id", noteID))
		return false, newServiceError(opNoteEditPermission, reasonQueryFailed, err)
	}
	return ok && role != RoleViewer, nil
}

func (s *Service) collectionRole(ctx context.Context, collectionID, userID string) (Role, bool, error) {
	var member CollectionMember
	err := s.db.WithContext(ctx).
		Where("collection_id = ? AND user_id = ?", collectionID, userID).
		Take(&member).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return member.Role, true, nil
}

func (s *Service) logError(operation, reason string, err error, fields ...zap.Field) {
	attrs := []zap.Field{
		zap.String("operation", operation),
		zap.String("reason", reason),
	}
	if err != nil {
		attrs = append(attrs, zap.Error(err))
	}
	attrs = append(attrs, fields...)
	s.logger.Error("store service error", attrs...)
}

// IsPermissionDenied reports whether the error is a terminal permission failure.
func IsPermissionDenied(err error) bool {
	return errors.Is(err, ErrPermissionDenied)
}

// IsNotFound reports whether the error indicates a missing entity.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}
