package client

import (
	"errors"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"
)

var errMissingMirrorDatabase = errors.New("mirror database handle is required")

// Mirror is the device's cached view of collections, notes and settings. It
// is written optimistically by local mutations and authoritatively by resync;
// the action queue is the only permitted source of divergence from the server.
type Mirror struct {
	db    *gorm.DB
	clock func() time.Time
}

// NewMirror constructs the mirror store over the device-local database.
func NewMirror(db *gorm.DB, clock func() time.Time) (*Mirror, error) {
	if db == nil {
		return nil, errMissingMirrorDatabase
	}
	if clock == nil {
		clock = time.Now
	}
	return &Mirror{db: db, clock: clock}, nil
}

// EnsureClientID returns the device's persistent client id, generating it on
// first use. The id keys the realtime connection and tags outgoing writes so
// the server can exclude this device from its own broadcasts.
func (m *Mirror) EnsureClientID(generate func() (string, error)) (string, error) {
	var profile DeviceProfile
	err := m.db.Where("id = ?", 1).Take(&profile).Error
	if err == nil {
		return profile.ClientID, nil
	}
	if !errors.Is(err, gorm.ErrRecordNotFound) {
		return "", err
	}
	clientID, err := generate()
	if err != nil {
		return "", err
	}
	profile = DeviceProfile{ID: 1, ClientID: clientID}
	if err := m.db.Create(&profile).Error; err != nil {
		return "", err
	}
	return clientID, nil
}

// UpsertCollection writes a collection view.
func (m *Mirror) UpsertCollection(collection Collection) error {
	return m.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "collection_id"}},
		UpdateAll: true,
	}).Create(&collection).Error
}

// DeleteCollection removes a collection view and its note views.
func (m *Mirror) DeleteCollection(collectionID string) error {
	return m.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("collection_id = ?", collectionID).Delete(&Note{}).Error; err != nil {
			return err
		}
		return tx.Where("collection_id = ?", collectionID).Delete(&Collection{}).Error
	})
}

// ListCollections returns all cached collections.
func (m *Mirror) ListCollections() ([]Collection, error) {
	var collections []Collection
	if err := m.db.Order("collection_id ASC").Find(&collections).Error; err != nil {
		return nil, err
	}
	return collections, nil
}

// UpsertNote writes a note view.
func (m *Mirror) UpsertNote(note Note) error {
	return m.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "note_id"}},
		UpdateAll: true,
	}).Create(&note).Error
}

// DeleteNote removes a note view and its cached document.
func (m *Mirror) DeleteNote(noteID string) error {
	return m.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("note_id = ?", noteID).Delete(&Document{}).Error; err != nil {
			return err
		}
		return tx.Where("note_id = ?", noteID).Delete(&Note{}).Error
	})
}

// ListNotes returns all cached notes.
func (m *Mirror) ListNotes() ([]Note, error) {
	var notes []Note
	if err := m.db.Order("note_id ASC").Find(&notes).Error; err != nil {
		return nil, err
	}
	return notes, nil
}

// UpsertSetting writes a setting view.
func (m *Mirror) UpsertSetting(setting Setting) error {
	return m.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "setting_key"}},
		UpdateAll: true,
	}).Create(&setting).Error
}

// ListSettings returns all cached settings.
func (m *Mirror) ListSettings() ([]Setting, error) {
	var settings []Setting
	if err := m.db.Order("setting_key ASC").Find(&settings).Error; err != nil {
		return nil, err
	}
	return settings, nil
}

// SaveDocument caches a fetched document snapshot.
func (m *Mirror) SaveDocument(noteID string, snapshot []byte) error {
	record := Document{
		NoteID:           noteID,
		Snapshot:         snapshot,
		UpdatedAtSeconds: m.clock().UTC().Unix(),
	}
	return m.db.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "note_id"}},
		DoUpdates: clause.AssignmentColumns([]string{"snapshot", "updated_at_s"}),
	}).Create(&record).Error
}

// Document returns the cached snapshot for a note, or nil when absent.
func (m *Mirror) Document(noteID string) ([]byte, error) {
	var record Document
	err := m.db.Where("note_id = ?", noteID).Take(&record).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return record.Snapshot, nil
}

// ReplaceAll overwrites the mirror with server truth in one transaction.
// Cached documents and the device profile survive; entity views are
// replaced wholesale.
func (m *Mirror) ReplaceAll(collections []Collection, notes []Note, settings []Setting) error {
	return m.db.Transaction(func(tx *gorm.DB) error {
		for _, model := range []any{&Collection{}, &Note{}, &Setting{}} {
			if err := tx.Where("1 = 1").Delete(model).Error; err != nil {
				return err
			}
		}
		if len(collections) > 0 {
			if err := tx.Create(&collections).Error; err != nil {
				return err
			}
		}
		if len(notes) > 0 {
			if err := tx.Create(&notes).Error; err != nil {
				return err
			}
		}
		if len(settings) > 0 {
			if err := tx.Create(&settings).Error; err != nil {
				return err
			}
		}
		return nil
	})
}
