package store

import (
	"errors"
	"fmt"
	"strings"
)

// Role grades access to a collection or note.
type Role string

const (
	RoleOwner  Role = "OWNER"
	RoleEditor Role = "EDITOR"
	RoleViewer Role = "VIEWER"
)

const maxIdentifierLength = 190

var (
	// ErrInvalidID indicates that an entity identifier is empty or exceeds storage bounds.
	ErrInvalidID = errors.New("store: invalid identifier")
	// ErrInvalidRole indicates an unknown membership role.
	ErrInvalidRole = errors.New("store: invalid role")
	// ErrNotFound indicates the requested entity does not exist.
	ErrNotFound = errors.New("store: not found")
	// ErrPermissionDenied indicates the user lacks the required role.
	ErrPermissionDenied = errors.New("store: permission denied")
)

// ValidateID checks a client-generated identifier. Client ids are preserved
// end-to-end: the server stores the client-chosen id and never remaps it.
func ValidateID(rawInput string) (string, error) {
	trimmed := strings.TrimSpace(rawInput)
	if trimmed == "" {
		return "", fmt.Errorf("%w: empty", ErrInvalidID)
	}
	if len(trimmed) > maxIdentifierLength {
		return "", fmt.Errorf("%w: exceeds %d characters", ErrInvalidID, maxIdentifierLength)
	}
	return trimmed, nil
}

// ParseCollectionRole validates a collection membership role.
func ParseCollectionRole(value string) (Role, error) {
	switch Role(strings.ToUpper(strings.TrimSpace(value))) {
	case RoleOwner:
		return RoleOwner, nil
	case RoleEditor:
		return RoleEditor, nil
	case RoleViewer:
		return RoleViewer, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, value)
	}
}

// ParseNoteRole validates a note collaborator role. Notes have no viewer tier.
func ParseNoteRole(value string) (Role, error) {
	switch Role(strings.ToUpper(strings.TrimSpace(value))) {
	case RoleOwner:
		return RoleOwner, nil
	case RoleEditor:
		return RoleEditor, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidRole, value)
	}
}

// Collection models a shared container of notes.
type Collection struct {
	CollectionID     string `gorm:"column:collection_id;primaryKey;size:190;not null"`
	OwnerUserID      string `gorm:"column:owner_user_id;size:190;not null;index:idx_collections_owner"`
	Name             string `gorm:"column:name;size:320;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Collection) TableName() string {
	return "collections"
}

// Note models a persisted note. Collaborative body content lives in the
// note's DocumentRecord; the relational row carries metadata only.
type Note struct {
	NoteID           string `gorm:"column:note_id;primaryKey;size:190;not null"`
	CollectionID     string `gorm:"column:collection_id;size:190;not null;index:idx_notes_collection"`
	OwnerUserID      string `gorm:"column:owner_user_id;size:190;not null;index:idx_notes_owner"`
	Title            string `gorm:"column:title;size:320;not null"`
	CreatedAtSeconds int64  `gorm:"column:created_at_s;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Note) TableName() string {
	return "notes"
}

// Setting stores a per-user preference value.
type Setting struct {
	UserID           string `gorm:"column:user_id;primaryKey;size:190;not null"`
	Key              string `gorm:"column:setting_key;primaryKey;size:190;not null"`
	ValueJSON        string `gorm:"column:value_json;type:text;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Setting) TableName() string {
	return "settings"
}

// CollectionMember is the permission edge granting a user a role on a collection.
type CollectionMember struct {
	CollectionID string `gorm:"column:collection_id;primaryKey;size:190;not null"`
	UserID       string `gorm:"column:user_id;primaryKey;size:190;not null;index:idx_collection_members_user"`
	Role         Role   `gorm:"column:role;size:16;not null"`
}

// TableName provides the explicit table binding for GORM.
func (CollectionMember) TableName() string {
	return "collection_members"
}

// NoteCollaborator is the permission edge granting a user a role on a note.
type NoteCollaborator struct {
	NoteID string `gorm:"column:note_id;primaryKey;size:190;not null"`
	UserID string `gorm:"column:user_id;primaryKey;size:190;not null;index:idx_note_collaborators_user"`
	Role   Role   `gorm:"column:role;size:16;not null"`
}

// TableName provides the explicit table binding for GORM.
func (NoteCollaborator) TableName() string {
	return "note_collaborators"
}

// DocumentRecord is the persisted snapshot of a collaborative document, one
// row per note. It is written by the collaboration gateway on every save
// tick, never by the REST layer directly.
type DocumentRecord struct {
	DocumentID       string `gorm:"column:document_id;primaryKey;size:190;not null"`
	Snapshot         []byte `gorm:"column:snapshot;type:blob;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (DocumentRecord) TableName() string {
	return "document_records"
}
