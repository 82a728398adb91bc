package client

// ActionType enumerates the mutations a device can record for later dispatch.
type ActionType string

const (
	ActionCreateCollection ActionType = "CreateCollection"
	ActionUpdateCollection ActionType = "UpdateCollection"
	ActionDeleteCollection ActionType = "DeleteCollection"
	ActionCreateNote       ActionType = "CreateNote"
	ActionUpdateNote       ActionType = "UpdateNote"
	ActionDeleteNote       ActionType = "DeleteNote"
	ActionUpdateSetting    ActionType = "UpdateSetting"
)

// ActionStatus tracks a queue item through its lifecycle.
type ActionStatus string

const (
	StatusPending    ActionStatus = "pending"
	StatusProcessing ActionStatus = "processing"
	StatusError      ActionStatus = "error"
)

// ActionItem is one durable record of a pending local mutation. Items are
// owned exclusively by one device and never shared; completed items are
// removed, failed items are kept with their error visible.
type ActionItem struct {
	ActionID         string       `gorm:"column:action_id;primaryKey;size:190;not null"`
	Type             ActionType   `gorm:"column:action_type;size:64;not null"`
	RelatedEntityID  string       `gorm:"column:related_entity_id;size:190;not null;index:idx_action_queue_entity"`
	PayloadJSON      string       `gorm:"column:payload_json;type:text;not null"`
	Status           ActionStatus `gorm:"column:status;size:16;not null;index:idx_action_queue_status"`
	Retryable        bool         `gorm:"column:retryable;not null;default:true"`
	Error            string       `gorm:"column:error;type:text;not null;default:''"`
	CreatedAtSeconds int64        `gorm:"column:created_at_s;not null;index:idx_action_queue_created"`
}

// TableName provides the explicit table binding for GORM.
func (ActionItem) TableName() string {
	return "action_queue"
}

// Collection is the device's cached view of a collection. Server-only fields
// stay zero until the first successful sync round-trip.
type Collection struct {
	CollectionID           string `gorm:"column:collection_id;primaryKey;size:190;not null" json:"collectionId"`
	Name                   string `gorm:"column:name;size:320;not null" json:"name"`
	ServerCreatedAtSeconds int64  `gorm:"column:server_created_at_s;not null;default:0" json:"serverCreatedAt,omitempty"`
	ServerUpdatedAtSeconds int64  `gorm:"column:server_updated_at_s;not null;default:0" json:"serverUpdatedAt,omitempty"`
}

// TableName provides the explicit table binding for GORM.
func (Collection) TableName() string {
	return "mirror_collections"
}

// Note is the device's cached view of a note.
type Note struct {
	NoteID                 string `gorm:"column:note_id;primaryKey;size:190;not null" json:"noteId"`
	CollectionID           string `gorm:"column:collection_id;size:190;not null;index:idx_mirror_notes_collection" json:"collectionId"`
	Title                  string `gorm:"column:title;size:320;not null" json:"title"`
	ServerCreatedAtSeconds int64  `gorm:"column:server_created_at_s;not null;default:0" json:"serverCreatedAt,omitempty"`
	ServerUpdatedAtSeconds int64  `gorm:"column:server_updated_at_s;not null;default:0" json:"serverUpdatedAt,omitempty"`
}

// TableName provides the explicit table binding for GORM.
func (Note) TableName() string {
	return "mirror_notes"
}

// Setting is the device's cached view of a per-user preference.
type Setting struct {
	Key                    string `gorm:"column:setting_key;primaryKey;size:190;not null" json:"key"`
	ValueJSON              string `gorm:"column:value_json;type:text;not null" json:"valueJson"`
	ServerUpdatedAtSeconds int64  `gorm:"column:server_updated_at_s;not null;default:0" json:"serverUpdatedAt,omitempty"`
}

// TableName provides the explicit table binding for GORM.
func (Setting) TableName() string {
	return "mirror_settings"
}

// Document caches the latest fetched snapshot of a collaborative document.
type Document struct {
	NoteID           string `gorm:"column:note_id;primaryKey;size:190;not null"`
	Snapshot         []byte `gorm:"column:snapshot;type:blob;not null"`
	UpdatedAtSeconds int64  `gorm:"column:updated_at_s;not null"`
}

// TableName provides the explicit table binding for GORM.
func (Document) TableName() string {
	return "mirror_documents"
}

// DeviceProfile holds the once-generated client id that keys this device's
// realtime connection and tags its writes for self-exclusion.
type DeviceProfile struct {
	ID       int64  `gorm:"column:id;primaryKey"`
	ClientID string `gorm:"column:client_id;size:190;not null"`
}

// TableName provides the explicit table binding for GORM.
func (DeviceProfile) TableName() string {
	return "device_profile"
}

// MirrorModels lists every device-local model for schema migration.
func MirrorModels() []any {
	return []any{
		&ActionItem{},
		&Collection{},
		&Note{},
		&Setting{},
		&Document{},
		&DeviceProfile{},
	}
}
