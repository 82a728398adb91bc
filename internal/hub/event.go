package hub

// EventType discriminates the domain events carried over the realtime stream.
type EventType string

const (
	EventInit EventType = "INIT"

	EventCollectionCreated EventType = "COLLECTION_CREATED"
	EventCollectionUpdated EventType = "COLLECTION_UPDATED"
	EventCollectionDeleted EventType = "COLLECTION_DELETED"

	EventNoteCreated         EventType = "NOTE_CREATED"
	EventNoteUpdated         EventType = "NOTE_UPDATED"
	EventNoteDeleted         EventType = "NOTE_DELETED"
	EventNoteDocStateUpdated EventType = "NOTE_YDOC_STATE_UPDATED"

	EventSettingUpdated EventType = "SETTING_UPDATED"

	EventCollectionMemberAdded   EventType = "COLLECTION_MEMBER_ADDED"
	EventCollectionMemberRemoved EventType = "COLLECTION_MEMBER_REMOVED"
)

// Event is the discriminated union delivered to connected devices. It carries
// just enough payload for a receiver to patch its local mirror without a full
// refetch; entity bodies are fetched through the REST boundary when needed.
type Event struct {
	Type         EventType `json:"type"`
	ClientID     string    `json:"clientId,omitempty"`
	CollectionID string    `json:"collectionId,omitempty"`
	NoteID       string    `json:"noteId,omitempty"`
	SettingKey   string    `json:"settingKey,omitempty"`
	MemberUserID string    `json:"memberUserId,omitempty"`
	Role         string    `json:"role,omitempty"`

	// OriginClientID identifies the connection that caused the change so a
	// receiving device can recognise its own writes. The originating
	// connection itself is excluded at publish time and never sees the event.
	OriginClientID string `json:"originClientId,omitempty"`
}
