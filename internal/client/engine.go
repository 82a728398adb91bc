package client

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/HavenNotesLab/haven/internal/hub"
)

var (
	errMissingQueue  = errors.New("action queue is required")
	errMissingMirror = errors.New("mirror store is required")
	errMissingRemote = errors.New("remote client is required")
)

// EngineConfig bundles the collaborators of the sync engine.
type EngineConfig struct {
	Queue      *Queue
	Mirror     *Mirror
	Remote     Remote
	Status     *Reporter
	IDProvider IDProvider
	Clock      func() time.Time
	Logger     *zap.Logger
}

// Engine owns the device's sync loop: local mutations land in the mirror and
// the durable queue immediately, Drain pushes queued mutations to the server
// in order, Resync replaces the mirror with server truth, and ApplyEvent
// patches the mirror from realtime notifications.
type Engine struct {
	queue    *Queue
	mirror   *Mirror
	remote   Remote
	status   *Reporter
	ids      IDProvider
	clock    func() time.Time
	logger   *zap.Logger
	clientID string
}

// NewEngine constructs the engine and ensures the device has a client id.
func NewEngine(cfg EngineConfig) (*Engine, error) {
	if cfg.Queue == nil {
		return nil, errMissingQueue
	}
	if cfg.Mirror == nil {
		return nil, errMissingMirror
	}
	if cfg.Remote == nil {
		return nil, errMissingRemote
	}
	status := cfg.Status
	if status == nil {
		status = NewReporter()
	}
	ids := cfg.IDProvider
	if ids == nil {
		ids = NewUUIDProvider()
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	clientID, err := cfg.Mirror.EnsureClientID(ids.NewID)
	if err != nil {
		return nil, fmt.Errorf("engine: ensure client id: %w", err)
	}
	return &Engine{
		queue:    cfg.Queue,
		mirror:   cfg.Mirror,
		remote:   cfg.Remote,
		status:   status,
		ids:      ids,
		clock:    clock,
		logger:   logger,
		clientID: clientID,
	}, nil
}

// ClientID returns the device's persistent client id.
func (e *Engine) ClientID() string {
	return e.clientID
}

// Status returns the engine's per-operation status reporter.
func (e *Engine) Status() *Reporter {
	return e.status
}

// EnqueueCreateCollection records a new collection locally and queues the
// mutation. The id is generated client-side so offline work has stable ids.
func (e *Engine) EnqueueCreateCollection(name string) (Collection, error) {
	collectionID, err := e.ids.NewID()
	if err != nil {
		return Collection{}, err
	}
	collection := Collection{CollectionID: collectionID, Name: name}
	if err := e.mirror.UpsertCollection(collection); err != nil {
		return Collection{}, err
	}
	return collection, e.enqueue(ActionCreateCollection, collectionID, collection)
}

// EnqueueUpdateCollection records a rename locally and queues the mutation.
func (e *Engine) EnqueueUpdateCollection(collection Collection) error {
	if err := e.mirror.UpsertCollection(collection); err != nil {
		return err
	}
	return e.enqueue(ActionUpdateCollection, collection.CollectionID, collection)
}

// EnqueueDeleteCollection removes the collection locally and queues the delete.
func (e *Engine) EnqueueDeleteCollection(collectionID string) error {
	if err := e.mirror.DeleteCollection(collectionID); err != nil {
		return err
	}
	return e.enqueue(ActionDeleteCollection, collectionID, Collection{CollectionID: collectionID})
}

// EnqueueCreateNote records a new note locally and queues the mutation.
func (e *Engine) EnqueueCreateNote(collectionID, title string) (Note, error) {
	noteID, err := e.ids.NewID()
	if err != nil {
		return Note{}, err
	}
	note := Note{NoteID: noteID, CollectionID: collectionID, Title: title}
	if err := e.mirror.UpsertNote(note); err != nil {
		return Note{}, err
	}
	return note, e.enqueue(ActionCreateNote, noteID, note)
}

// EnqueueUpdateNote records a note edit locally and queues the mutation.
func (e *Engine) EnqueueUpdateNote(note Note) error {
	if err := e.mirror.UpsertNote(note); err != nil {
		return err
	}
	return e.enqueue(ActionUpdateNote, note.NoteID, note)
}

// EnqueueDeleteNote removes the note locally and queues the delete.
func (e *Engine) EnqueueDeleteNote(noteID string) error {
	if err := e.mirror.DeleteNote(noteID); err != nil {
		return err
	}
	return e.enqueue(ActionDeleteNote, noteID, Note{NoteID: noteID})
}

// EnqueueUpdateSetting records a setting write locally and queues the mutation.
func (e *Engine) EnqueueUpdateSetting(setting Setting) error {
	if err := e.mirror.UpsertSetting(setting); err != nil {
		return err
	}
	return e.enqueue(ActionUpdateSetting, setting.Key, setting)
}

// RetryAction resets a terminally failed queue item for the next drain.
func (e *Engine) RetryAction(actionID string) error {
	return e.queue.Retry(actionID)
}

func (e *Engine) enqueue(actionType ActionType, entityID string, payload any) error {
	actionID, err := e.ids.NewID()
	if err != nil {
		return err
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return err
	}
	return e.queue.Enqueue(ActionItem{
		ActionID:         actionID,
		Type:             actionType,
		RelatedEntityID:  entityID,
		PayloadJSON:      string(encoded),
		CreatedAtSeconds: e.clock().UTC().Unix(),
	})
}

// Drain dispatches queued mutations in creation order. A failed item is
// recorded with its error and the drain moves on; the queue never wedges
// behind one bad item. Transient failures stay eligible for the next drain,
// terminal ones wait for an explicit retry.
func (e *Engine) Drain(ctx context.Context) error {
	e.status.Begin(OpQueueProcessing)
	items, err := e.queue.Drainable()
	if err != nil {
		e.status.Fail(OpQueueProcessing, err)
		return err
	}

	var failures int
	for _, item := range items {
		if ctx.Err() != nil {
			e.status.Fail(OpQueueProcessing, ctx.Err())
			return ctx.Err()
		}
		if err := e.queue.MarkProcessing(item.ActionID); err != nil {
			e.status.Fail(OpQueueProcessing, err)
			return err
		}
		if err := e.dispatch(ctx, item); err != nil {
			failures++
			retryable := !IsPermanent(err)
			e.logger.Warn("queued action failed",
				zap.String("action_id", item.ActionID),
				zap.String("action_type", string(item.Type)),
				zap.Bool("retryable", retryable),
				zap.Error(err))
			if markErr := e.queue.MarkError(item.ActionID, err.Error(), retryable); markErr != nil {
				e.status.Fail(OpQueueProcessing, markErr)
				return markErr
			}
			continue
		}
		if err := e.queue.Remove(item.ActionID); err != nil {
			e.status.Fail(OpQueueProcessing, err)
			return err
		}
	}

	if failures > 0 {
		e.status.Fail(OpQueueProcessing, fmt.Errorf("%d of %d queued actions failed", failures, len(items)))
	} else {
		e.status.Complete(OpQueueProcessing)
	}
	return nil
}

func (e *Engine) dispatch(ctx context.Context, item ActionItem) error {
	switch item.Type {
	case ActionCreateCollection:
		var collection Collection
		if err := json.Unmarshal([]byte(item.PayloadJSON), &collection); err != nil {
			return err
		}
		created, err := e.remote.CreateCollection(ctx, collection)
		if err != nil {
			return err
		}
		return e.mirror.UpsertCollection(created)
	case ActionUpdateCollection:
		var collection Collection
		if err := json.Unmarshal([]byte(item.PayloadJSON), &collection); err != nil {
			return err
		}
		updated, err := e.remote.UpdateCollection(ctx, collection)
		if err != nil {
			return err
		}
		return e.mirror.UpsertCollection(updated)
	case ActionDeleteCollection:
		return e.remote.DeleteCollection(ctx, item.RelatedEntityID)
	case ActionCreateNote:
		var note Note
		if err := json.Unmarshal([]byte(item.PayloadJSON), &note); err != nil {
			return err
		}
		created, err := e.remote.CreateNote(ctx, note)
		if err != nil {
			return err
		}
		return e.mirror.UpsertNote(created)
	case ActionUpdateNote:
		var note Note
		if err := json.Unmarshal([]byte(item.PayloadJSON), &note); err != nil {
			return err
		}
		updated, err := e.remote.UpdateNote(ctx, note)
		if err != nil {
			return err
		}
		return e.mirror.UpsertNote(updated)
	case ActionDeleteNote:
		return e.remote.DeleteNote(ctx, item.RelatedEntityID)
	case ActionUpdateSetting:
		var setting Setting
		if err := json.Unmarshal([]byte(item.PayloadJSON), &setting); err != nil {
			return err
		}
		saved, err := e.remote.PutSetting(ctx, setting)
		if err != nil {
			return err
		}
		return e.mirror.UpsertSetting(saved)
	default:
		return fmt.Errorf("engine: unknown action type %q", item.Type)
	}
}

// Resync replaces the mirror with server truth, then replays the optimistic
// effect of every still-queued mutation so unsynced local work stays visible.
func (e *Engine) Resync(ctx context.Context) error {
	e.status.Begin(OpInitialSync)

	e.status.Begin(OpCollectionSync)
	collections, err := e.remote.ListCollections(ctx)
	if err != nil {
		e.status.Fail(OpCollectionSync, err)
		e.status.Fail(OpInitialSync, err)
		return err
	}
	e.status.Complete(OpCollectionSync)

	e.status.Begin(OpNoteSync)
	notes, err := e.remote.ListNotes(ctx)
	if err != nil {
		e.status.Fail(OpNoteSync, err)
		e.status.Fail(OpInitialSync, err)
		return err
	}
	e.status.Complete(OpNoteSync)

	e.status.Begin(OpSettingsSync)
	settings, err := e.remote.ListSettings(ctx)
	if err != nil {
		e.status.Fail(OpSettingsSync, err)
		e.status.Fail(OpInitialSync, err)
		return err
	}
	e.status.Complete(OpSettingsSync)

	if err := e.mirror.ReplaceAll(collections, notes, settings); err != nil {
		e.status.Fail(OpInitialSync, err)
		return err
	}
	if err := e.replayPending(); err != nil {
		e.status.Fail(OpInitialSync, err)
		return err
	}
	e.status.Complete(OpInitialSync)
	return nil
}

// replayPending reapplies the optimistic effect of queued mutations on top of
// the freshly replaced mirror, keeping mirror state equal to server truth
// plus the pending queue.
func (e *Engine) replayPending() error {
	items, err := e.queue.Drainable()
	if err != nil {
		return err
	}
	for _, item := range items {
		switch item.Type {
		case ActionCreateCollection, ActionUpdateCollection:
			var collection Collection
			if err := json.Unmarshal([]byte(item.PayloadJSON), &collection); err != nil {
				return err
			}
			if err := e.mirror.UpsertCollection(collection); err != nil {
				return err
			}
		case ActionDeleteCollection:
			if err := e.mirror.DeleteCollection(item.RelatedEntityID); err != nil {
				return err
			}
		case ActionCreateNote, ActionUpdateNote:
			var note Note
			if err := json.Unmarshal([]byte(item.PayloadJSON), &note); err != nil {
				return err
			}
			if err := e.mirror.UpsertNote(note); err != nil {
				return err
			}
		case ActionDeleteNote:
			if err := e.mirror.DeleteNote(item.RelatedEntityID); err != nil {
				return err
			}
		case ActionUpdateSetting:
			var setting Setting
			if err := json.Unmarshal([]byte(item.PayloadJSON), &setting); err != nil {
				return err
			}
			if err := e.mirror.UpsertSetting(setting); err != nil {
				return err
			}
		}
	}
	return nil
}

// ApplyEvent patches the mirror from one realtime notification. Events caused
// by this device's own writes are ignored; the mirror was already updated
// optimistically and reconciled on drain.
func (e *Engine) ApplyEvent(ctx context.Context, event hub.Event) error {
	if event.OriginClientID != "" && event.OriginClientID == e.clientID {
		return nil
	}
	e.status.Begin(OpRealtimeEvent)
	if err := e.applyEvent(ctx, event); err != nil {
		e.status.Fail(OpRealtimeEvent, err)
		e.logger.Warn("realtime event apply failed",
			zap.String("event_type", string(event.Type)),
			zap.Error(err))
		return err
	}
	e.status.Complete(OpRealtimeEvent)
	return nil
}

func (e *Engine) applyEvent(ctx context.Context, event hub.Event) error {
	switch event.Type {
	case hub.EventInit:
		return nil
	case hub.EventCollectionCreated, hub.EventCollectionUpdated:
		collection, err := e.remote.GetCollection(ctx, event.CollectionID)
		if err != nil {
			// The entity may already be gone again; a later event settles it.
			if IsPermanent(err) {
				return nil
			}
			return err
		}
		return e.mirror.UpsertCollection(collection)
	case hub.EventCollectionDeleted:
		return e.mirror.DeleteCollection(event.CollectionID)
	case hub.EventNoteCreated, hub.EventNoteUpdated:
		note, err := e.remote.GetNote(ctx, event.NoteID)
		if err != nil {
			if IsPermanent(err) {
				return nil
			}
			return err
		}
		return e.mirror.UpsertNote(note)
	case hub.EventNoteDeleted:
		return e.mirror.DeleteNote(event.NoteID)
	case hub.EventNoteDocStateUpdated:
		snapshot, err := e.remote.FetchDocument(ctx, event.NoteID)
		if err != nil {
			if IsPermanent(err) {
				return nil
			}
			return err
		}
		return e.mirror.SaveDocument(event.NoteID, snapshot)
	case hub.EventSettingUpdated:
		settings, err := e.remote.ListSettings(ctx)
		if err != nil {
			return err
		}
		for _, setting := range settings {
			if setting.Key == event.SettingKey {
				return e.mirror.UpsertSetting(setting)
			}
		}
		return nil
	case hub.EventCollectionMemberAdded, hub.EventCollectionMemberRemoved:
		// Membership changes alter what this user can see; refetch both views.
		collections, err := e.remote.ListCollections(ctx)
		if err != nil {
			return err
		}
		notes, err := e.remote.ListNotes(ctx)
		if err != nil {
			return err
		}
		settings, err := e.mirror.ListSettings()
		if err != nil {
			return err
		}
		if err := e.mirror.ReplaceAll(collections, notes, settings); err != nil {
			return err
		}
		return e.replayPending()
	default:
		e.logger.Debug("ignoring unknown event type", zap.String("event_type", string(event.Type)))
		return nil
	}
}
