package store

import (
	"context"
	"fmt"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"gorm.io/gorm"
)

func newTestService(t *testing.T) *Service {
	t.Helper()
	dsn := fmt.Sprintf("file:%s?mode=memory&cache=shared", t.Name())
	db, err := gorm.Open(sqlite.Open(dsn), &gorm.Config{})
	if err != nil {
		t.Fatalf("failed to open sqlite: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		t.Fatalf("failed to access sql db: %v", err)
	}
	sqlDB.SetMaxOpenConns(1)
	if err := db.AutoMigrate(&Collection{}, &Note{}, &Setting{}, &CollectionMember{}, &NoteCollaborator{}, &DocumentRecord{}); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}

	service, err := NewService(ServiceConfig{
		Database: db,
		Clock:    func() time.Time { return time.Unix(1700000000, 0) },
	})
	if err != nil {
		t.Fatalf("failed to construct service: %v", err)
	}
	return service
}

func mustCreateCollection(t *testing.T, service *Service, userID, collectionID, name string) Collection {
	t.Helper()
	created, err := service.CreateCollection(context.Background(), userID, Collection{CollectionID: collectionID, Name: name})
	if err != nil {
		t.Fatalf("unexpected create collection error: %v", err)
	}
	return created
}

func mustCreateNote(t *testing.T, service *Service, userID, noteID, collectionID, title string) Note {
	t.Helper()
	created, err := service.CreateNote(context.Background(), userID, Note{NoteID: noteID, CollectionID: collectionID, Title: title})
	if err != nil {
		t.Fatalf("unexpected create note error: %v", err)
	}
	return created
}

func mustAddMember(t *testing.T, service *Service, actorID, collectionID, userID string, role Role) {
	t.Helper()
	err := service.AddCollectionMember(context.Background(), actorID, CollectionMember{
		CollectionID: collectionID,
		UserID:       userID,
		Role:         role,
	})
	if err != nil {
		t.Fatalf("unexpected add member error: %v", err)
	}
}

func TestCreateCollectionRecordsOwnerMembership(t *testing.T) {
	service := newTestService(t)
	created := mustCreateCollection(t, service, "user-1", "col-1", "Inbox")

	if created.OwnerUserID != "user-1" {
		t.Fatalf("expected owner user-1, got %s", created.OwnerUserID)
	}
	if created.CreatedAtSeconds != 1700000000 {
		t.Fatalf("unexpected created timestamp %d", created.CreatedAtSeconds)
	}

	audience, err := service.CollectionAudience(context.Background(), "col-1")
	if err != nil {
		t.Fatalf("unexpected audience error: %v", err)
	}
	if len(audience) != 1 || audience[0] != "user-1" {
		t.Fatalf("expected audience [user-1], got %v", audience)
	}
}

func TestCreateCollectionRejectsInvalidID(t *testing.T) {
	service := newTestService(t)
	_, err := service.CreateCollection(context.Background(), "user-1", Collection{CollectionID: "", Name: "Inbox"})
	if err == nil {
		t.Fatalf("expected invalid id error")
	}
}

func TestUpdateCollectionDeniedForViewer(t *testing.T) {
	service := newTestService(t)
	mustCreateCollection(t, service, "user-1", "col-1", "Inbox")
	mustAddMember(t, service, "user-1", "col-1", "user-2", RoleViewer)

	_, err := service.UpdateCollection(context.Background(), "user-2", Collection{CollectionID: "col-1", Name: "Renamed"})
	if !IsPermissionDenied(err) {
		t.Fatalf("expected permission denied, got %v", err)
	}
}

func TestUpdateCollectionAllowedForEditor(t *testing.T) {
	service := newTestService(t)
	mustCreateCollection(t, service, "user-1", "col-1", "Inbox")
	mustAddMember(t, service, "user-1", "col-1", "user-2", RoleEditor)

	updated, err := service.UpdateCollection(context.Background(), "user-2", Collection{CollectionID: "col-1", Name: "Renamed"})
	if err != nil {
		t.Fatalf("unexpected update error: %v", err)
	}
	if updated.Name != "Renamed" {
		t.Fatalf("expected renamed collection, got %s", updated.Name)
	}
}

func TestDeleteCollectionRequiresOwner(t *testing.T) {
	service := newTestService(t)
	mustCreateCollection(t, service, "user-1", "col-1", "Inbox")
	mustAddMember(t, service, "user-1", "col-1", "user-2", RoleEditor)

	if err := service.DeleteCollection(context.Background(), "user-2", "col-1"); !IsPermissionDenied(err) {
		t.Fatalf("expected permission denied, got %v", err)
	}
	if err := service.DeleteCollection(context.Background(), "user-1", "col-1"); err != nil {
		t.Fatalf("unexpected owner delete error: %v", err)
	}
}

func TestDeleteCollectionCascadesNotesAndDocuments(t *testing.T) {
	service := newTestService(t)
	mustCreateCollection(t, service, "user-1", "col-1", "Inbox")
	mustCreateNote(t, service, "user-1", "note-1", "col-1", "First")
	if err := service.SaveDocument(context.Background(), "note-1", []byte{1, 2, 3}); err != nil {
		t.Fatalf("unexpected save document error: %v", err)
	}

	if err := service.DeleteCollection(context.Background(), "user-1", "col-1"); err != nil {
		t.Fatalf("unexpected delete error: %v", err)
	}

	if _, err := service.GetNote(context.Background(), "user-1", "note-1"); !IsNotFound(err) {
		t.Fatalf("expected note gone, got %v", err)
	}
	if _, err := service.LoadDocument(context.Background(), "note-1"); !IsNotFound(err) {
		t.Fatalf("expected document gone, got %v", err)
	}
}

func TestGetCollectionRequiresMembership(t *testing.T) {
	service := newTestService(t)
	mustCreateCollection(t, service, "user-1", "col-1", "Inbox")

	if _, err := service.GetCollection(context.Background(), "user-2", "col-1"); !IsNotFound(err) {
		t.Fatalf("expected not found for non-member, got %v", err)
	}
	fetched, err := service.GetCollection(context.Background(), "user-1", "col-1")
	if err != nil {
		t.Fatalf("unexpected get error: %v", err)
	}
	if fetched.Name != "Inbox" {
		t.Fatalf("unexpected collection name %s", fetched.Name)
	}
}

func TestListCollectionsScopedToMembership(t *testing.T) {
	service := newTestService(t)
	mustCreateCollection(t, service, "user-1", "col-1", "Inbox")
	mustCreateCollection(t, service, "user-2", "col-2", "Private")

	collections, err := service.ListCollections(context.Background(), "user-1")
	if err != nil {
		t.Fatalf("unexpected list error: %v", err)
	}
	if len(collections) != 1 || collections[0].CollectionID != "col-1" {
		t.Fatalf("expected only col-1, got %v", collections)
	}
}

func TestCreateNoteRequiresCollectionEditPermission(t *testing.T) {
	service := newTestService(t)
	mustCreateCollection(t, service, "user-1", "col-1", "Inbox")
	mustAddMember(t, service, "user-1", "col-1", "user-2", RoleViewer)

	_, err := service.CreateNote(context.Background(), "user-2", Note{NoteID: "note-1", CollectionID: "col-1", Title: "First"})
	if !IsPermissionDenied(err) {
		t.Fatalf("expected permission denied, got %v", err)
	}
	_, err = service.CreateNote(context.Background(), "user-3", Note{NoteID: "note-1", CollectionID: "col-1", Title: "First"})
	if !IsNotFound(err) {
		t.Fatalf("expected not found for non-member, got %v", err)
	}
}

func TestNoteAudienceUnionsCollaboratorsAndMembers(t *testing.T) {
	service := newTestService(t)
	mustCreateCollection(t, service, "user-1", "col-1", "Inbox")
	mustAddMember(t, service, "user-1", "col-1", "user-2", RoleEditor)
	mustCreateNote(t, service, "user-1", "note-1", "col-1", "First")

	audience, err := service.NoteAudience(context.Background(), "note-1")
	if err != nil {
		t.Fatalf("unexpected audience error: %v", err)
	}
	seen := make(map[string]bool, len(audience))
	for _, id := range audience {
		if seen[id] {
			t.Fatalf("duplicate audience member %s", id)
		}
		seen[id] = true
	}
	if !seen["user-1"] || !seen["user-2"] {
		t.Fatalf("expected both users in audience, got %v", audience)
	}
}

func TestHasNoteEditPermissionReflectsRevocation(t *testing.T) {
	service := newTestService(t)
	mustCreateCollection(t, service, "user-1", "col-1", "Inbox")
	mustAddMember(t, service, "user-1", "col-1", "user-2", RoleEditor)
	mustCreateNote(t, service, "user-1", "note-1", "col-1", "First")

	allowed, err := service.HasNoteEditPermission(context.Background(), "note-1", "user-2")
	if err != nil || !allowed {
		t.Fatalf("expected edit permission before revocation, got %v %v", allowed, err)
	}

	if err := service.RemoveCollectionMember(context.Background(), "user-1", "col-1", "user-2"); err != nil {
		t.Fatalf("unexpected remove member error: %v", err)
	}

	allowed, err = service.HasNoteEditPermission(context.Background(), "note-1", "user-2")
	if err != nil {
		t.Fatalf("unexpected permission check error: %v", err)
	}
	if allowed {
		t.Fatalf("expected permission revoked after member removal")
	}
}

func TestListNotesIncludesDirectlySharedNotes(t *testing.T) {
	service := newTestService(t)
	mustCreateCollection(t, service, "user-1", "col-1", "Inbox")
	mustCreateNote(t, service, "user-1", "note-1", "col-1", "First")

	collaborator := NoteCollaborator{NoteID: "note-1", UserID: "user-3", Role: RoleEditor}
	if err := service.db.Create(&collaborator).Error; err != nil {
		t.Fatalf("failed to seed collaborator: %v", err)
	}

	notes, err := service.ListNotes(context.Background(), "user-3")
	if err != nil {
		t.Fatalf("unexpected list notes error: %v", err)
	}
	if len(notes) != 1 || notes[0].NoteID != "note-1" {
		t.Fatalf("expected shared note visible, got %v", notes)
	}
}

func TestUpsertSettingOverwritesValue(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	if _, err := service.UpsertSetting(ctx, "user-1", Setting{Key: "theme", ValueJSON: `"light"`}); err != nil {
		t.Fatalf("unexpected upsert error: %v", err)
	}
	if _, err := service.UpsertSetting(ctx, "user-1", Setting{Key: "theme", ValueJSON: `"dark"`}); err != nil {
		t.Fatalf("unexpected second upsert error: %v", err)
	}

	settings, err := service.ListSettings(ctx, "user-1")
	if err != nil {
		t.Fatalf("unexpected list settings error: %v", err)
	}
	if len(settings) != 1 || settings[0].ValueJSON != `"dark"` {
		t.Fatalf("expected single dark theme setting, got %v", settings)
	}
}

func TestSettingsScopedPerUser(t *testing.T) {
	service := newTestService(t)
	ctx := context.Background()

	if _, err := service.UpsertSetting(ctx, "user-1", Setting{Key: "theme", ValueJSON: `"dark"`}); err != nil {
		t.Fatalf("unexpected upsert error: %v", err)
	}
	settings, err := service.ListSettings(ctx, "user-2")
	if err != nil {
		t.Fatalf("unexpected list settings error: %v", err)
	}
	if len(settings) != 0 {
		t.Fatalf("expected no settings for other user, got %v", settings)
	}
}

func TestAddCollectionMemberRequiresOwner(t *testing.T) {
	service := newTestService(t)
	mustCreateCollection(t, service, "user-1", "col-1", "Inbox")
	mustAddMember(t, service, "user-1", "col-1", "user-2", RoleEditor)

	err := service.AddCollectionMember(context.Background(), "user-2", CollectionMember{
		CollectionID: "col-1",
		UserID:       "user-3",
		Role:         RoleEditor,
	})
	if !IsPermissionDenied(err) {
		t.Fatalf("expected permission denied for editor, got %v", err)
	}
}
