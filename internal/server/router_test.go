package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	sqlite "github.com/glebarez/sqlite"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/HavenNotesLab/haven/internal/auth"
	"github.com/HavenNotesLab/haven/internal/hub"
	"github.com/HavenNotesLab/haven/internal/store"
)

const testInternalSecret = "internal-test-secret"

type testServer struct {
	server *httptest.Server
	issuer *auth.TokenIssuer
	store  *store.Service
	hub    *hub.Hub
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

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
	if err := db.AutoMigrate(
		&store.Collection{}, &store.Note{}, &store.Setting{},
		&store.CollectionMember{}, &store.NoteCollaborator{}, &store.DocumentRecord{},
	); err != nil {
		t.Fatalf("failed to migrate schema: %v", err)
	}

	storeService, err := store.NewService(store.ServiceConfig{Database: db})
	if err != nil {
		t.Fatalf("failed to construct store service: %v", err)
	}

	issuer := auth.NewTokenIssuer(auth.TokenIssuerConfig{
		SigningSecret: []byte("test-signing-secret"),
		Issuer:        "haven-auth",
		Audience:      "haven-api",
		TokenTTL:      time.Hour,
	})

	eventHub := hub.New(zap.NewNop())
	eventHub.SetResolver(storeService)

	handler, err := NewHTTPHandler(Dependencies{
		TokenManager:   issuer,
		Store:          storeService,
		Hub:            eventHub,
		InternalSecret: testInternalSecret,
		Logger:         zap.NewNop(),
	})
	if err != nil {
		t.Fatalf("failed to construct handler: %v", err)
	}

	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return &testServer{server: server, issuer: issuer, store: storeService, hub: eventHub}
}

func (ts *testServer) token(t *testing.T, userID string) string {
	t.Helper()
	token, _, err := ts.issuer.IssueToken(context.Background(), userID)
	if err != nil {
		t.Fatalf("failed to issue token: %v", err)
	}
	return token
}

func (ts *testServer) request(t *testing.T, method, path, token string, body any) *http.Response {
	t.Helper()
	var payload *bytes.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			t.Fatalf("failed to encode body: %v", err)
		}
		payload = bytes.NewReader(encoded)
	} else {
		payload = bytes.NewReader(nil)
	}
	request, err := http.NewRequest(method, ts.server.URL+path, payload)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if token != "" {
		request.Header.Set("Authorization", "Bearer "+token)
	}
	response, err := ts.server.Client().Do(request)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	return response
}

func decodeBody(t *testing.T, response *http.Response, target any) {
	t.Helper()
	defer response.Body.Close()
	if err := json.NewDecoder(response.Body).Decode(target); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
}

func TestProtectedRoutesRequireToken(t *testing.T) {
	ts := newTestServer(t)
	response := ts.request(t, http.MethodGet, "/collections", "", nil)
	defer response.Body.Close()
	if response.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected unauthorized, got %d", response.StatusCode)
	}
}

func TestCollectionLifecycleOverHTTP(t *testing.T) {
	ts := newTestServer(t)
	token := ts.token(t, "user-1")

	create := ts.request(t, http.MethodPost, "/collections", token, map[string]any{
		"collectionId": "col-1",
		"name":         "Inbox",
		"clientId":     "client-1",
	})
	var created collectionPayload
	decodeBody(t, create, &created)
	if created.CollectionID != "col-1" || created.Name != "Inbox" {
		t.Fatalf("unexpected created payload %+v", created)
	}
	if created.ServerCreatedAtS == 0 {
		t.Fatalf("expected server timestamps on create")
	}

	fetch := ts.request(t, http.MethodGet, "/collections/col-1", token, nil)
	var fetched collectionPayload
	decodeBody(t, fetch, &fetched)
	if fetched.Name != "Inbox" {
		t.Fatalf("unexpected fetched payload %+v", fetched)
	}

	update := ts.request(t, http.MethodPut, "/collections/col-1", token, map[string]any{
		"name": "Renamed",
	})
	var updated collectionPayload
	decodeBody(t, update, &updated)
	if updated.Name != "Renamed" {
		t.Fatalf("unexpected updated payload %+v", updated)
	}

	remove := ts.request(t, http.MethodDelete, "/collections/col-1?clientId=client-1", token, nil)
	remove.Body.Close()
	if remove.StatusCode != http.StatusOK {
		t.Fatalf("expected delete ok, got %d", remove.StatusCode)
	}

	missing := ts.request(t, http.MethodGet, "/collections/col-1", token, nil)
	missing.Body.Close()
	if missing.StatusCode != http.StatusNotFound {
		t.Fatalf("expected not found after delete, got %d", missing.StatusCode)
	}
}

func TestNotePermissionMapping(t *testing.T) {
	ts := newTestServer(t)
	ownerToken := ts.token(t, "user-1")
	viewerToken := ts.token(t, "user-2")

	create := ts.request(t, http.MethodPost, "/collections", ownerToken, map[string]any{
		"collectionId": "col-1",
		"name":         "Inbox",
	})
	create.Body.Close()

	member := ts.request(t, http.MethodPost, "/collections/col-1/members", ownerToken, map[string]any{
		"userId": "user-2",
		"role":   "VIEWER",
	})
	member.Body.Close()
	if member.StatusCode != http.StatusOK {
		t.Fatalf("expected member added, got %d", member.StatusCode)
	}

	denied := ts.request(t, http.MethodPost, "/notes", viewerToken, map[string]any{
		"noteId":       "note-1",
		"collectionId": "col-1",
		"title":        "First",
	})
	denied.Body.Close()
	if denied.StatusCode != http.StatusForbidden {
		t.Fatalf("expected forbidden for viewer, got %d", denied.StatusCode)
	}

	created := ts.request(t, http.MethodPost, "/notes", ownerToken, map[string]any{
		"noteId":       "note-1",
		"collectionId": "col-1",
		"title":        "First",
	})
	var note notePayload
	decodeBody(t, created, &note)
	if note.NoteID != "note-1" || note.CollectionID != "col-1" {
		t.Fatalf("unexpected note payload %+v", note)
	}

	// The viewer can read the note through collection membership.
	visible := ts.request(t, http.MethodGet, "/notes/note-1", viewerToken, nil)
	visible.Body.Close()
	if visible.StatusCode != http.StatusOK {
		t.Fatalf("expected viewer read access, got %d", visible.StatusCode)
	}
}

func TestSettingsRoundTrip(t *testing.T) {
	ts := newTestServer(t)
	token := ts.token(t, "user-1")

	put := ts.request(t, http.MethodPut, "/settings/theme", token, map[string]any{
		"valueJson": `"dark"`,
	})
	var saved settingPayload
	decodeBody(t, put, &saved)
	if saved.Key != "theme" || saved.ValueJSON != `"dark"` {
		t.Fatalf("unexpected setting payload %+v", saved)
	}

	list := ts.request(t, http.MethodGet, "/settings", token, nil)
	var listed struct {
		Settings []settingPayload `json:"settings"`
	}
	decodeBody(t, list, &listed)
	if len(listed.Settings) != 1 || listed.Settings[0].ValueJSON != `"dark"` {
		t.Fatalf("unexpected settings list %+v", listed.Settings)
	}
}

func TestGetDocumentReturnsRawSnapshot(t *testing.T) {
	ts := newTestServer(t)
	token := ts.token(t, "user-1")

	create := ts.request(t, http.MethodPost, "/collections", token, map[string]any{
		"collectionId": "col-1", "name": "Inbox",
	})
	create.Body.Close()
	note := ts.request(t, http.MethodPost, "/notes", token, map[string]any{
		"noteId": "note-1", "collectionId": "col-1", "title": "First",
	})
	note.Body.Close()

	if err := ts.store.SaveDocument(context.Background(), "note-1", []byte{1, 2, 3}); err != nil {
		t.Fatalf("failed to seed document: %v", err)
	}

	response := ts.request(t, http.MethodGet, "/notes/note-1/document", token, nil)
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		t.Fatalf("expected ok, got %d", response.StatusCode)
	}
	if contentType := response.Header.Get("Content-Type"); contentType != "application/octet-stream" {
		t.Fatalf("unexpected content type %s", contentType)
	}
	var snapshot bytes.Buffer
	if _, err := snapshot.ReadFrom(response.Body); err != nil {
		t.Fatalf("failed to read snapshot: %v", err)
	}
	if !bytes.Equal(snapshot.Bytes(), []byte{1, 2, 3}) {
		t.Fatalf("unexpected snapshot %v", snapshot.Bytes())
	}
}

func TestInternalEventRejectsBadToken(t *testing.T) {
	ts := newTestServer(t)

	body := bytes.NewBufferString(`{"event":{"type":"NOTE_YDOC_STATE_UPDATED","noteId":"note-1"}}`)
	request, err := http.NewRequest(http.MethodPost, ts.server.URL+"/internal/events", body)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set(internalTokenHeader, "wrong-secret")

	response, err := ts.server.Client().Do(request)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	response.Body.Close()
	if response.StatusCode != http.StatusUnauthorized {
		t.Fatalf("expected unauthorized, got %d", response.StatusCode)
	}
}

func TestInternalEventBroadcastsToNoteAudience(t *testing.T) {
	ts := newTestServer(t)
	token := ts.token(t, "user-1")

	create := ts.request(t, http.MethodPost, "/collections", token, map[string]any{
		"collectionId": "col-1", "name": "Inbox",
	})
	create.Body.Close()
	note := ts.request(t, http.MethodPost, "/notes", token, map[string]any{
		"noteId": "note-1", "collectionId": "col-1", "title": "First",
	})
	note.Body.Close()

	stream, cleanup := ts.hub.Connect(context.Background(), "user-1", "client-2")
	defer cleanup()
	<-stream // INIT

	body := bytes.NewBufferString(`{"event":{"type":"NOTE_YDOC_STATE_UPDATED","noteId":"note-1","clientId":"client-1"}}`)
	request, err := http.NewRequest(http.MethodPost, ts.server.URL+"/internal/events", body)
	if err != nil {
		t.Fatalf("failed to build request: %v", err)
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set(internalTokenHeader, testInternalSecret)

	response, err := ts.server.Client().Do(request)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	response.Body.Close()
	if response.StatusCode != http.StatusAccepted {
		t.Fatalf("expected accepted, got %d", response.StatusCode)
	}

	select {
	case event := <-stream:
		if event.Type != hub.EventNoteDocStateUpdated || event.NoteID != "note-1" {
			t.Fatalf("unexpected event %v", event)
		}
		if event.OriginClientID != "client-1" {
			t.Fatalf("expected origin client stamped, got %q", event.OriginClientID)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for webhook broadcast")
	}
}

func TestMutationBroadcastExcludesOriginClient(t *testing.T) {
	ts := newTestServer(t)
	token := ts.token(t, "user-1")

	originStream, originCleanup := ts.hub.Connect(context.Background(), "user-1", "client-1")
	defer originCleanup()
	otherStream, otherCleanup := ts.hub.Connect(context.Background(), "user-1", "client-2")
	defer otherCleanup()
	<-originStream // INIT
	<-otherStream  // INIT

	create := ts.request(t, http.MethodPost, "/collections", token, map[string]any{
		"collectionId": "col-1",
		"name":         "Inbox",
		"clientId":     "client-1",
	})
	create.Body.Close()

	select {
	case event := <-otherStream:
		if event.Type != hub.EventCollectionCreated || event.CollectionID != "col-1" {
			t.Fatalf("unexpected event %v", event)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for collection broadcast")
	}

	select {
	case event := <-originStream:
		t.Fatalf("origin client must not receive its own event, got %v", event)
	case <-time.After(100 * time.Millisecond):
	}
}
