package server

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/HavenNotesLab/haven/internal/hub"
	"github.com/HavenNotesLab/haven/internal/store"
	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"
	"go.uber.org/zap"
)

const (
	userIDContextKey    = "haven_user_id"
	internalTokenHeader = "X-Haven-Internal-Token"
)

var (
	errMissingTokenManager   = errors.New("token manager dependency required")
	errMissingStoreService   = errors.New("store service dependency required")
	errMissingHub            = errors.New("broadcast hub dependency required")
	errMissingInternalSecret = errors.New("internal shared secret required")
	errInvalidAuthorization  = errors.New("authorization header missing or invalid")
)

// TokenManager validates bearer tokens and resolves them to a user id.
type TokenManager interface {
	ValidateToken(token string) (string, error)
}

// Dependencies bundles the collaborators of the HTTP handler.
type Dependencies struct {
	TokenManager   TokenManager
	Store          *store.Service
	Hub            *hub.Hub
	InternalSecret string
	Logger         *zap.Logger
}

// NewHTTPHandler wires the REST boundary, the SSE stream and the internal
// webhook receiver into a single gin handler.
func NewHTTPHandler(deps Dependencies) (http.Handler, error) {
	if deps.TokenManager == nil {
		return nil, errMissingTokenManager
	}
	if deps.Store == nil {
		return nil, errMissingStoreService
	}
	if deps.Hub == nil {
		return nil, errMissingHub
	}
	if strings.TrimSpace(deps.InternalSecret) == "" {
		return nil, errMissingInternalSecret
	}

	logger := deps.Logger
	if logger == nil {
		logger = zap.NewNop()
	}

	router := gin.New()
	router.Use(gin.Recovery())
	router.Use(cors.New(cors.Config{
		AllowOrigins: []string{"*"},
		AllowMethods: []string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodDelete, http.MethodOptions},
		AllowHeaders: []string{"Authorization", "Content-Type"},
		MaxAge:       12 * time.Hour,
	}))

	handler := &httpHandler{
		tokens:         deps.TokenManager,
		store:          deps.Store,
		hub:            deps.Hub,
		internalSecret: deps.InternalSecret,
		logger:         logger,
	}

	router.POST("/internal/events", handler.handleInternalEvent)

	protected := router.Group("/")
	protected.Use(handler.authorizeRequest)
	protected.GET("/events/stream", handler.handleEventStream)

	protected.GET("/collections", handler.handleListCollections)
	protected.GET("/collections/:id", handler.handleGetCollection)
	protected.POST("/collections", handler.handleCreateCollection)
	protected.PUT("/collections/:id", handler.handleUpdateCollection)
	protected.DELETE("/collections/:id", handler.handleDeleteCollection)
	protected.POST("/collections/:id/members", handler.handleAddMember)
	protected.DELETE("/collections/:id/members/:userId", handler.handleRemoveMember)

	protected.GET("/notes", handler.handleListNotes)
	protected.GET("/notes/:id", handler.handleGetNote)
	protected.POST("/notes", handler.handleCreateNote)
	protected.PUT("/notes/:id", handler.handleUpdateNote)
	protected.DELETE("/notes/:id", handler.handleDeleteNote)
	protected.GET("/notes/:id/document", handler.handleGetDocument)

	protected.GET("/settings", handler.handleListSettings)
	protected.PUT("/settings/:key", handler.handlePutSetting)

	return router, nil
}

type httpHandler struct {
	tokens         TokenManager
	store          *store.Service
	hub            *hub.Hub
	internalSecret string
	logger         *zap.Logger
}

type collectionPayload struct {
	CollectionID     string `json:"collectionId"`
	Name             string `json:"name"`
	ClientID         string `json:"clientId,omitempty"`
	ServerCreatedAtS int64  `json:"serverCreatedAt,omitempty"`
	ServerUpdatedAtS int64  `json:"serverUpdatedAt,omitempty"`
}

type notePayload struct {
	NoteID           string `json:"noteId"`
	CollectionID     string `json:"collectionId"`
	Title            string `json:"title"`
	ClientID         string `json:"clientId,omitempty"`
	ServerCreatedAtS int64  `json:"serverCreatedAt,omitempty"`
	ServerUpdatedAtS int64  `json:"serverUpdatedAt,omitempty"`
}

type settingPayload struct {
	Key              string `json:"key"`
	ValueJSON        string `json:"valueJson"`
	ClientID         string `json:"clientId,omitempty"`
	ServerUpdatedAtS int64  `json:"serverUpdatedAt,omitempty"`
}

type memberPayload struct {
	UserID   string `json:"userId"`
	Role     string `json:"role"`
	ClientID string `json:"clientId,omitempty"`
}

func collectionToPayload(c store.Collection) collectionPayload {
	return collectionPayload{
		CollectionID:     c.CollectionID,
		Name:             c.Name,
		ServerCreatedAtS: c.CreatedAtSeconds,
		ServerUpdatedAtS: c.UpdatedAtSeconds,
	}
}

func noteToPayload(n store.Note) notePayload {
	return notePayload{
		NoteID:           n.NoteID,
		CollectionID:     n.CollectionID,
		Title:            n.Title,
		ServerCreatedAtS: n.CreatedAtSeconds,
		ServerUpdatedAtS: n.UpdatedAtSeconds,
	}
}

func (h *httpHandler) handleListCollections(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	collections, err := h.store.ListCollections(c.Request.Context(), userID)
	if err != nil {
		h.respondStoreError(c, err)
		return
	}
	payloads := make([]collectionPayload, 0, len(collections))
	for _, collection := range collections {
		payloads = append(payloads, collectionToPayload(collection))
	}
	c.JSON(http.StatusOK, gin.H{"collections": payloads})
}

func (h *httpHandler) handleGetCollection(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	collection, err := h.store.GetCollection(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		h.respondStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, collectionToPayload(collection))
}

func (h *httpHandler) handleCreateCollection(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	var request collectionPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	created, err := h.store.CreateCollection(c.Request.Context(), userID, store.Collection{
		CollectionID: request.CollectionID,
		Name:         request.Name,
	})
	if err != nil {
		h.respondStoreError(c, err)
		return
	}
	h.hub.BroadcastCollection(c.Request.Context(), created.CollectionID,
		hub.Event{Type: hub.EventCollectionCreated, CollectionID: created.CollectionID},
		request.ClientID)
	c.JSON(http.StatusOK, collectionToPayload(created))
}

func (h *httpHandler) handleUpdateCollection(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	var request collectionPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	updated, err := h.store.UpdateCollection(c.Request.Context(), userID, store.Collection{
		CollectionID: c.Param("id"),
		Name:         request.Name,
	})
	if err != nil {
		h.respondStoreError(c, err)
		return
	}
	h.hub.BroadcastCollection(c.Request.Context(), updated.CollectionID,
		hub.Event{Type: hub.EventCollectionUpdated, CollectionID: updated.CollectionID},
		request.ClientID)
	c.JSON(http.StatusOK, collectionToPayload(updated))
}

func (h *httpHandler) handleDeleteCollection(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	collectionID := c.Param("id")
	clientID := c.Query("clientId")

	// Resolve the audience before the permission edges disappear.
	audience := h.audienceBeforeDelete(c.Request.Context(), collectionID, "")
	if err := h.store.DeleteCollection(c.Request.Context(), userID, collectionID); err != nil {
		h.respondStoreError(c, err)
		return
	}
	h.hub.Publish(hub.Event{Type: hub.EventCollectionDeleted, CollectionID: collectionID}, audience, clientID)
	c.JSON(http.StatusOK, gin.H{"deleted": collectionID})
}

func (h *httpHandler) handleAddMember(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	collectionID := c.Param("id")
	var request memberPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	role, err := store.ParseCollectionRole(request.Role)
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_role"})
		return
	}
	err = h.store.AddCollectionMember(c.Request.Context(), userID, store.CollectionMember{
		CollectionID: collectionID,
		UserID:       request.UserID,
		Role:         role,
	})
	if err != nil {
		h.respondStoreError(c, err)
		return
	}
	h.hub.BroadcastCollection(c.Request.Context(), collectionID, hub.Event{
		Type:         hub.EventCollectionMemberAdded,
		CollectionID: collectionID,
		MemberUserID: request.UserID,
		Role:         string(role),
	}, request.ClientID)
	c.JSON(http.StatusOK, gin.H{"collectionId": collectionID, "userId": request.UserID, "role": role})
}

func (h *httpHandler) handleRemoveMember(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	collectionID := c.Param("id")
	memberUserID := c.Param("userId")
	clientID := c.Query("clientId")

	// The removed member is still part of the audience for their own removal.
	audience := h.audienceBeforeDelete(c.Request.Context(), collectionID, memberUserID)
	err := h.store.RemoveCollectionMember(c.Request.Context(), userID, collectionID, memberUserID)
	if err != nil {
		h.respondStoreError(c, err)
		return
	}
	h.hub.Publish(hub.Event{
		Type:         hub.EventCollectionMemberRemoved,
		CollectionID: collectionID,
		MemberUserID: memberUserID,
	}, audience, clientID)
	c.JSON(http.StatusOK, gin.H{"collectionId": collectionID, "userId": memberUserID})
}

func (h *httpHandler) handleListNotes(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	notes, err := h.store.ListNotes(c.Request.Context(), userID)
	if err != nil {
		h.respondStoreError(c, err)
		return
	}
	payloads := make([]notePayload, 0, len(notes))
	for _, note := range notes {
		payloads = append(payloads, noteToPayload(note))
	}
	c.JSON(http.StatusOK, gin.H{"notes": payloads})
}

func (h *httpHandler) handleGetNote(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	note, err := h.store.GetNote(c.Request.Context(), userID, c.Param("id"))
	if err != nil {
		h.respondStoreError(c, err)
		return
	}
	c.JSON(http.StatusOK, noteToPayload(note))
}

func (h *httpHandler) handleCreateNote(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	var request notePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	created, err := h.store.CreateNote(c.Request.Context(), userID, store.Note{
		NoteID:       request.NoteID,
		CollectionID: request.CollectionID,
		Title:        request.Title,
	})
	if err != nil {
		h.respondStoreError(c, err)
		return
	}
	h.hub.BroadcastNote(c.Request.Context(), created.NoteID, hub.Event{
		Type:         hub.EventNoteCreated,
		NoteID:       created.NoteID,
		CollectionID: created.CollectionID,
	}, request.ClientID)
	c.JSON(http.StatusOK, noteToPayload(created))
}

func (h *httpHandler) handleUpdateNote(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	var request notePayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	updated, err := h.store.UpdateNote(c.Request.Context(), userID, store.Note{
		NoteID: c.Param("id"),
		Title:  request.Title,
	})
	if err != nil {
		h.respondStoreError(c, err)
		return
	}
	h.hub.BroadcastNote(c.Request.Context(), updated.NoteID, hub.Event{
		Type:         hub.EventNoteUpdated,
		NoteID:       updated.NoteID,
		CollectionID: updated.CollectionID,
	}, request.ClientID)
	c.JSON(http.StatusOK, noteToPayload(updated))
}

func (h *httpHandler) handleDeleteNote(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	noteID := c.Param("id")
	clientID := c.Query("clientId")

	audience, audienceErr := h.store.NoteAudience(c.Request.Context(), noteID)
	if audienceErr != nil {
		audience = nil
	}
	if err := h.store.DeleteNote(c.Request.Context(), userID, noteID); err != nil {
		h.respondStoreError(c, err)
		return
	}
	h.hub.Publish(hub.Event{Type: hub.EventNoteDeleted, NoteID: noteID}, audience, clientID)
	c.JSON(http.StatusOK, gin.H{"deleted": noteID})
}

func (h *httpHandler) handleGetDocument(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	noteID := c.Param("id")
	if _, err := h.store.GetNote(c.Request.Context(), userID, noteID); err != nil {
		h.respondStoreError(c, err)
		return
	}
	snapshot, err := h.store.LoadDocument(c.Request.Context(), noteID)
	if err != nil {
		h.respondStoreError(c, err)
		return
	}
	c.Data(http.StatusOK, "application/octet-stream", snapshot)
}

func (h *httpHandler) handleListSettings(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	settings, err := h.store.ListSettings(c.Request.Context(), userID)
	if err != nil {
		h.respondStoreError(c, err)
		return
	}
	payloads := make([]settingPayload, 0, len(settings))
	for _, setting := range settings {
		payloads = append(payloads, settingPayload{
			Key:              setting.Key,
			ValueJSON:        setting.ValueJSON,
			ServerUpdatedAtS: setting.UpdatedAtSeconds,
		})
	}
	c.JSON(http.StatusOK, gin.H{"settings": payloads})
}

func (h *httpHandler) handlePutSetting(c *gin.Context) {
	userID := c.GetString(userIDContextKey)
	var request settingPayload
	if err := c.ShouldBindJSON(&request); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	saved, err := h.store.UpsertSetting(c.Request.Context(), userID, store.Setting{
		Key:       c.Param("key"),
		ValueJSON: request.ValueJSON,
	})
	if err != nil {
		h.respondStoreError(c, err)
		return
	}
	// Settings are private to one user: the audience is the user's own other devices.
	h.hub.Publish(hub.Event{Type: hub.EventSettingUpdated, SettingKey: saved.Key}, []string{userID}, request.ClientID)
	c.JSON(http.StatusOK, settingPayload{
		Key:              saved.Key,
		ValueJSON:        saved.ValueJSON,
		ServerUpdatedAtS: saved.UpdatedAtSeconds,
	})
}

type internalEventPayload struct {
	Event struct {
		Type     string `json:"type"`
		NoteID   string `json:"noteId"`
		ClientID string `json:"clientId,omitempty"`
	} `json:"event"`
}

// handleInternalEvent receives the webhook bridge from the collaboration
// gateway process; logically it is an internal call into the hub's publish.
func (h *httpHandler) handleInternalEvent(c *gin.Context) {
	if c.GetHeader(internalTokenHeader) != h.internalSecret {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	var request internalEventPayload
	if err := c.ShouldBindJSON(&request); err != nil || request.Event.NoteID == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
		return
	}
	if hub.EventType(request.Event.Type) != hub.EventNoteDocStateUpdated {
		c.JSON(http.StatusBadRequest, gin.H{"error": "unknown_event_type"})
		return
	}
	h.hub.BroadcastNote(c.Request.Context(), request.Event.NoteID, hub.Event{
		Type:   hub.EventNoteDocStateUpdated,
		NoteID: request.Event.NoteID,
	}, request.Event.ClientID)
	c.JSON(http.StatusAccepted, gin.H{"accepted": true})
}

func (h *httpHandler) authorizeRequest(c *gin.Context) {
	token := ""
	header := c.GetHeader("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		token = strings.TrimSpace(strings.TrimPrefix(header, "Bearer "))
	}
	if token == "" {
		token = strings.TrimSpace(c.Query("access_token"))
	}
	if token == "" {
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": errInvalidAuthorization.Error()})
		return
	}
	subject, err := h.tokens.ValidateToken(token)
	if err != nil {
		h.logger.Warn("token validation failed", zap.Error(err))
		c.AbortWithStatusJSON(http.StatusUnauthorized, gin.H{"error": "unauthorized"})
		return
	}
	c.Set(userIDContextKey, subject)
	c.Next()
}

func (h *httpHandler) audienceBeforeDelete(ctx context.Context, collectionID, extraUserID string) []string {
	audience, err := h.store.CollectionAudience(ctx, collectionID)
	if err != nil {
		return nil
	}
	if extraUserID == "" {
		return audience
	}
	for _, id := range audience {
		if id == extraUserID {
			return audience
		}
	}
	return append(audience, extraUserID)
}

func (h *httpHandler) respondStoreError(c *gin.Context, err error) {
	switch {
	case store.IsPermissionDenied(err):
		c.JSON(http.StatusForbidden, gin.H{"error": "permission_denied"})
	case store.IsNotFound(err):
		c.JSON(http.StatusNotFound, gin.H{"error": "not_found"})
	case errors.Is(err, store.ErrInvalidID), errors.Is(err, store.ErrInvalidRole):
		c.JSON(http.StatusBadRequest, gin.H{"error": "invalid_request"})
	default:
		h.logger.Error("store operation failed", zap.Error(err))
		c.JSON(http.StatusInternalServerError, gin.H{"error": "internal_error"})
	}
}
