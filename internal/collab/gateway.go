package collab

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"time"

	"github.com/HavenNotesLab/haven/internal/store"
	"github.com/automerge/automerge-go"
	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"
)

const (
	// KeepAliveDocument is a reserved document name whose sessions bypass
	// authentication and persistence; it exists only to keep transport
	// infrastructure warm.
	KeepAliveDocument = "keepalive"
	// KeepAliveToken is the reserved token accepted for keep-alive sessions.
	KeepAliveToken = "keepalive"

	defaultSaveInterval = 5 * time.Second
	writeDeadline       = 10 * time.Second
)

var (
	errMissingTokenValidator = errors.New("token validator dependency required")
	errMissingPermissions    = errors.New("permission checker dependency required")
	errMissingDocuments      = errors.New("document store dependency required")
)

// TokenValidator resolves a handshake token to a user id.
type TokenValidator interface {
	ValidateToken(token string) (string, error)
}

// PermissionChecker answers whether the user may currently edit the document.
// It must consult live permission edges, not a cache.
type PermissionChecker interface {
	HasNoteEditPermission(ctx context.Context, noteID, userID string) (bool, error)
}

// DocumentStore persists encoded document snapshots. A missing document is
// signalled with an error satisfying store.IsNotFound.
type DocumentStore interface {
	LoadDocument(ctx context.Context, documentID string) ([]byte, error)
	SaveDocument(ctx context.Context, documentID string, snapshot []byte) error
}

// GatewayConfig bundles the collaborators of the gateway.
type GatewayConfig struct {
	Tokens       TokenValidator
	Permissions  PermissionChecker
	Documents    DocumentStore
	Notifier     SavedNotifier
	SaveInterval time.Duration
	Logger       *zap.Logger
}

// Gateway relays collaborative editing sessions over WebSocket. Each session
// is one lane: incoming update frames and periodic persists never run
// concurrently within a session, while sessions across documents and users
// run concurrently and share only the document store and the notifier.
type Gateway struct {
	tokens       TokenValidator
	permissions  PermissionChecker
	documents    DocumentStore
	notifier     SavedNotifier
	saveInterval time.Duration
	logger       *zap.Logger
	upgrader     websocket.Upgrader
}

// NewGateway validates dependencies and constructs the gateway.
func NewGateway(cfg GatewayConfig) (*Gateway, error) {
	if cfg.Tokens == nil {
		return nil, errMissingTokenValidator
	}
	if cfg.Permissions == nil {
		return nil, errMissingPermissions
	}
	if cfg.Documents == nil {
		return nil, errMissingDocuments
	}
	saveInterval := cfg.SaveInterval
	if saveInterval <= 0 {
		saveInterval = defaultSaveInterval
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Gateway{
		tokens:       cfg.Tokens,
		permissions:  cfg.Permissions,
		documents:    cfg.Documents,
		notifier:     cfg.Notifier,
		saveInterval: saveInterval,
		logger:       logger,
		upgrader: websocket.Upgrader{
			CheckOrigin: func(*http.Request) bool { return true },
		},
	}, nil
}

// Handler returns the HTTP handler exposing the relay endpoint.
func (g *Gateway) Handler() http.Handler {
	router := gin.New()
	router.Use(gin.Recovery())
	router.GET("/collab/:document", g.handleSession)
	return router
}

type editSession struct {
	state      SessionState
	documentID string
	userID     string

	mu    sync.Mutex
	doc   *automerge.Doc
	dirty bool
}

func (s *editSession) transition(to SessionState) bool {
	if !CanTransition(s.state, to) {
		return false
	}
	s.state = to
	return true
}

func (g *Gateway) handleSession(c *gin.Context) {
	documentID := c.Param("document")
	token := c.Query("token")

	conn, err := g.upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		g.logger.Warn("websocket upgrade failed", zap.String("document_id", documentID), zap.Error(err))
		return
	}
	defer conn.Close()

	if documentID == KeepAliveDocument && token == KeepAliveToken {
		g.runKeepAlive(conn)
		return
	}

	session := &editSession{state: StateConnecting, documentID: documentID}
	g.runSession(c.Request.Context(), conn, session, token)
}

// runKeepAlive holds the socket open and discards frames until the peer goes
// away. Nothing is authenticated or persisted.
func (g *Gateway) runKeepAlive(conn *websocket.Conn) {
	for {
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
	}
}

func (g *Gateway) runSession(ctx context.Context, conn *websocket.Conn, session *editSession, token string) {
	session.transition(StateAuthenticating)

	userID, err := g.tokens.ValidateToken(token)
	if err != nil {
		g.logger.Warn("session authentication failed",
			zap.String("document_id", session.documentID), zap.Error(err))
		g.reject(conn, session, "authentication failed")
		return
	}
	session.userID = userID

	allowed, err := g.permissions.HasNoteEditPermission(ctx, session.documentID, userID)
	if err != nil {
		g.logger.Error("permission check failed",
			zap.String("document_id", session.documentID),
			zap.String("user_id", userID), zap.Error(err))
		g.reject(conn, session, "permission check failed")
		return
	}
	if !allowed {
		g.reject(conn, session, "edit permission required")
		return
	}
	session.transition(StateAuthorized)

	session.doc = g.loadReplica(ctx, session.documentID)
	if err := g.writeSnapshot(conn, session); err != nil {
		g.logger.Warn("initial snapshot send failed",
			zap.String("document_id", session.documentID), zap.Error(err))
		session.transition(StateClosed)
		return
	}
	session.transition(StateEditing)

	g.logger.Info("editing session started",
		zap.String("document_id", session.documentID),
		zap.String("user_id", userID))

	done := make(chan struct{})
	go g.readLoop(conn, session, done)

	ticker := time.NewTicker(g.saveInterval)
	defer ticker.Stop()

	ctxDone := ctx.Done()
	for {
		select {
		case <-done:
			g.persist(context.Background(), session)
			session.transition(StateClosed)
			g.logger.Info("editing session closed",
				zap.String("document_id", session.documentID),
				zap.String("user_id", session.userID))
			return
		case <-ticker.C:
			// Permission can be revoked mid-session; a revoked editor is
			// disconnected at the next tick.
			allowed, err := g.permissions.HasNoteEditPermission(ctx, session.documentID, session.userID)
			if err == nil && !allowed {
				conn.Close()
				continue
			}
			g.persist(ctx, session)
		case <-ctxDone:
			conn.Close()
			ctxDone = nil
		}
	}
}

func (g *Gateway) readLoop(conn *websocket.Conn, session *editSession, done chan<- struct{}) {
	defer close(done)
	for {
		messageType, payload, err := conn.ReadMessage()
		if err != nil {
			return
		}
		if messageType != websocket.BinaryMessage {
			continue
		}
		incoming, err := automerge.Load(payload)
		if err != nil {
			g.logger.Warn("update frame rejected",
				zap.String("document_id", session.documentID), zap.Error(err))
			continue
		}
		session.mu.Lock()
		if _, err := session.doc.Merge(incoming); err != nil {
			g.logger.Warn("update merge failed",
				zap.String("document_id", session.documentID), zap.Error(err))
		} else {
			session.dirty = true
		}
		session.mu.Unlock()
	}
}

// persist encodes and stores the replica when it has unsaved edits. Save
// failures are logged and swallowed: a transient failure must not tear down
// an otherwise-healthy session, and the in-memory replica remains the source
// of truth until the next successful save. After a successful persist the
// notifier announces the change; its failure cannot affect the persist.
func (g *Gateway) persist(ctx context.Context, session *editSession) {
	session.mu.Lock()
	if !session.dirty || session.doc == nil {
		session.mu.Unlock()
		return
	}
	if !session.transition(StateSaving) {
		session.mu.Unlock()
		return
	}

	// Fold in the latest stored snapshot first so concurrent sessions on the
	// same document converge instead of overwriting each other.
	if stored, err := g.documents.LoadDocument(ctx, session.documentID); err == nil {
		if storedDoc, loadErr := automerge.Load(stored); loadErr == nil {
			if _, mergeErr := session.doc.Merge(storedDoc); mergeErr != nil {
				g.logger.Warn("stored snapshot merge failed",
					zap.String("document_id", session.documentID), zap.Error(mergeErr))
			}
		}
	}
	snapshot := session.doc.Save()
	session.dirty = false
	session.transition(StateEditing)
	session.mu.Unlock()

	if err := g.documents.SaveDocument(ctx, session.documentID, snapshot); err != nil {
		g.logger.Warn("document persist failed",
			zap.String("document_id", session.documentID), zap.Error(err))
		session.mu.Lock()
		session.dirty = true
		session.mu.Unlock()
		return
	}
	if g.notifier != nil {
		g.notifier.NotifySaved(session.documentID)
	}
}

func (g *Gateway) loadReplica(ctx context.Context, documentID string) *automerge.Doc {
	stored, err := g.documents.LoadDocument(ctx, documentID)
	if err != nil {
		if !store.IsNotFound(err) {
			g.logger.Warn("document load failed, starting empty replica",
				zap.String("document_id", documentID), zap.Error(err))
		}
		return automerge.New()
	}
	doc, err := automerge.Load(stored)
	if err != nil {
		g.logger.Warn("stored snapshot corrupt, starting empty replica",
			zap.String("document_id", documentID), zap.Error(err))
		return automerge.New()
	}
	return doc
}

func (g *Gateway) writeSnapshot(conn *websocket.Conn, session *editSession) error {
	session.mu.Lock()
	snapshot := session.doc.Save()
	session.mu.Unlock()
	conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	return conn.WriteMessage(websocket.BinaryMessage, snapshot)
}

func (g *Gateway) reject(conn *websocket.Conn, session *editSession, reason string) {
	session.transition(StateRejected)
	conn.SetWriteDeadline(time.Now().Add(writeDeadline))
	_ = conn.WriteMessage(websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.ClosePolicyViolation, reason))
	session.transition(StateClosed)
}
