package collab

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"go.uber.org/zap"
)

const notifyTimeout = 5 * time.Second

// SavedNotifier announces a persisted document change to interested parties.
type SavedNotifier interface {
	NotifySaved(noteID string)
}

// WebhookNotifier bridges document-save events into the API process over
// HTTP so the broadcast hub can fan them out. Dispatch is asynchronous and
// failures are logged and discarded: the persist already succeeded and the
// sync engine's resync path recovers any missed notification.
type WebhookNotifier struct {
	apiBaseURL     string
	internalSecret string
	client         *http.Client
	logger         *zap.Logger
}

// NewWebhookNotifier constructs a notifier targeting the API process.
func NewWebhookNotifier(apiBaseURL, internalSecret string, logger *zap.Logger) *WebhookNotifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &WebhookNotifier{
		apiBaseURL:     apiBaseURL,
		internalSecret: internalSecret,
		client:         &http.Client{Timeout: notifyTimeout},
		logger:         logger,
	}
}

type webhookEvent struct {
	Type   string `json:"type"`
	NoteID string `json:"noteId"`
}

type webhookPayload struct {
	Event webhookEvent `json:"event"`
}

// NotifySaved posts the NOTE_YDOC_STATE_UPDATED event without blocking the
// caller. Errors are intentionally not propagated.
func (n *WebhookNotifier) NotifySaved(noteID string) {
	go n.dispatch(noteID)
}

func (n *WebhookNotifier) dispatch(noteID string) {
	body, err := json.Marshal(webhookPayload{Event: webhookEvent{
		Type:   "NOTE_YDOC_STATE_UPDATED",
		NoteID: noteID,
	}})
	if err != nil {
		n.logger.Warn("webhook payload encoding failed", zap.String("note_id", noteID), zap.Error(err))
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), notifyTimeout)
	defer cancel()

	request, err := http.NewRequestWithContext(ctx, http.MethodPost,
		n.apiBaseURL+"/internal/events", bytes.NewReader(body))
	if err != nil {
		n.logger.Warn("webhook request construction failed", zap.String("note_id", noteID), zap.Error(err))
		return
	}
	request.Header.Set("Content-Type", "application/json")
	request.Header.Set("X-Haven-Internal-Token", n.internalSecret)

	response, err := n.client.Do(request)
	if err != nil {
		n.logger.Warn("webhook delivery failed", zap.String("note_id", noteID), zap.Error(err))
		return
	}
	defer response.Body.Close()
	if response.StatusCode >= http.StatusBadRequest {
		n.logger.Warn("webhook rejected",
			zap.String("note_id", noteID),
			zap.Error(fmt.Errorf("status %d", response.StatusCode)))
	}
}
