package client

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/HavenNotesLab/haven/internal/hub"
)

// StreamListenerConfig configures the realtime stream consumer.
type StreamListenerConfig struct {
	BaseURL    string
	Token      string
	ClientID   string
	Engine     *Engine
	HTTPClient *http.Client
	Logger     *zap.Logger
}

// StreamListener consumes the server's event stream and feeds each decoded
// event to the engine. Delivery is best effort: a dropped connection means
// the caller should resync before listening again.
type StreamListener struct {
	baseURL  string
	token    string
	clientID string
	engine   *Engine
	client   *http.Client
	logger   *zap.Logger
}

// NewStreamListener constructs the listener.
func NewStreamListener(cfg StreamListenerConfig) (*StreamListener, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("listener: base url is required")
	}
	if cfg.Engine == nil {
		return nil, fmt.Errorf("listener: engine is required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		// No client timeout: the stream is long-lived and bounded by ctx.
		httpClient = &http.Client{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &StreamListener{
		baseURL:  cfg.BaseURL,
		token:    cfg.Token,
		clientID: cfg.ClientID,
		engine:   cfg.Engine,
		client:   httpClient,
		logger:   logger,
	}, nil
}

// Listen connects to the event stream and applies events until the context is
// cancelled or the connection drops.
func (l *StreamListener) Listen(ctx context.Context) error {
	endpoint := fmt.Sprintf("%s/events/stream?clientId=%s", l.baseURL, url.QueryEscape(l.clientID))
	request, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return err
	}
	request.Header.Set("Authorization", "Bearer "+l.token)
	request.Header.Set("Accept", "text/event-stream")

	response, err := l.client.Do(request)
	if err != nil {
		return err
	}
	defer response.Body.Close()
	if response.StatusCode != http.StatusOK {
		return &RequestError{StatusCode: response.StatusCode, Body: "event stream rejected"}
	}

	scanner := bufio.NewScanner(response.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data: ") {
			continue
		}
		var event hub.Event
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &event); err != nil {
			l.logger.Warn("undecodable stream event", zap.Error(err))
			continue
		}
		if err := l.engine.ApplyEvent(ctx, event); err != nil {
			l.logger.Warn("stream event apply failed", zap.Error(err))
		}
	}
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return scanner.Err()
}

// ListenWithRetry keeps the stream alive, resyncing after every reconnect so
// events missed during the gap are recovered.
func (l *StreamListener) ListenWithRetry(ctx context.Context, backoff time.Duration) {
	if backoff <= 0 {
		backoff = 5 * time.Second
	}
	for {
		if err := l.Listen(ctx); err != nil && ctx.Err() == nil {
			l.logger.Warn("event stream dropped", zap.Error(err))
		}
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if err := l.engine.Resync(ctx); err != nil && ctx.Err() == nil {
			l.logger.Warn("resync after reconnect failed", zap.Error(err))
		}
	}
}
