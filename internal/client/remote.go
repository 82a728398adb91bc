package client

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/google/uuid"
)

// Remote is the REST boundary consumed by the sync engine. Every mutation
// carries the device's client id so the server can exclude this device from
// the resulting broadcast.
type Remote interface {
	CreateCollection(ctx context.Context, collection Collection) (Collection, error)
	UpdateCollection(ctx context.Context, collection Collection) (Collection, error)
	DeleteCollection(ctx context.Context, collectionID string) error
	GetCollection(ctx context.Context, collectionID string) (Collection, error)
	ListCollections(ctx context.Context) ([]Collection, error)

	CreateNote(ctx context.Context, note Note) (Note, error)
	UpdateNote(ctx context.Context, note Note) (Note, error)
	DeleteNote(ctx context.Context, noteID string) error
	GetNote(ctx context.Context, noteID string) (Note, error)
	ListNotes(ctx context.Context) ([]Note, error)

	PutSetting(ctx context.Context, setting Setting) (Setting, error)
	ListSettings(ctx context.Context) ([]Setting, error)

	FetchDocument(ctx context.Context, noteID string) ([]byte, error)
}

// RequestError is a non-2xx response from the server.
type RequestError struct {
	StatusCode int
	Body       string
}

func (e *RequestError) Error() string {
	return fmt.Sprintf("remote: status %d: %s", e.StatusCode, e.Body)
}

// IsPermanent reports whether the failure is terminal for the mutation.
// Client errors (permission denied, invalid input, missing entity) will not
// succeed on retry; network failures and server errors are transient.
func IsPermanent(err error) bool {
	var requestErr *RequestError
	if !asRequestError(err, &requestErr) {
		return false
	}
	return requestErr.StatusCode >= 400 && requestErr.StatusCode < 500
}

func asRequestError(err error, target **RequestError) bool {
	for err != nil {
		if re, ok := err.(*RequestError); ok {
			*target = re
			return true
		}
		unwrapper, ok := err.(interface{ Unwrap() error })
		if !ok {
			return false
		}
		err = unwrapper.Unwrap()
	}
	return false
}

// IDProvider issues identifiers for queue items and client-generated entity ids.
type IDProvider interface {
	NewID() (string, error)
}

type uuidProvider struct{}

// NewUUIDProvider constructs an IDProvider that issues UUIDv7 identifiers.
func NewUUIDProvider() IDProvider {
	return &uuidProvider{}
}

func (p *uuidProvider) NewID() (string, error) {
	value, err := uuid.NewV7()
	if err != nil {
		return "", err
	}
	return value.String(), nil
}

// HTTPRemoteConfig configures the HTTP implementation of Remote.
type HTTPRemoteConfig struct {
	BaseURL    string
	Token      string
	ClientID   string
	HTTPClient *http.Client
}

// HTTPRemote talks to the API server over its REST boundary.
type HTTPRemote struct {
	baseURL  string
	token    string
	clientID string
	client   *http.Client
}

// NewHTTPRemote constructs the REST client.
func NewHTTPRemote(cfg HTTPRemoteConfig) (*HTTPRemote, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("remote: base url is required")
	}
	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &HTTPRemote{
		baseURL:  cfg.BaseURL,
		token:    cfg.Token,
		clientID: cfg.ClientID,
		client:   httpClient,
	}, nil
}

type collectionEnvelope struct {
	Collection
	ClientID string `json:"clientId,omitempty"`
}

type noteEnvelope struct {
	Note
	ClientID string `json:"clientId,omitempty"`
}

type settingEnvelope struct {
	Setting
	ClientID string `json:"clientId,omitempty"`
}

func (r *HTTPRemote) CreateCollection(ctx context.Context, collection Collection) (Collection, error) {
	var result Collection
	err := r.do(ctx, http.MethodPost, "/collections", collectionEnvelope{Collection: collection, ClientID: r.clientID}, &result)
	return result, err
}

func (r *HTTPRemote) UpdateCollection(ctx context.Context, collection Collection) (Collection, error) {
	var result Collection
	path := "/collections/" + url.PathEscape(collection.CollectionID)
	err := r.do(ctx, http.MethodPut, path, collectionEnvelope{Collection: collection, ClientID: r.clientID}, &result)
	return result, err
}

func (r *HTTPRemote) DeleteCollection(ctx context.Context, collectionID string) error {
	path := "/collections/" + url.PathEscape(collectionID) + "?clientId=" + url.QueryEscape(r.clientID)
	return r.do(ctx, http.MethodDelete, path, nil, nil)
}

func (r *HTTPRemote) GetCollection(ctx context.Context, collectionID string) (Collection, error) {
	var result Collection
	err := r.do(ctx, http.MethodGet, "/collections/"+url.PathEscape(collectionID), nil, &result)
	return result, err
}

func (r *HTTPRemote) ListCollections(ctx context.Context) ([]Collection, error) {
	var result struct {
		Collections []Collection `json:"collections"`
	}
	if err := r.do(ctx, http.MethodGet, "/collections", nil, &result); err != nil {
		return nil, err
	}
	return result.Collections, nil
}

func (r *HTTPRemote) CreateNote(ctx context.Context, note Note) (Note, error) {
	var result Note
	err := r.do(ctx, http.MethodPost, "/notes", noteEnvelope{Note: note, ClientID: r.clientID}, &result)
	return result, err
}

func (r *HTTPRemote) UpdateNote(ctx context.Context, note Note) (Note, error) {
	var result Note
	path := "/notes/" + url.PathEscape(note.NoteID)
	err := r.do(ctx, http.MethodPut, path, noteEnvelope{Note: note, ClientID: r.clientID}, &result)
	return result, err
}

func (r *HTTPRemote) DeleteNote(ctx context.Context, noteID string) error {
	path := "/notes/" + url.PathEscape(noteID) + "?clientId=" + url.QueryEscape(r.clientID)
	return r.do(ctx, http.MethodDelete, path, nil, nil)
}

func (r *HTTPRemote) GetNote(ctx context.Context, noteID string) (Note, error) {
	var result Note
	err := r.do(ctx, http.MethodGet, "/notes/"+url.PathEscape(noteID), nil, &result)
	return result, err
}

func (r *HTTPRemote) ListNotes(ctx context.Context) ([]Note, error) {
	var result struct {
		Notes []Note `json:"notes"`
	}
	if err := r.do(ctx, http.MethodGet, "/notes", nil, &result); err != nil {
		return nil, err
	}
	return result.Notes, nil
}

func (r *HTTPRemote) PutSetting(ctx context.Context, setting Setting) (Setting, error) {
	var result Setting
	path := "/settings/" + url.PathEscape(setting.Key)
	err := r.do(ctx, http.MethodPut, path, settingEnvelope{Setting: setting, ClientID: r.clientID}, &result)
	return result, err
}

func (r *HTTPRemote) ListSettings(ctx context.Context) ([]Setting, error) {
	var result struct {
		Settings []Setting `json:"settings"`
	}
	if err := r.do(ctx, http.MethodGet, "/settings", nil, &result); err != nil {
		return nil, err
	}
	return result.Settings, nil
}

func (r *HTTPRemote) FetchDocument(ctx context.Context, noteID string) ([]byte, error) {
	raw, err := r.doRaw(ctx, http.MethodGet, "/notes/"+url.PathEscape(noteID)+"/document", nil)
	if err != nil {
		return nil, err
	}
	return raw, nil
}

func (r *HTTPRemote) do(ctx context.Context, method, path string, body, result any) error {
	raw, err := r.doRaw(ctx, method, path, body)
	if err != nil {
		return err
	}
	if result == nil || len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, result)
}

func (r *HTTPRemote) doRaw(ctx context.Context, method, path string, body any) ([]byte, error) {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return nil, err
		}
		reader = bytes.NewReader(encoded)
	}
	request, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, reader)
	if err != nil {
		return nil, err
	}
	if body != nil {
		request.Header.Set("Content-Type", "application/json")
	}
	if r.token != "" {
		request.Header.Set("Authorization", "Bearer "+r.token)
	}

	response, err := r.client.Do(request)
	if err != nil {
		return nil, err
	}
	defer response.Body.Close()

	raw, err := io.ReadAll(response.Body)
	if err != nil {
		return nil, err
	}
	if response.StatusCode < 200 || response.StatusCode >= 300 {
		return nil, &RequestError{StatusCode: response.StatusCode, Body: string(raw)}
	}
	return raw, nil
}
