// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package matrixbox

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"

	"github.com/google/uuid"

	"github.com/bureau-foundation/boxsync/lib/netutil"
	"github.com/bureau-foundation/boxsync/lib/remote"
	"github.com/bureau-foundation/boxsync/lib/secret"
)

// EventType is the room event type that carries one blob reference.
const EventType = "m.boxsync.blob"

const (
	defaultPageSize    = 100
	defaultMaxBlobSize = 80 << 20
)

// Config holds the parameters for a Matrix-backed box.
type Config struct {
	// HomeserverURL is the base URL of the homeserver, for example
	// "https://matrix.example.org".
	HomeserverURL string

	// RoomID is the room that holds this box's blobs. The account
	// behind AccessToken must be joined with permission to send and
	// redact events.
	RoomID string

	// AccessToken authenticates every request. The backend reads it
	// per request and never closes it; the caller owns its lifetime.
	AccessToken *secret.Buffer

	// HTTPClient is used for all requests. If nil, http.DefaultClient
	// is used. Per-call timeouts come from the context, not the client.
	HTTPClient *http.Client

	// PageSize is the /messages page size used by List. Defaults to 100.
	PageSize int

	// MaxBlobSize bounds media downloads. Defaults to 80 MiB, above the
	// largest sealed chunk.
	MaxBlobSize int64

	// Logger receives request-level debug messages. If nil, logging is
	// discarded.
	Logger *slog.Logger
}

// Backend stores blobs in a Matrix room. Each Put uploads the blob to
// the media repository and sends an [EventType] event pointing at the
// resulting MXC URI; the event id is the remote id. Delete redacts the
// event. The client-server API has no media deletion endpoint, so the
// uploaded media itself is left to the homeserver's retention policy.
type Backend struct {
	baseURL     string
	roomID      string
	accessToken *secret.Buffer
	httpClient  *http.Client
	pageSize    int
	maxBlobSize int64
	logger      *slog.Logger
}

var _ remote.Backend = (*Backend)(nil)

// blobContent is the content of an EventType event. Redaction strips
// content, so an event without URL is treated as deleted.
type blobContent struct {
	URL  string `json:"url,omitempty"`
	Size int64  `json:"size,omitempty"`
}

type roomEvent struct {
	EventID string          `json:"event_id"`
	Type    string          `json:"type"`
	Content json.RawMessage `json:"content"`
}

type messagesResponse struct {
	Start string      `json:"start"`
	End   string      `json:"end"`
	Chunk []roomEvent `json:"chunk"`
}

// New validates config and returns a Backend.
func New(config Config) (*Backend, error) {
	if config.HomeserverURL == "" {
		return nil, fmt.Errorf("matrixbox: HomeserverURL is required")
	}
	if _, err := url.Parse(config.HomeserverURL); err != nil {
		return nil, fmt.Errorf("matrixbox: invalid HomeserverURL %q: %w", config.HomeserverURL, err)
	}
	if !strings.HasPrefix(config.RoomID, "!") {
		return nil, fmt.Errorf("matrixbox: RoomID %q is not a room id", config.RoomID)
	}
	if config.AccessToken == nil {
		return nil, fmt.Errorf("matrixbox: AccessToken is required")
	}

	httpClient := config.HTTPClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}
	pageSize := config.PageSize
	if pageSize <= 0 {
		pageSize = defaultPageSize
	}
	maxBlobSize := config.MaxBlobSize
	if maxBlobSize <= 0 {
		maxBlobSize = defaultMaxBlobSize
	}
	logger := config.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	return &Backend{
		baseURL:     strings.TrimRight(config.HomeserverURL, "/"),
		roomID:      config.RoomID,
		accessToken: config.AccessToken,
		httpClient:  httpClient,
		pageSize:    pageSize,
		maxBlobSize: maxBlobSize,
		logger:      logger,
	}, nil
}

// Put uploads blob as media and sends the event referencing it.
func (b *Backend) Put(ctx context.Context, blob []byte) (string, error) {
	response, err := b.do(ctx, http.MethodPost, "/_matrix/media/v3/upload", nil,
		"application/octet-stream", bytes.NewReader(blob))
	if err != nil {
		return "", classify("put", "", err)
	}
	var upload struct {
		ContentURI string `json:"content_uri"`
	}
	decodeErr := netutil.DecodeResponse(response.Body, &upload)
	response.Body.Close()
	if decodeErr != nil {
		return "", remote.Transient("put", "", fmt.Errorf("matrixbox: parsing upload response: %w", decodeErr))
	}
	if !strings.HasPrefix(upload.ContentURI, "mxc://") {
		return "", remote.Permanent("put", "", fmt.Errorf("matrixbox: upload returned invalid content uri %q", upload.ContentURI))
	}

	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/send/%s/%s",
		url.PathEscape(b.roomID),
		url.PathEscape(EventType),
		url.PathEscape(uuid.NewString()),
	)
	body, err := b.doJSON(ctx, http.MethodPut, path, blobContent{URL: upload.ContentURI, Size: int64(len(blob))}, nil)
	if err != nil {
		return "", classify("put", "", err)
	}
	var sent struct {
		EventID string `json:"event_id"`
	}
	if err := json.Unmarshal(body, &sent); err != nil || sent.EventID == "" {
		return "", remote.Transient("put", "", fmt.Errorf("matrixbox: parsing send response: %q", body))
	}

	b.logger.Debug("blob stored",
		"event_id", sent.EventID,
		"content_uri", upload.ContentURI,
		"size", len(blob),
	)
	return sent.EventID, nil
}

// Get resolves the event and downloads the media it references.
func (b *Backend) Get(ctx context.Context, id string) ([]byte, error) {
	content, err := b.blobEvent(ctx, "get", id)
	if err != nil {
		return nil, err
	}
	server, mediaID, err := parseMXC(content.URL)
	if err != nil {
		return nil, remote.Permanent("get", id, err)
	}

	path := fmt.Sprintf("/_matrix/client/v1/media/download/%s/%s",
		url.PathEscape(server), url.PathEscape(mediaID))
	response, err := b.do(ctx, http.MethodGet, path, nil, "", nil)
	if err != nil {
		return nil, classify("get", id, err)
	}
	defer response.Body.Close()

	blob, err := netutil.ReadBlob(response.Body, b.maxBlobSize)
	if err != nil {
		return nil, remote.Classify("get", id, err)
	}
	if content.Size > 0 && int64(len(blob)) != content.Size {
		return nil, remote.Transient("get", id,
			fmt.Errorf("matrixbox: media %s returned %d bytes, event records %d", content.URL, len(blob), content.Size))
	}
	return blob, nil
}

// List pages backwards through the room timeline collecting every
// unredacted blob event.
func (b *Backend) List(ctx context.Context) ([]string, error) {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/messages", url.PathEscape(b.roomID))
	filter, _ := json.Marshal(map[string]any{"types": []string{EventType}})

	var ids []string
	from := ""
	for {
		query := url.Values{}
		query.Set("dir", "b")
		query.Set("limit", strconv.Itoa(b.pageSize))
		query.Set("filter", string(filter))
		if from != "" {
			query.Set("from", from)
		}

		body, err := b.doJSON(ctx, http.MethodGet, path, nil, query)
		if err != nil {
			return nil, classify("list", "", err)
		}
		var page messagesResponse
		if err := json.Unmarshal(body, &page); err != nil {
			return nil, remote.Transient("list", "", fmt.Errorf("matrixbox: parsing messages response: %w", err))
		}

		for _, event := range page.Chunk {
			if event.Type != EventType {
				continue
			}
			var content blobContent
			if err := json.Unmarshal(event.Content, &content); err != nil || content.URL == "" {
				continue
			}
			ids = append(ids, event.EventID)
		}

		if len(page.Chunk) == 0 || page.End == "" || page.End == from {
			break
		}
		from = page.End
	}
	return ids, nil
}

// Delete redacts the blob event. A missing or already redacted event
// reports not found.
func (b *Backend) Delete(ctx context.Context, id string) error {
	if _, err := b.blobEvent(ctx, "delete", id); err != nil {
		return err
	}
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/redact/%s/%s",
		url.PathEscape(b.roomID),
		url.PathEscape(id),
		url.PathEscape(uuid.NewString()),
	)
	if _, err := b.doJSON(ctx, http.MethodPut, path, map[string]string{"reason": "boxsync delete"}, nil); err != nil {
		return classify("delete", id, err)
	}
	b.logger.Debug("blob redacted", "event_id", id)
	return nil
}

// blobEvent fetches id and returns its blob content, reporting not
// found for redacted events and events of another type.
func (b *Backend) blobEvent(ctx context.Context, op, id string) (*blobContent, error) {
	path := fmt.Sprintf("/_matrix/client/v3/rooms/%s/event/%s",
		url.PathEscape(b.roomID), url.PathEscape(id))
	body, err := b.doJSON(ctx, http.MethodGet, path, nil, nil)
	if err != nil {
		return nil, classify(op, id, err)
	}
	var event roomEvent
	if err := json.Unmarshal(body, &event); err != nil {
		return nil, remote.Transient(op, id, fmt.Errorf("matrixbox: parsing event: %w", err))
	}
	if event.Type != EventType {
		return nil, remote.NotFound(op, id)
	}
	var content blobContent
	if len(event.Content) > 0 {
		if err := json.Unmarshal(event.Content, &content); err != nil {
			return nil, remote.Permanent(op, id, fmt.Errorf("matrixbox: parsing event content: %w", err))
		}
	}
	if content.URL == "" {
		return nil, remote.NotFound(op, id)
	}
	return &content, nil
}

// parseMXC splits "mxc://server/media" into its parts.
func parseMXC(uri string) (server, mediaID string, err error) {
	rest, ok := strings.CutPrefix(uri, "mxc://")
	if !ok {
		return "", "", fmt.Errorf("matrixbox: %q is not an mxc uri", uri)
	}
	server, mediaID, ok = strings.Cut(rest, "/")
	if !ok || server == "" || mediaID == "" || strings.Contains(mediaID, "/") {
		return "", "", fmt.Errorf("matrixbox: malformed mxc uri %q", uri)
	}
	return server, mediaID, nil
}
