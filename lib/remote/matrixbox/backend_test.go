// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package matrixbox

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strconv"
	"sync"
	"testing"

	"github.com/bureau-foundation/boxsync/lib/boxerr"
	"github.com/bureau-foundation/boxsync/lib/secret"
)

const (
	testRoom  = "!box:test.local"
	testToken = "syt_test_token"
)

type fakeEvent struct {
	ID      string
	Type    string
	Content map[string]any
}

// fakeHomeserver implements the handful of client-server endpoints the
// backend uses, with an optional failure hook.
type fakeHomeserver struct {
	mu       sync.Mutex
	media    map[string][]byte
	events   map[string]*fakeEvent
	order    []string
	requests int
	fail     func(request *http.Request) (status int, body string)
}

func newFakeHomeserver(t *testing.T) (*fakeHomeserver, *httptest.Server) {
	t.Helper()
	fake := &fakeHomeserver{
		media:  make(map[string][]byte),
		events: make(map[string]*fakeEvent),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /_matrix/media/v3/upload", fake.upload)
	mux.HandleFunc("GET /_matrix/client/v1/media/download/{server}/{media}", fake.download)
	mux.HandleFunc("PUT /_matrix/client/v3/rooms/{room}/send/{type}/{txn}", fake.send)
	mux.HandleFunc("GET /_matrix/client/v3/rooms/{room}/event/{event}", fake.event)
	mux.HandleFunc("GET /_matrix/client/v3/rooms/{room}/messages", fake.messages)
	mux.HandleFunc("PUT /_matrix/client/v3/rooms/{room}/redact/{event}/{txn}", fake.redact)

	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, request *http.Request) {
		fake.mu.Lock()
		fake.requests++
		fail := fake.fail
		fake.mu.Unlock()

		if request.Header.Get("Authorization") != "Bearer "+testToken {
			writeError(writer, http.StatusUnauthorized, "M_UNKNOWN_TOKEN", "bad token")
			return
		}
		if fail != nil {
			if status, body := fail(request); status != 0 {
				writer.WriteHeader(status)
				io.WriteString(writer, body)
				return
			}
		}
		mux.ServeHTTP(writer, request)
	}))
	t.Cleanup(server.Close)
	return fake, server
}

func writeError(writer http.ResponseWriter, status int, code, message string) {
	writer.Header().Set("Content-Type", "application/json")
	writer.WriteHeader(status)
	json.NewEncoder(writer).Encode(map[string]string{"errcode": code, "error": message})
}

func writeJSON(writer http.ResponseWriter, value any) {
	writer.Header().Set("Content-Type", "application/json")
	json.NewEncoder(writer).Encode(value)
}

func (f *fakeHomeserver) upload(writer http.ResponseWriter, request *http.Request) {
	data, _ := io.ReadAll(request.Body)
	f.mu.Lock()
	id := fmt.Sprintf("media%d", len(f.media)+1)
	f.media[id] = data
	f.mu.Unlock()
	writeJSON(writer, map[string]string{"content_uri": "mxc://test.local/" + id})
}

func (f *fakeHomeserver) download(writer http.ResponseWriter, request *http.Request) {
	f.mu.Lock()
	data, ok := f.media[request.PathValue("media")]
	f.mu.Unlock()
	if !ok {
		writeError(writer, http.StatusNotFound, "M_NOT_FOUND", "no media")
		return
	}
	writer.Write(data)
}

func (f *fakeHomeserver) send(writer http.ResponseWriter, request *http.Request) {
	if request.PathValue("room") != testRoom {
		writeError(writer, http.StatusForbidden, "M_FORBIDDEN", "not in room")
		return
	}
	var content map[string]any
	if err := json.NewDecoder(request.Body).Decode(&content); err != nil {
		writeError(writer, http.StatusBadRequest, "M_BAD_JSON", err.Error())
		return
	}
	f.mu.Lock()
	id := fmt.Sprintf("$event%d", len(f.order)+1)
	f.events[id] = &fakeEvent{ID: id, Type: request.PathValue("type"), Content: content}
	f.order = append(f.order, id)
	f.mu.Unlock()
	writeJSON(writer, map[string]string{"event_id": id})
}

func (f *fakeHomeserver) event(writer http.ResponseWriter, request *http.Request) {
	f.mu.Lock()
	event, ok := f.events[request.PathValue("event")]
	f.mu.Unlock()
	if !ok {
		writeError(writer, http.StatusNotFound, "M_NOT_FOUND", "Event not found")
		return
	}
	writeJSON(writer, map[string]any{"event_id": event.ID, "type": event.Type, "content": event.Content})
}

// messages serves the timeline newest first; the pagination token is
// the number of events already returned.
func (f *fakeHomeserver) messages(writer http.ResponseWriter, request *http.Request) {
	limit, _ := strconv.Atoi(request.URL.Query().Get("limit"))
	offset, _ := strconv.Atoi(request.URL.Query().Get("from"))

	f.mu.Lock()
	defer f.mu.Unlock()
	var chunk []map[string]any
	index := offset
	for ; index < len(f.order) && len(chunk) < limit; index++ {
		event := f.events[f.order[len(f.order)-1-index]]
		chunk = append(chunk, map[string]any{"event_id": event.ID, "type": event.Type, "content": event.Content})
	}
	response := map[string]any{"start": strconv.Itoa(offset), "chunk": chunk}
	if index < len(f.order) {
		response["end"] = strconv.Itoa(index)
	}
	writeJSON(writer, response)
}

func (f *fakeHomeserver) redact(writer http.ResponseWriter, request *http.Request) {
	f.mu.Lock()
	event, ok := f.events[request.PathValue("event")]
	if ok {
		event.Content = map[string]any{}
	}
	f.mu.Unlock()
	if !ok {
		writeError(writer, http.StatusNotFound, "M_NOT_FOUND", "Event not found")
		return
	}
	writeJSON(writer, map[string]string{"event_id": "$redaction"})
}

func (f *fakeHomeserver) setFail(fail func(*http.Request) (int, string)) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.fail = fail
}

func newTestBackend(t *testing.T, serverURL string, pageSize int) *Backend {
	t.Helper()
	token, err := secret.NewFromBytes([]byte(testToken))
	if err != nil {
		t.Fatalf("NewFromBytes: %v", err)
	}
	t.Cleanup(func() { token.Close() })

	backend, err := New(Config{
		HomeserverURL: serverURL + "/",
		RoomID:        testRoom,
		AccessToken:   token,
		PageSize:      pageSize,
	})
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return backend
}

func TestPutGetDelete(t *testing.T) {
	fake, server := newFakeHomeserver(t)
	backend := newTestBackend(t, server.URL, 0)
	ctx := context.Background()

	blob := bytes.Repeat([]byte{0xAB, 0x01}, 5000)
	id, err := backend.Put(ctx, blob)
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if id != "$event1" {
		t.Errorf("Put returned id %q, want the event id", id)
	}
	fake.mu.Lock()
	content := fake.events[id].Content
	fake.mu.Unlock()
	if content["size"] != float64(len(blob)) {
		t.Errorf("event size = %v, want %d", content["size"], len(blob))
	}

	got, err := backend.Get(ctx, id)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if !bytes.Equal(got, blob) {
		t.Fatal("Get returned different bytes")
	}

	if err := backend.Delete(ctx, id); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := backend.Get(ctx, id); !errors.Is(err, boxerr.ErrNotFound) {
		t.Errorf("Get after Delete = %v, want not found", err)
	}
	if err := backend.Delete(ctx, id); !errors.Is(err, boxerr.ErrNotFound) {
		t.Errorf("second Delete = %v, want not found", err)
	}
}

func TestGetUnknownEvent(t *testing.T) {
	_, server := newFakeHomeserver(t)
	backend := newTestBackend(t, server.URL, 0)

	_, err := backend.Get(context.Background(), "$missing")
	if !errors.Is(err, boxerr.ErrNotFound) {
		t.Fatalf("Get = %v, want not found", err)
	}
	var matrixErr *MatrixError
	if !errors.As(err, &matrixErr) || matrixErr.Code != "M_NOT_FOUND" {
		t.Errorf("homeserver error should stay reachable, got %v", err)
	}
}

func TestListPaginatesAndSkipsRedacted(t *testing.T) {
	fake, server := newFakeHomeserver(t)
	backend := newTestBackend(t, server.URL, 2)
	ctx := context.Background()

	var ids []string
	for index := range 5 {
		id, err := backend.Put(ctx, []byte{byte(index)})
		if err != nil {
			t.Fatalf("Put %d: %v", index, err)
		}
		ids = append(ids, id)
	}
	// An unrelated event in the room must not be listed.
	fake.mu.Lock()
	fake.events["$chat"] = &fakeEvent{ID: "$chat", Type: "m.room.message", Content: map[string]any{"body": "hi"}}
	fake.order = append(fake.order, "$chat")
	fake.mu.Unlock()

	if err := backend.Delete(ctx, ids[1]); err != nil {
		t.Fatalf("Delete: %v", err)
	}

	listed, err := backend.List(ctx)
	if err != nil {
		t.Fatalf("List: %v", err)
	}
	want := map[string]bool{ids[0]: true, ids[2]: true, ids[3]: true, ids[4]: true}
	if len(listed) != len(want) {
		t.Fatalf("List returned %v, want %d ids", listed, len(want))
	}
	for _, id := range listed {
		if !want[id] {
			t.Errorf("unexpected id %q in List", id)
		}
	}
}

func TestErrorClassification(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
		want   error
	}{
		{"rate limited", http.StatusTooManyRequests, `{"errcode":"M_LIMIT_EXCEEDED","error":"slow down"}`, boxerr.ErrTransient},
		{"server error", http.StatusInternalServerError, `{"errcode":"M_UNKNOWN","error":"boom"}`, boxerr.ErrTransient},
		{"gateway html", http.StatusBadGateway, `<html>bad gateway</html>`, boxerr.ErrTransient},
		{"unauthorized", http.StatusUnauthorized, `{"errcode":"M_UNKNOWN_TOKEN","error":"expired"}`, boxerr.ErrPermanent},
		{"forbidden", http.StatusForbidden, `{"errcode":"M_FORBIDDEN","error":"no"}`, boxerr.ErrPermanent},
		{"too large", http.StatusRequestEntityTooLarge, `{"errcode":"M_TOO_LARGE","error":"quota"}`, boxerr.ErrPermanent},
		{"not found", http.StatusNotFound, `{"errcode":"M_NOT_FOUND","error":"gone"}`, boxerr.ErrNotFound},
	}

	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			fake, server := newFakeHomeserver(t)
			backend := newTestBackend(t, server.URL, 0)
			fake.setFail(func(*http.Request) (int, string) { return test.status, test.body })

			_, err := backend.Put(context.Background(), []byte("x"))
			if !errors.Is(err, test.want) {
				t.Fatalf("Put = %v, want class %v", err, test.want)
			}
			var matrixErr *MatrixError
			if !errors.As(err, &matrixErr) || matrixErr.StatusCode != test.status {
				t.Errorf("expected *MatrixError with status %d, got %v", test.status, err)
			}
		})
	}
}

func TestTransientFailureThenSuccess(t *testing.T) {
	fake, server := newFakeHomeserver(t)
	backend := newTestBackend(t, server.URL, 0)
	ctx := context.Background()

	id, err := backend.Put(ctx, []byte("payload"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}

	failures := 1
	fake.setFail(func(request *http.Request) (int, string) {
		if failures > 0 {
			failures--
			return http.StatusServiceUnavailable, `{"errcode":"M_UNKNOWN","error":"restarting"}`
		}
		return 0, ""
	})

	if _, err := backend.Get(ctx, id); !boxerr.IsRetryable(err) {
		t.Fatalf("first Get = %v, want transient", err)
	}
	got, err := backend.Get(ctx, id)
	if err != nil {
		t.Fatalf("second Get: %v", err)
	}
	if string(got) != "payload" {
		t.Errorf("Get = %q", got)
	}
}

func TestUnreachableServerIsTransient(t *testing.T) {
	_, server := newFakeHomeserver(t)
	backend := newTestBackend(t, server.URL, 0)
	server.Close()

	_, err := backend.List(context.Background())
	if !boxerr.IsRetryable(err) {
		t.Fatalf("List against closed server = %v, want transient", err)
	}
}

func TestOversizedDownloadRejected(t *testing.T) {
	_, server := newFakeHomeserver(t)
	backend := newTestBackend(t, server.URL, 0)
	backend.maxBlobSize = 4
	ctx := context.Background()

	id, err := backend.Put(ctx, []byte("too long"))
	if err != nil {
		t.Fatalf("Put: %v", err)
	}
	if _, err := backend.Get(ctx, id); !errors.Is(err, boxerr.ErrPermanent) {
		t.Fatalf("Get = %v, want permanent", err)
	}
}

func TestNewValidation(t *testing.T) {
	token, err := secret.NewFromBytes([]byte("t"))
	if err != nil {
		t.Fatalf("NewFromBytes: %v", err)
	}
	defer token.Close()

	tests := []struct {
		name   string
		config Config
	}{
		{"no url", Config{RoomID: testRoom, AccessToken: token}},
		{"alias instead of id", Config{HomeserverURL: "http://x", RoomID: "#box:x", AccessToken: token}},
		{"no token", Config{HomeserverURL: "http://x", RoomID: testRoom}},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if _, err := New(test.config); err == nil {
				t.Error("expected error")
			}
		})
	}
}

func TestParseMXC(t *testing.T) {
	server, media, err := parseMXC("mxc://example.org/abc123")
	if err != nil || server != "example.org" || media != "abc123" {
		t.Errorf("parseMXC = %q, %q, %v", server, media, err)
	}
	for _, bad := range []string{"https://example.org/abc", "mxc://example.org", "mxc:///abc", "mxc://a/b/c"} {
		if _, _, err := parseMXC(bad); err == nil {
			t.Errorf("parseMXC(%q) should fail", bad)
		}
	}
}
