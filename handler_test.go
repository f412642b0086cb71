package durablestreams

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/caddyserver/caddy/v2"
	"github.com/caddyserver/caddy/v2/modules/caddyhttp"
	"github.com/durastream/durastream/store"
	"go.uber.org/zap"
)

func newTestHandler() *Handler {
	return &Handler{
		store:                store.NewMemoryStore(),
		logger:               zap.NewNop(),
		LongPollTimeout:      caddy.Duration(200 * time.Millisecond),
		SSEReconnectInterval: caddy.Duration(2 * time.Second),
	}
}

var noopNext = caddyhttp.HandlerFunc(func(w http.ResponseWriter, r *http.Request) error {
	return nil
})

func doRequest(t *testing.T, h *Handler, method, path string, body string, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}
	rec := httptest.NewRecorder()
	if err := h.ServeHTTP(rec, req, noopNext); err != nil {
		t.Fatalf("ServeHTTP returned error: %v", err)
	}
	return rec
}

func TestHandler_CreateAndRead(t *testing.T) {
	h := newTestHandler()

	rec := doRequest(t, h, http.MethodPut, "/s1", "", map[string]string{"Content-Type": "text/plain"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, h, http.MethodPost, "/s1", "hello", map[string]string{"Content-Type": "text/plain"})
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", rec.Code, rec.Body.String())
	}

	rec = doRequest(t, h, http.MethodGet, "/s1", "", nil)
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Body.String() != "hello" {
		t.Errorf("expected body 'hello', got %q", rec.Body.String())
	}
	if rec.Header().Get(HeaderStreamUpToDate) != "true" {
		t.Errorf("expected Stream-Up-To-Date: true")
	}
}

func TestHandler_CreateIdempotent(t *testing.T) {
	h := newTestHandler()

	rec := doRequest(t, h, http.MethodPut, "/s2", "", map[string]string{"Content-Type": "application/json"})
	if rec.Code != http.StatusCreated {
		t.Fatalf("expected 201, got %d", rec.Code)
	}

	rec = doRequest(t, h, http.MethodPut, "/s2", "", map[string]string{"Content-Type": "application/json"})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 on idempotent re-create, got %d", rec.Code)
	}

	rec = doRequest(t, h, http.MethodPut, "/s2", "", map[string]string{"Content-Type": "text/plain"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 on config mismatch, got %d", rec.Code)
	}
}

func TestHandler_CloseOnlyPostHasNoBody(t *testing.T) {
	h := newTestHandler()
	doRequest(t, h, http.MethodPut, "/s3", "", map[string]string{"Content-Type": "text/plain"})

	rec := doRequest(t, h, http.MethodPost, "/s3", "", map[string]string{
		"Content-Type":  "text/plain",
		HeaderStreamClosed: "true",
	})
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200 for close-only POST, got %d: %s", rec.Code, rec.Body.String())
	}
	if rec.Header().Get(HeaderStreamClosed) != "true" {
		t.Errorf("expected Stream-Closed: true on response")
	}

	rec = doRequest(t, h, http.MethodHead, "/s3", "", nil)
	if rec.Header().Get(HeaderStreamClosed) != "true" {
		t.Errorf("expected Stream-Closed: true on HEAD after close")
	}

	rec = doRequest(t, h, http.MethodPost, "/s3", "more", map[string]string{"Content-Type": "text/plain"})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 appending to closed stream, got %d", rec.Code)
	}
}

func TestHandler_ProducerDuplicateIsIdempotent(t *testing.T) {
	h := newTestHandler()
	doRequest(t, h, http.MethodPut, "/s4", "", map[string]string{"Content-Type": "text/plain"})

	headers := map[string]string{
		"Content-Type":     "text/plain",
		HeaderProducerId:    "p1",
		HeaderProducerEpoch: "0",
		HeaderProducerSeq:   "0",
	}

	rec := doRequest(t, h, http.MethodPost, "/s4", "a", headers)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d: %s", rec.Code, rec.Body.String())
	}
	firstOffset := rec.Header().Get(HeaderStreamNextOffset)

	rec = doRequest(t, h, http.MethodPost, "/s4", "a", headers)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204 on duplicate retry, got %d", rec.Code)
	}
	if rec.Header().Get(HeaderStreamNextOffset) != firstOffset {
		t.Errorf("expected duplicate retry to report the same offset, got %s want %s",
			rec.Header().Get(HeaderStreamNextOffset), firstOffset)
	}
}

func TestHandler_ProducerStaleEpochRejected(t *testing.T) {
	h := newTestHandler()
	doRequest(t, h, http.MethodPut, "/s5", "", map[string]string{"Content-Type": "text/plain"})

	doRequest(t, h, http.MethodPost, "/s5", "a", map[string]string{
		"Content-Type":     "text/plain",
		HeaderProducerId:    "p1",
		HeaderProducerEpoch: "1",
		HeaderProducerSeq:   "0",
	})

	rec := doRequest(t, h, http.MethodPost, "/s5", "b", map[string]string{
		"Content-Type":     "text/plain",
		HeaderProducerId:    "p1",
		HeaderProducerEpoch: "0",
		HeaderProducerSeq:   "0",
	})
	if rec.Code != http.StatusForbidden {
		t.Fatalf("expected 403 for stale epoch, got %d", rec.Code)
	}
	if rec.Header().Get(HeaderProducerEpoch) != "1" {
		t.Errorf("expected Producer-Epoch: 1, got %q", rec.Header().Get(HeaderProducerEpoch))
	}
}

func TestHandler_ProducerSequenceGapRejected(t *testing.T) {
	h := newTestHandler()
	doRequest(t, h, http.MethodPut, "/s6", "", map[string]string{"Content-Type": "text/plain"})

	rec := doRequest(t, h, http.MethodPost, "/s6", "a", map[string]string{
		"Content-Type":     "text/plain",
		HeaderProducerId:    "p1",
		HeaderProducerEpoch: "0",
		HeaderProducerSeq:   "5",
	})
	if rec.Code != http.StatusConflict {
		t.Fatalf("expected 409 for sequence gap, got %d", rec.Code)
	}
	if rec.Header().Get(HeaderProducerExpectedSeq) != "0" {
		t.Errorf("expected Producer-Expected-Seq: 0, got %q", rec.Header().Get(HeaderProducerExpectedSeq))
	}
	if rec.Header().Get(HeaderProducerReceivedSeq) != "5" {
		t.Errorf("expected Producer-Received-Seq: 5, got %q", rec.Header().Get(HeaderProducerReceivedSeq))
	}
}

func TestHandler_ReadNotFound(t *testing.T) {
	h := newTestHandler()
	rec := doRequest(t, h, http.MethodGet, "/missing", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestHandler_Delete(t *testing.T) {
	h := newTestHandler()
	doRequest(t, h, http.MethodPut, "/s7", "", map[string]string{"Content-Type": "text/plain"})

	rec := doRequest(t, h, http.MethodDelete, "/s7", "", nil)
	if rec.Code != http.StatusNoContent {
		t.Fatalf("expected 204, got %d", rec.Code)
	}

	rec = doRequest(t, h, http.MethodGet, "/s7", "", nil)
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 after delete, got %d", rec.Code)
	}
}

func TestHandler_LongPollWakesOnAppend(t *testing.T) {
	h := newTestHandler()
	doRequest(t, h, http.MethodPut, "/s8", "", map[string]string{"Content-Type": "text/plain"})

	done := make(chan *httptest.ResponseRecorder, 1)
	go func() {
		done <- doRequest(t, h, http.MethodGet, "/s8?offset=-1&live=long-poll", "", nil)
	}()

	time.Sleep(20 * time.Millisecond)
	doRequest(t, h, http.MethodPost, "/s8", "woke", map[string]string{"Content-Type": "text/plain"})

	select {
	case rec := <-done:
		if rec.Code != http.StatusOK {
			t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
		}
		if rec.Body.String() != "woke" {
			t.Errorf("expected body 'woke', got %q", rec.Body.String())
		}
	case <-time.After(2 * time.Second):
		t.Fatal("long-poll did not wake up on append")
	}
}

func TestGenerateResponseCursor_AdvancesMonotonically(t *testing.T) {
	c1 := generateResponseCursor("")
	c2 := generateResponseCursor(c1)
	if c2 == c1 {
		t.Errorf("expected cursor to advance, got same value %q twice", c1)
	}
}

// A message body containing its own CR/LF-delimited "event: control\ndata:
// ..." text must never be emitted as a real SSE control line; writeSSEData
// has to neutralize it into ordinary data content.
func TestWriteSSEData_NeutralizesInjectionPayload(t *testing.T) {
	payload := "safe\r\n\r\nevent: control\r\ndata: {\"injected\":true}\r\nmore"

	rec := httptest.NewRecorder()
	writeSSEData(rec, []byte(payload), false)
	out := rec.Body.String()

	if strings.ContainsRune(out, '\r') {
		t.Fatalf("emitted SSE frame must not contain a bare CR, got: %q", out)
	}

	var eventLines int
	for _, line := range strings.Split(out, "\n") {
		if !strings.HasPrefix(line, "event:") {
			continue
		}
		eventLines++
		if line != "event: data" {
			t.Errorf("payload content forged an event line: %q", line)
		}
	}
	if eventLines != 1 {
		t.Errorf("expected exactly one event: line in the frame, got %d in %q", eventLines, out)
	}

	if !strings.Contains(out, "data: event: control") {
		t.Errorf("expected the injected control line to survive as ordinary data content, got %q", out)
	}
	if !strings.Contains(out, "data: data: {\"injected\":true}") {
		t.Errorf("expected the injected data line to survive as ordinary data content, got %q", out)
	}
}
