package durablestreams

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand"
	"net/http"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/caddyserver/caddy/v2/modules/caddyhttp"
	"github.com/durastream/durastream/store"
	"go.uber.org/zap"
)

// Protocol header names
const (
	HeaderStreamNextOffset      = "Stream-Next-Offset"
	HeaderStreamCursor          = "Stream-Cursor"
	HeaderStreamUpToDate        = "Stream-Up-To-Date"
	HeaderStreamSeq             = "Stream-Seq"
	HeaderStreamTTL             = "Stream-TTL"
	HeaderStreamExpiresAt       = "Stream-Expires-At"
	HeaderStreamClosed          = "Stream-Closed"
	HeaderProducerId            = "Producer-Id"
	HeaderProducerEpoch         = "Producer-Epoch"
	HeaderProducerSeq           = "Producer-Seq"
	HeaderProducerExpectedSeq   = "Producer-Expected-Seq"
	HeaderProducerReceivedSeq   = "Producer-Received-Seq"
	HeaderSSEDataEncoding       = "stream-sse-data-encoding"
	HeaderRetryAfter            = "Retry-After"
)

// ServeHTTP implements caddyhttp.MiddlewareHandler
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request, next caddyhttp.Handler) error {
	w.Header().Set("Access-Control-Allow-Origin", "*")
	w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, HEAD, OPTIONS")
	w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Stream-Seq, Stream-TTL, Stream-Expires-At, Stream-Closed, Producer-Id, Producer-Epoch, Producer-Seq, If-None-Match")
	w.Header().Set("Access-Control-Expose-Headers", "Stream-Next-Offset, Stream-Cursor, Stream-Up-To-Date, Stream-Closed, Producer-Epoch, Producer-Expected-Seq, Producer-Received-Seq, ETag, Location, Retry-After")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.Header().Set("Cross-Origin-Resource-Policy", "cross-origin")

	if r.Method == http.MethodOptions {
		w.WriteHeader(http.StatusNoContent)
		return nil
	}

	streamPath := r.URL.Path

	h.logger.Debug("handling request",
		zap.String("method", r.Method),
		zap.String("path", streamPath),
		zap.String("query", r.URL.RawQuery))

	var err error
	switch r.Method {
	case http.MethodPut:
		err = h.handleCreate(w, r, streamPath)
	case http.MethodHead:
		err = h.handleHead(w, r, streamPath)
	case http.MethodGet:
		err = h.handleRead(w, r, streamPath)
	case http.MethodPost:
		err = h.handleAppend(w, r, streamPath)
	case http.MethodDelete:
		err = h.handleDelete(w, r, streamPath)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
		return nil
	}

	if err != nil {
		h.writeError(w, err)
	}
	return nil
}

// handleCreate handles PUT requests to create a stream
func (h *Handler) handleCreate(w http.ResponseWriter, r *http.Request, path string) error {
	contentType := r.Header.Get("Content-Type")
	ttlStr := r.Header.Get(HeaderStreamTTL)
	expiresAtStr := r.Header.Get(HeaderStreamExpiresAt)

	if ttlStr != "" && expiresAtStr != "" {
		return newHTTPError(http.StatusBadRequest, "cannot specify both Stream-TTL and Stream-Expires-At")
	}

	var ttlSeconds *int64
	if ttlStr != "" {
		ttl, err := parseTTL(ttlStr)
		if err != nil {
			return newHTTPError(http.StatusBadRequest, err.Error())
		}
		ttlSeconds = &ttl
	}

	var expiresAt *time.Time
	if expiresAtStr != "" {
		t, err := time.Parse(time.RFC3339, expiresAtStr)
		if err != nil {
			return newHTTPError(http.StatusBadRequest, "invalid Stream-Expires-At format")
		}
		expiresAt = &t
	}

	var initialData []byte
	if r.ContentLength > 0 {
		var err error
		initialData, err = io.ReadAll(r.Body)
		if err != nil {
			return newHTTPError(http.StatusBadRequest, "failed to read body")
		}
	}

	opts := store.CreateOptions{
		ContentType: contentType,
		TTLSeconds:  ttlSeconds,
		ExpiresAt:   expiresAt,
		InitialData: initialData,
	}

	meta, wasCreated, err := h.store.Create(path, opts)
	if err != nil {
		if errors.Is(err, store.ErrConfigMismatch) {
			return newHTTPError(http.StatusConflict, "stream exists with different configuration")
		}
		return err
	}

	w.Header().Set("Content-Type", meta.ContentType)
	w.Header().Set(HeaderStreamNextOffset, meta.CurrentOffset.String())
	w.Header().Set("ETag", quoteETag(meta.CurrentOffset))

	if wasCreated {
		scheme := "http"
		if r.TLS != nil {
			scheme = "https"
		}
		if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
			scheme = proto
		}
		fullURL := fmt.Sprintf("%s://%s%s", scheme, r.Host, r.URL.Path)
		w.Header().Set("Location", fullURL)
		w.WriteHeader(http.StatusCreated)
	} else {
		w.WriteHeader(http.StatusOK)
	}

	return nil
}

// handleHead handles HEAD requests for stream metadata
func (h *Handler) handleHead(w http.ResponseWriter, r *http.Request, path string) error {
	meta, err := h.store.Get(path)
	if err != nil {
		if errors.Is(err, store.ErrStreamNotFound) {
			return newHTTPError(http.StatusNotFound, "stream not found")
		}
		return err
	}

	w.Header().Set("Content-Type", meta.ContentType)
	w.Header().Set(HeaderStreamNextOffset, meta.CurrentOffset.String())
	w.Header().Set("ETag", quoteETag(meta.CurrentOffset))
	w.Header().Set("Cache-Control", "no-store")

	if meta.Closed {
		w.Header().Set(HeaderStreamClosed, "true")
	}
	if meta.TTLSeconds != nil {
		w.Header().Set(HeaderStreamTTL, strconv.FormatInt(*meta.TTLSeconds, 10))
	}
	if meta.ExpiresAt != nil {
		w.Header().Set(HeaderStreamExpiresAt, meta.ExpiresAt.Format(time.RFC3339))
	}

	w.WriteHeader(http.StatusOK)
	return nil
}

// handleRead handles GET requests to read from a stream
func (h *Handler) handleRead(w http.ResponseWriter, r *http.Request, path string) error {
	meta, err := h.store.Get(path)
	if err != nil {
		if errors.Is(err, store.ErrStreamNotFound) {
			return newHTTPError(http.StatusNotFound, "stream not found")
		}
		return err
	}

	query := r.URL.Query()
	offsetValues, offsetProvided := query["offset"]
	offsetStr := ""
	if offsetProvided {
		if len(offsetValues) > 1 {
			return newHTTPError(http.StatusBadRequest, "multiple offset parameters not allowed")
		}
		offsetStr = offsetValues[0]
		if offsetStr == "" {
			return newHTTPError(http.StatusBadRequest, "offset parameter cannot be empty")
		}
	}

	offset, err := store.ParseOffset(offsetStr)
	if err != nil {
		return newHTTPError(http.StatusBadRequest, "invalid offset")
	}

	liveMode := query.Get("live")
	cursor := query.Get("cursor")

	if liveMode == "long-poll" && !offsetProvided {
		return newHTTPError(http.StatusBadRequest, "offset required for long-poll mode")
	}
	if liveMode == "sse" && !offsetProvided {
		return newHTTPError(http.StatusBadRequest, "offset required for SSE mode")
	}

	if liveMode == "sse" {
		return h.handleSSE(w, r, path, offset, cursor)
	}

	messages, _, err := h.store.Read(path, offset)
	if err != nil {
		if errors.Is(err, store.ErrStreamNotFound) {
			return newHTTPError(http.StatusNotFound, "stream not found")
		}
		return err
	}

	nextOffset := offset
	if len(messages) > 0 {
		nextOffset = messages[len(messages)-1].Offset
	} else {
		nextOffset = meta.CurrentOffset
	}

	if liveMode == "long-poll" && len(messages) == 0 {
		timeout := time.Duration(h.LongPollTimeout)
		ctx, cancel := context.WithTimeout(r.Context(), timeout)
		defer cancel()

		var timedOut, streamClosed bool
		messages, timedOut, streamClosed, err = h.store.WaitForMessages(ctx, path, offset, timeout)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return h.writeLongPollTimeout(w, meta, offset, cursor)
			}
			return err
		}

		if timedOut {
			return h.writeLongPollTimeout(w, meta, offset, cursor)
		}

		if len(messages) == 0 && !streamClosed {
			// Woken with nothing new and not a close notification: the
			// stream was deleted out from under this waiter.
			if _, gerr := h.store.Get(path); errors.Is(gerr, store.ErrStreamNotFound) {
				return newHTTPError(http.StatusNotFound, "stream not found")
			}
		}

		if len(messages) > 0 {
			nextOffset = messages[len(messages)-1].Offset
		}
	}

	currentMeta, merr := h.store.Get(path)
	upToDate := merr == nil && nextOffset.Equal(currentMeta.CurrentOffset)
	closed := merr == nil && currentMeta.Closed

	w.Header().Set("Content-Type", meta.ContentType)
	w.Header().Set(HeaderStreamNextOffset, nextOffset.String())

	if upToDate {
		w.Header().Set(HeaderStreamUpToDate, "true")
	}
	if closed {
		w.Header().Set(HeaderStreamClosed, "true")
	}

	if liveMode == "long-poll" {
		w.Header().Set(HeaderStreamCursor, generateResponseCursor(cursor))
	}

	etag := quoteETag(nextOffset)
	w.Header().Set("ETag", etag)

	if liveMode == "long-poll" {
		w.Header().Set("Cache-Control", "no-store")
	} else if !upToDate && len(messages) > 0 {
		w.Header().Set("Cache-Control", "public, max-age=60, stale-while-revalidate=300")
	}

	if ifNoneMatch := r.Header.Get("If-None-Match"); ifNoneMatch != "" && ifNoneMatch == etag {
		w.WriteHeader(http.StatusNotModified)
		return nil
	}

	body, err := h.formatResponse(path, messages, meta.ContentType)
	if err != nil {
		return err
	}

	w.WriteHeader(http.StatusOK)
	w.Write(body)
	return nil
}

func (h *Handler) writeLongPollTimeout(w http.ResponseWriter, meta *store.StreamMetadata, offset store.Offset, cursor string) error {
	w.Header().Set("Content-Type", meta.ContentType)
	w.Header().Set(HeaderStreamNextOffset, offset.String())
	w.Header().Set(HeaderStreamUpToDate, "true")
	w.Header().Set(HeaderStreamCursor, generateResponseCursor(cursor))
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusNoContent)
	return nil
}

func quoteETag(offset store.Offset) string {
	return fmt.Sprintf(`"%s"`, offset.String())
}

// Cursor epoch: October 9, 2024 00:00:00 UTC
var cursorEpoch = time.Date(2024, 10, 9, 0, 0, 0, 0, time.UTC)

// Default interval duration in seconds
const cursorIntervalSeconds = 20

// Jitter range in seconds (per protocol spec)
const (
	minJitterSeconds = 1
	maxJitterSeconds = 3600
)

// generateCursor generates a time-based interval cursor for cache collision prevention
func generateCursor() string {
	now := time.Now()
	epochMs := cursorEpoch.UnixMilli()
	nowMs := now.UnixMilli()
	intervalMs := cursorIntervalSeconds * 1000

	intervalNumber := (nowMs - epochMs) / int64(intervalMs)
	return strconv.FormatInt(intervalNumber, 10)
}

// generateResponseCursor generates a cursor ensuring monotonic progression:
// currentInterval when the client cursor is empty, unparseable or behind
// it, otherwise clientInterval + 1 + jitter intervals. The jitter is a genuine
// random draw (not a fixed mid-range constant) so collapsing caches don't
// all advance to the same interval in lockstep.
func generateResponseCursor(clientCursor string) string {
	currentInterval, _ := strconv.ParseInt(generateCursor(), 10, 64)

	if clientCursor == "" {
		return strconv.FormatInt(currentInterval, 10)
	}

	clientInterval, err := strconv.ParseInt(clientCursor, 10, 64)
	if err != nil || clientInterval < currentInterval {
		return strconv.FormatInt(currentInterval, 10)
	}

	jitterSeconds := minJitterSeconds + rand.Intn(maxJitterSeconds-minJitterSeconds+1)
	jitterIntervals := int64(jitterSeconds / cursorIntervalSeconds)
	if jitterIntervals < 1 {
		jitterIntervals = 1
	}

	advanced := clientInterval + 1 + jitterIntervals
	if advanced < currentInterval {
		advanced = currentInterval
	}
	return strconv.FormatInt(advanced, 10)
}

// handleSSE handles Server-Sent Events streaming. Unlike a polling loop that
// re-reads on a fixed tick regardless of waiter state, this blocks on the
// same notification mechanism long-poll uses and only wakes on commit,
// deadline, disconnect, or stream deletion/close.
func (h *Handler) handleSSE(w http.ResponseWriter, r *http.Request, path string, offset store.Offset, cursor string) error {
	meta, err := h.store.Get(path)
	if err != nil {
		return err
	}

	ct := strings.ToLower(store.ExtractMediaType(meta.ContentType))
	base64Encoded := !strings.HasPrefix(ct, "text/") && ct != "application/json"

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	if base64Encoded {
		w.Header().Set(HeaderSSEDataEncoding, "base64")
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		return newHTTPError(http.StatusInternalServerError, "streaming not supported")
	}

	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	ctx := r.Context()
	deadline := time.Now().Add(time.Duration(h.SSEReconnectInterval))

	currentOffset := offset
	sentInitialControl := false

	for {
		if ctx.Err() != nil {
			return nil
		}

		remaining := time.Until(deadline)
		if remaining <= 0 {
			return nil
		}

		messages, _, err := h.store.Read(path, currentOffset)
		if err != nil {
			if errors.Is(err, store.ErrStreamNotFound) {
				h.writeSSEControl(w, flusher, currentOffset, generateResponseCursor(cursor), true, true)
				return nil
			}
			return err
		}

		if len(messages) > 0 {
			body, _ := h.formatResponse(path, messages, meta.ContentType)
			writeSSEData(w, body, base64Encoded)
			currentOffset = messages[len(messages)-1].Offset

			currentMeta, gerr := h.store.Get(path)
			upToDate := gerr == nil && currentOffset.Equal(currentMeta.CurrentOffset)
			closed := gerr == nil && currentMeta.Closed

			h.writeSSEControl(w, flusher, currentOffset, generateResponseCursor(cursor), upToDate, closed)
			sentInitialControl = true

			if closed {
				return nil
			}
		} else if !sentInitialControl {
			currentMeta, gerr := h.store.Get(path)
			closed := gerr == nil && currentMeta.Closed
			h.writeSSEControl(w, flusher, currentOffset, generateResponseCursor(cursor), true, closed)
			sentInitialControl = true
			if closed {
				return nil
			}
		}

		waitCtx, cancel := context.WithTimeout(ctx, remaining)
		_, _, streamClosed, werr := h.store.WaitForMessages(waitCtx, path, currentOffset, remaining)
		cancel()
		if werr != nil && (errors.Is(werr, context.Canceled) || errors.Is(werr, context.DeadlineExceeded)) {
			continue
		}
		if streamClosed {
			currentMeta, gerr := h.store.Get(path)
			if gerr == nil && currentMeta.CurrentOffset.Equal(currentOffset) {
				h.writeSSEControl(w, flusher, currentOffset, generateResponseCursor(cursor), true, true)
				return nil
			}
		}
	}
}

func (h *Handler) writeSSEControl(w http.ResponseWriter, flusher http.Flusher, offset store.Offset, cursor string, upToDate, streamClosed bool) {
	control := map[string]interface{}{
		"streamNextOffset": offset.String(),
		"streamCursor":     cursor,
	}
	if upToDate {
		control["upToDate"] = true
	}
	if streamClosed {
		control["streamClosed"] = true
	}
	controlJSON, _ := json.Marshal(control)
	fmt.Fprintf(w, "event: control\ndata: %s\n\n", controlJSON)
	flusher.Flush()
}

// writeSSEData emits one `data:` line per logical line of body, normalizing
// CR/LF/CRLF to LF first so no payload content can produce a blank line
// that would be misread as an SSE event boundary.
func writeSSEData(w http.ResponseWriter, body []byte, base64Encoded bool) {
	var payload string
	if base64Encoded {
		payload = base64.StdEncoding.EncodeToString(body)
	} else {
		payload = string(body)
	}

	normalized := strings.ReplaceAll(payload, "\r\n", "\n")
	normalized = strings.ReplaceAll(normalized, "\r", "\n")

	fmt.Fprintf(w, "event: data\n")
	for _, line := range strings.Split(normalized, "\n") {
		fmt.Fprintf(w, "data: %s\n", line)
	}
	fmt.Fprintf(w, "\n")
}

// handleAppend handles POST requests to append to a stream
func (h *Handler) handleAppend(w http.ResponseWriter, r *http.Request, path string) error {
	meta, err := h.store.Get(path)
	if err != nil {
		if errors.Is(err, store.ErrStreamNotFound) {
			return newHTTPError(http.StatusNotFound, "stream not found")
		}
		return err
	}

	closeRequested := strings.EqualFold(r.Header.Get(HeaderStreamClosed), "true")

	opts, err := h.parseProducerOptions(r)
	if err != nil {
		return err
	}
	opts.Close = closeRequested

	contentType := r.Header.Get("Content-Type")
	if contentType == "" {
		return newHTTPError(http.StatusBadRequest, "Content-Type header is required")
	}
	if !store.ContentTypeMatches(meta.ContentType, contentType) {
		return newHTTPError(http.StatusConflict, "content type mismatch")
	}
	opts.ContentType = contentType
	opts.Seq = r.Header.Get(HeaderStreamSeq)

	body, err := io.ReadAll(r.Body)
	if err != nil {
		return newHTTPError(http.StatusBadRequest, "failed to read body")
	}

	if len(body) == 0 && !closeRequested {
		return newHTTPError(http.StatusBadRequest, "empty body not allowed")
	}

	result, err := h.store.Append(path, body, opts)
	if err != nil {
		return h.mapAppendError(w, err, result)
	}

	w.Header().Set(HeaderStreamNextOffset, result.Offset.String())
	w.Header().Set("ETag", quoteETag(result.Offset))
	if result.StreamClosed {
		w.Header().Set(HeaderStreamClosed, "true")
	}

	if closeRequested {
		w.WriteHeader(http.StatusOK)
	} else {
		w.WriteHeader(http.StatusNoContent)
	}
	return nil
}

// mapAppendError translates a store.Append error (and the partial
// AppendResult it carries) to the exact HTTP status/headers spec.md §4.4/§6
// names for each producer-protocol and validation failure.
func (h *Handler) mapAppendError(w http.ResponseWriter, err error, result store.AppendResult) error {
	switch {
	case errors.Is(err, store.ErrStreamNotFound):
		return newHTTPError(http.StatusNotFound, "stream not found")
	case errors.Is(err, store.ErrPartialProducer):
		return newHTTPError(http.StatusBadRequest, "all producer headers must be provided together")
	case errors.Is(err, store.ErrStaleEpoch):
		w.Header().Set(HeaderProducerEpoch, strconv.FormatInt(result.CurrentEpoch, 10))
		return newHTTPError(http.StatusForbidden, "producer epoch is stale")
	case errors.Is(err, store.ErrInvalidEpochSeq):
		return newHTTPError(http.StatusBadRequest, "new epoch must start at sequence 0")
	case errors.Is(err, store.ErrProducerSeqGap):
		w.Header().Set(HeaderProducerExpectedSeq, strconv.FormatInt(result.ExpectedSeq, 10))
		w.Header().Set(HeaderProducerReceivedSeq, strconv.FormatInt(result.ReceivedSeq, 10))
		return newHTTPError(http.StatusConflict, "producer sequence gap")
	case errors.Is(err, store.ErrSequenceConflict):
		return newHTTPError(http.StatusConflict, "sequence number conflict")
	case errors.Is(err, store.ErrContentTypeMismatch):
		return newHTTPError(http.StatusConflict, "content type mismatch")
	case errors.Is(err, store.ErrInvalidJSON):
		return newHTTPError(http.StatusBadRequest, "invalid JSON")
	case errors.Is(err, store.ErrEmptyJSONArray):
		return newHTTPError(http.StatusBadRequest, "empty JSON array not allowed")
	case errors.Is(err, store.ErrStreamClosed):
		w.Header().Set(HeaderStreamClosed, "true")
		return newHTTPError(http.StatusConflict, "stream is closed")
	case errors.Is(err, store.ErrMessageTooLarge):
		return newHTTPError(http.StatusRequestEntityTooLarge, "message exceeds maximum size")
	case errors.Is(err, store.ErrBackpressure):
		w.Header().Set(HeaderRetryAfter, "1")
		return newHTTPError(http.StatusServiceUnavailable, "too many appends in flight")
	default:
		return err
	}
}

// parseProducerOptions parses the idempotent-producer headers, validating
// Producer-Epoch/Producer-Seq against the canonical-decimal grammar before
// the store ever sees them.
func (h *Handler) parseProducerOptions(r *http.Request) (store.AppendOptions, error) {
	opts := store.AppendOptions{
		ProducerId: r.Header.Get(HeaderProducerId),
	}

	epochStr := r.Header.Get(HeaderProducerEpoch)
	seqStr := r.Header.Get(HeaderProducerSeq)

	if epochStr != "" {
		epoch, err := validateDecimal(epochStr)
		if err != nil {
			return opts, newHTTPError(http.StatusBadRequest, "invalid Producer-Epoch: "+err.Error())
		}
		opts.ProducerEpoch = &epoch
	}
	if seqStr != "" {
		seq, err := validateDecimal(seqStr)
		if err != nil {
			return opts, newHTTPError(http.StatusBadRequest, "invalid Producer-Seq: "+err.Error())
		}
		opts.ProducerSeq = &seq
	}

	return opts, nil
}

// handleDelete handles DELETE requests to delete a stream
func (h *Handler) handleDelete(w http.ResponseWriter, r *http.Request, path string) error {
	err := h.store.Delete(path)
	if err != nil {
		if errors.Is(err, store.ErrStreamNotFound) {
			return newHTTPError(http.StatusNotFound, "stream not found")
		}
		return err
	}

	w.WriteHeader(http.StatusNoContent)
	return nil
}

// formatResponse formats messages based on content type
func (h *Handler) formatResponse(path string, messages []store.Message, contentType string) ([]byte, error) {
	if store.IsJSONContentType(contentType) {
		return store.FormatJSONResponse(messages), nil
	}

	var total int
	for _, msg := range messages {
		total += len(msg.Data)
	}
	result := make([]byte, 0, total)
	for _, msg := range messages {
		result = append(result, msg.Data...)
	}
	return result, nil
}

// HTTP error handling
type httpError struct {
	status  int
	message string
}

func (e *httpError) Error() string {
	return e.message
}

func newHTTPError(status int, message string) *httpError {
	return &httpError{status: status, message: message}
}

func (h *Handler) writeError(w http.ResponseWriter, err error) {
	var httpErr *httpError
	if errors.As(err, &httpErr) {
		http.Error(w, httpErr.message, httpErr.status)
		return
	}

	h.logger.Error("internal error", zap.Error(err))
	http.Error(w, "internal server error", http.StatusInternalServerError)
}

// validateDecimal validates the shared canonical-integer grammar used by
// Stream-TTL, Producer-Epoch, and Producer-Seq: a non-negative decimal
// integer with no leading zeros (other than a bare "0"), no sign, no
// exponent, no fraction.
var decimalRegex = regexp.MustCompile(`^[1-9][0-9]*$|^0$`)

func validateDecimal(s string) (int64, error) {
	if !decimalRegex.MatchString(s) {
		return 0, fmt.Errorf("must be a non-negative integer without leading zeros")
	}
	return strconv.ParseInt(s, 10, 64)
}

// parseTTL parses and validates a TTL string according to the protocol
func parseTTL(s string) (int64, error) {
	ttl, err := validateDecimal(s)
	if err != nil {
		return 0, fmt.Errorf("invalid TTL format: %w", err)
	}
	return ttl, nil
}
