package store

import (
	"bytes"
	"context"
	"encoding/json"
	"sync"
	"time"
)

// MemoryStore is an in-memory implementation of Store for testing and for
// hosts that don't configure a DataDir.
type MemoryStore struct {
	mu      sync.RWMutex
	streams map[string]*memoryStream

	longPoll *longPollManager

	// Per-producer locks for serializing validation+append.
	// Key: "{streamPath}:{producerId}"
	producerLocks   map[string]*sync.Mutex
	producerLocksMu sync.Mutex

	ringSize    int
	maxInFlight int
	archive     ArchiveSink

	inFlightMu     sync.Mutex
	inFlightAppend map[string]int
}

type memoryStream struct {
	metadata StreamMetadata
	messages []Message
}

type longPollManager struct {
	mu      sync.Mutex
	waiters map[string][]chan struct{}
}

// MemoryStoreConfig configures an in-memory store.
type MemoryStoreConfig struct {
	RingSize    int         // per-producer dedup ring size; 0 = DefaultRingSize
	MaxInFlight int         // max concurrent appends per stream before ErrBackpressure; 0 = unbounded
	Archive     ArchiveSink // optional fan-out sink for committed records
}

// NewMemoryStore creates a new in-memory store with default configuration.
func NewMemoryStore() *MemoryStore {
	return NewMemoryStoreWithConfig(MemoryStoreConfig{})
}

// NewMemoryStoreWithConfig creates a new in-memory store.
func NewMemoryStoreWithConfig(cfg MemoryStoreConfig) *MemoryStore {
	return &MemoryStore{
		streams: make(map[string]*memoryStream),
		longPoll: &longPollManager{
			waiters: make(map[string][]chan struct{}),
		},
		producerLocks:  make(map[string]*sync.Mutex),
		ringSize:       cfg.RingSize,
		maxInFlight:    cfg.MaxInFlight,
		archive:        cfg.Archive,
		inFlightAppend: make(map[string]int),
	}
}

// getProducerLock returns a per-producer mutex for serializing validation+append.
// This prevents race conditions when retries from the same producer arrive
// out-of-order across concurrent connections.
func (s *MemoryStore) getProducerLock(streamPath, producerId string) *sync.Mutex {
	key := streamPath + ":" + producerId
	s.producerLocksMu.Lock()
	defer s.producerLocksMu.Unlock()

	if mu, ok := s.producerLocks[key]; ok {
		return mu
	}
	mu := &sync.Mutex{}
	s.producerLocks[key] = mu
	return mu
}

// validateProducer validates producer headers against the stream's current
// metadata. It does not mutate meta; the caller commits the returned state
// only once the append has actually happened.
func (s *MemoryStore) validateProducer(meta *StreamMetadata, opts AppendOptions) (AppendResult, *ProducerState, error) {
	epoch := *opts.ProducerEpoch
	seq := *opts.ProducerSeq

	var state *ProducerState
	if meta.Producers != nil {
		state = meta.Producers[opts.ProducerId]
	}

	if state == nil {
		if seq != 0 {
			return AppendResult{
				ProducerResult: ProducerResultNone,
				ExpectedSeq:    0,
				ReceivedSeq:    seq,
			}, nil, ErrProducerSeqGap
		}
		newState := &ProducerState{
			Epoch:       epoch,
			LastSeq:     0,
			LastUpdated: time.Now().Unix(),
			RingSize:    s.ringSize,
		}
		return AppendResult{
			ProducerResult: ProducerResultAccepted,
			LastSeq:        0,
		}, newState, nil
	}

	if epoch < state.Epoch {
		return AppendResult{
			ProducerResult: ProducerResultNone,
			CurrentEpoch:   state.Epoch,
		}, nil, ErrStaleEpoch
	}

	if epoch > state.Epoch {
		if seq != 0 {
			return AppendResult{
				ProducerResult: ProducerResultNone,
			}, nil, ErrInvalidEpochSeq
		}
		newState := &ProducerState{
			Epoch:       epoch,
			LastSeq:     0,
			LastUpdated: time.Now().Unix(),
			RingSize:    s.ringSize,
		}
		return AppendResult{
			ProducerResult: ProducerResultAccepted,
			LastSeq:        0,
		}, newState, nil
	}

	// Same epoch.
	if seq <= state.LastSeq {
		if offset, ok := state.offsetForSeq(seq); ok {
			return AppendResult{
				ProducerResult: ProducerResultDuplicate,
				LastSeq:        state.LastSeq,
				Offset:         offset,
			}, nil, nil
		}
		// Fell out of the dedup ring - can no longer answer the
		// duplicate safely, so report it as a gap.
		return AppendResult{
			ProducerResult: ProducerResultNone,
			ExpectedSeq:    state.LastSeq + 1,
			ReceivedSeq:    seq,
		}, nil, ErrProducerSeqGap
	}

	if seq == state.LastSeq+1 {
		newState := &ProducerState{
			Epoch:       epoch,
			LastSeq:     seq,
			LastUpdated: time.Now().Unix(),
			Ring:        state.Ring,
			RingSize:    state.RingSize,
		}
		return AppendResult{
			ProducerResult: ProducerResultAccepted,
			LastSeq:        seq,
		}, newState, nil
	}

	return AppendResult{
		ProducerResult: ProducerResultNone,
		ExpectedSeq:    state.LastSeq + 1,
		ReceivedSeq:    seq,
	}, nil, ErrProducerSeqGap
}

func (s *MemoryStore) Create(path string, opts CreateOptions) (*StreamMetadata, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if existing, ok := s.streams[path]; ok {
		if existing.metadata.IsExpired() {
			delete(s.streams, path)
		} else if existing.metadata.ConfigMatches(opts) {
			return &existing.metadata, false, nil
		} else {
			return nil, false, ErrConfigMismatch
		}
	}

	contentType := opts.ContentType
	if contentType == "" {
		contentType = "application/octet-stream"
	}

	meta := StreamMetadata{
		Path:          path,
		ContentType:   contentType,
		CurrentOffset: ZeroOffset,
		TTLSeconds:    opts.TTLSeconds,
		ExpiresAt:     opts.ExpiresAt,
		CreatedAt:     time.Now(),
		Closed:        opts.Closed,
	}

	stream := &memoryStream{
		metadata: meta,
		messages: make([]Message, 0),
	}

	if len(opts.InitialData) > 0 {
		newOffset, err := s.appendToStream(stream, opts.InitialData, true)
		if err != nil {
			return nil, false, err
		}
		stream.metadata.CurrentOffset = newOffset
		s.archiveMessages(path, stream.metadata.ContentType, stream.messages)
	}

	s.streams[path] = stream
	return &stream.metadata, true, nil
}

func (s *MemoryStore) Get(path string) (*StreamMetadata, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stream, ok := s.streams[path]
	if !ok {
		return nil, ErrStreamNotFound
	}
	if stream.metadata.IsExpired() {
		return nil, ErrStreamNotFound
	}

	meta := stream.metadata
	return &meta, nil
}

func (s *MemoryStore) Has(path string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stream, ok := s.streams[path]
	if !ok {
		return false
	}
	return !stream.metadata.IsExpired()
}

func (s *MemoryStore) Delete(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.streams[path]; !ok {
		return ErrStreamNotFound
	}
	delete(s.streams, path)
	s.longPoll.closeAll(path)
	return nil
}

func (s *MemoryStore) beginAppend(path string) (func(), error) {
	if s.maxInFlight <= 0 {
		return func() {}, nil
	}
	s.inFlightMu.Lock()
	if s.inFlightAppend[path] >= s.maxInFlight {
		s.inFlightMu.Unlock()
		return nil, ErrBackpressure
	}
	s.inFlightAppend[path]++
	s.inFlightMu.Unlock()
	return func() {
		s.inFlightMu.Lock()
		s.inFlightAppend[path]--
		s.inFlightMu.Unlock()
	}, nil
}

func (s *MemoryStore) Append(path string, data []byte, opts AppendOptions) (AppendResult, error) {
	if opts.HasProducerHeaders() && !opts.HasAllProducerHeaders() {
		return AppendResult{}, ErrPartialProducer
	}
	if len(data) > MaxMessageSize {
		return AppendResult{}, ErrMessageTooLarge
	}

	done, err := s.beginAppend(path)
	if err != nil {
		return AppendResult{}, err
	}
	defer done()

	if opts.HasAllProducerHeaders() {
		lock := s.getProducerLock(path, opts.ProducerId)
		lock.Lock()
		defer lock.Unlock()
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	stream, ok := s.streams[path]
	if !ok {
		return AppendResult{}, ErrStreamNotFound
	}
	if stream.metadata.IsExpired() {
		return AppendResult{}, ErrStreamNotFound
	}
	if stream.metadata.Closed && !opts.Close {
		return AppendResult{StreamClosed: true, Offset: stream.metadata.CurrentOffset}, ErrStreamClosed
	}
	if opts.ContentType != "" && !ContentTypeMatches(stream.metadata.ContentType, opts.ContentType) {
		return AppendResult{}, ErrContentTypeMismatch
	}

	// Producer validation happens before Stream-Seq validation so that
	// retries are deduplicated at the transport layer even when Stream-Seq
	// would otherwise conflict.
	var producerState *ProducerState
	var producerResult ProducerResult = ProducerResultNone
	var producerLastSeq int64
	if opts.HasAllProducerHeaders() {
		result, newState, verr := s.validateProducer(&stream.metadata, opts)
		if verr != nil {
			result.Offset = stream.metadata.CurrentOffset
			return result, verr
		}
		if result.ProducerResult == ProducerResultDuplicate {
			return AppendResult{
				Offset:         result.Offset,
				ProducerResult: ProducerResultDuplicate,
				LastSeq:        result.LastSeq,
				StreamClosed:   stream.metadata.Closed,
			}, nil
		}
		producerState = newState
		producerResult = result.ProducerResult
		producerLastSeq = result.LastSeq
	}

	// A close request carrying data is only accepted while the stream is open.
	if stream.metadata.Closed && len(data) > 0 {
		return AppendResult{StreamClosed: true, Offset: stream.metadata.CurrentOffset}, ErrStreamClosed
	}

	if opts.Seq != "" {
		if stream.metadata.LastSeq != "" && opts.Seq <= stream.metadata.LastSeq {
			return AppendResult{}, ErrSequenceConflict
		}
	}

	startLen := len(stream.messages)
	newOffset := stream.metadata.CurrentOffset
	if len(data) > 0 {
		var err error
		newOffset, err = s.appendToStream(stream, data, false)
		if err != nil {
			return AppendResult{}, err
		}
	}

	stream.metadata.CurrentOffset = newOffset
	if opts.Seq != "" {
		stream.metadata.LastSeq = opts.Seq
	}
	if producerState != nil {
		producerState.recordCommit(producerLastSeq, newOffset)
		if stream.metadata.Producers == nil {
			stream.metadata.Producers = make(map[string]*ProducerState)
		}
		stream.metadata.Producers[opts.ProducerId] = producerState
	}
	if opts.Close {
		stream.metadata.Closed = true
		if opts.HasAllProducerHeaders() {
			stream.metadata.ClosedBy = &ClosedByProducer{
				ProducerId: opts.ProducerId,
				Epoch:      *opts.ProducerEpoch,
				Seq:        *opts.ProducerSeq,
			}
		}
	}

	s.archiveMessages(path, stream.metadata.ContentType, stream.messages[startLen:])
	s.longPoll.notify(path)

	return AppendResult{
		Offset:         newOffset,
		ProducerResult: producerResult,
		LastSeq:        producerLastSeq,
		StreamClosed:   stream.metadata.Closed,
	}, nil
}

// CloseStream marks a stream closed without appending data. Idempotent.
func (s *MemoryStore) CloseStream(path string) (*CloseResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stream, ok := s.streams[path]
	if !ok {
		return nil, ErrStreamNotFound
	}
	if stream.metadata.IsExpired() {
		return nil, ErrStreamNotFound
	}

	alreadyClosed := stream.metadata.Closed
	stream.metadata.Closed = true
	if !alreadyClosed {
		s.longPoll.notify(path)
	}

	return &CloseResult{
		FinalOffset:   stream.metadata.CurrentOffset,
		AlreadyClosed: alreadyClosed,
	}, nil
}

func (s *MemoryStore) archiveMessages(path, contentType string, msgs []Message) {
	if s.archive == nil || len(msgs) == 0 {
		return
	}
	now := time.Now()
	for _, m := range msgs {
		s.archive.Record(path, contentType, m, now)
	}
}

// appendToStream handles the actual append, including JSON array flattening.
func (s *MemoryStore) appendToStream(stream *memoryStream, data []byte, allowEmpty bool) (Offset, error) {
	if IsJSONContentType(stream.metadata.ContentType) {
		messages, err := processJSONAppend(data, allowEmpty)
		if err != nil {
			return Offset{}, err
		}

		currentOffset := stream.metadata.CurrentOffset
		for _, msgData := range messages {
			currentOffset = currentOffset.Add(uint64(len(msgData)))
			stream.messages = append(stream.messages, Message{
				Data:   msgData,
				Offset: currentOffset,
			})
		}
		return currentOffset, nil
	}

	newOffset := stream.metadata.CurrentOffset.Add(uint64(len(data)))
	stream.messages = append(stream.messages, Message{
		Data:   data,
		Offset: newOffset,
	})
	return newOffset, nil
}

func (s *MemoryStore) Read(path string, offset Offset) ([]Message, bool, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stream, ok := s.streams[path]
	if !ok {
		return nil, false, ErrStreamNotFound
	}
	if stream.metadata.IsExpired() {
		return nil, false, ErrStreamNotFound
	}

	var messages []Message
	for _, msg := range stream.messages {
		if msg.Offset.ByteOffset > offset.ByteOffset {
			messages = append(messages, msg)
		}
	}

	upToDate := offset.Equal(stream.metadata.CurrentOffset)
	if len(messages) > 0 {
		upToDate = messages[len(messages)-1].Offset.Equal(stream.metadata.CurrentOffset)
	}
	return messages, upToDate, nil
}

func (s *MemoryStore) WaitForMessages(ctx context.Context, path string, offset Offset, timeout time.Duration) ([]Message, bool, bool, error) {
	messages, _, err := s.Read(path, offset)
	if err != nil {
		return nil, false, false, err
	}
	if len(messages) > 0 {
		return messages, false, false, nil
	}

	meta, err := s.Get(path)
	if err != nil {
		return nil, false, false, err
	}
	if meta.Closed {
		return nil, false, true, nil
	}

	ch := make(chan struct{}, 1)
	s.longPoll.register(path, ch)
	defer s.longPoll.unregister(path, ch)

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case <-ch:
		messages, _, err := s.Read(path, offset)
		if err == ErrStreamNotFound {
			return nil, false, false, nil
		}
		if err != nil {
			return nil, false, false, err
		}
		meta, gerr := s.Get(path)
		closed := gerr == nil && meta.Closed
		return messages, false, closed, nil
	case <-timer.C:
		return nil, true, false, nil
	case <-ctx.Done():
		return nil, false, false, ctx.Err()
	}
}

func (s *MemoryStore) GetCurrentOffset(path string) (Offset, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	stream, ok := s.streams[path]
	if !ok {
		return Offset{}, ErrStreamNotFound
	}
	return stream.metadata.CurrentOffset, nil
}

// Sweep removes any stream whose TTL or absolute expiry has passed according
// to IsExpired, which reads the current clock; now is not consulted.
func (s *MemoryStore) Sweep(now time.Time) error {
	s.mu.Lock()
	var expired []string
	for path, stream := range s.streams {
		if stream.metadata.IsExpired() {
			expired = append(expired, path)
		}
	}
	for _, path := range expired {
		delete(s.streams, path)
	}
	s.mu.Unlock()

	for _, path := range expired {
		s.longPoll.closeAll(path)
	}
	return nil
}

func (s *MemoryStore) Close() error {
	if s.archive != nil {
		return s.archive.Close()
	}
	return nil
}

// FormatResponse formats messages for HTTP response based on content type.
func (s *MemoryStore) FormatResponse(path string, messages []Message) ([]byte, error) {
	s.mu.RLock()
	stream, ok := s.streams[path]
	s.mu.RUnlock()
	if !ok {
		return nil, ErrStreamNotFound
	}

	if IsJSONContentType(stream.metadata.ContentType) {
		return FormatJSONResponse(messages), nil
	}

	var buf bytes.Buffer
	for _, msg := range messages {
		buf.Write(msg.Data)
	}
	return buf.Bytes(), nil
}

// Long-poll manager methods.
func (m *longPollManager) register(path string, ch chan struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.waiters[path] = append(m.waiters[path], ch)
}

func (m *longPollManager) unregister(path string, ch chan struct{}) {
	m.mu.Lock()
	defer m.mu.Unlock()

	waiters := m.waiters[path]
	for i, w := range waiters {
		if w == ch {
			m.waiters[path] = append(waiters[:i], waiters[i+1:]...)
			break
		}
	}
}

func (m *longPollManager) notify(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, ch := range m.waiters[path] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// closeAll wakes every waiter on a path (used on delete/sweep) so a blocked
// GET observes the stream is gone instead of waiting out its full deadline.
func (m *longPollManager) closeAll(path string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, ch := range m.waiters[path] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
	delete(m.waiters, path)
}

// processJSONAppend validates and flattens a top-level JSON array one level.
func processJSONAppend(data []byte, allowEmpty bool) ([][]byte, error) {
	if !json.Valid(data) {
		return nil, ErrInvalidJSON
	}

	trimmed := bytes.TrimSpace(data)
	if len(trimmed) > 0 && trimmed[0] == '[' {
		var arr []json.RawMessage
		if err := json.Unmarshal(trimmed, &arr); err != nil {
			return nil, ErrInvalidJSON
		}
		if len(arr) == 0 {
			if !allowEmpty {
				return nil, ErrEmptyJSONArray
			}
			return [][]byte{}, nil
		}
		result := make([][]byte, len(arr))
		for i, elem := range arr {
			result[i] = []byte(elem)
		}
		return result, nil
	}

	return [][]byte{trimmed}, nil
}
