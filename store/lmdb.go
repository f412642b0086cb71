package store

import (
	"encoding/json"
	"fmt"
	"os"
	"runtime"
	"sync"

	"github.com/PowerDNS/lmdb-go/lmdb"
)

// LMDBMetadataStore stores stream metadata in LMDB. It is an alternative to
// BboltMetadataStore for deployments that already standardize on LMDB for
// other services and want one less embedded-database dependency in the mix.
type LMDBMetadataStore struct {
	env    *lmdb.Env
	dbi    lmdb.DBI
	mu     sync.RWMutex
	path   string
	closed bool
}

// lmdbMetadata is the serialized form of StreamMetadata
type lmdbMetadata struct {
	Path          string `json:"path"`
	ContentType   string `json:"content_type"`
	CurrentOffset string `json:"current_offset"` // Offset as string for easy serialization
	LastSeq       string `json:"last_seq"`
	TTLSeconds    *int64 `json:"ttl_seconds,omitempty"`
	ExpiresAt     *int64 `json:"expires_at,omitempty"` // Unix timestamp
	CreatedAt     int64  `json:"created_at"`           // Unix timestamp
	DirectoryName string `json:"directory_name"`

	Producers map[string]*lmdbProducerState `json:"producers,omitempty"`
	Closed    bool                          `json:"closed,omitempty"`
	ClosedBy  *lmdbClosedByProducer         `json:"closed_by,omitempty"`
}

// lmdbClosedByProducer is the serialized form of ClosedByProducer
type lmdbClosedByProducer struct {
	ProducerId string `json:"producer_id"`
	Epoch      int64  `json:"epoch"`
	Seq        int64  `json:"seq"`
}

// lmdbProducerState is the serialized form of ProducerState
type lmdbProducerState struct {
	Epoch       int64              `json:"epoch"`
	LastSeq     int64              `json:"last_seq"`
	LastUpdated int64              `json:"last_updated"`
	Ring        []lmdbRecentCommit `json:"ring,omitempty"`
	RingSize    int                `json:"ring_size,omitempty"`
}

// lmdbRecentCommit is the serialized form of RecentCommit
type lmdbRecentCommit struct {
	Seq    int64  `json:"seq"`
	Offset string `json:"offset"`
}

func toLMDBProducerState(state *ProducerState) *lmdbProducerState {
	lps := &lmdbProducerState{
		Epoch:       state.Epoch,
		LastSeq:     state.LastSeq,
		LastUpdated: state.LastUpdated,
		RingSize:    state.RingSize,
	}
	if len(state.Ring) > 0 {
		lps.Ring = make([]lmdbRecentCommit, len(state.Ring))
		for i, rc := range state.Ring {
			lps.Ring[i] = lmdbRecentCommit{Seq: rc.Seq, Offset: rc.Offset.String()}
		}
	}
	return lps
}

func fromLMDBProducerState(lps *lmdbProducerState) *ProducerState {
	state := &ProducerState{
		Epoch:       lps.Epoch,
		LastSeq:     lps.LastSeq,
		LastUpdated: lps.LastUpdated,
		RingSize:    lps.RingSize,
	}
	if len(lps.Ring) > 0 {
		state.Ring = make([]RecentCommit, 0, len(lps.Ring))
		for _, rc := range lps.Ring {
			offset, err := ParseOffset(rc.Offset)
			if err != nil {
				continue
			}
			state.Ring = append(state.Ring, RecentCommit{Seq: rc.Seq, Offset: offset})
		}
	}
	return state
}

// NewLMDBMetadataStore creates a new LMDB-backed metadata store
func NewLMDBMetadataStore(dataDir string) (*LMDBMetadataStore, error) {
	if err := os.MkdirAll(dataDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	env, err := lmdb.NewEnv()
	if err != nil {
		return nil, fmt.Errorf("failed to create LMDB environment: %w", err)
	}

	if err := env.SetMapSize(1 << 30); err != nil {
		env.Close()
		return nil, fmt.Errorf("failed to set map size: %w", err)
	}

	if err := env.SetMaxDBs(1); err != nil {
		env.Close()
		return nil, fmt.Errorf("failed to set max dbs: %w", err)
	}

	// Note: without NoSubdir, LMDB creates data.mdb and lock.mdb inside dataDir.
	if err := env.Open(dataDir, 0, 0755); err != nil {
		env.Close()
		return nil, fmt.Errorf("failed to open LMDB environment: %w", err)
	}

	var dbi lmdb.DBI
	err = env.Update(func(txn *lmdb.Txn) error {
		var err error
		dbi, err = txn.OpenDBI("metadata", lmdb.Create)
		return err
	})
	if err != nil {
		env.Close()
		return nil, fmt.Errorf("failed to open metadata database: %w", err)
	}

	return &LMDBMetadataStore{
		env:  env,
		dbi:  dbi,
		path: dataDir,
	}, nil
}

// Put stores metadata for a stream
func (s *LMDBMetadataStore) Put(meta *StreamMetadata, directoryName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("store is closed")
	}

	lm := lmdbMetadata{
		Path:          meta.Path,
		ContentType:   meta.ContentType,
		CurrentOffset: meta.CurrentOffset.String(),
		LastSeq:       meta.LastSeq,
		TTLSeconds:    meta.TTLSeconds,
		CreatedAt:     meta.CreatedAt.Unix(),
		DirectoryName: directoryName,
		Closed:        meta.Closed,
	}
	if meta.ExpiresAt != nil {
		ts := meta.ExpiresAt.Unix()
		lm.ExpiresAt = &ts
	}
	if len(meta.Producers) > 0 {
		lm.Producers = make(map[string]*lmdbProducerState, len(meta.Producers))
		for id, state := range meta.Producers {
			lm.Producers[id] = toLMDBProducerState(state)
		}
	}
	if meta.ClosedBy != nil {
		lm.ClosedBy = &lmdbClosedByProducer{
			ProducerId: meta.ClosedBy.ProducerId,
			Epoch:      meta.ClosedBy.Epoch,
			Seq:        meta.ClosedBy.Seq,
		}
	}

	data, err := json.Marshal(lm)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	return s.env.Update(func(txn *lmdb.Txn) error {
		return txn.Put(s.dbi, []byte(meta.Path), data, 0)
	})
}

func lmdbMetaToStreamMetadata(lm *lmdbMetadata) *StreamMetadata {
	offset, err := ParseOffset(lm.CurrentOffset)
	if err != nil {
		offset = ZeroOffset
	}

	meta := &StreamMetadata{
		Path:          lm.Path,
		ContentType:   lm.ContentType,
		CurrentOffset: offset,
		LastSeq:       lm.LastSeq,
		TTLSeconds:    lm.TTLSeconds,
		Closed:        lm.Closed,
	}
	if lm.ExpiresAt != nil {
		t := timeFromUnix(*lm.ExpiresAt)
		meta.ExpiresAt = &t
	}
	meta.CreatedAt = timeFromUnix(lm.CreatedAt)

	if len(lm.Producers) > 0 {
		meta.Producers = make(map[string]*ProducerState, len(lm.Producers))
		for id, state := range lm.Producers {
			meta.Producers[id] = fromLMDBProducerState(state)
		}
	}
	if lm.ClosedBy != nil {
		meta.ClosedBy = &ClosedByProducer{
			ProducerId: lm.ClosedBy.ProducerId,
			Epoch:      lm.ClosedBy.Epoch,
			Seq:        lm.ClosedBy.Seq,
		}
	}
	return meta
}

// Get retrieves metadata for a stream
func (s *LMDBMetadataStore) Get(path string) (*StreamMetadata, string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, "", fmt.Errorf("store is closed")
	}

	var meta *StreamMetadata
	var directoryName string

	err := s.env.View(func(txn *lmdb.Txn) error {
		data, err := txn.Get(s.dbi, []byte(path))
		if lmdb.IsNotFound(err) {
			return ErrStreamNotFound
		}
		if err != nil {
			return err
		}

		dataCopy := make([]byte, len(data))
		copy(dataCopy, data)

		var lm lmdbMetadata
		if err := json.Unmarshal(dataCopy, &lm); err != nil {
			return fmt.Errorf("failed to unmarshal metadata: %w", err)
		}

		meta = lmdbMetaToStreamMetadata(&lm)
		directoryName = lm.DirectoryName
		return nil
	})

	if err != nil {
		return nil, "", err
	}
	return meta, directoryName, nil
}

// Has checks if a stream exists
func (s *LMDBMetadataStore) Has(path string) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return false
	}

	exists := false
	s.env.View(func(txn *lmdb.Txn) error {
		_, err := txn.Get(s.dbi, []byte(path))
		exists = err == nil
		return nil
	})
	return exists
}

// Delete removes metadata for a stream
func (s *LMDBMetadataStore) Delete(path string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("store is closed")
	}

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	return s.env.Update(func(txn *lmdb.Txn) error {
		err := txn.Del(s.dbi, []byte(path), nil)
		if lmdb.IsNotFound(err) {
			return ErrStreamNotFound
		}
		return err
	})
}

// UpdateOffset updates only the offset for a stream
func (s *LMDBMetadataStore) UpdateOffset(path string, offset Offset, lastSeq string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("store is closed")
	}

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	return s.env.Update(func(txn *lmdb.Txn) error {
		data, err := txn.Get(s.dbi, []byte(path))
		if lmdb.IsNotFound(err) {
			return ErrStreamNotFound
		}
		if err != nil {
			return err
		}

		dataCopy := make([]byte, len(data))
		copy(dataCopy, data)

		var lm lmdbMetadata
		if err := json.Unmarshal(dataCopy, &lm); err != nil {
			return err
		}

		lm.CurrentOffset = offset.String()
		if lastSeq != "" {
			lm.LastSeq = lastSeq
		}

		newData, err := json.Marshal(lm)
		if err != nil {
			return err
		}

		return txn.Put(s.dbi, []byte(path), newData, 0)
	})
}

// UpdateAppendState updates offset, lastSeq, producer state, and optionally closed state atomically
func (s *LMDBMetadataStore) UpdateAppendState(path string, offset Offset, lastSeq string, producerId string, producerState *ProducerState, closed bool, closedBy *ClosedByProducer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("store is closed")
	}

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	return s.env.Update(func(txn *lmdb.Txn) error {
		data, err := txn.Get(s.dbi, []byte(path))
		if lmdb.IsNotFound(err) {
			return ErrStreamNotFound
		}
		if err != nil {
			return err
		}

		dataCopy := make([]byte, len(data))
		copy(dataCopy, data)

		var lm lmdbMetadata
		if err := json.Unmarshal(dataCopy, &lm); err != nil {
			return err
		}

		lm.CurrentOffset = offset.String()
		if lastSeq != "" {
			lm.LastSeq = lastSeq
		}

		if producerId != "" && producerState != nil {
			if lm.Producers == nil {
				lm.Producers = make(map[string]*lmdbProducerState)
			}
			lm.Producers[producerId] = toLMDBProducerState(producerState)
		}

		if closed {
			lm.Closed = true
			if closedBy != nil {
				lm.ClosedBy = &lmdbClosedByProducer{
					ProducerId: closedBy.ProducerId,
					Epoch:      closedBy.Epoch,
					Seq:        closedBy.Seq,
				}
			}
		}

		newData, err := json.Marshal(lm)
		if err != nil {
			return err
		}

		return txn.Put(s.dbi, []byte(path), newData, 0)
	})
}

// SetClosed updates only the closed state for a stream
func (s *LMDBMetadataStore) SetClosed(path string, closed bool, closedBy *ClosedByProducer) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return fmt.Errorf("store is closed")
	}

	runtime.LockOSThread()
	defer runtime.UnlockOSThread()

	return s.env.Update(func(txn *lmdb.Txn) error {
		data, err := txn.Get(s.dbi, []byte(path))
		if lmdb.IsNotFound(err) {
			return ErrStreamNotFound
		}
		if err != nil {
			return err
		}

		dataCopy := make([]byte, len(data))
		copy(dataCopy, data)

		var lm lmdbMetadata
		if err := json.Unmarshal(dataCopy, &lm); err != nil {
			return err
		}

		lm.Closed = closed
		if closedBy != nil {
			lm.ClosedBy = &lmdbClosedByProducer{
				ProducerId: closedBy.ProducerId,
				Epoch:      closedBy.Epoch,
				Seq:        closedBy.Seq,
			}
		}

		newData, err := json.Marshal(lm)
		if err != nil {
			return err
		}

		return txn.Put(s.dbi, []byte(path), newData, 0)
	})
}

// List returns all stream paths
func (s *LMDBMetadataStore) List() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return nil, fmt.Errorf("store is closed")
	}

	var paths []string
	err := s.env.View(func(txn *lmdb.Txn) error {
		cursor, err := txn.OpenCursor(s.dbi)
		if err != nil {
			return err
		}
		defer cursor.Close()

		for {
			key, _, err := cursor.Get(nil, nil, lmdb.Next)
			if lmdb.IsNotFound(err) {
				break
			}
			if err != nil {
				return err
			}
			pathCopy := make([]byte, len(key))
			copy(pathCopy, key)
			paths = append(paths, string(pathCopy))
		}
		return nil
	})

	return paths, err
}

// ForEach iterates over all streams
func (s *LMDBMetadataStore) ForEach(fn func(meta *StreamMetadata, directoryName string) error) error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return fmt.Errorf("store is closed")
	}

	return s.env.View(func(txn *lmdb.Txn) error {
		cursor, err := txn.OpenCursor(s.dbi)
		if err != nil {
			return err
		}
		defer cursor.Close()

		for {
			_, data, err := cursor.Get(nil, nil, lmdb.Next)
			if lmdb.IsNotFound(err) {
				break
			}
			if err != nil {
				return err
			}

			dataCopy := make([]byte, len(data))
			copy(dataCopy, data)

			var lm lmdbMetadata
			if err := json.Unmarshal(dataCopy, &lm); err != nil {
				return err
			}

			meta := lmdbMetaToStreamMetadata(&lm)
			if err := fn(meta, lm.DirectoryName); err != nil {
				return err
			}
		}
		return nil
	})
}

// Close closes the LMDB environment
func (s *LMDBMetadataStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.closed {
		return nil
	}
	s.closed = true
	return s.env.Close()
}

// Sync forces a sync of the LMDB database to disk
func (s *LMDBMetadataStore) Sync() error {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		return fmt.Errorf("store is closed")
	}

	return s.env.Sync(true)
}

// Path returns the path to the LMDB database
func (s *LMDBMetadataStore) Path() string {
	return s.path
}
