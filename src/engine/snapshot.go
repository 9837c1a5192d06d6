package engine

import (
	"fmt"

	"github.com/spf13/afero"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/bson/primitive"

	"modeldb/src/helpers"
)

const snapshotVersion = 1

type snapshotTable struct {
	Records   []bson.M         `bson:"records"`
	Sequences map[string]int64 `bson:"sequences"`
}

type snapshotDocument struct {
	Version int                      `bson:"version"`
	Tables  map[string]snapshotTable `bson:"tables"`
}

// Snapshot encodes every table and autonumber sequence as one BSON document. Stored
// records are never mutated in place, so they are encoded after the table lock is released.
func (s *MemoryStorageEngine) Snapshot() ([]byte, error) {
	doc := snapshotDocument{
		Version: snapshotVersion,
		Tables:  make(map[string]snapshotTable),
	}
	for _, name := range s.Models() {
		t := s.table(name)
		t.mu.RLock()
		st := snapshotTable{
			Records:   make([]bson.M, len(t.records)),
			Sequences: make(map[string]int64, len(t.sequences)),
		}
		for i, rec := range t.records {
			st.Records[i] = bson.M(rec)
		}
		for field, seq := range t.sequences {
			st.Sequences[field] = seq
		}
		t.mu.RUnlock()
		doc.Tables[name] = st
	}
	return helpers.EncodeBSON(doc)
}

// Restore replaces all tables with the contents of a snapshot.
func (s *MemoryStorageEngine) Restore(data []byte) error {
	var doc snapshotDocument
	if err := helpers.DecodeBSON(data, &doc); err != nil {
		return err
	}
	if doc.Version != snapshotVersion {
		return fmt.Errorf("unsupported snapshot version %d", doc.Version)
	}

	tables := make(map[string]*memoryTable, len(doc.Tables))
	for name, st := range doc.Tables {
		t := &memoryTable{
			records:   make([]StoredRecord, len(st.Records)),
			sequences: make(map[string]int64, len(st.Sequences)),
		}
		for i, rec := range st.Records {
			restored := make(StoredRecord, len(rec))
			for k, v := range rec {
				restored[k] = normalizeBSON(v)
			}
			t.records[i] = restored
		}
		for field, seq := range st.Sequences {
			t.sequences[field] = seq
		}
		tables[name] = t
	}

	s.mu.Lock()
	s.tables = tables
	s.mu.Unlock()
	s.logger.Infow("Restored snapshot", "models", len(tables))
	return nil
}

// SaveSnapshot writes a snapshot to path on fs.
func (s *MemoryStorageEngine) SaveSnapshot(fs afero.Fs, path string) error {
	data, err := s.Snapshot()
	if err != nil {
		return err
	}
	if err := helpers.WriteDataFile(fs, path, data); err != nil {
		return err
	}
	s.logger.Infow("Saved snapshot", "file", path, "bytes", len(data))
	return nil
}

// LoadSnapshot restores the snapshot stored at path on fs.
func (s *MemoryStorageEngine) LoadSnapshot(fs afero.Fs, path string) error {
	data, err := helpers.ReadDataFile(fs, path)
	if err != nil {
		return err
	}
	return s.Restore(data)
}

// normalizeBSON maps decoded BSON values back onto the Go types the engine stores.
func normalizeBSON(v any) any {
	switch x := v.(type) {
	case int32:
		return int64(x)
	case primitive.DateTime:
		return x.Time().UTC()
	case primitive.A:
		out := make([]any, len(x))
		for i, item := range x {
			out[i] = normalizeBSON(item)
		}
		return out
	case primitive.M:
		out := make(map[string]any, len(x))
		for k, item := range x {
			out[k] = normalizeBSON(item)
		}
		return out
	case primitive.D:
		out := make(map[string]any, len(x))
		for _, e := range x {
			out[e.Key] = normalizeBSON(e.Value)
		}
		return out
	}
	return v
}
