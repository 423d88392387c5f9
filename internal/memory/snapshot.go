package memory

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/kozaktomas/face-memory/internal/identity"
	"github.com/kozaktomas/face-memory/internal/metrics"
)

// SnapshotVersion is written into every snapshot.
const SnapshotVersion = "1.0"

// Snapshot is the on-disk document.
type Snapshot struct {
	Version   string            `json:"version"`
	Timestamp string            `json:"timestamp"`
	Count     int               `json:"count"`
	People    []identity.Record `json:"people"`
}

// rawSnapshot defers decoding of records so one malformed entry does not
// discard the whole file.
type rawSnapshot struct {
	Version   json.RawMessage   `json:"version"`
	Timestamp string            `json:"timestamp"`
	Count     int               `json:"count"`
	People    []json.RawMessage `json:"people"`
}

func readSnapshot(path string) (*rawSnapshot, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var raw rawSnapshot
	if err := json.Unmarshal(data, &raw); err != nil {
		return nil, fmt.Errorf("decoding %s: %w", path, err)
	}
	return &raw, nil
}

// load populates the map from the primary snapshot, then the backup. If
// neither is usable the store starts empty.
func (s *Store) load() {
	// A leftover temp file is an interrupted write and is never read.
	if err := os.Remove(s.path + ".tmp"); err == nil {
		s.log.Warn("removed leftover temporary snapshot", zap.String("path", s.path+".tmp"))
	}

	raw, err := readSnapshot(s.path)
	source := s.path
	if err != nil {
		if !errors.Is(err, fs.ErrNotExist) {
			s.log.Warn("primary snapshot unreadable, trying backup", zap.String("path", s.path), zap.Error(err))
		}
		backup := s.path + ".bak"
		var bakErr error
		raw, bakErr = readSnapshot(backup)
		if bakErr != nil {
			if errors.Is(err, fs.ErrNotExist) && errors.Is(bakErr, fs.ErrNotExist) {
				s.log.Info("no snapshot found, starting with empty memory", zap.String("path", s.path))
			} else {
				s.log.Warn("no usable snapshot, starting with empty memory",
					zap.NamedError("primary_error", err), zap.NamedError("backup_error", bakErr))
			}
			return
		}
		source = backup
		s.log.Warn("loaded identities from backup snapshot", zap.String("path", backup))
	}

	now := s.now()
	skipped := 0
	for i, msg := range raw.People {
		var rec identity.Record
		if err := json.Unmarshal(msg, &rec); err != nil || rec.ID == "" {
			s.log.Warn("skipping malformed identity record", zap.Int("index", i), zap.Error(err))
			skipped++
			continue
		}
		p, anomalies := identity.FromRecord(rec, now)
		s.logAnomalies(anomalies)
		if dim := s.opts.EmbeddingDim; dim > 0 && len(p.Embedding) > 0 && len(p.Embedding) != dim {
			s.log.Warn("dropping embedding with unexpected dimension",
				zap.String("id", p.ID), zap.Int("dim", len(p.Embedding)), zap.Int("expected", dim))
			p.Embedding = nil
		}
		p.Thumbnails = s.existingThumbnails(p.ID, p.Thumbnails)
		if _, dup := s.people[p.ID]; dup {
			s.log.Warn("duplicate identity in snapshot, keeping the later record", zap.String("id", p.ID))
		}
		s.people[p.ID] = p
	}

	s.log.Info("face memory loaded",
		zap.String("path", source),
		zap.Int("people", len(s.people)),
		zap.Int("skipped", skipped),
		zap.String("snapshot_time", raw.Timestamp))
}

// prepareSnapshotLocked serializes the current map. Identities are written
// in id order so consecutive snapshots diff cleanly.
func (s *Store) prepareSnapshotLocked(now time.Time) ([]byte, int, error) {
	ids := make([]string, 0, len(s.people))
	for id := range s.people {
		ids = append(ids, id)
	}
	slices.Sort(ids)

	records := make([]identity.Record, 0, len(ids))
	for _, id := range ids {
		rec, anomalies := identity.ToRecord(s.people[id])
		s.logAnomalies(anomalies)
		records = append(records, rec)
	}

	snap := Snapshot{
		Version:   SnapshotVersion,
		Timestamp: now.Format(time.RFC3339Nano),
		Count:     len(records),
		People:    records,
	}
	data, err := json.MarshalIndent(snap, "", "  ")
	if err != nil {
		return nil, 0, &PersistError{Stage: "serialize", Path: s.path, Err: err}
	}
	metrics.SnapshotBytes.Set(float64(len(data)))
	return data, len(records), nil
}

func (s *Store) logAnomalies(anomalies []identity.Anomaly) {
	for _, a := range anomalies {
		metrics.SerializationAnomaliesTotal.Inc()
		s.log.Warn("coerced identity value",
			zap.String("id", a.ID), zap.String("field", a.Field), zap.String("value", a.Value))
	}
}
