package memory

import (
	"context"
	"encoding/json"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"time"

	"github.com/google/renameio"
	"go.uber.org/zap"

	"github.com/kozaktomas/face-memory/internal/metrics"
)

var errSaveAborted = errors.New("save aborted by shutdown")

// saveJob is a prepared snapshot handed from the scheduler to the writer.
type saveJob struct {
	data       []byte
	count      int
	generation uint64
	trigger    string
	result     chan error
}

// SaveInfo reports the persistence status.
type SaveInfo struct {
	LastSave      time.Time `json:"last_save"`
	NextSave      time.Time `json:"next_save"`
	SaveRequested bool      `json:"save_requested"`
	Writing       bool      `json:"writing"`
	Dirty         bool      `json:"dirty"`
	LastError     string    `json:"last_error,omitempty"`
}

func (s *Store) saveInfoLocked() SaveInfo {
	info := SaveInfo{
		LastSave:      s.lastSave,
		NextSave:      s.lastSave.Add(s.opts.SaveInterval),
		SaveRequested: s.saveRequested,
		Writing:       s.writing,
		Dirty:         s.generation != s.savedGeneration,
	}
	if s.saveRequested {
		info.NextSave = s.now().Add(s.opts.CheckInterval)
	}
	if s.lastSaveErr != nil {
		info.LastError = s.lastSaveErr.Error()
	}
	return info
}

// RequestSave asks the scheduler to write a snapshot on its next check.
func (s *Store) RequestSave() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.saveRequested = true
}

func (s *Store) startBackground() {
	s.jobs = make(chan saveJob, 1)
	s.stop = make(chan struct{})
	s.schedulerDone = make(chan struct{})
	s.writerDone = make(chan struct{})
	go s.runScheduler()
	go s.runWriter()
}

func (s *Store) runScheduler() {
	defer close(s.schedulerDone)
	ticker := time.NewTicker(s.opts.CheckInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.stop:
			return
		case <-ticker.C:
			s.maybeSave()
		}
	}
}

func (s *Store) maybeSave() {
	job, ok := s.beginSave()
	if !ok {
		return
	}
	select {
	case s.jobs <- job:
	case <-s.stop:
		s.mu.Lock()
		s.writing = false
		s.inflight = nil
		s.saveRequested = true
		s.mu.Unlock()
		job.result <- errSaveAborted
	}
}

// beginSave prepares a snapshot if one is due and no write is in flight.
func (s *Store) beginSave() (saveJob, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.writing {
		return saveJob{}, false
	}

	now := s.now()
	var trigger string
	switch {
	case s.saveRequested:
		trigger = "requested"
	case s.generation != s.savedGeneration && now.Sub(s.lastSave) >= s.opts.SaveInterval:
		trigger = "interval"
	default:
		return saveJob{}, false
	}

	data, count, err := s.prepareSnapshotLocked(now)
	s.saveRequested = false
	if err != nil {
		s.lastSaveErr = err
		metrics.SavesTotal.WithLabelValues(trigger, "error").Inc()
		s.log.Error("preparing snapshot failed", zap.Error(err))
		return saveJob{}, false
	}

	s.writing = true
	job := saveJob{
		data:       data,
		count:      count,
		generation: s.generation,
		trigger:    trigger,
		result:     make(chan error, 1),
	}
	s.inflight = job.result
	return job, true
}

func (s *Store) runWriter() {
	defer close(s.writerDone)
	for job := range s.jobs {
		err := s.writeSnapshotFiles(context.Background(), job.data)
		s.finishSave(job.trigger, job.generation, job.count, err)
		s.mu.Lock()
		s.writing = false
		s.inflight = nil
		s.mu.Unlock()
		job.result <- err
	}
}

// finishSave records the outcome of a snapshot write. A failed write leaves
// the store dirty so the next check retries it.
func (s *Store) finishSave(trigger string, generation uint64, count int, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err != nil {
		s.lastSaveErr = err
		metrics.SavesTotal.WithLabelValues(trigger, "error").Inc()
		s.log.Error("saving face memory failed", zap.String("trigger", trigger), zap.Error(err))
		return
	}
	s.lastSaveErr = nil
	s.lastSave = s.now()
	if generation > s.savedGeneration {
		s.savedGeneration = generation
	}
	metrics.SavesTotal.WithLabelValues(trigger, "ok").Inc()
	s.log.Info("face memory saved", zap.String("trigger", trigger), zap.Int("people", count), zap.String("path", s.path))
}

// writeSnapshotFiles backs up the current snapshot, writes data to a temp
// file, fsyncs it and renames it over the primary. Waiting for another write
// to finish gives up when ctx ends.
func (s *Store) writeSnapshotFiles(ctx context.Context, data []byte) error {
	select {
	case s.fileSem <- struct{}{}:
	case <-ctx.Done():
		return &PersistError{Stage: "lock", Path: s.path, Err: ctx.Err()}
	}
	defer func() { <-s.fileSem }()
	start := time.Now()

	if err := s.backupSnapshot(); err != nil {
		s.log.Warn("snapshot backup failed", zap.Error(err))
	}

	tmp := s.path + ".tmp"
	if err := s.writeFile(tmp, data); err != nil {
		_ = os.Remove(tmp)
		return &PersistError{Stage: "write", Path: tmp, Err: err}
	}
	if err := os.Rename(tmp, s.path); err != nil {
		_ = os.Remove(tmp)
		return &PersistError{Stage: "rename", Path: s.path, Err: err}
	}
	syncDir(filepath.Dir(s.path))

	metrics.SaveDuration.Observe(time.Since(start).Seconds())
	return nil
}

// backupSnapshot atomically copies the primary to .bak. A primary that no
// longer parses is not copied, so a good backup survives a corrupted primary.
func (s *Store) backupSnapshot() error {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil
	}
	if err != nil {
		return &PersistError{Stage: "backup", Path: s.path, Err: err}
	}
	if !json.Valid(data) {
		s.log.Warn("primary snapshot is corrupt, keeping existing backup", zap.String("path", s.path))
		return nil
	}
	if err := renameio.WriteFile(s.path+".bak", data, 0o644); err != nil {
		return &PersistError{Stage: "backup", Path: s.path + ".bak", Err: err}
	}
	return nil
}

func writeFileSync(path string, data []byte) error {
	f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o644)
	if err != nil {
		return err
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return err
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}

func syncDir(dir string) {
	d, err := os.Open(dir)
	if err != nil {
		return
	}
	_ = d.Sync()
	_ = d.Close()
}

// Save synchronously writes a snapshot of the current state. It waits for
// any write already in flight.
func (s *Store) Save() error {
	s.mu.Lock()
	closed := s.closed
	s.mu.Unlock()
	if closed {
		return ErrClosed
	}
	return s.saveSync(context.Background(), "manual")
}

func (s *Store) saveSync(ctx context.Context, trigger string) error {
	s.mu.Lock()
	data, count, err := s.prepareSnapshotLocked(s.now())
	generation := s.generation
	s.mu.Unlock()
	if err != nil {
		metrics.SavesTotal.WithLabelValues(trigger, "error").Inc()
		return err
	}
	err = s.writeSnapshotFiles(ctx, data)
	s.finishSave(trigger, generation, count, err)
	return err
}

// Shutdown stops the scheduler, waits up to the shutdown timeout for an
// in-flight write, writes a final snapshot and stops the writer. Each wait is
// bounded by the shutdown timeout and ctx. It is safe to call more than once.
func (s *Store) Shutdown(ctx context.Context) error {
	s.shutdownOnce.Do(func() {
		s.shutdownErr = s.shutdown(ctx)
	})
	return s.shutdownErr
}

func (s *Store) shutdown(ctx context.Context) error {
	s.log.Info("shutting down face memory")
	s.mu.Lock()
	s.closed = true
	s.mu.Unlock()
	close(s.stop)
	<-s.schedulerDone

	s.mu.Lock()
	inflight := s.inflight
	s.mu.Unlock()
	if inflight != nil {
		waitCtx, cancel := context.WithTimeout(ctx, s.opts.ShutdownTimeout)
		select {
		case <-inflight:
		case <-waitCtx.Done():
			s.log.Warn("in-flight save did not finish before shutdown timeout",
				zap.Duration("timeout", s.opts.ShutdownTimeout), zap.Error(waitCtx.Err()))
		}
		cancel()
	}
	close(s.jobs)

	// A writer stuck on the snapshot file holds it past this deadline; the
	// final save is then skipped instead of blocking shutdown.
	finalCtx, cancel := context.WithTimeout(ctx, s.opts.ShutdownTimeout)
	defer cancel()
	err := s.saveSync(finalCtx, "shutdown")
	var pe *PersistError
	if errors.As(err, &pe) && pe.Stage == "lock" {
		s.log.Error("final save skipped: snapshot file still busy", zap.Error(err))
	} else if err != nil {
		s.log.Error("final save failed", zap.Error(err))
	}

	select {
	case <-s.writerDone:
	case <-finalCtx.Done():
	}
	return err
}
