package memory

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"slices"
	"time"

	"go.uber.org/zap"

	"github.com/kozaktomas/face-memory/internal/facematch"
	"github.com/kozaktomas/face-memory/internal/identity"
)

// thumbnailDir returns the directory holding the thumbnails of id.
func (s *Store) thumbnailDir(id string) string {
	return filepath.Join(s.thumbDir, facematch.SafeName(id))
}

// thumbnailFileName formats t as YYYYMMDD_HHMMSS_ffffff.jpg.
func thumbnailFileName(t time.Time) string {
	return fmt.Sprintf("%s_%06d.jpg", t.Format("20060102_150405"), t.Nanosecond()/1000)
}

func (s *Store) uniqueThumbnailName(dir string, taken []string) string {
	t := s.now()
	for {
		name := thumbnailFileName(t)
		if !slices.Contains(taken, name) {
			if _, err := os.Stat(filepath.Join(dir, name)); errors.Is(err, fs.ErrNotExist) {
				return name
			}
		}
		t = t.Add(time.Microsecond)
	}
}

// AddThumbnail stores a JPEG thumbnail for id and returns its file name.
// Only the newest MaxThumbnails are kept; older files are removed.
func (s *Store) AddThumbnail(id string, jpeg []byte) (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.people[id]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotFound, id)
	}

	dir := s.thumbnailDir(id)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating thumbnail directory: %w", err)
	}
	name := s.uniqueThumbnailName(dir, p.Thumbnails)
	if err := os.WriteFile(filepath.Join(dir, name), jpeg, 0o644); err != nil {
		return "", fmt.Errorf("writing thumbnail: %w", err)
	}

	s.removeFiles(dir, p.PushThumbnail(name))
	s.markDirtyLocked()
	return name, nil
}

// ThumbnailPath returns the file path of a thumbnail listed for id.
func (s *Store) ThumbnailPath(id, name string) (string, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	p, ok := s.people[id]
	if !ok || !slices.Contains(p.Thumbnails, name) {
		return "", false
	}
	return filepath.Join(s.thumbnailDir(id), name), true
}

// existingThumbnails keeps the listed names that are plain file names present
// on disk, newest MaxThumbnails only.
func (s *Store) existingThumbnails(id string, names []string) []string {
	dir := s.thumbnailDir(id)
	var out []string
	for _, name := range names {
		if name == "" || filepath.Base(name) != name {
			continue
		}
		if _, err := os.Stat(filepath.Join(dir, name)); err != nil {
			s.log.Debug("dropping missing thumbnail", zap.String("id", id), zap.String("file", name))
			continue
		}
		out = append(out, name)
	}
	if len(out) > identity.MaxThumbnails {
		out = out[len(out)-identity.MaxThumbnails:]
	}
	return out
}

// sharesDirLocked reports whether another identity maps to the same
// thumbnail directory as id.
func (s *Store) sharesDirLocked(id string) bool {
	safe := facematch.SafeName(id)
	for other := range s.people {
		if other != id && facematch.SafeName(other) == safe {
			return true
		}
	}
	return false
}

// moveThumbnailsLocked moves the thumbnail files of oldID under newID.
func (s *Store) moveThumbnailsLocked(oldID, newID string, names []string) error {
	oldDir, newDir := s.thumbnailDir(oldID), s.thumbnailDir(newID)
	if oldDir == newDir {
		return nil
	}
	if _, err := os.Stat(oldDir); errors.Is(err, fs.ErrNotExist) {
		return nil
	}

	_, statErr := os.Stat(newDir)
	if errors.Is(statErr, fs.ErrNotExist) && !s.sharesDirLocked(oldID) {
		return os.Rename(oldDir, newDir)
	}

	if err := os.MkdirAll(newDir, 0o755); err != nil {
		return err
	}
	var errs []error
	for _, name := range names {
		if err := os.Rename(filepath.Join(oldDir, name), filepath.Join(newDir, name)); err != nil {
			errs = append(errs, err)
		}
	}
	if !s.sharesDirLocked(oldID) {
		_ = os.Remove(oldDir)
	}
	return errors.Join(errs...)
}

// transferThumbnailsLocked copies the source's newest thumbnails to the
// target under fresh names and removes the source's files.
func (s *Store) transferThumbnailsLocked(source, target *identity.Identity) {
	srcDir, dstDir := s.thumbnailDir(source.ID), s.thumbnailDir(target.ID)
	carry := source.Thumbnails
	if len(carry) > mergeThumbnailLimit {
		carry = carry[len(carry)-mergeThumbnailLimit:]
	}

	if srcDir == dstDir {
		for _, name := range carry {
			s.removeFiles(dstDir, target.PushThumbnail(name))
		}
		var rest []string
		for _, name := range source.Thumbnails {
			if !slices.Contains(carry, name) {
				rest = append(rest, name)
			}
		}
		s.removeFiles(srcDir, rest)
		return
	}

	if len(carry) > 0 {
		if err := os.MkdirAll(dstDir, 0o755); err != nil {
			s.log.Warn("creating thumbnail directory failed", zap.String("id", target.ID), zap.Error(err))
			carry = nil
		}
	}
	for _, name := range carry {
		data, err := os.ReadFile(filepath.Join(srcDir, name))
		if err != nil {
			s.log.Warn("reading thumbnail for merge failed", zap.String("id", source.ID), zap.String("file", name), zap.Error(err))
			continue
		}
		fresh := s.uniqueThumbnailName(dstDir, target.Thumbnails)
		if err := os.WriteFile(filepath.Join(dstDir, fresh), data, 0o644); err != nil {
			s.log.Warn("copying thumbnail for merge failed", zap.String("id", target.ID), zap.Error(err))
			continue
		}
		s.removeFiles(dstDir, target.PushThumbnail(fresh))
	}

	s.removeThumbnailsLocked(source.ID, source.Thumbnails)
}

// removeThumbnailsLocked deletes the thumbnails of a departing identity. The
// directory itself is removed unless another identity shares it.
func (s *Store) removeThumbnailsLocked(id string, names []string) {
	dir := s.thumbnailDir(id)
	if s.sharesDirLocked(id) {
		s.removeFiles(dir, names)
		return
	}
	if err := os.RemoveAll(dir); err != nil {
		s.log.Warn("removing thumbnail directory failed", zap.String("id", id), zap.Error(err))
	}
}

func (s *Store) removeFiles(dir string, names []string) {
	for _, name := range names {
		if err := os.Remove(filepath.Join(dir, name)); err != nil && !errors.Is(err, fs.ErrNotExist) {
			s.log.Warn("removing thumbnail failed", zap.String("file", name), zap.Error(err))
		}
	}
}
