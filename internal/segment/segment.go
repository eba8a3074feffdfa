package segment

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
)

// Segment is a single append-only log file holding a contiguous range of
// records by global position. The active segment is owned exclusively by
// the writer; sealed segments are read-only and safe for concurrent reads.
type Segment struct {
	path           string
	file           *os.File
	firstGlobalPos uint64
	size           int64
}

// FileName returns the canonical file name for a segment whose first
// record has the given global position: events-<first_global_pos>.seg.
func FileName(firstGlobalPos uint64) string {
	return fmt.Sprintf("events-%08d.seg", firstGlobalPos)
}

// Create creates a brand new segment file in dir for firstGlobalPos.
func Create(dir string, firstGlobalPos uint64) (*Segment, error) {
	path := filepath.Join(dir, FileName(firstGlobalPos))
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		return nil, fmt.Errorf("segment: create %s: %w", path, err)
	}
	return &Segment{path: path, file: f, firstGlobalPos: firstGlobalPos}, nil
}

// OpenForAppend reopens an existing segment file at the given length
// (typically the value returned by Recover after truncating any torn
// tail), positioning subsequent appends right after it.
func OpenForAppend(path string, firstGlobalPos uint64, length int64) (*Segment, error) {
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("segment: open %s: %w", path, err)
	}
	if err := f.Truncate(length); err != nil {
		f.Close()
		return nil, fmt.Errorf("segment: truncate %s: %w", path, err)
	}
	if _, err := f.Seek(length, os.SEEK_SET); err != nil {
		f.Close()
		return nil, fmt.Errorf("segment: seek %s: %w", path, err)
	}
	return &Segment{path: path, file: f, firstGlobalPos: firstGlobalPos, size: length}, nil
}

// Append writes buf to the end of the segment and fsyncs it. It returns the
// byte offset at which buf begins. Callers are responsible for batching
// multiple logical records into one buf to get one fsync per call (group
// commit lives in internal/eventlog, one layer up).
func (s *Segment) Append(buf []byte) (int64, error) {
	offset := s.size
	n, err := s.file.Write(buf)
	if err != nil {
		return offset, fmt.Errorf("segment: write %s: %w", s.path, err)
	}
	s.size += int64(n)
	if err := s.file.Sync(); err != nil {
		return offset, fmt.Errorf("segment: fsync %s: %w", s.path, err)
	}
	return offset, nil
}

// ReadAt reads len(p) bytes starting at off, following the semantics of
// io.ReaderAt. Safe to call concurrently with the writer's Append on other
// segments, and with other readers of this segment.
func (s *Segment) ReadAt(p []byte, off int64) (int, error) {
	return s.file.ReadAt(p, off)
}

// Size returns the current length of the segment in bytes.
func (s *Segment) Size() int64 { return s.size }

// Path returns the segment's file path.
func (s *Segment) Path() string { return s.path }

// FirstGlobalPos returns the segment's first global position.
func (s *Segment) FirstGlobalPos() uint64 { return s.firstGlobalPos }

// Close closes the underlying file without an additional fsync; the last
// Append already fsynced every byte written.
func (s *Segment) Close() error {
	return s.file.Close()
}

// FileInfo describes a segment file discovered on disk.
type FileInfo struct {
	Path           string
	FirstGlobalPos uint64
}

// ListDir returns every segment file in dir, sorted by first global
// position ascending.
func ListDir(dir string) ([]FileInfo, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("segment: read dir %s: %w", dir, err)
	}

	var infos []FileInfo
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		name := e.Name()
		if !strings.HasPrefix(name, "events-") || !strings.HasSuffix(name, ".seg") {
			continue
		}
		numStr := strings.TrimSuffix(strings.TrimPrefix(name, "events-"), ".seg")
		n, err := strconv.ParseUint(numStr, 10, 64)
		if err != nil {
			continue
		}
		infos = append(infos, FileInfo{Path: filepath.Join(dir, name), FirstGlobalPos: n})
	}

	sort.Slice(infos, func(i, j int) bool { return infos[i].FirstGlobalPos < infos[j].FirstGlobalPos })
	return infos, nil
}
