// Package store persists samples as newline-delimited JSON records in
// date-partitioned files: <root>/<source_id>/<YYYY-MM-DD>.jsonl. Partitions
// are append-only; the calendar day comes from the sample timestamp in the
// configured timezone, never the host's.
package store

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/quietfield/mtrec/internal/domain"
	"github.com/quietfield/mtrec/internal/ports"
)

const partitionExt = ".jsonl"

// DateLayout is the partition key format.
const DateLayout = "2006-01-02"

type FileStore struct {
	mu   sync.Mutex
	root string
	loc  *time.Location
	open map[string]*partition // keyed by source ID
}

type partition struct {
	date   string
	file   *os.File
	writer *bufio.Writer
}

func NewFileStore(root string, loc *time.Location) (*FileStore, error) {
	if loc == nil {
		loc = time.UTC
	}
	if err := os.MkdirAll(root, 0o755); err != nil {
		return nil, fmt.Errorf("store root: %w", err)
	}
	return &FileStore{
		root: root,
		loc:  loc,
		open: make(map[string]*partition),
	}, nil
}

// Date maps a timestamp onto its partition key.
func (s *FileStore) Date(ts time.Time) string {
	return ts.In(s.loc).Format(DateLayout)
}

// Append writes one self-delimited record to the partition for the sample's
// calendar day, creating it lazily. The write is flushed before returning so
// a full or unreachable medium surfaces on the tick that hit it.
func (s *FileStore) Append(sample *domain.Sample) error {
	if sample.SourceID == "" {
		return errors.New("store append: empty source id")
	}

	line, err := json.Marshal(sample)
	if err != nil {
		return fmt.Errorf("store append: encode: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	date := s.Date(sample.Timestamp)
	p := s.open[sample.SourceID]

	if p != nil && date < p.date {
		// late arrival for an already rolled-over day; the old partition is
		// logically closed but still accepts appends
		return s.appendClosed(sample.SourceID, date, line)
	}

	if p == nil || p.date != date {
		if p != nil {
			if err := s.closePartition(sample.SourceID, p); err != nil {
				return err
			}
		}
		p, err = s.openPartition(sample.SourceID, date)
		if err != nil {
			return err
		}
		s.open[sample.SourceID] = p
	}

	if err := s.writeLine(p.writer, line); err != nil {
		return fmt.Errorf("store append %s/%s: %w", sample.SourceID, date, err)
	}
	if err := p.writer.Flush(); err != nil {
		return fmt.Errorf("store append %s/%s: flush: %w", sample.SourceID, date, err)
	}
	return nil
}

// ReadPartition replays one partition in append order. A missing partition
// is an empty sequence, not an error.
func (s *FileStore) ReadPartition(sourceID, date string, fn func(*domain.Sample) error) error {
	s.mu.Lock()
	if p := s.open[sourceID]; p != nil && p.date == date {
		if err := p.writer.Flush(); err != nil {
			s.mu.Unlock()
			return fmt.Errorf("store read %s/%s: flush: %w", sourceID, date, err)
		}
	}
	s.mu.Unlock()

	f, err := os.Open(s.partitionPath(sourceID, date))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil
		}
		return fmt.Errorf("store read %s/%s: %w", sourceID, date, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 0, 64<<10), 4<<20)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var sample domain.Sample
		if err := json.Unmarshal(line, &sample); err != nil {
			return fmt.Errorf("store read %s/%s: corrupt record: %w", sourceID, date, err)
		}
		if err := fn(&sample); err != nil {
			return err
		}
	}
	if err := scanner.Err(); err != nil {
		return fmt.Errorf("store read %s/%s: %w", sourceID, date, err)
	}
	return nil
}

// Dates lists the partitions recorded for a source, ascending.
func (s *FileStore) Dates(sourceID string) ([]string, error) {
	entries, err := os.ReadDir(filepath.Join(s.root, sourceID))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("store dates %s: %w", sourceID, err)
	}

	var dates []string
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, partitionExt) {
			continue
		}
		dates = append(dates, strings.TrimSuffix(name, partitionExt))
	}
	sort.Strings(dates)
	return dates, nil
}

// Sources lists every source directory under the store root.
func (s *FileStore) Sources() ([]string, error) {
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("store sources: %w", err)
	}

	var sources []string
	for _, e := range entries {
		if e.IsDir() {
			sources = append(sources, e.Name())
		}
	}
	sort.Strings(sources)
	return sources, nil
}

// Close flushes and closes every open partition.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	var errs []error
	for sourceID, p := range s.open {
		if err := s.closePartition(sourceID, p); err != nil {
			errs = append(errs, err)
		}
	}
	s.open = make(map[string]*partition)
	return errors.Join(errs...)
}

func (s *FileStore) partitionPath(sourceID, date string) string {
	return filepath.Join(s.root, sourceID, date+partitionExt)
}

func (s *FileStore) openPartition(sourceID, date string) (*partition, error) {
	dir := filepath.Join(s.root, sourceID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("store open %s/%s: %w", sourceID, date, err)
	}
	f, err := os.OpenFile(s.partitionPath(sourceID, date), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("store open %s/%s: %w", sourceID, date, err)
	}
	return &partition{
		date:   date,
		file:   f,
		writer: bufio.NewWriterSize(f, 64<<10),
	}, nil
}

func (s *FileStore) closePartition(sourceID string, p *partition) error {
	if err := p.writer.Flush(); err != nil {
		p.file.Close()
		return fmt.Errorf("store close %s/%s: flush: %w", sourceID, p.date, err)
	}
	if err := p.file.Close(); err != nil {
		return fmt.Errorf("store close %s/%s: %w", sourceID, p.date, err)
	}
	return nil
}

func (s *FileStore) appendClosed(sourceID, date string, line []byte) error {
	dir := filepath.Join(s.root, sourceID)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("store append %s/%s: %w", sourceID, date, err)
	}
	f, err := os.OpenFile(s.partitionPath(sourceID, date), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("store append %s/%s: %w", sourceID, date, err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("store append %s/%s: %w", sourceID, date, err)
	}
	return nil
}

func (s *FileStore) writeLine(w *bufio.Writer, line []byte) error {
	if _, err := w.Write(line); err != nil {
		return err
	}
	return w.WriteByte('\n')
}

var _ ports.SampleStore = (*FileStore)(nil)
