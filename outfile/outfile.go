// Package outfile implements the measurement run's output sink: an
// append-only, gzip-compressed, line-delimited JSON log. Record order
// is config, start_time, tx/rx pairs, node_info per node, end_time.
package outfile

import (
	"compress/gzip"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"sync"
)

// ErrBadExtension is returned by Open when the path does not end in
// ".jsonl.gz".
var ErrBadExtension = errors.New("outfile: filename must end with .jsonl.gz")

// ErrExists is returned by Open when the target file already exists and
// force was not requested.
var ErrExists = errors.New("outfile: file already exists")

// record is the line-delimited JSON envelope every entry is wrapped in.
type record struct {
	DataType string      `json:"data_type"`
	Data     interface{} `json:"data"`
}

// Sink is a gzip-compressed, line-delimited JSON writer. The zero value
// is not usable; construct with Open.
type Sink struct {
	mu   sync.Mutex
	f    *os.File
	gz   *gzip.Writer
	enc  *json.Encoder
	path string
}

// Open creates path (refusing to overwrite unless force is true, and
// refusing any path not ending in ".jsonl.gz"), and writes the leading
// "config" record with the full merged run configuration.
func Open(path string, config interface{}, force bool) (*Sink, error) {
	if !strings.HasSuffix(path, ".jsonl.gz") {
		return nil, fmt.Errorf("%w: %s", ErrBadExtension, path)
	}
	if _, err := os.Stat(path); err == nil {
		if !force {
			return nil, fmt.Errorf("%w: %s", ErrExists, path)
		}
	} else if !os.IsNotExist(err) {
		return nil, err
	}

	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("outfile: create %s: %w", path, err)
	}
	gz := gzip.NewWriter(f)
	s := &Sink{f: f, gz: gz, enc: json.NewEncoder(gz), path: path}
	if err := s.WriteData("config", config); err != nil {
		f.Close()
		return nil, err
	}
	return s, nil
}

// WriteData appends one record. Safe for concurrent use; the controller
// may call it from the step that just finished a measurement while
// another goroutine advances progress.
func (s *Sink) WriteData(dataType string, data interface{}) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.enc.Encode(record{DataType: dataType, Data: data})
}

// Flush flushes the gzip writer's buffered data to the underlying file.
func (s *Sink) Flush() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.gz.Flush()
}

// Close flushes and closes the gzip stream and the underlying file.
// Safe to call once; a second call returns the error from closing an
// already-closed file.
func (s *Sink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.gz.Close(); err != nil {
		s.f.Close()
		return err
	}
	return s.f.Close()
}
