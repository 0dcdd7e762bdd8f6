// Package funcstore persists fitted interpolators by name in a single
// compressed file.
//
// A Store loads the file once when opened and serves reads from memory. Save
// re-reads the file, merges the new entry and rewrites the whole file, so
// entries added by other writers since Open are kept. The sequence is
// serialised within a process but is not atomic across processes.
package funcstore

import (
	"bytes"
	"encoding/gob"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/klauspost/compress/zstd"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/yutiansut/copulae/spline"
)

// DefaultFileName is the store file used when none is configured.
const DefaultFileName = "data_funcs.gob.zst"

// ErrNotFound is returned by Load for names that were never saved.
var ErrNotFound = errors.New("function not found")

// Store maps function names to fitted splines backed by one file.
type Store struct {
	path   string
	logger zerolog.Logger

	mu    sync.Mutex
	funcs map[string]*spline.Spline
}

// Option defines a functional option for configuring a Store
type Option func(*Store)

// WithLogger sets the logger used for load and save events
func WithLogger(logger zerolog.Logger) Option {
	return func(s *Store) {
		s.logger = logger
	}
}

// Open creates a store backed by path, loading its contents if the file
// exists. A missing file is an empty store.
func Open(path string, options ...Option) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("store path must not be empty")
	}

	s := &Store{
		path:   path,
		logger: log.Logger.With().Str("component", "funcstore").Logger(),
	}
	for _, opt := range options {
		opt(s)
	}

	funcs, err := s.read()
	if err != nil {
		return nil, err
	}
	s.funcs = funcs
	s.logger.Debug().Str("path", path).Int("functions", len(funcs)).Msg("store opened")
	return s, nil
}

// Path returns the backing file path.
func (s *Store) Path() string { return s.path }

// Exists reports whether the backing file is present on disk.
func (s *Store) Exists() bool {
	_, err := os.Stat(s.path)
	return err == nil
}

// Load returns the spline saved under name.
func (s *Store) Load(name string) (*spline.Spline, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	sp, ok := s.funcs[name]
	if !ok {
		return nil, fmt.Errorf("%w: %q in %s", ErrNotFound, name, s.path)
	}
	return sp, nil
}

// Names returns the stored function names in sorted order.
func (s *Store) Names() []string {
	s.mu.Lock()
	defer s.mu.Unlock()

	names := make([]string, 0, len(s.funcs))
	for name := range s.funcs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Save stores sp under name, merging it into the current file contents.
func (s *Store) Save(name string, sp *spline.Spline) error {
	if name == "" {
		return fmt.Errorf("function name must not be empty")
	}
	if sp == nil {
		return fmt.Errorf("cannot save nil function %q", name)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	funcs, err := s.read()
	if err != nil {
		return err
	}
	funcs[name] = sp

	if err := s.write(funcs); err != nil {
		return err
	}
	s.funcs = funcs
	s.logger.Info().Str("path", s.path).Str("name", name).Int("functions", len(funcs)).Msg("function saved")
	return nil
}

// fileState represents the serializable contents of a store file
type fileState struct {
	Version int                     `gob:"version"`
	Funcs   map[string]spline.State `gob:"funcs"`
}

func (s *Store) read() (map[string]*spline.Spline, error) {
	funcs := make(map[string]*spline.Spline)

	cdata, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return funcs, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read store %s: %w", s.path, err)
	}

	dec, err := decoder()
	if err != nil {
		return nil, err
	}
	data, err := dec.DecodeAll(cdata, make([]byte, 0, len(cdata)*3))
	if err != nil {
		return nil, fmt.Errorf("decompress store %s: %w", s.path, err)
	}

	var state fileState
	if err := gob.NewDecoder(bytes.NewReader(data)).Decode(&state); err != nil {
		return nil, fmt.Errorf("decode store %s: %w", s.path, err)
	}
	if state.Version != 1 {
		return nil, fmt.Errorf("unsupported store version %d in %s", state.Version, s.path)
	}

	for name, st := range state.Funcs {
		sp, err := spline.FromState(st)
		if err != nil {
			return nil, fmt.Errorf("function %q in %s: %w", name, s.path, err)
		}
		funcs[name] = sp
	}
	return funcs, nil
}

func (s *Store) write(funcs map[string]*spline.Spline) error {
	state := fileState{
		Version: 1,
		Funcs:   make(map[string]spline.State, len(funcs)),
	}
	for name, sp := range funcs {
		state.Funcs[name] = sp.State()
	}

	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(state); err != nil {
		return fmt.Errorf("encode store: %w", err)
	}

	enc, err := encoder()
	if err != nil {
		return err
	}
	cdata := enc.EncodeAll(buf.Bytes(), nil)

	// temp file + rename: readers only ever see a complete store
	dir := filepath.Dir(s.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("create store dir %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create temp store: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(cdata); err != nil {
		tmp.Close()
		return fmt.Errorf("write store: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("close store: %w", err)
	}
	if err := os.Rename(tmp.Name(), s.path); err != nil {
		return fmt.Errorf("replace store %s: %w", s.path, err)
	}
	return nil
}

var (
	codecMu sync.Mutex
	zstdEnc *zstd.Encoder
	zstdDec *zstd.Decoder
)

func encoder() (*zstd.Encoder, error) {
	codecMu.Lock()
	defer codecMu.Unlock()
	if zstdEnc != nil {
		return zstdEnc, nil
	}
	e, err := zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedBetterCompression))
	if err != nil {
		return nil, fmt.Errorf("create zstd encoder: %w", err)
	}
	zstdEnc = e
	return zstdEnc, nil
}

func decoder() (*zstd.Decoder, error) {
	codecMu.Lock()
	defer codecMu.Unlock()
	if zstdDec != nil {
		return zstdDec, nil
	}
	// 0 concurrency uses GOMAXPROCS
	d, err := zstd.NewReader(nil, zstd.WithDecoderConcurrency(0))
	if err != nil {
		return nil, fmt.Errorf("create zstd decoder: %w", err)
	}
	zstdDec = d
	return zstdDec, nil
}
