package store

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/klauspost/compress/zstd"
)

// snapshotMagic prefixes every snapshot file, followed by one version byte.
var snapshotMagic = []byte("PRUL")

const snapshotVersion byte = 1

// FileStoreConfig configures the file-backed rule store.
type FileStoreConfig struct {
	Path string
}

// FileStore serves rules from memory and writes a zstd-compressed JSON
// snapshot of the whole set after every change. Suited to small rule sets
// on a single host.
type FileStore struct {
	path string
	mem  *MemoryStore

	mu      sync.Mutex // serializes mutations and snapshot writes
	encoder *zstd.Encoder
}

// NewFileStore loads the snapshot at cfg.Path, if any, and returns the store.
func NewFileStore(cfg FileStoreConfig) (*FileStore, error) {
	path := strings.TrimSpace(cfg.Path)
	if path == "" {
		return nil, errors.New("rule store file path is required")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("rule file store create dir: %w", err)
	}
	enc, err := zstd.NewWriter(nil)
	if err != nil {
		return nil, fmt.Errorf("rule file store init encoder: %w", err)
	}

	s := &FileStore{path: path, mem: NewMemoryStore(), encoder: enc}
	rules, err := readSnapshot(path)
	if err != nil {
		_ = enc.Close()
		return nil, err
	}
	for _, rule := range rules {
		if err := s.mem.insertLocked(rule); err != nil {
			_ = enc.Close()
			return nil, fmt.Errorf("rule file store load %s: duplicate rule %q", path, rule.ID)
		}
	}
	return s, nil
}

// Put stores a new rule and persists the snapshot. The rule is rolled back
// when the snapshot cannot be written.
func (s *FileStore) Put(ctx context.Context, name, text string, ast []byte) (Rule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rule, err := s.mem.Put(ctx, name, text, ast)
	if err != nil {
		return Rule{}, err
	}
	if err := s.flushLocked(); err != nil {
		_ = s.mem.Delete(context.Background(), rule.ID)
		return Rule{}, wrapErr(DriverFile, "put", err)
	}
	return rule, nil
}

// Get returns one rule by ID or name.
func (s *FileStore) Get(ctx context.Context, idOrName string) (Rule, error) {
	return s.mem.Get(ctx, idOrName)
}

// Delete removes one rule by ID and persists the snapshot.
func (s *FileStore) Delete(ctx context.Context, id string) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	s.mem.mu.Lock()
	removed, at, err := s.mem.removeLocked(strings.TrimSpace(id))
	s.mem.mu.Unlock()
	if err != nil {
		return err
	}
	if err := s.flushLocked(); err != nil {
		s.mem.mu.Lock()
		s.mem.restoreLocked(removed, at)
		s.mem.mu.Unlock()
		return wrapErr(DriverFile, "delete", err)
	}
	return nil
}

// List returns all rules in insertion order.
func (s *FileStore) List(ctx context.Context) ([]RuleSummary, error) {
	return s.mem.List(ctx)
}

// Close releases the encoder. Every change is already on disk.
func (s *FileStore) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.encoder.Close()
}

// flushLocked writes the snapshot to a temp file and renames it over the
// target so readers never observe a partial file.
func (s *FileStore) flushLocked() error {
	payload, err := marshalJSON(s.mem.snapshot())
	if err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}

	var buf bytes.Buffer
	buf.Write(snapshotMagic)
	buf.WriteByte(snapshotVersion)
	buf.Write(s.encoder.EncodeAll(payload, nil))

	tmp, err := os.CreateTemp(filepath.Dir(s.path), filepath.Base(s.path)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create snapshot: %w", err)
	}
	tmpName := tmp.Name()
	if _, err := tmp.Write(buf.Bytes()); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write snapshot: %w", err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close snapshot: %w", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replace snapshot: %w", err)
	}
	return nil
}

func readSnapshot(path string) ([]Rule, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("rule file store read %s: %w", path, err)
	}
	if len(data) == 0 {
		return nil, nil
	}

	header := len(snapshotMagic) + 1
	if len(data) < header || !bytes.Equal(data[:len(snapshotMagic)], snapshotMagic) {
		return nil, fmt.Errorf("rule file store read %s: not a rule snapshot", path)
	}
	if v := data[len(snapshotMagic)]; v != snapshotVersion {
		return nil, fmt.Errorf("rule file store read %s: unsupported snapshot version %d", path, v)
	}

	dec, err := zstd.NewReader(nil)
	if err != nil {
		return nil, fmt.Errorf("rule file store init decoder: %w", err)
	}
	defer dec.Close()
	payload, err := dec.DecodeAll(data[header:], nil)
	if err != nil {
		return nil, fmt.Errorf("rule file store decompress %s: %w", path, err)
	}

	var rules []Rule
	if err := json.Unmarshal(payload, &rules); err != nil {
		return nil, fmt.Errorf("rule file store decode %s: %w", path, err)
	}
	return rules, nil
}
