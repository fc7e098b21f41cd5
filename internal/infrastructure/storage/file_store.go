package storage

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/vitos/ltp_strategy_bot/internal/domain"
)

// FileStore keeps one JSON state file per run slot and one JSONL result file
// per (run mode, strategy, symbol) under a base directory:
//
//	<dir>/state/<strategy>_<symbol>.json
//	<dir>/results/<mode>/<symbol>_<strategy>.jsonl
type FileStore struct {
	dir string
	mu  sync.Mutex
}

func NewFileStore(dir string) (*FileStore, error) {
	for _, sub := range []string{"state", "results"} {
		if err := os.MkdirAll(filepath.Join(dir, sub), 0o755); err != nil {
			return nil, fmt.Errorf("failed to create %s dir: %w", sub, err)
		}
	}
	return &FileStore{dir: dir}, nil
}

func (fs *FileStore) StatePath(key string) string {
	return filepath.Join(fs.dir, "state", key+".json")
}

func (fs *FileStore) ResultsPath(mode domain.RunMode, strategyName, symbol string) string {
	return filepath.Join(fs.dir, "results", strings.ToLower(string(mode)), symbol+"_"+strategyName+".jsonl")
}

func (fs *FileStore) LoadState(ctx context.Context, key string) (*domain.PersistedState, error) {
	data, err := os.ReadFile(fs.StatePath(key))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("failed to read state %s: %w", key, err)
	}

	var p domain.PersistedState
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("failed to unmarshal state %s: %w", key, err)
	}
	return &p, nil
}

// SaveState replaces the state file atomically so a crash never leaves a
// half-written document behind.
func (fs *FileStore) SaveState(ctx context.Context, state *domain.PersistedState) error {
	data, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal state: %w", err)
	}

	path := fs.StatePath(state.Identity.StateKey())
	tmp, err := os.CreateTemp(filepath.Dir(path), ".state-*.tmp")
	if err != nil {
		return fmt.Errorf("failed to create temp state file: %w", err)
	}
	defer os.Remove(tmp.Name())

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to write state: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("failed to sync state: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("failed to close state file: %w", err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		return fmt.Errorf("failed to replace state file: %w", err)
	}
	return nil
}

// AppendRecords writes the batch to its run's result file with a single
// write. A batch must belong to one run; mixed batches are rejected whole.
func (fs *FileStore) AppendRecords(ctx context.Context, records []domain.LogRecord) error {
	if len(records) == 0 {
		return nil
	}
	path := fs.ResultsPath(records[0].RunMode, records[0].StrategyName, records[0].Symbol)

	var buf bytes.Buffer
	for _, r := range records {
		if p := fs.ResultsPath(r.RunMode, r.StrategyName, r.Symbol); p != path {
			return fmt.Errorf("batch spans %s and %s", path, p)
		}
		line, err := json.Marshal(r)
		if err != nil {
			return fmt.Errorf("failed to marshal record: %w", err)
		}
		buf.Write(line)
		buf.WriteByte('\n')
	}

	fs.mu.Lock()
	defer fs.mu.Unlock()
	return appendFile(path, buf.Bytes())
}

func appendFile(path string, data []byte) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("failed to create results dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("failed to open %s: %w", path, err)
	}
	if _, err := f.Write(data); err != nil {
		f.Close()
		return fmt.Errorf("failed to append to %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("failed to sync %s: %w", path, err)
	}
	return f.Close()
}

// ReadRecords parses a JSONL result log. Blank lines are skipped.
func ReadRecords(r io.Reader) ([]domain.LogRecord, error) {
	var records []domain.LogRecord
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)

	line := 0
	for scanner.Scan() {
		line++
		text := bytes.TrimSpace(scanner.Bytes())
		if len(text) == 0 {
			continue
		}
		var rec domain.LogRecord
		if err := json.Unmarshal(text, &rec); err != nil {
			return nil, fmt.Errorf("line %d: failed to unmarshal record: %w", line, err)
		}
		records = append(records, rec)
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("failed to read records: %w", err)
	}
	return records, nil
}

func ReadRecordsFile(path string) ([]domain.LogRecord, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	defer f.Close()
	return ReadRecords(f)
}

// ListRecords returns the last limit records of a run, oldest first. A run
// that has not logged yet has no records.
func (fs *FileStore) ListRecords(ctx context.Context, id domain.RunIdentity, limit int) ([]domain.LogRecord, error) {
	fs.mu.Lock()
	defer fs.mu.Unlock()

	records, err := ReadRecordsFile(fs.ResultsPath(id.RunMode, id.StrategyName, id.Symbol))
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, err
	}
	if limit > 0 && len(records) > limit {
		records = records[len(records)-limit:]
	}
	return records, nil
}
