package receipts

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"

	"github.com/mbd888/riskscore/internal/logging"
)

// FileStore keeps one pretty-printed JSON file per receipt in a directory.
type FileStore struct {
	dir    string
	logger *slog.Logger
}

// NewFileStore creates dir if needed.
func NewFileStore(dir string, logger *slog.Logger) (*FileStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("receipts: create %s: %w", dir, err)
	}
	return &FileStore{dir: dir, logger: logging.OrDiscard(logger)}, nil
}

// Dir is the receipts directory.
func (f *FileStore) Dir() string { return f.dir }

func (f *FileStore) path(id string) string {
	return filepath.Join(f.dir, id+".json")
}

func (f *FileStore) Create(_ context.Context, r *Receipt) error {
	if !ValidID(r.ID) {
		return ErrInvalidID
	}
	data, err := json.MarshalIndent(r, "", "  ")
	if err != nil {
		return fmt.Errorf("receipts: encode: %w", err)
	}

	file, err := os.OpenFile(f.path(r.ID), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if errors.Is(err, fs.ErrExist) {
		return ErrReceiptExists
	}
	if err != nil {
		return fmt.Errorf("receipts: create: %w", err)
	}
	if _, err := file.Write(data); err != nil {
		_ = file.Close()
		_ = os.Remove(f.path(r.ID))
		return fmt.Errorf("receipts: write: %w", err)
	}
	return file.Close()
}

func (f *FileStore) Get(_ context.Context, id string) (*Receipt, error) {
	if !ValidID(id) {
		return nil, ErrInvalidID
	}
	return f.read(f.path(id))
}

func (f *FileStore) read(path string) (*Receipt, error) {
	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, ErrReceiptNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("receipts: read: %w", err)
	}
	var r Receipt
	if err := json.Unmarshal(data, &r); err != nil {
		return nil, fmt.Errorf("receipts: decode %s: %w", filepath.Base(path), err)
	}
	return &r, nil
}

func (f *FileStore) List(ctx context.Context, limit int) ([]*Receipt, error) {
	return f.list(ctx, func(*Receipt) bool { return true }, limit)
}

func (f *FileStore) ListByKey(ctx context.Context, key string, limit int) ([]*Receipt, error) {
	return f.list(ctx, func(r *Receipt) bool { return r.Key == key }, limit)
}

type fileEntry struct {
	name string
	ts   int64
}

// list walks files newest first by the timestamp embedded in their names,
// decoding only until limit matches are found.
func (f *FileStore) list(ctx context.Context, keep func(*Receipt) bool, limit int) ([]*Receipt, error) {
	entries, err := os.ReadDir(f.dir)
	if err != nil {
		return nil, fmt.Errorf("receipts: list: %w", err)
	}

	var files []fileEntry
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		files = append(files, fileEntry{name: e.Name(), ts: timestampOf(strings.TrimSuffix(e.Name(), ".json"))})
	}
	sortFiles(files)

	var out []*Receipt
	for _, fe := range files {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		r, err := f.read(filepath.Join(f.dir, fe.name))
		if err != nil {
			f.logger.Warn("skipping unreadable receipt", "file", fe.name, "error", err)
			continue
		}
		if !keep(r) {
			continue
		}
		out = append(out, r)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out, nil
}

// timestampOf extracts ts from <id>-<ts> or <id>-<ts>-<n>.
func timestampOf(id string) int64 {
	parts := strings.Split(id, "-")
	for i := len(parts) - 1; i >= 0; i-- {
		if ts, err := strconv.ParseInt(parts[i], 10, 64); err == nil && ts > 1_000_000_000 {
			return ts
		}
	}
	return 0
}

func sortFiles(files []fileEntry) {
	sort.Slice(files, func(i, j int) bool {
		if files[i].ts != files[j].ts {
			return files[i].ts > files[j].ts
		}
		return files[i].name > files[j].name
	})
}

var _ Store = (*FileStore)(nil)
