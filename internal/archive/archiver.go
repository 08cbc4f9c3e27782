// Package archive takes point-in-time snapshots of the knowledge store.
package archive

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/knowledgepitt/server/internal/config"
)

const (
	filePrefix = "knowledge_"
	fileSuffix = ".db"
	timeLayout = "2006_01_02_150405"
)

var ErrArchiveNotFound = errors.New("archive not found")

type ArchiveFile struct {
	Filename  string    `json:"filename"`
	Size      int64     `json:"size"`
	CreatedAt time.Time `json:"created_at"`
}

// Archiver writes consistent copies of the SQLite database with VACUUM INTO
// and prunes old copies beyond the configured retention.
type Archiver struct {
	db       *sql.DB
	dir      string
	interval time.Duration
	keep     int
	logger   *slog.Logger

	mu       sync.Mutex
	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
	now      func() time.Time
}

func NewArchiver(db *sql.DB, cfg config.ArchiveConfig, logger *slog.Logger) (*Archiver, error) {
	if cfg.Dir == "" {
		cfg.Dir = "./data/archives"
	}
	if logger == nil {
		logger = slog.Default()
	}

	if err := os.MkdirAll(cfg.Dir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create archive directory: %w", err)
	}

	return &Archiver{
		db:       db,
		dir:      cfg.Dir,
		interval: cfg.Interval,
		keep:     cfg.Keep,
		logger:   logger.With("component", "archive"),
		stopCh:   make(chan struct{}),
		now:      time.Now,
	}, nil
}

// Start runs RunArchive every interval. It is a no-op when the interval is 0.
func (a *Archiver) Start() {
	if a.interval <= 0 {
		return
	}
	a.wg.Add(1)
	go a.run()
}

func (a *Archiver) Stop() {
	a.stopOnce.Do(func() { close(a.stopCh) })
	a.wg.Wait()
}

func (a *Archiver) run() {
	defer a.wg.Done()

	ticker := time.NewTicker(a.interval)
	defer ticker.Stop()

	for {
		select {
		case <-a.stopCh:
			return
		case <-ticker.C:
			file, err := a.RunArchive(context.Background())
			if err != nil {
				a.logger.Error("scheduled archive failed", "err", err)
				continue
			}
			a.logger.Info("knowledge store archived", "file", file.Filename, "size", file.Size)
		}
	}
}

// RunArchive snapshots the database into a new file and applies retention.
func (a *Archiver) RunArchive(ctx context.Context) (*ArchiveFile, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	name := filePrefix + a.now().UTC().Format(timeLayout) + fileSuffix
	path := filepath.Join(a.dir, name)

	if _, err := os.Stat(path); err == nil {
		return nil, fmt.Errorf("archive %s already exists", name)
	}

	if _, err := a.db.ExecContext(ctx, "VACUUM INTO ?", path); err != nil {
		os.Remove(path)
		return nil, fmt.Errorf("failed to snapshot database: %w", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		return nil, fmt.Errorf("failed to stat archive: %w", err)
	}

	if err := a.prune(); err != nil {
		a.logger.Warn("failed to prune old archives", "err", err)
	}

	return &ArchiveFile{Filename: name, Size: info.Size(), CreatedAt: info.ModTime()}, nil
}

// prune removes the oldest snapshots beyond keep. Caller holds mu.
func (a *Archiver) prune() error {
	if a.keep <= 0 {
		return nil
	}

	archives, err := a.list()
	if err != nil {
		return err
	}

	for _, old := range archives[min(a.keep, len(archives)):] {
		if err := os.Remove(filepath.Join(a.dir, old.Filename)); err != nil {
			return fmt.Errorf("failed to remove %s: %w", old.Filename, err)
		}
		a.logger.Debug("pruned archive", "file", old.Filename)
	}
	return nil
}

// ListArchives returns snapshots newest first.
func (a *Archiver) ListArchives() ([]*ArchiveFile, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.list()
}

func (a *Archiver) list() ([]*ArchiveFile, error) {
	entries, err := os.ReadDir(a.dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read archive directory: %w", err)
	}

	archives := []*ArchiveFile{}
	for _, entry := range entries {
		if entry.IsDir() || !isArchiveName(entry.Name()) {
			continue
		}
		info, err := entry.Info()
		if err != nil {
			continue
		}
		archives = append(archives, &ArchiveFile{
			Filename:  entry.Name(),
			Size:      info.Size(),
			CreatedAt: info.ModTime(),
		})
	}

	// names embed the UTC timestamp, so lexical order is chronological
	sort.Slice(archives, func(i, j int) bool {
		return archives[i].Filename > archives[j].Filename
	})
	return archives, nil
}

// Path resolves filename inside the archive directory. Names that are not
// snapshots written by RunArchive are rejected.
func (a *Archiver) Path(filename string) (string, error) {
	if !isArchiveName(filename) || filepath.Base(filename) != filename {
		return "", ErrArchiveNotFound
	}

	path := filepath.Join(a.dir, filename)
	if _, err := os.Stat(path); err != nil {
		if os.IsNotExist(err) {
			return "", ErrArchiveNotFound
		}
		return "", fmt.Errorf("failed to stat archive: %w", err)
	}
	return path, nil
}

func (a *Archiver) DeleteArchive(filename string) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	path, err := a.Path(filename)
	if err != nil {
		return err
	}

	if err := os.Remove(path); err != nil {
		return fmt.Errorf("failed to delete archive: %w", err)
	}
	return nil
}

func (a *Archiver) Dir() string {
	return a.dir
}

func isArchiveName(name string) bool {
	return strings.HasPrefix(name, filePrefix) && strings.HasSuffix(name, fileSuffix)
}
