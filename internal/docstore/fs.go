package docstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"math/rand/v2"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/kaigi-ai/gijiroku/internal/model"
)

const (
	defaultMaxRetries = 3
	defaultRetryDelay = 25 * time.Millisecond
)

// FSConfig holds configuration for the filesystem store.
type FSConfig struct {
	Root           string        // Partition root directory. Required.
	MaxRetries     int           // Retries for transient write failures. Default: 3.
	RetryBaseDelay time.Duration // Initial backoff between retries. Default: 25ms.
}

// FSStore stores each record under <root>/<year>/<month>/<id>/<tier>.json.
// The year/month partition comes from the timestamp embedded in the
// version-7 record id, so any tier is locatable without a directory scan.
type FSStore struct {
	root       string
	maxRetries int
	retryDelay time.Duration
	logger     *slog.Logger
}

// NewFSStore creates the root directory if needed and returns a store.
func NewFSStore(cfg FSConfig, logger *slog.Logger) (*FSStore, error) {
	if cfg.Root == "" {
		return nil, fmt.Errorf("docstore: root directory must be set")
	}
	if err := os.MkdirAll(cfg.Root, 0o755); err != nil {
		return nil, fmt.Errorf("docstore: create root: %w", err)
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = defaultMaxRetries
	}
	if cfg.RetryBaseDelay <= 0 {
		cfg.RetryBaseDelay = defaultRetryDelay
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &FSStore{
		root:       cfg.Root,
		maxRetries: cfg.MaxRetries,
		retryDelay: cfg.RetryBaseDelay,
		logger:     logger,
	}, nil
}

// partitionDir derives the record's partition from its id. Only version-7
// (time-ordered) ids are accepted; anything else cannot be located without
// a scan.
func (s *FSStore) partitionDir(id uuid.UUID) (string, error) {
	if id.Version() != 7 {
		return "", fmt.Errorf("docstore: id %s is not a time-ordered uuid (version %d)", id, id.Version())
	}
	sec, nsec := id.Time().UnixTime()
	t := time.Unix(sec, nsec).UTC()
	return filepath.Join(s.root, fmt.Sprintf("%04d", t.Year()), fmt.Sprintf("%02d", t.Month()), id.String()), nil
}

func tierFile(tier model.Tier) string { return string(tier) + ".json" }

// Put writes one tier atomically: the payload lands in a temp file in the
// destination directory and is renamed into place. Transient failures are
// retried a bounded number of times with jittered backoff before surfacing.
func (s *FSStore) Put(ctx context.Context, id uuid.UUID, ts time.Time, tier model.Tier, payload []byte) error {
	dir, err := s.partitionDir(id)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("docstore: create partition: %w", err)
	}
	dest := filepath.Join(dir, tierFile(tier))
	return s.withRetry(ctx, func() error {
		tmp, err := os.CreateTemp(dir, "."+string(tier)+".tmp-*")
		if err != nil {
			return fmt.Errorf("docstore: create temp: %w", err)
		}
		tmpName := tmp.Name()
		if _, err := tmp.Write(payload); err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
			return fmt.Errorf("docstore: write temp: %w", err)
		}
		if err := tmp.Sync(); err != nil {
			_ = tmp.Close()
			_ = os.Remove(tmpName)
			return fmt.Errorf("docstore: sync temp: %w", err)
		}
		if err := tmp.Close(); err != nil {
			_ = os.Remove(tmpName)
			return fmt.Errorf("docstore: close temp: %w", err)
		}
		if err := os.Rename(tmpName, dest); err != nil {
			_ = os.Remove(tmpName)
			return fmt.Errorf("docstore: rename %s: %w", tier, err)
		}
		return nil
	})
}

// Get reads one tier's payload.
func (s *FSStore) Get(ctx context.Context, id uuid.UUID, tier model.Tier) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	dir, err := s.partitionDir(id)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(filepath.Join(dir, tierFile(tier)))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("docstore: %s/%s: %w", id, tier, ErrNotFound)
		}
		return nil, fmt.Errorf("docstore: read %s/%s: %w", id, tier, err)
	}
	return data, nil
}

// GetAll reads all four tiers concurrently. Metadata is the authoritative
// existence marker: if it is missing the whole read fails with ErrNotFound.
// Any other missing or unreadable tier also fails the read — downstream
// analysis assumes a complete record, never a partially hydrated one.
func (s *FSStore) GetAll(ctx context.Context, id uuid.UUID) (map[model.Tier][]byte, error) {
	ok, err := s.Exists(ctx, id)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, fmt.Errorf("docstore: %s/%s: %w", id, model.TierMetadata, ErrNotFound)
	}

	g, gctx := errgroup.WithContext(ctx)
	payloads := make([][]byte, len(model.Tiers))
	for i, tier := range model.Tiers {
		g.Go(func() error {
			data, err := s.Get(gctx, id, tier)
			if err != nil {
				return err
			}
			payloads[i] = data
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}

	out := make(map[model.Tier][]byte, len(model.Tiers))
	for i, tier := range model.Tiers {
		out[tier] = payloads[i]
	}
	return out, nil
}

// Exists reports whether the metadata tier is present.
func (s *FSStore) Exists(ctx context.Context, id uuid.UUID) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	dir, err := s.partitionDir(id)
	if err != nil {
		return false, err
	}
	if _, err := os.Stat(filepath.Join(dir, tierFile(model.TierMetadata))); err != nil {
		if os.IsNotExist(err) {
			return false, nil
		}
		return false, fmt.Errorf("docstore: stat metadata: %w", err)
	}
	return true, nil
}

// Scan walks every partition in lexical (chronological) order and calls fn
// for each record directory that has a metadata tier. Unparseable directory
// names are logged and skipped; fn errors abort the scan.
func (s *FSStore) Scan(ctx context.Context, fn func(id uuid.UUID) error) error {
	years, err := sortedSubdirs(s.root)
	if err != nil {
		return fmt.Errorf("docstore: scan root: %w", err)
	}
	for _, year := range years {
		months, err := sortedSubdirs(filepath.Join(s.root, year))
		if err != nil {
			return fmt.Errorf("docstore: scan %s: %w", year, err)
		}
		for _, month := range months {
			dir := filepath.Join(s.root, year, month)
			entries, err := sortedSubdirs(dir)
			if err != nil {
				return fmt.Errorf("docstore: scan %s/%s: %w", year, month, err)
			}
			for _, name := range entries {
				if err := ctx.Err(); err != nil {
					return err
				}
				id, err := uuid.Parse(name)
				if err != nil {
					s.logger.Warn("docstore: skipping non-record directory", "dir", filepath.Join(dir, name))
					continue
				}
				if _, err := os.Stat(filepath.Join(dir, name, tierFile(model.TierMetadata))); err != nil {
					s.logger.Warn("docstore: skipping record directory without metadata", "id", id)
					continue
				}
				if err := fn(id); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func sortedSubdirs(dir string) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	var names []string
	for _, e := range entries {
		if e.IsDir() && !strings.HasPrefix(e.Name(), ".") {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)
	return names, nil
}

// withRetry runs fn, retrying transient failures up to maxRetries times with
// jittered exponential backoff.
func (s *FSStore) withRetry(ctx context.Context, fn func() error) error {
	delay := s.retryDelay
	var err error
	for attempt := range s.maxRetries + 1 {
		err = fn()
		if err == nil || !isTransient(err) {
			return err
		}
		if attempt == s.maxRetries {
			break
		}
		s.logger.Warn("docstore: transient write failure, retrying", "attempt", attempt+1, "error", err)
		jitter := time.Duration(rand.Int64N(int64(delay))) //nolint:gosec // jitter doesn't need crypto-strength randomness
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay + jitter):
		}
		delay *= 2
	}
	return err
}

// isTransient reports whether an error is worth retrying. Missing directories
// and permission failures are permanent; anything else from the OS layer
// (interrupted syscalls, busy files) gets another attempt. Rename failures
// surface as *os.LinkError, not *fs.PathError, so both wrappers are matched.
func isTransient(err error) bool {
	if err == nil {
		return false
	}
	var pathErr *fs.PathError
	var linkErr *os.LinkError
	if errors.As(err, &pathErr) || errors.As(err, &linkErr) {
		return !os.IsNotExist(err) && !os.IsPermission(err)
	}
	return false
}
