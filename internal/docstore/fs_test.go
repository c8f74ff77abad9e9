package docstore

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"syscall"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kaigi-ai/gijiroku/internal/model"
)

func newTestStore(t *testing.T) *FSStore {
	t.Helper()
	store, err := NewFSStore(FSConfig{Root: t.TempDir()}, nil)
	require.NoError(t, err)
	return store
}

func TestNewFSStoreRequiresRoot(t *testing.T) {
	_, err := NewFSStore(FSConfig{}, nil)
	require.Error(t, err)
}

func TestPutGetRoundTrip(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	id := model.NewID()

	payload := []byte(`{"round_number":1}`)
	require.NoError(t, store.Put(ctx, id, time.Now(), model.TierRounds, payload))

	got, err := store.Get(ctx, id, model.TierRounds)
	require.NoError(t, err)
	assert.Equal(t, payload, got)
}

func TestPutLaysOutYearMonthPartition(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	id := model.NewID()

	require.NoError(t, store.Put(ctx, id, time.Now(), model.TierMetadata, []byte(`{}`)))

	sec, nsec := id.Time().UnixTime()
	ts := time.Unix(sec, nsec).UTC()
	dest := filepath.Join(store.root,
		fmt.Sprintf("%04d", ts.Year()), fmt.Sprintf("%02d", ts.Month()),
		id.String(), "metadata.json")
	_, err := os.Stat(dest)
	require.NoError(t, err, "tier file should land under <root>/<year>/<month>/<id>/")

	// Atomic write leaves no temp files behind.
	entries, err := os.ReadDir(filepath.Dir(dest))
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestPutOverwritesInPlace(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	id := model.NewID()

	require.NoError(t, store.Put(ctx, id, time.Now(), model.TierSynthesis, []byte(`{"v":1}`)))
	require.NoError(t, store.Put(ctx, id, time.Now(), model.TierSynthesis, []byte(`{"v":2}`)))

	got, err := store.Get(ctx, id, model.TierSynthesis)
	require.NoError(t, err)
	assert.Equal(t, []byte(`{"v":2}`), got)
}

func TestPutRejectsNonTimeOrderedID(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	// A random (version 4) id carries no timestamp, so no partition can be
	// derived from it.
	err := store.Put(ctx, uuid.New(), time.Now(), model.TierMetadata, []byte(`{}`))
	require.Error(t, err)
}

func TestGetMissingTierIsNotFound(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	_, err := store.Get(ctx, model.NewID(), model.TierMetadata)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestGetAll(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	id := model.NewID()

	for _, tier := range model.Tiers {
		payload := []byte(`{"tier":"` + string(tier) + `"}`)
		require.NoError(t, store.Put(ctx, id, time.Now(), tier, payload))
	}

	payloads, err := store.GetAll(ctx, id)
	require.NoError(t, err)
	require.Len(t, payloads, len(model.Tiers))
	for _, tier := range model.Tiers {
		assert.JSONEq(t, `{"tier":"`+string(tier)+`"}`, string(payloads[tier]))
	}
}

func TestGetAllFailsWithoutMetadata(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	id := model.NewID()

	// Rounds present, metadata missing: the record does not exist yet.
	require.NoError(t, store.Put(ctx, id, time.Now(), model.TierRounds, []byte(`[]`)))

	_, err := store.GetAll(ctx, id)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestGetAllFailsOnMissingTier(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	id := model.NewID()

	require.NoError(t, store.Put(ctx, id, time.Now(), model.TierMetadata, []byte(`{}`)))
	require.NoError(t, store.Put(ctx, id, time.Now(), model.TierRounds, []byte(`[]`)))
	require.NoError(t, store.Put(ctx, id, time.Now(), model.TierSynthesis, []byte(`{}`)))

	_, err := store.GetAll(ctx, id)
	require.ErrorIs(t, err, ErrNotFound)
}

func TestExists(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	id := model.NewID()

	ok, err := store.Exists(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)

	// Only the metadata tier marks existence.
	require.NoError(t, store.Put(ctx, id, time.Now(), model.TierRounds, []byte(`[]`)))
	ok, err = store.Exists(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, store.Put(ctx, id, time.Now(), model.TierMetadata, []byte(`{}`)))
	ok, err = store.Exists(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestScanVisitsRecordsInOrder(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)

	var want []uuid.UUID
	for range 5 {
		id := model.NewID()
		require.NoError(t, store.Put(ctx, id, time.Now(), model.TierMetadata, []byte(`{}`)))
		want = append(want, id)
	}
	// The scan walks directory names lexically; within one month partition
	// that is the ids' string order.
	sort.Slice(want, func(i, j int) bool { return want[i].String() < want[j].String() })

	// Records without a metadata tier are invisible to the scan.
	orphan := model.NewID()
	require.NoError(t, store.Put(ctx, orphan, time.Now(), model.TierRounds, []byte(`[]`)))

	var got []uuid.UUID
	require.NoError(t, store.Scan(ctx, func(id uuid.UUID) error {
		got = append(got, id)
		return nil
	}))
	assert.Equal(t, want, got)
}

func TestScanSkipsForeignDirectories(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	id := model.NewID()
	require.NoError(t, store.Put(ctx, id, time.Now(), model.TierMetadata, []byte(`{}`)))

	sec, nsec := id.Time().UnixTime()
	ts := time.Unix(sec, nsec).UTC()
	monthDir := filepath.Join(store.root,
		fmt.Sprintf("%04d", ts.Year()), fmt.Sprintf("%02d", ts.Month()))
	require.NoError(t, os.MkdirAll(filepath.Join(monthDir, "not-a-uuid"), 0o755))

	var visits int
	require.NoError(t, store.Scan(ctx, func(uuid.UUID) error {
		visits++
		return nil
	}))
	assert.Equal(t, 1, visits)
}

func TestScanEmptyRoot(t *testing.T) {
	store := newTestStore(t)
	require.NoError(t, store.Scan(context.Background(), func(uuid.UUID) error {
		t.Fatal("callback should not run on an empty store")
		return nil
	}))
}

func TestIsTransientClassification(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want bool
	}{
		{"nil", nil, false},
		// Rename failures surface as *os.LinkError, not *fs.PathError.
		{"busy rename", &os.LinkError{Op: "rename", Old: "a", New: "b", Err: syscall.EBUSY}, true},
		{"wrapped busy rename", fmt.Errorf("docstore: rename metadata: %w",
			&os.LinkError{Op: "rename", Old: "a", New: "b", Err: syscall.EBUSY}), true},
		{"rename into missing dir", &os.LinkError{Op: "rename", Old: "a", New: "b", Err: syscall.ENOENT}, false},
		{"rename permission", &os.LinkError{Op: "rename", Old: "a", New: "b", Err: syscall.EACCES}, false},
		{"interrupted write", &fs.PathError{Op: "write", Path: "x", Err: syscall.EINTR}, true},
		{"missing path", &fs.PathError{Op: "open", Path: "x", Err: syscall.ENOENT}, false},
		{"path permission", &fs.PathError{Op: "open", Path: "x", Err: syscall.EACCES}, false},
		{"plain error", errors.New("disk on fire"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, isTransient(tt.err))
		})
	}
}

func TestScanPropagatesCallbackError(t *testing.T) {
	ctx := context.Background()
	store := newTestStore(t)
	require.NoError(t, store.Put(ctx, model.NewID(), time.Now(), model.TierMetadata, []byte(`{}`)))

	wantErr := fmt.Errorf("stop here")
	err := store.Scan(ctx, func(uuid.UUID) error { return wantErr })
	require.ErrorIs(t, err, wantErr)
}
