package settings

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hypernetix/fullmoon-go/pkg/progress"
)

func openStore(t *testing.T) *Store {
	t.Helper()
	s, err := OpenInMemory()
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	return s
}

func TestResumeRecordLifecycle(t *testing.T) {
	s := openStore(t)

	_, ok, err := s.LoadResume()
	require.NoError(t, err)
	assert.False(t, ok)

	rec := progress.ResumeRecord{
		ModelID:      "mlx-community/Qwen3-4B-4bit",
		LastFraction: 0.85,
		Reason:       "model load suspended while in background",
		RecordedAt:   time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, s.SaveResume(rec))

	got, ok, err := s.LoadResume()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, rec.ModelID, got.ModelID)
	assert.InDelta(t, 0.85, got.LastFraction, 1e-9)
	assert.True(t, rec.RecordedAt.Equal(got.RecordedAt))

	require.NoError(t, s.ClearResume())
	_, ok, err = s.LoadResume()
	require.NoError(t, err)
	assert.False(t, ok)
	require.NoError(t, s.ClearResume())
}

func TestSelectedModel(t *testing.T) {
	s := openStore(t)
	id, err := s.SelectedModel()
	require.NoError(t, err)
	assert.Empty(t, id)

	require.NoError(t, s.SetSelectedModel("mlx-community/Llama-3.2-3B-Instruct-4bit"))
	id, err = s.SelectedModel()
	require.NoError(t, err)
	assert.Equal(t, "mlx-community/Llama-3.2-3B-Instruct-4bit", id)
}

func TestInstalledModelsAreDeduplicated(t *testing.T) {
	s := openStore(t)
	for _, id := range []string{"a", "b", "a"} {
		require.NoError(t, s.AddInstalledModel(id))
	}
	ids, err := s.InstalledModels()
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b"}, ids)
}

func TestPersistsAcrossReopen(t *testing.T) {
	dir := t.TempDir()
	s, err := Open(Options{Dir: dir})
	require.NoError(t, err)
	require.NoError(t, s.SetSelectedModel("m1"))
	require.NoError(t, s.Close())

	s, err = Open(Options{Dir: dir})
	require.NoError(t, err)
	defer s.Close()
	id, err := s.SelectedModel()
	require.NoError(t, err)
	assert.Equal(t, "m1", id)
}

func TestOpenRequiresDir(t *testing.T) {
	_, err := Open(Options{})
	assert.Error(t, err)
}

// The tracker persists failures through the store.
func TestTrackerWritesResumeRecord(t *testing.T) {
	s := openStore(t)
	tr := progress.NewTracker(nil, s, nil)
	tr.Begin("m", "m")
	tr.Update(0.4)
	tr.Fail("m", assert.AnError)

	rec, ok, err := s.LoadResume()
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "m", rec.ModelID)
	assert.InDelta(t, 0.4, rec.LastFraction, 1e-9)
}
