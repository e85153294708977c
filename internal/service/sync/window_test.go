package sync

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/speedelog/prepflow/internal/entity"
	"github.com/speedelog/prepflow/pkg/errorbank"
)

func TestWindow(t *testing.T) {
	cfg := syncConfig()
	now := time.Date(2026, 3, 15, 12, 0, 0, 0, time.UTC)

	t.Run("full looks back the configured window", func(t *testing.T) {
		since, err := window(ModeFull, time.Time{}, now, cfg)
		require.NoError(t, err)
		assert.Equal(t, now.Add(-cfg.FullWindow), since)
	})

	t.Run("incremental looks back a few minutes", func(t *testing.T) {
		since, err := window(ModeIncremental, time.Time{}, now, cfg)
		require.NoError(t, err)
		assert.Equal(t, now.Add(-cfg.IncrementalWindow), since)
	})

	t.Run("custom uses the caller start", func(t *testing.T) {
		start := now.Add(-48 * time.Hour)
		since, err := window(ModeCustom, start, now, cfg)
		require.NoError(t, err)
		assert.Equal(t, start, since)
	})

	t.Run("custom rejects missing start", func(t *testing.T) {
		_, err := window(ModeCustom, time.Time{}, now, cfg)
		require.Error(t, err)
		assert.True(t, errorbank.IsKind(err, errorbank.KindBadRequest))
	})

	t.Run("custom rejects future start", func(t *testing.T) {
		_, err := window(ModeCustom, now.Add(time.Hour), now, cfg)
		require.Error(t, err)
		assert.True(t, errorbank.IsKind(err, errorbank.KindBadRequest))
	})
}

func TestParseMode(t *testing.T) {
	for _, raw := range []string{"full", "incremental", "custom"} {
		mode, err := ParseMode(raw)
		require.NoError(t, err)
		assert.Equal(t, Mode(raw), mode)
	}

	_, err := ParseMode("weekly")
	require.Error(t, err)
	assert.True(t, errorbank.IsKind(err, errorbank.KindBadRequest))
}

func TestModeMatchesPersistedJobType(t *testing.T) {
	// Run.JobType stores the mode verbatim, so the two vocabularies must
	// stay identical.
	assert.Equal(t, entity.JobTypeFull, string(ModeFull))
	assert.Equal(t, entity.JobTypeIncremental, string(ModeIncremental))
	assert.Equal(t, entity.JobTypeCustom, string(ModeCustom))
}
