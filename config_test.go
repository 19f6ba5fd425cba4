package cache

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestConfig_prepare_invalid(t *testing.T) {
	loader := func(_ context.Context, _ string) (int, error) { return 1, nil }
	weigher := func(_ string, _ int) int64 { return 1 }

	for name, tc := range map[string]struct {
		cfg Config[string, int]
		err error
	}{
		"capacity and weight": {
			cfg: Config[string, int]{EntryCapacity: 10, MaximumWeight: 10, Weigher: weigher},
			err: ErrCapacityMisconfiguration,
		},
		"weight without weigher": {
			cfg: Config[string, int]{MaximumWeight: 10},
			err: ErrCapacityMisconfiguration,
		},
		"weigher without weight": {
			cfg: Config[string, int]{Weigher: weigher},
			err: ErrCapacityMisconfiguration,
		},
		"negative capacity": {
			cfg: Config[string, int]{EntryCapacity: -1},
			err: ErrCapacityMisconfiguration,
		},
		"eternal with expiry": {
			cfg: Config[string, int]{Eternal: true, ExpireAfterWrite: time.Minute},
			err: ErrInvalidConfig,
		},
		"negative duration": {
			cfg: Config[string, int]{LoaderTimeout: -time.Second},
			err: ErrInvalidConfig,
		},
		"two loaders": {
			cfg: Config[string, int]{
				Loader: loader,
				AdvancedLoader: func(_ context.Context, _ string, _ Entry[string, int]) (int, error) {
					return 1, nil
				},
			},
			err: ErrInvalidConfig,
		},
		"refresh without loader": {
			cfg: Config[string, int]{RefreshAhead: true, ExpireAfterWrite: time.Minute},
			err: ErrInvalidConfig,
		},
	} {
		t.Run(name, func(t *testing.T) {
			c, err := New(tc.cfg)
			assert.Nil(t, c)
			assert.ErrorIs(t, err, tc.err)
		})
	}
}

func TestConfig_prepare_defaults(t *testing.T) {
	cfg := Config[string, int]{
		ExpireAfterWrite: time.Minute,
		Loader:           func(_ context.Context, _ string) (int, error) { return 1, nil },
	}

	kind, err := cfg.prepare()
	require.NoError(t, err)

	assert.Equal(t, syncLoader, kind)
	assert.Equal(t, int64(DefaultEntryCapacity), cfg.EntryCapacity)
	assert.Equal(t, 64, cfg.Shards)
	assert.Equal(t, time.Second, cfg.TimerLag)
	assert.Equal(t, 6*time.Second, cfg.RetryInterval)
	assert.Equal(t, time.Minute, cfg.MaxRetryInterval)
	assert.Equal(t, 2*time.Minute, cfg.ResilienceDuration)
	assert.InDelta(t, 0.1, cfg.EvictionSlack, 1e-9)
	assert.True(t, cfg.Equal(1, 1))
	assert.False(t, cfg.Equal(1, 2))

	eternal := Config[string, int]{}

	kind, err = eternal.prepare()
	require.NoError(t, err)

	assert.Equal(t, noLoader, kind)
	assert.True(t, eternal.eternal())
	assert.Equal(t, 30*time.Second, eternal.RetryInterval)
	assert.Equal(t, 5*time.Minute, eternal.MaxRetryInterval)
	assert.Equal(t, 10*time.Minute, eternal.ResilienceDuration)

	short := Config[string, int]{ExpireAfterWrite: time.Second}

	_, err = short.prepare()
	require.NoError(t, err)

	assert.Equal(t, time.Second, short.RetryInterval)
}
