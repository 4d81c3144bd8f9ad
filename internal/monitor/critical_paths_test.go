package monitor

import (
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chestnet/chestnet-go/internal/conf"
)

func TestGetCriticalPaths(t *testing.T) {
	tests := []struct {
		name         string
		setupConfig  func() *conf.Settings
		wantContains []string
		minPaths     int
	}{
		{
			name: "SQLite enabled with absolute path",
			setupConfig: func() *conf.Settings {
				s := &conf.Settings{}
				s.Output.SQLite.Enabled = true
				s.Output.SQLite.Path = "/var/lib/chestnet/chestnet.db"
				return s
			},
			wantContains: []string{"/", "/var/lib/chestnet"},
			minPaths:     2,
		},
		{
			name: "SQLite enabled with relative path",
			setupConfig: func() *conf.Settings {
				s := &conf.Settings{}
				s.Output.SQLite.Enabled = true
				s.Output.SQLite.Path = "chestnet.db"
				return s
			},
			wantContains: []string{"/"},
			minPaths:     2, // root plus current directory
		},
		{
			name: "media base path included",
			setupConfig: func() *conf.Settings {
				s := &conf.Settings{}
				s.Media.BasePath = "/srv/chestnet/media"
				return s
			},
			wantContains: []string{"/", "/srv/chestnet/media"},
			minPaths:     2,
		},
		{
			name: "database and media under the same parent deduplicate",
			setupConfig: func() *conf.Settings {
				s := &conf.Settings{}
				s.Output.SQLite.Enabled = true
				s.Output.SQLite.Path = "/data/chestnet.db"
				s.Media.BasePath = "/data"
				return s
			},
			wantContains: []string{"/", "/data"},
			minPaths:     2,
		},
		{
			name: "nothing configured still monitors root",
			setupConfig: func() *conf.Settings {
				return &conf.Settings{}
			},
			wantContains: []string{"/"},
			minPaths:     1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			paths := GetCriticalPaths(tt.setupConfig())
			require.GreaterOrEqual(t, len(paths), tt.minPaths)

			for _, want := range tt.wantContains {
				assert.Contains(t, paths, want)
			}

			// All returned paths are absolute and unique
			seen := make(map[string]bool)
			for _, p := range paths {
				assert.True(t, filepath.IsAbs(p), "path %q should be absolute", p)
				assert.False(t, seen[p], "path %q appears twice", p)
				seen[p] = true
			}
		})
	}
}

func TestDeduplicatePaths(t *testing.T) {
	t.Parallel()

	paths := []string{"/data", "/data/", "/data/../data", "", ".", "/other"}
	unique := deduplicatePaths(paths)

	assert.Equal(t, []string{"/data", "/other"}, unique)
}

func TestMergeDiskThresholds(t *testing.T) {
	t.Parallel()

	configured := []conf.DiskThreshold{
		{Path: "/data", Enabled: true, Warning: 70, Critical: 85},
	}
	critical := []string{"/", "/data"}

	merged := mergeDiskThresholds(configured, critical)
	require.Len(t, merged, 2)

	// Configured entry kept as-is
	assert.Equal(t, "/data", merged[0].Path)
	assert.InDelta(t, 70.0, merged[0].Warning, 0.01)

	// Auto-detected entry gets default thresholds
	assert.Equal(t, "/", merged[1].Path)
	assert.True(t, merged[1].Enabled)
	assert.InDelta(t, autoDetectWarning, merged[1].Warning, 0.01)
	assert.InDelta(t, autoDetectCritical, merged[1].Critical, 0.01)
}
