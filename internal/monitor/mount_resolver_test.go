package monitor

import (
	"fmt"
	"strings"
	"testing"

	"github.com/shirou/gopsutil/v3/disk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/chestnet/chestnet-go/internal/conf"
)

// mockPartitions returns a mock partition list for deterministic unit tests
func mockPartitions() []disk.PartitionStat {
	return []disk.PartitionStat{
		{Device: "/dev/sda1", Mountpoint: "/", Fstype: "ext4"},
		{Device: "/dev/sda2", Mountpoint: "/home", Fstype: "ext4"},
		{Device: "/dev/sdb1", Mountpoint: "/mnt/data", Fstype: "ext4"},
	}
}

// resolveMountPointFromPartitions is a test helper that skips the path
// existence check so paths that do not exist on the test host still resolve.
func resolveMountPointFromPartitions(path string, partitions []disk.PartitionStat) (string, error) {
	var bestMatch string
	for _, p := range partitions {
		mountpoint := p.Mountpoint
		if strings.HasPrefix(path, mountpoint) {
			if path == mountpoint || len(mountpoint) == 1 || strings.HasPrefix(path, mountpoint+"/") {
				if len(mountpoint) > len(bestMatch) {
					bestMatch = mountpoint
				}
			}
		}
	}

	if bestMatch == "" {
		return "", fmt.Errorf("no mount point found for path: %s", path)
	}

	return bestMatch, nil
}

// groupDisksMock groups disk thresholds using mock partitions, skipping
// the path existence check.
func groupDisksMock(disks []conf.DiskThreshold, partitions []disk.PartitionStat) []MountGroup {
	groups := make(map[string]*MountGroup)

	for _, d := range disks {
		mount, err := resolveMountPointFromPartitions(d.Path, partitions)
		if err != nil {
			continue
		}

		var device, fstype string
		for _, p := range partitions {
			if p.Mountpoint == mount {
				device = p.Device
				fstype = p.Fstype
				break
			}
		}

		if group, exists := groups[mount]; exists {
			group.Paths = append(group.Paths, d.Path)
			if d.Warning > 0 && d.Warning < group.Warning {
				group.Warning = d.Warning
			}
			if d.Critical > 0 && d.Critical < group.Critical {
				group.Critical = d.Critical
			}
		} else {
			groups[mount] = &MountGroup{
				MountPoint: mount,
				Device:     device,
				Fstype:     fstype,
				Paths:      []string{d.Path},
				Warning:    d.Warning,
				Critical:   d.Critical,
			}
		}
	}

	return sortMountGroups(groups)
}

func TestResolveMountPointFromPartitions(t *testing.T) {
	t.Parallel()

	partitions := mockPartitions()

	tests := []struct {
		name     string
		path     string
		expected string
	}{
		{"root resolves to root", "/", "/"},
		{"home resolves to home", "/home", "/home"},
		{"home subdir resolves to home", "/home/user", "/home"},
		{"var resolves to root", "/var", "/"},
		{"media tree resolves to data mount", "/mnt/data/media", "/mnt/data"},
		{"mnt without data resolves to root", "/mnt", "/"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			mount, err := resolveMountPointFromPartitions(tt.path, partitions)
			require.NoError(t, err)
			assert.Equal(t, tt.expected, mount)
		})
	}
}

func TestGroupDisksByMountPoint(t *testing.T) {
	t.Parallel()

	disks := []conf.DiskThreshold{
		{Path: "/var/lib/chestnet", Enabled: true, Warning: 80, Critical: 90},
		{Path: "/etc/chestnet", Enabled: true, Warning: 75, Critical: 85},
		{Path: "/mnt/data/media", Enabled: true, Warning: 80, Critical: 90},
	}

	groups := groupDisksMock(disks, mockPartitions())
	require.Len(t, groups, 2)

	// Sorted by mount point: "/" then "/mnt/data"
	root := groups[0]
	assert.Equal(t, "/", root.MountPoint)
	assert.Equal(t, []string{"/etc/chestnet", "/var/lib/chestnet"}, root.Paths)

	// The strictest thresholds among grouped paths win
	assert.InDelta(t, 75.0, root.Warning, 0.01)
	assert.InDelta(t, 85.0, root.Critical, 0.01)

	data := groups[1]
	assert.Equal(t, "/mnt/data", data.MountPoint)
	assert.Equal(t, []string{"/mnt/data/media"}, data.Paths)
}

func TestGroupDisksSkipsUnresolvablePaths(t *testing.T) {
	t.Parallel()

	disks := []conf.DiskThreshold{
		{Path: "relative/path", Enabled: true, Warning: 80, Critical: 90},
		{Path: "/", Enabled: true, Warning: 80, Critical: 90},
	}

	groups := groupDisksMock(disks, mockPartitions())
	require.Len(t, groups, 1)
	assert.Equal(t, "/", groups[0].MountPoint)
}
