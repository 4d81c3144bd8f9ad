package monitor

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"sort"
	"strings"

	"github.com/shirou/gopsutil/v3/disk"

	"github.com/chestnet/chestnet-go/internal/conf"
)

// MountGroup represents a group of monitored paths sharing the same mount
// point. Warning and Critical carry the strictest thresholds among the
// grouped paths.
type MountGroup struct {
	MountPoint string   // The actual mount point (e.g., "/")
	Device     string   // The device (e.g., "/dev/sda1")
	Fstype     string   // Filesystem type (e.g., "ext4")
	Paths      []string // All monitored paths on this mount
	Warning    float64
	Critical   float64
}

// getMountInfoFromPartitions returns mount point, device, and fstype for a path.
// Uses the provided partitions list to avoid repeated syscalls.
func getMountInfoFromPartitions(path string, partitions []disk.PartitionStat) (mountPoint, device, fstype string, err error) {
	// Resolve symlinks first, mount detection follows the real path
	resolvedPath, err := filepath.EvalSymlinks(path)
	if err != nil {
		if _, statErr := os.Stat(path); statErr != nil {
			return "", "", "", fmt.Errorf("path does not exist: %s: %w", path, err)
		}
		resolvedPath = path
	}

	var bestMatch disk.PartitionStat
	var bestLen int

	for _, p := range partitions {
		mp := p.Mountpoint
		if strings.HasPrefix(resolvedPath, mp) {
			if resolvedPath == mp || len(mp) == 1 || strings.HasPrefix(resolvedPath, mp+"/") {
				if len(mp) > bestLen {
					bestMatch = p
					bestLen = len(mp)
				}
			}
		}
	}

	if bestLen == 0 {
		return "", "", "", fmt.Errorf("no mount point found for path: %s", path)
	}

	return bestMatch.Mountpoint, bestMatch.Device, bestMatch.Fstype, nil
}

// groupDisksByMountPoint groups configured disk thresholds by their
// underlying mount point so a filesystem shared by several monitored
// directories alerts only once.
func groupDisksByMountPoint(disks []conf.DiskThreshold) ([]MountGroup, error) {
	partitions, err := disk.Partitions(false)
	if err != nil {
		return nil, fmt.Errorf("failed to get partitions: %w", err)
	}

	return groupDisksWithPartitions(disks, partitions), nil
}

// groupDisksWithPartitions groups disk thresholds using the provided
// partition list. Invalid paths are skipped.
func groupDisksWithPartitions(disks []conf.DiskThreshold, partitions []disk.PartitionStat) []MountGroup {
	groups := make(map[string]*MountGroup)

	for _, d := range disks {
		mountPoint, device, fstype, err := getMountInfoFromPartitions(d.Path, partitions)
		if err != nil {
			logger.Debug("skipping path for mount grouping", "path", d.Path, "error", err)
			continue
		}

		if group, exists := groups[mountPoint]; exists {
			group.Paths = append(group.Paths, d.Path)
			// Keep the strictest thresholds for the mount
			if d.Warning > 0 && d.Warning < group.Warning {
				group.Warning = d.Warning
			}
			if d.Critical > 0 && d.Critical < group.Critical {
				group.Critical = d.Critical
			}
		} else {
			groups[mountPoint] = &MountGroup{
				MountPoint: mountPoint,
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

// sortMountGroups converts a map of groups to a sorted slice
func sortMountGroups(groups map[string]*MountGroup) []MountGroup {
	result := make([]MountGroup, 0, len(groups))
	for _, group := range groups {
		slices.Sort(group.Paths)
		result = append(result, *group)
	}

	sort.Slice(result, func(i, j int) bool {
		return result[i].MountPoint < result[j].MountPoint
	})

	return result
}
