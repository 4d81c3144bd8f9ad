//go:build windows
// +build windows

package diskmanager

import (
	"fmt"
	"syscall"
	"unsafe"

	"github.com/chestnet/chestnet-go/internal/errors"
)

// GetDiskUsage returns the disk usage percentage for Windows
func GetDiskUsage(baseDir string) (float64, error) {
	kernel32 := syscall.NewLazyDLL("kernel32.dll")
	getDiskFreeSpaceEx := kernel32.NewProc("GetDiskFreeSpaceExW")

	var freeBytesAvailable, totalNumberOfBytes, totalNumberOfFreeBytes int64

	utf16Path, err := syscall.UTF16PtrFromString(baseDir)
	if err != nil {
		return 0, errors.New(fmt.Errorf("diskmanager: failed to convert path to UTF16: %w", err)).
			Component("diskmanager").
			Category(errors.CategoryDiskUsage).
			Context("path", baseDir).
			Context("operation", "utf16_conversion").
			Build()
	}

	_, _, err = getDiskFreeSpaceEx.Call(
		uintptr(unsafe.Pointer(utf16Path)),
		uintptr(unsafe.Pointer(&freeBytesAvailable)),
		uintptr(unsafe.Pointer(&totalNumberOfBytes)),
		uintptr(unsafe.Pointer(&totalNumberOfFreeBytes)),
	)
	if err != syscall.Errno(0) {
		return 0, errors.New(fmt.Errorf("diskmanager: failed to get Windows disk free space: %w", err)).
			Component("diskmanager").
			Category(errors.CategoryDiskUsage).
			Context("path", baseDir).
			Context("operation", "get_disk_free_space").
			Build()
	}

	used := totalNumberOfBytes - totalNumberOfFreeBytes

	return (float64(used) / float64(totalNumberOfBytes)) * 100, nil
}

// GetDetailedDiskUsage returns the total and used disk space in bytes for the filesystem containing the given path.
func GetDetailedDiskUsage(path string) (DiskSpaceInfo, error) {
	h := syscall.MustLoadDLL("kernel32.dll")
	c := h.MustFindProc("GetDiskFreeSpaceExW")

	var freeBytesAvailable, totalNumberOfBytes, totalNumberOfFreeBytes int64

	ret, _, err := c.Call(uintptr(unsafe.Pointer(syscall.StringToUTF16Ptr(path))),
		uintptr(unsafe.Pointer(&freeBytesAvailable)),
		uintptr(unsafe.Pointer(&totalNumberOfBytes)),
		uintptr(unsafe.Pointer(&totalNumberOfFreeBytes)))

	if ret == 0 {
		return DiskSpaceInfo{}, errors.New(fmt.Errorf("diskmanager: failed to get Windows detailed disk usage: %w", err)).
			Component("diskmanager").
			Category(errors.CategoryDiskUsage).
			Context("path", path).
			Context("operation", "get_detailed_disk_usage").
			Build()
	}

	usedBytes := uint64(totalNumberOfBytes - totalNumberOfFreeBytes)

	return DiskSpaceInfo{
		TotalBytes: uint64(totalNumberOfBytes),
		UsedBytes:  usedBytes,
	}, nil
}
