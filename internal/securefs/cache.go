package securefs

import (
	"io/fs"
	"sync"
	"time"
)

// Default TTLs for each cache class. Path validation is deterministic so
// it can live longer; stat and symlink results go stale as files change.
const (
	defaultSymlinkTTL    = 30 * time.Second
	defaultAbsPathTTL    = 5 * time.Minute
	defaultStatTTL       = 5 * time.Second
	defaultValidateTTL   = 5 * time.Minute
	defaultWithinBaseTTL = 1 * time.Minute
)

type cacheEntry[T any] struct {
	value     T
	expiresAt time.Time
}

func (e cacheEntry[T]) expired(now time.Time) bool {
	return now.After(e.expiresAt)
}

// PathCache memoizes the expensive operations behind path validation:
// symlink resolution, absolute path resolution, stat calls, relative path
// validation and within-base checks. Only successful results are cached;
// errors are always recomputed so transient failures do not stick.
//
// All methods are safe on a nil receiver, in which case they simply call
// the compute function.
type PathCache struct {
	mu sync.RWMutex

	symlinks   map[string]cacheEntry[string]
	absPaths   map[string]cacheEntry[string]
	stats      map[string]cacheEntry[fs.FileInfo]
	validated  map[string]cacheEntry[string]
	withinBase map[string]cacheEntry[bool]

	symlinkTTL    time.Duration
	absPathTTL    time.Duration
	statTTL       time.Duration
	validateTTL   time.Duration
	withinBaseTTL time.Duration

	hits   uint64
	misses uint64
}

// CacheStats reports cache usage for monitoring.
type CacheStats struct {
	SymlinkTotal    int
	AbsPathTotal    int
	StatTotal       int
	ValidateTotal   int
	WithinBaseTotal int
	Hits            uint64
	Misses          uint64
}

// NewPathCache creates a PathCache with default TTLs.
func NewPathCache() *PathCache {
	return &PathCache{
		symlinks:      make(map[string]cacheEntry[string]),
		absPaths:      make(map[string]cacheEntry[string]),
		stats:         make(map[string]cacheEntry[fs.FileInfo]),
		validated:     make(map[string]cacheEntry[string]),
		withinBase:    make(map[string]cacheEntry[bool]),
		symlinkTTL:    defaultSymlinkTTL,
		absPathTTL:    defaultAbsPathTTL,
		statTTL:       defaultStatTTL,
		validateTTL:   defaultValidateTTL,
		withinBaseTTL: defaultWithinBaseTTL,
	}
}

// lookup returns a cached value if present and fresh.
func lookup[T any](pc *PathCache, m map[string]cacheEntry[T], key string) (T, bool) {
	pc.mu.RLock()
	entry, ok := m[key]
	pc.mu.RUnlock()

	var zero T
	if !ok || entry.expired(time.Now()) {
		pc.mu.Lock()
		pc.misses++
		pc.mu.Unlock()
		return zero, false
	}

	pc.mu.Lock()
	pc.hits++
	pc.mu.Unlock()
	return entry.value, true
}

// store caches a value with the given TTL.
func store[T any](pc *PathCache, m map[string]cacheEntry[T], key string, value T, ttl time.Duration) {
	pc.mu.Lock()
	m[key] = cacheEntry[T]{value: value, expiresAt: time.Now().Add(ttl)}
	pc.mu.Unlock()
}

// GetSymlinkResolution returns the cached symlink resolution for path,
// computing and caching it on a miss.
func (pc *PathCache) GetSymlinkResolution(path string, compute func(string) (string, error)) (string, error) {
	if pc == nil {
		return compute(path)
	}
	if v, ok := lookup(pc, pc.symlinks, path); ok {
		return v, nil
	}
	resolved, err := compute(path)
	if err != nil {
		return "", err
	}
	store(pc, pc.symlinks, path, resolved, pc.symlinkTTL)
	return resolved, nil
}

// GetAbsPath returns the cached absolute path resolution for path.
func (pc *PathCache) GetAbsPath(path string, compute func(string) (string, error)) (string, error) {
	if pc == nil {
		return compute(path)
	}
	if v, ok := lookup(pc, pc.absPaths, path); ok {
		return v, nil
	}
	abs, err := compute(path)
	if err != nil {
		return "", err
	}
	store(pc, pc.absPaths, path, abs, pc.absPathTTL)
	return abs, nil
}

// GetStat returns cached file info for path.
func (pc *PathCache) GetStat(path string, compute func(string) (fs.FileInfo, error)) (fs.FileInfo, error) {
	if pc == nil {
		return compute(path)
	}
	if v, ok := lookup(pc, pc.stats, path); ok {
		return v, nil
	}
	info, err := compute(path)
	if err != nil {
		return nil, err
	}
	store(pc, pc.stats, path, info, pc.statTTL)
	return info, nil
}

// GetValidatePath returns the cached validation result for a relative path.
func (pc *PathCache) GetValidatePath(path string, compute func(string) (string, error)) (string, error) {
	if pc == nil {
		return compute(path)
	}
	if v, ok := lookup(pc, pc.validated, path); ok {
		return v, nil
	}
	validated, err := compute(path)
	if err != nil {
		return "", err
	}
	store(pc, pc.validated, path, validated, pc.validateTTL)
	return validated, nil
}

// GetWithinBase returns the cached within-base check for key.
func (pc *PathCache) GetWithinBase(key string, compute func() (bool, error)) (bool, error) {
	if pc == nil {
		return compute()
	}
	if v, ok := lookup(pc, pc.withinBase, key); ok {
		return v, nil
	}
	within, err := compute()
	if err != nil {
		return false, err
	}
	store(pc, pc.withinBase, key, within, pc.withinBaseTTL)
	return within, nil
}

// ClearExpired removes expired entries from all caches.
func (pc *PathCache) ClearExpired() {
	if pc == nil {
		return
	}

	now := time.Now()
	pc.mu.Lock()
	defer pc.mu.Unlock()

	clearExpired(pc.symlinks, now)
	clearExpired(pc.absPaths, now)
	clearExpired(pc.stats, now)
	clearExpired(pc.validated, now)
	clearExpired(pc.withinBase, now)
}

func clearExpired[T any](m map[string]cacheEntry[T], now time.Time) {
	for k, entry := range m {
		if entry.expired(now) {
			delete(m, k)
		}
	}
}

// GetCacheStats returns current cache statistics.
func (pc *PathCache) GetCacheStats() CacheStats {
	if pc == nil {
		return CacheStats{}
	}

	pc.mu.RLock()
	defer pc.mu.RUnlock()

	return CacheStats{
		SymlinkTotal:    len(pc.symlinks),
		AbsPathTotal:    len(pc.absPaths),
		StatTotal:       len(pc.stats),
		ValidateTotal:   len(pc.validated),
		WithinBaseTotal: len(pc.withinBase),
		Hits:            pc.hits,
		Misses:          pc.misses,
	}
}
