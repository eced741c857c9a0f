package generators

import (
	"context"
	"crypto/md5"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sync"
	"time"
)

// ErrCacheMiss is returned by Get for unknown or expired keys
var ErrCacheMiss = errors.New("audio not cached")

var keyRegex = regexp.MustCompile(`^[0-9a-f]{32}$`)

// AudioCacheEntry is the metadata kept next to every cached clip
type AudioCacheEntry struct {
	Key          string    `json:"key"`
	FilePath     string    `json:"file_path"`
	Text         string    `json:"text"`
	VoiceID      string    `json:"voice_id"`
	Format       string    `json:"format"`
	FileSize     int64     `json:"file_size"`
	CreatedAt    time.Time `json:"created_at"`
	LastAccessed time.Time `json:"last_accessed"`
	Hits         int       `json:"hits"`
}

// AudioCacheStats holds statistics about cache performance
type AudioCacheStats struct {
	Hits         int64   `json:"hits"`
	Misses       int64   `json:"misses"`
	HitRate      float64 `json:"hit_rate"`
	TotalEntries int     `json:"total_entries"`
	TotalSize    int64   `json:"total_size"`
}

// AudioCache stores voice clips on disk, one file plus a .meta file per
// clip, keyed by an md5 hex digest
type AudioCache struct {
	entries    map[string]*AudioCacheEntry
	directory  string
	maxEntries int
	ttl        time.Duration
	now        func() time.Time
	mu         sync.RWMutex
	stats      AudioCacheStats
}

// NewAudioCache creates a cache; a zero ttl keeps clips until evicted
func NewAudioCache(directory string, maxEntries int, ttl time.Duration) *AudioCache {
	return &AudioCache{
		entries:    make(map[string]*AudioCacheEntry),
		directory:  directory,
		maxEntries: maxEntries,
		ttl:        ttl,
		now:        time.Now,
	}
}

// Initialize creates the directory and loads the entries left by a
// previous run
func (c *AudioCache) Initialize(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := os.MkdirAll(c.directory, 0755); err != nil {
		return fmt.Errorf("failed to create cache directory: %w", err)
	}

	metas, err := filepath.Glob(filepath.Join(c.directory, "*.meta"))
	if err != nil {
		return fmt.Errorf("failed to read cache directory: %w", err)
	}

	for _, metaPath := range metas {
		data, err := os.ReadFile(metaPath)
		if err != nil {
			continue
		}
		var entry AudioCacheEntry
		if err := json.Unmarshal(data, &entry); err != nil || !keyRegex.MatchString(entry.Key) {
			continue
		}
		if c.expired(&entry) {
			removeEntryFiles(&entry)
			continue
		}
		if _, err := os.Stat(entry.FilePath); err != nil {
			_ = os.Remove(metaPath)
			continue
		}
		c.entries[entry.Key] = &entry
		c.stats.TotalEntries++
		c.stats.TotalSize += entry.FileSize
	}

	return nil
}

// Put stores a clip under the digest of its bytes and returns the key
func (c *AudioCache) Put(ctx context.Context, data []byte, text, voiceID string) (string, error) {
	hash := md5.Sum(data)
	key := hex.EncodeToString(hash[:])
	return key, c.PutWithKey(ctx, key, data, text, voiceID)
}

// PutWithKey stores a clip under a caller-chosen key, replacing any
// previous clip with that key
func (c *AudioCache) PutWithKey(ctx context.Context, key string, data []byte, text, voiceID string) error {
	if !keyRegex.MatchString(key) {
		return fmt.Errorf("invalid cache key %q", key)
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	if old, ok := c.entries[key]; ok {
		c.remove(old)
	}

	format := GetAudioFormat(data)
	filePath := filepath.Join(c.directory, key+"."+format)
	if err := os.WriteFile(filePath, data, 0644); err != nil {
		return fmt.Errorf("failed to write audio: %w", err)
	}

	now := c.now()
	entry := &AudioCacheEntry{
		Key:          key,
		FilePath:     filePath,
		Text:         text,
		VoiceID:      voiceID,
		Format:       format,
		FileSize:     int64(len(data)),
		CreatedAt:    now,
		LastAccessed: now,
	}

	metaData, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	if err := os.WriteFile(filepath.Join(c.directory, key+".meta"), metaData, 0644); err != nil {
		_ = os.Remove(filePath)
		return fmt.Errorf("failed to write metadata: %w", err)
	}

	c.entries[key] = entry
	c.stats.TotalEntries++
	c.stats.TotalSize += entry.FileSize

	for c.maxEntries > 0 && len(c.entries) > c.maxEntries {
		c.evictOldest()
	}
	return nil
}

// Get returns a cached clip and its format
func (c *AudioCache) Get(ctx context.Context, key string) ([]byte, string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entry, ok := c.entries[key]
	if !ok {
		c.miss()
		return nil, "", ErrCacheMiss
	}
	if c.expired(entry) {
		c.remove(entry)
		c.miss()
		return nil, "", ErrCacheMiss
	}

	data, err := os.ReadFile(entry.FilePath)
	if err != nil {
		c.remove(entry)
		c.miss()
		return nil, "", fmt.Errorf("failed to read cached file: %w", err)
	}

	entry.LastAccessed = c.now()
	entry.Hits++
	c.stats.Hits++
	c.updateHitRate()
	return data, entry.Format, nil
}

// CleanExpired removes expired entries and returns how many went
func (c *AudioCache) CleanExpired(ctx context.Context) int {
	c.mu.Lock()
	defer c.mu.Unlock()

	count := 0
	for _, entry := range c.entries {
		if c.expired(entry) {
			c.remove(entry)
			count++
		}
	}
	return count
}

// GetStats returns cache statistics
func (c *AudioCache) GetStats() AudioCacheStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats
}

func (c *AudioCache) expired(entry *AudioCacheEntry) bool {
	return c.ttl > 0 && c.now().Sub(entry.CreatedAt) > c.ttl
}

// remove must be called with mu held
func (c *AudioCache) remove(entry *AudioCacheEntry) {
	removeEntryFiles(entry)
	delete(c.entries, entry.Key)
	c.stats.TotalEntries--
	c.stats.TotalSize -= entry.FileSize
}

func removeEntryFiles(entry *AudioCacheEntry) {
	if entry.FilePath != "" {
		_ = os.Remove(entry.FilePath)
		_ = os.Remove(filepath.Join(filepath.Dir(entry.FilePath), entry.Key+".meta"))
	}
}

// evictOldest removes the least recently used entry
func (c *AudioCache) evictOldest() {
	var oldest *AudioCacheEntry
	for _, entry := range c.entries {
		if oldest == nil || entry.LastAccessed.Before(oldest.LastAccessed) {
			oldest = entry
		}
	}
	if oldest != nil {
		c.remove(oldest)
	}
}

func (c *AudioCache) miss() {
	c.stats.Misses++
	c.updateHitRate()
}

func (c *AudioCache) updateHitRate() {
	total := c.stats.Hits + c.stats.Misses
	if total > 0 {
		c.stats.HitRate = float64(c.stats.Hits) / float64(total)
	}
}

// GenerateAudioCacheKey derives the key of a synthesized line
func GenerateAudioCacheKey(text, voiceID, modelID string) string {
	hash := md5.Sum([]byte(fmt.Sprintf("%s|%s|%s", text, voiceID, modelID)))
	return hex.EncodeToString(hash[:])
}

// GetAudioFormat sniffs the container of a clip
func GetAudioFormat(data []byte) string {
	switch {
	case len(data) >= 12 && string(data[0:4]) == "RIFF" && string(data[8:12]) == "WAVE":
		return "wav"
	case len(data) >= 3 && string(data[0:3]) == "ID3":
		return "mp3"
	case len(data) >= 2 && data[0] == 0xFF && data[1]&0xE0 == 0xE0:
		return "mp3"
	case len(data) >= 4 && string(data[0:4]) == "OggS":
		return "ogg"
	case len(data) >= 4 && data[0] == 0x1A && data[1] == 0x45 && data[2] == 0xDF && data[3] == 0xA3:
		return "webm"
	default:
		return "bin"
	}
}

// ContentType maps a sniffed format to its MIME type
func ContentType(format string) string {
	switch format {
	case "wav":
		return "audio/wav"
	case "mp3":
		return "audio/mpeg"
	case "ogg":
		return "audio/ogg"
	case "webm":
		return "audio/webm"
	default:
		return "application/octet-stream"
	}
}
