package models

import "time"

// CacheMetadata describes a cached artifact.
type CacheMetadata struct {
	CreatedAt        time.Time         `json:"created_at"`
	Compiler         string            `json:"compiler"`
	ToolchainVersion string            `json:"toolchain_version"`
	Tags             map[string]string `json:"tags,omitempty"`
}

// CacheEntry is a compiled-artifact record keyed by
// hash(source, toolchainVersion, optimizationLevel). Stored durably as
// artifacts/<cacheKey>.json and mirrored locally under the same name.
type CacheEntry struct {
	CacheKey string        `json:"cacheKey"`
	Artifact string        `json:"artifact"`
	Metadata CacheMetadata `json:"metadata"`
}

// CacheStats is a best-effort aggregate over the durable tier.
type CacheStats struct {
	Count     int   `json:"count"`
	TotalSize int64 `json:"total_size"`
}
