package services

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-xray-sdk-go/instrumentation/awsv2"
	"go.uber.org/zap"

	"grading-orchestrator/models"
)

const artifactKeyPrefix = "artifacts/"

// ObjectStore abstracts the durable artifact tier.
type ObjectStore interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	Delete(ctx context.Context, key string) error
	// List returns the keys under prefix together with their sizes.
	List(ctx context.Context, prefix string) (map[string]int64, error)
}

// LocalObjectStore implements ObjectStore on the local filesystem.
type LocalObjectStore struct {
	basePath string
}

func NewLocalObjectStore(basePath string) (*LocalObjectStore, error) {
	if err := os.MkdirAll(basePath, 0755); err != nil {
		return nil, err
	}
	return &LocalObjectStore{basePath: basePath}, nil
}

func (s *LocalObjectStore) Put(ctx context.Context, key string, data []byte) error {
	fullPath := filepath.Join(s.basePath, key)
	if err := os.MkdirAll(filepath.Dir(fullPath), 0755); err != nil {
		return err
	}
	return os.WriteFile(fullPath, data, 0644)
}

func (s *LocalObjectStore) Get(ctx context.Context, key string) ([]byte, error) {
	return os.ReadFile(filepath.Join(s.basePath, key))
}

func (s *LocalObjectStore) Delete(ctx context.Context, key string) error {
	return os.Remove(filepath.Join(s.basePath, key))
}

func (s *LocalObjectStore) List(ctx context.Context, prefix string) (map[string]int64, error) {
	root := filepath.Join(s.basePath, prefix)
	out := make(map[string]int64)
	err := filepath.Walk(root, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			if os.IsNotExist(err) {
				return nil
			}
			return err
		}
		if info.IsDir() {
			return nil
		}
		rel, relErr := filepath.Rel(s.basePath, path)
		if relErr != nil {
			return relErr
		}
		out[filepath.ToSlash(rel)] = info.Size()
		return nil
	})
	if os.IsNotExist(err) {
		return out, nil
	}
	return out, err
}

// S3ObjectStore implements ObjectStore using AWS S3.
type S3ObjectStore struct {
	client *s3.Client
	bucket string
}

func NewS3ObjectStore(bucket string) (*S3ObjectStore, error) {
	cfg, err := config.LoadDefaultConfig(context.Background())
	if err != nil {
		return nil, err
	}

	// Instrument AWS SDK v2 with X-Ray for automatic S3 operation tracing
	awsv2.AWSV2Instrumentor(&cfg.APIOptions)

	client := s3.NewFromConfig(cfg)
	return &S3ObjectStore{client: client, bucket: bucket}, nil
}

func (s *S3ObjectStore) Put(ctx context.Context, key string, data []byte) error {
	_, err := s.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:      aws.String(s.bucket),
		Key:         aws.String(key),
		Body:        bytes.NewReader(data),
		ContentType: aws.String("application/json"),
	})
	return err
}

func (s *S3ObjectStore) Get(ctx context.Context, key string) ([]byte, error) {
	output, err := s.client.GetObject(ctx, &s3.GetObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return nil, err
	}
	defer output.Body.Close()

	return io.ReadAll(output.Body)
}

func (s *S3ObjectStore) Delete(ctx context.Context, key string) error {
	_, err := s.client.DeleteObject(ctx, &s3.DeleteObjectInput{
		Bucket: aws.String(s.bucket),
		Key:    aws.String(key),
	})
	return err
}

func (s *S3ObjectStore) List(ctx context.Context, prefix string) (map[string]int64, error) {
	out := make(map[string]int64)
	var token *string
	for {
		page, err := s.client.ListObjectsV2(ctx, &s3.ListObjectsV2Input{
			Bucket:            aws.String(s.bucket),
			Prefix:            aws.String(prefix),
			ContinuationToken: token,
		})
		if err != nil {
			return out, err
		}
		for _, obj := range page.Contents {
			size := int64(0)
			if obj.Size != nil {
				size = *obj.Size
			}
			out[aws.ToString(obj.Key)] = size
		}
		if page.IsTruncated == nil || !*page.IsTruncated {
			return out, nil
		}
		token = page.NextContinuationToken
	}
}

// NewObjectStore creates the durable store selected by environment.
func NewObjectStore(storeType, pathOrBucket string) (ObjectStore, error) {
	switch storeType {
	case "s3":
		return NewS3ObjectStore(pathOrBucket)
	case "local":
		return NewLocalObjectStore(pathOrBucket)
	default:
		return nil, fmt.Errorf("unknown store type: %s", storeType)
	}
}

// CacheService is the two-tier compiled-artifact cache: a fast local
// mirror in front of the durable store. Artifacts are immutable once
// keyed, so the tiers need no coherence protocol beyond last-write-wins.
type CacheService struct {
	mirror  *LocalObjectStore
	durable ObjectStore
	ttl     time.Duration

	// Injectable clock for TTL tests.
	now func() time.Time
}

func NewCacheService(mirrorDir string, durable ObjectStore, ttl time.Duration) (*CacheService, error) {
	mirror, err := NewLocalObjectStore(mirrorDir)
	if err != nil {
		return nil, err
	}
	return &CacheService{
		mirror:  mirror,
		durable: durable,
		ttl:     ttl,
		now:     time.Now,
	}, nil
}

// CacheKey derives the content hash for an artifact. Pure function:
// identical inputs always yield the same key. Fields are length-prefixed
// so ("ab","c") and ("a","bc") cannot collide.
func CacheKey(source, toolchainVersion, optimizationLevel string) string {
	h := sha256.New()
	for _, field := range []string{source, toolchainVersion, optimizationLevel} {
		fmt.Fprintf(h, "%d:", len(field))
		h.Write([]byte(field))
	}
	return hex.EncodeToString(h.Sum(nil))
}

func durableKey(cacheKey string) string {
	return artifactKeyPrefix + cacheKey + ".json"
}

func mirrorKey(cacheKey string) string {
	return cacheKey + ".json"
}

func (c *CacheService) valid(entry *models.CacheEntry) bool {
	return c.now().Sub(entry.Metadata.CreatedAt) < c.ttl
}

// Store writes an entry to both tiers. The mirror write is best-effort:
// a durable write that succeeded is a stored artifact even if the local
// copy failed.
func (c *CacheService) Store(ctx context.Context, key, artifact string, meta models.CacheMetadata) error {
	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = c.now()
	}
	entry := models.CacheEntry{CacheKey: key, Artifact: artifact, Metadata: meta}
	data, err := json.Marshal(entry)
	if err != nil {
		return err
	}

	if err := c.durable.Put(ctx, durableKey(key), data); err != nil {
		return fmt.Errorf("store artifact %s: %w", key, err)
	}
	if err := c.mirror.Put(ctx, mirrorKey(key), data); err != nil {
		zap.L().Warn("cache mirror write failed", zap.String("key", key), zap.Error(err))
	}
	return nil
}

// Retrieve returns the entry for key, or nil on miss. The local mirror is
// consulted first; a durable hit is copied into the mirror so repeated
// lookups converge to local-only latency. Expired entries are treated as
// absent at both tiers even before cleanup reclaims them.
func (c *CacheService) Retrieve(ctx context.Context, key string) (*models.CacheEntry, error) {
	if data, err := c.mirror.Get(ctx, mirrorKey(key)); err == nil {
		var entry models.CacheEntry
		if err := json.Unmarshal(data, &entry); err == nil && c.valid(&entry) {
			return &entry, nil
		}
	}

	data, err := c.durable.Get(ctx, durableKey(key))
	if err != nil {
		return nil, nil // durable miss
	}
	var entry models.CacheEntry
	if err := json.Unmarshal(data, &entry); err != nil {
		return nil, nil
	}
	if !c.valid(&entry) {
		return nil, nil
	}

	if err := c.mirror.Put(ctx, mirrorKey(key), data); err != nil {
		zap.L().Warn("cache mirror backfill failed", zap.String("key", key), zap.Error(err))
	}
	return &entry, nil
}

// Exists reports whether a valid entry is present for key.
func (c *CacheService) Exists(ctx context.Context, key string) (bool, error) {
	entry, err := c.Retrieve(ctx, key)
	if err != nil {
		return false, err
	}
	return entry != nil, nil
}

// Cleanup scans the durable store and removes expired entries. Entries
// that cannot be read or parsed are removed as well rather than retried
// indefinitely. Returns the number of removed objects.
func (c *CacheService) Cleanup(ctx context.Context) int {
	keys, err := c.durable.List(ctx, artifactKeyPrefix)
	if err != nil {
		zap.L().Warn("cache cleanup listing failed", zap.Error(err))
	}

	removed := 0
	for key := range keys {
		data, err := c.durable.Get(ctx, key)
		remove := false
		if err != nil {
			remove = true
		} else {
			var entry models.CacheEntry
			if json.Unmarshal(data, &entry) != nil || !c.valid(&entry) {
				remove = true
			}
		}
		if !remove {
			continue
		}
		if err := c.durable.Delete(ctx, key); err != nil {
			zap.L().Warn("cache cleanup delete failed", zap.String("key", key), zap.Error(err))
			continue
		}
		cacheKey := strings.TrimSuffix(strings.TrimPrefix(key, artifactKeyPrefix), ".json")
		c.mirror.Delete(ctx, mirrorKey(cacheKey))
		removed++
	}
	return removed
}

// Stats is a best-effort aggregate over the durable tier. Partial listing
// errors degrade to whatever was readable; they never fail the caller.
func (c *CacheService) Stats(ctx context.Context) models.CacheStats {
	keys, err := c.durable.List(ctx, artifactKeyPrefix)
	if err != nil {
		zap.L().Warn("cache stats listing failed", zap.Error(err))
	}

	stats := models.CacheStats{}
	for _, size := range keys {
		stats.Count++
		stats.TotalSize += size
	}
	return stats
}

// RunCleanupLoop reclaims expired durable entries on a fixed interval.
func (c *CacheService) RunCleanupLoop(ctx context.Context, interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n := c.Cleanup(ctx); n > 0 {
				zap.L().Info("cache cleanup removed expired artifacts", zap.Int("removed", n))
			}
		}
	}
}
