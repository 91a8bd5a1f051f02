package ratelimit

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/ramiqadoumi/genflow/internal/domain"
)

// Key is the counter key for one partition, category and window bucket. The
// partition is hashed so raw identities never reach the store.
func Key(category domain.Category, partition string, window time.Duration, bucket int64) string {
	sum := sha256.Sum256([]byte(partition))
	return fmt.Sprintf("quota:%s:%s:%d:%d",
		category, hex.EncodeToString(sum[:])[:16], int64(window/time.Second), bucket)
}

// MaskPartition is the only form of a partition that may be logged or shown.
// Identities of three characters or fewer are hidden entirely.
func MaskPartition(partition string) string {
	runes := []rune(partition)
	if len(runes) <= 3 {
		return "***"
	}
	return string(runes[:3]) + "***"
}

// bucketFor is the epoch-aligned window index containing now and the instant
// that window ends.
func bucketFor(now time.Time, window time.Duration) (int64, time.Time) {
	secs := int64(window / time.Second)
	bucket := now.Unix() / secs
	return bucket, time.Unix((bucket+1)*secs, 0).UTC()
}
