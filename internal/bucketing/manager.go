package bucketing

import (
	"hash"
	"sync"
	"time"

	"identity-service/internal/config"

	"github.com/spaolacci/murmur3"
)

const dateLayout = "2006-01-02"

// BucketingManager spreads append-only audit rows across partitions so a busy
// day or a busy PIN does not land on a single Scylla partition.
type BucketingManager struct {
	userBuckets  int
	eventBuckets int
	hasherPool   sync.Pool
}

// Partition is the composite partition key of an audit row.
type Partition struct {
	EventBucket int    `json:"event_bucket"`
	EventDate   string `json:"event_date"`
}

func NewBucketingManager(cfg *config.Config) *BucketingManager {
	bm := &BucketingManager{
		userBuckets:  positive(cfg.Bucketing.UserBuckets),
		eventBuckets: positive(cfg.Bucketing.EventBuckets),
	}
	bm.hasherPool = sync.Pool{
		New: func() interface{} {
			return murmur3.New64()
		},
	}
	return bm
}

// GetUserBucket returns a stable bucket in [0, userBuckets) for a user id.
func (bm *BucketingManager) GetUserBucket(userID string) int {
	return bm.getBucket(userID, bm.userBuckets)
}

// GetEventBucket returns a stable bucket in [0, eventBuckets) for an event key.
func (bm *BucketingManager) GetEventBucket(key string) int {
	return bm.getBucket(key, bm.eventBuckets)
}

// AuditPartition places an event keyed by key (usually the PIN) at time at.
func (bm *BucketingManager) AuditPartition(key string, at time.Time) Partition {
	return Partition{
		EventBucket: bm.GetEventBucket(key),
		EventDate:   at.UTC().Format(dateLayout),
	}
}

func (bm *BucketingManager) EventBuckets() int {
	return bm.eventBuckets
}

func (bm *BucketingManager) getBucket(key string, numBuckets int) int {
	hasher := bm.hasherPool.Get().(hash.Hash64)
	defer bm.hasherPool.Put(hasher)

	hasher.Reset()
	_, _ = hasher.Write([]byte(key))
	return int(hasher.Sum64() % uint64(numBuckets))
}

func positive(n int) int {
	if n <= 0 {
		return 1
	}
	return n
}
