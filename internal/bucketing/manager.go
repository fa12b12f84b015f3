package bucketing

import (
	"hash"
	"sync"
	"time"

	"github.com/spaolacci/murmur3"

	"otp-auth-service/internal/config"
)

// Manager assigns stable storage buckets. User buckets spread the identity
// table across partitions; time buckets anchor the fixed rate-limit windows.
type Manager struct {
	userBuckets  int
	eventBuckets int
	hasherPool   sync.Pool
}

func NewManager(cfg *config.Config) *Manager {
	m := &Manager{
		userBuckets:  cfg.Bucketing.UserBuckets,
		eventBuckets: cfg.Bucketing.EventBuckets,
	}

	m.hasherPool = sync.Pool{
		New: func() any {
			return murmur3.New64()
		},
	}

	return m
}

// UserBucket returns the partition bucket for a user ID, in [0, userBuckets).
func (m *Manager) UserBucket(userID string) int {
	return m.bucket(userID, m.userBuckets)
}

// EventBucket returns the analytics partition for an arbitrary identifier.
func (m *Manager) EventBucket(identifier string) int {
	return m.bucket(identifier, m.eventBuckets)
}

// TimeBucket returns the start of the fixed window containing now. All
// requests inside one window share a bucket value, so a counter keyed by it
// counts exactly that window.
func (m *Manager) TimeBucket(now time.Time, window time.Duration) int64 {
	w := int64(window.Seconds())
	if w <= 0 {
		w = 1
	}
	return now.Unix() / w * w
}

// WindowEnd returns when the window holding now rolls over.
func (m *Manager) WindowEnd(now time.Time, window time.Duration) time.Time {
	return time.Unix(m.TimeBucket(now, window), 0).Add(window)
}

func (m *Manager) bucket(identifier string, buckets int) int {
	if buckets <= 0 {
		return 0
	}

	h := m.hasherPool.Get().(hash.Hash64)
	defer m.hasherPool.Put(h)

	h.Reset()
	_, _ = h.Write([]byte(identifier))
	return int(h.Sum64() % uint64(buckets))
}
