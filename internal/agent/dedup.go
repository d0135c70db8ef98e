package agent

import (
	"encoding/json"
	"fmt"
	"time"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/parikshan-ai/edge-agent/internal/stream"
)

// detectionDedup suppresses repeats of the same observation within a
// cooldown window. A face lingering in front of a camera matches on every
// inference pass; without this it would enqueue an attendance row per pass.
type detectionDedup struct {
	cache *lru.Cache[string, time.Time]
	ttl   time.Duration
}

func newDetectionDedup(maxKeys int, ttl time.Duration) *detectionDedup {
	c, _ := lru.New[string, time.Time](maxKeys)
	return &detectionDedup{cache: c, ttl: ttl}
}

func (d *detectionDedup) isDuplicate(key string) bool {
	if addedAt, ok := d.cache.Get(key); ok {
		if time.Since(addedAt) < d.ttl {
			return true
		}
	}
	d.cache.Add(key, time.Now())
	return false
}

// dedupKey buckets an event to camera|type|subject. The subject is the
// entity for attendance and the alert kind for discipline; events without
// either get a per-second time bucket so they are still rate limited.
func dedupKey(e stream.Event) string {
	var payload struct {
		EntityType string `json:"entityType"`
		EntityID   int    `json:"entityId"`
		AlertType  string `json:"eventType"`
	}
	_ = json.Unmarshal(e.Data, &payload)

	switch {
	case payload.EntityID != 0 || payload.EntityType != "":
		return fmt.Sprintf("%d|%s|%s:%d", e.CameraID, e.Type, payload.EntityType, payload.EntityID)
	case payload.AlertType != "":
		return fmt.Sprintf("%d|%s|%s", e.CameraID, e.Type, payload.AlertType)
	default:
		return fmt.Sprintf("%d|%s|%d", e.CameraID, e.Type, e.Timestamp.Truncate(time.Second).Unix())
	}
}
