// Package dedup records which inbound bus messages have already been
// processed so redeliveries are acknowledged without running the
// orchestrator twice.
package dedup

import (
	"context"
	"fmt"
	"time"

	"github.com/pitabwire/leadflow/model"
)

// Store remembers the result of each processed message for a TTL.
type Store interface {
	// Check returns the recorded result for key, if any.
	Check(ctx context.Context, key string) (result *model.ProcessResult, found bool, err error)

	// Store records result under key for ttl.
	Store(ctx context.Context, key string, result model.ProcessResult, ttl time.Duration) error

	// HealthCheck verifies the backing store is reachable.
	HealthCheck(ctx context.Context) error
}

// FormatKey builds the dedup key for an inbound message.
func FormatKey(eventType, messageID string) string {
	return fmt.Sprintf("dedup:%s:%s", eventType, messageID)
}
