package coord

import (
	"fmt"

	"github.com/google/uuid"
)

func CredentialLockKey(credentialID uuid.UUID) string {
	return fmt.Sprintf("lock:credential:%s", credentialID)
}

func JobStatusKey(jobID uuid.UUID) string {
	return fmt.Sprintf("job:status:%s", jobID)
}

func CancelKey(jobID uuid.UUID) string {
	return fmt.Sprintf("job:cancel:%s", jobID)
}

func RateLimitKey(keyPrefix string) string {
	return fmt.Sprintf("ratelimit:%s", keyPrefix)
}

const (
	readyQueueKey   = "queue:ready"
	delayedQueueKey = "queue:delayed"
	inflightSetKey  = "queue:inflight"
	priorityHashKey = "queue:priority"
	sequenceKey     = "queue:seq"
)
