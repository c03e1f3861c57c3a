package id

import (
	"crypto/rand"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

// GenerateUUID returns a prefixed, lexicographically sortable id,
// e.g. ntf_01K2X7M9QN3F8R5T1V4W6Y8Z0A.
func GenerateUUID(prefix string) string {
	v := ulid.MustNew(ulid.Timestamp(time.Now()), ulid.Monotonic(rand.Reader, 0))
	return prefix + "_" + v.String()
}

// GenerateJobID returns a queue job id.
func GenerateJobID() string {
	return "job_" + uuid.NewString()
}
