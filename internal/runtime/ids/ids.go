package ids

import (
	"crypto/rand"
	"os"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// CreateULID returns a time-sortable ULID encoded as a 26-character string.
// Dead-letter records use it so operators can replay them in failure order.
func CreateULID() string {
	return CreateULIDAt(time.Now())
}

// CreateULIDAt is CreateULID with an explicit timestamp.
func CreateULIDAt(at time.Time) string {
	entropyMu.Lock()
	defer entropyMu.Unlock()

	return ulid.MustNew(ulid.Timestamp(at), entropy).String()
}

// ConsumerName builds a consumer identity unique to this process. Distinct
// identities let several instances share one consumer group.
func ConsumerName(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix, _ = os.Hostname()
	}
	if prefix == "" {
		prefix = "consumer"
	}
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	return prefix + "-" + suffix
}
