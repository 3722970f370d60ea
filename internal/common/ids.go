package common

import (
	"crypto/rand"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/oklog/ulid/v2"
)

var (
	entropyMu sync.Mutex
	entropy   = ulid.Monotonic(rand.Reader, 0)
)

// NewULID returns a lexically sortable id. Ids generated by one process are strictly
// increasing, so ordering by id matches creation order.
func NewULID() (string, error) {
	entropyMu.Lock()
	defer entropyMu.Unlock()
	id, err := ulid.New(ulid.Timestamp(time.Now()), entropy)
	if err != nil {
		return "", err
	}
	return id.String(), nil
}

func NewUUID() string {
	return uuid.NewString()
}

func IsUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
