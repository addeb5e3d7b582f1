// Package notify broadcasts session-key changes between processes that share
// one session medium, so each can re-run its session check. Delivery is
// advisory: there is no ordering, locking or leader election.
package notify

import (
	"context"
	"strings"

	"github.com/google/uuid"
)

type Notifier interface {
	// Publish announces that key changed locally.
	Publish(ctx context.Context, key string) error
	// Listen calls fn for every change made by another process and blocks
	// until ctx is cancelled.
	Listen(ctx context.Context, fn func(key string)) error
	Close() error
}

// None is used when the medium is private to this process.
type None struct{}

func (None) Publish(context.Context, string) error { return nil }

func (None) Listen(ctx context.Context, _ func(string)) error {
	<-ctx.Done()
	return nil
}

func (None) Close() error { return nil }

// origin tags messages so a process can ignore its own broadcasts.
type origin string

func newOrigin() origin {
	return origin(uuid.NewString())
}

func (o origin) encode(key string) string {
	return string(o) + "|" + key
}

// decode returns the key and whether the message came from another process.
func (o origin) decode(payload string) (string, bool) {
	from, key, found := strings.Cut(payload, "|")
	if !found {
		return payload, true
	}
	return key, from != string(o)
}
