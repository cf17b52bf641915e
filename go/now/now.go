// Package now provides a function to return the current time that is also
// easily overridden for testing.
package now

import (
	"context"
	"fmt"
	"sync"
	"time"
)

type contextKeyType string

// ContextKey is used by tests to make the time deterministic. That is, in a
// test you can write a value into a context to use as the return value of
// Now():
//
//	var mockTime = time.Unix(0, 12).UTC()
//	ctx = context.WithValue(ctx, now.ContextKey, mockTime)
//
// The value set can also be a NowProvider, which is evaluated on every call.
const ContextKey contextKeyType = "overwriteNow"

// NowProvider is the type of function that can be passed as a context value.
// NowProvider must be threadsafe if the context is used across goroutines.
type NowProvider func() time.Time

// Now returns the current time or the time from the context.
func Now(ctx context.Context) time.Time {
	if ts := ctx.Value(ContextKey); ts != nil {
		switch v := ts.(type) {
		case NowProvider:
			return v()
		case time.Time:
			return v
		default:
			panic(fmt.Sprintf("Unknown value for ContextKey: %v", v))
		}
	}
	return time.Now()
}

// TimeTravelCtx is a test utility that makes it easy to change the apparent
// time. It embeds a context containing a NowProvider which returns the
// mutable time held by the struct.
type TimeTravelCtx struct {
	context.Context
	mutex sync.RWMutex
	ts    time.Time
}

// TimeTravelingContext returns a TimeTravelCtx using the given time and
// context.Background().
func TimeTravelingContext(ts time.Time) *TimeTravelCtx {
	t := &TimeTravelCtx{ts: ts}
	t.Context = context.WithValue(context.Background(), ContextKey, NowProvider(t.now))
	return t
}

func (t *TimeTravelCtx) now() time.Time {
	t.mutex.RLock()
	defer t.mutex.RUnlock()
	return t.ts
}

// SetTime updates the apparent time.
func (t *TimeTravelCtx) SetTime(ts time.Time) {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.ts = ts
}

// AdvanceTime adds the given duration to the apparent time and returns the
// new value.
func (t *TimeTravelCtx) AdvanceTime(d time.Duration) time.Time {
	t.mutex.Lock()
	defer t.mutex.Unlock()
	t.ts = t.ts.Add(d)
	return t.ts
}
