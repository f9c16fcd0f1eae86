package webhook

import (
	"context"
	"testing"
	"time"
)

func TestMemoryReplayCacheExpires(t *testing.T) {
	now := time.Unix(1_700_000_000, 0)
	c := NewMemoryReplayCache()
	c.now = func() time.Time { return now }
	ctx := context.Background()

	ok, _ := c.Record(ctx, "sig", time.Minute)
	if !ok {
		t.Fatal("first record should succeed")
	}
	ok, _ = c.Record(ctx, "sig", time.Minute)
	if ok {
		t.Fatal("second record inside TTL should fail")
	}

	now = now.Add(time.Minute)
	seen, _ := c.Seen(ctx, "sig")
	if seen {
		t.Fatal("entry should have expired")
	}
	if c.Len() != 0 {
		t.Errorf("expected pruned cache, got %d entries", c.Len())
	}
}
