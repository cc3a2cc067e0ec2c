package redisstore

import (
	"context"
	"testing"
	"time"
)

func TestTag_SetsExpireWithEntries(t *testing.T) {
	rc, mr := newMini(t)
	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	t.Cleanup(cancel)

	key := "tile:db=main:z=13:x=4011:y=3088"
	if err := rc.Set(ctx, key, []byte("png"), 2*time.Second); err != nil {
		t.Fatalf("Set: %v", err)
	}
	tags := []string{"tag:main:places", "tag:main:roads"}
	if err := rc.Tag(ctx, tags, key, 2*time.Second); err != nil {
		t.Fatalf("Tag: %v", err)
	}
	for _, tag := range tags {
		if m, err := rc.Members(ctx, tag); err != nil || len(m) != 1 || m[0] != key {
			t.Fatalf("%s members=%v err=%v", tag, m, err)
		}
	}

	mr.FastForward(3 * time.Second)

	if _, found, err := rc.Get(ctx, key); err != nil || found {
		t.Fatalf("tile should have expired; found=%v err=%v", found, err)
	}
	if m, err := rc.Members(ctx, tags[0]); err != nil || len(m) != 0 {
		t.Fatalf("tag set should have expired; members=%v err=%v", m, err)
	}
}
