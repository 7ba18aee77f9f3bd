package realtime

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestRedisChannelNaming(t *testing.T) {
	if got := redisChannel("c-1"); got != "carevoice:activity:c-1" {
		t.Fatalf("redisChannel(c-1) = %q", got)
	}
	if got := redisChannel(""); got != "carevoice:activity:_unassigned" {
		t.Fatalf("redisChannel(\"\") = %q", got)
	}
}

func TestRedisFeedPublishSubscribe(t *testing.T) {
	addr := os.Getenv("TEST_REDIS_ADDR")
	if addr == "" {
		t.Skip("TEST_REDIS_ADDR not set")
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	feed, err := NewRedisFeed(ctx, addr, "", 0, zerolog.Nop())
	if err != nil {
		t.Fatalf("NewRedisFeed() error = %v", err)
	}
	defer feed.Close()

	ch, stop, err := feed.Subscribe(ctx, Filter{ClinicianID: "c-redis"})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	defer stop()

	_ = feed.Publish(ctx, RawEvent{Table: TableCheckIns, PatientID: "p-other", ClinicianID: "c-other"})
	if err := feed.Publish(ctx, RawEvent{Table: TableCheckIns, PatientID: "p-1", ClinicianID: "c-redis"}); err != nil {
		t.Fatalf("Publish() error = %v", err)
	}

	select {
	case got := <-ch:
		if got.PatientID != "p-1" {
			t.Fatalf("event = %+v, want p-1", got)
		}
	case <-ctx.Done():
		t.Fatalf("timed out waiting for redis event")
	}
}
