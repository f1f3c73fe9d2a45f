package service

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"

	"go.uber.org/goleak"

	"github.com/carapace-gateway/carapace/internal/domain/audit"
	"github.com/carapace-gateway/carapace/internal/domain/wire"
)

type mockAuditStore struct {
	mu      sync.Mutex
	delay   time.Duration
	records []audit.Record
}

func (m *mockAuditStore) Append(_ context.Context, records ...audit.Record) error {
	if m.delay > 0 {
		time.Sleep(m.delay)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, records...)
	return nil
}

func (m *mockAuditStore) Flush(context.Context) error { return nil }
func (m *mockAuditStore) Close() error                { return nil }

func (m *mockAuditStore) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.records)
}

func TestAuditService_OverflowPrioritizesDenyOverAllow(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := &mockAuditStore{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	// channelSize=50 splits into highCap=10, lowCap=40. Enqueue well past
	// each channel's own capacity, with immediate-drop semantics, before the
	// worker ever drains, so the outcome is capacity-bound, not timing-bound.
	svc := NewAuditService(store, logger,
		WithChannelSize(50),
		WithSendTimeout(0),
		WithBatchSize(100),
	)

	for i := 0; i < 60; i++ {
		svc.Record(audit.Record{Tool: wire.Tool(fmt.Sprintf("tool_%d", i)), PolicyResult: audit.PolicyAllow})
	}
	for i := 0; i < 5; i++ {
		svc.Record(audit.Record{Tool: wire.Tool(fmt.Sprintf("deny_%d", i)), PolicyResult: audit.PolicyDeny})
	}

	if svc.dropLow.Load() == 0 {
		t.Error("expected allow records to be dropped once lowChan's capacity was exceeded")
	}
	if svc.dropHigh.Load() != 0 {
		t.Errorf("dropHigh = %d, want 0: deny records fit within highChan's capacity and should never drop here", svc.dropHigh.Load())
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)
	svc.Stop()

	store.mu.Lock()
	defer store.mu.Unlock()
	denyCount := 0
	for _, rec := range store.records {
		if rec.PolicyResult == audit.PolicyDeny {
			denyCount++
		}
	}
	if denyCount != 5 {
		t.Errorf("stored %d deny records, want all 5 to survive overflow", denyCount)
	}
}

func TestAuditService_FlushesOnStop(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := &mockAuditStore{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))

	svc := NewAuditService(store, logger, WithBatchSize(100), WithFlushInterval(time.Hour))

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)

	for i := 0; i < 5; i++ {
		svc.Record(audit.Record{Tool: "t", PolicyResult: audit.PolicyAllow})
	}

	svc.Stop()

	if got := store.count(); got != 5 {
		t.Errorf("store has %d records after Stop(), want 5", got)
	}
}

func TestAuditService_ChannelDepthAndCapacity(t *testing.T) {
	defer goleak.VerifyNone(t)

	store := &mockAuditStore{}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svc := NewAuditService(store, logger, WithChannelSize(50))

	if svc.ChannelCapacity() != 50 {
		t.Errorf("ChannelCapacity() = %d, want 50", svc.ChannelCapacity())
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	svc.Start(ctx)
	svc.Stop()
}
