package service

import (
	"context"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/carapace-gateway/carapace/internal/domain/audit"
)

// AuditService provides async audit logging in front of an audit.Store: the
// request path calls Record and returns immediately, and a background
// worker batches and flushes to the store. Records are queued on one of two
// bounded channels by priority — deny and error outcomes on highChan, plain
// allows on lowChan — so that under sustained overflow, allow records are
// dropped first and denials/errors keep flowing. DroppedRecords reports the
// sum for health/metrics; on each loop pass the worker first takes a record
// already waiting on highChan, then reads whichever channel is ready.
type AuditService struct {
	store audit.Store

	highChan chan audit.Record
	lowChan  chan audit.Record
	done     chan struct{}
	wg       sync.WaitGroup
	logger   *slog.Logger

	batchSize     int
	flushInterval time.Duration
	sendTimeout   time.Duration

	channelSize int
	dropHigh    atomic.Int64
	dropLow     atomic.Int64

	warningThreshold int
	lastWarning      atomic.Int64
}

// AuditOption configures AuditService.
type AuditOption func(*AuditService)

// WithBatchSize sets the number of records to batch before writing.
func WithBatchSize(size int) AuditOption {
	return func(s *AuditService) { s.batchSize = size }
}

// WithFlushInterval sets the interval to flush pending records.
func WithFlushInterval(interval time.Duration) AuditOption {
	return func(s *AuditService) { s.flushInterval = interval }
}

// WithChannelSize sets the combined capacity of the high+low priority
// channels (split roughly 1:4, high:low).
func WithChannelSize(size int) AuditOption {
	return func(s *AuditService) {
		if size < 2 {
			size = 2
		}
		highCap := size / 5
		if highCap < 1 {
			highCap = 1
		}
		lowCap := size - highCap
		s.highChan = make(chan audit.Record, highCap)
		s.lowChan = make(chan audit.Record, lowCap)
		s.channelSize = size
	}
}

// WithSendTimeout sets how long Record blocks on a full channel before
// dropping. 0 drops immediately without blocking.
func WithSendTimeout(timeout time.Duration) AuditOption {
	return func(s *AuditService) { s.sendTimeout = timeout }
}

// WithWarningThreshold sets the combined channel depth percentage (0-100)
// above which a rate-limited warning is logged.
func WithWarningThreshold(percent int) AuditOption {
	return func(s *AuditService) {
		if percent < 0 {
			percent = 0
		}
		if percent > 100 {
			percent = 100
		}
		s.warningThreshold = percent
	}
}

// NewAuditService creates an AuditService wrapping store.
func NewAuditService(store audit.Store, logger *slog.Logger, opts ...AuditOption) *AuditService {
	const defaultSize = 1000
	s := &AuditService{
		store:            store,
		highChan:         make(chan audit.Record, defaultSize/5),
		lowChan:          make(chan audit.Record, defaultSize-defaultSize/5),
		done:             make(chan struct{}),
		logger:           logger,
		batchSize:        100,
		flushInterval:    time.Second,
		sendTimeout:      100 * time.Millisecond,
		channelSize:      defaultSize,
		warningThreshold: 80,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start begins the background worker that batches and writes audit records.
func (s *AuditService) Start(ctx context.Context) {
	s.wg.Add(1)
	go s.worker(ctx)
}

// isHighPriority reports whether rec should be queued ahead of plain allows.
func isHighPriority(rec audit.Record) bool {
	return rec.PolicyResult == audit.PolicyDeny || rec.ErrorKind != ""
}

// Record enqueues rec for async persistence. Non-blocking fast path, then
// blocks up to sendTimeout under backpressure before dropping.
func (s *AuditService) Record(rec audit.Record) {
	ch, dropCount := s.lowChan, &s.dropLow
	if isHighPriority(rec) {
		ch, dropCount = s.highChan, &s.dropHigh
	}

	if s.warningThreshold > 0 {
		depth := len(s.highChan) + len(s.lowChan)
		threshold := s.channelSize * s.warningThreshold / 100
		if depth >= threshold {
			s.warnChannelDepth(depth)
		}
	}

	select {
	case ch <- rec:
		return
	default:
	}

	if s.sendTimeout <= 0 {
		s.recordDrop(rec, dropCount)
		return
	}

	select {
	case ch <- rec:
	case <-time.After(s.sendTimeout):
		s.recordDrop(rec, dropCount)
	}
}

func (s *AuditService) recordDrop(rec audit.Record, counter *atomic.Int64) {
	drops := counter.Add(1)
	s.logger.Warn("audit record dropped",
		"tool", rec.Tool,
		"request_id", rec.RequestID,
		"policy_result", rec.PolicyResult,
		"total_drops", drops,
	)
}

func (s *AuditService) warnChannelDepth(depth int) {
	now := time.Now().UnixNano()
	last := s.lastWarning.Load()
	if now-last < int64(time.Second) {
		return
	}
	if s.lastWarning.CompareAndSwap(last, now) {
		s.logger.Warn("audit channel approaching capacity",
			"depth", depth,
			"capacity", s.channelSize,
			"percent", depth*100/s.channelSize,
		)
	}
}

// DroppedRecords returns the total count of dropped records across both
// priority channels (for metrics/health).
func (s *AuditService) DroppedRecords() int64 {
	return s.dropHigh.Load() + s.dropLow.Load()
}

// ChannelDepth returns the combined current queue depth.
func (s *AuditService) ChannelDepth() int {
	return len(s.highChan) + len(s.lowChan)
}

// ChannelCapacity returns the combined buffer capacity.
func (s *AuditService) ChannelCapacity() int {
	return s.channelSize
}

// Stop signals the worker to stop and waits for it to finish, flushing
// pending records first.
func (s *AuditService) Stop() {
	close(s.highChan)
	close(s.lowChan)
	s.wg.Wait()
}

func (s *AuditService) worker(ctx context.Context) {
	defer s.wg.Done()

	batch := make([]audit.Record, 0, s.batchSize)
	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	highOpen, lowOpen := true, true

	for {
		if !highOpen && !lowOpen {
			if len(batch) > 0 {
				flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				s.flush(flushCtx, batch)
				cancel()
			}
			return
		}

		// Priority drain: always prefer a record already waiting on highChan.
		select {
		case rec, ok := <-s.highChan:
			if !ok {
				highOpen = false
			} else {
				batch = append(batch, rec)
			}
		default:
		}

		if len(batch) >= s.batchSize {
			s.flush(ctx, batch)
			batch = batch[:0]
			continue
		}

		select {
		case rec, ok := <-s.highChan:
			if !ok {
				highOpen = false
				continue
			}
			batch = append(batch, rec)
		case rec, ok := <-s.lowChan:
			if !ok {
				lowOpen = false
				continue
			}
			batch = append(batch, rec)
		case <-ticker.C:
			if len(batch) > 0 {
				s.flush(ctx, batch)
				batch = batch[:0]
			}
		case <-ctx.Done():
			s.drainAndFlush(batch)
			return
		}

		if len(batch) >= s.batchSize {
			s.flush(ctx, batch)
			batch = batch[:0]
		}
	}
}

// drainAndFlush empties both channels without blocking and writes whatever
// was collected, with a bounded deadline, on shutdown.
func (s *AuditService) drainAndFlush(batch []audit.Record) {
	draining := true
	for draining {
		select {
		case rec, ok := <-s.highChan:
			if !ok {
				draining = false
				continue
			}
			batch = append(batch, rec)
		case rec, ok := <-s.lowChan:
			if !ok {
				draining = false
				continue
			}
			batch = append(batch, rec)
		default:
			draining = false
		}
	}
	if len(batch) > 0 {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		s.flush(flushCtx, batch)
		cancel()
	}
}

func (s *AuditService) flush(ctx context.Context, batch []audit.Record) {
	if err := s.store.Append(ctx, batch...); err != nil {
		s.logger.Error("failed to write audit batch", "error", err, "count", len(batch))
	}
}
