// Package health reports sentinel operational counters to Redis for the
// ops dashboard: evaluation cycles run and skipped, alerts fired,
// acknowledgements, escalations and audit retries.
package health

import (
	"context"
	"encoding/json"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/redis/go-redis/v9"
)

const (
	// KeyPrefix is the Redis key prefix for sentinel health snapshots.
	KeyPrefix = "health:"
	// TTL is how long a snapshot stays in Redis if not refreshed.
	TTL = 2 * time.Minute
	// DefaultReportInterval is the default snapshot write interval.
	DefaultReportInterval = 30 * time.Second
)

// Snapshot is the JSON shape written to Redis.
type Snapshot struct {
	ServiceName string    `json:"service_name"`
	StartedAt   time.Time `json:"started_at"`
	LastUpdated time.Time `json:"last_updated"`
	Status      string    `json:"status"`

	CyclesCompleted uint64 `json:"cycles_completed"`
	CyclesSkipped   uint64 `json:"cycles_skipped"`
	WatchdogRuns    uint64 `json:"watchdog_runs"`
	AlertsFired     uint64 `json:"alerts_fired"`
	AcksReceived    uint64 `json:"acks_received"`
	Escalations     uint64 `json:"escalations"`
	DispatchErrors  uint64 `json:"dispatch_errors"`
	AuditFailures   uint64 `json:"audit_failures"`
}

// Reporter accumulates counters and periodically writes them to Redis.
// A nil Redis client disables reporting but keeps the counters usable.
type Reporter struct {
	serviceName    string
	redis          *redis.Client
	startedAt      time.Time
	reportInterval time.Duration

	cyclesCompleted atomic.Uint64
	cyclesSkipped   atomic.Uint64
	watchdogRuns    atomic.Uint64
	alertsFired     atomic.Uint64
	acksReceived    atomic.Uint64
	escalations     atomic.Uint64
	dispatchErrors  atomic.Uint64
	auditFailures   atomic.Uint64

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// NewReporter creates a health reporter for a service.
func NewReporter(serviceName string, redisClient *redis.Client) *Reporter {
	return &Reporter{
		serviceName:    serviceName,
		redis:          redisClient,
		startedAt:      time.Now().UTC(),
		reportInterval: DefaultReportInterval,
		stopCh:         make(chan struct{}),
	}
}

// SetReportInterval overrides the snapshot write interval.
func (r *Reporter) SetReportInterval(interval time.Duration) {
	r.reportInterval = interval
}

// Start begins periodic reporting until ctx is canceled or Stop is called.
func (r *Reporter) Start(ctx context.Context) {
	r.wg.Add(1)
	go func() {
		defer r.wg.Done()
		ticker := time.NewTicker(r.reportInterval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				r.write(context.Background()) // final write
				return
			case <-r.stopCh:
				r.write(context.Background())
				return
			case <-ticker.C:
				r.write(ctx)
			}
		}
	}()
}

// Stop stops the reporting loop.
func (r *Reporter) Stop() {
	r.stopOnce.Do(func() { close(r.stopCh) })
	r.wg.Wait()
}

func (r *Reporter) CycleCompleted() { r.cyclesCompleted.Add(1) }
func (r *Reporter) CycleSkipped()   { r.cyclesSkipped.Add(1) }
func (r *Reporter) WatchdogRun()    { r.watchdogRuns.Add(1) }
func (r *Reporter) AlertFired()     { r.alertsFired.Add(1) }
func (r *Reporter) AckReceived()    { r.acksReceived.Add(1) }
func (r *Reporter) Escalation()     { r.escalations.Add(1) }
func (r *Reporter) DispatchError()  { r.dispatchErrors.Add(1) }
func (r *Reporter) AuditFailure()   { r.auditFailures.Add(1) }

// GetSnapshot returns the current counters without writing to Redis.
func (r *Reporter) GetSnapshot() *Snapshot {
	return &Snapshot{
		ServiceName:     r.serviceName,
		StartedAt:       r.startedAt,
		LastUpdated:     time.Now().UTC(),
		Status:          "healthy",
		CyclesCompleted: r.cyclesCompleted.Load(),
		CyclesSkipped:   r.cyclesSkipped.Load(),
		WatchdogRuns:    r.watchdogRuns.Load(),
		AlertsFired:     r.alertsFired.Load(),
		AcksReceived:    r.acksReceived.Load(),
		Escalations:     r.escalations.Load(),
		DispatchErrors:  r.dispatchErrors.Load(),
		AuditFailures:   r.auditFailures.Load(),
	}
}

func (r *Reporter) write(ctx context.Context) {
	if r.redis == nil {
		return
	}

	snap := r.GetSnapshot()
	data, err := json.Marshal(snap)
	if err != nil {
		slog.Error("Failed to marshal health snapshot", "service", r.serviceName, "error", err)
		return
	}

	key := KeyPrefix + r.serviceName
	if err := r.redis.Set(ctx, key, data, TTL).Err(); err != nil {
		slog.Error("Failed to write health snapshot to Redis", "service", r.serviceName, "error", err)
		return
	}

	slog.Debug("Health snapshot written", "service", r.serviceName, "key", key)
}
