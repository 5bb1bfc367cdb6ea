package monitor

import (
	"context"
	"strings"
	"sync"
	"time"

	"crewctl/internal/logging"
)

type LoopSnapshot struct {
	Running         bool       `json:"running"`
	StartedAt       *time.Time `json:"started_at,omitempty"`
	LastTickAt      *time.Time `json:"last_tick_at,omitempty"`
	TotalTicks      int64      `json:"total_ticks"`
	TotalReconciled int64      `json:"total_reconciled"`
	ActiveWorkers   int        `json:"active_workers"`
	StuckWorkers    []int      `json:"stuck_workers"`
	BusHealthy      bool       `json:"bus_healthy"`
	BusError        string     `json:"bus_error,omitempty"`
}

// Loop is the optional background monitoring thread. It reconciles on the
// monitor interval and keeps a snapshot for status readers.
type Loop struct {
	monitor     *Monitor
	health      func() error
	logInterval time.Duration

	mu       sync.RWMutex
	running  bool
	doneChan chan struct{}
	snapshot LoopSnapshot
}

func NewLoop(monitor *Monitor, health func() error, logInterval time.Duration) *Loop {
	if logInterval <= 0 {
		logInterval = time.Minute
	}
	return &Loop{
		monitor:     monitor,
		health:      health,
		logInterval: logInterval,
		snapshot:    LoopSnapshot{BusHealthy: true, StuckWorkers: []int{}},
	}
}

func (l *Loop) Start(ctx context.Context) {
	l.mu.Lock()
	if l.running {
		l.mu.Unlock()
		return
	}
	l.running = true
	now := time.Now().UTC()
	l.snapshot.Running = true
	l.snapshot.StartedAt = timePtr(now)
	l.doneChan = make(chan struct{})
	done := l.doneChan
	l.mu.Unlock()

	go func() {
		defer close(done)
		l.loop(ctx)
		l.mu.Lock()
		l.running = false
		l.snapshot.Running = false
		l.mu.Unlock()
	}()
}

// Wait blocks until the loop exits. A non-positive timeout waits forever.
func (l *Loop) Wait(timeout time.Duration) bool {
	l.mu.RLock()
	done := l.doneChan
	l.mu.RUnlock()
	if done == nil {
		return true
	}
	if timeout <= 0 {
		<-done
		return true
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case <-done:
		return true
	case <-timer.C:
		return false
	}
}

func (l *Loop) Snapshot() LoopSnapshot {
	l.mu.RLock()
	defer l.mu.RUnlock()
	copySnapshot := l.snapshot
	copySnapshot.StartedAt = cloneTimePtr(l.snapshot.StartedAt)
	copySnapshot.LastTickAt = cloneTimePtr(l.snapshot.LastTickAt)
	copySnapshot.StuckWorkers = append([]int(nil), l.snapshot.StuckWorkers...)
	return copySnapshot
}

func (l *Loop) loop(ctx context.Context) {
	ticker := time.NewTicker(l.monitor.interval)
	defer ticker.Stop()
	logTicker := time.NewTicker(l.logInterval)
	defer logTicker.Stop()

	l.runIteration(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			l.runIteration(ctx)
		case <-logTicker.C:
			l.logSnapshot(ctx)
		}
	}
}

func (l *Loop) runIteration(ctx context.Context) {
	report := l.monitor.Reconcile(ctx)
	if ctx.Err() != nil {
		return
	}
	var busErr error
	if l.health != nil {
		busErr = l.health()
	}

	l.mu.Lock()
	defer l.mu.Unlock()
	l.snapshot.LastTickAt = timePtr(report.CheckedAt)
	l.snapshot.TotalTicks++
	l.snapshot.TotalReconciled += int64(len(report.Reconciled))
	l.snapshot.ActiveWorkers = report.Running
	l.snapshot.StuckWorkers = l.snapshot.StuckWorkers[:0]
	for _, stuck := range report.Stuck {
		l.snapshot.StuckWorkers = append(l.snapshot.StuckWorkers, stuck.PID)
	}
	if busErr != nil {
		l.snapshot.BusHealthy = false
		l.snapshot.BusError = strings.TrimSpace(busErr.Error())
	} else {
		l.snapshot.BusHealthy = true
		l.snapshot.BusError = ""
	}
}

func (l *Loop) logSnapshot(ctx context.Context) {
	snapshot := l.Snapshot()
	logging.Info(ctx, "monitor loop",
		"active", snapshot.ActiveWorkers,
		"stuck", len(snapshot.StuckWorkers),
		"reconciled", snapshot.TotalReconciled,
		"ticks", snapshot.TotalTicks,
		"bus_healthy", snapshot.BusHealthy,
	)
}

func timePtr(value time.Time) *time.Time {
	clone := value
	return &clone
}

func cloneTimePtr(value *time.Time) *time.Time {
	if value == nil {
		return nil
	}
	clone := *value
	return &clone
}
