package poller

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"fpupdate/services/updater/internal/adb"
	"fpupdate/services/updater/internal/fault"
)

type scriptedSource struct {
	mu    sync.Mutex
	modes []adb.Mode
	err   error
	calls []time.Time
}

func (s *scriptedSource) DetectMode(context.Context) (adb.Mode, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.calls = append(s.calls, time.Now())
	if s.err != nil {
		return adb.ModeAbsent, s.err
	}
	if len(s.modes) == 0 {
		return adb.ModeAbsent, nil
	}
	mode := s.modes[0]
	if len(s.modes) > 1 {
		s.modes = s.modes[1:]
	}
	return mode, nil
}

type waitRecord struct {
	target  string
	polls   int
	reached bool
}

type fakeRecorder struct {
	waits []waitRecord
}

func (r *fakeRecorder) ModeWait(target string, polls int, _ time.Duration, reached bool) {
	r.waits = append(r.waits, waitRecord{target, polls, reached})
}

func TestNewRequiresSource(t *testing.T) {
	if _, err := New(nil); err == nil {
		t.Fatal("expected error for nil source")
	}
}

func TestAwaitModeSleepsBeforeEveryCheck(t *testing.T) {
	const interval = 20 * time.Millisecond
	src := &scriptedSource{modes: []adb.Mode{adb.ModeDebugBridge, adb.ModeAbsent, adb.ModeBootloader}}
	rec := &fakeRecorder{}
	p, err := New(src, WithRecorder(rec))
	if err != nil {
		t.Fatal(err)
	}

	start := time.Now()
	if err := p.AwaitMode(context.Background(), adb.ModeBootloader, interval, 0); err != nil {
		t.Fatalf("AwaitMode() error = %v", err)
	}

	if len(src.calls) != 3 {
		t.Fatalf("DetectMode calls = %d, want 3", len(src.calls))
	}
	if first := src.calls[0].Sub(start); first < interval {
		t.Fatalf("first check after %s, want at least %s", first, interval)
	}
	if elapsed := time.Since(start); elapsed < 3*interval {
		t.Fatalf("returned after %s, before three intervals elapsed", elapsed)
	}
	if len(rec.waits) != 1 || rec.waits[0] != (waitRecord{"bootloader", 3, true}) {
		t.Fatalf("recorded waits = %+v", rec.waits)
	}
}

func TestAwaitModeReturnsWithinOneIntervalOfChange(t *testing.T) {
	const interval = 10 * time.Millisecond
	src := &scriptedSource{modes: []adb.Mode{adb.ModeAbsent}}
	p, _ := New(src)

	changed := make(chan time.Time, 1)
	go func() {
		time.Sleep(35 * time.Millisecond)
		src.mu.Lock()
		src.modes = []adb.Mode{adb.ModeDebugBridge}
		src.mu.Unlock()
		changed <- time.Now()
	}()

	if err := p.AwaitMode(context.Background(), adb.ModeDebugBridge, interval, time.Second); err != nil {
		t.Fatalf("AwaitMode() error = %v", err)
	}
	at := <-changed
	// Allow generous scheduling slack on loaded machines.
	if lag := time.Since(at); lag > interval+50*time.Millisecond {
		t.Fatalf("returned %s after the change, want about one interval", lag)
	}
}

func TestAwaitModeTimeout(t *testing.T) {
	src := &scriptedSource{}
	rec := &fakeRecorder{}
	p, _ := New(src, WithRecorder(rec))

	err := p.AwaitMode(context.Background(), adb.ModeBootloader, 5*time.Millisecond, 30*time.Millisecond)
	if !errors.Is(err, fault.ErrTimeout) {
		t.Fatalf("AwaitMode() error = %v, want timeout", err)
	}
	if len(rec.waits) != 1 || rec.waits[0].reached {
		t.Fatalf("recorded waits = %+v", rec.waits)
	}
}

func TestAwaitModeDetectionErrorIsFatal(t *testing.T) {
	boom := &fault.ToolInvocationError{Tool: "fastboot", Args: []string{"devices"}, ExitCode: 1}
	src := &scriptedSource{err: boom}
	p, _ := New(src)

	err := p.AwaitMode(context.Background(), adb.ModeBootloader, time.Millisecond, 0)
	if !errors.Is(err, fault.ErrToolInvocation) {
		t.Fatalf("AwaitMode() error = %v, want tool invocation error", err)
	}
	if len(src.calls) != 1 {
		t.Fatalf("DetectMode calls = %d, want 1", len(src.calls))
	}
}

func TestAwaitModeCancelled(t *testing.T) {
	p, _ := New(&scriptedSource{})
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	if err := p.AwaitMode(ctx, adb.ModeDebugBridge, 5*time.Millisecond, 0); !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("AwaitMode() error = %v, want context deadline", err)
	}
}

func TestAwaitModeRejectsBadArguments(t *testing.T) {
	p, _ := New(&scriptedSource{})
	tests := []struct {
		name              string
		interval, timeout time.Duration
	}{
		{"zero interval", 0, 0},
		{"negative timeout", time.Millisecond, -time.Second},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if err := p.AwaitMode(context.Background(), adb.ModeBootloader, tt.interval, tt.timeout); err == nil {
				t.Fatal("expected error")
			}
		})
	}
}
