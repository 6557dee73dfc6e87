package events

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"fpupdate/services/updater/internal/workflow"
)

const (
	// StreamName is the JetStream stream holding run events.
	StreamName = "FPUPDATE_RUNS"

	SubjectPrefix   = "fpupdate.runs"
	SubjectStarted  = SubjectPrefix + ".started"
	SubjectState    = SubjectPrefix + ".state"
	SubjectFinished = SubjectPrefix + ".finished"
	SubjectAll      = SubjectPrefix + ".>"

	streamMaxAge = 30 * 24 * time.Hour
)

// Bus is the part of pkg/bus the publisher and watcher need.
type Bus interface {
	EnsureStream(name string, subjects []string, maxAge time.Duration) error
	Publish(ctx context.Context, subj, msgID string, v any) error
	Subscribe(ctx context.Context, subj, durable string, fn func(ctx context.Context, subject string, data []byte) error) (io.Closer, error)
}

// Publisher forwards workflow events to NATS.
type Publisher struct {
	bus Bus
}

// NewPublisher ensures the run stream exists and returns a Publisher.
func NewPublisher(bus Bus) (*Publisher, error) {
	if bus == nil {
		return nil, errors.New("bus is required")
	}
	if err := bus.EnsureStream(StreamName, []string{SubjectAll}, streamMaxAge); err != nil {
		return nil, fmt.Errorf("ensure stream %s: %w", StreamName, err)
	}
	return &Publisher{bus: bus}, nil
}

// Observe implements workflow.Observer.
func (p *Publisher) Observe(ctx context.Context, evt workflow.Event) error {
	subject := Subject(evt.Kind)
	msgID := fmt.Sprintf("%s-%s-%s", evt.RunID, evt.Kind, evt.State)
	return p.bus.Publish(ctx, subject, msgID, evt)
}

// Subject maps an event kind to its subject.
func Subject(kind workflow.EventKind) string {
	switch kind {
	case workflow.EventRunStarted:
		return SubjectStarted
	case workflow.EventRunFinished:
		return SubjectFinished
	default:
		return SubjectState
	}
}

// Watch delivers new run events to fn until ctx is done.
func Watch(ctx context.Context, bus Bus, fn func(workflow.Event) error) error {
	if bus == nil {
		return errors.New("bus is required")
	}
	if err := bus.EnsureStream(StreamName, []string{SubjectAll}, streamMaxAge); err != nil {
		return fmt.Errorf("ensure stream %s: %w", StreamName, err)
	}

	sub, err := bus.Subscribe(ctx, SubjectAll, "", func(_ context.Context, subject string, data []byte) error {
		var evt workflow.Event
		if err := json.Unmarshal(data, &evt); err != nil {
			return fmt.Errorf("decode %s: %w", subject, err)
		}
		return fn(evt)
	})
	if err != nil {
		return err
	}
	defer sub.Close()

	<-ctx.Done()
	return nil
}

// Format renders an event as one line for terminals.
func Format(evt workflow.Event) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s %s %-16s %s", evt.At.Local().Format(time.TimeOnly), shortID(evt.RunID.String()), evt.Kind, evt.State)
	if evt.Duration > 0 {
		fmt.Fprintf(&b, " (%s)", evt.Duration.Round(time.Millisecond))
	}
	if evt.Error != "" {
		fmt.Fprintf(&b, " error=%q", evt.Error)
	}
	return b.String()
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}
