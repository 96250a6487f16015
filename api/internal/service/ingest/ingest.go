package ingest

import (
	"context"
	"errors"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/Pavan0228/SnapDeploy/api/internal/domain"
	"github.com/Pavan0228/SnapDeploy/api/internal/repository"
	"github.com/Pavan0228/SnapDeploy/pkg/logstream"
)

// eventNamespace seeds ids derived from transport positions.
var eventNamespace = uuid.MustParse("6f1d3a52-4c1b-4d8e-9a57-2f0c7b9e5d11")

// Message is one transport entry awaiting acknowledgment.
type Message struct {
	Stream  string
	ID      string
	Payload []byte
}

// Source is the consumer side of the log transport.
type Source interface {
	// Fetch blocks briefly and returns the next batch, replaying this
	// consumer's unacknowledged entries first.
	Fetch(ctx context.Context) ([]Message, error)
	Ack(ctx context.Context, msg Message) error
	// Heartbeat tells the group coordinator the messages are still being worked on.
	Heartbeat(ctx context.Context, msgs []Message) error
}

// Store receives parsed events.
type Store interface {
	InsertLogEvent(ctx context.Context, event domain.LogEvent) error
}

// TerminalHook is invoked after a terminal event has been stored.
type TerminalHook func(ctx context.Context, deploymentID string, status domain.LogStatus)

// Result summarises one batch.
type Result struct {
	Processed int
	Acked     int
	Malformed int
	Failed    int
}

// Ingester moves log events from the transport into the store, acknowledging
// each message only after its write succeeds.
type Ingester struct {
	source    Source
	store     Store
	onTerm    TerminalHook
	logger    *slog.Logger
	heartbeat time.Duration
	backoff   time.Duration
	now       func() time.Time
}

// Options tunes the ingestion loop.
type Options struct {
	Heartbeat      time.Duration
	RestartBackoff time.Duration
	OnTerminal     TerminalHook
}

// New constructs an Ingester.
func New(source Source, store Store, logger *slog.Logger, opts Options) *Ingester {
	if opts.Heartbeat <= 0 {
		opts.Heartbeat = 5 * time.Second
	}
	if opts.RestartBackoff <= 0 {
		opts.RestartBackoff = 5 * time.Second
	}
	return &Ingester{
		source:    source,
		store:     store,
		onTerm:    opts.OnTerminal,
		logger:    logger.With("component", "ingester"),
		heartbeat: opts.Heartbeat,
		backoff:   opts.RestartBackoff,
		now:       time.Now,
	}
}

// Run consumes until ctx is cancelled. Transport errors restart the consume
// loop after a fixed backoff.
func (i *Ingester) Run(ctx context.Context) {
	i.logger.Info("log ingester started")
	defer i.logger.Info("log ingester stopped")
	for {
		msgs, err := i.source.Fetch(ctx)
		if ctx.Err() != nil {
			return
		}
		if err != nil {
			transportErrors.Inc()
			i.logger.Warn("log transport fetch failed, restarting consumer", "error", err, "backoff", i.backoff)
			select {
			case <-ctx.Done():
				return
			case <-time.After(i.backoff):
			}
			continue
		}
		if len(msgs) == 0 {
			continue
		}
		i.ProcessBatch(ctx, msgs)
	}
}

// ProcessBatch handles msgs sequentially in delivery order.
func (i *Ingester) ProcessBatch(ctx context.Context, msgs []Message) Result {
	hbCtx, stop := context.WithCancel(ctx)
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		i.keepAlive(hbCtx, msgs)
	}()
	defer func() {
		stop()
		wg.Wait()
	}()

	var res Result
	for _, msg := range msgs {
		if ctx.Err() != nil {
			break
		}
		res.Processed++
		outcome := i.handle(ctx, msg)
		switch outcome {
		case outcomeMalformed:
			res.Malformed++
		case outcomeFailed:
			res.Failed++
			continue
		}
		if err := i.source.Ack(ctx, msg); err != nil {
			i.logger.Warn("ack failed, message will be redelivered", "stream", msg.Stream, "id", msg.ID, "error", err)
			continue
		}
		res.Acked++
	}
	messagesTotal.WithLabelValues("processed").Add(float64(res.Processed))
	messagesTotal.WithLabelValues("acked").Add(float64(res.Acked))
	messagesTotal.WithLabelValues("malformed").Add(float64(res.Malformed))
	messagesTotal.WithLabelValues("failed").Add(float64(res.Failed))
	return res
}

type outcome int

const (
	outcomeStored outcome = iota
	outcomeMalformed
	outcomeFailed
)

func (i *Ingester) handle(ctx context.Context, msg Message) outcome {
	parsed, err := logstream.Parse(msg.Payload)
	if err != nil {
		i.logger.Warn("skipping malformed log message", "stream", msg.Stream, "id", msg.ID, "error", err)
		return outcomeMalformed
	}
	event := i.toEvent(msg, parsed)
	if err := i.store.InsertLogEvent(ctx, event); err != nil {
		if errors.Is(err, repository.ErrInvalidArgument) {
			i.logger.Warn("store rejected log event, skipping",
				"deployment_id", event.DeploymentID, "event_id", event.EventID, "stream", msg.Stream, "id", msg.ID, "error", err)
			return outcomeMalformed
		}
		if !errors.Is(err, context.Canceled) {
			i.logger.Error("log event write failed, leaving message unacknowledged",
				"deployment_id", event.DeploymentID, "event_id", event.EventID, "stream", msg.Stream, "id", msg.ID, "error", err)
		}
		return outcomeFailed
	}
	if event.Status.IsTerminal() && i.onTerm != nil {
		i.onTerm(ctx, event.DeploymentID, event.Status)
	}
	return outcomeStored
}

func (i *Ingester) toEvent(msg Message, parsed logstream.Message) domain.LogEvent {
	event := domain.LogEvent{
		EventID:      parsed.EventID,
		DeploymentID: parsed.DeploymentID,
		Log:          parsed.Log,
		Status:       domain.LogStatus(parsed.Status),
		Timestamp:    parsed.Timestamp,
	}
	if event.EventID == "" {
		event.EventID = uuid.NewSHA1(eventNamespace, []byte(msg.Stream+"/"+msg.ID)).String()
	}
	if event.Timestamp.IsZero() {
		event.Timestamp = entryTime(msg.ID, i.now)
	}
	return event
}

// entryTime reads the millisecond prefix of a stream entry id like "1700000000000-3".
func entryTime(id string, now func() time.Time) time.Time {
	prefix, _, _ := strings.Cut(id, "-")
	if ms, err := strconv.ParseInt(prefix, 10, 64); err == nil && ms > 0 {
		return time.UnixMilli(ms).UTC()
	}
	return now().UTC()
}

func (i *Ingester) keepAlive(ctx context.Context, msgs []Message) {
	ticker := time.NewTicker(i.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := i.source.Heartbeat(ctx, msgs); err != nil && ctx.Err() == nil {
				i.logger.Warn("transport heartbeat failed", "error", err)
			}
		}
	}
}
