package audit

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"otp-auth-service/internal/client"
	"otp-auth-service/internal/model"
	"otp-auth-service/internal/util"
)

// Recorder receives authentication events. Recording is best effort: the
// request path never fails because an audit sink is down.
type Recorder interface {
	Record(ctx context.Context, event *model.AuthEvent)
}

// NopRecorder drops events. Used when no sink is configured.
type NopRecorder struct{}

func (NopRecorder) Record(context.Context, *model.AuthEvent) {}

// KafkaRecorder publishes events to the auth events topic, keyed by phone
// hash so one phone's events land in order on one partition.
type KafkaRecorder struct {
	producer *client.KafkaProducer
}

func NewKafkaRecorder(producer *client.KafkaProducer) *KafkaRecorder {
	return &KafkaRecorder{producer: producer}
}

func (r *KafkaRecorder) Record(ctx context.Context, event *model.AuthEvent) {
	fillEvent(event)

	payload, err := json.Marshal(event)
	if err != nil {
		util.Error("failed to encode auth event", util.ErrorField(err))
		return
	}

	if err := r.producer.Publish(ctx, []byte(event.PhoneHash), payload); err != nil {
		util.Error("failed to publish auth event",
			util.String("event_type", event.EventType),
			util.ErrorField(err))
	}
}

const insertEventQuery = `
	INSERT INTO auth_events
		(event_id, event_type, phone_hash, user_id, session_id, client_ip, outcome, detail, created_at)
	VALUES`

// ClickHouseRecorder buffers events and flushes them in batches to the
// analytics table.
type ClickHouseRecorder struct {
	ch      *client.ClickHouseClient
	events  chan *model.AuthEvent
	done    chan struct{}
	maxSize int
}

func NewClickHouseRecorder(ch *client.ClickHouseClient) *ClickHouseRecorder {
	r := &ClickHouseRecorder{
		ch:      ch,
		events:  make(chan *model.AuthEvent, 1024),
		done:    make(chan struct{}),
		maxSize: 100,
	}
	go r.flushLoop()
	return r
}

func (r *ClickHouseRecorder) Record(_ context.Context, event *model.AuthEvent) {
	fillEvent(event)
	select {
	case r.events <- event:
	default:
		util.Warn("auth event buffer full, dropping event",
			util.String("event_type", event.EventType))
	}
}

func (r *ClickHouseRecorder) flushLoop() {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	batch := make([]*model.AuthEvent, 0, r.maxSize)
	for {
		select {
		case ev := <-r.events:
			batch = append(batch, ev)
			if len(batch) >= r.maxSize {
				r.flush(batch)
				batch = batch[:0]
			}
		case <-ticker.C:
			if len(batch) > 0 {
				r.flush(batch)
				batch = batch[:0]
			}
		case <-r.done:
			if len(batch) > 0 {
				r.flush(batch)
			}
			return
		}
	}
}

func (r *ClickHouseRecorder) flush(batch []*model.AuthEvent) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	rows := make([][]any, 0, len(batch))
	for _, ev := range batch {
		rows = append(rows, []any{
			ev.EventID, ev.EventType, ev.PhoneHash, ev.UserID,
			ev.SessionID, ev.ClientIP, ev.Outcome, ev.Detail, ev.CreatedAt,
		})
	}

	if err := r.ch.BatchInsert(ctx, insertEventQuery, rows); err != nil {
		util.Error("failed to flush auth events",
			util.Int("count", len(batch)),
			util.ErrorField(err))
	}
}

// Close flushes whatever is buffered and stops the loop.
func (r *ClickHouseRecorder) Close() {
	close(r.done)
}

// MultiRecorder fans one event out to several sinks.
type MultiRecorder []Recorder

func (m MultiRecorder) Record(ctx context.Context, event *model.AuthEvent) {
	fillEvent(event)
	for _, r := range m {
		r.Record(ctx, event)
	}
}

func fillEvent(event *model.AuthEvent) {
	if event.EventID == "" {
		event.EventID = uuid.New().String()
	}
	if event.CreatedAt.IsZero() {
		event.CreatedAt = time.Now().UTC()
	}
}
