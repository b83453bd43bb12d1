package staging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/segmentio/kafka-go"

	"github.com/userprops-io/userprops/internal/storage"
)

// Sentinel errors for event consumption.
var (
	// ErrConsumeFailed is returned when the broker cannot be read.
	ErrConsumeFailed = errors.New("consume failed")

	// ErrFlushFailed is returned when buffered rows cannot be staged.
	ErrFlushFailed = errors.New("staging flush failed")
)

// timeLayouts accepts both offset-carrying and plain event timestamps.
var timeLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999",
}

type (
	// event is the topic's wire shape for one raw user-property change.
	event struct {
		UUID           string          `json:"uuid"`
		EventTime      string          `json:"event_time"`
		UserProperties json.RawMessage `json:"user_properties_json"`
		Language       *string         `json:"language"`
		SessionID      *int            `json:"session_id"`
		StartVersion   *string         `json:"start_version"`
	}

	// Inserter stages decoded rows. Satisfied by storage.Warehouse.
	Inserter interface {
		InsertBatch(ctx context.Context, table string, rows []map[string]any, opts ...storage.InsertOption) ([]any, int, error)
	}

	// reader is the broker surface the consumer needs. Satisfied by
	// kafka.Reader and by test fakes.
	reader interface {
		FetchMessage(ctx context.Context) (kafka.Message, error)
		CommitMessages(ctx context.Context, msgs ...kafka.Message) error
		Close() error
	}

	// Consumer reads raw user-property events from a topic and batch-inserts
	// them into the staging table with migrated=false.
	Consumer struct {
		reader   reader
		inserter Inserter
		logger   *slog.Logger

		flushSize     int
		flushInterval time.Duration

		pending  []map[string]any
		messages []kafka.Message
	}
)

// NewConsumer creates a loader connected to the configured brokers.
func NewConsumer(cfg *Config, inserter Inserter, logger *slog.Logger) (*Consumer, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	r := kafka.NewReader(kafka.ReaderConfig{
		Brokers:  cfg.Brokers,
		Topic:    cfg.Topic,
		GroupID:  cfg.GroupID,
		MinBytes: 1,
		MaxBytes: 10 * 1024 * 1024,
	})

	return newConsumer(r, inserter, cfg, logger), nil
}

func newConsumer(r reader, inserter Inserter, cfg *Config, logger *slog.Logger) *Consumer {
	if logger == nil {
		logger = slog.Default()
	}

	return &Consumer{
		reader:        r,
		inserter:      inserter,
		logger:        logger.With(slog.String("component", "staging-loader")),
		flushSize:     cfg.FlushSize,
		flushInterval: cfg.FlushInterval,
	}
}

// Run consumes until the context is canceled. Offsets are committed only
// after the rows they cover have been staged, so a crash replays rather than
// loses events; the conflict clause makes the replay harmless.
func (c *Consumer) Run(ctx context.Context) error {
	defer func() { _ = c.reader.Close() }()

	lastFlush := time.Now()

	for {
		fetchCtx, cancel := context.WithTimeout(ctx, c.flushInterval)
		msg, err := c.reader.FetchMessage(fetchCtx)
		cancel()

		switch {
		case err == nil:
			c.buffer(msg)
		case errors.Is(err, context.DeadlineExceeded):
			// Idle topic. Fall through to the interval flush below.
		case errors.Is(err, context.Canceled), errors.Is(err, io.EOF):
			return c.flush(context.WithoutCancel(ctx))
		default:
			return fmt.Errorf("%w: %w", ErrConsumeFailed, err)
		}

		if len(c.pending) >= c.flushSize ||
			(len(c.pending) > 0 && time.Since(lastFlush) >= c.flushInterval) {
			if err := c.flush(ctx); err != nil {
				return err
			}

			lastFlush = time.Now()
		}

		if ctx.Err() != nil {
			return c.flush(context.WithoutCancel(ctx))
		}
	}
}

// buffer decodes one message into a staging row. Undecodable messages are
// logged and dropped so a poison pill cannot wedge the partition.
func (c *Consumer) buffer(msg kafka.Message) {
	row, err := decodeEvent(msg.Value)
	if err != nil {
		c.logger.Warn("dropping undecodable event",
			slog.Int64("offset", msg.Offset),
			slog.String("error", err.Error()))

		c.messages = append(c.messages, msg)

		return
	}

	c.pending = append(c.pending, row)
	c.messages = append(c.messages, msg)
}

// flush stages the buffered rows and commits the offsets they came from.
func (c *Consumer) flush(ctx context.Context) error {
	if len(c.pending) > 0 {
		_, _, err := c.inserter.InsertBatch(ctx, storage.TableStaging, c.pending,
			storage.WithConflictDoNothing("uuid"))
		if err != nil {
			return fmt.Errorf("%w: %w", ErrFlushFailed, err)
		}

		c.logger.Info("staged events", slog.Int("rows", len(c.pending)))
	}

	if len(c.messages) > 0 {
		if err := c.reader.CommitMessages(ctx, c.messages...); err != nil {
			return fmt.Errorf("%w: %w", ErrFlushFailed, err)
		}
	}

	c.pending = nil
	c.messages = nil

	return nil
}

// decodeEvent turns a topic message into a staging table row.
func decodeEvent(value []byte) (map[string]any, error) {
	var ev event
	if err := json.Unmarshal(value, &ev); err != nil {
		return nil, fmt.Errorf("decode event: %w", err)
	}

	id, err := uuid.Parse(ev.UUID)
	if err != nil {
		return nil, fmt.Errorf("decode event uuid: %w", err)
	}

	eventTime, err := parseEventTime(ev.EventTime)
	if err != nil {
		return nil, err
	}

	// Rows in one batch must share one shape: InsertBatch resolves the
	// statement's column list from the first row, so a sparse row here
	// would drop the optional fields of every other row in the flush.
	row := map[string]any{
		"uuid":                 id.String(),
		"event_time":           eventTime,
		"migrated":             false,
		"user_properties_json": nil,
		"language":             nil,
		"session_id":           nil,
		"start_version":        nil,
	}

	if len(ev.UserProperties) > 0 {
		row["user_properties_json"] = []byte(ev.UserProperties)
	}

	if ev.Language != nil {
		row["language"] = *ev.Language
	}

	if ev.SessionID != nil {
		row["session_id"] = *ev.SessionID
	}

	if ev.StartVersion != nil {
		row["start_version"] = *ev.StartVersion
	}

	return row, nil
}

func parseEventTime(raw string) (time.Time, error) {
	if raw == "" {
		return time.Time{}, errors.New("decode event: missing event_time")
	}

	for _, layout := range timeLayouts {
		if parsed, err := time.Parse(layout, raw); err == nil {
			return parsed.UTC(), nil
		}
	}

	return time.Time{}, fmt.Errorf("decode event: invalid event_time %q", raw)
}
