package kafka_infra

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"eventrelay/internal/domain"
)

// SubmitFunc hands a consumed message to the dispatch pool. done is called
// with the dispatch outcome; nil acknowledges the message.
type SubmitFunc func(ctx context.Context, msg domain.ConsumedMessage, done func(error)) error

// Consumer reads the inbound topic and feeds the dispatch pool. Dispatches
// complete out of order across workers, but consumer-group offsets are
// per-partition watermarks, so the consumer commits only the highest
// contiguous dispatched offset of each partition. A failed dispatch holds
// the watermark back and the broker redelivers from it (at-least-once); the
// duplicates behind it are absorbed by the inbox.
type Consumer struct {
	reader  *kafka.Reader
	offsets *offsetTracker
	// commitMu serializes commits so a later watermark cannot be overtaken
	// by an earlier one racing it from another worker.
	commitMu sync.Mutex
	logger   *zap.Logger
}

// offsetTracker tracks dispatched offsets per partition and exposes the
// highest contiguous dispatched offset as the committable watermark.
type offsetTracker struct {
	mu         sync.Mutex
	partitions map[int]*partitionOffsets
}

type partitionOffsets struct {
	start int64
	next  int64
	acked map[int64]struct{}
}

func newOffsetTracker() *offsetTracker {
	return &offsetTracker{partitions: make(map[int]*partitionOffsets)}
}

// observe registers a fetched offset. The first observed offset of a
// partition anchors its watermark; fetches arrive in offset order per
// partition.
func (t *offsetTracker) observe(partition int, offset int64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.partitions[partition]; !ok {
		t.partitions[partition] = &partitionOffsets{
			start: offset,
			next:  offset,
			acked: make(map[int64]struct{}),
		}
	}
}

// ack marks offset dispatched and reports whether the partition's watermark
// advanced. Offsets below the watermark are stale redeliveries and ignored.
func (t *offsetTracker) ack(partition int, offset int64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.partitions[partition]
	if !ok || offset < p.next {
		return false
	}
	p.acked[offset] = struct{}{}
	advanced := false
	for {
		if _, ok := p.acked[p.next]; !ok {
			break
		}
		delete(p.acked, p.next)
		p.next++
		advanced = true
	}
	return advanced
}

// committable returns the current watermark offset for the partition, or
// false when nothing contiguous has been dispatched yet.
func (t *offsetTracker) committable(partition int) (int64, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	p, ok := t.partitions[partition]
	if !ok || p.next == p.start {
		return 0, false
	}
	return p.next - 1, true
}

func NewConsumer(brokerURLs []string, groupID, topic string, logger *zap.Logger) *Consumer {
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:           brokerURLs,
		GroupID:           groupID,
		Topic:             topic,
		MinBytes:          10e3,
		MaxBytes:          10e6,
		ReadBatchTimeout:  1 * time.Second,
		HeartbeatInterval: 3 * time.Second,
		CommitInterval:    time.Second,
		Logger:            kafka.LoggerFunc(func(msg string, args ...interface{}) { logger.Debug(fmt.Sprintf(msg, args...)) }),
		ErrorLogger:       kafka.LoggerFunc(func(msg string, args ...interface{}) { logger.Error(fmt.Sprintf(msg, args...)) }),
	})
	return &Consumer{reader: reader, offsets: newOffsetTracker(), logger: logger}
}

func (c *Consumer) Run(ctx context.Context, submit SubmitFunc) error {
	c.logger.Info("kafka consumer started",
		zap.String("topic", c.reader.Config().Topic),
		zap.String("group_id", c.reader.Config().GroupID),
	)

	for {
		fetched, err := c.reader.FetchMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return c.reader.Close()
			}
			c.logger.Error("failed to fetch message from kafka", zap.Error(err))
			select {
			case <-ctx.Done():
				return c.reader.Close()
			case <-time.After(time.Second):
			}
			continue
		}

		c.offsets.observe(fetched.Partition, fetched.Offset)
		msg := c.toConsumedMessage(fetched)
		err = submit(ctx, msg, func(dispatchErr error) {
			if dispatchErr != nil {
				c.logger.Error("dispatch failed, partition watermark held back",
					zap.String("message_id", msg.ID),
					zap.Int("partition", fetched.Partition),
					zap.Int64("offset", fetched.Offset),
					zap.Error(dispatchErr),
				)
				return
			}
			if !c.offsets.ack(fetched.Partition, fetched.Offset) {
				return
			}
			c.commitWatermark(ctx, fetched.Topic, fetched.Partition)
		})
		if err != nil {
			return c.reader.Close()
		}
	}
}

func (c *Consumer) commitWatermark(ctx context.Context, topic string, partition int) {
	c.commitMu.Lock()
	defer c.commitMu.Unlock()

	// Read the watermark under commitMu: workers racing here each commit the
	// freshest value, never a stale lower one.
	offset, ok := c.offsets.committable(partition)
	if !ok {
		return
	}
	commit := kafka.Message{Topic: topic, Partition: partition, Offset: offset}
	if err := c.reader.CommitMessages(ctx, commit); err != nil && ctx.Err() == nil {
		c.logger.Error("failed to commit kafka offset",
			zap.Int("partition", partition),
			zap.Int64("offset", offset),
			zap.Error(err),
		)
	}
}

func (c *Consumer) Close() error {
	return c.reader.Close()
}

func (c *Consumer) toConsumedMessage(msg kafka.Message) domain.ConsumedMessage {
	consumed := domain.ConsumedMessage{
		Payload:    msg.Value,
		ReceivedAt: time.Now().UTC(),
	}
	for _, h := range msg.Headers {
		switch h.Key {
		case HeaderMessageID:
			consumed.ID = string(h.Value)
		case HeaderEventType:
			consumed.Type = string(h.Value)
		case HeaderCorrelationID:
			consumed.CorrelationID = string(h.Value)
		case HeaderCausationID:
			consumed.CausationID = string(h.Value)
		case HeaderOrderingKey:
			consumed.OrderingKey = string(h.Value)
		}
	}
	// Without an id header the broker coordinates become the dedup key, so
	// redeliveries of the same record still collapse to one processing.
	if consumed.ID == "" {
		consumed.ID = fmt.Sprintf("%s-%d-%d", msg.Topic, msg.Partition, msg.Offset)
	}
	if consumed.OrderingKey == "" {
		consumed.OrderingKey = string(msg.Key)
	}
	return consumed
}
