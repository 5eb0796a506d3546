package kafka

import (
	"strconv"
	"time"

	"github.com/twmb/franz-go/pkg/kgo"
)

// HeaderDeliveryAttempt carries the broker-side redelivery count. Publishers
// that re-enqueue a message bump it; a missing header means first delivery.
const HeaderDeliveryAttempt = "delivery-attempt"

// Message is a single record fetched from the broker. It keeps a handle on
// the underlying record so the consumer can commit it after processing.
type Message struct {
	Topic     string
	Partition int32
	Offset    int64
	Key       []byte
	Value     []byte
	Timestamp time.Time
	// Attempt is the delivery attempt parsed from message metadata,
	// starting at 1.
	Attempt int

	rec *kgo.Record
}

func fromRecord(rec *kgo.Record) *Message {
	msg := &Message{
		Topic:     rec.Topic,
		Partition: rec.Partition,
		Offset:    rec.Offset,
		Key:       rec.Key,
		Value:     rec.Value,
		Timestamp: rec.Timestamp,
		Attempt:   1,
		rec:       rec,
	}
	for _, h := range rec.Headers {
		if h.Key == HeaderDeliveryAttempt {
			if n, err := strconv.Atoi(string(h.Value)); err == nil && n > 0 {
				msg.Attempt = n
			}
		}
	}
	return msg
}
