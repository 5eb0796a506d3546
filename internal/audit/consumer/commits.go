package consumer

import (
	"sync"

	"cityfix/internal/platform/kafka"
)

type topicPartition struct {
	topic     string
	partition int32
}

// commitTracker serializes offset commits per partition. Group offsets are
// cumulative: committing a record implicitly commits every lower offset on
// its partition, so an offset may only be committed once all earlier fetched
// offsets on that partition are acknowledged. Workers report acks here and
// commit the returned watermark; an unacknowledged message holds every later
// commit on its partition until the broker redelivers it.
type commitTracker struct {
	mu         sync.Mutex
	partitions map[topicPartition]*partitionWindow
}

// partitionWindow is the in-flight slice of one partition, in fetch order.
type partitionWindow struct {
	pending []*kafka.Message
	acked   map[int64]struct{}
}

func newCommitTracker() *commitTracker {
	return &commitTracker{partitions: make(map[topicPartition]*partitionWindow)}
}

// track registers a fetched message before it is handed to a worker.
func (t *commitTracker) track(msg *kafka.Message) {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := topicPartition{topic: msg.Topic, partition: msg.Partition}
	win := t.partitions[key]
	if win == nil {
		win = &partitionWindow{acked: make(map[int64]struct{})}
		t.partitions[key] = win
	}
	win.pending = append(win.pending, msg)
}

// ack marks a message acknowledged and returns the newest message that is now
// safe to commit: the end of the contiguous acknowledged prefix of its
// partition. Returns nil while an earlier offset is still in flight.
func (t *commitTracker) ack(msg *kafka.Message) *kafka.Message {
	t.mu.Lock()
	defer t.mu.Unlock()

	key := topicPartition{topic: msg.Topic, partition: msg.Partition}
	win := t.partitions[key]
	if win == nil {
		return nil
	}
	win.acked[msg.Offset] = struct{}{}

	var watermark *kafka.Message
	for len(win.pending) > 0 {
		head := win.pending[0]
		if _, ok := win.acked[head.Offset]; !ok {
			break
		}
		delete(win.acked, head.Offset)
		win.pending = win.pending[1:]
		watermark = head
	}
	return watermark
}
