package ingest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"retailsync/internal/model"

	ck "github.com/confluentinc/confluent-kafka-go/v2/kafka"
)

// kafkaConsumer is the subset of *ck.Consumer the ingestor needs.
type kafkaConsumer interface {
	ReadMessage(timeout time.Duration) (*ck.Message, error)
	CommitMessage(m *ck.Message) ([]ck.TopicPartition, error)
	Close() error
}

// KafkaIngestor stages raw records published as JSON documents on a topic.
// Offsets are committed only after the records they cover were appended to
// the sink, so a crash replays messages rather than losing them.
type KafkaIngestor struct {
	c    kafkaConsumer
	sink Sink
	opts Options
	name string

	// Poll bounds a single ReadMessage call.
	Poll time.Duration
}

func NewKafkaIngestor(bootstrap, groupID, topic string, sink Sink, opts Options) (*KafkaIngestor, error) {
	c, err := ck.NewConsumer(&ck.ConfigMap{
		"bootstrap.servers":  bootstrap,
		"group.id":           groupID,
		"enable.auto.commit": false,
		"isolation.level":    "read_committed",
		"auto.offset.reset":  "earliest",
	})
	if err != nil {
		return nil, fmt.Errorf("consumer: %w", err)
	}
	if err := c.SubscribeTopics([]string{topic}, nil); err != nil {
		_ = c.Close()
		return nil, fmt.Errorf("subscribe %s: %w", topic, err)
	}
	k := NewKafkaIngestorWith(c, sink, opts)
	k.name = "kafka:" + topic
	return k, nil
}

// NewKafkaIngestorWith allows injecting a custom consumer (for tests).
func NewKafkaIngestorWith(c kafkaConsumer, sink Sink, opts Options) *KafkaIngestor {
	return &KafkaIngestor{c: c, sink: sink, opts: opts, name: "kafka", Poll: time.Second}
}

func (k *KafkaIngestor) Close() error { return k.c.Close() }

// IsTimeout reports whether err is the consumer's poll timeout.
func IsTimeout(err error) bool {
	var kerr ck.Error
	return errors.As(err, &kerr) && kerr.Code() == ck.ErrTimedOut
}

// Run consumes until max messages were read (max <= 0 means no limit), no
// message arrived for idle, or ctx is done. Buffered records are flushed and
// their offsets committed before it returns.
func (k *KafkaIngestor) Run(ctx context.Context, max int, idle time.Duration) (Result, error) {
	res := Result{Source: k.name}
	b := newBatcher(context.WithoutCancel(ctx), k.sink, k.opts, "kafka", &res)
	// last unflushed message per partition
	last := make(map[string]*ck.Message)

	flush := func() error {
		if err := b.flush(); err != nil {
			return err
		}
		for key, m := range last {
			if _, err := k.c.CommitMessage(m); err != nil {
				return fmt.Errorf("commit offset %s: %w", m.TopicPartition, err)
			}
			delete(last, key)
		}
		return nil
	}

	quiet := time.Duration(0)
	for max <= 0 || res.Rows < max {
		if ctx.Err() != nil {
			break
		}
		msg, err := k.c.ReadMessage(k.Poll)
		if err != nil {
			if !IsTimeout(err) {
				if ferr := flush(); ferr != nil {
					return res, ferr
				}
				return res, fmt.Errorf("%w: read message: %v", model.ErrSourceUnavailable, err)
			}
			if err := flush(); err != nil {
				return res, err
			}
			quiet += k.Poll
			if idle > 0 && quiet >= idle {
				break
			}
			continue
		}
		quiet = 0
		res.Rows++
		last[partitionKey(msg.TopicPartition)] = msg

		var rec model.RawRecord
		if err := json.Unmarshal(msg.Value, &rec); err != nil {
			res.Malformed++
			k.opts.Logger.Debug().Err(err).Str("partition", msg.TopicPartition.String()).Msg("malformed message")
		} else if err := b.add(rec); err != nil {
			return res, err
		}
		if len(b.buf) == 0 {
			// add flushed a full chunk; its offsets can be committed now
			if err := flush(); err != nil {
				return res, err
			}
		}
	}
	if err := flush(); err != nil {
		return res, err
	}
	k.opts.Logger.Info().Str("source", k.name).Int("rows", res.Rows).Int("loaded", res.Loaded).
		Int("malformed", res.Malformed).Msg("kafka staged")
	return res, nil
}

func partitionKey(tp ck.TopicPartition) string {
	topic := ""
	if tp.Topic != nil {
		topic = *tp.Topic
	}
	return fmt.Sprintf("%s/%d", topic, tp.Partition)
}
