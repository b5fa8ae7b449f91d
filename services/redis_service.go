package services

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/aws/aws-xray-sdk-go/xray"
	"github.com/redis/go-redis/v9"

	"grading-orchestrator/models"
)

const (
	QueueKeyPrefix   = "grading_queue:"
	ProcessingKey    = "grading_processing"
	DeadLetterKey    = "grading_dead_letter"
	ResultKeyPrefix  = "result:"
	DefaultResultTTL = 10 * time.Minute
)

// RedisService is the durable job queue and the hot result tier.
//
// Delivery is at-least-once: a dequeued message sits on the processing
// list until it is acknowledged (terminal job state) or moved to the
// dead-letter list; capacity rejections requeue it for redelivery.
type RedisService struct {
	client    *redis.Client
	resultTTL time.Duration
}

func NewRedisService(host string, port int, resultTTL time.Duration) *RedisService {
	if resultTTL <= 0 {
		resultTTL = DefaultResultTTL
	}
	client := redis.NewClient(&redis.Options{
		Addr: fmt.Sprintf("%s:%d", host, port),
	})
	return &RedisService{client: client, resultTTL: resultTTL}
}

func queueKey(class models.WorkerClass) string {
	return QueueKeyPrefix + string(class)
}

// PushJob enqueues a dispatch message on the per-class queue.
func (r *RedisService) PushJob(ctx context.Context, msg *models.JobMessage) error {
	var err error
	xray.Capture(ctx, "Redis.LPush", func(ctx1 context.Context) error {
		jsonData, marshalErr := json.Marshal(msg)
		if marshalErr != nil {
			err = marshalErr
			return marshalErr
		}
		err = r.client.LPush(ctx, queueKey(msg.WorkerClass), string(jsonData)).Err()

		if seg := xray.GetSegment(ctx1); seg != nil {
			seg.AddMetadata("redis.queue_key", queueKey(msg.WorkerClass))
			seg.AddMetadata("redis.operation", "LPUSH")
		}

		return err
	})
	return err
}

// PopJob blocks up to timeout for a message on the class queue, moving it
// onto the processing list so a crash between pop and ack cannot lose it.
// Returns (nil, "", nil) on timeout.
func (r *RedisService) PopJob(ctx context.Context, class models.WorkerClass, timeout time.Duration) (*models.JobMessage, string, error) {
	raw, err := r.client.BRPopLPush(ctx, queueKey(class), ProcessingKey, timeout).Result()
	if err == redis.Nil {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", err
	}

	var msg models.JobMessage
	if err := json.Unmarshal([]byte(raw), &msg); err != nil {
		// Unparseable message: dead-letter it rather than redeliver forever.
		r.client.LRem(ctx, ProcessingKey, 1, raw)
		r.client.LPush(ctx, DeadLetterKey, raw)
		return nil, "", fmt.Errorf("malformed queue message: %w", err)
	}
	return &msg, raw, nil
}

// AckJob acknowledges a message after its job reached a terminal state.
func (r *RedisService) AckJob(ctx context.Context, raw string) error {
	return r.client.LRem(ctx, ProcessingKey, 1, raw).Err()
}

// RequeueJob returns an unacknowledged message to its class queue for
// redelivery (capacity rejection path).
func (r *RedisService) RequeueJob(ctx context.Context, class models.WorkerClass, raw string) error {
	pipe := r.client.TxPipeline()
	pipe.LRem(ctx, ProcessingKey, 1, raw)
	pipe.LPush(ctx, queueKey(class), raw)
	_, err := pipe.Exec(ctx)
	return err
}

// DeadLetterJob removes a poison message from the processing list. It is
// deliberately not redelivered; operators drain the dead-letter list.
func (r *RedisService) DeadLetterJob(ctx context.Context, raw string) error {
	pipe := r.client.TxPipeline()
	pipe.LRem(ctx, ProcessingKey, 1, raw)
	pipe.LPush(ctx, DeadLetterKey, raw)
	_, err := pipe.Exec(ctx)
	return err
}

// QueueDepths returns the pending message count per capability class.
func (r *RedisService) QueueDepths(ctx context.Context) (map[string]int, error) {
	depths := make(map[string]int)
	for _, class := range models.AllWorkerClasses {
		n, err := r.client.LLen(ctx, queueKey(class)).Result()
		if err != nil {
			return nil, err
		}
		depths[string(class)] = int(n)
	}
	return depths, nil
}

// SetResult stores a terminal result under result:<jobId> with a bounded
// TTL for client polling.
func (r *RedisService) SetResult(ctx context.Context, jobID string, result *models.GradingResult) error {
	var err error
	xray.Capture(ctx, "Redis.Set", func(ctx1 context.Context) error {
		jsonData, marshalErr := json.Marshal(result)
		if marshalErr != nil {
			err = marshalErr
			return marshalErr
		}
		key := ResultKeyPrefix + jobID
		err = r.client.Set(ctx, key, jsonData, r.resultTTL).Err()

		if seg := xray.GetSegment(ctx1); seg != nil {
			seg.AddMetadata("redis.key", key)
			seg.AddMetadata("redis.operation", "SET")
		}

		return err
	})
	return err
}

// GetResult retrieves a cached terminal result, or nil when absent.
func (r *RedisService) GetResult(ctx context.Context, jobID string) (*models.GradingResult, error) {
	var result *models.GradingResult
	var finalErr error

	xray.Capture(ctx, "Redis.Get", func(ctx1 context.Context) error {
		key := ResultKeyPrefix + jobID
		jsonData, err := r.client.Get(ctx, key).Result()
		if err == redis.Nil {
			return nil
		}
		if err != nil {
			finalErr = err
			return err
		}

		var res models.GradingResult
		if err := json.Unmarshal([]byte(jsonData), &res); err != nil {
			finalErr = err
			return err
		}
		result = &res

		if seg := xray.GetSegment(ctx1); seg != nil {
			seg.AddMetadata("redis.key", key)
			seg.AddMetadata("redis.operation", "GET")
		}

		return nil
	})

	return result, finalErr
}

// Ping checks Redis connection
func (r *RedisService) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}
