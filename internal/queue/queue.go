package queue

import (
	"context"
	"encoding/json"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
)

// TypeRender identifies a ticket artifact rendering job.
const TypeRender = "render"

// DefaultRedisKey is the list the render jobs live in.
const DefaultRedisKey = "latepass:render"

// Message represents work to be processed.
type Message struct {
	Type string
	Body []byte
}

// RenderJob asks the worker to render the QR image and PDF of a ticket.
type RenderJob struct {
	OrgID    string `json:"orgId"`
	TicketID string `json:"ticketId"`
}

// NewRenderMessage wraps job in a message.
func NewRenderMessage(job RenderJob) (Message, error) {
	body, err := json.Marshal(job)
	if err != nil {
		return Message{}, errors.Wrap(err, "encode render job")
	}
	return Message{Type: TypeRender, Body: body}, nil
}

// RenderJob decodes the body of a render message.
func (m Message) RenderJob() (RenderJob, error) {
	if m.Type != TypeRender {
		return RenderJob{}, errors.Errorf("message type %q is not %q", m.Type, TypeRender)
	}
	var job RenderJob
	if err := json.Unmarshal(m.Body, &job); err != nil {
		return RenderJob{}, errors.Wrap(err, "decode render job")
	}
	if job.OrgID == "" || job.TicketID == "" {
		return RenderJob{}, errors.New("render job missing org or ticket id")
	}
	return job, nil
}

// Queue is the abstraction over different backends.
type Queue interface {
	Publish(ctx context.Context, msg Message) error
	Consume(ctx context.Context) (<-chan Message, error)
}

// InMemory is a minimal channel-backed queue for dev/testing.
type InMemory struct {
	ch chan Message
}

// NewInMemory creates a bounded in-memory queue.
func NewInMemory(size int) *InMemory {
	return &InMemory{ch: make(chan Message, size)}
}

// Publish enqueues a message.
func (q *InMemory) Publish(ctx context.Context, msg Message) error {
	select {
	case q.ch <- msg:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Consume returns a channel for workers. It closes when ctx is done.
func (q *InMemory) Consume(ctx context.Context) (<-chan Message, error) {
	out := make(chan Message)
	go func() {
		defer close(out)
		for {
			select {
			case msg := <-q.ch:
				select {
				case out <- msg:
				case <-ctx.Done():
					return
				}
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// RedisQueue implements a simple Redis list-backed queue.
type RedisQueue struct {
	client *redis.Client
	key    string
}

// NewRedisQueue builds a queue using LPUSH/BRPOP semantics.
func NewRedisQueue(client *redis.Client, key string) *RedisQueue {
	if key == "" {
		key = DefaultRedisKey
	}
	return &RedisQueue{client: client, key: key}
}

// Publish enqueues a message.
func (q *RedisQueue) Publish(ctx context.Context, msg Message) error {
	return q.client.LPush(ctx, q.key, serialize(msg)).Err()
}

// Consume streams messages using BRPOP.
func (q *RedisQueue) Consume(ctx context.Context) (<-chan Message, error) {
	out := make(chan Message)
	go func() {
		defer close(out)
		for {
			res, err := q.client.BRPop(ctx, 5*time.Second, q.key).Result()
			if err != nil {
				if ctx.Err() != nil {
					return
				}
				if !errors.Is(err, redis.Nil) {
					// Back off on connection errors instead of spinning.
					select {
					case <-time.After(time.Second):
					case <-ctx.Done():
						return
					}
				}
				continue
			}
			if len(res) != 2 {
				continue
			}
			select {
			case out <- deserialize(res[1]):
			case <-ctx.Done():
				return
			}
		}
	}()
	return out, nil
}

// serialize stores messages as Type|Body.
func serialize(msg Message) string {
	return msg.Type + "|" + string(msg.Body)
}

func deserialize(s string) Message {
	typ, body, ok := strings.Cut(s, "|")
	if !ok {
		return Message{Body: []byte(s)}
	}
	return Message{Type: typ, Body: []byte(body)}
}
