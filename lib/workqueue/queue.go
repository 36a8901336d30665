// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package workqueue is a Redis-backed FIFO of jobs ready to run.
//
// Delivery is at least once: a claimed message stays on the
// consumer's processing list until it is acknowledged, and Recover
// puts unacknowledged messages back on the queue after a crash.
package workqueue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/heynemann/easyq/sdk/go/easyq"
	"github.com/redis/go-redis/v9"
)

// Message is one entry in the queue.
type Message struct {
	ID         string         `json:"id"`
	Ref        easyq.JobRef   `json:"ref"`
	Timeout    easyq.Duration `json:"timeout"`
	EnqueuedAt time.Time      `json:"enqueued_at"`
}

// Queue is a named work queue. Several processes may use the same
// queue concurrently.
type Queue struct {
	rdb  *redis.Client
	name string
}

// New returns a Queue using the given redis client.
func New(rdb *redis.Client, name string) *Queue {
	return &Queue{rdb: rdb, name: name}
}

// Name returns the queue name.
func (q *Queue) Name() string { return q.name }

func (q *Queue) key() string {
	return "easyq:queue:" + q.name
}

func (q *Queue) processingKey(consumer string) string {
	return q.key() + ":processing:" + consumer
}

func (q *Queue) msgKey(id string) string {
	return q.key() + ":msg:" + id
}

// Enqueue appends a job to the queue and returns the new message's
// ID. A zero timeout means the job may run indefinitely.
func (q *Queue) Enqueue(ctx context.Context, ref easyq.JobRef, timeout time.Duration) (string, error) {
	msg := Message{
		ID:         uuid.NewString(),
		Ref:        ref,
		Timeout:    easyq.Duration(timeout),
		EnqueuedAt: time.Now().UTC(),
	}
	buf, err := json.Marshal(msg)
	if err != nil {
		return "", err
	}
	_, err = q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Set(ctx, q.msgKey(msg.ID), buf, 0)
		pipe.LPush(ctx, q.key(), msg.ID)
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("enqueue %s: %w", q.name, err)
	}
	return msg.ID, nil
}

// Claim waits up to wait for a message, moves it to the consumer's
// processing list, and returns it. It returns nil, nil if no message
// arrived in time.
func (q *Queue) Claim(ctx context.Context, consumer string, wait time.Duration) (*Message, error) {
	id, err := q.rdb.BRPopLPush(ctx, q.key(), q.processingKey(consumer), wait).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	buf, err := q.rdb.Get(ctx, q.msgKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		// Removed between push and claim.
		q.rdb.LRem(ctx, q.processingKey(consumer), 1, id)
		return nil, nil
	} else if err != nil {
		return nil, err
	}
	var msg Message
	err = json.Unmarshal(buf, &msg)
	if err != nil {
		q.ack(ctx, consumer, id)
		return nil, fmt.Errorf("message %s: %w", id, err)
	}
	return &msg, nil
}

// Ack removes a claimed message for good.
func (q *Queue) Ack(ctx context.Context, consumer string, msg *Message) error {
	return q.ack(ctx, consumer, msg.ID)
}

func (q *Queue) ack(ctx context.Context, consumer, id string) error {
	_, err := q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.LRem(ctx, q.processingKey(consumer), 1, id)
		pipe.Del(ctx, q.msgKey(id))
		return nil
	})
	return err
}

// Remove deletes a message that has not been claimed yet. It
// returns false if the message was not waiting in the queue.
func (q *Queue) Remove(ctx context.Context, id string) (bool, error) {
	var lrem *redis.IntCmd
	_, err := q.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		lrem = pipe.LRem(ctx, q.key(), 0, id)
		pipe.Del(ctx, q.msgKey(id))
		return nil
	})
	if err != nil {
		return false, err
	}
	return lrem.Val() > 0, nil
}

// Recover moves messages claimed but never acknowledged by the given
// consumer back to the head of the queue, and returns how many were
// moved. It must only be called while the consumer is not running.
func (q *Queue) Recover(ctx context.Context, consumer string) (int, error) {
	n := 0
	for {
		_, err := q.rdb.RPopLPush(ctx, q.processingKey(consumer), q.key()).Result()
		if errors.Is(err, redis.Nil) {
			return n, nil
		} else if err != nil {
			return n, err
		}
		n++
	}
}

// Len returns the number of messages waiting to be claimed.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	return q.rdb.LLen(ctx, q.key()).Result()
}
