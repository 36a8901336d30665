// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package workqueue

import (
	"context"
	"io"

	"github.com/redis/go-redis/v9"
)

const stopChannel = "easyq:job-stop"

// StopSignals broadcasts requests to stop running jobs to every
// worker process.
type StopSignals struct {
	rdb *redis.Client
}

func NewStopSignals(rdb *redis.Client) *StopSignals {
	return &StopSignals{rdb: rdb}
}

// Publish asks whichever worker is running jobID to stop it.
func (s *StopSignals) Publish(ctx context.Context, jobID string) error {
	return s.rdb.Publish(ctx, stopChannel, jobID).Err()
}

// Subscribe calls fn with the job ID of each stop request published
// after Subscribe returns, until the returned Closer is closed.
func (s *StopSignals) Subscribe(ctx context.Context, fn func(jobID string)) (io.Closer, error) {
	ps := s.rdb.Subscribe(ctx, stopChannel)
	if _, err := ps.Receive(ctx); err != nil {
		ps.Close()
		return nil, err
	}
	ch := ps.Channel()
	go func() {
		for msg := range ch {
			fn(msg.Payload)
		}
	}()
	return ps, nil
}
