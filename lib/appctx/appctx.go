// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package appctx opens the backends shared by the easyq services:
// the job store, redis, and everything built on redis.
package appctx

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/heynemann/easyq/lib/blacklist"
	"github.com/heynemann/easyq/lib/config"
	"github.com/heynemann/easyq/lib/jobstore"
	"github.com/heynemann/easyq/lib/schedule"
	"github.com/heynemann/easyq/lib/workqueue"
	"github.com/heynemann/easyq/sdk/go/ctxlog"
	"github.com/redis/go-redis/v9"
)

// healthCheckTimeout bounds each backend ping in CheckHealth.
var healthCheckTimeout = 5 * time.Second

type App struct {
	Config      *config.Config
	Store       *jobstore.Store
	Redis       *redis.Client
	Queue       *workqueue.Queue
	Scheduler   *schedule.Scheduler
	Blacklist   *blacklist.Registry
	StopSignals *workqueue.StopSignals
}

// Open connects to the job store and redis. The caller must call
// Close when finished.
func Open(ctx context.Context, cfg *config.Config) (*App, error) {
	store, err := jobstore.Open(ctx, cfg.Database.Driver, cfg.Database.Connection, cfg.Database.MaxOpenConns)
	if err != nil {
		return nil, fmt.Errorf("opening job store: %w", err)
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Address,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		// Not fatal: CheckHealth keeps reporting it until
		// redis comes up.
		ctxlog.FromContext(ctx).WithError(err).WithField("Address", cfg.Redis.Address).Warn("redis is not reachable yet")
	}
	queue := workqueue.New(rdb, cfg.Queue.Name)
	sched := schedule.New(rdb, cfg.Scheduler.Group, queue)
	sched.PollInterval = cfg.Scheduler.PollInterval.Duration()
	if cfg.Scheduler.BatchSize > 0 {
		sched.BatchSize = cfg.Scheduler.BatchSize
	}
	return &App{
		Config:      cfg,
		Store:       store,
		Redis:       rdb,
		Queue:       queue,
		Scheduler:   sched,
		Blacklist:   blacklist.New(rdb),
		StopSignals: workqueue.NewStopSignals(rdb),
	}, nil
}

// CheckHealth returns an error if the job store or redis is
// unreachable.
func (app *App) CheckHealth() error {
	ctx, cancel := context.WithTimeout(context.Background(), healthCheckTimeout)
	defer cancel()
	var errs []error
	if err := app.Store.Ping(ctx); err != nil {
		errs = append(errs, fmt.Errorf("job store: %w", err))
	}
	if err := app.Redis.Ping(ctx).Err(); err != nil {
		errs = append(errs, fmt.Errorf("redis: %w", err))
	}
	return errors.Join(errs...)
}

func (app *App) Close() error {
	return errors.Join(app.Redis.Close(), app.Store.Close())
}
