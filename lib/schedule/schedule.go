// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package schedule holds jobs that should run later, at a fixed
// time or on a cron schedule, and moves them onto the work queue
// when they are due.
package schedule

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/heynemann/easyq/sdk/go/ctxlog"
	"github.com/heynemann/easyq/sdk/go/easyq"
	"github.com/redis/go-redis/v9"
	"github.com/robfig/cron/v3"
	"github.com/sirupsen/logrus"
)

// claimScript takes a due entry by moving its score to a lease
// deadline: KEYS[1] is the due set, ARGV[1] the handle, ARGV[2] the
// current time and ARGV[3] the deadline. It returns 1 to the one
// caller that gets the entry. An entry whose claimant never finishes
// becomes due again when the lease runs out.
var claimScript = redis.NewScript(`
local due = redis.call("ZSCORE", KEYS[1], ARGV[1])
if not due or tonumber(due) > tonumber(ARGV[2]) then
	return 0
end
redis.call("ZADD", KEYS[1], ARGV[3], ARGV[1])
return 1
`)

var parser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseCron parses a standard 5-field cron expression, or a
// descriptor like "@hourly" or "@every 5m".
func ParseCron(expr string) (cron.Schedule, error) {
	return parser.Parse(expr)
}

// An Enqueuer accepts jobs that are ready to run.
type Enqueuer interface {
	Enqueue(ctx context.Context, ref easyq.JobRef, timeout time.Duration) (string, error)
}

// Entry is a job waiting in the schedule.
type Entry struct {
	Handle     string                 `json:"handle"`
	Ref        easyq.JobRef           `json:"ref"`
	Timeout    easyq.Duration         `json:"timeout"`
	Cron       string                 `json:"cron,omitempty"`
	Recurrence easyq.RecurrencePolicy `json:"recurrence"`
}

// Scheduler stores entries in Redis under a named group, so any
// number of API and worker processes can share it.
type Scheduler struct {
	rdb   *redis.Client
	group string
	queue Enqueuer

	// Maximum number of entries moved by one Promote call.
	BatchSize int64

	// Interval between Promote calls in Run.
	PollInterval time.Duration

	// How long a claimed entry stays off the due list while it is
	// being moved to the work queue.
	ClaimLease time.Duration

	// Interval between Repair calls in Run.
	RepairInterval time.Duration

	// Now returns the current time. Tests can replace it.
	Now func() time.Time
}

// New returns a Scheduler that moves due entries to queue.
func New(rdb *redis.Client, group string, queue Enqueuer) *Scheduler {
	return &Scheduler{
		rdb:            rdb,
		group:          group,
		queue:          queue,
		BatchSize:      100,
		PollInterval:   time.Second,
		ClaimLease:     time.Minute,
		RepairInterval: 10 * time.Minute,
		Now:            time.Now,
	}
}

func (s *Scheduler) dueKey() string {
	return "easyq:schedule:" + s.group + ":due"
}

func (s *Scheduler) entriesKey() string {
	return "easyq:schedule:" + s.group + ":entries"
}

// ScheduleAt adds a job that runs once at the given time, and
// returns a handle that can be passed to Cancel. A time in the past
// is due at the next poll.
func (s *Scheduler) ScheduleAt(ctx context.Context, at time.Time, ref easyq.JobRef, timeout time.Duration) (string, error) {
	ref.Recurring = false
	return s.add(ctx, at, Entry{
		Handle:     uuid.NewString(),
		Ref:        ref,
		Timeout:    easyq.Duration(timeout),
		Recurrence: easyq.RecurrenceOnce,
	})
}

// ScheduleCron adds a job that runs at every tick of the cron
// expression until cancelled.
func (s *Scheduler) ScheduleCron(ctx context.Context, expr string, ref easyq.JobRef, timeout time.Duration) (string, error) {
	sched, err := ParseCron(expr)
	if err != nil {
		return "", fmt.Errorf("cron expression %q: %w", expr, err)
	}
	ref.Recurring = true
	return s.add(ctx, sched.Next(s.Now()), Entry{
		Handle:     uuid.NewString(),
		Ref:        ref,
		Timeout:    easyq.Duration(timeout),
		Cron:       expr,
		Recurrence: easyq.RecurrenceInfinite,
	})
}

func (s *Scheduler) add(ctx context.Context, at time.Time, ent Entry) (string, error) {
	buf, err := json.Marshal(ent)
	if err != nil {
		return "", err
	}
	_, err = s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, s.entriesKey(), ent.Handle, buf)
		pipe.ZAdd(ctx, s.dueKey(), redis.Z{Score: score(at), Member: ent.Handle})
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("schedule %s: %w", s.group, err)
	}
	return ent.Handle, nil
}

func score(t time.Time) float64 {
	return float64(t.UnixMilli())
}

// Cancel removes an entry. It returns false if there was no such
// entry, e.g., because a one-shot entry already fired.
func (s *Scheduler) Cancel(ctx context.Context, handle string) (bool, error) {
	var hdel *redis.IntCmd
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZRem(ctx, s.dueKey(), handle)
		hdel = pipe.HDel(ctx, s.entriesKey(), handle)
		return nil
	})
	if err != nil {
		return false, err
	}
	return hdel.Val() > 0, nil
}

// Get returns the entry with the given handle and the time it is
// next due, or easyq.ErrNotFound.
func (s *Scheduler) Get(ctx context.Context, handle string) (Entry, time.Time, error) {
	var ent Entry
	buf, err := s.rdb.HGet(ctx, s.entriesKey(), handle).Bytes()
	if errors.Is(err, redis.Nil) {
		return ent, time.Time{}, easyq.ErrNotFound
	} else if err != nil {
		return ent, time.Time{}, err
	}
	if err = json.Unmarshal(buf, &ent); err != nil {
		return ent, time.Time{}, err
	}
	ms, err := s.rdb.ZScore(ctx, s.dueKey(), handle).Result()
	if errors.Is(err, redis.Nil) {
		// Awaiting Repair.
		return ent, time.Time{}, nil
	} else if err != nil {
		return ent, time.Time{}, err
	}
	return ent, time.UnixMilli(int64(ms)), nil
}

// Len returns the number of entries waiting in the schedule.
func (s *Scheduler) Len(ctx context.Context) (int64, error) {
	return s.rdb.HLen(ctx, s.entriesKey()).Result()
}

// Promote moves entries that are due at the given time onto the
// work queue, and returns the number moved. Recurring entries are
// re-armed at their next tick after now; one-shot entries are
// removed.
//
// Concurrent Promote calls (from other processes) never move the
// same firing twice. If the process dies partway through, the entry
// is due again once ClaimLease has passed, so a firing can be
// delivered more than once but is never lost.
func (s *Scheduler) Promote(ctx context.Context, now time.Time) (int, error) {
	handles, err := s.rdb.ZRangeByScore(ctx, s.dueKey(), &redis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatFloat(score(now), 'f', 0, 64),
		Count: s.BatchSize,
	}).Result()
	if err != nil {
		return 0, err
	}
	promoted := 0
	for _, handle := range handles {
		ok, err := s.promote(ctx, handle, now)
		if err != nil {
			return promoted, err
		}
		if ok {
			promoted++
		}
	}
	return promoted, nil
}

func (s *Scheduler) promote(ctx context.Context, handle string, now time.Time) (bool, error) {
	n, err := claimScript.Run(ctx, s.rdb, []string{s.dueKey()}, handle, score(now), score(now.Add(s.ClaimLease))).Int()
	if err != nil || n == 0 {
		return false, err
	}
	buf, err := s.rdb.HGet(ctx, s.entriesKey(), handle).Bytes()
	if errors.Is(err, redis.Nil) {
		// Cancelled.
		return false, s.rdb.ZRem(ctx, s.dueKey(), handle).Err()
	} else if err != nil {
		s.release(ctx, handle, now)
		return false, err
	}
	var ent Entry
	if err = json.Unmarshal(buf, &ent); err != nil {
		s.Cancel(ctx, handle)
		return false, fmt.Errorf("schedule entry %s: %w", handle, err)
	}
	_, err = s.queue.Enqueue(ctx, ent.Ref, ent.Timeout.Duration())
	if err != nil {
		s.release(ctx, handle, now)
		return false, err
	}
	if ent.Recurrence == easyq.RecurrenceInfinite {
		sched, err := ParseCron(ent.Cron)
		if err != nil {
			s.Cancel(ctx, handle)
			return true, fmt.Errorf("schedule entry %s: %w", handle, err)
		}
		// XX: if the entry was cancelled meanwhile, leave it gone.
		err = s.rdb.ZAddXX(ctx, s.dueKey(), redis.Z{Score: score(sched.Next(now)), Member: handle}).Err()
		return true, err
	}
	_, err = s.Cancel(ctx, handle)
	return true, err
}

// release ends a claim early, making the entry due again at now.
func (s *Scheduler) release(ctx context.Context, handle string, now time.Time) {
	s.rdb.ZAddXX(ctx, s.dueKey(), redis.Z{Score: score(now), Member: handle})
}

// Repair makes every stored entry that has no due time due at now,
// and returns the number of such entries. Promote never leaves an
// entry in that state, but an interrupted write by another client
// can.
func (s *Scheduler) Repair(ctx context.Context, now time.Time) (int, error) {
	repaired := 0
	var cursor uint64
	for {
		kvs, next, err := s.rdb.HScan(ctx, s.entriesKey(), cursor, "", s.BatchSize).Result()
		if err != nil {
			return repaired, err
		}
		for i := 0; i < len(kvs); i += 2 {
			n, err := s.rdb.ZAddNX(ctx, s.dueKey(), redis.Z{Score: score(now), Member: kvs[i]}).Result()
			if err != nil {
				return repaired, err
			}
			repaired += int(n)
		}
		if next == 0 {
			return repaired, nil
		}
		cursor = next
	}
}

// Run calls Promote every PollInterval, and Repair at startup and
// every RepairInterval, until ctx is done.
func (s *Scheduler) Run(ctx context.Context) {
	logger := ctxlog.FromContext(ctx).WithField("ScheduleGroup", s.group)
	ticker := time.NewTicker(s.PollInterval)
	defer ticker.Stop()
	repairTicker := time.NewTicker(s.RepairInterval)
	defer repairTicker.Stop()
	repair := func() {
		n, err := s.Repair(ctx, s.Now())
		if err != nil && ctx.Err() == nil {
			logger.WithError(err).Warn("error repairing schedule entries")
		} else if n > 0 {
			logger.WithField("Repaired", n).Warn("found schedule entries with no due time")
		}
	}
	repair()
	for {
		n, err := s.Promote(ctx, s.Now())
		if err != nil && ctx.Err() == nil {
			logger.WithError(err).Warn("error promoting due schedule entries")
		} else if n > 0 {
			logger.WithFields(logrus.Fields{"Promoted": n}).Debug("promoted due schedule entries")
		}
		select {
		case <-ctx.Done():
			return
		case <-repairTicker.C:
			repair()
		case <-ticker.C:
		}
	}
}
