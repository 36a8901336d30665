// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package enqueue

import (
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"github.com/heynemann/easyq/lib/schedule"
	"github.com/heynemann/easyq/sdk/go/easyq"
)

// ResolveSchedule decides when the requested job should run. The
// first of StartAt, StartIn, and Cron that is present wins; the
// others are ignored, not combined. With none of them the job runs
// immediately.
func ResolveSchedule(req easyq.EnqueueRequest, now time.Time) (easyq.ScheduleSpec, error) {
	if req.StartAt != "" {
		at, err := parseEpoch(req.StartAt)
		if err != nil {
			return easyq.ScheduleSpec{}, err
		}
		return easyq.ScheduleSpec{Kind: easyq.ScheduleAt, At: at}, nil
	}
	if req.StartIn != nil {
		d, present, err := parseDelay(req.StartIn)
		if err != nil {
			return easyq.ScheduleSpec{}, err
		}
		if present {
			return easyq.ScheduleSpec{Kind: easyq.ScheduleAfter, After: d, At: now.UTC().Add(d)}, nil
		}
	}
	if req.Cron != "" {
		if _, err := schedule.ParseCron(req.Cron); err != nil {
			return easyq.ScheduleSpec{}, easyq.ClientInputErrorf("Failed to enqueue task because cron expression %q is invalid: %s", req.Cron, err)
		}
		return easyq.ScheduleSpec{Kind: easyq.ScheduleCron, Cron: req.Cron, Recurrence: easyq.RecurrenceInfinite}, nil
	}
	return easyq.ScheduleSpec{Kind: easyq.ScheduleImmediate}, nil
}

// parseEpoch accepts integer seconds since the epoch. A fractional
// part is truncated.
func parseEpoch(n json.Number) (time.Time, error) {
	if i, err := n.Int64(); err == nil {
		return time.Unix(i, 0).UTC(), nil
	}
	f, err := n.Float64()
	if err != nil || math.IsInf(f, 0) || math.IsNaN(f) {
		return time.Time{}, easyq.ClientInputErrorf("Failed to enqueue task because startAt %q is not a number of seconds since the epoch.", string(n))
	}
	return time.Unix(int64(f), 0).UTC(), nil
}

// parseDelay accepts a duration string ("90s", "1h30m"), a number
// of seconds, or a numeric string. An empty string or JSON null
// means no delay was given.
func parseDelay(v interface{}) (time.Duration, bool, error) {
	var d time.Duration
	switch v := v.(type) {
	case nil:
		return 0, false, nil
	case float64:
		d = time.Duration(v * float64(time.Second))
	case json.Number:
		f, err := v.Float64()
		if err != nil {
			return 0, false, badDelay(v)
		}
		d = time.Duration(f * float64(time.Second))
	case string:
		s := strings.TrimSpace(v)
		if s == "" {
			return 0, false, nil
		}
		if secs, err := strconv.ParseFloat(s, 64); err == nil {
			d = time.Duration(secs * float64(time.Second))
		} else if d, err = time.ParseDuration(s); err != nil {
			return 0, false, badDelay(v)
		}
	default:
		return 0, false, badDelay(v)
	}
	if d < 0 {
		return 0, false, badDelay(v)
	}
	return d, true, nil
}

func badDelay(v interface{}) error {
	return easyq.ClientInputErrorf("Failed to enqueue task because startIn %s is not a duration.", strconv.Quote(fmt.Sprint(v)))
}
