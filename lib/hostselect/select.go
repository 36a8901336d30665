// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package hostselect chooses a docker host for a job, skipping
// blacklisted hosts.
package hostselect

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/heynemann/easyq/sdk/go/easyq"
	"github.com/jmcvetta/randutil"
)

const (
	RoundRobin = "round-robin"
	Random     = "random"
)

// Blacklist reports whether a host is excluded from selection.
type Blacklist interface {
	Contains(ctx context.Context, host string) (bool, error)
}

// Selector picks a host among the non-blacklisted candidates. It is
// safe for concurrent use.
type Selector struct {
	blacklist Blacklist
	policy    string
	next      uint64
}

// New returns a Selector with the given policy, RoundRobin (the
// default, used when policy is empty) or Random.
func New(blacklist Blacklist, policy string) (*Selector, error) {
	switch policy {
	case "":
		policy = RoundRobin
	case RoundRobin, Random:
	default:
		return nil, fmt.Errorf("unknown host selection policy %q", policy)
	}
	return &Selector{blacklist: blacklist, policy: policy}, nil
}

// Select returns one of the candidates that is not blacklisted
// right now. If there is none, the error is a
// *easyq.NoHealthyHostError. The blacklist is consulted on every
// call; it may change before the caller uses the host.
func (s *Selector) Select(ctx context.Context, candidates []string) (string, error) {
	var healthy []string
	for _, host := range candidates {
		bad, err := s.blacklist.Contains(ctx, host)
		if err != nil {
			return "", &easyq.TransientExecutionError{Err: fmt.Errorf("checking blacklist: %w", err)}
		}
		if !bad {
			healthy = append(healthy, host)
		}
	}
	if len(healthy) == 0 {
		return "", &easyq.NoHealthyHostError{Candidates: len(candidates)}
	}
	if s.policy == Random {
		return randutil.ChoiceString(healthy)
	}
	n := atomic.AddUint64(&s.next, 1) - 1
	return healthy[n%uint64(len(healthy))], nil
}
