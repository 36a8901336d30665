// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

// Package blacklist keeps the set of docker hosts that must not be
// given new work.
package blacklist

import (
	"context"
	"sort"
	"strconv"
	"strings"

	"github.com/heynemann/easyq/sdk/go/easyq"
	"github.com/redis/go-redis/v9"
)

// Key is the redis set holding blacklisted "host:port" strings.
const Key = "easyq:docker-executor:blacklist"

var (
	ErrAddMissingHost    = &easyq.ClientInputError{Message: "Failed to add host to blacklist because 'host' attribute was not found in JSON body."}
	ErrRemoveMissingHost = &easyq.ClientInputError{Message: "Failed to remove host from blacklist because 'host' attribute was not found in JSON body."}
	ErrMalformedHost     = &easyq.ClientInputError{Message: "Failed to add host to blacklist, we did not identify the formed 'host: port'"}
	ErrPortNotInteger    = &easyq.ClientInputError{Message: "Failed to add host to blacklist, the port is not an integer."}
)

// ParseHost checks that host looks like "host:port" with an integer
// port, and returns it unchanged. An empty host is reported as
// missing.
func ParseHost(host string) (string, error) {
	if host == "" {
		return "", ErrAddMissingHost
	}
	parts := strings.Split(host, ":")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", ErrMalformedHost
	}
	if _, err := strconv.Atoi(parts[1]); err != nil {
		return "", ErrPortNotInteger
	}
	return host, nil
}

// Registry is the blacklist, shared by every API and worker process
// through redis. Each operation is a single atomic set command.
type Registry struct {
	rdb *redis.Client
}

func New(rdb *redis.Client) *Registry {
	return &Registry{rdb: rdb}
}

// Add blacklists host. Adding a host that is already blacklisted
// is not an error.
func (r *Registry) Add(ctx context.Context, host string) error {
	return r.rdb.SAdd(ctx, Key, host).Err()
}

// Remove takes host off the blacklist. Removing a host that is not
// blacklisted is not an error.
func (r *Registry) Remove(ctx context.Context, host string) error {
	return r.rdb.SRem(ctx, Key, host).Err()
}

// Contains returns true if host is blacklisted.
func (r *Registry) Contains(ctx context.Context, host string) (bool, error) {
	return r.rdb.SIsMember(ctx, Key, host).Result()
}

// Members returns the blacklisted hosts in sorted order.
func (r *Registry) Members(ctx context.Context) ([]string, error) {
	hosts, err := r.rdb.SMembers(ctx, Key).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(hosts)
	return hosts, nil
}
