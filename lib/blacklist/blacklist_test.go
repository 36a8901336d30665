// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package blacklist

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	check "gopkg.in/check.v1"
)

// Gocheck boilerplate
func Test(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&BlacklistSuite{})

type BlacklistSuite struct {
	ctx context.Context
	mr  *miniredis.Miniredis
	rdb *redis.Client
	reg *Registry
}

func (s *BlacklistSuite) SetUpTest(c *check.C) {
	var err error
	s.ctx = context.Background()
	s.mr, err = miniredis.Run()
	c.Assert(err, check.IsNil)
	s.rdb = redis.NewClient(&redis.Options{Addr: s.mr.Addr()})
	s.reg = New(s.rdb)
}

func (s *BlacklistSuite) TearDownTest(c *check.C) {
	s.rdb.Close()
	s.mr.Close()
}

func (s *BlacklistSuite) TestParseHost(c *check.C) {
	for _, trial := range []struct {
		in  string
		err error
	}{
		{"10.0.0.1:2375", nil},
		{"docker.example:1", nil},
		{"", ErrAddMissingHost},
		{"000.000.000.000", ErrMalformedHost},
		{"a:b:c", ErrMalformedHost},
		{":2375", ErrMalformedHost},
		{"host:", ErrMalformedHost},
		{"000.000.000.000:000a", ErrPortNotInteger},
	} {
		got, err := ParseHost(trial.in)
		if trial.err == nil {
			c.Check(err, check.IsNil)
			c.Check(got, check.Equals, trial.in)
		} else {
			c.Check(err, check.Equals, trial.err, check.Commentf("%q", trial.in))
		}
	}
	c.Check(ErrMalformedHost.HTTPStatus(), check.Equals, 400)
}

func (s *BlacklistSuite) TestAddIdempotent(c *check.C) {
	c.Assert(s.reg.Add(s.ctx, "10.0.0.1:2375"), check.IsNil)
	c.Assert(s.reg.Add(s.ctx, "10.0.0.1:2375"), check.IsNil)
	members, err := s.reg.Members(s.ctx)
	c.Assert(err, check.IsNil)
	c.Check(members, check.DeepEquals, []string{"10.0.0.1:2375"})
}

func (s *BlacklistSuite) TestAddRemove(c *check.C) {
	c.Assert(s.reg.Add(s.ctx, "b:2"), check.IsNil)
	c.Assert(s.reg.Add(s.ctx, "a:1"), check.IsNil)
	ok, err := s.reg.Contains(s.ctx, "a:1")
	c.Assert(err, check.IsNil)
	c.Check(ok, check.Equals, true)

	members, err := s.reg.Members(s.ctx)
	c.Assert(err, check.IsNil)
	c.Check(members, check.DeepEquals, []string{"a:1", "b:2"})

	c.Assert(s.reg.Remove(s.ctx, "a:1"), check.IsNil)
	c.Assert(s.reg.Remove(s.ctx, "a:1"), check.IsNil)
	ok, err = s.reg.Contains(s.ctx, "a:1")
	c.Assert(err, check.IsNil)
	c.Check(ok, check.Equals, false)

	c.Assert(s.reg.Remove(s.ctx, "b:2"), check.IsNil)
	c.Check(s.mr.Exists(Key), check.Equals, false)
}
