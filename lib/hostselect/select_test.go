// Copyright (C) The Arvados Authors. All rights reserved.
//
// SPDX-License-Identifier: AGPL-3.0

package hostselect

import (
	"context"
	"errors"
	"testing"

	"github.com/heynemann/easyq/sdk/go/easyq"
	check "gopkg.in/check.v1"
)

// Gocheck boilerplate
func Test(t *testing.T) {
	check.TestingT(t)
}

var _ = check.Suite(&SelectSuite{})

type SelectSuite struct{}

type stubBlacklist map[string]bool

func (bl stubBlacklist) Contains(ctx context.Context, host string) (bool, error) {
	if host == "broken:1" {
		return false, errors.New("redis down")
	}
	return bl[host], nil
}

func (s *SelectSuite) TestUnknownPolicy(c *check.C) {
	_, err := New(stubBlacklist{}, "fastest")
	c.Check(err, check.ErrorMatches, `unknown host selection policy "fastest"`)
}

func (s *SelectSuite) TestRoundRobin(c *check.C) {
	sel, err := New(stubBlacklist{"b:1": true}, "")
	c.Assert(err, check.IsNil)
	var got []string
	for i := 0; i < 4; i++ {
		host, err := sel.Select(context.Background(), []string{"a:1", "b:1", "c:1"})
		c.Assert(err, check.IsNil)
		got = append(got, host)
	}
	c.Check(got, check.DeepEquals, []string{"a:1", "c:1", "a:1", "c:1"})
}

func (s *SelectSuite) TestRandomNeverBlacklisted(c *check.C) {
	sel, err := New(stubBlacklist{"a:1": true, "c:1": true}, Random)
	c.Assert(err, check.IsNil)
	for i := 0; i < 50; i++ {
		host, err := sel.Select(context.Background(), []string{"a:1", "b:1", "c:1", "d:1"})
		c.Assert(err, check.IsNil)
		c.Check(host == "b:1" || host == "d:1", check.Equals, true, check.Commentf("%s", host))
	}
}

func (s *SelectSuite) TestNoHealthyHost(c *check.C) {
	for _, policy := range []string{RoundRobin, Random} {
		sel, err := New(stubBlacklist{"a:1": true}, policy)
		c.Assert(err, check.IsNil)
		for _, candidates := range [][]string{nil, {"a:1"}} {
			_, err = sel.Select(context.Background(), candidates)
			var nh *easyq.NoHealthyHostError
			c.Check(errors.As(err, &nh), check.Equals, true)
			c.Check(easyq.IsTransient(err), check.Equals, true)
		}
	}
}

func (s *SelectSuite) TestBlacklistError(c *check.C) {
	sel, err := New(stubBlacklist{}, RoundRobin)
	c.Assert(err, check.IsNil)
	_, err = sel.Select(context.Background(), []string{"broken:1"})
	c.Check(err, check.ErrorMatches, `checking blacklist: redis down`)
	c.Check(easyq.IsTransient(err), check.Equals, true)
}
