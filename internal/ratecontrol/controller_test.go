// Copyright 2016 Canonical Ltd.
// Licensed under the AGPLv3, see LICENCE file for details.

package ratecontrol_test

import (
	"time"

	"github.com/juju/clock/testclock"
	"github.com/juju/errors"
	"github.com/juju/testing"
	jc "github.com/juju/testing/checkers"
	gc "gopkg.in/check.v1"

	"github.com/coucharchive/coucharchive/internal/ratecontrol"
)

type controllerSuite struct {
	testing.IsolationSuite
	clock *testclock.Clock
}

var _ = gc.Suite(&controllerSuite{})

func (s *controllerSuite) SetUpTest(c *gc.C) {
	s.IsolationSuite.SetUpTest(c)
	s.clock = testclock.NewClock(time.Date(2016, 2, 14, 12, 0, 0, 0, time.UTC))
}

func (s *controllerSuite) newController(c *gc.C, total, maxWorkers int, ideal time.Duration) *ratecontrol.Controller {
	controller, err := ratecontrol.New(ratecontrol.Config{
		Clock:          s.clock,
		TotalDatabases: total,
		IdealDuration:  ideal,
		MaxWorkers:     maxWorkers,
	})
	c.Assert(err, jc.ErrorIsNil)
	return controller
}

func (s *controllerSuite) TestValidateConfig(c *gc.C) {
	_, err := ratecontrol.New(ratecontrol.Config{})
	c.Assert(err, jc.ErrorIs, errors.NotValid)
}

func (s *controllerSuite) TestBootstrapTarget(c *gc.C) {
	controller := s.newController(c, 100, 20, 0)
	c.Assert(controller.IdealNumberOfReplications(), gc.Equals, 4)
}

func (s *controllerSuite) TestBootstrapClampedToMaxWorkers(c *gc.C) {
	controller := s.newController(c, 100, 2, 0)
	c.Assert(controller.IdealNumberOfReplications(), gc.Equals, 2)
}

func (s *controllerSuite) TestBootstrapIgnoresErrors(c *gc.C) {
	controller := s.newController(c, 100, 20, 0)
	controller.ReportError(4)
	controller.ReportError(4)
	c.Assert(controller.IdealNumberOfReplications(), gc.Equals, 4)
}

func (s *controllerSuite) TestFastestModeDoublesBestConcurrency(c *gc.C) {
	controller := s.newController(c, 100, 20, 0)
	controller.ReportSuccess(3)
	controller.ReportSuccess(4)
	c.Assert(controller.IdealNumberOfReplications(), gc.Equals, 8)
}

func (s *controllerSuite) TestTargetClampedToMaxWorkers(c *gc.C) {
	controller := s.newController(c, 100, 5, 0)
	controller.ReportSuccess(10)
	c.Assert(controller.IdealNumberOfReplications(), gc.Equals, 5)
}

func (s *controllerSuite) TestTargetNeverBelowOne(c *gc.C) {
	controller := s.newController(c, 100, 20, 0)
	controller.ReportSuccess(1)
	for i := 0; i < 50; i++ {
		controller.ReportError(0)
	}
	target := controller.IdealNumberOfReplications()
	c.Assert(target >= 1, jc.IsTrue)
	c.Assert(target <= 20, jc.IsTrue)
}

func (s *controllerSuite) TestTargetAlwaysWithinBounds(c *gc.C) {
	controller := s.newController(c, 1000, 7, 0)
	for i := 0; i < 100; i++ {
		controller.ReportSuccess(i % 15)
		if i%3 == 0 {
			controller.ReportError(i % 15)
		}
		target := controller.IdealNumberOfReplications()
		c.Assert(target >= 1, jc.IsTrue)
		c.Assert(target <= 7, jc.IsTrue)
		s.clock.Advance(time.Second)
	}
}

func (s *controllerSuite) TestSpeedBasedTarget(c *gc.C) {
	// 100 databases in 100s; after 10s, 10 done at concurrency 5:
	// current speed 1.0/s, needed 100/90 ≈ 1.11/s, so the target
	// stays close to the observed concurrency.
	controller := s.newController(c, 100, 20, 100*time.Second)
	s.clock.Advance(10 * time.Second)
	for i := 0; i < 10; i++ {
		controller.ReportSuccess(5)
	}
	c.Assert(controller.IdealNumberOfReplications(), gc.Equals, 6)
}

func (s *controllerSuite) TestSpeedTargetAccountsForCompleted(c *gc.C) {
	controller := s.newController(c, 100, 20, 100*time.Second)
	s.clock.Advance(10 * time.Second)
	for i := 0; i < 10; i++ {
		controller.ReportSuccess(5)
		controller.JobFinished()
	}
	// 90 left in 90s at 1.0/s observed: the current concurrency is
	// exactly right.
	c.Assert(controller.IdealNumberOfReplications(), gc.Equals, 5)
}

func (s *controllerSuite) TestRecentErrorsPullTargetDown(c *gc.C) {
	controller := s.newController(c, 100, 20, 0)
	controller.ReportSuccess(4)
	// Raw target is 8; a fresh error at concurrency 2 contributes
	// 0.9×2 with full weight: (8 + 1.8) / 2 = 4.9.
	controller.ReportError(2)
	c.Assert(controller.IdealNumberOfReplications(), gc.Equals, 5)
}

func (s *controllerSuite) TestErrorInfluenceDecays(c *gc.C) {
	controller := s.newController(c, 100, 20, 0)
	controller.ReportSuccess(4)
	controller.ReportError(2)
	c.Assert(controller.IdealNumberOfReplications(), gc.Equals, 5)
	// Eight minutes on, the same error has decayed to near zero
	// weight, but the success is still in the window.
	s.clock.Advance(8 * time.Minute)
	c.Assert(controller.IdealNumberOfReplications(), gc.Equals, 8)
}

func (s *controllerSuite) TestEventsPrunedAfterWindow(c *gc.C) {
	controller := s.newController(c, 100, 20, 0)
	controller.ReportSuccess(4)
	controller.ReportError(4)
	c.Assert(controller.RecentErrorCount(), gc.Equals, 1)
	s.clock.Advance(10*time.Minute + time.Second)
	c.Assert(controller.RecentErrorCount(), gc.Equals, 0)
	c.Assert(controller.IdealSleep(), gc.Equals, time.Duration(0))
	// The success is gone too, so the target is back to bootstrap.
	c.Assert(controller.IdealNumberOfReplications(), gc.Equals, 4)
}

func (s *controllerSuite) TestIdealSleepGrowsWithErrors(c *gc.C) {
	controller := s.newController(c, 100, 20, 0)
	c.Assert(controller.IdealSleep(), gc.Equals, time.Duration(0))
	controller.ReportError(4)
	c.Assert(controller.IdealSleep(), gc.Equals, 5*time.Second)
	controller.ReportError(4)
	controller.ReportError(4)
	c.Assert(controller.IdealSleep(), gc.Equals, 15*time.Second)
}

func (s *controllerSuite) TestIdealSleepCappedAtOneMinute(c *gc.C) {
	controller := s.newController(c, 100, 20, 0)
	for i := 0; i < 30; i++ {
		controller.ReportError(4)
	}
	c.Assert(controller.IdealSleep(), gc.Equals, time.Minute)
}

func (s *controllerSuite) TestSpeeds(c *gc.C) {
	controller := s.newController(c, 100, 20, 100*time.Second)
	s.clock.Advance(10 * time.Second)
	for i := 0; i < 5; i++ {
		controller.ReportSuccess(5)
	}
	current, ideal := controller.Speeds()
	c.Assert(current, gc.Equals, 0.5)
	c.Assert(ideal > 1.0 && ideal < 1.2, jc.IsTrue)
}
