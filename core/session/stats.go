package session

import (
	"sync/atomic"
	"time"
)

// Statistics is a snapshot of manager counters.
type Statistics struct {
	Created        int64
	Expired        int64
	Rejected       int64
	Active         int64
	HighestActive  int64
	TotalAliveTime time.Duration
	MaxAliveTime   time.Duration
	AvgAliveTime   time.Duration
}

// statistics keeps per-manager counters so several managers in one process never share them.
type statistics struct {
	created       atomic.Int64
	expired       atomic.Int64
	rejected      atomic.Int64
	highestActive atomic.Int64
	destroyed     atomic.Int64
	totalAlive    atomic.Int64
	maxAlive      atomic.Int64
}

func (s *statistics) sessionCreated(active int64) {
	s.created.Add(1)
	s.observeActive(active)
}

// observeActive raises the high-water mark of resident sessions.
func (s *statistics) observeActive(active int64) {
	for {
		highest := s.highestActive.Load()
		if active <= highest || s.highestActive.CompareAndSwap(highest, active) {
			return
		}
	}
}

func (s *statistics) sessionRejected() {
	s.rejected.Add(1)
}

func (s *statistics) sessionDestroyed(alive time.Duration, expired bool) {
	s.destroyed.Add(1)
	if expired {
		s.expired.Add(1)
	}
	ms := alive.Milliseconds()
	s.totalAlive.Add(ms)
	for {
		longest := s.maxAlive.Load()
		if ms <= longest || s.maxAlive.CompareAndSwap(longest, ms) {
			return
		}
	}
}

func (s *statistics) snapshot(active int64) Statistics {
	st := Statistics{
		Created:        s.created.Load(),
		Expired:        s.expired.Load(),
		Rejected:       s.rejected.Load(),
		Active:         active,
		HighestActive:  s.highestActive.Load(),
		TotalAliveTime: time.Duration(s.totalAlive.Load()) * time.Millisecond,
		MaxAliveTime:   time.Duration(s.maxAlive.Load()) * time.Millisecond,
	}
	if n := s.destroyed.Load(); n > 0 {
		st.AvgAliveTime = st.TotalAliveTime / time.Duration(n)
	}
	return st
}
