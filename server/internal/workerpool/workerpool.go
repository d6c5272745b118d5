// workerpool.go - Tagged worker pool for request processing.
// Copyright (C) 2021  The Oxen Project.
//
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as
// published by the Free Software Foundation, either version 3 of the
// License, or (at your option) any later version.
//
// This program is distributed in the hope that it will be useful,
// but WITHOUT ANY WARRANTY; without even the implied warranty of
// MERCHANTABILITY or FITNESS FOR A PARTICULAR PURPOSE.  See the
// GNU Affero General Public License for more details.
//
// You should have received a copy of the GNU Affero General Public License
// along with this program.  If not, see <http://www.gnu.org/licenses/>.

// Package workerpool runs request jobs on a small fixed pool of workers.
// Jobs are tagged with the request URI for per-endpoint queue accounting.
package workerpool

import (
	"errors"
	"runtime/debug"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"gopkg.in/op/go-logging.v1"

	"github.com/oxen-io/oxen-storage-server/core/log"
	"github.com/oxen-io/oxen-storage-server/core/worker"
)

const queueCapacity = 512

// ErrQueueFull is returned by Submit when the job queue is saturated.
var ErrQueueFull = errors.New("workerpool: job queue full")

// ErrHalted is returned by Submit after the pool has been halted.
var ErrHalted = errors.New("workerpool: halted")

var queuedJobs = prometheus.NewGaugeVec(
	prometheus.GaugeOpts{
		Namespace: "oxen",
		Subsystem: "worker_pool",
		Name:      "queued_jobs",
		Help:      "Number of queued jobs per endpoint tag",
	},
	[]string{"tag"},
)

func init() {
	prometheus.MustRegister(queuedJobs)
}

type job struct {
	tag string
	fn  func()
}

// Pool is a fixed size pool of non-preemptive workers.  Each job runs to
// completion before the worker picks the next one.  Panics inside a job are
// recovered and logged; they never take down the process.
type Pool struct {
	worker.Worker

	log *logging.Logger

	jobCh chan job

	sync.Mutex
	queued map[string]int
}

// New creates a pool with n workers.
func New(n int, logBackend *log.Backend) *Pool {
	p := &Pool{
		log:    logBackend.GetLogger("workerpool"),
		jobCh:  make(chan job, queueCapacity),
		queued: make(map[string]int),
	}
	for i := 0; i < n; i++ {
		p.Go(p.workerLoop)
	}
	return p
}

// Submit enqueues fn under the given tag.  It never blocks: a saturated
// queue fails fast with ErrQueueFull so the front-end can reply 503.
func (p *Pool) Submit(tag string, fn func()) error {
	select {
	case <-p.HaltCh():
		return ErrHalted
	default:
	}

	select {
	case p.jobCh <- job{tag: tag, fn: fn}:
		p.track(tag, 1)
		return nil
	default:
		return ErrQueueFull
	}
}

// QueueDepth returns the number of queued jobs for a tag.
func (p *Pool) QueueDepth(tag string) int {
	p.Lock()
	defer p.Unlock()
	return p.queued[tag]
}

func (p *Pool) track(tag string, delta int) {
	p.Lock()
	p.queued[tag] += delta
	if p.queued[tag] <= 0 {
		delete(p.queued, tag)
	}
	p.Unlock()
	queuedJobs.WithLabelValues(tag).Add(float64(delta))
}

func (p *Pool) workerLoop() {
	for {
		select {
		case <-p.HaltCh():
			return
		case j := <-p.jobCh:
			p.track(j.tag, -1)
			p.runJob(j)
		}
	}
}

func (p *Pool) runJob(j job) {
	defer func() {
		if r := recover(); r != nil {
			p.log.Critical("Recovered panic in job %q: %v\n%s", j.tag, r, debug.Stack())
		}
	}()
	j.fn()
}
