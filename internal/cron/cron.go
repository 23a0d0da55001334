// Package cron implements the Cron / Heartbeat component: a
// small JSON-persisted job list fired by an internal ticker, treating the
// Agent Loop as an opaque callback.
package cron

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/adhocore/gronx"
)

// Schedule describes when a job fires. Kind selects which of the other
// fields is meaningful: "every" uses EveryMs, "cron" uses Expr (+ optional
// TZ), "at" uses AtMs and fires exactly once.
type Schedule struct {
	Kind    string `json:"kind"` // "every", "cron", "at"
	EveryMs int64  `json:"every_ms,omitempty"`
	Expr    string `json:"expr,omitempty"`
	TZ      string `json:"tz,omitempty"`
	AtMs    int64  `json:"at_ms,omitempty"`
}

// Payload is the message a fired job delivers to the agent runtime.
type Payload struct {
	Type    string `json:"type"`
	Message string `json:"message"`
	Deliver bool   `json:"deliver"`
	To      string `json:"to,omitempty"`
	Channel string `json:"channel,omitempty"`
}

// State tracks a job's run history across restarts.
type State struct {
	NextRunAtMs int64  `json:"next_run_at_ms,omitempty"`
	LastRunAtMs int64  `json:"last_run_at_ms,omitempty"`
	LastStatus  string `json:"last_status,omitempty"` // "ok", "error"
	LastError   string `json:"last_error,omitempty"`
}

// Job is one scheduled unit of work.
type Job struct {
	ID       string   `json:"id"`
	Name     string   `json:"name"`
	Enabled  bool     `json:"enabled"`
	Schedule Schedule `json:"schedule"`
	Payload  Payload  `json:"payload"`
	State    State    `json:"state"`
}

// Result is what a fired job's callback returns.
type Result struct {
	Content string
}

// Handler runs one fired job and returns its outcome.
type Handler func(job *Job) (*Result, error)

type jobsFile struct {
	Version int    `json:"version"`
	Jobs    []*Job `json:"jobs"`
}

// Engine owns the job list, persists it to JobsFile, and fires due jobs on
// a poll interval.
type Engine struct {
	jobsFile   string
	maxRetries int
	pollEvery  time.Duration
	handler    Handler

	mu   sync.Mutex
	jobs []*Job

	stop chan struct{}
	done chan struct{}
}

// New creates an Engine. handler is invoked on the poll goroutine, one due
// job at a time, for every job whose next_run_at_ms has passed.
func New(jobsFile string, maxRetries int, handler Handler) *Engine {
	if maxRetries <= 0 {
		maxRetries = 3
	}
	return &Engine{
		jobsFile:   jobsFile,
		maxRetries: maxRetries,
		pollEvery:  10 * time.Second,
		handler:    handler,
		stop:       make(chan struct{}),
		done:       make(chan struct{}),
	}
}

// Load reads jobs from disk, computing next_run_at_ms for any job that
// doesn't have one yet (first load, or a freshly added job).
func (e *Engine) Load() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	data, err := os.ReadFile(e.jobsFile)
	if err != nil {
		if os.IsNotExist(err) {
			e.jobs = nil
			return nil
		}
		return fmt.Errorf("read cron jobs: %w", err)
	}

	var file jobsFile
	if err := json.Unmarshal(data, &file); err != nil {
		return fmt.Errorf("parse cron jobs: %w", err)
	}

	now := time.Now()
	for _, j := range file.Jobs {
		if j.State.NextRunAtMs == 0 {
			if next, ok := computeNextRun(j, now); ok {
				j.State.NextRunAtMs = next.UnixMilli()
			}
		}
	}
	e.jobs = file.Jobs
	return nil
}

func (e *Engine) persist() error {
	if err := os.MkdirAll(filepath.Dir(e.jobsFile), 0700); err != nil {
		return err
	}
	data, err := json.MarshalIndent(jobsFile{Version: 1, Jobs: e.jobs}, "", "  ")
	if err != nil {
		return err
	}
	tmp := e.jobsFile + ".tmp"
	if err := os.WriteFile(tmp, data, 0600); err != nil {
		return err
	}
	return os.Rename(tmp, e.jobsFile)
}

// Jobs returns a snapshot of the current job list.
func (e *Engine) Jobs() []*Job {
	e.mu.Lock()
	defer e.mu.Unlock()
	out := make([]*Job, len(e.jobs))
	copy(out, e.jobs)
	return out
}

// Upsert adds job (or replaces the existing one with the same ID) and
// persists the list.
func (e *Engine) Upsert(job *Job) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if job.State.NextRunAtMs == 0 {
		if next, ok := computeNextRun(job, time.Now()); ok {
			job.State.NextRunAtMs = next.UnixMilli()
		}
	}

	for i, existing := range e.jobs {
		if existing.ID == job.ID {
			e.jobs[i] = job
			return e.persist()
		}
	}
	e.jobs = append(e.jobs, job)
	return e.persist()
}

// Remove deletes a job by ID.
func (e *Engine) Remove(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	out := e.jobs[:0]
	for _, j := range e.jobs {
		if j.ID != id {
			out = append(out, j)
		}
	}
	e.jobs = out
	return e.persist()
}

// Start runs the poll loop in the background until Stop is called.
func (e *Engine) Start() {
	go func() {
		defer close(e.done)
		ticker := time.NewTicker(e.pollEvery)
		defer ticker.Stop()
		for {
			select {
			case <-e.stop:
				return
			case <-ticker.C:
				e.tick()
			}
		}
	}()
}

// Stop ends the poll loop and waits for it to exit.
func (e *Engine) Stop() {
	close(e.stop)
	<-e.done
}

func (e *Engine) tick() {
	now := time.Now()

	e.mu.Lock()
	due := make([]*Job, 0)
	for _, j := range e.jobs {
		if j.Enabled && j.State.NextRunAtMs != 0 && j.State.NextRunAtMs <= now.UnixMilli() {
			due = append(due, j)
		}
	}
	e.mu.Unlock()

	for _, j := range due {
		e.fire(j)
	}
}

func (e *Engine) fire(job *Job) {
	var lastErr error
	for attempt := 0; attempt <= e.maxRetries; attempt++ {
		if attempt > 0 {
			time.Sleep(time.Duration(1<<uint(attempt)) * time.Second)
		}
		_, err := e.handler(job)
		if err == nil {
			lastErr = nil
			break
		}
		lastErr = err
		slog.Warn("cron job failed, retrying", "job_id", job.ID, "attempt", attempt, "error", err)
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	job.State.LastRunAtMs = time.Now().UnixMilli()
	if lastErr != nil {
		job.State.LastStatus = "error"
		job.State.LastError = lastErr.Error()
		slog.Error("cron job failed permanently", "job_id", job.ID, "error", lastErr)
	} else {
		job.State.LastStatus = "ok"
		job.State.LastError = ""
	}

	if job.Schedule.Kind == "at" {
		job.Enabled = false
		job.State.NextRunAtMs = 0
	} else if next, ok := computeNextRun(job, time.Now()); ok {
		job.State.NextRunAtMs = next.UnixMilli()
	} else {
		job.State.NextRunAtMs = 0
	}

	if err := e.persist(); err != nil {
		slog.Error("cron: failed to persist job state", "error", err)
	}
}

// computeNextRun returns the next fire time for job after ref, per its
// schedule kind.
func computeNextRun(job *Job, ref time.Time) (time.Time, bool) {
	switch job.Schedule.Kind {
	case "every":
		if job.Schedule.EveryMs <= 0 {
			return time.Time{}, false
		}
		return ref.Add(time.Duration(job.Schedule.EveryMs) * time.Millisecond), true

	case "at":
		if job.Schedule.AtMs == 0 {
			return time.Time{}, false
		}
		at := time.UnixMilli(job.Schedule.AtMs)
		if at.Before(ref) {
			return time.Time{}, false
		}
		return at, true

	case "cron":
		if job.Schedule.Expr == "" {
			return time.Time{}, false
		}
		loc := time.Local
		if job.Schedule.TZ != "" {
			if l, err := time.LoadLocation(job.Schedule.TZ); err == nil {
				loc = l
			}
		}
		next, err := gronx.NextTickAfter(job.Schedule.Expr, ref.In(loc), false)
		if err != nil {
			slog.Warn("cron: invalid expression", "job_id", job.ID, "expr", job.Schedule.Expr, "error", err)
			return time.Time{}, false
		}
		return next, true

	default:
		return time.Time{}, false
	}
}
