// Package cron schedules recurring agent runs: each job injects a
// synthetic envelope into its agent's main session on a cron schedule.
package cron

import (
	"errors"
	"fmt"
	"sync"
	"time"

	robfig "github.com/robfig/cron/v3"

	"github.com/google/uuid"

	"github.com/sjvermaak/clawgate/internal/config"
	. "github.com/sjvermaak/clawgate/internal/logging"
)

var ErrJobNotFound = errors.New("cron job not found")

// Job is one persisted schedule.
type Job struct {
	ID       string `json:"id"`
	Schedule string `json:"schedule"` // standard 5-field cron expression
	AgentID  string `json:"agentId"`
	Text     string `json:"text"`
	Enabled  bool   `json:"enabled"`

	LastRun    *time.Time `json:"lastRun,omitempty"`
	LastStatus string     `json:"lastStatus,omitempty"` // "ok" | error text
}

// TriggerFunc fires a job: the gateway injects the job text into the
// agent's session and runs it.
type TriggerFunc func(job Job) error

type storeFile struct {
	Version int   `json:"version"`
	Jobs    []Job `json:"jobs"`
}

// Service owns the job table and the underlying scheduler.
type Service struct {
	mu      sync.Mutex
	path    string
	jobs    map[string]*Job
	entries map[string]robfig.EntryID
	cron    *robfig.Cron
	trigger TriggerFunc
	parser  robfig.Parser
}

// NewService loads the job store and prepares (but does not start) the
// scheduler.
func NewService(path string, trigger TriggerFunc) (*Service, error) {
	s := &Service{
		path:    path,
		jobs:    make(map[string]*Job),
		entries: make(map[string]robfig.EntryID),
		cron:    robfig.New(),
		trigger: trigger,
		parser:  robfig.NewParser(robfig.Minute | robfig.Hour | robfig.Dom | robfig.Month | robfig.Dow),
	}

	var sf storeFile
	if err := readJSON(path, &sf); err != nil {
		return nil, err
	}
	for i := range sf.Jobs {
		job := sf.Jobs[i]
		s.jobs[job.ID] = &job
	}
	L_info("cron: store loaded", "jobs", len(s.jobs))
	return s, nil
}

// Start schedules enabled jobs and starts the clock.
func (s *Service) Start() {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, job := range s.jobs {
		if job.Enabled {
			s.scheduleLocked(job)
		}
	}
	s.cron.Start()
}

// Stop halts the scheduler, waiting for running triggers.
func (s *Service) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

func (s *Service) scheduleLocked(job *Job) {
	id := job.ID
	entry, err := s.cron.AddFunc(job.Schedule, func() { s.fire(id) })
	if err != nil {
		L_error("cron: failed to schedule", "job", id, "error", err)
		return
	}
	s.entries[id] = entry
}

func (s *Service) unscheduleLocked(id string) {
	if entry, ok := s.entries[id]; ok {
		s.cron.Remove(entry)
		delete(s.entries, id)
	}
}

// fire runs one job and records its outcome.
func (s *Service) fire(id string) {
	s.mu.Lock()
	job, ok := s.jobs[id]
	if !ok || !job.Enabled {
		s.mu.Unlock()
		return
	}
	snapshot := *job
	s.mu.Unlock()

	L_info("cron: firing job", "job", id, "agent", snapshot.AgentID)
	err := s.trigger(snapshot)

	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok = s.jobs[id]
	if !ok {
		return
	}
	now := time.Now().UTC()
	job.LastRun = &now
	if err != nil {
		job.LastStatus = err.Error()
		L_warn("cron: job failed", "job", id, "error", err)
	} else {
		job.LastStatus = "ok"
	}
	s.saveLocked()
}

// List returns all jobs.
func (s *Service) List() []Job {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Job, 0, len(s.jobs))
	for _, job := range s.jobs {
		out = append(out, *job)
	}
	return out
}

// Add validates and persists a new job.
func (s *Service) Add(job Job) (Job, error) {
	if _, err := s.parser.Parse(job.Schedule); err != nil {
		return Job{}, fmt.Errorf("invalid schedule: %w", err)
	}
	if job.ID == "" {
		job.ID = uuid.NewString()
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.jobs[job.ID]; exists {
		return Job{}, fmt.Errorf("cron job %s already exists", job.ID)
	}
	s.jobs[job.ID] = &job
	if job.Enabled {
		s.scheduleLocked(&job)
	}
	s.saveLocked()
	return job, nil
}

// Update patches schedule, text or enablement.
func (s *Service) Update(id string, schedule, text *string, enabled *bool) (Job, error) {
	if schedule != nil {
		if _, err := s.parser.Parse(*schedule); err != nil {
			return Job{}, fmt.Errorf("invalid schedule: %w", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	job, ok := s.jobs[id]
	if !ok {
		return Job{}, ErrJobNotFound
	}
	if schedule != nil {
		job.Schedule = *schedule
	}
	if text != nil {
		job.Text = *text
	}
	if enabled != nil {
		job.Enabled = *enabled
	}

	s.unscheduleLocked(id)
	if job.Enabled {
		s.scheduleLocked(job)
	}
	s.saveLocked()
	return *job, nil
}

// Remove deletes a job.
func (s *Service) Remove(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.jobs[id]; !ok {
		return ErrJobNotFound
	}
	s.unscheduleLocked(id)
	delete(s.jobs, id)
	s.saveLocked()
	return nil
}

// Run fires a job immediately, regardless of schedule.
func (s *Service) Run(id string) error {
	s.mu.Lock()
	_, ok := s.jobs[id]
	s.mu.Unlock()
	if !ok {
		return ErrJobNotFound
	}
	go s.fire(id)
	return nil
}

func (s *Service) saveLocked() {
	sf := storeFile{Version: 1}
	for _, job := range s.jobs {
		sf.Jobs = append(sf.Jobs, *job)
	}
	if err := config.AtomicWriteJSON(s.path, sf, 0640); err != nil {
		L_error("cron: failed to persist store", "error", err)
	}
}
