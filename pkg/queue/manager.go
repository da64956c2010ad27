package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

// Standard queue names. Every job lives on exactly one of these.
const (
	QueueTranscription = "transcription"
	QueueMemory        = "memory"
	QueueAudio         = "audio"
	QueueDefault       = "default"
)

const keyPrefix = "chronicle"

func jobKey(id string) string      { return fmt.Sprintf("%s:job:%s", keyPrefix, id) }
func registryKey(s Status) string  { return fmt.Sprintf("%s:jobs:%s", keyPrefix, s) }
func queueListKey(q string) string { return fmt.Sprintf("%s:queue:%s", keyPrefix, q) }
func depsKey(id string) string     { return fmt.Sprintf("%s:deps:%s", keyPrefix, id) }
func dependentsKey(id string) string {
	return fmt.Sprintf("%s:dependents:%s", keyPrefix, id)
}

// workerNamespace is where the supervisor (C8) registers live worker
// identities; Health reads it to report cluster registration counts.
const workerNamespace = keyPrefix + ":workers:registered"

// Manager owns the Redis connection backing every queue and registry.
type Manager struct {
	rdb redis.UniversalClient
}

// NewManager wraps an existing Redis client. The caller owns the client's
// lifecycle (including Close).
func NewManager(rdb redis.UniversalClient) *Manager {
	return &Manager{rdb: rdb}
}

// EnqueueOption configures optional Enqueue parameters.
type EnqueueOption func(*Job)

func WithJobID(id string) EnqueueOption         { return func(j *Job) { j.ID = id } }
func WithTimeout(d time.Duration) EnqueueOption { return func(j *Job) { j.Timeout = d } }
func WithResultTTL(d time.Duration) EnqueueOption {
	return func(j *Job) { j.ResultTTL = d }
}
func WithFailureTTL(d time.Duration) EnqueueOption {
	return func(j *Job) { j.FailureTTL = d }
}
func WithDependsOn(jobIDs ...string) EnqueueOption {
	return func(j *Job) { j.DependsOn = append(j.DependsOn, jobIDs...) }
}
func WithMeta(meta map[string]string) EnqueueOption {
	return func(j *Job) {
		if j.Meta == nil {
			j.Meta = make(map[string]string, len(meta))
		}
		for k, v := range meta {
			j.Meta[k] = v
		}
	}
}

// jobIDPrefix maps each role to the short prefix used in deterministic job
// ids, which don't always match the role string itself (e.g. speaker
// recognition uses "speaker_", event dispatch uses "event_complete_").
var jobIDPrefix = map[Role]string{
	RoleSpeakerRecognition: "speaker",
	RoleMemoryExtraction:   "memory",
	RoleTitleSummary:       "title_summary",
	RoleEventDispatch:      "event_complete",
}

// JobID builds the deterministic per-role per-conversation job id used
// throughout the pipeline (e.g. "speaker_ab12cd34ef56"), so re-enqueuing
// the same stage for the same conversation reuses the existing record.
func JobID(role Role, conversationID string) string {
	id := conversationID
	if len(id) > 12 {
		id = id[:12]
	}
	prefix, ok := jobIDPrefix[role]
	if !ok {
		prefix = string(role)
	}
	return fmt.Sprintf("%s_%s", prefix, id)
}

// ReprocessJobID builds the deterministic job id for a reprocessing run,
// keyed on an 8-character conversation id prefix rather than JobID's 12.
func ReprocessJobID(conversationID string) string {
	id := conversationID
	if len(id) > 8 {
		id = id[:8]
	}
	return "reprocess_" + id
}

// Enqueue creates or reuses a job record. If depends_on references jobs
// that are not all finished, the job is placed in the deferred registry;
// otherwise it is placed directly on the named queue. If a job with the
// same id already exists and is not terminal-failed/canceled, the existing
// record is returned unchanged (idempotent re-enqueue).
func (m *Manager) Enqueue(ctx context.Context, queueName string, role Role, args any, opts ...EnqueueOption) (Job, error) {
	job := Job{
		Queue:      queueName,
		Role:       role,
		Status:     StatusQueued,
		ResultTTL:  DefaultResultTTL,
		FailureTTL: DefaultFailureTTL,
		CreatedAt:  time.Now().UTC(),
	}
	for _, o := range opts {
		o(&job)
	}
	if job.ID == "" {
		return Job{}, fmt.Errorf("queue: job id must be set")
	}

	if existing, err := m.Fetch(ctx, job.ID); err == nil {
		if existing.Status != StatusFailed && existing.Status != StatusCanceled {
			return existing, nil
		}
	}

	raw, err := json.Marshal(args)
	if err != nil {
		return Job{}, fmt.Errorf("queue: marshal args: %w", err)
	}
	job.Args = raw

	pending, err := m.unfinishedDeps(ctx, job.DependsOn)
	if err != nil {
		return Job{}, err
	}
	if len(pending) > 0 {
		job.Status = StatusDeferred
	}

	if err := m.writeJob(ctx, job); err != nil {
		return Job{}, err
	}

	for _, dep := range job.DependsOn {
		if err := m.rdb.SAdd(ctx, dependentsKey(dep), job.ID).Err(); err != nil {
			return Job{}, fmt.Errorf("queue: record dependent: %w", err)
		}
	}
	if len(pending) > 0 {
		if err := m.rdb.SAdd(ctx, depsKey(job.ID), toAny(pending)...).Err(); err != nil {
			return Job{}, fmt.Errorf("queue: record pending deps: %w", err)
		}
	} else {
		if err := m.rdb.RPush(ctx, queueListKey(job.Queue), job.ID).Err(); err != nil {
			return Job{}, fmt.Errorf("queue: push to queue %q: %w", job.Queue, err)
		}
	}

	return job, nil
}

func toAny(ss []string) []any {
	out := make([]any, len(ss))
	for i, s := range ss {
		out[i] = s
	}
	return out
}

// unfinishedDeps returns the subset of jobIDs that are not yet finished.
func (m *Manager) unfinishedDeps(ctx context.Context, jobIDs []string) ([]string, error) {
	var pending []string
	for _, id := range jobIDs {
		dep, err := m.Fetch(ctx, id)
		if err != nil {
			return nil, fmt.Errorf("queue: dependency %q: %w", id, err)
		}
		if dep.Status != StatusFinished {
			pending = append(pending, id)
		}
	}
	return pending, nil
}

// writeJob serializes job into its hash record and moves it into the
// correct status registry, removing it from any other registry it may
// currently occupy.
func (m *Manager) writeJob(ctx context.Context, job Job) error {
	body, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("queue: marshal job %q: %w", job.ID, err)
	}

	pipe := m.rdb.TxPipeline()
	pipe.HSet(ctx, jobKey(job.ID), "body", body)
	switch {
	case job.Status == StatusFinished:
		pipe.Expire(ctx, jobKey(job.ID), job.ResultTTL)
	case job.Status == StatusFailed:
		pipe.Expire(ctx, jobKey(job.ID), job.FailureTTL)
	}
	for _, s := range allStatuses {
		if s == job.Status {
			continue
		}
		pipe.HDel(ctx, registryKey(s), job.ID)
	}
	pipe.HSet(ctx, registryKey(job.Status), job.ID, job.CreatedAt.Format(time.RFC3339Nano))
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("queue: write job %q: %w", job.ID, err)
	}
	return nil
}

// Fetch returns the job record for id.
func (m *Manager) Fetch(ctx context.Context, id string) (Job, error) {
	body, err := m.rdb.HGet(ctx, jobKey(id), "body").Result()
	if err != nil {
		if err == redis.Nil {
			return Job{}, fmt.Errorf("queue: job %q not found", id)
		}
		return Job{}, fmt.Errorf("queue: fetch job %q: %w", id, err)
	}
	var job Job
	if err := json.Unmarshal([]byte(body), &job); err != nil {
		return Job{}, fmt.Errorf("queue: decode job %q: %w", id, err)
	}
	return job, nil
}

// Finish marks job id finished, storing result as its JSON body under the
// Kwargs field (the result payload, as distinct from the invocation args),
// and promotes any dependents whose remaining dependencies are now all
// finished.
func (m *Manager) Finish(ctx context.Context, id string, result any) error {
	return m.complete(ctx, id, StatusFinished, result, "")
}

// Fail marks job id failed with excInfo and cancels every dependent,
// cascading through the dependents graph.
func (m *Manager) Fail(ctx context.Context, id string, excInfo string) error {
	return m.complete(ctx, id, StatusFailed, nil, excInfo)
}

func (m *Manager) complete(ctx context.Context, id string, status Status, result any, excInfo string) error {
	job, err := m.Fetch(ctx, id)
	if err != nil {
		return err
	}
	now := time.Now().UTC()
	job.Status = status
	job.EndedAt = &now
	job.ExcInfo = excInfo
	if result != nil {
		raw, err := json.Marshal(result)
		if err != nil {
			return fmt.Errorf("queue: marshal result for job %q: %w", id, err)
		}
		job.Kwargs = raw
	}
	if err := m.writeJob(ctx, job); err != nil {
		return err
	}

	dependents, err := m.rdb.SMembers(ctx, dependentsKey(id)).Result()
	if err != nil {
		return fmt.Errorf("queue: read dependents of %q: %w", id, err)
	}
	for _, depID := range dependents {
		if status == StatusFinished {
			if err := m.promoteIfReady(ctx, depID); err != nil {
				return err
			}
		} else {
			if err := m.cancel(ctx, depID); err != nil {
				return err
			}
		}
	}
	return nil
}

// promoteIfReady removes id from the completed dependency's pending set
// and, if no dependencies remain outstanding, moves the deferred job onto
// its queue.
func (m *Manager) promoteIfReady(ctx context.Context, id string) error {
	job, err := m.Fetch(ctx, id)
	if err != nil {
		return err
	}
	remaining, err := m.unfinishedDeps(ctx, job.DependsOn)
	if err != nil {
		return err
	}
	if len(remaining) > 0 {
		return nil
	}
	job.Status = StatusQueued
	if err := m.writeJob(ctx, job); err != nil {
		return err
	}
	return m.rdb.RPush(ctx, queueListKey(job.Queue), job.ID).Err()
}

// cancel transitions a deferred job to canceled and cascades to its own
// dependents.
func (m *Manager) cancel(ctx context.Context, id string) error {
	job, err := m.Fetch(ctx, id)
	if err != nil {
		return err
	}
	if job.Status.Terminal() {
		return nil
	}
	return m.complete(ctx, id, StatusCanceled, nil, "dependency failed or canceled")
}

// Dequeue blocks for up to timeout waiting for a job id to appear on
// queueName, pops it, marks it started, and returns it. Returns ErrNoJob if
// timeout elapses with nothing queued. Called in a loop by pkg/jobs' worker
// dispatch loop (C5).
func (m *Manager) Dequeue(ctx context.Context, queueName string, timeout time.Duration) (Job, error) {
	res, err := m.rdb.BLPop(ctx, timeout, queueListKey(queueName)).Result()
	if err == redis.Nil {
		return Job{}, ErrNoJob
	}
	if err != nil {
		return Job{}, fmt.Errorf("queue: dequeue from %q: %w", queueName, err)
	}

	job, err := m.Fetch(ctx, res[1])
	if err != nil {
		return Job{}, err
	}
	now := time.Now().UTC()
	job.Status = StatusStarted
	job.StartedAt = &now
	if err := m.writeJob(ctx, job); err != nil {
		return Job{}, err
	}
	return job, nil
}

// QueueLen returns the number of job ids waiting on queueName, without
// removing any. This is a read-only view; Dequeue is what workers use to
// actually claim and process jobs.
func (m *Manager) QueueLen(ctx context.Context, queueName string) (int64, error) {
	n, err := m.rdb.LLen(ctx, queueListKey(queueName)).Result()
	if err != nil {
		return 0, fmt.Errorf("queue: length of %q: %w", queueName, err)
	}
	return n, nil
}

// JobFilter narrows the result of GetJobs.
type JobFilter struct {
	Queue    string
	Role     Role
	ClientID string
	Limit    int
	Offset   int
}

// GetJobs returns a deduplicated, time-sorted, paginated view of jobs
// across every registry, optionally narrowed by filter.
func (m *Manager) GetJobs(ctx context.Context, filter JobFilter) ([]Job, error) {
	seen := make(map[string]struct{})
	var jobs []Job
	for _, status := range allStatuses {
		ids, err := m.rdb.HKeys(ctx, registryKey(status)).Result()
		if err != nil {
			return nil, fmt.Errorf("queue: list registry %q: %w", status, err)
		}
		for _, id := range ids {
			if _, ok := seen[id]; ok {
				continue
			}
			seen[id] = struct{}{}
			job, err := m.Fetch(ctx, id)
			if err != nil {
				continue
			}
			if filter.Queue != "" && job.Queue != filter.Queue {
				continue
			}
			if filter.Role != "" && job.Role != filter.Role {
				continue
			}
			if filter.ClientID != "" && job.ClientID() != filter.ClientID {
				continue
			}
			jobs = append(jobs, job)
		}
	}

	sort.Slice(jobs, func(i, j int) bool { return jobs[i].CreatedAt.After(jobs[j].CreatedAt) })

	if filter.Offset > 0 {
		if filter.Offset >= len(jobs) {
			return nil, nil
		}
		jobs = jobs[filter.Offset:]
	}
	if filter.Limit > 0 && filter.Limit < len(jobs) {
		jobs = jobs[:filter.Limit]
	}
	return jobs, nil
}

// AllJobsCompleteForClient reports whether every job whose meta.client_id
// equals clientID — and every job reachable by following those jobs'
// dependents — is in a terminal state.
func (m *Manager) AllJobsCompleteForClient(ctx context.Context, clientID string) (bool, error) {
	all, err := m.GetJobs(ctx, JobFilter{ClientID: clientID})
	if err != nil {
		return false, err
	}

	visited := make(map[string]struct{})
	var walk func(id string) (bool, error)
	walk = func(id string) (bool, error) {
		if _, ok := visited[id]; ok {
			return true, nil
		}
		visited[id] = struct{}{}
		job, err := m.Fetch(ctx, id)
		if err != nil {
			// A missing job (e.g. expired result) is treated as complete.
			return true, nil
		}
		if !job.Status.Terminal() {
			return false, nil
		}
		dependents, err := m.rdb.SMembers(ctx, dependentsKey(id)).Result()
		if err != nil {
			return false, fmt.Errorf("queue: read dependents of %q: %w", id, err)
		}
		for _, depID := range dependents {
			ok, err := walk(depID)
			if err != nil {
				return false, err
			}
			if !ok {
				return false, nil
			}
		}
		return true, nil
	}

	for _, job := range all {
		ok, err := walk(job.ID)
		if err != nil {
			return false, err
		}
		if !ok {
			return false, nil
		}
	}
	return true, nil
}

// Stats aggregates counts per registry.
type Stats struct {
	Counts map[Status]int64
}

// Stats returns the size of every registry.
func (m *Manager) Stats(ctx context.Context) (Stats, error) {
	counts := make(map[Status]int64, len(allStatuses))
	for _, status := range allStatuses {
		n, err := m.rdb.HLen(ctx, registryKey(status)).Result()
		if err != nil {
			return Stats{}, fmt.Errorf("queue: count registry %q: %w", status, err)
		}
		counts[status] = n
	}
	return Stats{Counts: counts}, nil
}

// Health extends Stats with the worker identities the process supervisor
// (C8) has registered as live.
type Health struct {
	Stats
	RegisteredWorkers []string
}

// Health reports registry counts plus the set of currently registered
// worker identities.
func (m *Manager) Health(ctx context.Context) (Health, error) {
	stats, err := m.Stats(ctx)
	if err != nil {
		return Health{}, err
	}
	workers, err := m.rdb.SMembers(ctx, workerNamespace).Result()
	if err != nil {
		return Health{}, fmt.Errorf("queue: list registered workers: %w", err)
	}
	sort.Strings(workers)
	return Health{Stats: stats, RegisteredWorkers: workers}, nil
}

// RegisterWorker adds workerID to the live worker set. Called once by
// jobs.Worker.Run on startup; the supervisor (C8) only reads this set via
// RegisteredWorkerCount, it never writes to it.
func (m *Manager) RegisterWorker(ctx context.Context, workerID string) error {
	return m.rdb.SAdd(ctx, workerNamespace, workerID).Err()
}

// DeregisterWorker removes workerID from the live worker set.
func (m *Manager) DeregisterWorker(ctx context.Context, workerID string) error {
	return m.rdb.SRem(ctx, workerNamespace, workerID).Err()
}

// RegisteredWorkerCount returns the number of currently registered
// workers, used by the supervisor to decide whether to bulk-restart.
func (m *Manager) RegisteredWorkerCount(ctx context.Context) (int64, error) {
	n, err := m.rdb.SCard(ctx, workerNamespace).Result()
	if err != nil {
		return 0, fmt.Errorf("queue: count registered workers: %w", err)
	}
	return n, nil
}
