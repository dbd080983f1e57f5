// Package action applies user decisions on feed cards optimistically and
// tracks each subject through pending, committed and failed.
package action

import (
	"context"
	"errors"
	"slices"
	"sync"
	"time"

	"github.com/agatticelli/feedsync/internal/events"
	"github.com/agatticelli/feedsync/internal/failure"
	"github.com/agatticelli/feedsync/internal/feed"
	"github.com/agatticelli/feedsync/internal/platform/observability"
	"github.com/agatticelli/feedsync/internal/remote"
)

var (
	// ErrActionPending is returned when the subject already has an action in flight
	ErrActionPending = errors.New("action already pending for subject")
	// ErrActorRequired is returned when a swipe carries no actor id
	ErrActorRequired = errors.New("actor id is required")
	// ErrSubjectRequired is returned when a swipe carries no subject id
	ErrSubjectRequired = errors.New("subject id is required")
	// ErrNotFailed is returned by RetryAction for subjects not in the failed state
	ErrNotFailed = errors.New("no failed action for subject")
	// ErrRetryLimit is returned by RetryAction once the subject used its retries
	ErrRetryLimit = errors.New("retry limit reached for subject")
)

// OpSwipe is the failure-handler operation name for remote commands
const OpSwipe = "swipe"

// State is a subject's position in the action lifecycle
type State string

const (
	StateNone      State = "none"
	StatePending   State = "pending"
	StateCommitted State = "committed"
	StateFailed    State = "failed"
)

// Commander sends an action to the remote service
type Commander interface {
	SendCommand(ctx context.Context, actorID, subjectID string, action feed.Action) (remote.CommandResult, error)
}

// Executor runs a remote operation under the shared retry policy
type Executor interface {
	ExecuteWithRetry(ctx context.Context, op string, fn func(context.Context) error) error
}

// Invalidator drops cached data made stale by a committed action
type Invalidator interface {
	Invalidate(ctx context.Context, key string)
	InvalidatePrefix(ctx context.Context, prefix string)
}

// SwipeRequest is one user decision
type SwipeRequest struct {
	ActorID   string      `json:"actorId"`
	SubjectID string      `json:"subjectId"`
	Kind      feed.Action `json:"kind"`
	Position  int         `json:"position"`
}

// Pending is the engine's record for a subject
type Pending struct {
	SubjectID        string      `json:"subjectId"`
	ActorID          string      `json:"actorId"`
	Kind             feed.Action `json:"kind"`
	IssuedAt         time.Time   `json:"issuedAt"`
	OriginalPosition int         `json:"originalPosition"`
	State            State       `json:"state"`
	Error            string      `json:"error,omitempty"`
	Retries          int         `json:"retries"`

	seq uint64
}

// Match is a mutual match reported by the remote service
type Match struct {
	MatchID   string    `json:"matchId"`
	SubjectID string    `json:"subjectId"`
	ActorID   string    `json:"actorId"`
	At        time.Time `json:"at"`
}

// Config holds engine configuration
type Config struct {
	MaxRetries    int
	DisplayWindow time.Duration

	// OnError is called once for every action that ends failed
	OnError func(p Pending, err error)

	Now func() time.Time
}

// DefaultConfig returns two retries and a 2s committed display window
func DefaultConfig() Config {
	return Config{
		MaxRetries:    2,
		DisplayWindow: 2 * time.Second,
	}
}

// Engine owns every subject's action state
type Engine struct {
	cfg         Config
	commander   Commander
	executor    Executor
	invalidator Invalidator
	bus         events.Publisher
	logger      *observability.Logger
	metrics     *observability.Metrics

	mu        sync.Mutex
	actions   map[string]*Pending
	retries   map[string]int
	timers    map[string]*time.Timer
	lastMatch *Match
	seq       uint64

	wg sync.WaitGroup
}

// NewEngine creates an Engine. invalidator, bus, logger and metrics may be nil.
func NewEngine(cfg Config, commander Commander, executor Executor, invalidator Invalidator, bus events.Publisher, logger *observability.Logger, metrics *observability.Metrics) *Engine {
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = 2
	}
	if cfg.DisplayWindow <= 0 {
		cfg.DisplayWindow = 2 * time.Second
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if logger == nil {
		logger = observability.NewNopLogger()
	}

	return &Engine{
		cfg:         cfg,
		commander:   commander,
		executor:    executor,
		invalidator: invalidator,
		bus:         bus,
		logger:      logger.WithComponent("action"),
		metrics:     metrics,
		actions:     make(map[string]*Pending),
		retries:     make(map[string]int),
		timers:      make(map[string]*time.Timer),
	}
}

// Swipe records the action as pending and returns at once. Like and
// superlike are sent in the background; pass never leaves the client and
// commits immediately.
func (e *Engine) Swipe(ctx context.Context, req SwipeRequest) (Pending, error) {
	if req.SubjectID == "" {
		return Pending{}, ErrSubjectRequired
	}
	if req.ActorID == "" {
		return Pending{}, ErrActorRequired
	}
	if _, err := feed.ParseAction(string(req.Kind)); err != nil {
		return Pending{}, err
	}

	e.mu.Lock()
	if cur, ok := e.actions[req.SubjectID]; ok && cur.State == StatePending {
		e.mu.Unlock()
		return Pending{}, ErrActionPending
	}
	e.seq++
	p := &Pending{
		SubjectID:        req.SubjectID,
		ActorID:          req.ActorID,
		Kind:             req.Kind,
		IssuedAt:         e.cfg.Now(),
		OriginalPosition: req.Position,
		State:            StatePending,
		Retries:          e.retries[req.SubjectID],
		seq:              e.seq,
	}
	e.actions[req.SubjectID] = p
	e.stopTimerLocked(req.SubjectID)
	snapshot := *p
	e.mu.Unlock()

	e.dispatch(ctx, snapshot)
	return snapshot, nil
}

// RetryAction re-issues a failed action. The subject's retry counter is
// capped at MaxRetries; once reached the caller must ClearAction instead.
func (e *Engine) RetryAction(ctx context.Context, subjectID string) (Pending, error) {
	e.mu.Lock()
	cur, ok := e.actions[subjectID]
	if !ok || cur.State != StateFailed {
		e.mu.Unlock()
		return Pending{}, ErrNotFailed
	}
	if e.retries[subjectID] >= e.cfg.MaxRetries {
		e.mu.Unlock()
		return Pending{}, ErrRetryLimit
	}
	e.seq++
	cur.State = StatePending
	cur.Error = ""
	cur.IssuedAt = e.cfg.Now()
	cur.seq = e.seq
	snapshot := *cur
	e.mu.Unlock()

	e.logger.LogInfo(ctx, "retrying action", "subject_id", subjectID, "kind", snapshot.Kind, "retries", snapshot.Retries)
	e.dispatch(ctx, snapshot)
	return snapshot, nil
}

// ClearAction forgets a subject's failed or committed action and its retries
func (e *Engine) ClearAction(subjectID string) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if cur, ok := e.actions[subjectID]; ok && cur.State == StatePending {
		return
	}
	delete(e.actions, subjectID)
	delete(e.retries, subjectID)
	e.stopTimerLocked(subjectID)
}

// State returns the subject's current state
func (e *Engine) State(subjectID string) State {
	e.mu.Lock()
	defer e.mu.Unlock()

	if cur, ok := e.actions[subjectID]; ok {
		return cur.State
	}
	return StateNone
}

// Get returns the subject's record
func (e *Engine) Get(subjectID string) (Pending, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	cur, ok := e.actions[subjectID]
	if !ok {
		return Pending{}, false
	}
	return *cur, true
}

// Failed lists failed actions, oldest first
func (e *Engine) Failed() []Pending {
	e.mu.Lock()
	defer e.mu.Unlock()

	var out []Pending
	for _, p := range e.actions {
		if p.State == StateFailed {
			out = append(out, *p)
		}
	}
	slices.SortFunc(out, func(a, b Pending) int { return a.IssuedAt.Compare(b.IssuedAt) })
	return out
}

// LastMatch returns the most recent match not yet cleared
func (e *Engine) LastMatch() (Match, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.lastMatch == nil {
		return Match{}, false
	}
	return *e.lastMatch, true
}

// ClearMatch dismisses the last match
func (e *Engine) ClearMatch() {
	e.mu.Lock()
	e.lastMatch = nil
	e.mu.Unlock()
}

// Wait blocks until every in-flight remote command has resolved
func (e *Engine) Wait() {
	e.wg.Wait()
}

// Close stops display timers and waits for in-flight commands
func (e *Engine) Close() {
	e.mu.Lock()
	for id := range e.timers {
		e.stopTimerLocked(id)
	}
	e.mu.Unlock()
	e.wg.Wait()
}

func (e *Engine) dispatch(ctx context.Context, p Pending) {
	e.publish(events.Event{
		Type:      events.ActionPending,
		At:        p.IssuedAt,
		SubjectID: p.SubjectID,
		ActorID:   p.ActorID,
		Kind:      string(p.Kind),
		Index:     p.OriginalPosition,
	})
	e.metrics.RecordAction(ctx, string(p.Kind), string(StatePending))

	if !p.Kind.Remote() {
		e.commit(ctx, p, remote.CommandResult{})
		return
	}

	// The command outlives the request that issued it
	bg := context.WithoutCancel(ctx)
	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.send(bg, p)
	}()
}

func (e *Engine) send(ctx context.Context, p Pending) {
	var res remote.CommandResult
	err := e.executor.ExecuteWithRetry(failure.WithSubject(ctx, p.SubjectID), OpSwipe, func(ctx context.Context) error {
		r, err := e.commander.SendCommand(ctx, p.ActorID, p.SubjectID, p.Kind)
		if err != nil {
			return err
		}
		res = r
		return nil
	})
	if err != nil {
		e.fail(ctx, p, err)
		return
	}

	e.commit(ctx, p, res)
	if e.invalidator != nil {
		e.invalidator.InvalidatePrefix(ctx, feed.KeyPrefix)
		e.invalidator.Invalidate(ctx, feed.MatchesKey)
	}
}

func (e *Engine) commit(ctx context.Context, p Pending, res remote.CommandResult) {
	now := e.cfg.Now()

	e.mu.Lock()
	cur, ok := e.actions[p.SubjectID]
	if !ok || cur.seq != p.seq {
		e.mu.Unlock()
		return
	}
	cur.State = StateCommitted
	cur.Error = ""
	cur.Retries = 0
	delete(e.retries, p.SubjectID)

	var match *Match
	if res.Matched {
		match = &Match{MatchID: res.MatchID, SubjectID: p.SubjectID, ActorID: p.ActorID, At: now}
		e.lastMatch = match
	}

	seq := p.seq
	subject := p.SubjectID
	e.stopTimerLocked(subject)
	e.timers[subject] = time.AfterFunc(e.cfg.DisplayWindow, func() {
		e.expire(subject, seq)
	})
	e.mu.Unlock()

	e.metrics.RecordAction(ctx, string(p.Kind), string(StateCommitted))
	e.publish(events.Event{
		Type:      events.ActionCommitted,
		At:        now,
		SubjectID: p.SubjectID,
		ActorID:   p.ActorID,
		Kind:      string(p.Kind),
		Index:     p.OriginalPosition,
	})

	if match != nil {
		e.metrics.RecordMatch(ctx)
		e.logger.LogInfo(ctx, "match created", "match_id", match.MatchID, "subject_id", match.SubjectID)
		e.publish(events.Event{
			Type:      events.MatchCreated,
			At:        now,
			SubjectID: match.SubjectID,
			ActorID:   match.ActorID,
			MatchID:   match.MatchID,
		})
	}
}

func (e *Engine) fail(ctx context.Context, p Pending, err error) {
	e.mu.Lock()
	cur, ok := e.actions[p.SubjectID]
	if !ok || cur.seq != p.seq {
		e.mu.Unlock()
		return
	}
	retries := e.retries[p.SubjectID] + 1
	if retries > e.cfg.MaxRetries {
		retries = e.cfg.MaxRetries
	}
	e.retries[p.SubjectID] = retries
	cur.State = StateFailed
	cur.Error = err.Error()
	cur.Retries = retries
	snapshot := *cur
	e.mu.Unlock()

	e.metrics.RecordAction(ctx, string(p.Kind), string(StateFailed))
	e.logger.LogError(ctx, "action failed", err,
		"subject_id", p.SubjectID,
		"kind", p.Kind,
		"retries", retries,
	)

	e.publish(events.Event{
		Type:      events.ActionFailed,
		At:        e.cfg.Now(),
		SubjectID: p.SubjectID,
		ActorID:   p.ActorID,
		Kind:      string(p.Kind),
		Index:     p.OriginalPosition,
		Err:       err,
	})
	if e.cfg.OnError != nil {
		e.cfg.OnError(snapshot, err)
	}
}

func (e *Engine) expire(subjectID string, seq uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	if cur, ok := e.actions[subjectID]; ok && cur.seq == seq && cur.State == StateCommitted {
		delete(e.actions, subjectID)
		delete(e.timers, subjectID)
	}
}

func (e *Engine) stopTimerLocked(subjectID string) {
	if t, ok := e.timers[subjectID]; ok {
		t.Stop()
		delete(e.timers, subjectID)
	}
}

func (e *Engine) publish(ev events.Event) {
	if e.bus != nil {
		e.bus.Publish(ev)
	}
}
