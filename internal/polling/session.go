// Package polling watches a single job's status until it reaches one of a
// set of target phases, the attempt budget runs out, or the watch is stopped.
//
// Fetches are strictly serialized: the next one is scheduled only after the
// previous one has completed, so events reach the handler in submission order.
package polling

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/anonimadata/anonima-cli/internal/constants"
	"github.com/anonimadata/anonima-cli/internal/logging"
	"github.com/anonimadata/anonima-cli/internal/models"
	"github.com/anonimadata/anonima-cli/internal/snapshot"
)

// ErrAlreadyStarted is returned by Start on a session that was started or stopped before.
var ErrAlreadyStarted = errors.New("polling session already started")

// FetchFunc retrieves the raw status payload for a job.
type FetchFunc func(ctx context.Context, jobID string) ([]byte, error)

// EventKind tells what an Event carries.
type EventKind int

const (
	// EventSnapshot carries a parsed status snapshot.
	EventSnapshot EventKind = iota
	// EventProgress carries a "still checking" message after a failed fetch.
	EventProgress
	// EventCompleted is the last event of a session.
	EventCompleted
)

func (k EventKind) String() string {
	switch k {
	case EventSnapshot:
		return "snapshot"
	case EventProgress:
		return "progress"
	case EventCompleted:
		return "completed"
	default:
		return "unknown"
	}
}

// Reason explains why a session completed.
type Reason int

const (
	// ReasonTerminal means a target phase was observed.
	ReasonTerminal Reason = iota
	// ReasonTimeout means the attempt budget ran out.
	ReasonTimeout
	// ReasonAuth means the status endpoint rejected the credential.
	ReasonAuth
	// ReasonCancelled means the session context was cancelled.
	ReasonCancelled
)

func (r Reason) String() string {
	switch r {
	case ReasonTerminal:
		return "terminal"
	case ReasonTimeout:
		return "timeout"
	case ReasonAuth:
		return "auth"
	case ReasonCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// Event is delivered to the session handler.
type Event struct {
	Kind     EventKind
	JobID    string
	Attempt  int
	Snapshot models.StatusSnapshot // EventSnapshot, and EventCompleted with ReasonTerminal
	Message  string                // EventProgress
	Reason   Reason                // EventCompleted
	Err      error                 // EventCompleted with ReasonAuth or ReasonTimeout
}

// Handler receives session events on the session goroutine.
type Handler func(Event)

// Option configures a Session.
type Option func(*Session)

// WithInterval sets the fixed delay before each fetch.
func WithInterval(d time.Duration) Option {
	return func(s *Session) {
		if d > 0 {
			s.interval = d
		}
	}
}

// WithMaxAttempts bounds the number of fetches. Zero means unbounded.
func WithMaxAttempts(n int) Option {
	return func(s *Session) {
		if n >= 0 {
			s.maxAttempts = n
		}
	}
}

// WithLogger sets the session logger.
func WithLogger(l *logging.Logger) Option {
	return func(s *Session) {
		s.logger = logging.OrNop(l)
	}
}

// WithRegistry sets the registry used to enforce one session per job.
func WithRegistry(r *Registry) Option {
	return func(s *Session) {
		if r != nil {
			s.registry = r
		}
	}
}

// Session is one watch over one job. It is started once and stopped once;
// a new watch needs a new Session.
type Session struct {
	jobID       string
	fetch       FetchFunc
	targets     []models.Phase
	interval    time.Duration
	maxAttempts int
	logger      *logging.Logger
	registry    *Registry

	mu       sync.Mutex
	started  bool
	active   bool
	attempts int
	last     *models.StatusSnapshot

	stop     chan struct{}
	stopOnce sync.Once
	done     chan struct{}
	doneOnce sync.Once
}

// NewSession creates a session for jobID that completes when a snapshot's
// phase is one of targets.
func NewSession(jobID string, fetch FetchFunc, targets []models.Phase, opts ...Option) *Session {
	s := &Session{
		jobID:    jobID,
		fetch:    fetch,
		targets:  append([]models.Phase(nil), targets...),
		interval: constants.DefaultPollInterval,
		logger:   logging.Nop(),
		registry: DefaultRegistry,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.WithJob(jobID)
	return s
}

// JobID returns the watched job id.
func (s *Session) JobID() string {
	return s.jobID
}

// Targets returns the phases that complete the session.
func (s *Session) Targets() []models.Phase {
	return append([]models.Phase(nil), s.targets...)
}

// IsTarget reports whether p completes this session.
func (s *Session) IsTarget(p models.Phase) bool {
	for _, t := range s.targets {
		if t == p {
			return true
		}
	}
	return false
}

// Start begins polling in a new goroutine. The handler is called from that
// goroutine only, one event at a time.
func (s *Session) Start(ctx context.Context, handler Handler) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return ErrAlreadyStarted
	}
	if err := s.registry.acquire(s); err != nil {
		s.mu.Unlock()
		return err
	}
	s.started = true
	s.active = true
	s.mu.Unlock()

	s.logger.Debug().
		Dur("interval", s.interval).
		Int("max_attempts", s.maxAttempts).
		Msg("Status watch started")

	go s.run(ctx, handler)
	return nil
}

// Stop ends the session. No fetch is scheduled afterwards and the result of
// a fetch already in flight is discarded. Calling Stop more than once, or on
// a session that was never started, is harmless.
func (s *Session) Stop() {
	s.mu.Lock()
	wasStarted := s.started
	s.started = true
	s.active = false
	s.mu.Unlock()

	s.stopOnce.Do(func() { close(s.stop) })
	s.registry.release(s)
	if !wasStarted {
		s.closeDone()
	}
}

// Active reports whether the session may still emit events.
func (s *Session) Active() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.active
}

// AttemptCount returns the number of fetches issued so far.
func (s *Session) AttemptCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.attempts
}

// LastSnapshot returns the most recent successfully parsed snapshot.
func (s *Session) LastSnapshot() (models.StatusSnapshot, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.last == nil {
		return models.StatusSnapshot{}, false
	}
	return *s.last, true
}

// Done is closed when the session goroutine has exited.
func (s *Session) Done() <-chan struct{} {
	return s.done
}

func (s *Session) closeDone() {
	s.doneOnce.Do(func() { close(s.done) })
}

// schedule builds the fixed-delay schedule. Its NextBackOff returns
// backoff.Stop once the attempt budget is spent or ctx is done.
func (s *Session) schedule(ctx context.Context) backoff.BackOff {
	var b backoff.BackOff = backoff.NewConstantBackOff(s.interval)
	if s.maxAttempts > 0 {
		b = backoff.WithMaxRetries(b, uint64(s.maxAttempts))
	}
	b = backoff.WithContext(b, ctx)
	b.Reset()
	return b
}

func (s *Session) run(ctx context.Context, handler Handler) {
	defer s.closeDone()
	defer s.registry.release(s)

	b := s.schedule(ctx)
	for {
		wait := b.NextBackOff()
		if wait == backoff.Stop {
			if ctx.Err() != nil {
				s.finish(handler, Event{Reason: ReasonCancelled, Err: ctx.Err()})
				return
			}
			s.logger.Warn().Int("attempts", s.AttemptCount()).Msg("Status watch gave up without a terminal status")
			s.finish(handler, Event{
				Reason: ReasonTimeout,
				Err: models.NewError(models.ErrTimeout, "status",
					"the job did not reach a final status in time; its true state is unknown", nil),
			})
			return
		}

		timer := time.NewTimer(wait)
		select {
		case <-timer.C:
		case <-s.stop:
			timer.Stop()
			return
		case <-ctx.Done():
			timer.Stop()
			s.finish(handler, Event{Reason: ReasonCancelled, Err: ctx.Err()})
			return
		}

		attempt, ok := s.nextAttempt()
		if !ok {
			return
		}

		payload, err := s.fetch(ctx, s.jobID)
		if !s.Active() {
			s.logger.Debug().Int("attempt", attempt).Msg("Discarding status result after stop")
			return
		}

		if err != nil {
			if ctx.Err() != nil {
				s.finish(handler, Event{Reason: ReasonCancelled, Err: ctx.Err()})
				return
			}
			if models.IsAuthError(err) {
				s.logger.Error().Err(err).Msg("Status watch stopped: credential rejected")
				s.finish(handler, Event{Reason: ReasonAuth, Err: err})
				return
			}
			s.logger.Debug().Err(err).Int("attempt", attempt).Msg("Status fetch failed, will retry")
			s.emit(handler, Event{Kind: EventProgress, Attempt: attempt, Message: constants.CheckingStatusMessage})
			continue
		}

		snap, err := snapshot.Parse(payload)
		if err != nil {
			s.logger.Warn().Err(err).Int("attempt", attempt).Msg("Ignoring malformed status payload")
			s.emit(handler, Event{Kind: EventProgress, Attempt: attempt, Message: constants.CheckingStatusMessage})
			continue
		}
		if snap.JobID == "" {
			snap.JobID = s.jobID
		}

		s.mu.Lock()
		s.last = &snap
		s.mu.Unlock()

		s.emit(handler, Event{Kind: EventSnapshot, Attempt: attempt, Snapshot: snap})

		if s.IsTarget(snap.Phase) {
			s.logger.Debug().Str("phase", snap.RawPhase).Int("attempt", attempt).Msg("Status watch reached target phase")
			s.finish(handler, Event{Reason: ReasonTerminal, Attempt: attempt, Snapshot: snap})
			return
		}
	}
}

// nextAttempt counts a fetch, unless the session was stopped meanwhile.
func (s *Session) nextAttempt() (int, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.active {
		return 0, false
	}
	s.attempts++
	return s.attempts, true
}

func (s *Session) emit(handler Handler, ev Event) {
	if handler == nil || !s.Active() {
		return
	}
	ev.JobID = s.jobID
	handler(ev)
}

// finish marks the session inactive and emits the completion event, once.
func (s *Session) finish(handler Handler, ev Event) {
	s.mu.Lock()
	if !s.active {
		s.mu.Unlock()
		return
	}
	s.active = false
	if ev.Attempt == 0 {
		ev.Attempt = s.attempts
	}
	s.mu.Unlock()

	s.registry.release(s)
	if handler == nil {
		return
	}
	ev.Kind = EventCompleted
	ev.JobID = s.jobID
	handler(ev)
}
