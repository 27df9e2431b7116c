// Package lifecycle drives one anonymization job from upload to result.
//
// A Controller owns exactly one Job. User actions (upload, confirm columns,
// start anonymization, cancel, reset, save) and status snapshots from the
// active polling session are the only inputs; every phase change happens
// under the controller mutex and is published on the event bus.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"

	"github.com/anonimadata/anonima-cli/internal/events"
	"github.com/anonimadata/anonima-cli/internal/logging"
	"github.com/anonimadata/anonima-cli/internal/models"
	"github.com/anonimadata/anonima-cli/internal/polling"
	"github.com/anonimadata/anonima-cli/internal/snapshot"
	"github.com/anonimadata/anonima-cli/internal/view"
)

// ErrSuperseded is returned by an action whose request completed after the
// controller was reset. The result was discarded.
var ErrSuperseded = errors.New("job was reset while the request was in flight")

// User-facing progress messages.
const (
	msgUploading          = "Uploading %s..."
	msgAnalyzing          = "Analyzing your dataset..."
	msgAnalyzed           = "Analysis complete. Select the columns to anonymize."
	msgStartAnonymization = "Starting anonymization process..."
	msgAnonymizing        = "Anonymizing your dataset..."
	msgAnonymized         = "Anonymization complete."
	msgCancelled          = "Processing cancelled."
	msgStillProcessing    = "Still processing (status: %s)..."
	msgJobFailed          = "The service reported an error while processing the dataset."
)

// Service is the part of the remote API the controller drives.
type Service interface {
	Submit(ctx context.Context, name, contentType string, body io.Reader) (string, error)
	TriggerAnonymization(ctx context.Context, req models.AnonymizationRequest) (string, error)
	FetchStatus(ctx context.Context, jobID string) ([]byte, error)
}

// JobState is a snapshot of the controller state handed to readers.
type JobState struct {
	Job             models.Job
	Message         string
	Err             error
	ErrorView       view.ID
	Method          string
	Params          map[string]any
	ColumnRoles     models.ColumnSelections
	UploadRequested bool
}

func (s JobState) clone() JobState {
	out := s
	out.Job = s.Job.Clone()
	if s.Params != nil {
		out.Params = make(map[string]any, len(s.Params))
		for k, v := range s.Params {
			out.Params[k] = v
		}
	}
	if s.ColumnRoles != nil {
		out.ColumnRoles = make(models.ColumnSelections, len(s.ColumnRoles))
		for k, v := range s.ColumnRoles {
			out.ColumnRoles[k] = v
		}
	}
	return out
}

// Option configures a Controller.
type Option func(*Controller)

// WithEventBus publishes state changes and progress on bus.
func WithEventBus(bus *events.EventBus) Option {
	return func(c *Controller) { c.bus = bus }
}

// WithLogger sets the controller logger.
func WithLogger(l *logging.Logger) Option {
	return func(c *Controller) { c.logger = logging.OrNop(l) }
}

// WithPollingOptions passes options to every polling session the controller starts.
func WithPollingOptions(opts ...polling.Option) Option {
	return func(c *Controller) { c.pollOpts = append(c.pollOpts, opts...) }
}

// Controller is the job lifecycle state machine.
type Controller struct {
	service  Service
	bus      *events.EventBus
	logger   *logging.Logger
	pollOpts []polling.Option

	mu            sync.Mutex
	state         JobState
	session       *polling.Session
	inflight      bool
	generation    uint64
	settled       chan struct{}
	settledClosed bool
}

// New creates a controller in the Idle phase.
func New(service Service, opts ...Option) *Controller {
	c := &Controller{
		service: service,
		logger:  logging.Nop(),
		state:   JobState{Job: models.Job{Phase: models.PhaseIdle}},
		settled: make(chan struct{}),
	}
	close(c.settled)
	c.settledClosed = true
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// RequestUpload selects the upload screen while idle.
func (c *Controller) RequestUpload() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Job.Phase == models.PhaseIdle {
		c.state.UploadRequested = true
	}
}

// SubmitUpload validates and uploads a dataset, then watches its analysis.
// An unsupported file is rejected without any state change. ctx also
// bounds the status watch that follows a successful upload.
func (c *Controller) SubmitUpload(ctx context.Context, u Upload) error {
	if err := u.Validate(); err != nil {
		return err
	}

	c.mu.Lock()
	if err := c.beginRequestLocked(models.PhaseIdle, "upload"); err != nil {
		c.mu.Unlock()
		return err
	}
	gen := c.generation
	c.state.Job.FileName = u.Name
	c.state.UploadRequested = false
	c.transitionLocked(models.PhaseUploading)
	c.setMessageLocked(fmt.Sprintf(msgUploading, u.Name), 0)
	c.mu.Unlock()

	jobID, err := c.service.Submit(ctx, u.Name, u.ContentType, u.Body)

	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.generation {
		return ErrSuperseded
	}
	c.inflight = false

	if err == nil && jobID == "" {
		err = models.NewError(models.ErrTransport, "upload", "the service did not return a job id", nil)
	}
	if err != nil {
		err = classify(err, "upload", "upload failed")
		c.failLocked(err, view.Upload)
		return err
	}

	c.state.Job.ID = jobID
	c.transitionLocked(models.PhaseAnalyzing)
	return c.startSessionLocked(ctx, []models.Phase{models.PhaseAnalyzed, models.PhaseError}, msgAnalyzing)
}

// ConfirmColumns records the role of every column and moves to Configuring.
// Columns not named in sel are neither quasi-identifiers nor sensitive.
func (c *Controller) ConfirmColumns(sel models.ColumnSelections) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state.Job.Phase != models.PhaseAnalyzed {
		return c.invalidLocked("confirm columns")
	}
	known := make(map[string]bool, len(c.state.Job.Columns))
	for _, col := range c.state.Job.Columns {
		known[col] = true
	}
	for name := range sel {
		if !known[name] {
			return models.NewError(models.ErrValidation, "columns", fmt.Sprintf("unknown column %q", name), nil)
		}
	}

	roles := make(models.ColumnSelections, len(c.state.Job.Columns))
	for _, col := range c.state.Job.Columns {
		roles[col] = sel[col]
	}
	c.state.ColumnRoles = roles
	c.transitionLocked(models.PhaseConfiguring)
	return nil
}

// SubmitAnonymize triggers anonymization with method and params, then
// watches the job until it is anonymized or fails.
func (c *Controller) SubmitAnonymize(ctx context.Context, method string, params map[string]any) error {
	c.mu.Lock()
	columns := append([]string(nil), c.state.Job.Columns...)
	c.mu.Unlock()

	algo, ok := models.LookupAlgorithm(method)
	if !ok {
		return models.NewError(models.ErrValidation, "anonymize", fmt.Sprintf("unknown method %q", method), nil)
	}
	if params == nil {
		params = algo.DefaultParams()
	}
	if err := algo.ValidateParams(params, columns); err != nil {
		return err
	}

	c.mu.Lock()
	if err := c.beginRequestLocked(models.PhaseConfiguring, "anonymize"); err != nil {
		c.mu.Unlock()
		return err
	}
	gen := c.generation
	c.state.Method = algo.ID
	c.state.Params = params
	req := models.AnonymizationRequest{
		JobID:      c.state.Job.ID,
		Method:     algo.ID,
		Params:     params,
		Selections: c.state.clone().ColumnRoles,
		Columns:    append([]string(nil), c.state.Job.Columns...),
	}
	c.transitionLocked(models.PhaseAnonymizing)
	c.setMessageLocked(msgStartAnonymization, 0)
	c.mu.Unlock()

	jobID, err := c.service.TriggerAnonymization(ctx, req)

	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.generation {
		return ErrSuperseded
	}
	c.inflight = false

	if err != nil {
		err = classify(err, "anonymize", "could not start anonymization")
		c.failLocked(err, view.Configure)
		return err
	}
	if jobID != "" && jobID != c.state.Job.ID {
		c.logger.Warn().
			Str("job_id", c.state.Job.ID).
			Str("returned_id", jobID).
			Msg("Service returned a different job id for anonymization; keeping the original")
	}
	return c.startSessionLocked(ctx, []models.Phase{models.PhaseAnonymized, models.PhaseError}, msgAnonymizing)
}

// Watch re-opens an existing job from Idle; phase must be Analyzing or
// Anonymizing. The status is fetched once before watching: a job the service
// already reports as analyzed, anonymized or failed settles at once, and a
// job in a different stage is watched in the stage it is actually in.
func (c *Controller) Watch(ctx context.Context, jobID string, phase models.Phase) error {
	if jobID == "" {
		return models.NewError(models.ErrValidation, "watch", "job id is required", nil)
	}
	if !phase.IsWatching() {
		return fmt.Errorf("%w: cannot watch a job in phase %s", models.ErrInvalidTransition, phase)
	}

	c.mu.Lock()
	if err := c.beginRequestLocked(models.PhaseIdle, "watch"); err != nil {
		c.mu.Unlock()
		return err
	}
	gen := c.generation
	c.state.Job.ID = jobID
	c.state.UploadRequested = false
	c.mu.Unlock()

	snap, known := c.probeStatus(ctx, jobID)

	c.mu.Lock()
	defer c.mu.Unlock()
	if gen != c.generation {
		return ErrSuperseded
	}
	c.inflight = false

	if known {
		phase = watchPhaseFor(snap.Phase, phase)
	}
	c.transitionLocked(phase)
	if known && (snap.Phase == models.PhaseAnalyzed || snap.Phase.IsSettled()) {
		c.applyTerminalLocked(snap)
		c.settleLocked()
		return nil
	}
	targets, msg := watchTargets(phase)
	return c.startSessionLocked(ctx, targets, msg)
}

// probeStatus fetches the job status once. The second result is false when
// the fetch failed or the status is not recognized; the watch then follows
// the phase the caller asked for.
func (c *Controller) probeStatus(ctx context.Context, jobID string) (models.StatusSnapshot, bool) {
	payload, err := c.service.FetchStatus(ctx, jobID)
	if err != nil {
		c.logger.Debug().Err(err).Str("job_id", jobID).Msg("Initial status check failed")
		return models.StatusSnapshot{}, false
	}
	snap, err := snapshot.Parse(payload)
	if err != nil || !snap.Recognized() {
		return models.StatusSnapshot{}, false
	}
	return snap, true
}

// watchPhaseFor returns the phase to watch a job in when the service
// reports observed for it.
func watchPhaseFor(observed, requested models.Phase) models.Phase {
	switch observed {
	case models.PhaseAnalyzing, models.PhaseAnalyzed:
		return models.PhaseAnalyzing
	case models.PhaseAnonymizing, models.PhaseAnonymized:
		return models.PhaseAnonymizing
	}
	return requested
}

func watchTargets(phase models.Phase) ([]models.Phase, string) {
	if phase == models.PhaseAnonymizing {
		return []models.Phase{models.PhaseAnonymized, models.PhaseError}, msgAnonymizing
	}
	return []models.Phase{models.PhaseAnalyzed, models.PhaseError}, msgAnalyzing
}

// Cancel stops the active status watch and moves to Cancelled.
// It does nothing when no watch is active.
func (c *Controller) Cancel() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session == nil {
		return
	}
	s := c.session
	c.session = nil
	s.Stop()
	c.transitionLocked(models.PhaseCancelled)
	c.setMessageLocked(msgCancelled, 0)
	c.settleLocked()
}

// Reset discards the job and everything derived from it and returns to
// Idle, from any phase. A request still in flight completes with ErrSuperseded.
func (c *Controller) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.resetLocked()
}

// Save leaves a finished job and returns to the dashboard.
func (c *Controller) Save() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.state.Job.Phase != models.PhaseAnonymized {
		return c.invalidLocked("save")
	}
	c.resetLocked()
	return nil
}

// State returns a copy of the current state.
func (c *Controller) State() JobState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.clone()
}

// Phase returns the current phase.
func (c *Controller) Phase() models.Phase {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state.Job.Phase
}

// View projects the current state onto a screen.
func (c *Controller) View() view.ID {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.viewLocked()
}

// Wait blocks until no request or status watch is active, then returns the state.
func (c *Controller) Wait(ctx context.Context) (JobState, error) {
	c.mu.Lock()
	ch := c.settled
	c.mu.Unlock()

	select {
	case <-ch:
		return c.State(), nil
	case <-ctx.Done():
		return c.State(), ctx.Err()
	}
}

// Watching reports whether a status watch is active.
func (c *Controller) Watching() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.session != nil
}

func (c *Controller) beginRequestLocked(from models.Phase, op string) error {
	if c.inflight {
		return models.ErrBusy
	}
	if c.state.Job.Phase != from {
		return c.invalidLocked(op)
	}
	c.inflight = true
	c.markBusyLocked()
	return nil
}

func (c *Controller) invalidLocked(op string) error {
	return fmt.Errorf("%w: cannot %s while %s", models.ErrInvalidTransition, op, c.state.Job.Phase)
}

func (c *Controller) startSessionLocked(ctx context.Context, targets []models.Phase, msg string) error {
	opts := append([]polling.Option{polling.WithLogger(c.logger)}, c.pollOpts...)
	s := polling.NewSession(c.state.Job.ID, c.service.FetchStatus, targets, opts...)
	c.session = s
	c.setMessageLocked(msg, 0)

	if err := s.Start(ctx, func(ev polling.Event) { c.onSessionEvent(s, ev) }); err != nil {
		c.session = nil
		err = models.NewError(models.ErrJob, "watch", "the job is already being watched", err)
		c.failLocked(err, view.Processing)
		return err
	}
	return nil
}

// onSessionEvent applies an event from s. Events from a session that is no
// longer the active one are dropped, so nothing changes state after a stop.
func (c *Controller) onSessionEvent(s *polling.Session, ev polling.Event) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.session != s {
		c.logger.Debug().Str("job_id", ev.JobID).Stringer("event", ev.Kind).Msg("Dropping event from stale status watch")
		return
	}

	switch ev.Kind {
	case polling.EventProgress:
		c.setMessageLocked(ev.Message, ev.Attempt)

	case polling.EventSnapshot:
		if s.IsTarget(ev.Snapshot.Phase) {
			return
		}
		c.setMessageLocked(progressMessage(c.state.Job.Phase, ev.Snapshot), ev.Attempt)

	case polling.EventCompleted:
		c.session = nil
		switch ev.Reason {
		case polling.ReasonTerminal:
			c.applyTerminalLocked(ev.Snapshot)
		case polling.ReasonTimeout:
			c.failLocked(ev.Err, view.Processing)
		case polling.ReasonAuth:
			c.failLocked(classify(ev.Err, "status", "the service rejected the credential"), view.Processing)
		case polling.ReasonCancelled:
			c.transitionLocked(models.PhaseCancelled)
			c.setMessageLocked(msgCancelled, ev.Attempt)
		}
		c.settleLocked()
	}
}

func (c *Controller) applyTerminalLocked(snap models.StatusSnapshot) {
	switch snap.Phase {
	case models.PhaseAnalyzed:
		c.state.Job.Columns = append([]string(nil), snap.Columns...)
		c.state.Job.Preview = models.CloneRows(snap.SampleRows)
		c.transitionLocked(models.PhaseAnalyzed)
		c.setMessageLocked(msgAnalyzed, 0)

	case models.PhaseAnonymized:
		if len(c.state.Job.Columns) == 0 {
			c.state.Job.Columns = append([]string(nil), snap.Columns...)
		}
		c.state.Job.Preview = models.CloneRows(snap.SampleRows)
		c.transitionLocked(models.PhaseAnonymized)
		c.setMessageLocked(msgAnonymized, 0)

	case models.PhaseError:
		detail := snap.ErrorDetail
		if detail == "" {
			detail = msgJobFailed
		}
		c.state.Job.ErrorDetail = detail
		c.failLocked(models.NewError(models.ErrJob, "status", detail, nil), view.Processing)
	}
}

// failLocked records err and moves to Error. errorView is the screen the
// user returns to for a retry.
func (c *Controller) failLocked(err error, errorView view.ID) {
	c.state.Err = err
	c.state.ErrorView = errorView
	if c.state.Job.ErrorDetail == "" {
		c.state.Job.ErrorDetail = models.UserMessage(err)
	}
	c.state.Message = c.state.Job.ErrorDetail
	c.transitionLocked(models.PhaseError)
	c.settleLocked()
}

func (c *Controller) transitionLocked(to models.Phase) {
	from := c.state.Job.Phase
	if !from.CanTransitionTo(to) {
		c.logger.Error().
			Str("job_id", c.state.Job.ID).
			Str("from", string(from)).
			Str("to", string(to)).
			Msg("Refusing invalid phase transition")
		return
	}
	c.state.Job.Phase = to
	c.logger.Info().
		Str("job_id", c.state.Job.ID).
		Str("from", string(from)).
		Str("to", string(to)).
		Msg("Job phase changed")

	errMsg := ""
	if to == models.PhaseError {
		errMsg = c.state.Job.ErrorDetail
	}
	c.bus.PublishStateChange(c.state.Job.ID, string(from), string(to), string(c.viewLocked()), errMsg)
}

func (c *Controller) setMessageLocked(msg string, attempt int) {
	c.state.Message = msg
	c.bus.PublishProgress(c.state.Job.ID, string(c.state.Job.Phase), msg, attempt)
}

func (c *Controller) resetLocked() {
	from := c.state.Job.Phase
	id := c.state.Job.ID
	if c.session != nil {
		c.session.Stop()
		c.session = nil
	}
	c.generation++
	c.inflight = false
	c.state = JobState{Job: models.Job{Phase: models.PhaseIdle}}
	c.settleLocked()

	if from != models.PhaseIdle {
		c.logger.Info().Str("job_id", id).Str("from", string(from)).Str("to", string(models.PhaseIdle)).Msg("Job reset")
		c.bus.PublishStateChange(id, string(from), string(models.PhaseIdle), string(view.Dashboard), "")
	}
}

func (c *Controller) viewLocked() view.ID {
	return view.Project(c.state.Job.Phase, c.state.ErrorView, c.state.UploadRequested)
}

func (c *Controller) markBusyLocked() {
	if c.settledClosed {
		c.settled = make(chan struct{})
		c.settledClosed = false
	}
}

func (c *Controller) settleLocked() {
	if !c.settledClosed {
		close(c.settled)
		c.settledClosed = true
	}
}

func progressMessage(phase models.Phase, snap models.StatusSnapshot) string {
	if snap.Progress != "" {
		return snap.Progress
	}
	if !snap.Recognized() {
		return fmt.Sprintf(msgStillProcessing, snap.RawPhase)
	}
	if phase == models.PhaseAnonymizing {
		return msgAnonymizing
	}
	return msgAnalyzing
}

// classify keeps typed errors and wraps anything else as a transport failure.
func classify(err error, op, msg string) error {
	var typed *models.Error
	if errors.As(err, &typed) {
		return err
	}
	return models.NewError(models.ErrTransport, op, msg, err)
}
