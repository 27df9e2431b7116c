package lifecycle

import (
	"context"
	"errors"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/anonimadata/anonima-cli/internal/events"
	"github.com/anonimadata/anonima-cli/internal/models"
	"github.com/anonimadata/anonima-cli/internal/polling"
	"github.com/anonimadata/anonima-cli/internal/view"
)

type status struct {
	body string
	err  error
}

// fakeService scripts the remote API. Status responses are consumed in
// order across all watches; the last one repeats.
type fakeService struct {
	mu sync.Mutex

	submitID   string
	submitErr  error
	submitGate chan struct{}
	submits    int

	triggerID  string
	triggerErr error
	triggers   int
	lastReq    models.AnonymizationRequest

	statuses     []status
	fetches      int
	fetchStarted chan struct{}
	fetchGate    chan struct{}
}

func (f *fakeService) Submit(ctx context.Context, name, contentType string, body io.Reader) (string, error) {
	f.mu.Lock()
	f.submits++
	gate := f.submitGate
	f.mu.Unlock()
	if gate != nil {
		<-gate
	}
	return f.submitID, f.submitErr
}

func (f *fakeService) TriggerAnonymization(ctx context.Context, req models.AnonymizationRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.triggers++
	f.lastReq = req
	return f.triggerID, f.triggerErr
}

func (f *fakeService) FetchStatus(ctx context.Context, jobID string) ([]byte, error) {
	f.mu.Lock()
	started, gate := f.fetchStarted, f.fetchGate
	f.mu.Unlock()
	if started != nil {
		select {
		case started <- struct{}{}:
		default:
		}
	}
	if gate != nil {
		<-gate
	}

	f.mu.Lock()
	defer f.mu.Unlock()
	i := f.fetches
	if i >= len(f.statuses) {
		i = len(f.statuses) - 1
	}
	f.fetches++
	s := f.statuses[i]
	if s.err != nil {
		return nil, s.err
	}
	return []byte(s.body), nil
}

func (f *fakeService) fetchCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.fetches
}

func newController(t *testing.T, svc Service, bus *events.EventBus, extra ...polling.Option) *Controller {
	t.Helper()
	opts := append([]polling.Option{
		polling.WithInterval(time.Millisecond),
		polling.WithRegistry(polling.NewRegistry()),
	}, extra...)
	return New(svc, WithEventBus(bus), WithPollingOptions(opts...))
}

func csvUpload() Upload {
	return Upload{Name: "people.csv", ContentType: "text/csv", Body: strings.NewReader("age,city\n31,Lima\n")}
}

func waitSettled(t *testing.T, c *Controller) JobState {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	st, err := c.Wait(ctx)
	require.NoError(t, err, "controller did not settle")
	return st
}

func drainStateChanges(ch <-chan events.Event) []*events.StateChangeEvent {
	var out []*events.StateChangeEvent
	for {
		select {
		case ev := <-ch:
			if sc, ok := ev.(*events.StateChangeEvent); ok {
				out = append(out, sc)
			}
		default:
			return out
		}
	}
}

func TestUploadAnalyzedScenario(t *testing.T) {
	svc := &fakeService{
		submitID: "A1",
		statuses: []status{
			{body: `{"status":"processing"}`},
			{body: `{"status":"processing"}`},
			{body: `{"status":"processing"}`},
			{body: `{"status":"analyzed","columns":["age","city"],"processed_data_preview":[{"age":31,"city":"Lima"}]}`},
		},
	}
	bus := events.NewEventBus(100)
	defer bus.Close()
	changes := bus.Subscribe(events.EventStateChange)
	c := newController(t, svc, bus)

	require.NoError(t, c.SubmitUpload(context.Background(), csvUpload()))
	st := waitSettled(t, c)

	assert.Equal(t, models.PhaseAnalyzed, st.Job.Phase)
	assert.Equal(t, "A1", st.Job.ID)
	assert.Equal(t, []string{"age", "city"}, st.Job.Columns)
	require.Len(t, st.Job.Preview, 1)
	assert.Equal(t, "Lima", st.Job.Preview[0]["city"])
	assert.Equal(t, 4, svc.fetchCount())
	assert.False(t, c.Watching())
	assert.Equal(t, view.Configure, c.View())

	var path []string
	for _, sc := range drainStateChanges(changes) {
		path = append(path, sc.OldPhase+">"+sc.NewPhase)
	}
	assert.Equal(t, []string{"idle>uploading", "uploading>analyzing", "analyzing>analyzed"}, path)
}

func TestTransientErrorsDoNotFailJob(t *testing.T) {
	transport := models.NewError(models.ErrTransport, "status", "connection reset", nil)
	svc := &fakeService{
		submitID: "B2",
		statuses: []status{
			{err: transport},
			{err: transport},
			{body: `{"status":"analyzed","columns":["zip"]}`},
		},
	}
	bus := events.NewEventBus(100)
	defer bus.Close()
	changes := bus.Subscribe(events.EventStateChange)
	c := newController(t, svc, bus)

	require.NoError(t, c.SubmitUpload(context.Background(), csvUpload()))
	st := waitSettled(t, c)

	assert.Equal(t, models.PhaseAnalyzed, st.Job.Phase)
	assert.Nil(t, st.Err)
	for _, sc := range drainStateChanges(changes) {
		assert.NotEqual(t, string(models.PhaseError), sc.NewPhase)
	}
}

func TestServerErrorSnapshot(t *testing.T) {
	svc := &fakeService{
		submitID: "E1",
		statuses: []status{
			{body: `{"status":"processing"}`},
			{body: `{"status":"error","error_message":"could not parse CSV"}`},
		},
	}
	c := newController(t, svc, nil)

	require.NoError(t, c.SubmitUpload(context.Background(), csvUpload()))
	st := waitSettled(t, c)

	assert.Equal(t, models.PhaseError, st.Job.Phase)
	assert.Equal(t, "could not parse CSV", st.Job.ErrorDetail)
	assert.True(t, errors.Is(st.Err, models.ErrJob))
	assert.Equal(t, view.Processing, c.View())
}

func TestUploadRejectsUnsupportedFile(t *testing.T) {
	svc := &fakeService{submitID: "X"}
	c := newController(t, svc, nil)

	err := c.SubmitUpload(context.Background(), Upload{Name: "notes.txt", ContentType: "text/plain", Body: strings.NewReader("hi")})
	assert.True(t, errors.Is(err, models.ErrValidation))
	assert.Equal(t, models.PhaseIdle, c.Phase())
	assert.Equal(t, 0, svc.submits)

	// Extension fallback accepts a file with a generic declared type
	require.NoError(t, Upload{Name: "DATA.JSON", ContentType: "application/octet-stream", Body: strings.NewReader("{}")}.Validate())
	require.NoError(t, Upload{Name: "data", ContentType: "text/csv; charset=utf-8", Body: strings.NewReader("")}.Validate())
}

func TestUploadFailureGoesToErrorOnUploadView(t *testing.T) {
	svc := &fakeService{submitErr: models.NewError(models.ErrTransport, "upload", "service unavailable", nil)}
	c := newController(t, svc, nil)

	err := c.SubmitUpload(context.Background(), csvUpload())
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrTransport))

	st := c.State()
	assert.Equal(t, models.PhaseError, st.Job.Phase)
	assert.Equal(t, view.Upload, st.ErrorView)
	assert.Equal(t, view.Upload, c.View())
	assert.Equal(t, "service unavailable", st.Message)
}

func TestUploadWithoutJobIDFails(t *testing.T) {
	c := newController(t, &fakeService{}, nil)
	err := c.SubmitUpload(context.Background(), csvUpload())
	assert.True(t, errors.Is(err, models.ErrTransport))
	assert.Equal(t, models.PhaseError, c.Phase())
}

func TestCancelDiscardsLaterSnapshots(t *testing.T) {
	svc := &fakeService{
		submitID:     "C1",
		statuses:     []status{{body: `{"status":"analyzed","columns":["age"]}`}},
		fetchStarted: make(chan struct{}, 1),
		fetchGate:    make(chan struct{}),
	}
	c := newController(t, svc, nil)

	require.NoError(t, c.SubmitUpload(context.Background(), csvUpload()))
	<-svc.fetchStarted
	c.Cancel()
	close(svc.fetchGate)

	st := waitSettled(t, c)
	assert.Equal(t, models.PhaseCancelled, st.Job.Phase)

	// Give the released fetch time to complete and be discarded
	time.Sleep(20 * time.Millisecond)
	st = c.State()
	assert.Equal(t, models.PhaseCancelled, st.Job.Phase)
	assert.Empty(t, st.Job.Columns)
	assert.Equal(t, view.Dashboard, c.View())

	// Second cancel is a no-op
	c.Cancel()
	assert.Equal(t, models.PhaseCancelled, c.Phase())
}

func TestCancelWithoutSessionIsNoop(t *testing.T) {
	c := newController(t, &fakeService{}, nil)
	c.Cancel()
	assert.Equal(t, models.PhaseIdle, c.Phase())
}

func TestFullAnonymizationFlow(t *testing.T) {
	svc := &fakeService{
		submitID:  "F1",
		triggerID: "F1",
		statuses: []status{
			{body: `{"status":"analyzed","columns":["age","city","disease"]}`},
			{body: `{"status":"anonymization_requested"}`},
			{body: `{"status":"completed","anonymized_preview":[{"age":"30-40","city":"*","disease":"flu"}]}`},
		},
	}
	c := newController(t, svc, nil)
	ctx := context.Background()

	require.NoError(t, c.SubmitUpload(ctx, csvUpload()))
	waitSettled(t, c)
	require.Equal(t, models.PhaseAnalyzed, c.Phase())

	require.NoError(t, c.ConfirmColumns(models.ColumnSelections{
		"age":     {QuasiIdentifier: true},
		"disease": {Sensitive: true},
	}))
	assert.Equal(t, models.PhaseConfiguring, c.Phase())
	assert.Equal(t, view.Configure, c.View())

	require.NoError(t, c.SubmitAnonymize(ctx, models.MethodKAnonymity, map[string]any{"k": 3}))
	st := waitSettled(t, c)

	assert.Equal(t, models.PhaseAnonymized, st.Job.Phase)
	assert.Equal(t, "F1", st.Job.ID)
	require.Len(t, st.Job.Preview, 1)
	assert.Equal(t, "30-40", st.Job.Preview[0]["age"])
	assert.Equal(t, view.Preview, c.View())

	svc.mu.Lock()
	req := svc.lastReq
	svc.mu.Unlock()
	assert.Equal(t, "F1", req.JobID)
	assert.Equal(t, models.MethodKAnonymity, req.Method)
	assert.Equal(t, []string{"age", "city", "disease"}, req.Columns)
	assert.Equal(t, models.ColumnRole{}, req.Selections["city"])
	assert.True(t, req.Selections["age"].QuasiIdentifier)
	assert.True(t, req.Selections["disease"].Sensitive)

	require.NoError(t, c.Save())
	assert.Equal(t, models.PhaseIdle, c.Phase())
	assert.Empty(t, c.State().Job.ID)
	assert.Equal(t, view.Dashboard, c.View())
}

func TestConfirmColumnsValidation(t *testing.T) {
	c := newController(t, &fakeService{}, nil)
	assert.True(t, errors.Is(c.ConfirmColumns(nil), models.ErrInvalidTransition))

	svc := &fakeService{submitID: "V1", statuses: []status{{body: `{"status":"analyzed","columns":["age"]}`}}}
	c = newController(t, svc, nil)
	require.NoError(t, c.SubmitUpload(context.Background(), csvUpload()))
	waitSettled(t, c)

	err := c.ConfirmColumns(models.ColumnSelections{"salary": {Sensitive: true}})
	assert.True(t, errors.Is(err, models.ErrValidation))
	assert.Equal(t, models.PhaseAnalyzed, c.Phase())
}

func TestSubmitAnonymizeRejectsBadParams(t *testing.T) {
	svc := &fakeService{submitID: "P1", statuses: []status{{body: `{"status":"analyzed","columns":["age"]}`}}}
	c := newController(t, svc, nil)
	ctx := context.Background()
	require.NoError(t, c.SubmitUpload(ctx, csvUpload()))
	waitSettled(t, c)
	require.NoError(t, c.ConfirmColumns(nil))

	err := c.SubmitAnonymize(ctx, models.MethodKAnonymity, map[string]any{"k": 1})
	assert.True(t, errors.Is(err, models.ErrValidation))
	err = c.SubmitAnonymize(ctx, "t-closeness", nil)
	assert.True(t, errors.Is(err, models.ErrValidation))

	assert.Equal(t, models.PhaseConfiguring, c.Phase())
	assert.Equal(t, 0, svc.triggers)
}

func TestTriggerFailureReturnsToConfigureView(t *testing.T) {
	svc := &fakeService{
		submitID:   "G1",
		triggerErr: errors.New("dial tcp: connection refused"),
		statuses:   []status{{body: `{"status":"analyzed","columns":["age"]}`}},
	}
	c := newController(t, svc, nil)
	ctx := context.Background()
	require.NoError(t, c.SubmitUpload(ctx, csvUpload()))
	waitSettled(t, c)
	require.NoError(t, c.ConfirmColumns(nil))

	err := c.SubmitAnonymize(ctx, models.MethodDifferentialPrivacy, nil)
	require.Error(t, err)
	assert.True(t, errors.Is(err, models.ErrTransport))
	assert.Equal(t, models.PhaseError, c.Phase())
	assert.Equal(t, view.Configure, c.View())
	assert.NotEmpty(t, models.RecoveryHint(c.State().Err))
}

func TestSecondUploadWhileInFlightIsBusy(t *testing.T) {
	svc := &fakeService{
		submitID:   "H1",
		submitGate: make(chan struct{}),
		statuses:   []status{{body: `{"status":"analyzed"}`}},
	}
	c := newController(t, svc, nil)

	errc := make(chan error, 1)
	go func() { errc <- c.SubmitUpload(context.Background(), csvUpload()) }()

	require.Eventually(t, func() bool { return c.Phase() == models.PhaseUploading }, time.Second, time.Millisecond)
	err := c.SubmitUpload(context.Background(), csvUpload())
	assert.True(t, errors.Is(err, models.ErrBusy))

	close(svc.submitGate)
	require.NoError(t, <-errc)
	waitSettled(t, c)
	assert.Equal(t, models.PhaseAnalyzed, c.Phase())
}

func TestResetDuringUploadSupersedesResult(t *testing.T) {
	svc := &fakeService{
		submitID:   "R1",
		submitGate: make(chan struct{}),
		statuses:   []status{{body: `{"status":"analyzed"}`}},
	}
	c := newController(t, svc, nil)

	errc := make(chan error, 1)
	go func() { errc <- c.SubmitUpload(context.Background(), csvUpload()) }()
	require.Eventually(t, func() bool { return c.Phase() == models.PhaseUploading }, time.Second, time.Millisecond)

	c.Reset()
	close(svc.submitGate)
	assert.ErrorIs(t, <-errc, ErrSuperseded)

	st := c.State()
	assert.Equal(t, models.PhaseIdle, st.Job.Phase)
	assert.Empty(t, st.Job.ID)
	assert.False(t, c.Watching())
	assert.Equal(t, 0, svc.fetchCount())
}

func TestWatchTimeoutIsDistinctFromJobError(t *testing.T) {
	svc := &fakeService{submitID: "T1", statuses: []status{{body: `{"status":"processing"}`}}}
	c := newController(t, svc, nil, polling.WithMaxAttempts(3))

	require.NoError(t, c.SubmitUpload(context.Background(), csvUpload()))
	st := waitSettled(t, c)

	assert.Equal(t, models.PhaseError, st.Job.Phase)
	assert.True(t, errors.Is(st.Err, models.ErrTimeout))
	assert.False(t, errors.Is(st.Err, models.ErrJob))
	assert.Equal(t, 3, svc.fetchCount())
}

func TestWatchExistingJob(t *testing.T) {
	svc := &fakeService{statuses: []status{
		{body: `{"status":"anonymizing","details":"Generalizing age"}`},
		{body: `{"status":"anonymized","columns":["age"],"anonymized_preview":[{"age":"30-40"}]}`},
	}}
	c := newController(t, svc, nil)

	require.NoError(t, c.Watch(context.Background(), "W1", models.PhaseAnonymizing))
	st := waitSettled(t, c)

	assert.Equal(t, models.PhaseAnonymized, st.Job.Phase)
	assert.Equal(t, []string{"age"}, st.Job.Columns)

	err := c.Watch(context.Background(), "W1", models.PhaseAnalyzing)
	assert.True(t, errors.Is(err, models.ErrInvalidTransition))
	assert.True(t, errors.Is(c.Watch(context.Background(), "W2", models.PhaseAnalyzed), models.ErrInvalidTransition))
}

func TestWatchSettlesJobAlreadyPastRequestedPhase(t *testing.T) {
	bus := events.NewEventBus(32)
	defer bus.Close()
	states := bus.Subscribe(events.EventStateChange)

	svc := &fakeService{statuses: []status{
		{body: `{"status":"anonymized","columns":["age"],"anonymized_preview":[{"age":"30-40"}]}`},
	}}
	c := newController(t, svc, bus, polling.WithMaxAttempts(5))

	require.NoError(t, c.Watch(context.Background(), "DONE1", models.PhaseAnalyzing))
	st := waitSettled(t, c)

	assert.Equal(t, models.PhaseAnonymized, st.Job.Phase)
	assert.NoError(t, st.Err)
	assert.Equal(t, []string{"age"}, st.Job.Columns)
	assert.Equal(t, []models.Row{{"age": "30-40"}}, st.Job.Preview)
	assert.Equal(t, 1, svc.fetchCount())
	assert.False(t, c.Watching())

	var path []string
	for _, sc := range drainStateChanges(states) {
		path = append(path, sc.NewPhase)
	}
	assert.Equal(t, []string{"anonymizing", "anonymized"}, path)
}

func TestWatchFollowsStageReportedByService(t *testing.T) {
	svc := &fakeService{statuses: []status{
		{body: `{"status":"anonymizing"}`},
		{body: `{"status":"anonymizing"}`},
		{body: `{"status":"anonymized","columns":["age"]}`},
	}}
	c := newController(t, svc, nil)

	require.NoError(t, c.Watch(context.Background(), "S2", models.PhaseAnalyzing))
	st := waitSettled(t, c)
	assert.Equal(t, models.PhaseAnonymized, st.Job.Phase)
	assert.Equal(t, 3, svc.fetchCount())
}

func TestWatchSettlesFailedJobImmediately(t *testing.T) {
	svc := &fakeService{statuses: []status{{body: `{"status":"failed","error":"bad encoding"}`}}}
	c := newController(t, svc, nil)

	require.NoError(t, c.Watch(context.Background(), "F1", models.PhaseAnonymizing))
	st := waitSettled(t, c)
	assert.Equal(t, models.PhaseError, st.Job.Phase)
	assert.True(t, errors.Is(st.Err, models.ErrJob))
	assert.False(t, errors.Is(st.Err, models.ErrTimeout))
	assert.Equal(t, 1, svc.fetchCount())
}

func TestWatchFallsBackWhenInitialCheckFails(t *testing.T) {
	svc := &fakeService{statuses: []status{
		{err: errors.New("connection reset")},
		{body: `{"status":"analyzed","columns":["age"]}`},
	}}
	c := newController(t, svc, nil)

	require.NoError(t, c.Watch(context.Background(), "R1", models.PhaseAnalyzing))
	st := waitSettled(t, c)
	assert.Equal(t, models.PhaseAnalyzed, st.Job.Phase)
	assert.Equal(t, 2, svc.fetchCount())
}

func TestAuthErrorDuringWatch(t *testing.T) {
	svc := &fakeService{submitID: "Z1", statuses: []status{
		{err: models.NewError(models.ErrAuth, "status", "token expired", nil)},
	}}
	c := newController(t, svc, nil)

	require.NoError(t, c.SubmitUpload(context.Background(), csvUpload()))
	st := waitSettled(t, c)
	assert.Equal(t, models.PhaseError, st.Job.Phase)
	assert.True(t, models.IsAuthError(st.Err))
}

func TestContextCancelDuringWatch(t *testing.T) {
	svc := &fakeService{submitID: "Q1", statuses: []status{{body: `{"status":"processing"}`}}}
	c := newController(t, svc, nil)
	ctx, cancel := context.WithCancel(context.Background())

	require.NoError(t, c.SubmitUpload(ctx, csvUpload()))
	cancel()
	st := waitSettled(t, c)
	assert.Equal(t, models.PhaseCancelled, st.Job.Phase)
}

func TestStateIsACopy(t *testing.T) {
	svc := &fakeService{submitID: "S1", statuses: []status{{body: `{"status":"analyzed","columns":["age"]}`}}}
	c := newController(t, svc, nil)
	require.NoError(t, c.SubmitUpload(context.Background(), csvUpload()))
	st := waitSettled(t, c)

	st.Job.Columns[0] = "mutated"
	assert.Equal(t, []string{"age"}, c.State().Job.Columns)
}

func TestRequestUploadView(t *testing.T) {
	c := newController(t, &fakeService{}, nil)
	assert.Equal(t, view.Dashboard, c.View())
	c.RequestUpload()
	assert.Equal(t, view.Upload, c.View())
	c.Reset()
	assert.Equal(t, view.Dashboard, c.View())
}

func TestSaveRequiresAnonymized(t *testing.T) {
	c := newController(t, &fakeService{}, nil)
	assert.True(t, errors.Is(c.Save(), models.ErrInvalidTransition))
}
