package progress

import (
	"fmt"
	"io"
	"os"
	"sync"
	"time"

	"github.com/schollz/progressbar/v3"

	"github.com/anonimadata/anonima-cli/internal/constants"
	"github.com/anonimadata/anonima-cli/internal/events"
)

// Spinner shows the current status message of a watched job.
//
// On a terminal it animates in place; otherwise each distinct message is
// printed once on its own line so logs stay readable.
type Spinner struct {
	out io.Writer
	tty bool
	bar *progressbar.ProgressBar

	mu      sync.Mutex
	message string
	stopped bool

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewSpinner creates a spinner writing to out (stderr when nil).
func NewSpinner(out io.Writer) *Spinner {
	if out == nil {
		out = os.Stderr
	}
	s := &Spinner{
		out:    out,
		tty:    IsTerminal(out),
		stopCh: make(chan struct{}),
	}
	if s.tty {
		if f, ok := out.(*os.File); ok {
			enableANSI(f)
		}
		s.bar = progressbar.NewOptions(-1,
			progressbar.OptionSetWriter(out),
			progressbar.OptionSpinnerType(14),
			progressbar.OptionSetElapsedTime(true),
			progressbar.OptionClearOnFinish(),
			progressbar.OptionSetRenderBlankState(true),
		)
	}
	return s
}

// Start begins animating. Calling Start on a non-terminal spinner only
// enables line output.
func (s *Spinner) Start() {
	if !s.tty {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(constants.ProgressUpdateInterval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopCh:
				return
			case <-ticker.C:
				s.mu.Lock()
				if !s.stopped {
					_ = s.bar.Add(1)
				}
				s.mu.Unlock()
			}
		}
	}()
}

// SetMessage replaces the text next to the spinner.
func (s *Spinner) SetMessage(msg string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped || msg == "" || msg == s.message {
		return
	}
	s.message = msg
	if s.tty {
		s.bar.Describe(msg)
		return
	}
	fmt.Fprintln(s.out, msg)
}

// Message returns the last message shown.
func (s *Spinner) Message() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.message
}

// Stop clears the spinner. It is safe to call more than once.
func (s *Spinner) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	close(s.stopCh)
	s.mu.Unlock()

	s.wg.Wait()
	if s.tty {
		_ = s.bar.Finish()
	}
}

// Follow updates the spinner from progress and state change events on bus
// until the returned function is called.
func (s *Spinner) Follow(bus *events.EventBus) (unfollow func()) {
	ch := bus.SubscribeAll()
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		for {
			select {
			case <-done:
				return
			case ev, ok := <-ch:
				if !ok {
					return
				}
				switch e := ev.(type) {
				case *events.ProgressEvent:
					s.SetMessage(e.Message)
				case *events.StateChangeEvent:
					if e.ErrorMessage != "" {
						s.SetMessage(e.ErrorMessage)
					}
				}
			}
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			bus.UnsubscribeAll(ch)
			close(done)
			wg.Wait()
		})
	}
}
