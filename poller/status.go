package poller

import (
	"time"

	"github.com/robertmeta/feedpoll/model"
	"github.com/robertmeta/feedpoll/normalize"
)

// State is the lifecycle position of one source within a cycle.
type State string

const (
	StateIdle        State = "idle"
	StateFetching    State = "fetching"
	StateParsing     State = "parsing"
	StateReconciling State = "reconciling"
	StatePersisting  State = "persisting"
	StateFailed      State = "failed"
)

// SourceStatus describes the last known activity of a source.
type SourceStatus struct {
	Source      model.Source `json:"source"`
	State       State        `json:"state"`
	LastRun     time.Time    `json:"last_run"`
	LastSuccess time.Time    `json:"last_success"`
	LastError   string       `json:"last_error,omitempty"`
	LastNew     int          `json:"last_new"`
}

// CycleResult is the outcome of one source cycle. Err is set when the feed
// could not be fetched or parsed; StoreErr when persistence degraded to the
// mirror only. A cycle with only StoreErr still counts as a success.
type CycleResult struct {
	Source   model.Source
	Started  time.Time
	Duration time.Duration
	Fetched  int
	New      int
	Updated  int
	Rejected int
	Skipped  bool
	Err      error
	StoreErr error
}

// Failed reports whether the cycle produced no articles because of an error.
func (r CycleResult) Failed() bool {
	return r.Err != nil
}

// RoundStats aggregates the cycles of one round.
type RoundStats struct {
	Started  time.Time     `json:"started"`
	Duration time.Duration `json:"duration"`
	Sources  int           `json:"sources"`
	Fetched  int           `json:"fetched"`
	New      int           `json:"new"`
	Failed   int           `json:"failed"`
	Skipped  int           `json:"skipped"`
	Rejected int           `json:"rejected"`
}

func (s *RoundStats) add(r CycleResult) {
	switch {
	case r.Skipped:
		s.Skipped++
	case r.Failed():
		s.Failed++
	default:
		s.Fetched += r.Fetched
		s.New += r.New
		s.Rejected += r.Rejected
	}
}

// Listener receives poller events. Calls happen on the polling goroutine
// after the mirror has been written, so implementations must not block.
type Listener interface {
	CycleCompleted(res CycleResult)
	CorpusChanged(ids []string)
}

// Hooks adapts plain functions to Listener. Nil fields are ignored.
type Hooks struct {
	OnCycle  func(CycleResult)
	OnChange func([]string)
}

func (h Hooks) CycleCompleted(res CycleResult) {
	if h.OnCycle != nil {
		h.OnCycle(res)
	}
}

func (h Hooks) CorpusChanged(ids []string) {
	if h.OnChange != nil {
		h.OnChange(ids)
	}
}

// statusFor returns the mutable status entry of src. Callers hold p.mu.
func (p *Poller) statusFor(src model.Source) *SourceStatus {
	key := normalize.CanonicalURL(src.FeedURL)
	st, ok := p.status[key]
	if !ok {
		st = &SourceStatus{State: StateIdle}
		p.status[key] = st
	}
	st.Source = src
	return st
}

func (p *Poller) setState(src model.Source, state State) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.statusFor(src).State = state
}

// Status returns the status of every configured source, in source order.
// Sources that have not been polled yet are idle.
func (p *Poller) Status() []SourceStatus {
	sources := p.sources.List()

	p.mu.Lock()
	defer p.mu.Unlock()

	out := make([]SourceStatus, 0, len(sources))
	for _, src := range sources {
		st, ok := p.status[normalize.CanonicalURL(src.FeedURL)]
		if !ok {
			out = append(out, SourceStatus{Source: src, State: StateIdle})
			continue
		}
		cp := *st
		cp.Source = src
		out = append(out, cp)
	}
	return out
}
