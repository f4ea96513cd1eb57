package orchestrator

import (
	"fmt"
	"io"
	"sort"
	"time"

	"github.com/HdrHistogram/hdrhistogram-go"
	jsoniter "github.com/json-iterator/go"

	"github.com/AntonStoeckl/long-query-disconnect-harness/harness"
)

const (
	histogramMinMicros   = 1
	histogramMaxMicros   = int64(24 * time.Hour / time.Microsecond)
	histogramSigFigs     = 3
	noPrecedingStepLabel = "none"
)

// LatencySummary holds percentiles of a latency distribution.
type LatencySummary struct {
	Count int64
	P50   time.Duration
	P90   time.Duration
	P99   time.Duration
	Max   time.Duration
}

// ConnectionLossEvent places one ConnectionLost failure on the interference timeline.
type ConnectionLossEvent struct {
	WorkerID  int
	Iteration int
	At        time.Time
	Code      harness.ErrorCode
	Message   string
	Phase     harness.Phase

	// LastStep is the most recent interference step that started before the failure.
	// It is empty when interference had not started yet.
	LastStep      string
	LastStepCycle int
	SinceLastStep time.Duration
}

// Summary aggregates the records of one run.
type Summary struct {
	RunID           string
	Iterations      int
	Successes       int
	Failures        map[harness.Classification]int
	AcquireTimeouts int
	Interrupted     int
	RowsStreamed    int64
	Elapsed         time.Duration
	Cycles          int
	CompletedCycles int
	FailedSteps     int
	QueryLatency    LatencySummary
	AcquireLatency  LatencySummary
	ConnectionLoss  []ConnectionLossEvent
}

// NewSummary aggregates query records and interference cycles.
func NewSummary(
	runID string,
	records []harness.QueryExecutionRecord,
	cycles []harness.InterferenceCycleRecord,
	elapsed time.Duration,
) Summary {
	s := Summary{
		RunID:      runID,
		Iterations: len(records),
		Failures:   make(map[harness.Classification]int, len(harness.Classifications())),
		Elapsed:    elapsed,
		Cycles:     len(cycles),
	}

	for _, c := range harness.Classifications() {
		s.Failures[c] = 0
	}

	queryHistogram := hdrhistogram.New(histogramMinMicros, histogramMaxMicros, histogramSigFigs)
	acquireHistogram := hdrhistogram.New(histogramMinMicros, histogramMaxMicros, histogramSigFigs)
	steps := stepTimeline(cycles)

	for _, c := range cycles {
		if c.Completed {
			s.CompletedCycles++
		}

		s.FailedSteps += c.FailedSteps()
	}

	for _, record := range records {
		s.RowsStreamed += record.RowCount

		switch outcome := record.Outcome.(type) {
		case harness.Success:
			s.Successes++
			_ = queryHistogram.RecordValue(max(outcome.QueryDuration.Microseconds(), histogramMinMicros))
			_ = acquireHistogram.RecordValue(max(outcome.AcquireDuration.Microseconds(), histogramMinMicros))

		case harness.Failure:
			s.Failures[outcome.Classification]++

			if outcome.IsAcquireTimeout() {
				s.AcquireTimeouts++
			}

			if outcome.Interrupted {
				s.Interrupted++
			}

			if outcome.Classification == harness.ConnectionLost {
				s.ConnectionLoss = append(s.ConnectionLoss, lossEvent(record, outcome, steps))
			}
		}
	}

	s.QueryLatency = latencySummary(queryHistogram)
	s.AcquireLatency = latencySummary(acquireHistogram)

	sort.Slice(s.ConnectionLoss, func(i, j int) bool {
		return s.ConnectionLoss[i].At.Before(s.ConnectionLoss[j].At)
	})

	return s
}

// FailureCount returns the number of failures with the given classification.
func (s Summary) FailureCount(c harness.Classification) int {
	return s.Failures[c]
}

// ReproducedConnectionLoss reports whether at least one attempt lost its connection.
func (s Summary) ReproducedConnectionLoss() bool {
	return s.Failures[harness.ConnectionLost] > 0
}

// WriteText renders the summary as human readable lines.
func (s Summary) WriteText(w io.Writer) error {
	lines := []string{
		fmt.Sprintf("run %s finished after %s", s.RunID, s.Elapsed.Round(time.Millisecond)),
		fmt.Sprintf("iterations: %d, successes: %d, rows streamed: %d", s.Iterations, s.Successes, s.RowsStreamed),
	}

	for _, c := range harness.Classifications() {
		lines = append(lines, fmt.Sprintf("failures %s: %d", c.Label(), s.Failures[c]))
	}

	lines = append(lines,
		fmt.Sprintf("acquire timeouts: %d, interrupted: %d", s.AcquireTimeouts, s.Interrupted),
		fmt.Sprintf("interference cycles: %d (completed %d), failed steps: %d", s.Cycles, s.CompletedCycles, s.FailedSteps),
		fmt.Sprintf("query latency p50=%s p90=%s p99=%s max=%s", s.QueryLatency.P50, s.QueryLatency.P90, s.QueryLatency.P99, s.QueryLatency.Max),
		fmt.Sprintf("acquire latency p50=%s p90=%s p99=%s max=%s", s.AcquireLatency.P50, s.AcquireLatency.P90, s.AcquireLatency.P99, s.AcquireLatency.Max),
	)

	for _, event := range s.ConnectionLoss {
		step := noPrecedingStepLabel
		if event.LastStep != "" {
			step = fmt.Sprintf("%q of cycle %d, %s earlier", event.LastStep, event.LastStepCycle, event.SinceLastStep.Round(time.Millisecond))
		}

		lines = append(lines, fmt.Sprintf(
			"connection lost: worker %d iteration %d at %s (code %s, %s phase), last interference step: %s",
			event.WorkerID, event.Iteration, event.At.Format(time.RFC3339Nano), event.Code, event.Phase, step,
		))
	}

	for _, line := range lines {
		if _, err := fmt.Fprintln(w, line); err != nil {
			return err
		}
	}

	return nil
}

type latencyDocument struct {
	Count int64   `json:"count"`
	P50MS float64 `json:"p50_ms"`
	P90MS float64 `json:"p90_ms"`
	P99MS float64 `json:"p99_ms"`
	MaxMS float64 `json:"max_ms"`
}

type connectionLossDocument struct {
	WorkerID        int     `json:"worker_id"`
	Iteration       int     `json:"iteration"`
	At              string  `json:"at"`
	Code            string  `json:"code"`
	Message         string  `json:"message"`
	Phase           string  `json:"phase"`
	LastStep        string  `json:"last_step,omitempty"`
	LastStepCycle   int     `json:"last_step_cycle,omitempty"`
	SinceLastStepMS float64 `json:"since_last_step_ms,omitempty"`
}

type summaryDocument struct {
	RunID           string                   `json:"run_id"`
	Iterations      int                      `json:"iterations"`
	Successes       int                      `json:"successes"`
	Failures        map[string]int           `json:"failures"`
	AcquireTimeouts int                      `json:"acquire_timeouts"`
	Interrupted     int                      `json:"interrupted"`
	RowsStreamed    int64                    `json:"rows_streamed"`
	ElapsedMS       float64                  `json:"elapsed_ms"`
	Cycles          int                      `json:"interference_cycles"`
	CompletedCycles int                      `json:"completed_cycles"`
	FailedSteps     int                      `json:"failed_steps"`
	QueryLatency    latencyDocument          `json:"query_latency"`
	AcquireLatency  latencyDocument          `json:"acquire_latency"`
	ConnectionLoss  []connectionLossDocument `json:"connection_loss"`
}

// MarshalJSON renders the summary with classification names as keys and durations in milliseconds.
func (s Summary) MarshalJSON() ([]byte, error) {
	doc := summaryDocument{
		RunID:           s.RunID,
		Iterations:      s.Iterations,
		Successes:       s.Successes,
		Failures:        make(map[string]int, len(s.Failures)),
		AcquireTimeouts: s.AcquireTimeouts,
		Interrupted:     s.Interrupted,
		RowsStreamed:    s.RowsStreamed,
		ElapsedMS:       toMilliseconds(s.Elapsed),
		Cycles:          s.Cycles,
		CompletedCycles: s.CompletedCycles,
		FailedSteps:     s.FailedSteps,
		QueryLatency:    latencyDoc(s.QueryLatency),
		AcquireLatency:  latencyDoc(s.AcquireLatency),
		ConnectionLoss:  make([]connectionLossDocument, 0, len(s.ConnectionLoss)),
	}

	for c, n := range s.Failures {
		doc.Failures[c.Label()] = n
	}

	for _, event := range s.ConnectionLoss {
		doc.ConnectionLoss = append(doc.ConnectionLoss, connectionLossDocument{
			WorkerID:        event.WorkerID,
			Iteration:       event.Iteration,
			At:              event.At.Format(time.RFC3339Nano),
			Code:            event.Code.String(),
			Message:         event.Message,
			Phase:           string(event.Phase),
			LastStep:        event.LastStep,
			LastStepCycle:   event.LastStepCycle,
			SinceLastStepMS: toMilliseconds(event.SinceLastStep),
		})
	}

	return jsoniter.ConfigCompatibleWithStandardLibrary.Marshal(doc)
}

// WriteJSON renders the summary as indented JSON.
func (s Summary) WriteJSON(w io.Writer) error {
	encoder := jsoniter.ConfigCompatibleWithStandardLibrary.NewEncoder(w)
	encoder.SetIndent("", "  ")

	return encoder.Encode(s)
}

type timelineStep struct {
	cycle       int
	description string
	start       time.Time
}

func stepTimeline(cycles []harness.InterferenceCycleRecord) []timelineStep {
	var steps []timelineStep
	for _, c := range cycles {
		for _, step := range c.Steps {
			steps = append(steps, timelineStep{cycle: c.CycleNumber, description: step.Description, start: step.StartTime})
		}
	}

	sort.SliceStable(steps, func(i, j int) bool { return steps[i].start.Before(steps[j].start) })

	return steps
}

func lossEvent(record harness.QueryExecutionRecord, failure harness.Failure, steps []timelineStep) ConnectionLossEvent {
	at := record.QueryEndTime
	if at.IsZero() {
		at = record.AcquireEndTime
	}

	event := ConnectionLossEvent{
		WorkerID:  record.WorkerID,
		Iteration: record.Iteration,
		At:        at,
		Code:      failure.Code,
		Message:   failure.Message,
		Phase:     failure.Phase,
	}

	// steps is sorted by start time, the last one not after the failure wins.
	idx := sort.Search(len(steps), func(i int) bool { return steps[i].start.After(at) }) - 1
	if idx >= 0 {
		event.LastStep = steps[idx].description
		event.LastStepCycle = steps[idx].cycle
		event.SinceLastStep = at.Sub(steps[idx].start)
	}

	return event
}

func latencySummary(h *hdrhistogram.Histogram) LatencySummary {
	if h.TotalCount() == 0 {
		return LatencySummary{}
	}

	return LatencySummary{
		Count: h.TotalCount(),
		P50:   time.Duration(h.ValueAtQuantile(50)) * time.Microsecond,
		P90:   time.Duration(h.ValueAtQuantile(90)) * time.Microsecond,
		P99:   time.Duration(h.ValueAtQuantile(99)) * time.Microsecond,
		Max:   time.Duration(h.Max()) * time.Microsecond,
	}
}

func latencyDoc(l LatencySummary) latencyDocument {
	return latencyDocument{
		Count: l.Count,
		P50MS: toMilliseconds(l.P50),
		P90MS: toMilliseconds(l.P90),
		P99MS: toMilliseconds(l.P99),
		MaxMS: toMilliseconds(l.Max),
	}
}
