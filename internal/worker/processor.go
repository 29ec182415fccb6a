package worker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/joshu-sajeev/parsemd/common"
	"github.com/joshu-sajeev/parsemd/internal/document"
	"github.com/joshu-sajeev/parsemd/internal/extract"
	"github.com/joshu-sajeev/parsemd/internal/models"
	"gorm.io/datatypes"
)

// Checkpoint is a progress value reported while processing one attempt.
type Checkpoint int

const (
	CheckpointStarted   Checkpoint = 10
	CheckpointLoaded    Checkpoint = 30
	CheckpointLocated   Checkpoint = 60
	CheckpointExtracted Checkpoint = 90
	CheckpointDone      Checkpoint = 100
)

// ProgressReporter receives checkpoints. Reporting is advisory: a failed
// report never changes the outcome.
type ProgressReporter interface {
	Report(ctx context.Context, c Checkpoint)
}

type ReporterFunc func(ctx context.Context, c Checkpoint)

func (f ReporterFunc) Report(ctx context.Context, c Checkpoint) { f(ctx, c) }

type OutcomeKind uint8

const (
	OutcomeOk OutcomeKind = iota + 1
	OutcomeRetryable
	OutcomeFatal
)

func (k OutcomeKind) String() string {
	switch k {
	case OutcomeOk:
		return "ok"
	case OutcomeRetryable:
		return "retryable"
	case OutcomeFatal:
		return "fatal"
	}
	return "unknown"
}

// Outcome is the result of processing one attempt. Result is nil for an Ok
// outcome when the record had already been completed by an earlier attempt.
type Outcome struct {
	Kind   OutcomeKind
	Result *extract.Result
	Err    error
}

func Ok(result *extract.Result) Outcome { return Outcome{Kind: OutcomeOk, Result: result} }
func Retryable(err error) Outcome       { return Outcome{Kind: OutcomeRetryable, Err: err} }
func Fatal(err error) Outcome           { return Outcome{Kind: OutcomeFatal, Err: err} }

// RecordStore is the part of the job record store the processor drives.
type RecordStore interface {
	Get(ctx context.Context, id string) (*models.Job, error)
	MarkProcessing(ctx context.Context, id string) error
	MarkComplete(ctx context.Context, id string, result datatypes.JSON) error
}

// Processor runs one attempt of the referral pipeline: it moves the record
// to processing, decodes the payload, extracts the fields and completes
// the record.
type Processor struct {
	records RecordStore
	decoder document.Decoder
	extract func(text string, report func(Checkpoint)) extract.Result
}

func NewProcessor(records RecordStore, decoder document.Decoder) *Processor {
	return &Processor{records: records, decoder: decoder, extract: extractStaged}
}

func (p *Processor) Process(ctx context.Context, jobID, payload string, reporter ProgressReporter) (out Outcome) {
	defer func() {
		if r := recover(); r != nil {
			out = Retryable(fmt.Errorf("%w: panic: %v", common.ErrExtractionFailure, r))
		}
	}()

	if err := p.records.MarkProcessing(ctx, jobID); err != nil {
		return p.startFailure(ctx, jobID, err)
	}
	reporter.Report(ctx, CheckpointStarted)

	text, err := p.decoder.Decode(ctx, payload)
	if err != nil {
		if errors.Is(err, document.ErrUnsupportedFormat) {
			return Fatal(err)
		}
		if !errors.Is(err, common.ErrPayloadUnreadable) {
			err = fmt.Errorf("%w: %w", common.ErrPayloadUnreadable, err)
		}
		return Retryable(err)
	}
	reporter.Report(ctx, CheckpointLoaded)

	result := p.extract(text, func(c Checkpoint) { reporter.Report(ctx, c) })

	b, err := json.Marshal(result)
	if err != nil {
		return Retryable(fmt.Errorf("%w: encode result: %w", common.ErrExtractionFailure, err))
	}

	if err := p.records.MarkComplete(ctx, jobID, datatypes.JSON(b)); err != nil {
		if errors.Is(err, common.ErrRecordNotFound) || errors.Is(err, common.ErrInvalidTransition) {
			return Fatal(err)
		}
		return Retryable(err)
	}
	reporter.Report(ctx, CheckpointDone)

	return Ok(&result)
}

// startFailure classifies a failed move into processing. A record that is
// already complete means this is a redelivery of finished work.
func (p *Processor) startFailure(ctx context.Context, jobID string, err error) Outcome {
	switch {
	case errors.Is(err, common.ErrRecordNotFound):
		return Fatal(err)
	case errors.Is(err, common.ErrInvalidTransition):
		job, getErr := p.records.Get(ctx, jobID)
		if getErr == nil && job.Status == models.StatusComplete {
			return Ok(nil)
		}
		return Fatal(err)
	default:
		return Retryable(err)
	}
}

func extractStaged(text string, report func(Checkpoint)) extract.Result {
	fields := extract.LocateFields(text)
	report(CheckpointLocated)

	symptoms, match := extract.ClassifySymptoms(fields.Reason)
	result := extract.Assemble(text, fields, symptoms, match)
	report(CheckpointExtracted)

	return result
}
