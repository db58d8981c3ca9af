// Package pipeline composes the daily digest run: resolve the window,
// list candidates, process each one with bounded parallelism, dispatch
// the digest, and report the outcome.
package pipeline

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sort"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/hrfmtzk/mail-digest/extract"
	"github.com/hrfmtzk/mail-digest/filter"
	"github.com/hrfmtzk/mail-digest/model"
	"github.com/hrfmtzk/mail-digest/parser"
	"github.com/hrfmtzk/mail-digest/report"
	"github.com/hrfmtzk/mail-digest/store"
	"github.com/hrfmtzk/mail-digest/window"
)

// Dispatcher is the notification sink for a run.
type Dispatcher interface {
	Dispatch(ctx context.Context, results []model.ExtractionResult) model.DeliveryOutcome
	NotifyError(ctx context.Context, reason string)
}

// Options tunes a pipeline run.
type Options struct {
	Timezone    string
	MaxParallel int
	// RunTimeout bounds per-item processing; 0 disables the deadline.
	// Items still in flight at expiry are recorded as timeout, and
	// already-completed results are dispatched regardless.
	RunTimeout time.Duration

	// Journal, when set, receives every run report.
	Journal *report.Journal

	// OnStart and OnItem feed progress reporting; either may be nil.
	// OnItem is called from worker goroutines and must be safe for
	// concurrent use.
	OnStart func(total int)
	OnItem  func(messageID string, err error)
}

// Pipeline is the orchestrator. The store, extractor and dispatcher are
// shared across workers; none of them carries per-item mutable state.
type Pipeline struct {
	store      store.Store
	extractor  extract.Extractor
	dispatcher Dispatcher
	filter     *filter.Filter
	opts       Options
	logger     *slog.Logger
}

// New assembles a pipeline.
func New(st store.Store, ex extract.Extractor, dispatcher Dispatcher, fl *filter.Filter, opts Options, logger *slog.Logger) *Pipeline {
	if opts.MaxParallel < 1 {
		opts.MaxParallel = 1
	}
	return &Pipeline{
		store:      st,
		extractor:  ex,
		dispatcher: dispatcher,
		filter:     fl,
		opts:       opts,
		logger:     logger,
	}
}

type itemOutcome struct {
	ref     model.RawMessageRef
	result  model.ExtractionResult
	skipped bool
	err     error
}

// Run executes one daily digest batch for the day preceding now and
// always returns a report, even when the run aborts. now is explicit so
// runs are a pure function of their trigger instant.
func (p *Pipeline) Run(ctx context.Context, now time.Time) *model.RunReport {
	rep := &model.RunReport{
		RunID:     uuid.NewString(),
		StartedAt: time.Now(),
		Status:    model.RunCompleted,
		Delivery:  model.DeliveryOutcome{Status: model.DeliverySkipped},
	}

	win, err := window.Resolve(now, p.opts.Timezone)
	if err != nil {
		return p.abort(ctx, rep, err)
	}
	rep.Window = win

	if p.logger != nil {
		p.logger.Info("window resolved", "start", win.Start, "end", win.End, "timezone", p.opts.Timezone)
	}

	refs, err := p.store.List(ctx, win)
	if err != nil {
		return p.abort(ctx, rep, err)
	}
	rep.Candidates = len(refs)
	if p.opts.OnStart != nil {
		p.opts.OnStart(len(refs))
	}

	if len(refs) == 0 {
		return p.finish(rep, nil)
	}

	itemCtx := ctx
	cancel := context.CancelFunc(func() {})
	if p.opts.RunTimeout > 0 {
		itemCtx, cancel = context.WithTimeout(ctx, p.opts.RunTimeout)
	}
	outcomes := p.processAll(itemCtx, refs)
	cancel()

	var fatal error
	var results []model.ExtractionResult
	for _, oc := range outcomes {
		switch {
		case oc.err != nil:
			kind := model.KindOf(oc.err)
			if kind == "" {
				kind = model.FailExtraction
			}
			rep.Failures = append(rep.Failures, model.ItemFailure{
				MessageID: oc.ref.ID,
				Kind:      kind,
				Error:     oc.err.Error(),
			})
			if model.IsFatal(oc.err) && fatal == nil {
				fatal = oc.err
			}
		case oc.skipped, !oc.result.Relevant():
			rep.Skipped++
		default:
			rep.Succeeded++
			results = append(results, oc.result)
		}
	}

	if fatal != nil {
		return p.abort(ctx, rep, fatal)
	}

	// The digest lists results in receipt order regardless of worker
	// completion order.
	sort.Slice(results, func(i, j int) bool {
		if !results[i].ReceivedAt.Equal(results[j].ReceivedAt) {
			return results[i].ReceivedAt.Before(results[j].ReceivedAt)
		}
		return results[i].MessageID < results[j].MessageID
	})

	return p.finish(rep, results)
}

// processAll runs the per-item units under the worker limit. A fatal
// extraction error cancels the remaining work; per-item failures do
// not.
func (p *Pipeline) processAll(ctx context.Context, refs []model.RawMessageRef) []itemOutcome {
	outcomes := make([]itemOutcome, len(refs))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(p.opts.MaxParallel)
	for i, ref := range refs {
		i, ref := i, ref
		g.Go(func() error {
			result, skipped, err := p.processItem(gctx, ref)
			outcomes[i] = itemOutcome{ref: ref, result: result, skipped: skipped, err: err}

			if p.opts.OnItem != nil {
				p.opts.OnItem(ref.ID, err)
			}
			if err != nil && p.logger != nil {
				p.logger.Warn("item failed", "messageID", ref.ID, "kind", model.KindOf(err), "err", err)
			}
			if model.IsFatal(err) {
				return err
			}
			return nil
		})
	}
	// The fatal error, if any, is also recorded in its item's outcome.
	_ = g.Wait()

	return outcomes
}

// processItem is one independent unit of work: fetch, parse, filter,
// extract. Every returned error carries a failure kind; deadline expiry
// and cancellation surface as timeout.
func (p *Pipeline) processItem(ctx context.Context, ref model.RawMessageRef) (model.ExtractionResult, bool, error) {
	if err := ctx.Err(); err != nil {
		return model.ExtractionResult{}, false, model.ItemErr(model.FailTimeout, err)
	}

	rc, err := p.store.Fetch(ctx, ref)
	if err != nil {
		return model.ExtractionResult{}, false, p.mapAbandoned(ctx, err)
	}
	raw, err := io.ReadAll(rc)
	_ = rc.Close()
	if err != nil {
		return model.ExtractionResult{}, false, p.mapAbandoned(ctx, model.ItemErr(model.FailObjectReadError, err))
	}

	parsed, err := parser.Parse(ref, raw)
	if err != nil {
		return model.ExtractionResult{}, false, err
	}

	if p.filter != nil && !p.filter.Allows(parsed.To) {
		if p.logger != nil {
			p.logger.Debug("recipient not monitored", "messageID", ref.ID)
		}
		return model.ExtractionResult{}, true, nil
	}

	result, err := p.extractor.Extract(ctx, parsed)
	if err != nil {
		return model.ExtractionResult{}, false, p.mapAbandoned(ctx, err)
	}

	return result, false, nil
}

// mapAbandoned reclassifies errors caused by an expired or cancelled
// run context as timeout; fatal classifications pass through.
func (p *Pipeline) mapAbandoned(ctx context.Context, err error) error {
	if model.IsFatal(err) {
		return err
	}
	if ctxErr := ctx.Err(); ctxErr != nil {
		return model.ItemErr(model.FailTimeout, ctxErr)
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return model.ItemErr(model.FailTimeout, err)
	}
	return err
}

func (p *Pipeline) finish(rep *model.RunReport, results []model.ExtractionResult) *model.RunReport {
	if len(results) > 0 && p.dispatcher != nil {
		rep.Delivery = p.dispatcher.Dispatch(context.Background(), results)
	}

	rep.FinishedAt = time.Now()
	p.record(rep)
	if p.logger != nil {
		p.logger.Info("run completed", rep.LogAttrs()...)
	}
	return rep
}

func (p *Pipeline) abort(ctx context.Context, rep *model.RunReport, cause error) *model.RunReport {
	rep.Status = model.RunAborted
	rep.AbortReason = cause.Error()
	rep.FinishedAt = time.Now()

	p.record(rep)
	if p.logger != nil {
		p.logger.Error("run aborted", rep.LogAttrs()...)
	}
	if p.dispatcher != nil {
		p.dispatcher.NotifyError(ctx, cause.Error())
	}
	return rep
}

// record journals the report; a journal failure is logged, never
// allowed to mask the run outcome.
func (p *Pipeline) record(rep *model.RunReport) {
	if p.opts.Journal == nil {
		return
	}
	if err := p.opts.Journal.Append(rep); err != nil && p.logger != nil {
		p.logger.Error("journal append failed", "runID", rep.RunID, "err", err)
	}
}
