package pipeline

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/hrfmtzk/mail-digest/filter"
	"github.com/hrfmtzk/mail-digest/model"
	"github.com/hrfmtzk/mail-digest/store"
)

// fakeExtractor classifies by scripted per-message behavior; unknown
// messages become invoices.
type fakeExtractor struct {
	mu         sync.Mutex
	errs       map[string]error
	irrelevant map[string]bool
	// block holds messages whose extraction stalls until the context
	// expires, the way a hung upstream call would.
	block map[string]bool
	calls []string
}

func (f *fakeExtractor) Extract(ctx context.Context, email model.ParsedEmail) (model.ExtractionResult, error) {
	f.mu.Lock()
	f.calls = append(f.calls, email.Ref.ID)
	f.mu.Unlock()

	if f.block[email.Ref.ID] {
		<-ctx.Done()
		return model.ExtractionResult{}, ctx.Err()
	}
	if err, ok := f.errs[email.Ref.ID]; ok {
		return model.ExtractionResult{}, err
	}

	result := model.ExtractionResult{
		MessageID:  email.Ref.ID,
		Category:   model.CategoryInvoice,
		Confidence: 0.9,
		Fields:     map[string]string{"issuer": "Acme", "amount": "100 EUR", "due_date": "2024-04-01"},
		Summary:    "Invoice " + email.Ref.ID,
		Subject:    email.Subject,
		From:       email.From,
		ReceivedAt: email.ReceivedAt,
	}
	if f.irrelevant[email.Ref.ID] {
		result.Category = model.CategoryIrrelevant
		result.Fields = nil
		result.Summary = ""
	}
	return result, nil
}

type fakeDispatcher struct {
	mu         sync.Mutex
	dispatched [][]model.ExtractionResult
	notices    []string
	outcome    model.DeliveryOutcome
}

func (f *fakeDispatcher) Dispatch(_ context.Context, results []model.ExtractionResult) model.DeliveryOutcome {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dispatched = append(f.dispatched, results)
	if f.outcome.Status == "" {
		return model.DeliveryOutcome{Status: model.DeliveryDelivered, Messages: 1}
	}
	return f.outcome
}

func (f *fakeDispatcher) NotifyError(_ context.Context, reason string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.notices = append(f.notices, reason)
}

func rawEmail(from, to, subject, body string, date time.Time) []byte {
	msg := fmt.Sprintf(
		"From: %s\r\nTo: %s\r\nSubject: %s\r\nDate: %s\r\nContent-Type: text/plain; charset=utf-8\r\n\r\n%s\r\n",
		from, to, subject, date.Format(time.RFC1123Z), body,
	)
	return []byte(msg)
}

// tokyoFixture seeds three messages spread over the Tokyo civil day of
// 2024-03-14: just after midnight, midday, and one minute to midnight.
func tokyoFixture(t *testing.T, st *store.MemoryStore) (trigger time.Time, ids []string) {
	t.Helper()
	loc, err := time.LoadLocation("Asia/Tokyo")
	if err != nil {
		t.Fatalf("LoadLocation() error = %v", err)
	}

	times := []time.Time{
		time.Date(2024, 3, 14, 1, 0, 0, 0, loc),
		time.Date(2024, 3, 14, 13, 0, 0, 0, loc),
		time.Date(2024, 3, 14, 23, 59, 0, 0, loc),
	}
	ids = []string{"early", "midday", "late"}
	for i, ts := range times {
		st.Add(
			model.RawMessageRef{ID: ids[i], ReceivedAt: ts.UTC(), Size: 256},
			rawEmail("billing@acme.example", "invoices@example.com", "Invoice "+ids[i], "Please pay.", ts),
		)
	}

	// Trigger shortly after the window closes.
	return time.Date(2024, 3, 15, 1, 0, 0, 0, loc), ids
}

func newTestPipeline(st store.Store, ex *fakeExtractor, d *fakeDispatcher, opts Options) *Pipeline {
	if opts.Timezone == "" {
		opts.Timezone = "Asia/Tokyo"
	}
	if opts.MaxParallel == 0 {
		opts.MaxParallel = 4
	}
	fl, _ := filter.New(filter.Options{})
	return New(st, ex, d, fl, opts, nil)
}

func TestPipeline_Run_DailyBatch(t *testing.T) {
	st := store.NewMemory()
	trigger, ids := tokyoFixture(t, st)

	// A message outside the window must never be listed.
	outside := time.Date(2024, 3, 15, 0, 0, 0, 0, time.FixedZone("JST", 9*3600))
	st.Add(
		model.RawMessageRef{ID: "next-day", ReceivedAt: outside.UTC()},
		rawEmail("x@example.com", "invoices@example.com", "Too late", "body", outside),
	)

	ex := &fakeExtractor{}
	d := &fakeDispatcher{}
	p := newTestPipeline(st, ex, d, Options{})

	rep := p.Run(context.Background(), trigger)

	if rep.Status != model.RunCompleted {
		t.Fatalf("Status = %q (%s), want completed", rep.Status, rep.AbortReason)
	}
	if rep.Candidates != 3 {
		t.Errorf("Candidates = %d, want 3", rep.Candidates)
	}
	if rep.Succeeded != 3 || rep.Skipped != 0 || rep.Failed() != 0 {
		t.Errorf("counters = %d/%d/%d", rep.Succeeded, rep.Skipped, rep.Failed())
	}
	if rep.Delivery.Status != model.DeliveryDelivered {
		t.Errorf("Delivery.Status = %q", rep.Delivery.Status)
	}

	if len(d.dispatched) != 1 {
		t.Fatalf("Dispatch called %d times, want 1", len(d.dispatched))
	}
	results := d.dispatched[0]
	if len(results) != 3 {
		t.Fatalf("dispatched %d results, want 3", len(results))
	}
	// Receipt order, regardless of worker completion order.
	for i, id := range ids {
		if results[i].MessageID != id {
			t.Errorf("results[%d] = %q, want %q", i, results[i].MessageID, id)
		}
	}
}

func TestPipeline_Run_MalformedItemDoesNotAbort(t *testing.T) {
	loc, err := time.LoadLocation("Asia/Tokyo")
	if err != nil {
		t.Fatalf("LoadLocation() error = %v", err)
	}
	trigger := time.Date(2024, 3, 15, 1, 0, 0, 0, loc)

	st := store.NewMemory()
	st.Add(model.RawMessageRef{ID: "early", ReceivedAt: time.Date(2024, 3, 14, 1, 0, 0, 0, loc).UTC()},
		rawEmail("a@example.com", "invoices@example.com", "Invoice early", "body", time.Date(2024, 3, 14, 1, 0, 0, 0, loc)))
	st.Add(model.RawMessageRef{ID: "midday", ReceivedAt: time.Date(2024, 3, 14, 13, 0, 0, 0, loc).UTC()},
		[]byte("\x00\x01 definitely not RFC 5322"))
	st.Add(model.RawMessageRef{ID: "late", ReceivedAt: time.Date(2024, 3, 14, 23, 59, 0, 0, loc).UTC()},
		rawEmail("b@example.com", "invoices@example.com", "Invoice late", "body", time.Date(2024, 3, 14, 23, 59, 0, 0, loc)))

	ex := &fakeExtractor{}
	d := &fakeDispatcher{}
	p := newTestPipeline(st, ex, d, Options{})

	rep := p.Run(context.Background(), trigger)

	if rep.Status != model.RunCompleted {
		t.Fatalf("Status = %q (%s), want completed", rep.Status, rep.AbortReason)
	}
	if rep.Succeeded != 2 {
		t.Errorf("Succeeded = %d, want 2", rep.Succeeded)
	}
	if rep.Failed() != 1 {
		t.Fatalf("Failed = %d, want 1", rep.Failed())
	}
	failure := rep.Failures[0]
	if failure.MessageID != "midday" || failure.Kind != model.FailMalformedEmail {
		t.Errorf("failure = %+v", failure)
	}

	if len(d.dispatched) != 1 || len(d.dispatched[0]) != 2 {
		t.Fatalf("dispatched = %v", d.dispatched)
	}
	if d.dispatched[0][0].MessageID != "early" || d.dispatched[0][1].MessageID != "late" {
		t.Errorf("dispatch order = %q, %q", d.dispatched[0][0].MessageID, d.dispatched[0][1].MessageID)
	}
}

func TestPipeline_Run_ListFailureAborts(t *testing.T) {
	st := store.NewMemory()
	st.ListErr = errors.New("connection refused")

	ex := &fakeExtractor{}
	d := &fakeDispatcher{}
	p := newTestPipeline(st, ex, d, Options{})

	rep := p.Run(context.Background(), time.Date(2024, 3, 15, 1, 0, 0, 0, time.UTC))

	if rep.Status != model.RunAborted {
		t.Fatalf("Status = %q, want aborted", rep.Status)
	}
	if !strings.Contains(rep.AbortReason, string(model.FailStoreUnavailable)) {
		t.Errorf("AbortReason = %q", rep.AbortReason)
	}
	if len(d.dispatched) != 0 {
		t.Error("digest must not be dispatched for an aborted run")
	}
	if len(d.notices) != 1 {
		t.Fatalf("NotifyError called %d times, want 1", len(d.notices))
	}
}

func TestPipeline_Run_FatalExtractionAborts(t *testing.T) {
	st := store.NewMemory()
	trigger, _ := tokyoFixture(t, st)

	ex := &fakeExtractor{errs: map[string]error{
		"midday": model.FatalErr(model.FailExtractionUnrecoverable, errors.New("invalid api key")),
	}}
	d := &fakeDispatcher{}
	p := newTestPipeline(st, ex, d, Options{})

	rep := p.Run(context.Background(), trigger)

	if rep.Status != model.RunAborted {
		t.Fatalf("Status = %q, want aborted", rep.Status)
	}
	if !strings.Contains(rep.AbortReason, string(model.FailExtractionUnrecoverable)) {
		t.Errorf("AbortReason = %q", rep.AbortReason)
	}
	if len(d.dispatched) != 0 {
		t.Error("digest must not be dispatched after a fatal failure")
	}
	if len(d.notices) != 1 {
		t.Errorf("NotifyError called %d times, want 1", len(d.notices))
	}

	found := false
	for _, f := range rep.Failures {
		if f.MessageID == "midday" && f.Kind == model.FailExtractionUnrecoverable {
			found = true
		}
	}
	if !found {
		t.Errorf("fatal item missing from failures: %v", rep.Failures)
	}
}

func TestPipeline_Run_IrrelevantCountsAsSkipped(t *testing.T) {
	st := store.NewMemory()
	trigger, _ := tokyoFixture(t, st)

	ex := &fakeExtractor{irrelevant: map[string]bool{"midday": true}}
	d := &fakeDispatcher{}
	p := newTestPipeline(st, ex, d, Options{})

	rep := p.Run(context.Background(), trigger)

	if rep.Status != model.RunCompleted {
		t.Fatalf("Status = %q, want completed", rep.Status)
	}
	if rep.Succeeded != 2 || rep.Skipped != 1 {
		t.Errorf("Succeeded/Skipped = %d/%d, want 2/1", rep.Succeeded, rep.Skipped)
	}
	if len(d.dispatched) != 1 || len(d.dispatched[0]) != 2 {
		t.Fatalf("dispatched = %v", d.dispatched)
	}
	for _, r := range d.dispatched[0] {
		if r.MessageID == "midday" {
			t.Error("irrelevant result must not reach the digest")
		}
	}
}

func TestPipeline_Run_RecipientFilter(t *testing.T) {
	st := store.NewMemory()
	trigger, _ := tokyoFixture(t, st)

	loc, _ := time.LoadLocation("Asia/Tokyo")
	other := time.Date(2024, 3, 14, 15, 0, 0, 0, loc)
	st.Add(
		model.RawMessageRef{ID: "personal", ReceivedAt: other.UTC()},
		rawEmail("friend@example.com", "someone-else@example.com", "Lunch?", "body", other),
	)

	ex := &fakeExtractor{}
	d := &fakeDispatcher{}
	fl, err := filter.New(filter.Options{Recipients: []string{"invoices@example.com"}})
	if err != nil {
		t.Fatalf("filter.New() error = %v", err)
	}
	p := New(st, ex, d, fl, Options{Timezone: "Asia/Tokyo", MaxParallel: 4}, nil)

	rep := p.Run(context.Background(), trigger)

	if rep.Candidates != 4 {
		t.Errorf("Candidates = %d, want 4", rep.Candidates)
	}
	if rep.Succeeded != 3 || rep.Skipped != 1 {
		t.Errorf("Succeeded/Skipped = %d/%d, want 3/1", rep.Succeeded, rep.Skipped)
	}

	// The filtered message never reaches extraction.
	for _, id := range ex.calls {
		if id == "personal" {
			t.Error("filtered message should not be extracted")
		}
	}
}

func TestPipeline_Run_EmptyWindow(t *testing.T) {
	st := store.NewMemory()

	ex := &fakeExtractor{}
	d := &fakeDispatcher{}
	p := newTestPipeline(st, ex, d, Options{})

	rep := p.Run(context.Background(), time.Date(2024, 3, 15, 1, 0, 0, 0, time.UTC))

	if rep.Status != model.RunCompleted {
		t.Fatalf("Status = %q, want completed", rep.Status)
	}
	if rep.Candidates != 0 {
		t.Errorf("Candidates = %d, want 0", rep.Candidates)
	}
	if rep.Delivery.Status != model.DeliverySkipped {
		t.Errorf("Delivery.Status = %q, want skipped", rep.Delivery.Status)
	}
	if len(d.dispatched) != 0 {
		t.Error("empty window must not dispatch")
	}
}

func TestPipeline_Run_InvalidTimezoneAborts(t *testing.T) {
	st := store.NewMemory()
	ex := &fakeExtractor{}
	d := &fakeDispatcher{}
	p := newTestPipeline(st, ex, d, Options{Timezone: "Not/AZone"})

	rep := p.Run(context.Background(), time.Now())

	if rep.Status != model.RunAborted {
		t.Fatalf("Status = %q, want aborted", rep.Status)
	}
	if !strings.Contains(rep.AbortReason, string(model.FailInvalidTimezone)) {
		t.Errorf("AbortReason = %q", rep.AbortReason)
	}
}

func TestPipeline_Run_PerItemFetchFailure(t *testing.T) {
	st := store.NewMemory()
	trigger, _ := tokyoFixture(t, st)
	st.FetchErr["midday"] = errors.New("read reset")

	ex := &fakeExtractor{}
	d := &fakeDispatcher{}
	p := newTestPipeline(st, ex, d, Options{})

	rep := p.Run(context.Background(), trigger)

	if rep.Status != model.RunCompleted {
		t.Fatalf("Status = %q, want completed", rep.Status)
	}
	if rep.Succeeded != 2 || rep.Failed() != 1 {
		t.Errorf("Succeeded/Failed = %d/%d, want 2/1", rep.Succeeded, rep.Failed())
	}
	if rep.Failures[0].Kind != model.FailObjectReadError {
		t.Errorf("failure kind = %q", rep.Failures[0].Kind)
	}
}

func TestPipeline_Run_DeadlineExpiryKeepsCompletedResults(t *testing.T) {
	st := store.NewMemory()
	trigger, _ := tokyoFixture(t, st)

	// With one worker, early completes, midday stalls until the run
	// deadline, and late never starts.
	ex := &fakeExtractor{block: map[string]bool{"midday": true}}
	d := &fakeDispatcher{}
	p := newTestPipeline(st, ex, d, Options{
		MaxParallel: 1,
		RunTimeout:  100 * time.Millisecond,
	})

	rep := p.Run(context.Background(), trigger)

	if rep.Status != model.RunCompleted {
		t.Fatalf("Status = %q (%s), want completed", rep.Status, rep.AbortReason)
	}
	if rep.Succeeded != 1 {
		t.Errorf("Succeeded = %d, want 1", rep.Succeeded)
	}
	if rep.Failed() != 2 {
		t.Fatalf("Failed = %d, want 2: %v", rep.Failed(), rep.Failures)
	}
	kinds := map[string]model.FailureKind{}
	for _, f := range rep.Failures {
		kinds[f.MessageID] = f.Kind
	}
	if kinds["midday"] != model.FailTimeout {
		t.Errorf("stalled item kind = %q, want %q", kinds["midday"], model.FailTimeout)
	}
	if kinds["late"] != model.FailTimeout {
		t.Errorf("unstarted item kind = %q, want %q", kinds["late"], model.FailTimeout)
	}

	// The completed result still reaches the digest after expiry.
	if len(d.dispatched) != 1 || len(d.dispatched[0]) != 1 {
		t.Fatalf("dispatched = %v", d.dispatched)
	}
	if d.dispatched[0][0].MessageID != "early" {
		t.Errorf("dispatched = %q, want early", d.dispatched[0][0].MessageID)
	}
	if rep.Delivery.Status != model.DeliveryDelivered {
		t.Errorf("Delivery.Status = %q, want delivered", rep.Delivery.Status)
	}
}

func TestPipeline_Run_DeliveryFailureDoesNotAbort(t *testing.T) {
	for _, status := range []model.DeliveryStatus{model.DeliveryFailed, model.DeliveryRejected} {
		st := store.NewMemory()
		trigger, _ := tokyoFixture(t, st)

		ex := &fakeExtractor{}
		d := &fakeDispatcher{outcome: model.DeliveryOutcome{
			Status: status,
			Error:  "webhook unreachable",
		}}
		p := newTestPipeline(st, ex, d, Options{})

		rep := p.Run(context.Background(), trigger)

		if rep.Status != model.RunCompleted {
			t.Fatalf("%s: Status = %q, want completed", status, rep.Status)
		}
		if rep.Succeeded != 3 || rep.Failed() != 0 {
			t.Errorf("%s: Succeeded/Failed = %d/%d, want 3/0", status, rep.Succeeded, rep.Failed())
		}
		if rep.Delivery.Status != status {
			t.Errorf("Delivery.Status = %q, want %q", rep.Delivery.Status, status)
		}
		if rep.Delivery.Error == "" {
			t.Errorf("%s: Delivery.Error should carry the failure", status)
		}
		if len(d.notices) != 0 {
			t.Errorf("%s: delivery failure must not trigger an error notice", status)
		}
	}
}

func TestPipeline_Run_SerialMatchesParallel(t *testing.T) {
	for _, parallel := range []int{1, 8} {
		st := store.NewMemory()
		trigger, ids := tokyoFixture(t, st)

		ex := &fakeExtractor{}
		d := &fakeDispatcher{}
		p := newTestPipeline(st, ex, d, Options{MaxParallel: parallel})

		rep := p.Run(context.Background(), trigger)

		if rep.Succeeded != 3 {
			t.Errorf("parallel=%d: Succeeded = %d, want 3", parallel, rep.Succeeded)
		}
		for i, id := range ids {
			if d.dispatched[0][i].MessageID != id {
				t.Errorf("parallel=%d: results[%d] = %q, want %q", parallel, i, d.dispatched[0][i].MessageID, id)
			}
		}
	}
}
