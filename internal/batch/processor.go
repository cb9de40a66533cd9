package batch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"ugc/server/internal/history"
	"ugc/server/internal/model"
	"ugc/server/internal/poller"
	"ugc/server/internal/provider"
	"ugc/server/internal/telemetry"
)

const (
	DefaultItemDelay = 2 * time.Second
	DefaultMaxItems  = 100
	canceledMessage  = "canceled"
)

var ErrTooManyItems = errors.New("batch has too many items")

// Generator runs one generation to a terminal state on the caller's
// goroutine.
type Generator interface {
	Generate(ctx context.Context, userID, traceID string, req provider.Request, onUpdate func(poller.Update)) (model.GenerationJob, error)
}

// Template holds the settings shared by every item of a batch.
type Template struct {
	Provider model.ProviderID `json:"provider"`
	Kind     model.JobKind    `json:"kind"`
	Model    string           `json:"model,omitempty"`
	Settings model.Settings   `json:"settings"`
}

func (t Template) request(text string) provider.Request {
	return provider.Request{
		Text:     text,
		Provider: t.Provider,
		Kind:     t.Kind,
		Model:    t.Model,
		Settings: t.Settings,
	}
}

type Options struct {
	Tracker   *history.BatchTracker
	Generator Generator
	// ItemDelay separates consecutive items. Zero means DefaultItemDelay and
	// a negative value disables the pause.
	ItemDelay time.Duration
	MaxItems  int
	Sleep     provider.SleepFunc
	Logger    *slog.Logger
}

type run struct {
	cancel context.CancelFunc
	done   chan struct{}
}

// Processor works through batch items one at a time.
type Processor struct {
	tracker   *history.BatchTracker
	gen       Generator
	itemDelay time.Duration
	maxItems  int
	sleep     provider.SleepFunc
	log       *slog.Logger

	baseCtx  context.Context
	shutdown context.CancelFunc
	wg       sync.WaitGroup

	mu   sync.Mutex
	runs map[string]*run
}

func NewProcessor(opts Options) *Processor {
	switch {
	case opts.ItemDelay == 0:
		opts.ItemDelay = DefaultItemDelay
	case opts.ItemDelay < 0:
		opts.ItemDelay = 0
	}
	if opts.MaxItems <= 0 {
		opts.MaxItems = DefaultMaxItems
	}
	if opts.Sleep == nil {
		opts.Sleep = sleepCtx
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Processor{
		tracker:   opts.Tracker,
		gen:       opts.Generator,
		itemDelay: opts.ItemDelay,
		maxItems:  opts.MaxItems,
		sleep:     opts.Sleep,
		log:       opts.Logger,
		baseCtx:   ctx,
		shutdown:  cancel,
		runs:      map[string]*run{},
	}
}

func runKey(userID, batchID string) string { return userID + ":" + batchID }

// Start stores a new batch and processes it in the background. Blank texts
// are skipped.
func (p *Processor) Start(ctx context.Context, userID, traceID string, texts []string, tmpl Template) (model.BatchJob, error) {
	items := make([]model.BatchItem, 0, len(texts))
	for _, text := range texts {
		text = strings.TrimSpace(text)
		if text == "" {
			continue
		}
		items = append(items, model.BatchItem{Text: text})
	}
	if len(items) == 0 {
		return model.BatchJob{}, history.ErrEmptyBatch
	}
	if len(items) > p.maxItems {
		return model.BatchJob{}, fmt.Errorf("%w: %d > %d", ErrTooManyItems, len(items), p.maxItems)
	}
	for _, it := range items {
		if err := tmpl.request(it.Text).Validate(); err != nil {
			return model.BatchJob{}, err
		}
	}

	batch, err := p.tracker.Create(ctx, userID, model.BatchJob{
		Provider: tmpl.Provider,
		Kind:     tmpl.Kind,
		Model:    tmpl.Model,
		Settings: tmpl.Settings,
		Items:    items,
	})
	if err != nil {
		return model.BatchJob{}, err
	}

	runCtx, cancel := context.WithCancel(p.baseCtx)
	r := &run{cancel: cancel, done: make(chan struct{})}
	p.mu.Lock()
	p.runs[runKey(userID, batch.ID)] = r
	p.wg.Add(1)
	p.mu.Unlock()

	go func() {
		defer p.wg.Done()
		defer close(r.done)
		defer cancel()
		p.process(runCtx, userID, traceID, batch, tmpl)
		p.mu.Lock()
		delete(p.runs, runKey(userID, batch.ID))
		p.mu.Unlock()
	}()
	p.log.Info("batch started", "batch_id", batch.ID, "user_id", userID, "items", len(batch.Items))
	return batch, nil
}

// Cancel stops a running batch and waits until its remaining items are
// marked as canceled. Canceling a finished batch is a no-op.
func (p *Processor) Cancel(ctx context.Context, userID, batchID string) (model.BatchJob, error) {
	p.mu.Lock()
	r, ok := p.runs[runKey(userID, batchID)]
	p.mu.Unlock()
	if ok {
		r.cancel()
		select {
		case <-r.done:
		case <-ctx.Done():
			return model.BatchJob{}, ctx.Err()
		}
	}
	return p.tracker.Get(ctx, userID, batchID)
}

// Remove cancels the batch if it is running and deletes it.
func (p *Processor) Remove(ctx context.Context, userID, batchID string) (bool, error) {
	if _, err := p.Cancel(ctx, userID, batchID); err != nil && !errors.Is(err, history.ErrNotFound) {
		return false, err
	}
	return p.tracker.Remove(ctx, userID, batchID)
}

func (p *Processor) Get(ctx context.Context, userID, batchID string) (model.BatchJob, error) {
	return p.tracker.Get(ctx, userID, batchID)
}

func (p *Processor) List(ctx context.Context, userID string) ([]model.BatchJob, error) {
	return p.tracker.List(ctx, userID)
}

func (p *Processor) Close() {
	p.shutdown()
	p.wg.Wait()
}

func (p *Processor) process(ctx context.Context, userID, traceID string, batch model.BatchJob, tmpl Template) {
	logger := p.log.With("batch_id", batch.ID, "user_id", userID)
	last := len(batch.Items) - 1
	for i, item := range batch.Items {
		if ctx.Err() != nil {
			p.cancelRemaining(userID, batch, i, logger)
			return
		}
		if err := p.processItem(ctx, userID, traceID, batch.ID, item, tmpl, logger); err != nil {
			logger.Error("batch aborted", "item_id", item.ID, "error", err)
			return
		}
		if i == last {
			break
		}
		if err := p.sleep(ctx, p.itemDelay); err != nil {
			p.cancelRemaining(userID, batch, i+1, logger)
			return
		}
	}
	logger.Info("batch finished")
}

// processItem returns an error only when the batch itself can no longer be
// updated. Generation failures are recorded on the item.
func (p *Processor) processItem(ctx context.Context, userID, traceID, batchID string, item model.BatchItem, tmpl Template, logger *slog.Logger) error {
	bg := context.WithoutCancel(ctx)
	if _, err := p.tracker.UpdateItem(bg, userID, batchID, item.ID, history.ItemPatch{
		State:    ptr(model.BatchItemProcessing),
		Progress: ptr(0),
	}); err != nil {
		return err
	}

	lastProgress := 0
	job, err := p.gen.Generate(ctx, userID, traceID, tmpl.request(item.Text), func(u poller.Update) {
		if u.State.IsTerminal() || u.Progress == lastProgress {
			return
		}
		lastProgress = u.Progress
		if _, err := p.tracker.UpdateItem(bg, userID, batchID, item.ID, history.ItemPatch{Progress: ptr(u.Progress)}); err != nil {
			logger.Warn("batch progress update failed", "item_id", item.ID, "error", err)
		}
	})

	var patch history.ItemPatch
	if job.ID != "" {
		patch.JobID = ptr(job.ID)
	}
	switch {
	case err != nil:
		patch.State = ptr(model.BatchItemError)
		patch.Error = ptr(itemError(err))
	case job.State == model.JobSucceeded:
		patch.State = ptr(model.BatchItemCompleted)
		patch.ArtifactURL = ptr(job.Output)
	case job.State == model.JobCanceled:
		patch.State = ptr(model.BatchItemError)
		patch.Error = ptr(canceledMessage)
	default:
		patch.State = ptr(model.BatchItemError)
		patch.Error = ptr(job.Error)
	}
	telemetry.BatchItemsTotal.WithLabelValues(string(*patch.State)).Inc()
	if err != nil {
		logger.Warn("batch item failed", "item_id", item.ID, "error", err)
	}
	_, uErr := p.tracker.UpdateItem(bg, userID, batchID, item.ID, patch)
	return uErr
}

func (p *Processor) cancelRemaining(userID string, batch model.BatchJob, from int, logger *slog.Logger) {
	ctx := context.Background()
	for _, item := range batch.Items[from:] {
		_, err := p.tracker.UpdateItem(ctx, userID, batch.ID, item.ID, history.ItemPatch{
			State: ptr(model.BatchItemError),
			Error: ptr(canceledMessage),
		})
		if err != nil {
			logger.Warn("mark batch item canceled failed", "item_id", item.ID, "error", err)
			return
		}
		telemetry.BatchItemsTotal.WithLabelValues(string(model.BatchItemError)).Inc()
	}
	logger.Info("batch canceled", "remaining", len(batch.Items)-from)
}

func itemError(err error) string {
	if provider.KindOf(err) == provider.KindCanceled {
		return canceledMessage
	}
	var pErr *provider.Error
	if errors.As(err, &pErr) {
		return pErr.UserMessage()
	}
	return err.Error()
}

func ptr[T any](v T) *T { return &v }

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
