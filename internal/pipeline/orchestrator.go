package pipeline

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/kensaku-ai/kensaku/internal/config"
	"github.com/kensaku-ai/kensaku/internal/events"
	"github.com/kensaku-ai/kensaku/internal/metrics"
	"github.com/kensaku-ai/kensaku/internal/search"
	"github.com/kensaku-ai/kensaku/internal/store"
)

// Answer sent instead of running retrieval when content policy enforcement
// is on and the classifier flagged the query.
const refusalMessage = "I can't help with that request."

// Searcher is the boundary to the search collaborator.
type Searcher interface {
	Search(ctx context.Context, query string, categories []string) (search.TopResults, error)
}

// Fetcher retrieves pages for the top-ranked results, one text per URL.
type Fetcher interface {
	FetchAll(ctx context.Context, urls []string) []string
}

// Orchestrator sequences one turn through classification, search, fetch,
// synthesis and persistence, emitting events along the way. It holds no
// per-run state; everything a run touches lives in its run context.
type Orchestrator struct {
	cfg         config.Config
	store       store.Store
	searcher    Searcher
	fetcher     Fetcher
	classifier  *Classifier
	synthesizer *Synthesizer
	emitter     Emitter
	logger      *zap.Logger
}

func NewOrchestrator(cfg config.Config, st store.Store, searcher Searcher, fetcher Fetcher, classifier *Classifier, synthesizer *Synthesizer, emitter Emitter, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		cfg:         cfg,
		store:       st,
		searcher:    searcher,
		fetcher:     fetcher,
		classifier:  classifier,
		synthesizer: synthesizer,
		emitter:     emitter,
		logger:      logger,
	}
}

// run carries the working state of one turn through the stages. It is
// built at run start and discarded at run end; no state in it is visible
// to any other run.
type run struct {
	threadID  string
	utterance string
	history   []string
	enriched  EnrichedQuery
	meta      store.Metadata
	web       []store.WebResult
	docs      []string
	mediums   []store.Medium
	answer    string
	logger    *zap.Logger
}

func (r *run) record() store.ChatRecord {
	return store.ChatRecord{
		ID:         uuid.NewString(),
		ThreadID:   r.threadID,
		Mediums:    r.mediums,
		WebResults: r.web,
		Query:      r.utterance,
		Answer:     r.answer,
		Metadata:   r.meta,
		CreatedAt:  time.Now().UTC().Format(time.RFC3339),
	}
}

// Run resolves one user turn. On success it returns the id of the
// persisted chat record. On failure no record is persisted, an error
// event is emitted best-effort, and the error propagates to the caller.
func (o *Orchestrator) Run(ctx context.Context, threadID, utterance string) (string, error) {
	started := time.Now()
	r := &run{
		threadID:  threadID,
		utterance: utterance,
		logger:    o.logger.With(zap.String("thread_id", threadID)),
	}

	recordID, err := o.resolve(ctx, r)
	if err != nil {
		metrics.RunsTotal.WithLabelValues("failed").Inc()
		r.logger.Error("run failed", zap.Error(err), zap.Duration("elapsed", time.Since(started)))
		o.emitError(ctx, threadID, err)
		return "", err
	}

	metrics.RunsTotal.WithLabelValues("done").Inc()
	r.logger.Info("run done", zap.String("record_id", recordID), zap.Duration("elapsed", time.Since(started)))
	return recordID, nil
}

func (o *Orchestrator) resolve(ctx context.Context, r *run) (string, error) {
	if err := o.loadHistory(ctx, r); err != nil {
		return "", err
	}

	if err := o.stage(r, "classifying", func() error { return o.classify(ctx, r) }); err != nil {
		return "", err
	}
	r.meta = store.Metadata{HasMath: r.enriched.Tags.HasMath}

	if o.cfg.EnforceContentPolicy && r.enriched.Tags.ContentViolation {
		return o.refuse(ctx, r)
	}

	if err := o.stage(r, "searching", func() error { return o.searchGeneral(ctx, r) }); err != nil {
		return "", err
	}

	// Clients must see the result list before any grounded answer text.
	if err := o.emitter.Emit(ctx, r.threadID, events.TypeWebResults, r.web); err != nil {
		return "", fmt.Errorf("emit web results: %w", err)
	}

	if err := o.stage(r, "fetching", func() error { return o.gather(ctx, r) }); err != nil {
		return "", err
	}

	if err := o.stage(r, "synthesizing", func() error { return o.synthesize(ctx, r) }); err != nil {
		return "", err
	}

	record := r.record()
	if err := o.stage(r, "persisting", func() error {
		pctx, cancel := context.WithTimeout(ctx, o.persistTimeout())
		defer cancel()
		return o.store.SaveChatRecord(pctx, record)
	}); err != nil {
		return "", err
	}

	o.emitDone(ctx, r, record.ID)
	return record.ID, nil
}

// loadHistory pulls the prior user turns for the thread into the run's
// working view, capped at the configured turn count. The view is local to
// this run; the turn itself is persisted only through the final record.
func (o *Orchestrator) loadHistory(ctx context.Context, r *run) error {
	lctx, cancel := context.WithTimeout(ctx, o.persistTimeout())
	defer cancel()

	records, err := o.store.ListChatRecords(lctx, r.threadID)
	if err != nil {
		return fmt.Errorf("load chat history: %w", err)
	}

	history := make([]string, 0, len(records))
	for _, rec := range records {
		history = append(history, rec.Query)
	}
	if max := o.cfg.HistoryMaxTurns; max > 0 && len(history) > max {
		history = history[len(history)-max:]
	}
	r.history = history
	return nil
}

func (o *Orchestrator) classify(ctx context.Context, r *run) error {
	cctx, cancel := context.WithTimeout(ctx, o.timeout(o.cfg.ClassifyTimeoutSeconds))
	defer cancel()

	enriched, err := o.classifier.Classify(cctx, r.history, r.utterance)
	if err != nil {
		return err
	}
	r.enriched = enriched
	r.logger.Info("query classified",
		zap.String("search_query", enriched.SearchQuery),
		zap.Bool("needs_image", enriched.Tags.NeedsImage),
		zap.Bool("needs_video", enriched.Tags.NeedsVideo),
		zap.Bool("has_math", enriched.Tags.HasMath))
	return nil
}

// searchGeneral joins two members: the metadata event emission and the
// general-category search. Metadata must not wait on search. General
// search always runs; the needs_search tag is advisory only.
func (o *Orchestrator) searchGeneral(ctx context.Context, r *run) error {
	var results search.TopResults

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		if err := o.emitter.Emit(groupCtx, r.threadID, events.TypeMetadata, r.meta); err != nil {
			return fmt.Errorf("emit metadata: %w", err)
		}
		return nil
	})
	group.Go(func() error {
		sctx, cancel := context.WithTimeout(groupCtx, o.timeout(o.cfg.SearchTimeoutSeconds))
		defer cancel()

		var err error
		results, err = o.searcher.Search(sctx, r.enriched.SearchQuery, []string{search.CategoryGeneral})
		if err != nil {
			return fmt.Errorf("general search: %w", err)
		}
		return nil
	})
	if err := group.Wait(); err != nil {
		return err
	}

	web := results.General
	if k := o.cfg.TopResults; k > 0 && len(web) > k {
		web = web[:k]
	}
	if web == nil {
		web = []store.WebResult{}
	}
	r.web = web
	return nil
}

// gather joins two members: the concurrent page fetch over the trimmed
// results and the media search. The media member resolves to an explicitly
// empty result set when neither images nor videos are needed.
func (o *Orchestrator) gather(ctx context.Context, r *run) error {
	var media search.TopResults

	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		urls := make([]string, len(r.web))
		for i, res := range r.web {
			urls[i] = res.URL
		}
		r.docs = o.fetcher.FetchAll(groupCtx, urls)
		return nil
	})
	group.Go(func() error {
		categories := mediaCategories(r.enriched.Tags)
		if len(categories) == 0 {
			return nil
		}
		sctx, cancel := context.WithTimeout(groupCtx, o.timeout(o.cfg.SearchTimeoutSeconds))
		defer cancel()

		var err error
		media, err = o.searcher.Search(sctx, r.enriched.SearchQuery, categories)
		if err != nil {
			return fmt.Errorf("media search: %w", err)
		}
		return nil
	})
	if err := group.Wait(); err != nil {
		return err
	}

	r.mediums = flattenMediums(media)
	return nil
}

// synthesize joins two members: answer streaming and the medium-results
// event. Fragments and the medium event may interleave; neither blocks
// the other beyond starting together.
func (o *Orchestrator) synthesize(ctx context.Context, r *run) error {
	group, groupCtx := errgroup.WithContext(ctx)
	group.Go(func() error {
		sctx, cancel := context.WithTimeout(groupCtx, o.timeout(o.cfg.SynthesisTimeoutSeconds))
		defer cancel()

		answer, err := o.synthesizer.Synthesize(sctx, r.history, r.docs, r.utterance, func(fragment string) error {
			return o.emitter.Emit(groupCtx, r.threadID, events.TypeAnswer, map[string]any{"text": fragment})
		})
		if err != nil {
			return fmt.Errorf("answer synthesis: %w", err)
		}
		r.answer = answer
		return nil
	})
	group.Go(func() error {
		if err := o.emitter.Emit(groupCtx, r.threadID, events.TypeMediumResults, r.mediums); err != nil {
			return fmt.Errorf("emit medium results: %w", err)
		}
		return nil
	})
	return group.Wait()
}

// refuse handles a policy-flagged query without touching search or the
// answer model: the client still receives the full event sequence, with
// empty result sets and a fixed refusal as the only answer fragment, and
// the record is persisted with that refusal.
func (o *Orchestrator) refuse(ctx context.Context, r *run) (string, error) {
	r.logger.Info("content policy enforced, skipping retrieval")

	r.web = []store.WebResult{}
	r.mediums = []store.Medium{}
	r.answer = refusalMessage

	if err := o.emitter.Emit(ctx, r.threadID, events.TypeMetadata, r.meta); err != nil {
		return "", fmt.Errorf("emit metadata: %w", err)
	}
	if err := o.emitter.Emit(ctx, r.threadID, events.TypeWebResults, r.web); err != nil {
		return "", fmt.Errorf("emit web results: %w", err)
	}
	if err := o.emitter.Emit(ctx, r.threadID, events.TypeMediumResults, r.mediums); err != nil {
		return "", fmt.Errorf("emit medium results: %w", err)
	}
	if err := o.emitter.Emit(ctx, r.threadID, events.TypeAnswer, map[string]any{"text": refusalMessage}); err != nil {
		return "", fmt.Errorf("emit answer: %w", err)
	}

	record := r.record()
	if err := o.stage(r, "persisting", func() error {
		pctx, cancel := context.WithTimeout(ctx, o.persistTimeout())
		defer cancel()
		return o.store.SaveChatRecord(pctx, record)
	}); err != nil {
		return "", err
	}

	o.emitDone(ctx, r, record.ID)
	return record.ID, nil
}

// emitDone signals end-of-stream. The record is already persisted at this
// point, so a delivery failure downgrades to a warning.
func (o *Orchestrator) emitDone(ctx context.Context, r *run, recordID string) {
	if err := o.emitter.Emit(ctx, r.threadID, events.TypeDone, map[string]any{"record_id": recordID}); err != nil {
		r.logger.Warn("failed to emit done event", zap.Error(err))
	}
}

func (o *Orchestrator) emitError(ctx context.Context, threadID string, runErr error) {
	ectx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()

	if err := o.emitter.Emit(ectx, threadID, events.TypeError, map[string]any{"message": runErr.Error()}); err != nil {
		o.logger.Warn("failed to emit error event", zap.String("thread_id", threadID), zap.Error(err))
	}
}

func (o *Orchestrator) stage(r *run, name string, fn func() error) error {
	r.logger.Debug("stage started", zap.String("stage", name))
	start := time.Now()
	err := fn()
	metrics.StageDuration.WithLabelValues(name).Observe(time.Since(start).Seconds())
	if err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

func (o *Orchestrator) timeout(seconds int) time.Duration {
	return time.Duration(seconds) * time.Second
}

func (o *Orchestrator) persistTimeout() time.Duration {
	return o.timeout(o.cfg.PersistTimeoutSeconds)
}

func mediaCategories(tags QueryTags) []string {
	var categories []string
	if tags.NeedsImage {
		categories = append(categories, search.CategoryImages)
	}
	if tags.NeedsVideo {
		categories = append(categories, search.CategoryVideos)
	}
	return categories
}

// flattenMediums joins image and video results into the wire order the
// client expects: images first, then videos.
func flattenMediums(results search.TopResults) []store.Medium {
	mediums := make([]store.Medium, 0, len(results.Images)+len(results.Videos))
	mediums = append(mediums, results.Images...)
	mediums = append(mediums, results.Videos...)
	return mediums
}
