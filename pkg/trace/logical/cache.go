package logical

import (
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/legion-project/physical-trace/pkg/trace/condition"
	"github.com/legion-project/physical-trace/pkg/trace/runtime"
	"github.com/legion-project/physical-trace/pkg/trace/template"
)

// CachedTemplate pairs a finalized PhysicalTemplate with the
// TraceConditionSets captured alongside it, the unit PhysicalTrace's LRU
// cache stores and evicts as a whole (spec §4.2).
type CachedTemplate struct {
	ID         string
	Template   *template.Template
	Conditions []*condition.ConditionSet
}

// NewCachedTemplate wraps tpl and its condition sets under a fresh id.
func NewCachedTemplate(tpl *template.Template, conditions []*condition.ConditionSet) *CachedTemplate {
	return &CachedTemplate{ID: uuid.NewString(), Template: tpl, Conditions: conditions}
}

// Config tunes PhysicalTrace's cache capacity and warning thresholds (spec
// §4.2).
type Config struct {
	// MaxTemplates is the LRU cache's capacity. Zero means unbounded.
	MaxTemplates int
	// NonReplayableWarnThreshold is the consecutive non-replayable capture
	// count above which a warning is logged.
	NonReplayableWarnThreshold int
	// NewTemplateWarnThreshold is the new-template count above which a
	// warning is logged, signaling mapper choices aren't template-stable.
	NewTemplateWarnThreshold int
}

// PhysicalTrace is the bounded LRU template cache of spec §4.2: it decides
// whether to replay a cached template or begin recording a new one, tracks
// non-replayable/new-template churn, and serializes successive replays via
// its ReplayChain.
type PhysicalTrace struct {
	mu  sync.Mutex
	log *slog.Logger

	cfg Config

	// templates holds the cache MRU-ordered: index 0 is least-recently-used,
	// the last index is most-recently-used.
	templates []*CachedTemplate
	current   *CachedTemplate
	lastMatch *CachedTemplate

	nonReplayableCount int
	newTemplateCount   int

	previousTemplateCompletion runtime.ApEvent
	intermediateExecutionFence bool

	chain *ReplayChain
}

// NewPhysicalTrace returns a PhysicalTrace with an empty cache.
func NewPhysicalTrace(log *slog.Logger, cfg Config) *PhysicalTrace {
	if log == nil {
		log = slog.Default()
	}
	return &PhysicalTrace{log: log, cfg: cfg, chain: NewReplayChain()}
}

// Current returns the template selected by the most recent
// CheckTemplatePreconditions call, or nil if none matched.
func (pt *PhysicalTrace) Current() *CachedTemplate {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	return pt.current
}

// Chain returns the serializer successive replays must acquire (spec §4.2
// "chain_replays").
func (pt *PhysicalTrace) Chain() *ReplayChain {
	return pt.chain
}

// NonReplayableCount reports the consecutive non-replayable capture count.
func (pt *PhysicalTrace) NonReplayableCount() int {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	return pt.nonReplayableCount
}

// NewTemplateCount reports the new-template churn counter.
func (pt *PhysicalTrace) NewTemplateCount() int {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	return pt.newTemplateCount
}

// Len reports the number of templates currently cached.
func (pt *PhysicalTrace) Len() int {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	return len(pt.templates)
}

// Templates returns a snapshot of the cache, MRU last, for introspection
// (e.g. pkg/traceapi's read-only template listing).
func (pt *PhysicalTrace) Templates() []*CachedTemplate {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	return append([]*CachedTemplate(nil), pt.templates...)
}

// TemplateByID returns the cached template with the given id, if present.
func (pt *PhysicalTrace) TemplateByID(id string) (*CachedTemplate, bool) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	for _, ct := range pt.templates {
		if ct.ID == id {
			return ct, true
		}
	}
	return nil, false
}

// CheckTemplatePreconditions scans the cache most-recently-used to
// least-recently-used for the first template whose condition sets all
// currently hold, moving it to the MRU end and installing it as current
// (spec §4.2 "check_template_preconditions"). If none match, current is
// cleared and the caller should begin a new recording.
func (pt *PhysicalTrace) CheckTemplatePreconditions() (*CachedTemplate, bool, error) {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	for i := len(pt.templates) - 1; i >= 0; i-- {
		ct := pt.templates[i]
		matched := true
		for _, cs := range ct.Conditions {
			ok, err := cs.CheckRequire()
			if err != nil {
				return nil, false, fmt.Errorf("physical trace: check template %s preconditions: %w", ct.ID, err)
			}
			if !ok {
				matched = false
				break
			}
		}
		if matched {
			pt.templates = append(pt.templates[:i], pt.templates[i+1:]...)
			pt.templates = append(pt.templates, ct)
			pt.current = ct
			return ct, true, nil
		}
	}
	pt.current = nil
	return nil, false, nil
}

// CaptureComplete implements spec §4.2 "On capture completion": a
// replayable template is pushed to the MRU end and both churn counters
// reset, evicting the LRU entry if the cache is now over capacity; a
// non-replayable template is discarded and counted toward
// nonreplayable_count, warning once the configured threshold is exceeded.
// new_template_count is incremented and checked independently on every
// call, replayable or not, per spec's literal ordering.
func (pt *PhysicalTrace) CaptureComplete(ct *CachedTemplate) error {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	replayable, reason := ct.Template.IsReplayable()

	if replayable {
		pt.templates = append(pt.templates, ct)
		pt.nonReplayableCount = 0
		pt.newTemplateCount = 0
		if pt.cfg.MaxTemplates > 0 && len(pt.templates) > pt.cfg.MaxTemplates {
			evicted := pt.templates[0]
			pt.templates = pt.templates[1:]
			for _, cs := range evicted.Conditions {
				cs.Close()
			}
			pt.log.Debug("physical trace: evicted least-recently-used template", "evicted_id", evicted.ID)
		}
	} else {
		pt.nonReplayableCount++
		if pt.nonReplayableCount > pt.cfg.NonReplayableWarnThreshold {
			pt.log.Warn("physical trace: repeated non-replayable template captures",
				"count", pt.nonReplayableCount, "reason", reason)
		}
		for _, cs := range ct.Conditions {
			cs.Close()
		}
	}

	pt.newTemplateCount++
	if pt.newTemplateCount > pt.cfg.NewTemplateWarnThreshold {
		pt.log.Warn("physical trace: mapper choices are not template-stable", "new_template_count", pt.newTemplateCount)
	}

	if !replayable {
		return fmt.Errorf("%w: %w", ErrTemplateRejected, reason)
	}
	return nil
}

// InvalidateCurrent drops the currently selected template and records an
// intermediate execution fence as a precondition for the next replay (spec
// §4.1 "Trace invalidation"). The original engine's alternative response —
// dispatching a summary operation to stamp postconditions into live
// equivalence sets — requires creating a new Operation, which is outside
// this module's boundary (pkg/trace/runtime only declares the interface);
// this module always takes the fence-recording branch.
func (pt *PhysicalTrace) InvalidateCurrent() {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	pt.current = nil
	pt.intermediateExecutionFence = true
}

// BeginReplay reports the completion event a replay of matched should use
// as its event-slot-0 precondition, and whether this is a recurrent replay
// reusing the previous iteration's completion rather than fresh — which
// happens only when matched is the same template as the last replay and no
// intermediate execution fence was recorded since (spec §4.2 "Recurrent
// replay").
func (pt *PhysicalTrace) BeginReplay(matched *CachedTemplate, fresh runtime.ApEvent) (runtime.ApEvent, bool) {
	pt.mu.Lock()
	defer pt.mu.Unlock()

	recurrent := matched == pt.lastMatch && !pt.intermediateExecutionFence
	pt.intermediateExecutionFence = false
	if recurrent {
		return pt.previousTemplateCompletion, true
	}
	return fresh, false
}

// CompleteReplay records the completion event a replay of matched produced,
// for the next BeginReplay call to consider reusing.
func (pt *PhysicalTrace) CompleteReplay(matched *CachedTemplate, completion runtime.ApEvent) {
	pt.mu.Lock()
	defer pt.mu.Unlock()
	pt.lastMatch = matched
	pt.previousTemplateCompletion = completion
}

// ReplayChain serializes successive replays of a PhysicalTrace's templates
// so that one iteration's state is never clobbered before the previous
// iteration's replay has finished (spec §4.2 "chain_replays").
type ReplayChain struct {
	token chan struct{}
}

// NewReplayChain returns a chain ready for an immediate first Acquire.
func NewReplayChain() *ReplayChain {
	c := &ReplayChain{token: make(chan struct{}, 1)}
	c.token <- struct{}{}
	return c
}

// Acquire blocks until the previous replay has called Release. Replays in
// this module run synchronously start to finish, so a buffered channel
// token is sufficient without a context-cancellable wait.
func (c *ReplayChain) Acquire() {
	<-c.token
}

// Release returns the chain token, allowing the next queued replay to
// Acquire.
func (c *ReplayChain) Release() {
	select {
	case c.token <- struct{}{}:
	default:
	}
}
