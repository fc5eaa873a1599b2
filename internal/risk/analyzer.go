package risk

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mbd888/cadence/internal/features"
	"github.com/mbd888/cadence/internal/syncutil"
	"github.com/mbd888/cadence/internal/traces"
)

const maxFeedback = 20

// Config tunes per-user enrollment.
type Config struct {
	// MinProfileSamples is how many exemplars a profile needs before its
	// baseline is fitted.
	MinProfileSamples int
	// MaxExemplars bounds the exemplars kept per profile; the oldest are dropped.
	MaxExemplars int
	// LearnBelowRisk gates continuous enrollment: only samples scoring
	// below it become exemplars.
	LearnBelowRisk float64
}

// DefaultConfig returns the default enrollment settings.
func DefaultConfig() Config {
	return Config{
		MinProfileSamples: DefaultMinProfileSamples,
		MaxExemplars:      DefaultMaxExemplars,
		LearnBelowRisk:    DefaultLearnBelowRisk,
	}
}

// profile is immutable once published; updates build a new value.
type profile struct {
	latest    features.Vector
	exemplars []features.Vector
	baseline  *Baseline
	feedback  []Feedback
	updatedAt time.Time
}

// withSample is the pure refit step: it returns a new profile with v
// appended as an exemplar and the baseline refitted over the retained set.
func (p *profile) withSample(v features.Vector, cfg Config) *profile {
	next := p.clone()
	if !v.Empty() {
		next.exemplars = append(next.exemplars, v)
		if cfg.MaxExemplars > 0 && len(next.exemplars) > cfg.MaxExemplars {
			next.exemplars = next.exemplars[len(next.exemplars)-cfg.MaxExemplars:]
		}
	}
	next.baseline = nil
	if len(next.exemplars) >= cfg.MinProfileSamples {
		if b, err := FitBaseline(next.exemplars); err == nil {
			next.baseline = b
		}
	}
	return next
}

func (p *profile) clone() *profile {
	next := &profile{
		latest:    p.latest,
		exemplars: make([]features.Vector, len(p.exemplars), len(p.exemplars)+1),
		baseline:  p.baseline,
		feedback:  make([]Feedback, len(p.feedback)),
		updatedAt: time.Now(),
	}
	copy(next.exemplars, p.exemplars)
	copy(next.feedback, p.feedback)
	return next
}

// ProfileSummary is a read-only view of a user profile.
type ProfileSummary struct {
	UserID    string    `json:"userId"`
	Exemplars int       `json:"exemplars"`
	Trained   bool      `json:"trained"`
	Feedback  int       `json:"feedback"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// Stats summarizes model state.
type Stats struct {
	Profiles      int  `json:"profilesTotal"`
	Trained       int  `json:"profilesTrained"`
	GlobalTrained bool `json:"globalModelTrained"`
}

// Analyzer owns the per-user profile table and the population model.
// It is safe for concurrent use.
type Analyzer struct {
	cfg    Config
	store  SampleStore
	logger *slog.Logger

	userLocks syncutil.ShardedMutex

	mu       sync.RWMutex
	profiles map[string]*profile

	global atomic.Pointer[Classifier]
}

// NewAnalyzer creates an analyzer. Call Load before serving traffic to
// restore the population model from store.
func NewAnalyzer(cfg Config, store SampleStore, logger *slog.Logger) *Analyzer {
	if cfg.MinProfileSamples <= 0 {
		cfg.MinProfileSamples = DefaultMinProfileSamples
	}
	if cfg.MaxExemplars <= 0 {
		cfg.MaxExemplars = DefaultMaxExemplars
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Analyzer{
		cfg:      cfg,
		store:    store,
		logger:   logger,
		profiles: make(map[string]*profile),
	}
}

// Load fits the population model from the persisted training samples.
// Fewer than two stored samples leaves the model untrained.
func (a *Analyzer) Load(ctx context.Context) error {
	if a.store == nil {
		return nil
	}
	samples, err := a.store.LoadSamples(ctx)
	if err != nil {
		return fmt.Errorf("load training samples: %w", err)
	}
	c, err := FitClassifier(samples)
	if err != nil {
		a.logger.Info("global model untrained", "samples", len(samples))
		return nil
	}
	a.global.Store(c)
	a.logger.Info("global model loaded", "samples", len(samples), "classes", len(c.Classes()))
	return nil
}

// Score rates v for userID. A trained per-user baseline takes precedence;
// otherwise the population model is used, and an untrained population model
// scores 0. Scoring never fails: unexpected errors degrade to a zero score.
func (a *Analyzer) Score(ctx context.Context, v features.Vector, userID string) (result Assessment) {
	_, span := traces.StartSpan(ctx, "risk.Score", traces.UserID(userID))
	defer span.End()

	result = Assessment{Explanation: Explanation{Source: SourceNone}, EvaluatedAt: time.Now()}
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error("risk scoring panicked", "user", userID, "panic", r)
			result = Assessment{Explanation: Explanation{Source: SourceNone}, EvaluatedAt: time.Now()}
		}
		span.SetAttributes(traces.RiskScore(result.Score), traces.RiskSource(string(result.Explanation.Source)))
	}()

	if v.Empty() {
		return result
	}

	if p := a.lookup(userID); p != nil && p.baseline != nil {
		if d, top, ok := p.baseline.Distance(v); ok {
			result.Score = round3(normalize(d))
			result.Explanation = Explanation{Source: SourceUser, TopFeatures: top}
			return result
		}
	}

	if c := a.global.Load(); c != nil {
		result.Score = round3(c.Risk(v))
		result.Explanation = Explanation{Source: SourceGlobal}
	}
	return result
}

// EnsureProfile creates an empty profile for userID if none exists and
// reports whether it was created.
func (a *Analyzer) EnsureProfile(userID string) bool {
	if userID == "" {
		return false
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if _, ok := a.profiles[userID]; ok {
		return false
	}
	a.profiles[userID] = &profile{updatedAt: time.Now()}
	return true
}

// Observe records a scored sample as the profile's latest vector, creating
// the profile if needed. Samples scoring below the enrollment gate are also
// learned as exemplars.
func (a *Analyzer) Observe(userID string, v features.Vector, score float64) {
	if userID == "" {
		return
	}
	learn := !v.Empty() && score < a.cfg.LearnBelowRisk
	a.apply(userID, func(p *profile) *profile {
		var next *profile
		if learn {
			next = p.withSample(v, a.cfg)
		} else {
			next = p.clone()
		}
		next.latest = v
		return next
	})
}

// Update merges v into the user's profile and refits the baseline, creating
// the profile if absent. Feedback is recorded as advisory metadata only.
func (a *Analyzer) Update(userID string, v features.Vector, fb *Feedback) {
	if userID == "" {
		return
	}
	a.apply(userID, func(p *profile) *profile {
		next := p.withSample(v, a.cfg)
		if !v.Empty() {
			next.latest = v
		}
		if fb != nil {
			entry := *fb
			if entry.ReceivedAt.IsZero() {
				entry.ReceivedAt = time.Now()
			}
			next.feedback = append(next.feedback, entry)
			if len(next.feedback) > maxFeedback {
				next.feedback = next.feedback[len(next.feedback)-maxFeedback:]
			}
		}
		return next
	})
}

// Fit adds v to the user's training exemplars and refits.
func (a *Analyzer) Fit(userID string, v features.Vector) {
	a.Update(userID, v, nil)
}

// apply runs one copy-on-write transition for userID. Transitions for the
// same user are serialized; the table lock is only held to swap pointers.
func (a *Analyzer) apply(userID string, transition func(*profile) *profile) {
	unlock := a.userLocks.Lock(userID)
	defer unlock()

	current := a.lookup(userID)
	if current == nil {
		current = &profile{}
	}
	next := transition(current)

	a.mu.Lock()
	a.profiles[userID] = next
	a.mu.Unlock()
}

func (a *Analyzer) lookup(userID string) *profile {
	if userID == "" {
		return nil
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.profiles[userID]
}

// FitGlobal trains the population model on labelled samples and persists
// them so Load can restore the model after a restart.
func (a *Analyzer) FitGlobal(ctx context.Context, samples []LabeledSample) error {
	ctx, span := traces.StartSpan(ctx, "risk.FitGlobal")
	defer span.End()

	c, err := FitClassifier(samples)
	if err != nil {
		return err
	}
	if a.store != nil {
		if err := a.store.ReplaceSamples(ctx, samples); err != nil {
			return fmt.Errorf("persist training samples: %w", err)
		}
	}
	a.global.Store(c)
	a.logger.Info("global model trained", "samples", c.samples, "classes", len(c.classes))
	return nil
}

// GlobalTrained reports whether the population model is available.
func (a *Analyzer) GlobalTrained() bool { return a.global.Load() != nil }

// Profile returns a summary of the user's profile.
func (a *Analyzer) Profile(userID string) (ProfileSummary, bool) {
	p := a.lookup(userID)
	if p == nil {
		return ProfileSummary{}, false
	}
	return ProfileSummary{
		UserID:    userID,
		Exemplars: len(p.exemplars),
		Trained:   p.baseline != nil,
		Feedback:  len(p.feedback),
		UpdatedAt: p.updatedAt,
	}, true
}

// Stats returns profile and model counts.
func (a *Analyzer) Stats() Stats {
	a.mu.RLock()
	defer a.mu.RUnlock()
	s := Stats{Profiles: len(a.profiles), GlobalTrained: a.global.Load() != nil}
	for _, p := range a.profiles {
		if p.baseline != nil {
			s.Trained++
		}
	}
	return s
}
