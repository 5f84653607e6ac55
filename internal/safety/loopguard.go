package safety

import (
	"log"
	"sync"
	"time"
)

// BoundType names the first bound a loop hit.
type BoundType string

const (
	BoundIterations BoundType = "iterations"
	BoundDuration   BoundType = "duration"
	BoundRetries    BoundType = "retries"
)

// LoopConfig caps one guarded loop.
type LoopConfig struct {
	MaxIterations int           // default 1000
	MaxDuration   time.Duration // default 5 min
	MaxRetries    int           // default 10
}

// DefaultLoopConfig returns the engine defaults.
func DefaultLoopConfig() LoopConfig {
	return LoopConfig{
		MaxIterations: 1000,
		MaxDuration:   5 * time.Minute,
		MaxRetries:    10,
	}
}

// Continuation is the guard's verdict for one loop step.
type Continuation struct {
	CanContinue bool
	Bound       BoundType // set when CanContinue is false
}

type loopCtx struct {
	loopType   string
	iterations int
	retries    int
	startedAt  time.Time
	cfg        LoopConfig
}

// LoopGuard bounds every retry/remediation loop in the engine so a stuck
// incident can never spin forever.
type LoopGuard struct {
	mu     sync.Mutex
	loops  map[string]*loopCtx
	cfg    LoopConfig
	logger *log.Logger
	now    func() time.Time
}

// NewLoopGuard builds a guard; zero config fields take the defaults.
func NewLoopGuard(cfg LoopConfig) *LoopGuard {
	def := DefaultLoopConfig()
	if cfg.MaxIterations <= 0 {
		cfg.MaxIterations = def.MaxIterations
	}
	if cfg.MaxDuration <= 0 {
		cfg.MaxDuration = def.MaxDuration
	}
	if cfg.MaxRetries <= 0 {
		cfg.MaxRetries = def.MaxRetries
	}
	return &LoopGuard{
		loops:  make(map[string]*loopCtx),
		cfg:    cfg,
		logger: log.New(log.Writer(), "[LOOP-GUARD] ", log.LstdFlags),
		now:    time.Now,
	}
}

// StartLoop registers a loop. Starting an existing loop ID resets it.
func (g *LoopGuard) StartLoop(loopID, loopType string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.loops[loopID] = &loopCtx{
		loopType:  loopType,
		startedAt: g.now(),
		cfg:       g.cfg,
	}
}

// CanContinue reports whether the loop may take another step and, when it
// may not, which bound was hit first.
func (g *LoopGuard) CanContinue(loopID string) Continuation {
	g.mu.Lock()
	defer g.mu.Unlock()
	l, ok := g.loops[loopID]
	if !ok {
		// An unregistered loop is treated as freshly started.
		l = &loopCtx{startedAt: g.now(), cfg: g.cfg}
		g.loops[loopID] = l
	}
	switch {
	case l.iterations >= l.cfg.MaxIterations:
		g.logger.Printf("loop %s (%s) hit iteration bound (%d)", loopID, l.loopType, l.iterations)
		return Continuation{Bound: BoundIterations}
	case g.now().Sub(l.startedAt) >= l.cfg.MaxDuration:
		g.logger.Printf("loop %s (%s) hit duration bound (%s)", loopID, l.loopType, l.cfg.MaxDuration)
		return Continuation{Bound: BoundDuration}
	case l.retries >= l.cfg.MaxRetries:
		g.logger.Printf("loop %s (%s) hit retry bound (%d)", loopID, l.loopType, l.retries)
		return Continuation{Bound: BoundRetries}
	}
	return Continuation{CanContinue: true}
}

// RecordIteration counts one loop pass.
func (g *LoopGuard) RecordIteration(loopID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if l, ok := g.loops[loopID]; ok {
		l.iterations++
	}
}

// RecordRetry counts one retry within the loop.
func (g *LoopGuard) RecordRetry(loopID string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if l, ok := g.loops[loopID]; ok {
		l.retries++
	}
}

// CompleteLoop tears the loop context down.
func (g *LoopGuard) CompleteLoop(loopID string, ok bool) {
	g.mu.Lock()
	defer g.mu.Unlock()
	if l, exists := g.loops[loopID]; exists && !ok {
		g.logger.Printf("loop %s (%s) completed unsuccessfully after %d iterations", loopID, l.loopType, l.iterations)
	}
	delete(g.loops, loopID)
}
