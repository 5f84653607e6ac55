package safety

import (
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/wpautohealer/backend/internal/metrics"
)

// FlappingConfig holds the sliding-window admission thresholds.
type FlappingConfig struct {
	CooldownWindow time.Duration // default 10 min
	MaxIncidents   int           // admitted per window per site, default 5
	// EscalationThreshold marks the site escalated once incident count in
	// the window reaches it. Default MaxIncidents + 2.
	EscalationThreshold int
}

// DefaultFlappingConfig returns the engine defaults.
func DefaultFlappingConfig() FlappingConfig {
	return FlappingConfig{
		CooldownWindow:      10 * time.Minute,
		MaxIncidents:        5,
		EscalationThreshold: 7,
	}
}

// Admission is the flapping controller's verdict on a new incident.
type Admission struct {
	Allowed bool
	Reason  string
}

type siteStats struct {
	timestamps []time.Time // incident times inside the window
	attempts   []time.Time // all attempts, admitted or not, inside the window
	escalated  bool
}

// FlappingController throttles incident admission per site with a sliding
// window, preventing remediation storms on a site that keeps failing.
type FlappingController struct {
	mu     sync.Mutex
	cfg    FlappingConfig
	sites  map[string]*siteStats
	logger *log.Logger
	now    func() time.Time
}

// NewFlappingController builds a controller; zero config fields take the
// defaults.
func NewFlappingController(cfg FlappingConfig) *FlappingController {
	def := DefaultFlappingConfig()
	if cfg.CooldownWindow <= 0 {
		cfg.CooldownWindow = def.CooldownWindow
	}
	if cfg.MaxIncidents <= 0 {
		cfg.MaxIncidents = def.MaxIncidents
	}
	if cfg.EscalationThreshold <= 0 {
		cfg.EscalationThreshold = cfg.MaxIncidents + 2
	}
	return &FlappingController{
		cfg:    cfg,
		sites:  make(map[string]*siteStats),
		logger: log.New(log.Writer(), "[FLAPPING] ", log.LstdFlags),
		now:    time.Now,
	}
}

// CanCreateIncident reports whether a new incident for the site may be
// admitted. A refusal counts toward the escalation threshold.
func (f *FlappingController) CanCreateIncident(siteID string) Admission {
	f.mu.Lock()
	defer f.mu.Unlock()

	s := f.site(siteID)
	f.pruneLocked(s)
	s.attempts = append(s.attempts, f.now())

	if len(s.attempts) >= f.cfg.EscalationThreshold && !s.escalated {
		s.escalated = true
		f.logger.Printf("site %s exceeded escalation threshold (%d attempts in window)", siteID, len(s.attempts))
	}

	if len(s.timestamps) >= f.cfg.MaxIncidents {
		metrics.FlappingRefusals.Inc()
		return Admission{
			Allowed: false,
			Reason: fmt.Sprintf("site is flapping: %d incidents in the last %s",
				len(s.timestamps), f.cfg.CooldownWindow),
		}
	}
	return Admission{Allowed: true}
}

// RecordIncident registers an admitted incident's timestamp for the site.
func (f *FlappingController) RecordIncident(siteID, incidentID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.site(siteID)
	f.pruneLocked(s)
	s.timestamps = append(s.timestamps, f.now())
}

// IsFlapping reports whether the site has reached the per-window cap.
func (f *FlappingController) IsFlapping(siteID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	s := f.site(siteID)
	f.pruneLocked(s)
	return len(s.timestamps) >= f.cfg.MaxIncidents
}

// IsEscalated reports whether the site tripped the escalation threshold.
func (f *FlappingController) IsEscalated(siteID string) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.site(siteID).escalated
}

// ResetSite clears all state for a site. Used by tests and admin tooling.
func (f *FlappingController) ResetSite(siteID string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sites, siteID)
}

func (f *FlappingController) site(siteID string) *siteStats {
	s, ok := f.sites[siteID]
	if !ok {
		s = &siteStats{}
		f.sites[siteID] = s
	}
	return s
}

// pruneLocked drops window entries older than the cooldown window.
// Caller holds f.mu.
func (f *FlappingController) pruneLocked(s *siteStats) {
	cutoff := f.now().Add(-f.cfg.CooldownWindow)
	s.timestamps = pruneBefore(s.timestamps, cutoff)
	s.attempts = pruneBefore(s.attempts, cutoff)
}

func pruneBefore(ts []time.Time, cutoff time.Time) []time.Time {
	i := 0
	for ; i < len(ts); i++ {
		if ts[i].After(cutoff) {
			break
		}
	}
	return ts[i:]
}
