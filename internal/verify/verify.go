// Package verify probes WordPress sites over HTTP and turns the response
// into a health verdict the remediation engine can act on.
package verify

import (
	"context"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"time"

	"github.com/wpautohealer/backend/internal/ports"
)

// maxBodyBytes caps how much of a response body is scanned for fault
// markers. WordPress fatal banners appear in the first few KB.
const maxBodyBytes = 64 * 1024

// faultMarkers are body substrings that mean the site is serving an error
// page even when the status code looks fine.
var faultMarkers = []string{
	"Fatal error",
	"Error establishing a database connection",
	"There has been a critical error on this website",
	"Parse error",
	"Warning: Cannot modify header information",
}

// Service is the HTTP verification service.
type Service struct {
	client *http.Client
	logger *log.Logger
}

func NewService(timeout time.Duration) *Service {
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return &Service{
		client: &http.Client{
			Timeout: timeout,
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				if len(via) >= 5 {
					return fmt.Errorf("stopped after 5 redirects")
				}
				return nil
			},
		},
		logger: log.New(log.Writer(), "[VERIFY] ", log.LstdFlags),
	}
}

// Probe issues one GET and returns the status code.
func (s *Service) Probe(ctx context.Context, url string) (int, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return 0, fmt.Errorf("build probe request: %w", err)
	}
	req.Header.Set("User-Agent", "wp-autohealer/1.0")
	resp, err := s.client.Do(req)
	if err != nil {
		return 0, fmt.Errorf("probe %s: %w", url, err)
	}
	defer resp.Body.Close()
	io.Copy(io.Discard, io.LimitReader(resp.Body, maxBodyBytes))
	return resp.StatusCode, nil
}

// VerifySiteHealth fetches the site's front page and reports whether it is
// serving real content. An unreachable site is unhealthy, not an error.
func (s *Service) VerifySiteHealth(ctx context.Context, domain string) (ports.HealthReport, error) {
	url := domain
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		url = "https://" + domain
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return ports.HealthReport{}, fmt.Errorf("build health request: %w", err)
	}
	req.Header.Set("User-Agent", "wp-autohealer/1.0")

	resp, err := s.client.Do(req)
	if err != nil {
		s.logger.Printf("⚠️ %s unreachable: %v", url, err)
		return ports.HealthReport{Healthy: false, Issues: []string{fmt.Sprintf("site unreachable: %v", err)}}, nil
	}
	defer resp.Body.Close()

	report := ports.HealthReport{Healthy: true}
	if resp.StatusCode >= 400 {
		report.Healthy = false
		report.Issues = append(report.Issues, fmt.Sprintf("HTTP %d from %s", resp.StatusCode, url))
	}

	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		report.Healthy = false
		report.Issues = append(report.Issues, fmt.Sprintf("reading response body: %v", err))
		return report, nil
	}
	for _, marker := range faultMarkers {
		if strings.Contains(string(body), marker) {
			report.Healthy = false
			report.Issues = append(report.Issues, fmt.Sprintf("response contains %q", marker))
		}
	}
	if report.Healthy {
		s.logger.Printf("%s healthy (HTTP %d)", url, resp.StatusCode)
	} else {
		s.logger.Printf("⚠️ %s unhealthy: %s", url, strings.Join(report.Issues, "; "))
	}
	return report, nil
}
