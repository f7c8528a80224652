// Package antivirus scans uploads with a ClamAV REST service. Scanning can be
// switched on and off at runtime, but only when a service URL is configured.
package antivirus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/spherical-ai/convertx/internal/config"
)

// ErrUnavailable is returned by Scan when no service URL is configured.
var ErrUnavailable = errors.New("antivirus scanning is not configured")

// formField is the multipart field the REST service reads files from.
const formField = "FILES"

// Result is the verdict for one file.
type Result struct {
	Infected bool
	Viruses  []string
}

// Status is the public state of the scanner.
type Status struct {
	Available bool `json:"available"`
	Enabled   bool `json:"enabled"`
}

// Scanner talks to the ClamAV REST endpoint and holds the runtime toggle.
type Scanner struct {
	httpClient *http.Client
	url        string

	mu      sync.RWMutex
	enabled bool
}

// New creates a scanner from cfg. Without a URL the scanner is unavailable
// and stays disabled.
func New(cfg config.AntivirusConfig) *Scanner {
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = time.Minute
	}
	url := strings.TrimSpace(cfg.URL)
	return &Scanner{
		httpClient: &http.Client{Timeout: timeout},
		url:        url,
		enabled:    url != "" && cfg.EnabledDefault,
	}
}

// Available reports whether a service URL is configured.
func (s *Scanner) Available() bool {
	return s != nil && s.url != ""
}

// Enabled reports whether uploads are currently scanned.
func (s *Scanner) Enabled() bool {
	if !s.Available() {
		return false
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.enabled
}

// SetEnabled turns scanning on or off and returns the resulting status.
// Scanning stays off when the scanner is unavailable.
func (s *Scanner) SetEnabled(enabled bool) Status {
	if s.Available() {
		s.mu.Lock()
		s.enabled = enabled
		s.mu.Unlock()
	}
	return s.Status()
}

// Status returns the current availability and toggle state.
func (s *Scanner) Status() Status {
	return Status{Available: s.Available(), Enabled: s.Enabled()}
}

type scanResponse struct {
	Success bool `json:"success"`
	Data    struct {
		Result []struct {
			Name       string   `json:"name"`
			IsInfected bool     `json:"is_infected"`
			Viruses    []string `json:"viruses"`
		} `json:"result"`
	} `json:"data"`
	Error string `json:"error,omitempty"`
}

// Scan uploads r to the service and returns its verdict. The body is
// streamed, never buffered whole.
func (s *Scanner) Scan(ctx context.Context, name string, r io.Reader) (Result, error) {
	if !s.Available() {
		return Result{}, ErrUnavailable
	}

	pr, pw := io.Pipe()
	mw := multipart.NewWriter(pw)
	go func() {
		part, err := mw.CreateFormFile(formField, name)
		if err == nil {
			_, err = io.Copy(part, r)
		}
		if err == nil {
			err = mw.Close()
		}
		pw.CloseWithError(err)
	}()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.url, pr)
	if err != nil {
		pr.CloseWithError(err)
		return Result{}, fmt.Errorf("create scan request: %w", err)
	}
	req.Header.Set("Content-Type", mw.FormDataContentType())

	resp, err := s.httpClient.Do(req)
	if err != nil {
		pr.CloseWithError(err)
		return Result{}, fmt.Errorf("send scan request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return Result{}, fmt.Errorf("read scan response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return Result{}, fmt.Errorf("scan service returned %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}

	var sr scanResponse
	if err := json.Unmarshal(body, &sr); err != nil {
		return Result{}, fmt.Errorf("decode scan response: %w", err)
	}
	if !sr.Success {
		return Result{}, fmt.Errorf("scan failed: %s", sr.Error)
	}
	if len(sr.Data.Result) == 0 {
		return Result{}, fmt.Errorf("scan service returned no verdict for %s", name)
	}

	var res Result
	for _, f := range sr.Data.Result {
		if f.IsInfected {
			res.Infected = true
			res.Viruses = append(res.Viruses, f.Viruses...)
		}
	}
	return res, nil
}
