package main

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/chriskillpack/tabib"
	"github.com/chriskillpack/tabib/describer"
	"github.com/chriskillpack/tabib/internal/imaging"
	"github.com/chriskillpack/tabib/internal/ui"
	"github.com/chriskillpack/tabib/locale"
)

type option struct {
	Value string
	Label string
}

type pageData struct {
	Entry *locale.Entry
	L     *locale.Labels
	State ui.State

	// Only a page showing a result or an error has an output region.
	Displaying bool

	Languages  []option
	Modalities []option

	// Echo of the submitted form.
	Lang     string
	Modality string
	Question string

	Result *resultView
	Error  string
	Status statusView
}

type resultView struct {
	Question  string
	Modality  string
	Text      string
	ImageInfo string
	Duration  string
}

type statusView struct {
	Describer string
	Model     string
	Healthy   bool
	Ledger    bool
	Analyses  int
}

func (s *Server) newPage(ctx context.Context, lang locale.Language, m *ui.Machine) *pageData {
	entry := locale.Resolve(lang)
	pd := &pageData{
		Entry:      entry,
		L:          &entry.Labels,
		State:      m.State(),
		Displaying: m.Displaying(),
		Lang:       entry.Code,
		Modality:   string(imaging.Photo),
		Status:     s.status(ctx),
	}
	for _, l := range locale.Languages() {
		le := locale.Resolve(l)
		pd.Languages = append(pd.Languages, option{le.Code, le.Name})
	}
	for _, mod := range imaging.Modalities() {
		pd.Modalities = append(pd.Modalities, option{string(mod), entry.ModalityName(string(mod))})
	}

	return pd
}

// healthCache remembers the describer's health for ttl so that page renders
// do not each ask the backend. /healthz always asks.
type healthCache struct {
	d   describer.Describer
	ttl time.Duration

	mu      sync.Mutex // held across the check, concurrent renders share it
	checked time.Time
	healthy bool

	now func() time.Time
}

func newHealthCache(d describer.Describer, ttl time.Duration) *healthCache {
	return &healthCache{d: d, ttl: ttl, now: time.Now}
}

func (h *healthCache) IsHealthy(ctx context.Context) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	if now := h.now(); h.checked.IsZero() || now.Sub(h.checked) >= h.ttl {
		ctx, cancel := context.WithTimeout(ctx, healthTimeout)
		defer cancel()
		h.healthy = h.d.IsHealthy(ctx)
		h.checked = now
	}
	return h.healthy
}

func (s *Server) status(ctx context.Context) statusView {
	d := s.a.Describer()
	st := statusView{
		Describer: d.Name(),
		Model:     d.Model(),
		Healthy:   s.health.IsHealthy(ctx),
	}
	if s.db != nil {
		n, err := s.db.CountAnalyses(ctx)
		if err != nil {
			s.logger.Warn("counting analyses", zap.Error(err))
		} else {
			st.Ledger = true
			st.Analyses = n
		}
	}
	return st
}

func newResultView(res *tabib.Result, entry *locale.Entry) *resultView {
	return &resultView{
		Question:  res.Question,
		Modality:  entry.ModalityName(string(res.Modality)),
		Text:      res.Text,
		ImageInfo: fmt.Sprintf("%d×%d %s, %.1f KB", res.Image.Width, res.Image.Height, res.Image.Format, float64(res.Image.Size)/1024),
		Duration:  fmt.Sprintf("%.2fs", res.Duration.Round(10*time.Millisecond).Seconds()),
	}
}
