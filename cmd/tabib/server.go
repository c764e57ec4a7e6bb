package main

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"io"
	"net"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/chriskillpack/tabib"
	"github.com/chriskillpack/tabib/internal/config"
	"github.com/chriskillpack/tabib/internal/imaging"
	"github.com/chriskillpack/tabib/internal/ui"
	"github.com/chriskillpack/tabib/locale"
)

const (
	// Room for the multipart framing and the other form fields.
	maxRequestSize = imaging.MaxFileSize + 1<<20
	maxFormMemory  = 16 << 20

	healthTimeout = 2 * time.Second
	healthTTL     = 30 * time.Second
	recentLimit   = 20
)

var (
	//go:embed tmpl/*.html
	tmplFS embed.FS

	//go:embed static
	staticFS embed.FS

	indexTmpl *template.Template
)

type Server struct {
	hs     *http.Server
	a      *tabib.Analyzer
	db     *tabib.DB
	health *healthCache
	logger *zap.Logger
}

func init() {
	indexTmpl = template.Must(template.ParseFS(tmplFS, "tmpl/index.html", "tmpl/_result.html"))
}

// NewServer returns a server for a. db may be nil, in which case /stats is
// not served.
func NewServer(a *tabib.Analyzer, db *tabib.DB, cfg config.ServerConfig, logger *zap.Logger) *Server {
	srv := &Server{
		a:      a,
		db:     db,
		health: newHealthCache(a.Describer(), healthTTL),
		logger: logger,
	}

	srv.hs = &http.Server{
		Addr:         net.JoinHostPort(cfg.Host, cfg.Port),
		Handler:      srv.serveHandler(),
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return srv
}

func (s *Server) Start() error {
	s.logger.Info("listening", zap.String("addr", s.hs.Addr))
	return s.hs.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down")
	return s.hs.Shutdown(ctx)
}

func (s *Server) serveHandler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("GET /static/", http.FileServerFS(staticFS))
	mux.Handle("POST /analyze", s.serveAnalyze())
	mux.Handle("POST /api/analyze", s.serveAPIAnalyze())
	mux.Handle("GET /healthz", s.serveHealth())
	mux.Handle("GET /stats", s.serveStats())
	mux.Handle("GET /{$}", s.serveRoot())

	return mux
}

// analysis is the outcome of one form submission.
type analysis struct {
	m    *ui.Machine
	lang locale.Language
	sub  *tabib.Submission
	res  *tabib.Result
	err  error
}

// analyze reads the submitted form and runs it through the pipeline, driving
// the page state machine as it goes.
func (s *Server) analyze(w http.ResponseWriter, req *http.Request) *analysis {
	an := &analysis{
		m:    ui.NewMachine(),
		lang: locale.Match(req.Header.Get("Accept-Language")),
		sub:  &tabib.Submission{},
	}

	req.Body = http.MaxBytesReader(w, req.Body, maxRequestSize)
	formErr := req.ParseMultipartForm(maxFormMemory)
	if formErr == nil {
		an.sub.Image, an.sub.FileName, formErr = readUpload(req)
	}

	// A posted form always carries an image, possibly an empty one which the
	// pipeline rejects.
	s.fire(an.m, ui.Upload)
	s.fire(an.m, ui.Submit)

	switch {
	case formErr != nil:
		an.err = fmt.Errorf("%w: %w", tabib.ErrInvalidImage, formErr)
	default:
		an.sub.Modality = imaging.ParseModality(req.FormValue("modality"))
		an.sub.Question = req.FormValue("question")
		if code := req.FormValue("lang"); code != "" {
			an.sub.Language, an.err = locale.Parse(code)
		} else {
			an.sub.Language = an.lang
		}
	}
	if an.err == nil {
		an.lang = an.sub.Language
		an.res, an.err = s.a.Analyze(req.Context(), an.sub)
	}

	if an.err != nil {
		s.logger.Info("analysis rejected", zap.String("kind", tabib.ErrorKind(an.err)), zap.Error(an.err))
		s.fire(an.m, ui.Fail)
	} else {
		s.fire(an.m, ui.Succeed)
	}
	return an
}

// readUpload returns the uploaded image. A missing file is not an error here,
// it surfaces as an empty image.
func readUpload(req *http.Request) ([]byte, string, error) {
	f, hdr, err := req.FormFile("image")
	if errors.Is(err, http.ErrMissingFile) {
		return nil, "", nil
	}
	if err != nil {
		return nil, "", err
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return nil, "", err
	}
	return data, hdr.Filename, nil
}

func (s *Server) fire(m *ui.Machine, e ui.Event) {
	if err := m.Fire(e); err != nil {
		s.logger.Error("page state", zap.Error(err))
	}
}

func errorStatus(err error) int {
	if errors.Is(err, tabib.ErrModelFailure) {
		return http.StatusBadGateway
	}
	return http.StatusBadRequest
}

func (s *Server) serveAnalyze() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		an := s.analyze(w, req)

		pd := s.newPage(req.Context(), an.lang, an.m)
		pd.Question = an.sub.Question
		pd.Modality = string(imaging.ParseModality(string(an.sub.Modality)))
		status := http.StatusOK
		if an.err != nil {
			pd.Error = tabib.UserMessage(an.err, pd.L)
			status = errorStatus(an.err)
		} else {
			pd.Result = newResultView(an.res, pd.Entry)
		}
		s.render(w, status, pd)
	}
}

type apiResponse struct {
	State      ui.State      `json:"state"`
	History    []ui.State    `json:"history"`
	Result     *tabib.Result `json:"result,omitempty"`
	DurationMS int64         `json:"duration_ms,omitempty"`
	Error      string        `json:"error,omitempty"`
	ErrorKind  string        `json:"error_kind,omitempty"`
}

func (s *Server) serveAPIAnalyze() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		an := s.analyze(w, req)

		resp := apiResponse{
			State:   an.m.State(),
			History: an.m.History(),
		}
		status := http.StatusOK
		if an.err != nil {
			resp.Error = tabib.UserMessage(an.err, &locale.Resolve(an.lang).Labels)
			resp.ErrorKind = tabib.ErrorKind(an.err)
			status = errorStatus(an.err)
		} else {
			resp.Result = an.res
			resp.DurationMS = an.res.Duration.Milliseconds()
		}
		writeJSON(w, status, resp)
	}
}

func (s *Server) serveHealth() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		d := s.a.Describer()
		ctx, cancel := context.WithTimeout(req.Context(), healthTimeout)
		defer cancel()

		healthy := d.IsHealthy(ctx)
		status := http.StatusOK
		if !healthy {
			status = http.StatusServiceUnavailable
		}
		writeJSON(w, status, map[string]any{
			"describer": d.Name(),
			"model":     d.Model(),
			"healthy":   healthy,
		})
	}
}

func (s *Server) serveStats() http.HandlerFunc {
	type recentRow struct {
		RequestID  string    `json:"request_id"`
		CreatedAt  time.Time `json:"created_at"`
		Language   string    `json:"language"`
		Modality   string    `json:"modality"`
		Describer  string    `json:"describer"`
		Model      string    `json:"model"`
		DurationMS int64     `json:"duration_ms"`
		Outcome    string    `json:"outcome"`
		ErrorKind  string    `json:"error_kind,omitempty"`
	}

	return func(w http.ResponseWriter, req *http.Request) {
		if s.db == nil {
			http.Error(w, http.StatusText(http.StatusNotFound), http.StatusNotFound)
			return
		}

		counts, err := s.db.OutcomeCounts(req.Context())
		if err != nil {
			s.logger.Error("outcome counts", zap.Error(err))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}
		recent, err := s.db.RecentAnalyses(req.Context(), recentLimit)
		if err != nil {
			s.logger.Error("recent analyses", zap.Error(err))
			http.Error(w, http.StatusText(http.StatusInternalServerError), http.StatusInternalServerError)
			return
		}

		total := 0
		for _, n := range counts {
			total += n
		}
		rows := make([]recentRow, len(recent))
		for i, a := range recent {
			rows[i] = recentRow{
				RequestID:  a.RequestID,
				CreatedAt:  a.CreatedAt,
				Language:   a.Language,
				Modality:   a.Modality,
				Describer:  a.Describer,
				Model:      a.Model,
				DurationMS: a.Duration.Milliseconds(),
				Outcome:    a.Outcome,
				ErrorKind:  a.ErrorKind.String,
			}
		}
		writeJSON(w, http.StatusOK, map[string]any{
			"total":    total,
			"outcomes": counts,
			"recent":   rows,
		})
	}
}

func (s *Server) serveRoot() http.HandlerFunc {
	return func(w http.ResponseWriter, req *http.Request) {
		lang := locale.Match(req.Header.Get("Accept-Language"))
		if code := req.URL.Query().Get("lang"); code != "" {
			if l, err := locale.Parse(code); err == nil {
				lang = l
			}
		}
		s.render(w, http.StatusOK, s.newPage(req.Context(), lang, ui.NewMachine()))
	}
}

func (s *Server) render(w http.ResponseWriter, status int, pd *pageData) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	w.WriteHeader(status)
	if err := indexTmpl.ExecuteTemplate(w, "index.html", pd); err != nil {
		s.logger.Error("rendering page", zap.Error(err))
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	enc.Encode(v)
}
