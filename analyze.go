package tabib

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/chriskillpack/tabib/describer"
	"github.com/chriskillpack/tabib/disclaimer"
	"github.com/chriskillpack/tabib/internal/imaging"
	"github.com/chriskillpack/tabib/locale"
)

// The three ways an analysis can fail. Callers classify with errors.Is.
var (
	ErrInvalidImage = errors.New("invalid image")
	ErrModelFailure = errors.New("analysis failed")

	ErrUnknownLanguage = locale.ErrUnknownLanguage
)

// Questions longer than this many runes are truncated.
const maxQuestionLen = 500

// Submission is a single request to analyze an image. It is consumed by
// Analyze and not retained.
type Submission struct {
	Image    []byte
	FileName string // optional, checked for a supported extension when set
	Modality imaging.Modality
	Language locale.Language
	Question string // optional
}

// Result is a composed analysis. Text always ends with Disclaimer.
type Result struct {
	ID         string           `json:"id"`
	Language   string           `json:"language"`
	Modality   imaging.Modality `json:"modality"`
	Question   string           `json:"question,omitempty"`
	Answer     string           `json:"answer"`
	Advice     string           `json:"advice"`
	Text       string           `json:"text"`
	Disclaimer string           `json:"disclaimer"`
	Describer  string           `json:"describer"`
	Image      imaging.Info     `json:"image"`
	Duration   time.Duration    `json:"-"`
}

type AnalyzerOptions struct {
	Timeout time.Duration // per analysis, no deadline when zero
	DB      *DB           // optional usage ledger
	Logger  *zap.Logger   // if nil logging is disabled
}

// Analyzer runs the pipeline: resolve the language, prepare the image, ask the
// describer, then localize and compose the answer.
type Analyzer struct {
	d       describer.Describer
	db      *DB
	timeout time.Duration
	logger  *zap.Logger

	now func() time.Time
}

func NewAnalyzer(d describer.Describer, opts AnalyzerOptions) *Analyzer {
	logger := opts.Logger
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Analyzer{
		d:       d,
		db:      opts.DB,
		timeout: opts.Timeout,
		logger:  logger,
		now:     time.Now,
	}
}

func (a *Analyzer) Describer() describer.Describer { return a.d }

// Analyze runs sub through the pipeline. Errors wrap exactly one of
// ErrInvalidImage, ErrModelFailure or ErrUnknownLanguage.
func (a *Analyzer) Analyze(ctx context.Context, sub *Submission) (*Result, error) {
	start := a.now()
	res := &Result{
		ID:        uuid.NewString(),
		Modality:  imaging.ParseModality(string(sub.Modality)),
		Question:  strings.TrimSpace(sub.Question),
		Describer: a.d.Name(),
	}
	logger := a.logger.With(zap.String("request_id", res.ID))

	res, err := a.analyze(ctx, sub, res)
	took := a.now().Sub(start)

	a.record(ctx, res, sub.Language, took, err)
	if err != nil {
		logger.Warn("analysis failed",
			zap.String("kind", ErrorKind(err)),
			zap.Duration("took", took),
			zap.Error(err))
		return nil, err
	}

	res.Duration = took
	logger.Info("analysis complete",
		zap.String("language", res.Language),
		zap.String("modality", string(res.Modality)),
		zap.Duration("took", took))
	return res, nil
}

func (a *Analyzer) analyze(ctx context.Context, sub *Submission, res *Result) (*Result, error) {
	if sub.Language < 0 || int(sub.Language) >= len(locale.Languages()) {
		return res, fmt.Errorf("%w: %d", ErrUnknownLanguage, int(sub.Language))
	}
	entry := locale.Resolve(sub.Language)
	res.Language = entry.Code

	if sub.FileName != "" && !imaging.SupportedExtension(sub.FileName) {
		return res, fmt.Errorf("%w: %w %q", ErrInvalidImage, imaging.ErrUnsupportedFormat, sub.FileName)
	}
	if q := []rune(res.Question); len(q) > maxQuestionLen {
		res.Question = string(q[:maxQuestionLen])
	}

	// Validation happens before the describer is invoked so a bad upload
	// never costs a model call.
	prepared, err := imaging.Prepare(sub.Image)
	if err != nil {
		return res, fmt.Errorf("%w: %w", ErrInvalidImage, err)
	}
	res.Image = prepared.Info

	prompt, err := entry.Prompt(res.Modality.Name(), res.Question)
	if err != nil {
		return res, fmt.Errorf("%w: rendering prompt: %w", ErrModelFailure, err)
	}

	if a.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, a.timeout)
		defer cancel()
	}
	answer, err := a.d.DescribeImage(ctx, prepared.Data, prompt)
	if err != nil {
		return res, fmt.Errorf("%w: %w", ErrModelFailure, err)
	}
	answer = strings.TrimSpace(answer)
	if answer == "" {
		return res, fmt.Errorf("%w: empty answer from %s", ErrModelFailure, a.d.Name())
	}

	res.Answer = entry.Localize(answer)
	res.Advice = disclaimer.Advice(answer, entry)
	body := res.Answer
	if res.Advice != "" {
		body += "\n\n" + res.Advice
	}
	res.Disclaimer = entry.Disclaimer
	res.Text = disclaimer.Compose(body, entry.Disclaimer)

	return res, nil
}

// record writes the outcome to the ledger, if there is one. Ledger errors
// are logged and otherwise ignored.
func (a *Analyzer) record(ctx context.Context, res *Result, lang locale.Language, took time.Duration, err error) {
	if a.db == nil {
		return
	}

	row := &Analysis{
		RequestID: res.ID,
		CreatedAt: a.now(),
		Language:  languageCode(lang),
		Modality:  string(res.Modality),
		Describer: a.d.Name(),
		Model:     a.d.Model(),
		Duration:  took,
		Outcome:   OutcomeSuccess,
	}
	if err != nil {
		row.Outcome = OutcomeFailure
		row.ErrorKind = sql.NullString{String: ErrorKind(err), Valid: true}
	}

	// The request may already be cancelled, the row should still land.
	if dberr := a.db.InsertAnalysis(context.WithoutCancel(ctx), row); dberr != nil {
		a.logger.Error("recording analysis", zap.String("request_id", res.ID), zap.Error(dberr))
	}
}

func languageCode(l locale.Language) string {
	if l < 0 || int(l) >= len(locale.Languages()) {
		return "unknown"
	}
	return l.Code()
}

// ErrorKind returns a short machine readable name for err's class. Nil
// errors have no kind.
func ErrorKind(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, ErrInvalidImage):
		return "invalid_image"
	case errors.Is(err, ErrModelFailure):
		return "model_failure"
	case errors.Is(err, ErrUnknownLanguage):
		return "unknown_language"
	}
	return "unknown"
}

// UserMessage returns the localized message shown for err.
func UserMessage(err error, labels *locale.Labels) string {
	switch {
	case errors.Is(err, ErrInvalidImage):
		return labels.ErrInvalidImage
	case errors.Is(err, ErrUnknownLanguage):
		return labels.ErrUnknownLanguage
	}
	return labels.ErrModelFailure
}
