// Package locale holds the static localization table: UI labels, the prompt
// sent to the model, the disclaimer and advice lines for each supported
// language, and the medical glossary used for Egyptian Arabic output.
package locale

import (
	"embed"
	"errors"
	"fmt"
	"regexp"
	"slices"
	"strings"
	"text/template"

	"golang.org/x/text/language"
	"gopkg.in/yaml.v3"
)

// Language is one of the two supported languages.
type Language int

const (
	English Language = iota
	EgyptianArabic

	numLanguages
)

var ErrUnknownLanguage = errors.New("unknown language")

//go:embed tables/*.yaml
var tablesFS embed.FS

var (
	entries [numLanguages]*Entry

	tableFiles = [numLanguages]string{
		English:        "tables/en.yaml",
		EgyptianArabic: "tables/ar.yaml",
	}

	// Tags are in the same order as Language values.
	matcher = language.NewMatcher([]language.Tag{
		language.English,
		language.MustParse("ar-EG"),
	})
)

// Labels are the user facing strings of the page.
type Labels struct {
	Title               string `yaml:"title"`
	Subtitle            string `yaml:"subtitle"`
	Upload              string `yaml:"upload"`
	UploadHelp          string `yaml:"uploadHelp"`
	Language            string `yaml:"language"`
	Modality            string `yaml:"modality"`
	AskQuestion         string `yaml:"askQuestion"`
	QuestionPlaceholder string `yaml:"questionPlaceholder"`
	Submit              string `yaml:"submit"`
	Processing          string `yaml:"processing"`
	Results             string `yaml:"results"`
	Question            string `yaml:"question"`
	Answer              string `yaml:"answer"`
	ImageInfo           string `yaml:"imageInfo"`
	ProcessingTime      string `yaml:"processingTime"`
	Status              string `yaml:"status"`
	Describer           string `yaml:"describer"`
	Healthy             string `yaml:"healthy"`
	Unhealthy           string `yaml:"unhealthy"`
	Analyses            string `yaml:"analyses"`
	ErrInvalidImage     string `yaml:"errInvalidImage"`
	ErrModelFailure     string `yaml:"errModelFailure"`
	ErrUnknownLanguage  string `yaml:"errUnknownLanguage"`
	Footer              string `yaml:"footer"`
}

// Advice holds the advice lines appended after a model answer.
type Advice struct {
	General    []string `yaml:"general"`
	Emergency  []string `yaml:"emergency"`
	Preventive []string `yaml:"preventive"`
}

// Entry is a single row of the localization table.
type Entry struct {
	Code           string            `yaml:"code"`
	Name           string            `yaml:"name"`
	Direction      string            `yaml:"direction"`
	Labels         Labels            `yaml:"labels"`
	Modalities     map[string]string `yaml:"modalities"`
	PromptTemplate string            `yaml:"prompt"`
	Disclaimer     string            `yaml:"disclaimer"`
	Advice         Advice            `yaml:"advice"`
	EmergencyTerms []string          `yaml:"emergencyTerms"`
	RoutineTerms   []string          `yaml:"routineTerms"`
	Glossary       map[string]string `yaml:"glossary"`

	prompt   *template.Template
	glossary *regexp.Regexp
}

func init() {
	for lang, fname := range tableFiles {
		e, err := loadEntry(fname)
		if err != nil {
			panic(fmt.Sprintf("locale: loading %s: %s", fname, err))
		}
		entries[lang] = e
	}
}

func loadEntry(fname string) (*Entry, error) {
	data, err := tablesFS.ReadFile(fname)
	if err != nil {
		return nil, err
	}

	e := &Entry{}
	if err := yaml.Unmarshal(data, e); err != nil {
		return nil, err
	}
	if strings.TrimSpace(e.PromptTemplate) == "" {
		return nil, fmt.Errorf("empty prompt template")
	}
	if strings.TrimSpace(e.Disclaimer) == "" {
		return nil, fmt.Errorf("empty disclaimer")
	}
	e.prompt, err = template.New(e.Code).Option("missingkey=error").Parse(e.PromptTemplate)
	if err != nil {
		return nil, err
	}
	e.glossary = glossaryRegexp(e.Glossary)

	return e, nil
}

// glossaryRegexp builds a case insensitive whole-word matcher over the
// glossary terms. Longer terms come first so that "blood vessel" wins over
// "blood".
func glossaryRegexp(glossary map[string]string) *regexp.Regexp {
	if len(glossary) == 0 {
		return nil
	}

	terms := make([]string, 0, len(glossary))
	for term := range glossary {
		terms = append(terms, regexp.QuoteMeta(strings.ToLower(term)))
	}
	slices.SortFunc(terms, func(a, b string) int {
		if d := len(b) - len(a); d != 0 {
			return d
		}
		return strings.Compare(a, b)
	})

	return regexp.MustCompile(`(?i)\b(?:` + strings.Join(terms, "|") + `)\b`)
}

// Languages returns all supported languages in display order.
func Languages() []Language {
	return []Language{English, EgyptianArabic}
}

// Parse maps a language code ("en" or "ar") to a Language.
func Parse(code string) (Language, error) {
	switch strings.ToLower(strings.TrimSpace(code)) {
	case "en":
		return English, nil
	case "ar":
		return EgyptianArabic, nil
	}
	return English, fmt.Errorf("%w: %q", ErrUnknownLanguage, code)
}

// Match picks the supported language that best fits an Accept-Language
// header value. English is the fallback.
func Match(acceptLanguage string) Language {
	tags, _, err := language.ParseAcceptLanguage(acceptLanguage)
	if err != nil || len(tags) == 0 {
		return English
	}
	_, idx, conf := matcher.Match(tags...)
	if conf == language.No {
		return English
	}
	return Language(idx)
}

// Resolve returns the table entry for lang. It panics for values outside the
// closed set of languages.
func Resolve(lang Language) *Entry {
	if lang < 0 || lang >= numLanguages {
		panic(fmt.Sprintf("locale: unknown language %d", int(lang)))
	}
	return entries[lang]
}

func (l Language) Code() string { return Resolve(l).Code }

func (l Language) String() string {
	switch l {
	case English:
		return "English"
	case EgyptianArabic:
		return "Egyptian Arabic"
	}
	return fmt.Sprintf("Language(%d)", int(l))
}

// Prompt renders the model prompt for an image of the given modality. The
// question is optional.
func (e *Entry) Prompt(modality, question string) (string, error) {
	sb := strings.Builder{}
	err := e.prompt.Execute(&sb, struct {
		Modality string
		Question string
	}{modality, strings.TrimSpace(question)})
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(sb.String()), nil
}

// ModalityName returns the localized name of a modality code, falling back
// to the code itself.
func (e *Entry) ModalityName(code string) string {
	if name, ok := e.Modalities[code]; ok {
		return name
	}
	return code
}

// RTL reports whether the language is written right to left.
func (e *Entry) RTL() bool { return e.Direction == "rtl" }

// Localize replaces the English medical terms in text with their glossary
// translation. Entries without a glossary return text unchanged.
func (e *Entry) Localize(text string) string {
	if e.glossary == nil {
		return text
	}
	return e.glossary.ReplaceAllStringFunc(text, func(term string) string {
		if tr, ok := e.Glossary[strings.ToLower(term)]; ok {
			return tr
		}
		return term
	})
}
