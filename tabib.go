package tabib

import (
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/chriskillpack/tabib/describer"
	"github.com/chriskillpack/tabib/internal/blip"
	"github.com/chriskillpack/tabib/internal/llama"
	"github.com/chriskillpack/tabib/internal/logged"
	"github.com/chriskillpack/tabib/internal/ollama"
	"github.com/chriskillpack/tabib/internal/openai"
)

type InitOptions struct {
	BlipServer string
	BlipToken  string

	LlamaServer string
	LlamaSeed   int

	OllamaServer string
	OllamaModel  string

	OpenAI      bool
	OpenAIModel string

	HttpClient *http.Client // if nil uses http.DefaultClient
	Logger     *zap.Logger  // if non-nil describer calls are logged
}

type Tabib struct {
	describer.Describer
}

func Init(tio InitOptions) (*Tabib, error) {
	t := &Tabib{}

	httpClient := tio.HttpClient
	if httpClient == nil {
		httpClient = http.DefaultClient
	}

	var n int
	for _, selected := range []bool{tio.BlipServer != "", tio.LlamaServer != "", tio.OllamaServer != "", tio.OpenAI} {
		if selected {
			n++
		}
	}
	switch n {
	case 0:
		return nil, fmt.Errorf("no backend selected")
	case 1:
		// no-op
	default:
		return nil, fmt.Errorf("multiple backends selected, only one allowed")
	}

	switch {
	case tio.BlipServer != "":
		t.Describer = blip.Init(tio.BlipServer, tio.BlipToken, httpClient)
	case tio.LlamaServer != "":
		t.Describer = llama.Init(tio.LlamaServer, tio.LlamaSeed, httpClient)
	case tio.OllamaServer != "":
		model := tio.OllamaModel
		if model == "" {
			model = "llava"
		}
		t.Describer = ollama.Init(model, tio.OllamaServer, httpClient)
	case tio.OpenAI:
		t.Describer = openai.Init(tio.OpenAIModel, httpClient)
	}

	if tio.Logger != nil {
		t.Describer = logged.New(t.Describer, tio.Logger)
	}

	return t, nil
}
