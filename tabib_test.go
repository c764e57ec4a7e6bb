package tabib

import (
	"testing"

	"go.uber.org/zap"
)

func TestInitSelectsOneBackend(t *testing.T) {
	cases := []struct {
		name string
		opts InitOptions
		want string
	}{
		{"blip", InitOptions{BlipServer: "http://localhost:8000/blip"}, "blip"},
		{"llama", InitOptions{LlamaServer: "http://localhost:8080"}, "llama"},
		{"ollama", InitOptions{OllamaServer: "http://localhost:11434"}, "ollama"},
		{"openai", InitOptions{OpenAI: true}, "openai"},
		{"logged", InitOptions{OllamaServer: "http://localhost:11434", Logger: zap.NewNop()}, "ollama"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			tb, err := Init(c.opts)
			if err != nil {
				t.Fatalf("Unexpected error %s", err)
			}
			if expected, actual := c.want, tb.Name(); expected != actual {
				t.Errorf("Expected %q, got %q", expected, actual)
			}
		})
	}
}

func TestInitDefaultsOllamaModel(t *testing.T) {
	tb, err := Init(InitOptions{OllamaServer: "http://localhost:11434"})
	if err != nil {
		t.Fatal(err)
	}
	if expected, actual := "llava", tb.Model(); expected != actual {
		t.Errorf("Expected %q, got %q", expected, actual)
	}
}

func TestInitRejectsBadSelection(t *testing.T) {
	if _, err := Init(InitOptions{}); err == nil {
		t.Error("Expected error with no backend")
	}
	if _, err := Init(InitOptions{LlamaServer: "http://a", OpenAI: true}); err == nil {
		t.Error("Expected error with two backends")
	}
}
