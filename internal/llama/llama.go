package llama

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"maps"
	"net/http"
	"strings"

	"github.com/chriskillpack/tabib/describer"
)

const (
	imagePreamble = `A chat between a medical student and an artificial intelligence assistant. The assistant gives careful, factual and concise answers about medical images.
USER:`
	imageSuffix = `
ASSISTANT:`

	imageID = 10
)

type jsonmap map[string]any

// Sampling kept conservative, descriptions of medical images should not be
// creative.
var defaultparams = jsonmap{
	"n_predict":      400,
	"n_probs":        0,
	"temperature":    0.2,
	"stop":           []string{"</s>", "USER:", "ASSISTANT:"},
	"repeat_last_n":  256,
	"repeat_penalty": 1.18,
	"top_k":          40,
	"top_p":          0.5,
	"cache_prompt":   false,
	"stream":         false,
}

type llama struct {
	srvAddr string
	seed    int

	client *http.Client
}

var _ describer.Describer = &llama{}

func Init(srvAddr string, seed int, httpClient *http.Client) *llama {
	return &llama{
		srvAddr: strings.TrimRight(srvAddr, "/"),
		seed:    seed,
		client:  httpClient,
	}
}

func (l *llama) Name() string { return "llama" }

// The llama.cpp server serves whichever model it was started with.
func (l *llama) Model() string { return "llava" }

func (l *llama) IsHealthy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, l.srvAddr+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := l.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	return resp.StatusCode == http.StatusOK
}

func (l *llama) DescribeImage(ctx context.Context, image []byte, prompt string) (string, error) {
	imb64 := base64.StdEncoding.EncodeToString(image)
	return l.sendRequest(ctx, imagePrompt(prompt), jsonmap{
		"image_data": []jsonmap{
			{
				"data": imb64, "id": imageID,
			},
		},
	})
}

// imagePrompt wraps prompt in the llava chat template, referencing the image
// slot.
func imagePrompt(prompt string) string {
	return fmt.Sprintf("%s[img-%d]%s%s", imagePreamble, imageID, prompt, imageSuffix)
}

func (l *llama) sendRequest(ctx context.Context, prompt string, keys jsonmap) (string, error) {
	data := maps.Clone(defaultparams)
	maps.Copy(data, keys)
	data["prompt"] = prompt
	data["seed"] = l.seed

	buf := &bytes.Buffer{}
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(&data); err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, l.srvAddr+"/completion", buf)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := l.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("llama server returned %s", resp.Status)
	}

	respbody := struct {
		Content string
		Stop    bool
	}{}
	if err := json.NewDecoder(resp.Body).Decode(&respbody); err != nil {
		return "", err
	}

	return strings.TrimSpace(respbody.Content), nil
}
