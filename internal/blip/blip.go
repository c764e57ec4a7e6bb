// Package blip talks to a hosted BLIP/BLIP2 visual question answering
// endpoint using the Hugging Face inference request format.
package blip

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/chriskillpack/tabib/describer"
)

// Error bodies are only read for the message.
const maxErrorBody = 512

type blip struct {
	endpoint string
	token    string

	client *http.Client
}

var _ describer.Describer = &blip{}

type vqaInputs struct {
	Image    string `json:"image"`
	Question string `json:"question"`
}

type vqaAnswer struct {
	Answer string  `json:"answer"`
	Score  float64 `json:"score"`
}

// Init returns a describer for the model served at endpoint, typically
// https://api-inference.huggingface.co/models/Salesforce/blip-vqa-base. The
// token is sent as a bearer token when non-empty.
func Init(endpoint, token string, httpClient *http.Client) *blip {
	return &blip{
		endpoint: strings.TrimRight(endpoint, "/"),
		token:    token,
		client:   httpClient,
	}
}

func (b *blip) Name() string { return "blip" }

func (b *blip) Model() string {
	u, err := url.Parse(b.endpoint)
	if err != nil || u.Path == "" {
		return "blip"
	}
	// Hugging Face model ids are owner/name
	dir, name := path.Split(u.Path)
	if owner := path.Base(dir); owner != "models" && owner != "/" && owner != "." {
		return owner + "/" + name
	}
	return name
}

// IsHealthy treats any non 5xx answer as healthy, the inference API does not
// expose a dedicated health route.
func (b *blip) IsHealthy(ctx context.Context) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.endpoint, nil)
	if err != nil {
		return false
	}
	b.authorize(req)
	resp, err := b.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()

	return resp.StatusCode < http.StatusInternalServerError
}

func (b *blip) DescribeImage(ctx context.Context, image []byte, prompt string) (string, error) {
	body, err := json.Marshal(map[string]vqaInputs{
		"inputs": {
			Image:    base64.StdEncoding.EncodeToString(image),
			Question: prompt,
		},
	})
	if err != nil {
		return "", err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint, bytes.NewReader(body))
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")
	b.authorize(req)

	resp, err := b.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		msg, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		return "", fmt.Errorf("blip endpoint returned %s: %s", resp.Status, bytes.TrimSpace(msg))
	}

	var answers []vqaAnswer
	if err := json.NewDecoder(resp.Body).Decode(&answers); err != nil {
		return "", err
	}
	if len(answers) == 0 {
		return "", fmt.Errorf("blip endpoint returned no answers")
	}

	best := answers[0]
	for _, a := range answers[1:] {
		if a.Score > best.Score {
			best = a
		}
	}

	return strings.TrimSpace(best.Answer), nil
}

func (b *blip) authorize(req *http.Request) {
	if b.token != "" {
		req.Header.Set("Authorization", "Bearer "+b.token)
	}
}
