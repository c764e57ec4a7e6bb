package openai

import (
	"context"
	"encoding/base64"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/chriskillpack/tabib/describer"

	oagc "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
)

const (
	DefaultModel = "gpt-4o-mini"

	maxTokens = 400

	// Request allowance per window, spent in bursts of at most
	// requestsPerWindow.
	requestsPerWindow = 20
	requestWindow     = time.Minute
)

type openai struct {
	oac   *oagc.Client
	model string

	q *quota
}

var _ describer.Describer = &openai{}

// Init returns an OpenAI backed describer. Additional request options, e.g.
// an API key or base URL, are passed through to the client. Without an API
// key option the client reads OPENAI_API_KEY.
func Init(model string, httpClient *http.Client, opts ...option.RequestOption) *openai {
	if model == "" {
		model = DefaultModel
	}

	opts = append([]option.RequestOption{option.WithHTTPClient(httpClient)}, opts...)
	return &openai{
		oac:   oagc.NewClient(opts...),
		model: model,
		q:     newQuota(requestsPerWindow, requestWindow),
	}
}

func (o *openai) Name() string { return "openai" }

func (o *openai) Model() string { return o.model }

// IsHealthy always reports true, there is no cheap check that does not
// consume quota.
func (o *openai) IsHealthy(ctx context.Context) bool {
	return true
}

func (o *openai) DescribeImage(ctx context.Context, image []byte, prompt string) (string, error) {
	if err := o.q.wait(ctx); err != nil {
		return "", err
	}

	dataURL := "data:image/jpeg;base64," + base64.StdEncoding.EncodeToString(image)
	params := oagc.ChatCompletionNewParams{
		Messages: oagc.F([]oagc.ChatCompletionMessageParamUnion{
			oagc.UserMessageParts(
				oagc.TextPart(prompt),
				oagc.ImagePart(dataURL),
			),
		}),
		Model:     oagc.F(oagc.ChatModel(o.model)),
		MaxTokens: oagc.Int(maxTokens),
	}
	resp, err := o.oac.Chat.Completions.New(ctx, params)
	if err != nil {
		return "", err
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("no choices in response")
	}

	return strings.TrimSpace(resp.Choices[0].Message.Content), nil
}

// quota paces requests to the API. It tracks the time at which the allowance
// is next fully spent: each request pushes that point one interval further,
// and a request is refused while the point lies more than burst in the
// future.
type quota struct {
	mu   sync.Mutex
	next time.Time

	interval time.Duration // window / limit
	burst    time.Duration // window - interval

	now func() time.Time
}

func newQuota(limit int, window time.Duration) *quota {
	interval := window / time.Duration(limit)
	return &quota{
		interval: interval,
		burst:    window - interval,
		now:      time.Now,
	}
}

// reserve spends one request and returns zero, or returns how long to wait
// before one is available and spends nothing.
func (q *quota) reserve() time.Duration {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	next := q.next
	if next.Before(now) {
		next = now
	}
	if wait := next.Sub(now) - q.burst; wait > 0 {
		return wait
	}
	q.next = next.Add(q.interval)
	return 0
}

// wait blocks until a request may be sent or ctx is done.
func (q *quota) wait(ctx context.Context) error {
	for {
		d := q.reserve()
		if d == 0 {
			return nil
		}

		t := time.NewTimer(d)
		select {
		case <-ctx.Done():
			t.Stop()
			return ctx.Err()
		case <-t.C:
		}
	}
}
