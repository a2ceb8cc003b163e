package clients

import (
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/tmc/langchaingo/llms"
)

// fakeLLM returns queued outcomes in order, then repeats the last one.
type fakeLLM struct {
	outcomes []fakeOutcome
	calls    int
}

type fakeOutcome struct {
	text string
	err  error
}

func (f *fakeLLM) GenerateContent(ctx context.Context, messages []llms.MessageContent, options ...llms.CallOption) (*llms.ContentResponse, error) {
	i := f.calls
	if i >= len(f.outcomes) {
		i = len(f.outcomes) - 1
	}
	f.calls++
	out := f.outcomes[i]
	if out.err != nil {
		return nil, out.err
	}
	return &llms.ContentResponse{
		Choices: []*llms.ContentChoice{{Content: out.text}},
	}, nil
}

func (f *fakeLLM) Call(ctx context.Context, prompt string, options ...llms.CallOption) (string, error) {
	resp, err := f.GenerateContent(ctx, nil, options...)
	if err != nil {
		return "", err
	}
	return resp.Choices[0].Content, nil
}

func testGateway(primary, secondary *fakeLLM) *Gateway {
	return &Gateway{providers: []provider{
		{name: "primary", llm: primary, attempts: 2, defaultModel: "model-a"},
		{name: "secondary", llm: secondary, attempts: 1, defaultModel: "model-a"},
	}}
}

func TestGenerateFirstProviderWins(t *testing.T) {
	primary := &fakeLLM{outcomes: []fakeOutcome{{text: "from primary"}}}
	secondary := &fakeLLM{outcomes: []fakeOutcome{{text: "from secondary"}}}
	g := testGateway(primary, secondary)

	resp, err := g.Generate(context.Background(), Request{Prompt: "hi"})
	if err != nil {
		t.Fatalf("Generate returned error: %v", err)
	}
	if resp.Provider != "primary" || resp.Text != "from primary" {
		t.Errorf("got provider=%q text=%q", resp.Provider, resp.Text)
	}
	if secondary.calls != 0 {
		t.Errorf("secondary was called %d times, want 0", secondary.calls)
	}
}

func TestGenerateRetriesTransientThenFailsOver(t *testing.T) {
	primary := &fakeLLM{outcomes: []fakeOutcome{
		{err: errors.New("upstream returned 429 too many requests")},
		{err: errors.New("upstream returned 503")},
	}}
	secondary := &fakeLLM{outcomes: []fakeOutcome{{text: "rescued"}}}
	g := testGateway(primary, secondary)

	resp, err := g.Generate(context.Background(), Request{Prompt: "hi"})
	if err != nil {
		t.Fatalf("Generate returned error: %v", err)
	}
	if primary.calls != 2 {
		t.Errorf("primary attempted %d times, want 2", primary.calls)
	}
	if resp.Provider != "secondary" || resp.Text != "rescued" {
		t.Errorf("got provider=%q text=%q", resp.Provider, resp.Text)
	}
}

func TestGeneratePermanentErrorSkipsRetry(t *testing.T) {
	primary := &fakeLLM{outcomes: []fakeOutcome{{err: errors.New("invalid api key")}}}
	secondary := &fakeLLM{outcomes: []fakeOutcome{{text: "rescued"}}}
	g := testGateway(primary, secondary)

	resp, err := g.Generate(context.Background(), Request{Prompt: "hi"})
	if err != nil {
		t.Fatalf("Generate returned error: %v", err)
	}
	if primary.calls != 1 {
		t.Errorf("primary attempted %d times after a permanent error, want 1", primary.calls)
	}
	if resp.Provider != "secondary" {
		t.Errorf("provider = %q, want secondary", resp.Provider)
	}
}

func TestGenerateAllProvidersFail(t *testing.T) {
	primary := &fakeLLM{outcomes: []fakeOutcome{{err: errors.New("timeout while dialing")}}}
	secondary := &fakeLLM{outcomes: []fakeOutcome{{err: errors.New("boom")}}}
	g := testGateway(primary, secondary)

	_, err := g.Generate(context.Background(), Request{Prompt: "hi"})
	if err == nil {
		t.Fatal("expected an error when every provider fails")
	}
	if !strings.Contains(err.Error(), "boom") {
		t.Errorf("error should wrap the last failure, got %v", err)
	}
}

func TestGenerateNoProviders(t *testing.T) {
	g := &Gateway{}
	if g.Configured() {
		t.Error("empty gateway reports Configured")
	}
	_, err := g.Generate(context.Background(), Request{Prompt: "hi"})
	if !errors.Is(err, ErrNoProviders) {
		t.Errorf("err = %v, want ErrNoProviders", err)
	}
}

func TestIsTransient(t *testing.T) {
	tests := []struct {
		err  error
		want bool
	}{
		{errors.New("status 429"), true},
		{errors.New("500 internal server error"), true},
		{errors.New("got 502 from gateway"), true},
		{errors.New("503 service unavailable"), true},
		{errors.New("context deadline exceeded (timeout)"), true},
		{errors.New("invalid api key"), false},
		{errors.New("model not found"), false},
		{nil, false},
	}

	for _, tt := range tests {
		if got := IsTransient(tt.err); got != tt.want {
			t.Errorf("IsTransient(%v) = %v, want %v", tt.err, got, tt.want)
		}
	}
}
