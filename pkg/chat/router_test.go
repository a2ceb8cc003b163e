package chat

import (
	"context"
	"errors"
	"testing"

	"oracle/pkg/clients"
)

type fakeGenerator struct {
	content string
	err     error
	calls   int
}

func (f *fakeGenerator) Generate(ctx context.Context, req clients.Request) (*clients.Response, error) {
	f.calls++
	if f.err != nil {
		return nil, f.err
	}
	return &clients.Response{Text: f.content}, nil
}

func TestRoute(t *testing.T) {
	tests := []struct {
		name    string
		message string
		hasPDF  bool
		llm     *fakeGenerator
		want    string
	}{
		{
			name:    "LLM classifies as research",
			message: "What are the trade-offs of QUIC vs TCP for internal RPC?",
			llm:     &fakeGenerator{content: `{"intent": "research"}`},
			want:    IntentResearch,
		},
		{
			name:    "LLM classifies as chat",
			message: "thanks, that was helpful",
			llm:     &fakeGenerator{content: `{"intent": "chat"}`},
			want:    IntentChat,
		},
		{
			name:    "JSON wrapped in prose still parses",
			message: "tell me about raft",
			llm:     &fakeGenerator{content: "Sure! Here is the classification: {\"intent\": \"chat\"}"},
			want:    IntentChat,
		},
		{
			name:    "attached PDF short-circuits without an LLM call",
			message: "summarize this paper",
			hasPDF:  true,
			llm:     &fakeGenerator{content: `{"intent": "chat"}`},
			want:    IntentPDF,
		},
		{
			name:    "LLM error falls back to keywords",
			message: "please research io_uring adoption",
			llm:     &fakeGenerator{err: errors.New("upstream 500")},
			want:    IntentResearch,
		},
		{
			name:    "LLM error without keywords falls back to chat",
			message: "how are you today",
			llm:     &fakeGenerator{err: errors.New("upstream 500")},
			want:    IntentChat,
		},
		{
			name:    "garbage JSON falls back to keywords",
			message: "deep dive into ebpf verifier limits",
			llm:     &fakeGenerator{content: "intent=research"},
			want:    IntentResearch,
		},
		{
			name:    "unknown intent label falls back",
			message: "benchmark postgres vs mysql",
			llm:     &fakeGenerator{content: `{"intent": "shopping"}`},
			want:    IntentResearch,
		},
		{
			name:    "empty message is chat",
			message: "   ",
			llm:     &fakeGenerator{content: `{"intent": "research"}`},
			want:    IntentChat,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := NewRouter(tt.llm, "test-model")
			got := r.Route(context.Background(), tt.message, tt.hasPDF)
			if got != tt.want {
				t.Errorf("Route() = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestRoutePDFSkipsLLM(t *testing.T) {
	llm := &fakeGenerator{content: `{"intent": "chat"}`}
	r := NewRouter(llm, "test-model")

	r.Route(context.Background(), "what does section 3 say", true)
	if llm.calls != 0 {
		t.Errorf("expected no LLM calls for PDF messages, got %d", llm.calls)
	}
}

func TestKeywordIntent(t *testing.T) {
	tests := []struct {
		message string
		want    string
	}{
		{"can you research this for me", IntentResearch},
		{"Investigate why etcd leader elections flap", IntentResearch},
		{"I want a deep dive on jemalloc", IntentResearch},
		{"COMPARE rust and go for network services", IntentResearch},
		{"what did the last report say", IntentChat},
		{"hello", IntentChat},
	}

	for _, tt := range tests {
		t.Run(tt.message, func(t *testing.T) {
			if got := keywordIntent(tt.message); got != tt.want {
				t.Errorf("keywordIntent(%q) = %q, want %q", tt.message, got, tt.want)
			}
		})
	}
}
