package llm

import (
	"context"
	"errors"
	"iter"
	"strings"
	"testing"

	"google.golang.org/genai"

	"github.com/nugget/chatrelay/internal/result"
)

type fakeGemini struct {
	model     string
	contents  []*genai.Content
	config    *genai.GenerateContentConfig
	responses []*genai.GenerateContentResponse
	err       error
}

func (f *fakeGemini) GenerateContentStream(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) iter.Seq2[*genai.GenerateContentResponse, error] {
	f.model, f.contents, f.config = model, contents, config
	return func(yield func(*genai.GenerateContentResponse, error) bool) {
		for _, r := range f.responses {
			if ctx.Err() != nil {
				yield(nil, ctx.Err())
				return
			}
			if !yield(r, nil) {
				return
			}
		}
		if f.err != nil {
			yield(nil, f.err)
		}
	}
}

func geminiResp(text string, finish genai.FinishReason, thought bool) *genai.GenerateContentResponse {
	return &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{
		Content:      &genai.Content{Role: genai.RoleModel, Parts: []*genai.Part{{Text: text, Thought: thought}}},
		FinishReason: finish,
	}}}
}

func TestGemini_Stream(t *testing.T) {
	fake := &fakeGemini{responses: []*genai.GenerateContentResponse{
		geminiResp("pondering", "", true),
		geminiResp("Bon", "", false),
		geminiResp("jour", genai.FinishReasonStop, false),
	}}
	c := newGeminiClient(fake, "", nil)

	s := c.Call(context.Background(), Request{
		Messages:    []Message{{Role: RoleSystem, Content: "sys"}, {Role: RoleUser, Content: "hi"}, {Role: RoleAssistant, Content: "yo"}},
		Temperature: 0.7,
		MaxTokens:   10,
	}).Value()
	text, last, err := drain(t, s)
	if err != nil {
		t.Fatal(err)
	}
	if text != "Bonjour" || last.FinishReason != FinishStop {
		t.Errorf("drain = %q, %+v", text, last)
	}
	if fake.model != geminiDefaultModel || len(fake.contents) != 2 || fake.contents[1].Role != genai.RoleModel {
		t.Errorf("contents = %+v", fake.contents)
	}
	if fake.config.SystemInstruction == nil || fake.config.MaxOutputTokens != 10 {
		t.Errorf("config = %+v", fake.config)
	}
}

func TestGemini_SafetyStopIsError(t *testing.T) {
	fake := &fakeGemini{responses: []*genai.GenerateContentResponse{geminiResp("", genai.FinishReasonSafety, false)}}
	_, last, err := drain(t, newGeminiClient(fake, "m", nil).Call(context.Background(), Request{Messages: []Message{{Role: RoleUser, Content: "x"}}}).Value())
	if err != nil || last.FinishReason != FinishError {
		t.Errorf("last = %+v, err = %v", last, err)
	}
}

func TestGemini_UpstreamErrorIsProviderError(t *testing.T) {
	fake := &fakeGemini{
		responses: []*genai.GenerateContentResponse{geminiResp("partial", "", false)},
		err:       errors.New("stream reset"),
	}
	text, _, err := drain(t, newGeminiClient(fake, "m", nil).Call(context.Background(), Request{Messages: []Message{{Role: RoleUser, Content: "x"}}}).Value())
	if text != "partial" || result.CodeOf(err) != result.ProviderError {
		t.Errorf("drain = %q, %v, want partial text then provider_error", text, err)
	}
}

func TestGemini_UpstreamRejectFailsCall(t *testing.T) {
	tests := []struct {
		name string
		fake *fakeGemini
		want string
	}{
		{"rejected", &fakeGemini{err: errors.New("googleapi: Error 401: API key not valid")}, "API key not valid"},
		{"empty", &fakeGemini{}, "empty response"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := newGeminiClient(tt.fake, "m", nil).Call(context.Background(), Request{Messages: []Message{{Role: RoleUser, Content: "x"}}})
			if r.Ok() {
				t.Fatal("Call() succeeded for a rejected request")
			}
			if r.Err().Code != result.ProviderError || !strings.Contains(r.Err().Message, tt.want) {
				t.Errorf("Call() err = %v, want provider_error containing %q", r.Err(), tt.want)
			}
		})
	}
}

func TestGemini_CancelledBeforeCall(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	fake := &fakeGemini{responses: []*genai.GenerateContentResponse{geminiResp("a", "", false)}}
	r := newGeminiClient(fake, "m", nil).Call(ctx, Request{Messages: []Message{{Role: RoleUser, Content: "x"}}})
	if r.Ok() {
		t.Fatal("Call() succeeded with a cancelled context")
	}
	if !errors.Is(r.Err(), context.Canceled) {
		t.Errorf("Call() err = %v, want context.Canceled", r.Err())
	}
}

func TestGemini_RequiresContent(t *testing.T) {
	r := newGeminiClient(&fakeGemini{}, "m", nil).Call(context.Background(), Request{Messages: []Message{{Role: RoleSystem, Content: "only system"}}})
	if r.Ok() || r.Err().Code != result.ProviderError {
		t.Errorf("Call() = %+v, want provider_error", r)
	}
}

func TestGemini_CloseBeforeDrain(t *testing.T) {
	fake := &fakeGemini{responses: []*genai.GenerateContentResponse{geminiResp("a", "", false), geminiResp("b", "", false)}}
	s := newGeminiClient(fake, "m", nil).Call(context.Background(), Request{Messages: []Message{{Role: RoleUser, Content: "x"}}}).Value()
	if c, err := s.Recv(); err != nil || c.Delta != "a" {
		t.Fatalf("Recv() = %+v, %v", c, err)
	}
	s.Close()
	s.Close()
}

func TestNewGeminiClient_RequiresKey(t *testing.T) {
	if _, err := NewGeminiClient(context.Background(), " ", "", nil); err == nil {
		t.Error("NewGeminiClient without key should fail")
	}
}
