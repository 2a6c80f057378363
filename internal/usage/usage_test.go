package usage

import (
	"testing"

	gateway "github.com/relaygate/gateway/internal"
)

func TestExtract_OpenAIWholeBody(t *testing.T) {
	t.Parallel()
	body := []byte(`{"id":"chatcmpl-1","choices":[],"usage":{"prompt_tokens":10,"completion_tokens":5,"total_tokens":15}}`)
	tok := Extract(body, gateway.OpenAIChatCompletions)
	if tok.Prompt == nil || *tok.Prompt != 10 {
		t.Errorf("Prompt = %v, want 10", tok.Prompt)
	}
	if tok.Completion == nil || *tok.Completion != 5 {
		t.Errorf("Completion = %v, want 5", tok.Completion)
	}
	if tok.Total == nil || *tok.Total != 15 {
		t.Errorf("Total = %v, want 15", tok.Total)
	}
}

func TestExtract_AnthropicWholeBody(t *testing.T) {
	t.Parallel()
	body := []byte(`{"id":"msg_1","content":[],"usage":{"input_tokens":8,"output_tokens":3}}`)
	tok := Extract(body, gateway.AnthropicMessages)
	if tok.Prompt == nil || *tok.Prompt != 8 {
		t.Errorf("Prompt = %v, want 8", tok.Prompt)
	}
	if tok.Completion == nil || *tok.Completion != 3 {
		t.Errorf("Completion = %v, want 3", tok.Completion)
	}
	if tok.Total == nil || *tok.Total != 11 {
		t.Errorf("Total = %v, want 11", tok.Total)
	}
}

func TestExtract_AnthropicMissingInputTokens(t *testing.T) {
	t.Parallel()
	body := []byte(`{"usage":{"output_tokens":3}}`)
	tok := Extract(body, gateway.AnthropicMessages)
	if tok.Prompt != nil || tok.Completion != nil || tok.Total != nil {
		t.Errorf("Extract = %+v, want all nil (no input_tokens)", tok)
	}
}

func TestExtract_SSEReverseScan(t *testing.T) {
	t.Parallel()
	body := []byte("data: {\"choices\":[{\"delta\":{}}]}\n\n" +
		"data: {\"usage\":{\"prompt_tokens\":20,\"completion_tokens\":7,\"total_tokens\":27}}\n\n" +
		"data: [DONE]\n\n")
	tok := Extract(body, gateway.OpenAIChatCompletions)
	if tok.Total == nil || *tok.Total != 27 {
		t.Errorf("Total = %v, want 27", tok.Total)
	}
}

func TestExtract_SSEFirstFromEndWins(t *testing.T) {
	t.Parallel()
	body := []byte("data: {\"usage\":{\"total_tokens\":1}}\n\n" +
		"data: {\"usage\":{\"total_tokens\":2}}\n\n")
	tok := Extract(body, gateway.OpenAIChatCompletions)
	if tok.Total == nil || *tok.Total != 2 {
		t.Errorf("Total = %v, want 2 (last usage frame in the stream)", tok.Total)
	}
}

func TestExtract_NoUsageAnywhere(t *testing.T) {
	t.Parallel()
	body := []byte(`{"choices":[{"message":{"content":"hi"}}]}`)
	tok := Extract(body, gateway.OpenAIChatCompletions)
	if tok.Prompt != nil || tok.Completion != nil || tok.Total != nil {
		t.Errorf("Extract = %+v, want all nil", tok)
	}
}

func TestExtract_InvalidJSON(t *testing.T) {
	t.Parallel()
	tok := Extract([]byte("not json at all"), gateway.OpenAIChatCompletions)
	if tok.Prompt != nil || tok.Completion != nil || tok.Total != nil {
		t.Errorf("Extract = %+v, want all nil", tok)
	}
}
