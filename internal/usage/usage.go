// Package usage implements the UsageExtractor (§4.8): best-effort
// prompt/completion/total token extraction from a captured upstream response
// body, whether the body is a single JSON document or an SSE event stream.
// Grounded on the teacher's one-shot-JSON usage extraction, generalized with
// a reverse line scan of "data: " frames to also cover streaming bodies.
package usage

import (
	"bufio"
	"bytes"
	"encoding/json"
	"strings"

	gateway "github.com/relaygate/gateway/internal"
)

// Tokens holds the extracted counts; any field may be nil if the upstream
// response did not carry it.
type Tokens struct {
	Prompt     *int64
	Completion *int64
	Total      *int64
}

type openAIUsage struct {
	PromptTokens     *int64 `json:"prompt_tokens"`
	CompletionTokens *int64 `json:"completion_tokens"`
	TotalTokens      *int64 `json:"total_tokens"`
}

type anthropicUsage struct {
	InputTokens  *int64 `json:"input_tokens"`
	OutputTokens *int64 `json:"output_tokens"`
}

type usageEnvelope struct {
	Usage json.RawMessage `json:"usage"`
}

// Extract implements §4.8: try the body as one JSON document first; if that
// fails or carries no usage object, fall back to reverse-order SSE scanning.
func Extract(body []byte, apiType gateway.ApiType) Tokens {
	if t, ok := fromJSON(body, apiType); ok {
		return t
	}
	if t, ok := fromSSE(body, apiType); ok {
		return t
	}
	return Tokens{}
}

func fromJSON(body []byte, apiType gateway.ApiType) (Tokens, bool) {
	var env usageEnvelope
	if err := json.Unmarshal(body, &env); err != nil || len(env.Usage) == 0 {
		return Tokens{}, false
	}
	return tokensFromUsageObject(env.Usage, apiType)
}

// fromSSE walks body's lines in reverse, stripping the "data: " prefix,
// skipping "[DONE]", and returns the first usage object found.
func fromSSE(body []byte, apiType gateway.ApiType) (Tokens, bool) {
	lines := splitLines(body)
	for i := len(lines) - 1; i >= 0; i-- {
		line := strings.TrimSpace(lines[i])
		data, ok := strings.CutPrefix(line, "data:")
		if !ok {
			continue
		}
		data = strings.TrimSpace(data)
		if data == "" || data == "[DONE]" {
			continue
		}
		var env usageEnvelope
		if err := json.Unmarshal([]byte(data), &env); err != nil || len(env.Usage) == 0 {
			continue
		}
		if t, ok := tokensFromUsageObject(env.Usage, apiType); ok {
			return t, true
		}
	}
	return Tokens{}, false
}

func splitLines(body []byte) []string {
	var lines []string
	scanner := bufio.NewScanner(bytes.NewReader(body))
	scanner.Buffer(make([]byte, 4096), 64*1024)
	for scanner.Scan() {
		lines = append(lines, scanner.Text())
	}
	return lines
}

func tokensFromUsageObject(raw json.RawMessage, apiType gateway.ApiType) (Tokens, bool) {
	if apiType == gateway.AnthropicMessages {
		var u anthropicUsage
		if err := json.Unmarshal(raw, &u); err != nil {
			return Tokens{}, false
		}
		if u.InputTokens == nil {
			return Tokens{}, false
		}
		t := Tokens{Prompt: u.InputTokens}
		if u.OutputTokens != nil {
			t.Completion = u.OutputTokens
			total := *u.InputTokens + *u.OutputTokens
			t.Total = &total
		}
		return t, true
	}

	var u openAIUsage
	if err := json.Unmarshal(raw, &u); err != nil {
		return Tokens{}, false
	}
	if u.PromptTokens == nil && u.CompletionTokens == nil && u.TotalTokens == nil {
		return Tokens{}, false
	}
	return Tokens{Prompt: u.PromptTokens, Completion: u.CompletionTokens, Total: u.TotalTokens}, true
}
