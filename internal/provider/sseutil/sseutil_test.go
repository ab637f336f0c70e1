package sseutil

import (
	"context"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/tidwall/gjson"

	gateway "github.com/Alpaca-Network/gatewayz/internal"
)

func TestParseLine(t *testing.T) {
	t.Parallel()
	tests := []struct {
		line        string
		field, want string
		ok          bool
	}{
		{"data: {\"x\":1}", "data", "{\"x\":1}", true},
		{"event: done", "event", "done", true},
		{"data:nospace", "data", "nospace", true},
		{": keepalive", "", "", false},
		{"", "", "", false},
		{"garbage", "", "", false},
	}
	for _, tt := range tests {
		field, value, ok := ParseLine(tt.line)
		if ok != tt.ok || field != tt.field || value != tt.want {
			t.Errorf("ParseLine(%q) = (%q, %q, %v), want (%q, %q, %v)",
				tt.line, field, value, ok, tt.field, tt.want, tt.ok)
		}
	}
}

func TestBuildDeltaChunk(t *testing.T) {
	t.Parallel()
	b := BuildDeltaChunk("c1", "gpt-4o", map[string]any{"content": "hi"}, "")
	if got := gjson.GetBytes(b, "choices.0.delta.content").String(); got != "hi" {
		t.Errorf("content = %q", got)
	}
	if gjson.GetBytes(b, "choices.0.finish_reason").Type != gjson.Null {
		t.Error("finish_reason should be null")
	}

	fin := BuildFinishChunk("c1", "gpt-4o", "stop")
	if got := gjson.GetBytes(fin, "choices.0.finish_reason").String(); got != "stop" {
		t.Errorf("finish_reason = %q", got)
	}
}

func TestBuildUsageChunk(t *testing.T) {
	t.Parallel()
	b := BuildUsageChunk("c1", "gemini-2.0-flash", &gateway.Usage{PromptTokens: 3, CompletionTokens: 7, TotalTokens: 10})
	if got := gjson.GetBytes(b, "usage.total_tokens").Int(); got != 10 {
		t.Errorf("total_tokens = %d", got)
	}
	if !gjson.GetBytes(b, "choices").IsArray() {
		t.Error("choices should be an empty array")
	}
}

func TestReadStream(t *testing.T) {
	t.Parallel()

	body := "data: {\"id\":\"1\",\"choices\":[{\"delta\":{\"content\":\"hello\"}}]}\n\n" +
		": keepalive\n\n" +
		"data: {\"id\":\"1\",\"choices\":[],\"usage\":{\"prompt_tokens\":10,\"completion_tokens\":5,\"total_tokens\":15}}\n\n" +
		"data: [DONE]\n\n"

	resp := &http.Response{Body: io.NopCloser(strings.NewReader(body))}
	ch := make(chan gateway.StreamChunk, 8)
	go ReadStream(context.Background(), "test", resp, ch)

	var chunks []gateway.StreamChunk
	for c := range ch {
		chunks = append(chunks, c)
	}

	if len(chunks) != 3 {
		t.Fatalf("got %d chunks, want 3", len(chunks))
	}
	if chunks[1].Usage == nil || chunks[1].Usage.TotalTokens != 15 {
		t.Errorf("usage chunk = %+v", chunks[1].Usage)
	}
	if !chunks[2].Done {
		t.Error("last chunk should be Done")
	}
}

func TestReadStreamContextCancel(t *testing.T) {
	t.Parallel()

	pr, pw := io.Pipe()
	resp := &http.Response{Body: pr}

	ctx, cancel := context.WithCancel(context.Background())
	ch := make(chan gateway.StreamChunk, 8)
	go ReadStream(ctx, "test", resp, ch)

	pw.Write([]byte("data: {\"id\":\"1\",\"choices\":[{\"delta\":{\"content\":\"hi\"}}]}\n\n"))
	c := <-ch
	if len(c.Data) == 0 {
		t.Error("expected data")
	}

	cancel()
	pw.Close()

	for c := range ch {
		if c.Err != nil {
			return
		}
	}
}

func TestReadStreamScannerError(t *testing.T) {
	t.Parallel()

	resp := &http.Response{Body: io.NopCloser(&errReader{})}
	ch := make(chan gateway.StreamChunk, 8)
	go ReadStream(context.Background(), "test", resp, ch)

	var gotErr bool
	for c := range ch {
		if c.Err != nil {
			gotErr = true
		}
	}
	if !gotErr {
		t.Error("expected error chunk from broken reader")
	}
}

type errReader struct{}

func (e *errReader) Read([]byte) (int, error) {
	return 0, io.ErrUnexpectedEOF
}
