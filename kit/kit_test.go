package kit

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

func TestChain_Order(t *testing.T) {
	var order []string

	mw := func(name string) Middleware {
		return func(next Endpoint) Endpoint {
			return func(ctx context.Context, req any) (any, error) {
				order = append(order, name+"_before")
				resp, err := next(ctx, req)
				order = append(order, name+"_after")
				return resp, err
			}
		}
	}

	base := func(_ context.Context, _ any) (any, error) {
		order = append(order, "endpoint")
		return "ok", nil
	}

	chained := Chain(mw("a"), mw("b"), mw("c"))(base)
	resp, err := chained(context.Background(), nil)
	if err != nil {
		t.Fatal(err)
	}
	if resp != "ok" {
		t.Fatalf("response: got %v", resp)
	}

	expected := []string{"a_before", "b_before", "c_before", "endpoint", "c_after", "b_after", "a_after"}
	if len(order) != len(expected) {
		t.Fatalf("order length: got %d, want %d", len(order), len(expected))
	}
	for i, v := range expected {
		if order[i] != v {
			t.Fatalf("order[%d]: got %q, want %q", i, order[i], v)
		}
	}
}

func TestChain_ErrorPropagation(t *testing.T) {
	errFail := errors.New("fail")
	base := func(_ context.Context, _ any) (any, error) {
		return nil, errFail
	}

	noop := func(next Endpoint) Endpoint { return next }
	chained := Chain(noop)(base)

	_, err := chained(context.Background(), nil)
	if !errors.Is(err, errFail) {
		t.Fatalf("error: got %v, want %v", err, errFail)
	}
}

func TestContext_UserID(t *testing.T) {
	ctx := context.Background()
	if v := GetUserID(ctx); v != "" {
		t.Fatalf("empty context: got %q", v)
	}

	ctx = WithUserID(ctx, "7614202330")
	if v := GetUserID(ctx); v != "7614202330" {
		t.Fatalf("after set: got %q", v)
	}
}

func TestContext_Handle(t *testing.T) {
	ctx := WithHandle(context.Background(), "budi")
	if v := GetHandle(ctx); v != "budi" {
		t.Fatalf("handle: got %q", v)
	}
}

func TestContext_Transport_Default(t *testing.T) {
	ctx := context.Background()
	if v := GetTransport(ctx); v != "cli" {
		t.Fatalf("default transport: got %q, want 'cli'", v)
	}
}

func TestContext_Transport_Set(t *testing.T) {
	ctx := WithTransport(context.Background(), "telegram")
	if v := GetTransport(ctx); v != "telegram" {
		t.Fatalf("transport: got %q", v)
	}
}

func TestContext_ChatID(t *testing.T) {
	ctx := WithChatID(context.Background(), "-100200")
	if v := GetChatID(ctx); v != "-100200" {
		t.Fatalf("chat_id: got %q", v)
	}
}

func TestContext_RequestID(t *testing.T) {
	ctx := WithRequestID(context.Background(), "req_abc")
	if v := GetRequestID(ctx); v != "req_abc" {
		t.Fatalf("request_id: got %q", v)
	}
}

func TestContext_TraceID(t *testing.T) {
	ctx := WithTraceID(context.Background(), "trc_xyz")
	if v := GetTraceID(ctx); v != "trc_xyz" {
		t.Fatalf("trace_id: got %q", v)
	}
}

func TestContext_EmptyDefaults(t *testing.T) {
	ctx := context.Background()
	if v := GetHandle(ctx); v != "" {
		t.Fatalf("handle default: got %q", v)
	}
	if v := GetRequestID(ctx); v != "" {
		t.Fatalf("request_id default: got %q", v)
	}
	if v := GetTraceID(ctx); v != "" {
		t.Fatalf("trace_id default: got %q", v)
	}
}

func TestLogging_PassesThrough(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	errBoom := errors.New("boom")
	ep := Logging(logger, "hitungctc")(func(_ context.Context, req any) (any, error) {
		if req == "fail" {
			return nil, errBoom
		}
		return "ok", nil
	})

	ctx := WithUserID(context.Background(), "42")
	ctx = WithChatID(ctx, "-100200")
	ctx = WithHandle(ctx, "budi")
	ctx = WithTraceID(ctx, "trc_1")
	if resp, err := ep(ctx, "x"); err != nil || resp != "ok" {
		t.Fatalf("ok call: resp=%v err=%v", resp, err)
	}
	if _, err := ep(ctx, "fail"); !errors.Is(err, errBoom) {
		t.Fatalf("failing call: got %v", err)
	}

	out := buf.String()
	for _, want := range []string{`"op":"hitungctc"`, `"user":"42"`, `"chat":"-100200"`, `"handle":"budi"`, `"trace_id":"trc_1"`} {
		if !strings.Contains(out, want) {
			t.Errorf("log output missing %s: %s", want, out)
		}
	}
	if strings.Contains(out, "request_id") {
		t.Errorf("empty request id logged: %s", out)
	}
	if !strings.Contains(out, `"level":"WARN"`) {
		t.Errorf("failure not logged at warn: %s", out)
	}
}

func TestDecodeJSON(t *testing.T) {
	type req struct {
		Name string `json:"name"`
	}
	decode := DecodeJSON[req]()

	res, err := decode(&mcp.CallToolRequest{Params: &mcp.CallToolParamsRaw{Arguments: []byte(`{"name":"Alice"}`)}})
	if err != nil {
		t.Fatal(err)
	}
	if got := res.Request.(*req).Name; got != "Alice" {
		t.Fatalf("name: got %q", got)
	}
	if got := GetTransport(res.EnrichCtx(context.Background())); got != "mcp" {
		t.Fatalf("transport: got %q", got)
	}

	if _, err := decode(&mcp.CallToolRequest{Params: &mcp.CallToolParamsRaw{Arguments: []byte(`{`)}}); err == nil {
		t.Fatal("expected error for malformed arguments")
	}
}

func TestRegisterMCPTool_LogsAndAppliesMiddlewares(t *testing.T) {
	var buf bytes.Buffer
	prev := slog.Default()
	slog.SetDefault(slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug})))
	t.Cleanup(func() { slog.SetDefault(prev) })

	type echoReq struct {
		Text string `json:"text"`
	}
	var seen []string
	record := func(name string) Middleware {
		return func(next Endpoint) Endpoint {
			return func(ctx context.Context, req any) (any, error) {
				seen = append(seen, name)
				return next(ctx, req)
			}
		}
	}

	impl := &mcp.Implementation{Name: "kit-test", Version: "0.1.0"}
	srv := mcp.NewServer(impl, nil)
	tool := &mcp.Tool{
		Name: "echo",
		InputSchema: map[string]any{
			"type":       "object",
			"properties": map[string]any{"text": map[string]any{"type": "string"}},
		},
	}
	RegisterMCPTool(srv, tool, func(ctx context.Context, req any) (any, error) {
		return req.(*echoReq).Text, nil
	}, DecodeJSON[echoReq](), record("outer"), record("inner"))

	serverT, clientT := mcp.NewInMemoryTransports()
	ctx := context.Background()
	go func() { _ = srv.Run(ctx, serverT) }()
	session, err := mcp.NewClient(impl, nil).Connect(ctx, clientT, nil)
	if err != nil {
		t.Fatal(err)
	}
	defer session.Close()

	res, err := session.CallTool(ctx, &mcp.CallToolParams{Name: "echo", Arguments: map[string]any{"text": "hai"}})
	if err != nil || res.IsError {
		t.Fatalf("CallTool: res=%+v err=%v", res, err)
	}
	if tc, ok := res.Content[0].(*mcp.TextContent); !ok || tc.Text != `"hai"` {
		t.Fatalf("content = %+v", res.Content)
	}
	if got := strings.Join(seen, ","); got != "outer,inner" {
		t.Errorf("middleware order = %q", got)
	}
	if out := buf.String(); !strings.Contains(out, `"op":"echo"`) || !strings.Contains(out, `"transport":"mcp"`) {
		t.Errorf("call not logged: %s", out)
	}
}
