package docpipe

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

var testMCPImpl = &mcp.Implementation{Name: "docpipe-test", Version: "0.1.0"}

func mcpSession(t *testing.T, cfg Config) *mcp.ClientSession {
	t.Helper()
	pipe := New(cfg)
	srv := mcp.NewServer(testMCPImpl, nil)
	pipe.RegisterMCP(srv)

	serverT, clientT := mcp.NewInMemoryTransports()
	ctx := context.Background()
	go func() { _ = srv.Run(ctx, serverT) }()

	client := mcp.NewClient(testMCPImpl, nil)
	session, err := client.Connect(ctx, clientT, nil)
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	t.Cleanup(func() { session.Close() })
	return session
}

func mcpCallTool(t *testing.T, session *mcp.ClientSession, name string, args any) (string, bool) {
	t.Helper()
	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	if err != nil {
		t.Fatalf("CallTool(%s): %v", name, err)
	}
	tc, ok := result.Content[0].(*mcp.TextContent)
	if !ok {
		t.Fatalf("CallTool(%s): expected TextContent", name)
	}
	return tc.Text, result.IsError
}

func TestMCP_Formats(t *testing.T) {
	session := mcpSession(t, Config{})

	text, isErr := mcpCallTool(t, session, "docpipe_formats", map[string]any{})
	if isErr {
		t.Fatalf("tool error: %s", text)
	}
	var resp struct {
		Formats []string `json:"formats"`
	}
	if err := json.Unmarshal([]byte(text), &resp); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(resp.Formats) != 4 {
		t.Errorf("expected 4 formats, got %v", resp.Formats)
	}
}

func TestMCP_Detect(t *testing.T) {
	session := mcpSession(t, Config{})

	tests := []struct {
		path   string
		format string
	}{
		{"kontak.vcf", "vcf"},
		{"list.TXT", "txt"},
		{"book.xlsx", "xlsx"},
		{"export.csv", "csv"},
	}
	for _, tt := range tests {
		text, isErr := mcpCallTool(t, session, "docpipe_detect", map[string]any{"path": tt.path})
		if isErr {
			t.Errorf("Detect(%q) tool error: %s", tt.path, text)
			continue
		}
		var resp struct {
			Format string `json:"format"`
		}
		json.Unmarshal([]byte(text), &resp)
		if resp.Format != tt.format {
			t.Errorf("Detect(%q) = %q, want %q", tt.path, resp.Format, tt.format)
		}
	}

	if _, isErr := mcpCallTool(t, session, "docpipe_detect", map[string]any{"path": "photo.jpg"}); !isErr {
		t.Error("expected tool error for unsupported format")
	}
}

func TestMCP_ReadSheet_ConfinedToRoot(t *testing.T) {
	root := t.TempDir()
	os.WriteFile(filepath.Join(root, "list.csv"), []byte("Nama,Nomor\nAlice,0811\n"), 0o644)
	session := mcpSession(t, Config{Root: root})

	text, isErr := mcpCallTool(t, session, "docpipe_read_sheet", map[string]any{"path": "list.csv"})
	if isErr {
		t.Fatalf("tool error: %s", text)
	}
	var sheet Sheet
	if err := json.Unmarshal([]byte(text), &sheet); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if len(sheet.Pairs) != 1 || sheet.Pairs[0].Name != "Alice" {
		t.Errorf("pairs = %+v", sheet.Pairs)
	}

	if _, isErr := mcpCallTool(t, session, "docpipe_read_sheet", map[string]any{"path": "../etc/passwd"}); !isErr {
		t.Error("expected tool error for path outside root")
	}
}
