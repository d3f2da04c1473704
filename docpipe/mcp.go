package docpipe

import (
	"context"
	"path/filepath"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/vcfbot/horosafe"
	"github.com/hazyhaar/vcfbot/kit"
)

// RegisterMCP registers the intake tools on an MCP server. Paths given to
// docpipe_read_sheet are resolved under Config.Root when it is set.
func (p *Pipeline) RegisterMCP(srv *mcp.Server) {
	p.registerReadSheetTool(srv)
	p.registerDetectTool(srv)
	p.registerFormatsTool(srv)
}

func inputSchema(properties map[string]any, required []string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

func (p *Pipeline) resolve(path string) (string, error) {
	if p.cfg.Root == "" {
		return filepath.Clean(path), nil
	}
	return horosafe.SafePath(p.cfg.Root, path)
}

// --- read_sheet ---

type pathReq struct {
	Path string `json:"path"`
}

func (p *Pipeline) registerReadSheetTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "docpipe_read_sheet",
		Description: "Read the (name, phone) pairs of a spreadsheet (xlsx, xlsm, csv).",
		InputSchema: inputSchema(map[string]any{
			"path": map[string]any{"type": "string", "description": "Spreadsheet path"},
		}, []string{"path"}),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		path, err := p.resolve(req.(*pathReq).Path)
		if err != nil {
			return nil, err
		}
		return p.ReadSheet(ctx, path)
	}

	kit.RegisterMCPTool(srv, tool, endpoint, kit.DecodeJSON[pathReq]())
}

// --- detect ---

func (p *Pipeline) registerDetectTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "docpipe_detect",
		Description: "Detect the format of an upload from its extension.",
		InputSchema: inputSchema(map[string]any{
			"path": map[string]any{"type": "string", "description": "File name or path"},
		}, []string{"path"}),
	}

	endpoint := func(_ context.Context, req any) (any, error) {
		format, err := p.Detect(req.(*pathReq).Path)
		if err != nil {
			return nil, err
		}
		return map[string]any{"format": string(format)}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, kit.DecodeJSON[pathReq]())
}

// --- formats ---

func (p *Pipeline) registerFormatsTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "docpipe_formats",
		Description: "List all supported upload formats.",
		InputSchema: inputSchema(map[string]any{}, nil),
	}

	endpoint := func(_ context.Context, _ any) (any, error) {
		return map[string]any{"formats": SupportedFormats()}, nil
	}

	decode := func(_ *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		return &kit.MCPDecodeResult{Request: nil}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}
