package vcard

import (
	"context"
	"strings"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/hazyhaar/vcfbot/kit"
)

// RegisterMCP exposes the engine operations as MCP tools. Every tool takes
// document text inline and returns JSON; engine errors become tool errors.
func RegisterMCP(srv *mcp.Server) {
	registerCountTool(srv)
	registerConvertTool(srv)
	registerExportTool(srv)
	registerMergeTool(srv)
	registerSplitTool(srv)
	registerRenameTool(srv)
	registerDetectTool(srv)
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

var documentProp = map[string]any{"type": "string", "description": "vCard document text"}

// --- count ---

type countReq struct {
	Document string `json:"document"`
}

func registerCountTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "vcard_count",
		Description: "Count the contacts of a vCard document and how many carry a name and a phone.",
		InputSchema: inputSchema(map[string]any{"document": documentProp}, []string{"document"}),
	}
	endpoint := func(_ context.Context, req any) (any, error) {
		r := req.(*countReq)
		return Count(Parse(r.Document)), nil
	}
	kit.RegisterMCPTool(srv, tool, endpoint, kit.DecodeJSON[countReq]())
}

// --- convert (delimited text -> vCard) ---

type convertReq struct {
	Text string `json:"text"`
	Auto bool   `json:"auto"`
}

type convertResp struct {
	Document  string `json:"document"`
	Records   int    `json:"records"`
	Separator string `json:"separator"`
	Skipped   int    `json:"skipped"`
}

func registerConvertTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "vcard_from_text",
		Description: "Convert name|phone lines to a vCard document. With auto, the separator is detected and phones are normalized to the 62 prefix.",
		InputSchema: inputSchema(map[string]any{
			"text": map[string]any{"type": "string", "description": "One contact per line"},
			"auto": map[string]any{"type": "boolean", "description": "Detect the separator and normalize phones"},
		}, []string{"text"}),
	}
	endpoint := func(_ context.Context, req any) (any, error) {
		r := req.(*convertReq)
		mode := ModeExplicit
		if r.Auto {
			mode = ModeAuto
		}
		res, err := IngestDelimited(strings.Split(r.Text, "\n"), mode)
		if err != nil {
			return nil, err
		}
		return convertResp{
			Document:  Serialize(res.Records),
			Records:   len(res.Records),
			Separator: res.Separator.String(),
			Skipped:   res.Skipped,
		}, nil
	}
	kit.RegisterMCPTool(srv, tool, endpoint, kit.DecodeJSON[convertReq]())
}

// --- export (vCard -> delimited text) ---

type exportReq struct {
	Document string `json:"document"`
}

func registerExportTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "vcard_to_text",
		Description: "Export a vCard document as name|phone lines.",
		InputSchema: inputSchema(map[string]any{"document": documentProp}, []string{"document"}),
	}
	endpoint := func(_ context.Context, req any) (any, error) {
		r := req.(*exportReq)
		lines := ExportDelimited(Parse(r.Document))
		if len(lines) == 0 {
			return nil, &EmptyResultError{Op: "export"}
		}
		return map[string]any{"lines": lines}, nil
	}
	kit.RegisterMCPTool(srv, tool, endpoint, kit.DecodeJSON[exportReq]())
}

// --- merge ---

type mergeReq struct {
	Documents []string `json:"documents"`
}

func registerMergeTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "vcard_merge",
		Description: "Concatenate the contacts of several vCard documents in order.",
		InputSchema: inputSchema(map[string]any{
			"documents": map[string]any{"type": "array", "items": documentProp},
		}, []string{"documents"}),
	}
	endpoint := func(_ context.Context, req any) (any, error) {
		r := req.(*mergeReq)
		seq, err := Merge(r.Documents...)
		if err != nil {
			return nil, err
		}
		return map[string]any{"document": Serialize(seq), "records": len(seq)}, nil
	}
	kit.RegisterMCPTool(srv, tool, endpoint, kit.DecodeJSON[mergeReq]())
}

// --- split ---

type splitReq struct {
	Document string `json:"document"`
	Parts    int    `json:"parts,omitempty"`
	Size     int    `json:"size,omitempty"`
}

func registerSplitTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "vcard_split",
		Description: "Split a vCard document into a number of balanced parts, or into parts of a fixed size.",
		InputSchema: inputSchema(map[string]any{
			"document": documentProp,
			"parts":    map[string]any{"type": "integer", "description": "Number of parts (>= 2)"},
			"size":     map[string]any{"type": "integer", "description": "Contacts per part (>= 1)"},
		}, []string{"document"}),
	}
	endpoint := func(_ context.Context, req any) (any, error) {
		r := req.(*splitReq)
		seq := Parse(r.Document)
		var (
			parts []Sequence
			err   error
		)
		switch {
		case r.Parts != 0 && r.Size != 0:
			return nil, &ValidationError{Reason: "parts and size are mutually exclusive"}
		case r.Size != 0:
			parts, err = SplitSize(seq, r.Size)
		default:
			parts, err = SplitParts(seq, r.Parts)
		}
		if err != nil {
			return nil, err
		}
		docs := make([]string, len(parts))
		for i, p := range parts {
			docs[i] = Serialize(p)
		}
		return map[string]any{"documents": docs}, nil
	}
	kit.RegisterMCPTool(srv, tool, endpoint, kit.DecodeJSON[splitReq]())
}

// --- rename ---

type renameReq struct {
	Document string `json:"document"`
	OldName  string `json:"old_name"`
	NewName  string `json:"new_name"`
	Exact    bool   `json:"exact"`
}

func registerRenameTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "vcard_rename",
		Description: "Rename contacts. By default every FN:<old_name> occurrence is replaced, including prefixes of longer names; exact only rewrites whole-name matches.",
		InputSchema: inputSchema(map[string]any{
			"document": documentProp,
			"old_name": map[string]any{"type": "string"},
			"new_name": map[string]any{"type": "string"},
			"exact":    map[string]any{"type": "boolean"},
		}, []string{"document", "old_name", "new_name"}),
	}
	endpoint := func(_ context.Context, req any) (any, error) {
		r := req.(*renameReq)
		mode := RenameSubstring
		if r.Exact {
			mode = RenameExact
		}
		return Rename(r.Document, r.OldName, r.NewName, mode)
	}
	kit.RegisterMCPTool(srv, tool, endpoint, kit.DecodeJSON[renameReq]())
}

// --- detect ---

type detectReq struct {
	Text string `json:"text"`
}

func registerDetectTool(srv *mcp.Server) {
	tool := &mcp.Tool{
		Name:        "vcard_detect_separator",
		Description: "Detect the separator between name and phone in delimited contact lines.",
		InputSchema: inputSchema(map[string]any{
			"text": map[string]any{"type": "string"},
		}, []string{"text"}),
	}
	endpoint := func(_ context.Context, req any) (any, error) {
		r := req.(*detectReq)
		sep, sampled, ok := detect(strings.Split(r.Text, "\n"))
		if !ok {
			return nil, &UndetectableFormatError{Sampled: sampled}
		}
		return map[string]any{"separator": string(sep), "name": sep.String()}, nil
	}
	kit.RegisterMCPTool(srv, tool, endpoint, kit.DecodeJSON[detectReq]())
}
