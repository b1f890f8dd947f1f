// Package mcptool serves FRAP analysis as MCP tools over stdio.
package mcptool

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/rbnvrw/frapalyzer/internal/pipeline"
	"github.com/rbnvrw/frapalyzer/internal/report"
	"github.com/rbnvrw/frapalyzer/internal/source"
	"github.com/rs/zerolog/log"
)

const (
	ServerName    = "FRAPalyzer"
	ServerVersion = "0.1.0"
)

const uriHelp = "ND2 file to read: a local path, file://, http://, https:// or ssh://user@host/path."

type Tools struct {
	Runner pipeline.Runner
}

func NewTools(runner pipeline.Runner) *Tools {
	runner.Caller = pipeline.CallerMCP
	return &Tools{Runner: runner}
}

// NewServer registers analyze_frap, list_rois and describe_nd2.
func NewServer(t *Tools) *server.MCPServer {
	s := server.NewMCPServer(
		ServerName,
		ServerVersion,
		server.WithLogging(),
		server.WithRecovery(),
	)

	analyzeTool := mcp.NewTool("analyze_frap",
		mcp.WithDescription("Analyze a FRAP experiment stored in a Nikon ND2 file. Returns background-corrected ROI intensities, the normalized recovery curve and recovery statistics."),
		mcp.WithString("uri",
			mcp.Description(uriHelp),
			mcp.Required(),
		),
		mcp.WithNumber("channel",
			mcp.Description("Image component (channel) to analyze."),
			mcp.DefaultNumber(float64(t.Runner.Analysis.Channel)),
		),
		mcp.WithString("output_format",
			mcp.Description("Output format of the analysis."),
			mcp.DefaultString("text"),
			mcp.Enum("text", "markdown", "json", "csv"),
		),
	)
	roisTool := mcp.NewTool("list_rois",
		mcp.WithDescription("List the regions of interest stored in an ND2 file with their role, shape, geometry and pixel count."),
		mcp.WithString("uri",
			mcp.Description(uriHelp),
			mcp.Required(),
		),
	)
	describeTool := mcp.NewTool("describe_nd2",
		mcp.WithDescription("Describe an ND2 file: image layout, calibration, experiment loops and ROIs."),
		mcp.WithString("uri",
			mcp.Description(uriHelp),
			mcp.Required(),
		),
	)

	s.AddTool(analyzeTool, t.AnalyzeFRAP)
	s.AddTool(roisTool, t.ListROIs)
	s.AddTool(describeTool, t.DescribeND2)
	return s
}

// Serve runs the MCP server on stdin and stdout until the client hangs up.
func Serve(t *Tools) error {
	log.Info().Str("server", ServerName).Msg("starting mcp server via stdio")
	return server.ServeStdio(NewServer(t))
}

func (t *Tools) AnalyzeFRAP(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	args := request.Params.Arguments
	uri, err := requireURI(args)
	if err != nil {
		return nil, err
	}
	outputFormat, ok := args["output_format"].(string)
	if !ok {
		outputFormat = "text"
	}
	format, err := report.ParseFormat(outputFormat)
	if err != nil {
		return nil, err
	}

	runner := t.Runner
	if ch, ok := args["channel"].(float64); ok {
		if ch < 0 || ch != float64(int(ch)) {
			return nil, fmt.Errorf("invalid argument: channel must be a non-negative integer, got %v", ch)
		}
		runner.Analysis.Channel = int(ch)
	}

	log.Info().Str("uri", uri).Int("channel", runner.Analysis.Channel).Str("format", string(format)).Msg("handling analyze_frap")
	res, err := runner.Analyze(ctx, uri)
	if err != nil {
		return nil, fmt.Errorf("analyze %s: %w", uri, err)
	}
	out, err := report.String(res, format)
	if err != nil {
		return nil, err
	}
	return textResult(out), nil
}

func (t *Tools) ListROIs(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	uri, err := requireURI(request.Params.Arguments)
	if err != nil {
		return nil, err
	}
	meta, err := t.Runner.Describe(ctx, uri)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", uri, err)
	}
	return textResult(report.ROITable(meta)), nil
}

func (t *Tools) DescribeND2(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
	uri, err := requireURI(request.Params.Arguments)
	if err != nil {
		return nil, err
	}
	meta, err := t.Runner.Describe(ctx, uri)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", uri, err)
	}
	return textResult(report.Describe(source.Name(uri), meta)), nil
}

func requireURI(args map[string]interface{}) (string, error) {
	uri, ok := args["uri"].(string)
	if !ok || uri == "" {
		return "", fmt.Errorf("missing or invalid required argument: uri (string)")
	}
	return uri, nil
}

func textResult(text string) *mcp.CallToolResult {
	return &mcp.CallToolResult{
		Content: []mcp.Content{
			mcp.TextContent{
				Type: "text",
				Text: text,
			},
		},
	}
}
