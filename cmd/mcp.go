package cmd

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"github.com/spf13/cobra"

	"github.com/lexatlas/lexrag/pkg/orchestrator"
	"github.com/lexatlas/lexrag/pkg/retriever"
)

var mcpCmd = &cobra.Command{
	Use:   "mcp",
	Short: "Run the Model Context Protocol server",
	Long: `Exposes lexrag to MCP clients (Claude Desktop, IDEs, agents).

Tools:
  retrieve_context  Hybrid retrieval over the regulatory corpus. Returns the
                    assembled context, the surviving chunks and stage stats.
  ask               Full question answering with session memory.

Resources:
  lexrag://ingest/status  Aggregate ingestion status as JSON.

Transports:
  stdio (default)   For clients that spawn the server as a subprocess.
  http              Streamable HTTP on --mcp-port.

Example Claude Desktop config:
  {
    "mcpServers": {
      "lexrag": {
        "command": "lexrag",
        "args": ["mcp", "--config", "/etc/lexrag.yaml"]
      }
    }
  }`,
	RunE: runMCP,
}

func init() {
	rootCmd.AddCommand(mcpCmd)

	mcpCmd.Flags().String("transport", "stdio", "transport: stdio or http")
	mcpCmd.Flags().Int("mcp-port", 8081, "listen port for the http transport")
}

func runMCP(cmd *cobra.Command, args []string) error {
	transport, _ := cmd.Flags().GetString("transport")
	port, _ := cmd.Flags().GetInt("mcp-port")

	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	s := server.NewMCPServer(
		"lexrag",
		"0.1.0",
		server.WithToolCapabilities(false),
		server.WithResourceCapabilities(true, false),
	)

	registerTools(s, a)
	registerResources(s, a)

	switch transport {
	case "stdio", "":
		a.log.Info().Msg("mcp server on stdio")
		return server.ServeStdio(s)
	case "http":
		addr := fmt.Sprintf(":%d", port)
		a.log.Info().Str("addr", addr).Msg("mcp server on http")
		httpServer := server.NewStreamableHTTPServer(s, server.WithStateful(true))
		return httpServer.Start(addr)
	default:
		return fmt.Errorf("unsupported transport: %q (supported: stdio, http)", transport)
	}
}

func registerTools(s *server.MCPServer, a *app) {
	retrieveTool := mcp.NewTool("retrieve_context",
		mcp.WithDescription("Search the regulatory corpus with hybrid retrieval "+
			"(vector, cluster, BM25 and entity lookups followed by LLM reranking) "+
			"and return the assembled context without composing an answer."),
		mcp.WithString("query",
			mcp.Required(),
			mcp.Description("The question or search text, in Spanish or English"),
		),
	)
	s.AddTool(retrieveTool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := request.RequireString("query")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}

		info := a.intel.Understand(ctx, query)
		result, err := a.retriever.Retrieve(ctx, query, info, retriever.NewState())
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("retrieval failed: %v", err)), nil
		}

		out := map[string]interface{}{
			"context": result.Context,
			"chunks":  len(result.Chunks),
			"stats": map[string]interface{}{
				"vector_hits":  result.Stats.VectorHits,
				"cluster_hits": result.Stats.ClusterHits,
				"bm25_hits":    result.Stats.BM25Hits,
				"entity_hits":  result.Stats.EntityHits,
				"merged":       result.Stats.Merged,
				"final":        result.Stats.Final,
				"reranked":     result.Stats.Reranked,
				"tokens":       result.Stats.Tokens,
				"latency_ms":   result.Stats.Latency.Milliseconds(),
			},
		}
		return toolResultJSON(out)
	})

	askTool := mcp.NewTool("ask",
		mcp.WithDescription("Answer a question about the regulatory corpus. "+
			"Runs planning, optional query understanding, hybrid retrieval and "+
			"answer composition. Pass session_id to continue a conversation."),
		mcp.WithString("query",
			mcp.Required(),
			mcp.Description("The question, in Spanish or English"),
		),
		mcp.WithString("user_id",
			mcp.Description("Caller identity for session ownership (default: mcp)"),
		),
		mcp.WithString("session_id",
			mcp.Description("Existing session to continue; empty starts a new one"),
		),
	)
	s.AddTool(askTool, func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		query, err := request.RequireString("query")
		if err != nil {
			return mcp.NewToolResultError(err.Error()), nil
		}
		userID := request.GetString("user_id", "mcp")
		sessionID := request.GetString("session_id", "")

		answer, err := a.orch.Ask(ctx, orchestrator.Request{
			Query:     query,
			UserID:    userID,
			SessionID: sessionID,
		})
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("ask failed: %v", err)), nil
		}

		out := map[string]interface{}{
			"response":   answer.Response,
			"session_id": answer.SessionID,
			"agent":      answer.AgentUsed,
			"cached":     answer.Cached,
		}
		if answer.ReportPath != "" {
			out["report_path"] = answer.ReportPath
		}
		if answer.SubQueries > 0 {
			out["sub_queries"] = answer.SubQueries
		}
		return toolResultJSON(out)
	})
}

func registerResources(s *server.MCPServer, a *app) {
	statusResource := mcp.NewResource(
		"lexrag://ingest/status",
		"Ingestion status",
		mcp.WithResourceDescription("Aggregate document ingestion status: per-document stage, progress and quarantine counts"),
		mcp.WithMIMEType("application/json"),
	)
	s.AddResource(statusResource, func(ctx context.Context, request mcp.ReadResourceRequest) ([]mcp.ResourceContents, error) {
		pipeline, err := a.newPipeline(0)
		if err != nil {
			return nil, err
		}
		report, err := pipeline.Status()
		if err != nil {
			return nil, err
		}
		data, err := json.MarshalIndent(report, "", "  ")
		if err != nil {
			return nil, err
		}
		return []mcp.ResourceContents{
			mcp.TextResourceContents{
				URI:      "lexrag://ingest/status",
				MIMEType: "application/json",
				Text:     string(data),
			},
		}, nil
	})
}

func toolResultJSON(v interface{}) (*mcp.CallToolResult, error) {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return mcp.NewToolResultError(fmt.Sprintf("encoding result: %v", err)), nil
	}
	return mcp.NewToolResultText(string(data)), nil
}
