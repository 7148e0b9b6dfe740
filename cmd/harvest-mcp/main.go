package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
)

// apiError mirrors the Harvest API error detail.
type apiError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
}

// sessionResponse mirrors the start/stop response.
type sessionResponse struct {
	Success   bool      `json:"success"`
	SessionID string    `json:"session_id"`
	Running   bool      `json:"running"`
	Error     *apiError `json:"error"`
}

// statusResponse mirrors GET /api/v1/session.
type statusResponse struct {
	SessionID string `json:"session_id"`
	Source    string `json:"source"`
	Running   bool   `json:"running"`
	Phase     string `json:"phase"`
	Progress  struct {
		Page int `json:"page"`
		Row  int `json:"row"`
	} `json:"progress"`
	Records   int       `json:"records"`
	Failures  int       `json:"failures"`
	Workers   int       `json:"workers_in_flight"`
	LastError string    `json:"last_error"`
	Error     *apiError `json:"error"`
}

// logResponse mirrors GET /api/v1/session/log.
type logResponse struct {
	Entries []struct {
		Time    int64  `json:"time"`
		Level   string `json:"level"`
		Message string `json:"message"`
	} `json:"entries"`
}

func main() {
	apiURL := os.Getenv("HARVEST_API_URL")
	if apiURL == "" {
		apiURL = "http://127.0.0.1:8080"
	}
	apiKey := os.Getenv("HARVEST_API_KEY")
	if apiKey == "" {
		fmt.Fprintln(os.Stderr, "HARVEST_API_KEY is required")
		os.Exit(1)
	}

	c := &client{
		http:   &http.Client{Timeout: 60 * time.Second},
		apiURL: apiURL,
		apiKey: apiKey,
	}

	s := server.NewMCPServer(
		"harvest",
		"1.0.0",
		server.WithToolCapabilities(false),
	)

	startTool := mcp.NewTool("start_session",
		mcp.WithDescription("Start a scrape session: walk the rows of a paginated list view, open each row's detail view in an isolated tab and collect the extracted fields."),
		mcp.WithString("list_url",
			mcp.Description("The list view to walk. Defaults to the server's configured list URL."),
		),
	)
	s.AddTool(startTool, handleStart(c))

	stopTool := mcp.NewTool("stop_session",
		mcp.WithDescription("Stop the running scrape session. Records collected so far are kept."),
	)
	s.AddTool(stopTool, handleStop(c))

	statusTool := mcp.NewTool("session_status",
		mcp.WithDescription("Report the current session: phase, page/row cursor, record and failure counts."),
	)
	s.AddTool(statusTool, handleStatus(c))

	exportTool := mcp.NewTool("export_records",
		mcp.WithDescription("Return the records collected by the current session as JSON."),
		mcp.WithNumber("limit",
			mcp.Description("Return at most this many records (default: all)"),
		),
	)
	s.AddTool(exportTool, handleExport(c))

	logTool := mcp.NewTool("session_log",
		mcp.WithDescription("Return the recent activity log of the scraper."),
	)
	s.AddTool(logTool, handleLog(c))

	if err := server.ServeStdio(s); err != nil {
		fmt.Fprintf(os.Stderr, "server error: %v\n", err)
		os.Exit(1)
	}
}

type client struct {
	http   *http.Client
	apiURL string
	apiKey string
}

// do sends a request to the Harvest API and returns the response body.
func (c *client) do(ctx context.Context, method, path string, payload interface{}) ([]byte, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.apiURL+path, body)
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-API-Key", c.apiKey)

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("API request failed: %w", err)
	}
	defer resp.Body.Close()

	return io.ReadAll(resp.Body)
}

func errorText(fallback string, e *apiError) string {
	if e == nil {
		return fallback
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

func handleStart(c *client) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		payload := map[string]string{}
		if listURL := request.GetString("list_url", ""); listURL != "" {
			payload["list_url"] = listURL
		}

		respBody, err := c.do(ctx, http.MethodPost, "/api/v1/session/start", payload)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("start request failed: %v", err)), nil
		}

		var resp sessionResponse
		if err := json.Unmarshal(respBody, &resp); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to parse response: %v", err)), nil
		}
		if !resp.Success {
			return mcp.NewToolResultError(errorText("start failed", resp.Error)), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("Session %s started.", resp.SessionID)), nil
	}
}

func handleStop(c *client) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		respBody, err := c.do(ctx, http.MethodPost, "/api/v1/session/stop", nil)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("stop request failed: %v", err)), nil
		}

		var resp sessionResponse
		if err := json.Unmarshal(respBody, &resp); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to parse response: %v", err)), nil
		}
		if !resp.Success {
			return mcp.NewToolResultError(errorText("stop failed", resp.Error)), nil
		}
		return mcp.NewToolResultText("Session stopped."), nil
	}
}

func handleStatus(c *client) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		respBody, err := c.do(ctx, http.MethodGet, "/api/v1/session", nil)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("status request failed: %v", err)), nil
		}

		var st statusResponse
		if err := json.Unmarshal(respBody, &st); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to parse response: %v", err)), nil
		}
		if st.Error != nil {
			return mcp.NewToolResultError(errorText("status failed", st.Error)), nil
		}

		var sb strings.Builder
		sb.WriteString(fmt.Sprintf("Session: %s\nSource: %s\n", st.SessionID, st.Source))
		sb.WriteString(fmt.Sprintf("Running: %t (phase %s)\n", st.Running, st.Phase))
		sb.WriteString(fmt.Sprintf("Cursor: page %d, row %d\n", st.Progress.Page, st.Progress.Row))
		sb.WriteString(fmt.Sprintf("Records: %d (%d failed), workers in flight: %d\n", st.Records, st.Failures, st.Workers))
		if st.LastError != "" {
			sb.WriteString("Last error: " + st.LastError + "\n")
		}
		return mcp.NewToolResultText(sb.String()), nil
	}
}

func handleExport(c *client) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		respBody, err := c.do(ctx, http.MethodGet, "/api/v1/session/records", nil)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("export request failed: %v", err)), nil
		}

		var records []json.RawMessage
		if err := json.Unmarshal(respBody, &records); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to parse records: %v", err)), nil
		}
		total := len(records)
		if limit := request.GetInt("limit", 0); limit > 0 && limit < total {
			records = records[:limit]
		}

		pretty, err := json.MarshalIndent(records, "", "  ")
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to format records: %v", err)), nil
		}
		return mcp.NewToolResultText(fmt.Sprintf("%d of %d records:\n%s", len(records), total, pretty)), nil
	}
}

func handleLog(c *client) server.ToolHandlerFunc {
	return func(ctx context.Context, request mcp.CallToolRequest) (*mcp.CallToolResult, error) {
		respBody, err := c.do(ctx, http.MethodGet, "/api/v1/session/log", nil)
		if err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("log request failed: %v", err)), nil
		}

		var log logResponse
		if err := json.Unmarshal(respBody, &log); err != nil {
			return mcp.NewToolResultError(fmt.Sprintf("failed to parse log: %v", err)), nil
		}

		var sb strings.Builder
		for _, e := range log.Entries {
			ts := time.UnixMilli(e.Time).Format(time.TimeOnly)
			sb.WriteString(fmt.Sprintf("%s [%s] %s\n", ts, e.Level, e.Message))
		}
		if sb.Len() == 0 {
			sb.WriteString("No activity yet.")
		}
		return mcp.NewToolResultText(sb.String()), nil
	}
}
