// metagen-toolserver is the reference stdio tool server. It is spawned by
// the metagen supervisor (see the tool_servers config section) and answers
// initialize / list_tools / call_tool over line-delimited JSON-RPC.
//
// The tools here are deliberately small: filesystem reads, a clock, and a
// read-only view over the shared conversation database. They exist to
// exercise pkg/toolsdk end to end and to give new tool-server authors a
// working example.
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"github.com/Crestview-Labs/metagen/pkg/toolsdk"
)

const maxFileBytes = 256 * 1024

func main() {
	name := flag.String("name", "metagen-tools", "server name reported during initialize")
	flag.Parse()

	srv := toolsdk.NewServer(*name)
	if err := registerTools(srv); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}

	if err := srv.Serve(context.Background()); err != nil {
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(1)
	}
}

func registerTools(srv *toolsdk.Server) error {
	registrations := []struct {
		def     toolsdk.ToolDefinition
		handler toolsdk.ToolHandler
	}{
		{
			def: toolsdk.ToolDefinition{
				Name:        "echo",
				Description: "Echo the given text back to the caller.",
				Schema:      toolsdk.MustSchemaFor[echoArgs](),
			},
			handler: echoTool,
		},
		{
			def: toolsdk.ToolDefinition{
				Name:        "current_time",
				Description: "Return the current time, optionally in a named IANA timezone.",
				Schema:      toolsdk.MustSchemaFor[currentTimeArgs](),
			},
			handler: currentTimeTool,
		},
		{
			def: toolsdk.ToolDefinition{
				Name:        "read_file",
				Description: "Read a UTF-8 text file from the local filesystem (truncated at 256 KiB).",
				Schema:      toolsdk.MustSchemaFor[readFileArgs](),
			},
			handler: readFileTool,
		},
		{
			def: toolsdk.ToolDefinition{
				Name:        "list_directory",
				Description: "List the entries of a local directory.",
				Schema:      toolsdk.MustSchemaFor[listDirectoryArgs](),
			},
			handler: listDirectoryTool,
		},
		{
			def: toolsdk.ToolDefinition{
				Name:        "recent_turns",
				Description: "Show the most recent conversation turns from the shared metagen database.",
				Schema:      toolsdk.MustSchemaFor[recentTurnsArgs](),
			},
			handler: recentTurnsTool,
		},
	}

	for _, reg := range registrations {
		if err := srv.RegisterTool(reg.def, reg.handler); err != nil {
			return fmt.Errorf("register %s: %w", reg.def.Name, err)
		}
	}
	return nil
}

type echoArgs struct {
	Text string `json:"text" jsonschema:"required,description=Text to echo back"`
}

func echoTool(_ context.Context, args json.RawMessage) (*toolsdk.ToolResult, error) {
	var in echoArgs
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, err
	}
	return &toolsdk.ToolResult{Content: in.Text}, nil
}

type currentTimeArgs struct {
	Timezone string `json:"timezone,omitempty" jsonschema:"description=IANA timezone name such as America/Los_Angeles; defaults to UTC"`
}

func currentTimeTool(_ context.Context, args json.RawMessage) (*toolsdk.ToolResult, error) {
	var in currentTimeArgs
	if len(args) > 0 {
		if err := json.Unmarshal(args, &in); err != nil {
			return nil, err
		}
	}

	loc := time.UTC
	if in.Timezone != "" {
		var err error
		loc, err = time.LoadLocation(in.Timezone)
		if err != nil {
			return toolsdk.Errorf("unknown timezone %q", in.Timezone), nil
		}
	}
	return &toolsdk.ToolResult{Content: time.Now().In(loc).Format(time.RFC3339)}, nil
}

type readFileArgs struct {
	Path string `json:"path" jsonschema:"required,description=Path of the file to read"`
}

func readFileTool(_ context.Context, args json.RawMessage) (*toolsdk.ToolResult, error) {
	var in readFileArgs
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, err
	}

	data, err := os.ReadFile(in.Path)
	if err != nil {
		return toolsdk.Errorf("read %s: %v", in.Path, err), nil
	}
	if len(data) > maxFileBytes {
		data = data[:maxFileBytes]
		return &toolsdk.ToolResult{Content: string(data) + "\n[truncated]"}, nil
	}
	return &toolsdk.ToolResult{Content: string(data)}, nil
}

type listDirectoryArgs struct {
	Path string `json:"path" jsonschema:"required,description=Directory to list"`
}

func listDirectoryTool(_ context.Context, args json.RawMessage) (*toolsdk.ToolResult, error) {
	var in listDirectoryArgs
	if err := json.Unmarshal(args, &in); err != nil {
		return nil, err
	}

	entries, err := os.ReadDir(in.Path)
	if err != nil {
		return toolsdk.Errorf("list %s: %v", in.Path, err), nil
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() {
			name += string(filepath.Separator)
		}
		names = append(names, name)
	}
	sort.Strings(names)
	return &toolsdk.ToolResult{Content: strings.Join(names, "\n")}, nil
}

type recentTurnsArgs struct {
	Limit int `json:"limit,omitempty" jsonschema:"description=Number of turns to return (1-50); defaults to 5"`
}

func recentTurnsTool(ctx context.Context, args json.RawMessage) (*toolsdk.ToolResult, error) {
	var in recentTurnsArgs
	if len(args) > 0 {
		if err := json.Unmarshal(args, &in); err != nil {
			return nil, err
		}
	}
	limit := in.Limit
	if limit <= 0 {
		limit = 5
	}
	if limit > 50 {
		limit = 50
	}

	path, err := toolsdk.DBPath()
	if err != nil {
		return toolsdk.Errorf("conversation database unavailable: %v", err), nil
	}

	db, err := sql.Open("sqlite", "file:"+url.PathEscape(path)+"?mode=ro")
	if err != nil {
		return toolsdk.Errorf("open database: %v", err), nil
	}
	defer db.Close()

	rows, err := db.QueryContext(ctx,
		`SELECT agent_id, user_query, status, timestamp
		 FROM conversation_turns
		 ORDER BY timestamp DESC
		 LIMIT ?`, limit)
	if err != nil {
		return toolsdk.Errorf("query turns: %v", err), nil
	}
	defer rows.Close()

	var b strings.Builder
	count := 0
	for rows.Next() {
		var agentID, query, status string
		var ts time.Time
		if err := rows.Scan(&agentID, &query, &status, &ts); err != nil {
			return toolsdk.Errorf("scan turn: %v", err), nil
		}
		if query = strings.TrimSpace(query); len(query) > 120 {
			query = query[:120] + "…"
		}
		fmt.Fprintf(&b, "%s [%s] %s: %s\n", ts.Format(time.RFC3339), status, agentID, query)
		count++
	}
	if err := rows.Err(); err != nil {
		return toolsdk.Errorf("read turns: %v", err), nil
	}
	if count == 0 {
		return &toolsdk.ToolResult{Content: "no conversation turns recorded yet"}, nil
	}
	return &toolsdk.ToolResult{Content: strings.TrimRight(b.String(), "\n")}, nil
}
