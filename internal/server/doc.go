// Package server implements the MCP (Model Context Protocol) server for red blood
// cell morphology analysis.
//
// This package provides a JSON-RPC 2.0 server that exposes the detection,
// classification and aggregation pipeline through the MCP protocol.
//
// # Protocol
//
// The server communicates over stdio using JSON-RPC 2.0:
//   - Input: JSON-RPC requests on stdin (one per line)
//   - Output: JSON-RPC responses and notifications on stdout
//
// Supported MCP methods:
//   - initialize: Protocol handshake
//   - tools/list: Enumerate available tools
//   - tools/call: Execute a tool with arguments
//   - ping: Health check
//
// # Available Tools
//
// Image Information:
//   - smear_load: Load a smear image and get metadata
//
// Detection:
//   - smear_detect: Detect cells, optionally with a numbered overview image
//
// Cell Operations:
//   - cell_crop: Cut the square window around one cell
//   - cell_classify: Classify one cell and return its Grad-CAM overlay
//
// Runs:
//   - smear_analyze: Queue a full pipeline run, returns a run id
//   - smear_run_status: Status and record of a queued run
//
// Aggregation:
//   - morphology_summary: Count labels and compute class percentages
//
// # Notifications
//
// When a run queued with smear_analyze finishes, the server writes a
// notifications/run_complete message carrying the run id, status, summary and
// failure reason. Server implements pipeline.Notifier for this purpose; it is
// passed to the dispatcher as its notifier and the dispatcher is attached with
// SetDispatcher.
//
// # Error Handling
//
// Tool execution errors are returned as JSON-RPC error responses with:
//   - code: -32000 (tool execution failure) or standard JSON-RPC codes
//   - message: Human-readable error description
//   - data: Additional error details (typically the Go error string)
//
// # Usage
//
//	srv := server.New(server.WithModels(models), server.WithConfig(cfg))
//	d := pipeline.NewDispatcher(p, cfg, pipeline.DispatcherOptions{Notifier: srv})
//	srv.SetDispatcher(d)
//	if err := srv.Run(); err != nil {
//	    log.Fatal(err)
//	}
package server
