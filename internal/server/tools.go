package server

// Tool represents an MCP tool definition
type Tool struct {
	Name        string                 `json:"name"`
	Description string                 `json:"description"`
	InputSchema map[string]interface{} `json:"inputSchema"`
}

func pathProperty() map[string]interface{} {
	return map[string]interface{}{
		"type":        "string",
		"description": "Absolute path to the smear image file (PNG, JPEG, TIFF or BMP)",
	}
}

func boxProperties(props map[string]interface{}) map[string]interface{} {
	for _, k := range []string{"x1", "y1", "x2", "y2"} {
		props[k] = map[string]interface{}{
			"type":        "number",
			"description": "Box corner in original image pixels",
		}
	}
	return props
}

// GetToolDefinitions returns all available tools
func GetToolDefinitions() []Tool {
	return []Tool{
		// Image Information
		{
			Name:        "smear_load",
			Description: "Load a blood smear image and return its dimensions, format and the scale factors between detector space and the image.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"path": pathProperty(),
				},
				"required": []string{"path"},
			},
		},

		// Detection
		{
			Name:        "smear_detect",
			Description: "Detect red blood cells in a smear image. Returns boxes in original image coordinates after the area outlier filter and score threshold, optionally with an overview image of the numbered boxes.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"path": pathProperty(),
					"score_threshold": map[string]interface{}{
						"type":        "number",
						"description": "Minimum detection score in percent (0-100). Defaults to the server setting",
					},
					"area_tolerance": map[string]interface{}{
						"type":        "number",
						"description": "Percent above the mean box area a box may reach before it is dropped. Defaults to the server setting",
					},
					"include_overview": map[string]interface{}{
						"type":        "boolean",
						"description": "Return the image with numbered boxes as base64 PNG. Default false",
						"default":     false,
					},
				},
				"required": []string{"path"},
			},
		},

		// Cell Operations
		{
			Name:        "cell_crop",
			Description: "Cut the fixed-size square window around a cell box. Returns the clean crop and a copy with the box outlined, both as base64 PNG.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": boxProperties(map[string]interface{}{
					"path": pathProperty(),
					"size": map[string]interface{}{
						"type":        "integer",
						"description": "Crop side in pixels. Defaults to the server setting (80)",
					},
				}),
				"required": []string{"path", "x1", "y1", "x2", "y2"},
			},
		},
		{
			Name:        "cell_classify",
			Description: "Classify one cell as Circular, Elongated or Other and return the Grad-CAM overlay that explains the decision as base64 PNG.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": boxProperties(map[string]interface{}{
					"path": pathProperty(),
				}),
				"required": []string{"path", "x1", "y1", "x2", "y2"},
			},
		},

		// Runs
		{
			Name:        "smear_analyze",
			Description: "Queue a full analysis run (detect, crop, classify, explain, summarize) and return its run_id immediately. A notifications/run_complete message is sent when the run finishes.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"path": pathProperty(),
					"subject_id": map[string]interface{}{
						"type":        "string",
						"description": "Optional patient or sample identifier recorded with the summary",
					},
				},
				"required": []string{"path"},
			},
		},
		{
			Name:        "smear_run_status",
			Description: "Get the status of a submitted run. Finished runs include the full record with per-cell results and the morphology summary.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"run_id": map[string]interface{}{
						"type":        "string",
						"description": "Run id returned by smear_analyze",
					},
				},
				"required": []string{"run_id"},
			},
		},

		// Aggregation
		{
			Name:        "morphology_summary",
			Description: "Count a list of cell labels and compute each class's percentage of the total.",
			InputSchema: map[string]interface{}{
				"type": "object",
				"properties": map[string]interface{}{
					"labels": map[string]interface{}{
						"type":        "array",
						"items":       map[string]interface{}{"type": "string", "enum": []string{"Circular", "Elongated", "Other"}},
						"description": "Cell labels to aggregate",
					},
					"run_id": map[string]interface{}{
						"type":        "string",
						"description": "Optional id echoed in the summary",
					},
				},
				"required": []string{"labels"},
			},
		},
	}
}

// handleToolsList returns the list of available tools
func (s *Server) handleToolsList(req *MCPRequest) *MCPResponse {
	return &MCPResponse{
		JSONRPC: "2.0",
		ID:      req.ID,
		Result: map[string]interface{}{
			"tools": GetToolDefinitions(),
		},
	}
}
