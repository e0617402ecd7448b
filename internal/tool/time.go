package tool

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

const currentTimeDescription = `Get the current date and time.

Use this when the user asks about the current time, or when scheduling
requires knowing today's date. Accepts an optional IANA timezone name.`

var currentTimeParams = json.RawMessage(`{
	"type": "object",
	"properties": {
		"timezone": {
			"type": "string",
			"description": "IANA timezone name, e.g. Europe/Stockholm. Defaults to the server timezone."
		}
	}
}`)

// NewCurrentTimeTool returns the built-in clock tool.
func NewCurrentTimeTool() *BaseTool {
	return NewBaseTool("current_time", currentTimeDescription, currentTimeParams,
		func(ctx context.Context, input map[string]any, toolCtx *Context) (*Result, error) {
			loc := time.Local
			if tz, ok := input["timezone"].(string); ok && tz != "" {
				parsed, err := time.LoadLocation(tz)
				if err != nil {
					return nil, fmt.Errorf("unknown timezone %q", tz)
				}
				loc = parsed
			}

			now := time.Now().In(loc)
			return &Result{
				Title:  "Current time",
				Output: now.Format("Monday, 2 January 2006 15:04 MST"),
				Metadata: map[string]any{
					"iso":      now.Format(time.RFC3339),
					"timezone": loc.String(),
				},
			}, nil
		})
}
