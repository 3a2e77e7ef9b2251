package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"
)

// browserActionSchema validates browser_action arguments.
const browserActionSchema = `{
  "type": "object",
  "required": ["actions"],
  "properties": {
    "actions": {
      "type": "array",
      "minItems": 1,
      "maxItems": 100,
      "items": {
        "type": "object",
        "required": ["type"],
        "properties": {
          "type": { "type": "string", "minLength": 1 },
          "url": { "type": "string" },
          "target": { "type": "string" },
          "text": { "type": "string" },
          "seconds": { "type": "number", "minimum": 0 }
        },
        "additionalProperties": true
      }
    }
  },
  "additionalProperties": false
}`

var errForbiddenAction = errors.New("action type not allowed")

// forbiddenActionTypes can execute arbitrary code and are rejected outright
// rather than gated.
var forbiddenActionTypes = map[string]struct{}{
	"execute_script": {},
	"eval":           {},
}

var forbiddenURLSchemes = []string{"javascript:", "data:", "file:"}

// BrowserRunner executes a validated, confirmed action plan. The default
// implementation simulates execution; production swaps in a real automation
// backend behind the same interface.
type BrowserRunner interface {
	Run(ctx context.Context, actions []map[string]any) ([]map[string]any, error)
}

// StubBrowserRunner simulates step execution and reports a per-step log.
type StubBrowserRunner struct{}

// Run records each step as completed without touching a real browser.
func (StubBrowserRunner) Run(_ context.Context, actions []map[string]any) ([]map[string]any, error) {
	log := make([]map[string]any, 0, len(actions))
	for i, action := range actions {
		log = append(log, map[string]any{
			"step":      i + 1,
			"action":    action["type"],
			"status":    "completed",
			"timestamp": time.Now().UTC().Format(time.RFC3339),
		})
	}
	return log, nil
}

// validateBrowserActions applies the safety checks that go beyond schema
// shape: forbidden action types and suspicious URL schemes.
func validateBrowserActions(actions []map[string]any) error {
	for i, action := range actions {
		actionType, _ := action["type"].(string)
		if _, forbidden := forbiddenActionTypes[actionType]; forbidden {
			return fmt.Errorf("%w: %s (step %d)", errForbiddenAction, actionType, i+1)
		}
		if actionType == "navigate" {
			url, _ := action["url"].(string)
			if url == "" {
				return fmt.Errorf("navigate action at step %d missing url", i+1)
			}
			lowered := strings.ToLower(url)
			for _, scheme := range forbiddenURLSchemes {
				if strings.HasPrefix(lowered, scheme) {
					return fmt.Errorf("suspicious URL scheme in step %d", i+1)
				}
			}
		}
	}
	return nil
}

// describeBrowserPlan renders a numbered, human-readable plan without
// exposing typed text content.
func describeBrowserPlan(actions []map[string]any) string {
	var b strings.Builder
	for i, action := range actions {
		actionType, _ := action["type"].(string)
		target, _ := action["target"].(string)
		if target == "" {
			target = "element"
		}

		var desc string
		switch actionType {
		case "navigate":
			url, _ := action["url"].(string)
			desc = "Navigate to " + url
		case "click":
			desc = "Click on " + target
		case "type":
			// Never expose the text being typed.
			desc = "Enter text in " + target
		case "screenshot":
			desc = "Take a screenshot"
		case "wait":
			desc = "Wait"
			if s, ok := action["seconds"].(float64); ok {
				desc = fmt.Sprintf("Wait for %g seconds", s)
			}
		case "download":
			desc = "Download a file"
		default:
			desc = fmt.Sprintf("Perform %s on %s", actionType, target)
		}
		fmt.Fprintf(&b, "%d. %s\n", i+1, desc)
	}
	return strings.TrimRight(b.String(), "\n")
}

func decodeActions(args map[string]any) []map[string]any {
	raw, _ := args["actions"].([]any)
	actions := make([]map[string]any, 0, len(raw))
	for _, item := range raw {
		if m, ok := item.(map[string]any); ok {
			actions = append(actions, m)
		}
	}
	return actions
}

// NewBrowserActionTool builds the high-risk browser_action descriptor. The
// invoker suspends every call for user confirmation before the runner is
// touched; the summary shown to the user is the numbered action plan.
func NewBrowserActionTool(runner BrowserRunner) *Descriptor {
	return &Descriptor{
		Name:        "browser_action",
		Description: "Execute a plan of browser automation steps. Requires explicit user confirmation before anything runs.",
		InputSchema: json.RawMessage(browserActionSchema),
		Risk:        RiskHigh,
		Summarize: func(args map[string]any) string {
			return describeBrowserPlan(decodeActions(args))
		},
		Handler: func(ctx context.Context, args map[string]any) (any, error) {
			actions := decodeActions(args)
			if err := validateBrowserActions(actions); err != nil {
				return nil, err
			}
			log, err := runner.Run(ctx, actions)
			if err != nil {
				return nil, fmt.Errorf("browser automation: %w", err)
			}
			return map[string]any{
				"executed":      len(log),
				"execution_log": log,
			}, nil
		},
	}
}
