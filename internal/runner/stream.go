package runner

import (
	"encoding/json"
	"fmt"
	"strings"
	"sync"

	"github.com/cloudforge/cloudforge/internal/events"
)

// streamEvent is the superset of fields used across the stream-json event
// types the child may emit. Unknown fields are ignored by encoding/json.
type streamEvent struct {
	Type string `json:"type"`

	Message *struct {
		Content []contentBlock `json:"content"`
		Usage   *usage         `json:"usage"`
	} `json:"message"`

	SessionID  string `json:"session_id"`
	Result     string `json:"result"`
	Usage      *usage `json:"usage"`
	TotalUsage *usage `json:"total_usage"`

	Delta *struct {
		Text string `json:"text"`
	} `json:"delta"`
}

type contentBlock struct {
	Type  string         `json:"type"`
	Text  string         `json:"text"`
	Name  string         `json:"name"`
	Input map[string]any `json:"input"`
}

type usage struct {
	InputTokens  int `json:"input_tokens"`
	OutputTokens int `json:"output_tokens"`
}

func handleEvent(evt streamEvent, phase string, bus *events.Bus, result *Result, mu *sync.Mutex) {
	switch evt.Type {
	case "assistant":
		if evt.Message == nil {
			return
		}
		for _, block := range evt.Message.Content {
			switch block.Type {
			case "text":
				publish(bus, events.NewTextEvent(phase, block.Text))
			case "tool_use":
				publish(bus, events.NewToolUseEvent(phase, toolUseSummary(block)))
			}
		}
		if evt.Message.Usage != nil {
			addTokens(result, mu, evt.Message.Usage)
		}

	case "content_block_delta":
		if evt.Delta != nil && evt.Delta.Text != "" {
			publish(bus, events.NewTextEvent(phase, evt.Delta.Text))
		}

	case "result":
		if evt.SessionID != "" {
			mu.Lock()
			result.SessionID = evt.SessionID
			mu.Unlock()
			publish(bus, events.NewSessionIDEvent(evt.SessionID))
		}
		if evt.Result != "" {
			mu.Lock()
			result.FinalResult = evt.Result
			mu.Unlock()
			publish(bus, events.NewTextEvent(phase, evt.Result))
		}
		if evt.Usage != nil {
			addTokens(result, mu, evt.Usage)
		}
		if evt.TotalUsage != nil {
			addTokens(result, mu, evt.TotalUsage)
		}

	case "message":
		if evt.Usage != nil {
			addTokens(result, mu, evt.Usage)
		}

	default:
		// Unknown event types are ignored.
	}
}

func addTokens(result *Result, mu *sync.Mutex, u *usage) {
	mu.Lock()
	defer mu.Unlock()
	result.InputTokens += u.InputTokens
	result.OutputTokens += u.OutputTokens
}

// toolUseSummary produces the short one-line description of a tool-use
// block described in the invocation contract.
func toolUseSummary(block contentBlock) string {
	switch block.Name {
	case "Bash", "bash":
		if cmd, ok := block.Input["command"].(string); ok {
			return "Bash: " + cmd
		}
	case "Edit", "Write", "Read":
		if path, ok := block.Input["file_path"].(string); ok {
			return fmt.Sprintf("%s: %s", block.Name, path)
		}
	case "Glob":
		if pattern, ok := block.Input["pattern"].(string); ok {
			return "Glob: " + pattern
		}
	case "Grep":
		pattern, _ := block.Input["pattern"].(string)
		path, _ := block.Input["path"].(string)
		return strings.TrimSpace(fmt.Sprintf("Grep: %s %s", pattern, path))
	}

	encoded, err := json.Marshal(block.Input)
	if err != nil {
		return block.Name
	}
	s := string(encoded)
	if len(s) > 80 {
		s = s[:80]
	}
	return fmt.Sprintf("%s: %s", block.Name, s)
}
