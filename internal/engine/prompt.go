package engine

import (
	"encoding/json"
	"fmt"
	"strings"

	"agentflow/backend/internal/agent"
	"agentflow/backend/internal/process"
)

func newPrompt(n *process.Node, c process.Contract, request string, input map[string]interface{}) agent.Prompt {
	var b strings.Builder
	fmt.Fprintf(&b, "Task: %s\n", n.DisplayName())
	if c.Skill != "" {
		fmt.Fprintf(&b, "Skill: %s\n", c.Skill)
	}
	if doc := strings.TrimSpace(n.Documentation); doc != "" {
		fmt.Fprintf(&b, "\nInstructions:\n%s\n", doc)
	}
	if request != "" {
		fmt.Fprintf(&b, "\nRequest:\n%s\n", request)
	}
	if len(input) > 0 {
		data, err := json.MarshalIndent(input, "", "  ")
		if err == nil {
			fmt.Fprintf(&b, "\nInput:\n%s\n", data)
		}
	}
	if len(c.Outputs) > 0 {
		fmt.Fprintf(&b, "\nRespond with a JSON object containing the keys: %s.\n", strings.Join(c.Outputs, ", "))
	}
	return agent.Prompt{Task: n.DisplayName(), Text: b.String(), Outputs: c.Outputs}
}
