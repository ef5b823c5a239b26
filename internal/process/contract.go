package process

import (
	"bufio"
	"strings"
)

// Contract is a task's declared data interface. Inputs are looked up across
// prior task outputs; Outputs name the keys the worker is expected to return.
type Contract struct {
	Version int      `json:"version"`
	Inputs  []string `json:"inputs,omitempty"`
	Outputs []string `json:"outputs,omitempty"`
	Worker  string   `json:"worker,omitempty"`
	Skill   string   `json:"skill,omitempty"`
	// FromText is set when the contract was recovered from documentation.
	FromText bool `json:"from_text,omitempty"`
}

// Empty reports whether the contract declares nothing.
func (c Contract) Empty() bool {
	return len(c.Inputs) == 0 && len(c.Outputs) == 0 && c.Worker == "" && c.Skill == ""
}

func contractFor(n RawNode) (Contract, bool) {
	if n.Contract != nil {
		c := Contract{
			Version: n.Contract.Version,
			Inputs:  cleanKeys(n.Contract.Inputs),
			Outputs: cleanKeys(n.Contract.Outputs),
			Worker:  strings.TrimSpace(n.Contract.Worker),
			Skill:   strings.TrimSpace(n.Contract.Skill),
		}
		if c.Version == 0 {
			c.Version = 1
		}
		return c, !c.Empty()
	}
	c := parseDocumentation(n.Documentation)
	return c, !c.Empty()
}

// parseDocumentation reads "Inputs:", "Outputs:", "Worker:" and "Skill:"
// lines out of free text.
func parseDocumentation(doc string) Contract {
	c := Contract{FromText: true}
	if strings.TrimSpace(doc) == "" {
		return c
	}
	sc := bufio.NewScanner(strings.NewReader(doc))
	for sc.Scan() {
		line := strings.TrimSpace(sc.Text())
		line = strings.TrimLeft(line, "-*• ")
		label, value, ok := strings.Cut(line, ":")
		if !ok {
			continue
		}
		value = strings.TrimSpace(value)
		switch strings.ToLower(strings.TrimSpace(label)) {
		case "inputs", "input":
			c.Inputs = append(c.Inputs, splitKeys(value)...)
		case "outputs", "output":
			c.Outputs = append(c.Outputs, splitKeys(value)...)
		case "worker", "agent":
			c.Worker = value
		case "skill":
			c.Skill = value
		}
	}
	return c
}

func splitKeys(s string) []string {
	fields := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == ';' })
	return cleanKeys(fields)
}

func cleanKeys(keys []string) []string {
	var out []string
	seen := make(map[string]bool, len(keys))
	for _, k := range keys {
		k = strings.Trim(strings.TrimSpace(k), "`\"'")
		if k == "" || seen[k] {
			continue
		}
		seen[k] = true
		out = append(out, k)
	}
	return out
}
