// Package process turns a raw multi-participant process definition into an
// executable graph.
package process

import (
	"fmt"

	"gopkg.in/yaml.v3"
)

// Definition is the raw, authored process document. YAML and JSON sources
// share this schema.
type Definition struct {
	ID                string             `yaml:"id" json:"id"`
	Name              string             `yaml:"name" json:"name"`
	Version           int                `yaml:"version" json:"version"`
	Participants      []RawParticipant   `yaml:"participants" json:"participants"`
	Processes         []RawProcess       `yaml:"processes" json:"processes"`
	MessageFlows      []RawMessageFlow   `yaml:"messageFlows" json:"messageFlows"`
	DecisionVariables []DecisionVariable `yaml:"decisionVariables" json:"decisionVariables"`
}

// RawParticipant is a pool in the definition. Process links the pool to one
// of the definition's processes.
type RawParticipant struct {
	ID      string `yaml:"id" json:"id"`
	Name    string `yaml:"name" json:"name"`
	Role    string `yaml:"role" json:"role"`
	Process string `yaml:"process" json:"process"`
	Human   bool   `yaml:"human" json:"human"`
}

type RawProcess struct {
	ID    string    `yaml:"id" json:"id"`
	Name  string    `yaml:"name" json:"name"`
	Human bool      `yaml:"human" json:"human"`
	Lanes []RawLane `yaml:"lanes" json:"lanes"`
	Nodes []RawNode `yaml:"nodes" json:"nodes"`
	Flows []RawFlow `yaml:"flows" json:"flows"`
}

type RawLane struct {
	Name  string   `yaml:"name" json:"name"`
	Nodes []string `yaml:"nodes" json:"nodes"`
}

type RawNode struct {
	ID            string       `yaml:"id" json:"id"`
	Type          string       `yaml:"type" json:"type"`
	Name          string       `yaml:"name" json:"name"`
	Documentation string       `yaml:"documentation" json:"documentation"`
	Human         bool         `yaml:"human" json:"human"`
	Contract      *RawContract `yaml:"contract" json:"contract"`
	// Routing is "static" or "reasoned" (default) for exclusive gateways.
	Routing string `yaml:"routing" json:"routing"`
}

// RawContract is the explicit, versioned data contract of a task.
type RawContract struct {
	Version int      `yaml:"version" json:"version"`
	Inputs  []string `yaml:"inputs" json:"inputs"`
	Outputs []string `yaml:"outputs" json:"outputs"`
	Worker  string   `yaml:"worker" json:"worker"`
	Skill   string   `yaml:"skill" json:"skill"`
}

type RawFlow struct {
	ID        string `yaml:"id" json:"id"`
	Source    string `yaml:"source" json:"source"`
	Target    string `yaml:"target" json:"target"`
	Name      string `yaml:"name" json:"name"`
	Condition string `yaml:"condition" json:"condition"`
}

// RawMessageFlow is a hand-off edge between pools. Source and Target are node
// or participant ids.
type RawMessageFlow struct {
	ID     string `yaml:"id" json:"id"`
	Source string `yaml:"source" json:"source"`
	Target string `yaml:"target" json:"target"`
}

// DecisionVariable declares a routing variable a worker may set in its output
// together with the value that counts as success.
type DecisionVariable struct {
	Name    string      `yaml:"name" json:"name"`
	Success interface{} `yaml:"success" json:"success"`
}

// Parse decodes a YAML or JSON process document.
func Parse(data []byte) (*Definition, error) {
	var def Definition
	if err := yaml.Unmarshal(data, &def); err != nil {
		return nil, &DefinitionError{Reason: fmt.Sprintf("unreadable document: %v", err)}
	}
	if len(def.Processes) == 0 {
		return nil, &DefinitionError{Reason: "document declares no processes"}
	}
	return &def, nil
}
