package process

import "errors"

// DefinitionError reports a process definition that cannot be executed.
type DefinitionError struct {
	Reason string
	NodeID string
}

func (e *DefinitionError) Error() string {
	if e.NodeID != "" {
		return "definition error: " + e.Reason + " (" + e.NodeID + ")"
	}
	return "definition error: " + e.Reason
}

// IsDefinitionError reports whether err wraps a *DefinitionError.
func IsDefinitionError(err error) bool {
	var de *DefinitionError
	return errors.As(err, &de)
}
