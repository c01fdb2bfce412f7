package engine

import (
	"fmt"

	"github.com/acormier/loom/internal/models"
	"github.com/acormier/loom/internal/results"
)

// materialize exports the node's produced value from the session and
// persists it in the format its shape calls for. Library nodes leave no
// artifact; only the in-session binding matters.
func (e *Engine) materialize(w Worker, node *models.Node) (models.ResultRef, error) {
	if node.Kind == models.KindLibrary {
		if !w.GlobalIsFunction(node.ID) {
			return models.ResultRef{}, fmt.Errorf("library node %q did not define a function", node.ID)
		}
		return models.ResultRef{Format: models.FormatNone}, nil
	}

	value, err := w.Export(node.ID)
	if err != nil {
		return models.ResultRef{}, fmt.Errorf("cannot serialize result of node %q: %v", node.ID, err)
	}

	format, err := classify(node.Kind, node.ID, value)
	if err != nil {
		return models.ResultRef{}, err
	}

	return e.results.Save(node.ProjectID, node.ID, value, format)
}

// classify picks an encoding by value shape: table-like values become
// columnar CSV, chart tables a JSON chart spec, everything else structured
// JSON. Visual nodes must produce a chart table.
func classify(kind models.NodeKind, nodeID string, value any) (models.ResultFormat, error) {
	if kind == models.KindVisual {
		if !isChart(value) {
			return "", fmt.Errorf("visual node %q did not produce a chart table", nodeID)
		}
		return models.FormatChart, nil
	}
	if results.IsTable(value) {
		return models.FormatTable, nil
	}
	return models.FormatJSON, nil
}

// isChart recognizes the chart table convention: a map with a string mark
// and a data field.
func isChart(value any) bool {
	m, ok := value.(map[string]any)
	if !ok {
		return false
	}
	if _, ok := m["mark"].(string); !ok {
		return false
	}
	_, hasData := m["data"]
	return hasData
}
