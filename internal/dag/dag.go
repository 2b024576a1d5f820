// Package dag validates planner task graphs and evaluates per-layer
// gating conditions against the outputs of earlier layers.
package dag

import (
	"fmt"
	"sort"

	"github.com/expr-lang/expr"

	"github.com/pmlhq/pml-gateway/pkg/models"
)

// Validate checks structural soundness: unique task ids, known
// dependencies, and every dependency resolved in a strictly earlier layer.
func Validate(tasks []models.DAGTask) error {
	byID := make(map[string]models.DAGTask, len(tasks))
	for _, t := range tasks {
		if t.ID == "" {
			return fmt.Errorf("task with empty id")
		}
		if _, dup := byID[t.ID]; dup {
			return fmt.Errorf("duplicate task id %q", t.ID)
		}
		if t.LayerIndex < 0 {
			return fmt.Errorf("task %q: negative layer index", t.ID)
		}
		byID[t.ID] = t
	}
	for _, t := range tasks {
		for _, dep := range t.DependsOn {
			d, ok := byID[dep]
			if !ok {
				return fmt.Errorf("task %q depends on unknown task %q", t.ID, dep)
			}
			if d.LayerIndex >= t.LayerIndex {
				return fmt.Errorf("task %q (layer %d) depends on %q (layer %d): dependencies must resolve in earlier layers",
					t.ID, t.LayerIndex, dep, d.LayerIndex)
			}
		}
	}
	return nil
}

// Layers groups tasks by ascending layer index. Within a layer, task
// order follows the input.
func Layers(tasks []models.DAGTask) [][]models.DAGTask {
	byLayer := make(map[int][]models.DAGTask)
	for _, t := range tasks {
		byLayer[t.LayerIndex] = append(byLayer[t.LayerIndex], t)
	}
	indices := make([]int, 0, len(byLayer))
	for i := range byLayer {
		indices = append(indices, i)
	}
	sort.Ints(indices)
	out := make([][]models.DAGTask, 0, len(indices))
	for _, i := range indices {
		out = append(out, byLayer[i])
	}
	return out
}

// ValidateConditions compiles every task's gating expression, rejecting
// plans with malformed conditions before execution starts. Evaluation
// against real layer outputs happens later via EvalCondition.
func ValidateConditions(tasks []models.DAGTask) error {
	for _, t := range tasks {
		if t.Condition == "" {
			continue
		}
		if _, err := expr.Compile(t.Condition, expr.AsBool(), expr.AllowUndefinedVariables()); err != nil {
			return fmt.Errorf("task %q: %w", t.ID, err)
		}
	}
	return nil
}

// EvalCondition evaluates a task's boolean gating expression against the
// accumulated results of earlier layers. An empty condition passes.
func EvalCondition(condition string, env map[string]interface{}) (bool, error) {
	if condition == "" {
		return true, nil
	}
	if env == nil {
		env = map[string]interface{}{}
	}
	program, err := expr.Compile(condition, expr.AsBool(), expr.AllowUndefinedVariables())
	if err != nil {
		return false, fmt.Errorf("compile condition %q: %w", condition, err)
	}
	out, err := expr.Run(program, env)
	if err != nil {
		return false, fmt.Errorf("evaluate condition %q: %w", condition, err)
	}
	ok, isBool := out.(bool)
	if !isBool {
		return false, fmt.Errorf("condition %q did not evaluate to a boolean", condition)
	}
	return ok, nil
}
