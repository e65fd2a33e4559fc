package flow

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/windmill-labs/windmill-core/internal/models"
)

// Context is the sandboxed evaluation context a Transform sees (spec
// §4.5.2): the parent flow's args, a map from prior module ids to their
// results, and step metadata.
type Context struct {
	FlowInput  map[string]any
	Results    map[string]any
	FlowStepID string
	PreviousID string
	Step       int
}

// Resolve evaluates every entry of inputTransforms against ctx, producing
// the Args a child job is pushed with.
func Resolve(inputTransforms map[string]models.Transform, ctx *Context) (models.Args, error) {
	out := make(models.Args, len(inputTransforms))
	for name, t := range inputTransforms {
		v, err := evalTransform(&t, ctx)
		if err != nil {
			return nil, fmt.Errorf("resolve input %q: %w", name, err)
		}
		raw, err := json.Marshal(v)
		if err != nil {
			return nil, fmt.Errorf("marshal input %q: %w", name, err)
		}
		out[name] = raw
	}
	return out, nil
}

func evalTransform(t *models.Transform, ctx *Context) (any, error) {
	switch t.Kind {
	case models.TransformStatic:
		var v any
		if len(t.Value) > 0 {
			if err := json.Unmarshal(t.Value, &v); err != nil {
				return nil, err
			}
		}
		return v, nil
	case models.TransformJavascript:
		return evalExpr(t.Expr, ctx)
	default:
		return nil, fmt.Errorf("unknown transform kind %q", t.Kind)
	}
}

// evalExpr evaluates a constrained subset of the original expression
// language: dotted identifier paths rooted at flow_input/results/
// flow_step_id/previous_id/step (spec §4.5.2's sandboxed context), e.g.
// "results.step1.output" or "flow_input.url". This is not a general
// JavaScript evaluator; arbitrary script expressions are out of scope for
// this implementation (see DESIGN.md).
func evalExpr(expr string, ctx *Context) (any, error) {
	expr = strings.TrimSpace(expr)
	switch expr {
	case "flow_step_id":
		return ctx.FlowStepID, nil
	case "previous_id":
		return ctx.PreviousID, nil
	case "step":
		return ctx.Step, nil
	}

	parts := strings.Split(expr, ".")
	if len(parts) == 0 {
		return nil, fmt.Errorf("empty expression")
	}

	var root map[string]any
	switch parts[0] {
	case "flow_input":
		root = ctx.FlowInput
	case "results":
		root = ctx.Results
	default:
		return nil, fmt.Errorf("expression %q does not start from flow_input/results/flow_step_id/previous_id/step", expr)
	}

	var cur any = root
	for _, p := range parts[1:] {
		m, ok := cur.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("expression %q: %q is not an object", expr, p)
		}
		cur = m[p]
	}
	return cur, nil
}
