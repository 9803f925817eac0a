package flow

import (
	"errors"
	"fmt"
	"regexp"

	"github.com/go-playground/validator/v10"

	"github.com/capitalize-ai/chatflow/internal/model"
)

var validate = validator.New()

// ErrInvalidFlow wraps every Validate failure.
var ErrInvalidFlow = errors.New("invalid flow")

// Validate checks a flow definition before it is interpreted: field
// constraints, a single start node, edges between known nodes, known condition
// operators and compilable regex rules.
func Validate(def *model.FlowDefinition) error {
	if err := validate.Struct(def); err != nil {
		return fmt.Errorf("%w: %w", ErrInvalidFlow, err)
	}

	var errs []error
	ids := make(map[string]bool, len(def.Nodes))
	starts := 0
	for _, n := range def.Nodes {
		if ids[n.ID] {
			errs = append(errs, fmt.Errorf("duplicate node id %q", n.ID))
		}
		ids[n.ID] = true
		if n.Type == model.NodeStart {
			starts++
		}
		for _, rule := range n.Data.Rules {
			op, ok := NormalizeOperator(rule.Operator)
			if !ok {
				errs = append(errs, fmt.Errorf("node %s: unknown operator %q", n.ID, rule.Operator))
				continue
			}
			if op == OpRegex {
				if _, err := regexp.Compile(rule.Value); err != nil {
					errs = append(errs, fmt.Errorf("node %s: rule %s: %w", n.ID, rule.ID, err))
				}
			}
		}
	}
	if starts != 1 {
		errs = append(errs, fmt.Errorf("flow must have exactly one start node, found %d", starts))
	}

	for _, e := range def.Edges {
		if !ids[e.Source] {
			errs = append(errs, fmt.Errorf("edge %s: unknown source %q", e.ID, e.Source))
		}
		if !ids[e.Target] {
			errs = append(errs, fmt.Errorf("edge %s: unknown target %q", e.ID, e.Target))
		}
	}

	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", ErrInvalidFlow, errors.Join(errs...))
	}
	return nil
}
