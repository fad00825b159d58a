// Package condition evaluates automation rule conditions: a sensor value compared
// against a threshold with one of six operators.
package condition

import (
	"fmt"
	"strconv"

	"github.com/Knetic/govaluate"
	"github.com/pkg/errors"
)

var ErrInvalidOperator = errors.New("invalid operator")

// Operators accepted in a rule condition.
var Operators = []string{">", "<", ">=", "<=", "==", "!="}

var expressions = map[string]*govaluate.EvaluableExpression{}

func init() {
	for _, op := range Operators {
		expr, err := govaluate.NewEvaluableExpression("value " + op + " threshold")
		if err != nil {
			panic(err)
		}
		expressions[op] = expr
	}
}

// Valid reports whether op is an accepted operator.
func Valid(op string) bool {
	_, ok := expressions[op]
	return ok
}

// Evaluate compares value against threshold. Comparison follows native float64
// semantics. Unknown operators return ErrInvalidOperator.
func Evaluate(value float64, op string, threshold float64) (bool, error) {
	expr, ok := expressions[op]
	if !ok {
		return false, errors.Wrapf(ErrInvalidOperator, "%q", op)
	}
	params := map[string]interface{}{
		"value":     value,
		"threshold": threshold,
	}
	result, err := expr.Evaluate(params)
	if err != nil {
		return false, errors.Wrapf(err, "evaluating %v %s %v", value, op, threshold)
	}
	b, ok := result.(bool)
	if !ok {
		return false, errors.Errorf("condition %s did not evaluate to a boolean", op)
	}
	return b, nil
}

// Describe renders a condition as shown in history metadata, e.g. "> 28".
func Describe(op string, threshold float64) string {
	return fmt.Sprintf("%s %s", op, FormatValue(threshold))
}

// FormatValue formats a float the way readings are displayed: no trailing zeros,
// but at least one decimal place.
func FormatValue(v float64) string {
	s := strconv.FormatFloat(v, 'f', -1, 64)
	for _, c := range s {
		if c == '.' || c == 'e' || c == 'N' || c == 'I' {
			return s
		}
	}
	return s + ".0"
}
