package scoring

import (
	"fmt"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"
	"github.com/google/cel-go/common/types/ref"
)

// CELCompiler turns CEL expressions over the core features into custom rules.
// Expressions see age, income and activity_score as doubles and must return
// bool, int or double.
type CELCompiler struct {
	env *cel.Env
}

// NewCELCompiler creates the CEL environment for custom rules.
func NewCELCompiler() (*CELCompiler, error) {
	env, err := cel.NewEnv(
		cel.Variable(FeatureAge, cel.DoubleType),
		cel.Variable(FeatureIncome, cel.DoubleType),
		cel.Variable(FeatureActivityScore, cel.DoubleType),
		cel.CrossTypeNumericComparisons(true),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	return &CELCompiler{env: env}, nil
}

// Compile checks expr and returns it as a CustomRule.
func (c *CELCompiler) Compile(expr string) (CustomRule, error) {
	ast, issues := c.env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile expression: %w", issues.Err())
	}

	outputType := ast.OutputType()
	if outputType != cel.BoolType && outputType != cel.DoubleType && outputType != cel.IntType {
		return nil, fmt.Errorf("expression must return bool, int, or double, got %s", outputType)
	}

	program, err := c.env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("failed to create program: %w", err)
	}

	return func(f Features) (float64, error) {
		out, _, err := program.Eval(map[string]any{
			FeatureAge:           f[FeatureAge],
			FeatureIncome:        f[FeatureIncome],
			FeatureActivityScore: f[FeatureActivityScore],
		})
		if err != nil {
			return 0, err
		}
		return toScore(out)
	}, nil
}

func toScore(val ref.Val) (float64, error) {
	switch v := val.(type) {
	case types.Bool:
		if v {
			return 1.0, nil
		}
		return 0.0, nil
	case types.Double:
		return float64(v), nil
	case types.Int:
		return float64(v), nil
	}
	return 0, fmt.Errorf("unsupported result type %s", val.Type())
}
