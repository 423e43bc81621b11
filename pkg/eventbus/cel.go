package eventbus

import (
	"encoding/json"
	"fmt"

	"github.com/google/cel-go/cel"

	"github.com/Mindburn-Labs/dashkernel/pkg/contracts"
)

// Expressions see one variable:
//
//	event:  {type, correlationId, workspace, resolved, failed, payload}  (event predicates)
//	signal: {type, correlationId, kind, payload}                          (signal patterns)
//
// e.g. `event.type.endsWith(".RESOLVED") && event.payload.title != ""`.

// CompilePredicate compiles a CEL expression over `event` into a Predicate.
func CompilePredicate(expr string) (Predicate, error) {
	prg, err := compileBool("event", expr)
	if err != nil {
		return nil, err
	}
	return func(e contracts.Event) bool {
		return evalBool(prg, "event", eventInput(e))
	}, nil
}

// CompileSignalPattern compiles a CEL expression over `signal` for waitFor effects.
func CompileSignalPattern(expr string) (contracts.SignalPattern, error) {
	prg, err := compileBool("signal", expr)
	if err != nil {
		return nil, err
	}
	return func(s contracts.Signal) bool {
		return evalBool(prg, "signal", signalInput(s))
	}, nil
}

func compileBool(variable, expr string) (cel.Program, error) {
	env, err := cel.NewEnv(cel.Variable(variable, cel.MapType(cel.StringType, cel.DynType)))
	if err != nil {
		return nil, fmt.Errorf("failed to create CEL environment: %w", err)
	}
	ast, issues := env.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compile %q: %w", expr, issues.Err())
	}
	switch out := ast.OutputType().String(); out {
	case "bool", "dyn":
	default:
		return nil, fmt.Errorf("compile %q: expression must evaluate to bool, got %s", expr, out)
	}
	prg, err := env.Program(ast)
	if err != nil {
		return nil, fmt.Errorf("program %q: %w", expr, err)
	}
	return prg, nil
}

// evalBool treats evaluation errors (e.g. a missing payload field) as no match.
func evalBool(prg cel.Program, variable string, input map[string]any) bool {
	out, _, err := prg.Eval(map[string]any{variable: input})
	if err != nil {
		return false
	}
	b, ok := out.Value().(bool)
	return ok && b
}

func eventInput(e contracts.Event) map[string]any {
	workspace := ""
	if e.Context != nil {
		workspace = e.Context.WorkspaceID()
	}
	return map[string]any{
		"type":          string(e.Type),
		"correlationId": e.CorrelationID,
		"workspace":     workspace,
		"resolved":      e.Resolved(),
		"failed":        e.Failed(),
		"payload":       decodeLoose(e.Payload),
	}
}

func signalInput(s contracts.Signal) map[string]any {
	in := map[string]any{
		"type":          s.SignalType(),
		"correlationId": s.Correlation(),
		"kind":          "event",
		"payload":       map[string]any{},
	}
	switch v := s.(type) {
	case contracts.Command:
		in["kind"] = "command"
		in["payload"] = decodeLoose(v.Payload)
	case contracts.Event:
		in["payload"] = decodeLoose(v.Payload)
	}
	return in
}

func decodeLoose(raw json.RawMessage) any {
	if len(raw) == 0 {
		return map[string]any{}
	}
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return map[string]any{}
	}
	return v
}
