// Package harness registers and dispatches structured tools for agents.
//
// Invariants:
// - Arguments are schema-validated before any handler runs.
// - Handler errors and panics become failed results, never raised past the boundary.
// - ExecuteParallel returns results indexed by input position.
// - Replay backends fail closed: exhausted or mismatched recordings produce failed results.
//
// Usage:
//
//	reg := harness.NewRegistry(logger, harness.RegistryConfig{})
//	_ = reg.Register(core.ToolSchema{
//		Name: "echo",
//		Description: "Echo input",
//		Parameters: []core.ToolParameter{{Name: "text", Type: "string", Description: "text", Required: true}},
//	}, func(ctx context.Context, args map[string]interface{}) (string, error) {
//		return args["text"].(string), nil
//	})
package harness
