// Package agent runs the turn-based control loop: build a bounded
// context window, call the model, screen and dispatch the tool calls it
// issues, verify their effects, and feed the results back until the
// model answers without tools or the step budget runs out.
//
// The loop owns its session, harness, and window manager for the run's
// lifetime. It never retries model calls; wrap the client in a
// RetryClient for that.
//
// Usage:
//
//	loop, _ := agent.NewLoop(agent.Config{
//		Client:  client,
//		Harness: registry,
//		Window:  window,
//	}, logger)
//	result, err := loop.Run(ctx, "run the test suite")
package agent
