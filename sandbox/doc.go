// Package sandbox runs untrusted Python snippets as child processes.
//
// An execution passes a textual safety gate, gets a fresh working directory
// under the configured base directory, has its imports extracted and the
// allow-listed ones installed with pip, and is then run by the interpreter
// under a time limit. Running executions are tracked by id so they can be
// cancelled from another request.
//
// The safety gate is a best-effort pattern filter, not an isolation
// boundary: obfuscated code passes it. The memory limit is reported but not
// enforced. Deploy the service inside a container or VM when the callers are
// not trusted.
//
// Usage:
//
//	executor, err := sandbox.NewExecutor(logger, cfg, nil)
//	result, err := executor.Execute(ctx, sandbox.ExecuteRequest{
//	    Code: "print('Hello, World!')",
//	})
package sandbox
