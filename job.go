package nimbus

import "context"

// JobBody is the application-supplied computation behind an
// application-compute job entry. Its inputs and outputs are opaque byte
// buffers matched against the physical read/write set the assigner
// resolves for the job; how those bytes are interpreted is a collaborator
// named but explicitly left out of scope (spec.md §1's "job/data
// registration DSL" and "user-supplied job bodies").
type JobBody func(ctx context.Context, reads [][]byte) (writes [][]byte, err error)

// Registry is the worker-side lookup from a job's Name (as spawned by the
// application and carried unchanged through ExecuteCompute) to the
// JobBody that runs it. Both controller and worker only ever pass Name
// across the wire, never a function value, so every worker process must
// register the same names before jobs can run.
type Registry struct {
	bodies map[string]JobBody
}

// NewRegistry creates an empty job-body registry.
func NewRegistry() *Registry {
	return &Registry{bodies: make(map[string]JobBody)}
}

// Register binds name to body. Re-registering a name overwrites the prior
// binding; workers are expected to finish registration before accepting
// any commands.
func (r *Registry) Register(name string, body JobBody) {
	r.bodies[name] = body
}

// Lookup returns the JobBody bound to name, if any.
func (r *Registry) Lookup(name string) (JobBody, bool) {
	b, ok := r.bodies[name]
	return b, ok
}
