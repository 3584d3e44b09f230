// Package health builds the liveness and readiness probes behind the ops
// endpoints.
//
// A [Probe] is evaluated per request: nil means healthy, an error carries
// the reason reported to the caller. Probes compose with [All] and [Any],
// and [CheckFunc] adapts plain functions. [Database] and [WritableDir]
// cover the two dependencies bundle serving cannot run without.
//
// [ShutdownGate] turns readiness red at the start of a drain so load
// balancers stop routing new uploads while in-flight requests finish.
package health
