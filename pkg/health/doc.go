/*
Package health provides readiness checks for the control plane's own
dependencies: the Postgres pool, the object-store backend, and the
containerd sandbox connection.

# Checker Interface

	type Checker interface {
		Check(ctx context.Context) Result
		Type() CheckType
	}

DBChecker, StorageChecker, and SandboxChecker (checks.go) wrap this
control plane's three external dependencies behind the Checker interface,
and Aggregate runs a named set of them and reports one combined Result —
the shape `cmd/docsrs-core daemon` exposes on its readiness endpoint.

# Status and hysteresis

Status (health.go) tracks consecutive failures/successes the same way a
per-container checker loop would: Retries consecutive failures are
required before Healthy flips. Aggregate and pkg/adminsrv do not use
Status; each Aggregate run reports the latest result of every check, so a
single failed ping shows as not-ready on that run.

# See also

  - pkg/dctx — assembles the DB/storage/sandbox handles this package probes.
  - pkg/adminsrv — exposes Aggregate's result over gRPC health + HTTP.
*/
package health
