// Package registry persists the cross-process record of a live daemon.
//
// One JSON file per configuration hash advertises the daemon's endpoint,
// pid, and identity. The file is the only state shared across OS processes:
// writers replace it wholesale via atomic rename and readers re-verify
// liveness (pid running plus a fresh socket probe) before trusting it, so a
// crashed or hung daemon is always normalized to "no entry" rather than an
// error. The claim lock serializes daemon startup per configuration so two
// clients racing to spawn leave exactly one daemon behind.
package registry
