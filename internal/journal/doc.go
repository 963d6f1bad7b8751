// Package journal persists daemon lifecycle history to SQLite.
//
// Every session open, close, eviction, and ownership change is appended as an
// Event so operators can reconstruct what a long-lived daemon did after the
// fact. The journal is advisory: write failures are logged by callers and
// never block the control plane.
package journal
