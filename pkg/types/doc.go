// Package types defines the shared data model of the debug host: project
// descriptors, container records, log entries, metric samples in both
// retention tiers, health records, and the coded error type used across
// component boundaries.
//
// Every other package depends on types; types depends on nothing but the
// standard library. Ownership of the values defined here is documented on
// the owning packages (project, ports, lifecycle, logs, metrics, health).
package types
