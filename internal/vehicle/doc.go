// Package vehicle defines the core types shared across the acquisition pipeline:
// the vehicle record and its field-mapping capability, stage results, requester
// states, work items, the error taxonomy, and the small interfaces (blob store,
// publisher, clock, id generator) the rest of the service is wired through.
package vehicle
