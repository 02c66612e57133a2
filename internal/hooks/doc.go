// Package hooks dispatches named events to registered handlers.
//
// Components publish events such as "atoms_set" or "device_status" without
// knowing who listens. Handlers run synchronously in registration order; a
// failing or panicking handler does not stop the others.
package hooks
