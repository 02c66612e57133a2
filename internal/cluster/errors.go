package cluster

import "errors"

// Sentinel errors for cluster operations.
var (
	// ErrUnknownComponent is returned for lib or system components with no
	// handler.
	ErrUnknownComponent = errors.New("cluster: unknown component")

	// ErrUnknownModule is returned when no module handler is registered
	// under the envelope's component name.
	ErrUnknownModule = errors.New("cluster: unknown module")

	// ErrModuleExists is returned when registering a module name twice.
	ErrModuleExists = errors.New("cluster: module handler already registered")

	// ErrUnknownPeer is returned for operations naming a gateway that is
	// not in the directory.
	ErrUnknownPeer = errors.New("cluster: unknown peer")

	// ErrNoEndpoint is returned when no broker endpoint answered a probe.
	ErrNoEndpoint = errors.New("cluster: no reachable broker endpoint")

	// ErrStopped is returned once Stop has been called.
	ErrStopped = errors.New("cluster: sync stopped")
)
