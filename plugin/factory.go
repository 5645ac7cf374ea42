package plugin

// Factory builds plugin instances of one type and name.
//
// Lifecycle methods:
//   - Setup: build an instance from its decoded configuration
//   - Destroy: release the instance's sockets and goroutines
//   - Reload: apply new configuration in place, or return an error when the
//     factory cannot
//   - CanDelete: report whether the instance may be destroyed now
//
// Factories must be safe for concurrent Setup and Destroy calls.
type Factory interface {
	// Type returns the plugin type, e.g. "transport".
	Type() Type

	// Name returns the factory name, e.g. "grpc".
	Name() string

	Setup(v map[string]any) (Plugin, error)

	// Destroy releases an instance. The second argument is reserved.
	Destroy(Plugin, any) error

	Reload(Plugin, map[string]any) error

	CanDelete(Plugin) bool
}

var (
	// _factoryMap is keyed by "<type>_<name>", e.g. "transport_grpc".
	// Guarded by _pluginLock.
	_factoryMap = make(map[string]Factory)
)
