package config

import "sync"

var (
	_instance     ConfigManager
	_instanceLock sync.Mutex
)

// GetInstance returns the process wide ConfigManager, creating it on first use.
func GetInstance() ConfigManager {
	_instanceLock.Lock()
	defer _instanceLock.Unlock()
	if _instance == nil {
		_instance = NewConfigManager()
	}
	return _instance
}

// SetInstanceForTesting replaces the process wide ConfigManager.
func SetInstanceForTesting(cm ConfigManager) {
	_instanceLock.Lock()
	defer _instanceLock.Unlock()
	_instance = cm
}

// ResetInstance drops the process wide ConfigManager so the next GetInstance
// builds a fresh one.
func ResetInstance() {
	_instanceLock.Lock()
	defer _instanceLock.Unlock()
	if _instance != nil {
		_ = _instance.Close()
	}
	_instance = nil
}
