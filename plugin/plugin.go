package plugin

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/lcx/dcf/log"
)

// Type represents the plugin category.
type Type string

const (
	// Transport is the category of the bridge's wire transports.
	Transport Type = "transport"
)

const (
	DefaultInsName = "default" // DefaultInsName is the instance name used when the config has no tag.
)

var (
	_pluginLock sync.RWMutex
	_pluginMgr  = &pluginMgr{insMap: make(map[string]map[string]map[string]Plugin)}
)

type pluginMgr struct {
	// insMap[type][factory][instance]
	insMap map[string]map[string]map[string]Plugin
}

// Plugin is a live instance built by a Factory.
type Plugin interface { //nolint:revive
	FactoryName() string
}

// RegisterPlugin registers a factory. Called from init functions.
func RegisterPlugin(f Factory) {
	_pluginLock.Lock()
	defer _pluginLock.Unlock()
	_factoryMap[factoryKey(string(f.Type()), f.Name())] = f
}

func factoryKey(ft, fn string) string {
	return fmt.Sprintf("%s_%s", ft, fn)
}

// GetFactory returns the registered factory or nil.
func GetFactory(ft Type, fn string) Factory {
	_pluginLock.RLock()
	defer _pluginLock.RUnlock()
	return _factoryMap[factoryKey(string(ft), fn)]
}

// ListFactories returns the sorted factory names registered for a type.
func ListFactories(ft Type) []string {
	_pluginLock.RLock()
	defer _pluginLock.RUnlock()

	prefix := string(ft) + "_"
	var names []string
	for key := range _factoryMap {
		if strings.HasPrefix(key, prefix) {
			names = append(names, strings.TrimPrefix(key, prefix))
		}
	}
	sort.Strings(names)
	return names
}

// Setup builds one instance from the named factory and registers it under the
// tag found in c, or DefaultInsName. A tag already in use is rejected and the
// new instance destroyed.
func Setup(ft Type, fn string, c map[string]any) (Plugin, error) {
	f := GetFactory(ft, fn)
	if f == nil {
		return nil, fmt.Errorf("plugin factory [%s/%s] not found, available factories: %v",
			ft, fn, ListFactories(ft))
	}

	log.Info().Str("type", string(ft)).Str("name", fn).Msg("plugin setup begin")
	ins, err := f.Setup(c)
	if err != nil {
		return nil, fmt.Errorf("plugin [%s/%s] setup failed: %w", ft, fn, err)
	}

	pn := getPluginNameFromCfg(c)
	if err := registerPluginIns(string(ft), fn, pn, ins); err != nil {
		_ = f.Destroy(ins, nil)
		return nil, err
	}
	log.Info().Str("type", string(ft)).Str("name", fn).Str("instance", pn).Msg("plugin setup success")
	return ins, nil
}

// Destroy releases a registered instance and forgets it.
func Destroy(ft Type, fn, pn string) error {
	ins, err := GetPlugin(string(ft), fn, pn)
	if err != nil {
		return err
	}
	f := GetFactory(ft, fn)
	if f == nil {
		return fmt.Errorf("plugin factory [%s/%s] not found", ft, fn)
	}
	if !f.CanDelete(ins) {
		return fmt.Errorf("plugin [%s/%s/%s] cannot be deleted now", ft, fn, pn)
	}
	unregisterPluginIns(string(ft), fn, pn)
	return f.Destroy(ins, nil)
}

// Reload applies new configuration to a registered instance.
func Reload(ft Type, fn, pn string, c map[string]any) error {
	ins, err := GetPlugin(string(ft), fn, pn)
	if err != nil {
		return err
	}
	f := GetFactory(ft, fn)
	if f == nil {
		return fmt.Errorf("plugin factory [%s/%s] not found", ft, fn)
	}
	return f.Reload(ins, c)
}

func registerPluginIns(ft, fn, pn string, ins Plugin) error {
	_pluginLock.Lock()
	defer _pluginLock.Unlock()

	if _pluginMgr.insMap[ft] == nil {
		_pluginMgr.insMap[ft] = make(map[string]map[string]Plugin)
	}
	if _pluginMgr.insMap[ft][fn] == nil {
		_pluginMgr.insMap[ft][fn] = make(map[string]Plugin)
	}
	if _, ok := _pluginMgr.insMap[ft][fn][pn]; ok {
		return fmt.Errorf("plugin instance [%s/%s/%s] already registered", ft, fn, pn)
	}
	_pluginMgr.insMap[ft][fn][pn] = ins
	return nil
}

func unregisterPluginIns(ft, fn, pn string) {
	_pluginLock.Lock()
	defer _pluginLock.Unlock()
	if m, ok := _pluginMgr.insMap[ft][fn]; ok {
		delete(m, pn)
	}
}

func getPluginNameFromCfg(c map[string]any) string {
	t, ok := c["tag"]
	if !ok {
		return DefaultInsName
	}
	tag, ok := t.(string)
	if !ok || tag == "" {
		return DefaultInsName
	}
	return tag
}

// GetPlugin retrieves a registered instance.
func GetPlugin(ft, fn, pn string) (Plugin, error) {
	_pluginLock.RLock()
	defer _pluginLock.RUnlock()

	typeMap, ok := _pluginMgr.insMap[ft]
	if !ok {
		return nil, fmt.Errorf("plugin type [%s] not registered", ft)
	}
	factoryMap, ok := typeMap[fn]
	if !ok {
		return nil, fmt.Errorf("plugin factory [%s/%s] not found", ft, fn)
	}
	ins, ok := factoryMap[pn]
	if !ok {
		return nil, fmt.Errorf("plugin instance [%s/%s/%s] not found", ft, fn, pn)
	}
	return ins, nil
}

// ListPlugins returns map["transport/grpc"] = ["default", ...].
func ListPlugins() map[string][]string {
	_pluginLock.RLock()
	defer _pluginLock.RUnlock()

	result := make(map[string][]string)
	for ft, typeMap := range _pluginMgr.insMap {
		for fn, factoryMap := range typeMap {
			key := fmt.Sprintf("%s/%s", ft, fn)
			for pn := range factoryMap {
				result[key] = append(result[key], pn)
			}
			sort.Strings(result[key])
		}
	}
	return result
}

// ResetForTesting drops all registered instances without destroying them.
func ResetForTesting() {
	_pluginLock.Lock()
	defer _pluginLock.Unlock()
	_pluginMgr.insMap = make(map[string]map[string]map[string]Plugin)
}
