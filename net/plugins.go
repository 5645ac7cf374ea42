package net

import (
	"fmt"
	"strings"

	"github.com/go-viper/mapstructure/v2"
	"github.com/lcx/dcf/plugin"
)

// Transport names accepted in configuration. The descriptive aliases name
// the transport by delivery style.
var transportAliases = map[string]string{
	"remote-call":    "grpc",
	"datagram":       "udp",
	"message-stream": "websocket",
	"ws":             "websocket",
	"memory":         "mem",
}

// DefaultMemNetwork backs transports built by the "mem" factory.
var DefaultMemNetwork = NewMemNetwork()

// ResolveTransportName maps an alias to its factory name. Unknown names are
// returned lowercased for the factory lookup to reject.
func ResolveTransportName(name string) string {
	n := strings.ToLower(strings.TrimSpace(name))
	if canonical, ok := transportAliases[n]; ok {
		return canonical
	}
	return n
}

// TransportInstance identifies a transport registered with the plugin
// registry.
type TransportInstance struct {
	Factory string
	Tag     string
}

// SetupTransport builds a transport through its registered factory and
// registers the instance under tag. Release it with ReleaseTransport.
func SetupTransport(name, tag string, cfg map[string]any) (Transport, TransportInstance, error) {
	ins := TransportInstance{Factory: ResolveTransportName(name), Tag: tag}
	if plugin.GetFactory(plugin.Transport, ins.Factory) == nil {
		return nil, ins, fmt.Errorf("unknown transport %q, available: %v: %w",
			name, plugin.ListFactories(plugin.Transport), ErrConfiguration)
	}

	v := make(map[string]any, len(cfg)+1)
	for k, val := range cfg {
		v[k] = val
	}
	if tag != "" {
		v["tag"] = tag
	}
	p, err := plugin.Setup(plugin.Transport, ins.Factory, v)
	if err != nil {
		return nil, ins, err
	}
	if ins.Tag == "" {
		ins.Tag = plugin.DefaultInsName
	}
	t, ok := p.(Transport)
	if !ok {
		_ = ReleaseTransport(ins)
		return nil, ins, fmt.Errorf("plugin %s is not a transport: %w", ins.Factory, ErrConfiguration)
	}
	return t, ins, nil
}

// ReleaseTransport stops the instance and removes it from the registry.
func ReleaseTransport(ins TransportInstance) error {
	return plugin.Destroy(plugin.Transport, ins.Factory, ins.Tag)
}

// ReloadTransport hands new transport options to a registered instance.
func ReloadTransport(ins TransportInstance, cfg map[string]any) error {
	return plugin.Reload(plugin.Transport, ins.Factory, ins.Tag, cfg)
}

func decodeTransportCfg(v map[string]any, out any) error {
	if len(v) == 0 {
		return nil
	}
	dec, err := mapstructure.NewDecoder(&mapstructure.DecoderConfig{
		DecodeHook:       mapstructure.StringToTimeDurationHookFunc(),
		WeaklyTypedInput: true,
		Result:           out,
	})
	if err != nil {
		return err
	}
	return dec.Decode(v)
}

type validator interface {
	Validate() error
}

func decodeAndValidate(v map[string]any, out validator) error {
	if err := decodeTransportCfg(v, out); err != nil {
		return fmt.Errorf("decode transport config: %v: %w", err, ErrConfiguration)
	}
	if err := out.Validate(); err != nil {
		return fmt.Errorf("%v: %w", err, ErrConfiguration)
	}
	return nil
}

// transportFactory adapts one transport constructor to plugin.Factory.
type transportFactory struct {
	name  string
	build func(v map[string]any) (Transport, error)
}

func (f *transportFactory) Type() plugin.Type {
	return plugin.Transport
}

func (f *transportFactory) Name() string {
	return f.name
}

func (f *transportFactory) Setup(v map[string]any) (plugin.Plugin, error) {
	t, err := f.build(v)
	if err != nil {
		return nil, err
	}
	p, ok := t.(plugin.Plugin)
	if !ok {
		return nil, fmt.Errorf("transport %s does not implement plugin.Plugin", f.name)
	}
	return p, nil
}

func (f *transportFactory) Destroy(p plugin.Plugin, _ any) error {
	t, ok := p.(Transport)
	if !ok {
		return fmt.Errorf("plugin %s is not a transport", p.FactoryName())
	}
	return t.Stop()
}

// Reload is unsupported: a transport's endpoint cannot change while bound.
func (f *transportFactory) Reload(plugin.Plugin, map[string]any) error {
	return fmt.Errorf("transport %s does not support hot reload", f.name)
}

func (f *transportFactory) CanDelete(plugin.Plugin) bool {
	return true
}

func init() {
	plugin.RegisterPlugin(&transportFactory{name: "grpc", build: func(v map[string]any) (Transport, error) {
		cfg := &GRPCTransportCfg{}
		if err := decodeAndValidate(v, cfg); err != nil {
			return nil, err
		}
		return NewGRPCTransport(cfg), nil
	}})
	plugin.RegisterPlugin(&transportFactory{name: "udp", build: func(v map[string]any) (Transport, error) {
		cfg := &UDPTransportCfg{}
		if err := decodeAndValidate(v, cfg); err != nil {
			return nil, err
		}
		return NewUDPTransport(cfg), nil
	}})
	plugin.RegisterPlugin(&transportFactory{name: "websocket", build: func(v map[string]any) (Transport, error) {
		cfg := &WSTransportCfg{}
		if err := decodeAndValidate(v, cfg); err != nil {
			return nil, err
		}
		return NewWSTransport(cfg), nil
	}})
	plugin.RegisterPlugin(&transportFactory{name: "mem", build: func(map[string]any) (Transport, error) {
		return DefaultMemNetwork.NewTransport(), nil
	}})
}
