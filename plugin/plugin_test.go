package plugin

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type mockPlugin struct {
	name      string
	cfg       map[string]any
	destroyed bool
	reloaded  int
}

func (p *mockPlugin) FactoryName() string { return p.name }

type mockFactory struct {
	name      string
	setupErr  error
	reloadErr error
	busy      bool
	setups    int
}

func (f *mockFactory) Type() Type   { return Transport }
func (f *mockFactory) Name() string { return f.name }

func (f *mockFactory) Setup(v map[string]any) (Plugin, error) {
	f.setups++
	if f.setupErr != nil {
		return nil, f.setupErr
	}
	return &mockPlugin{name: f.name, cfg: v}, nil
}

func (f *mockFactory) Destroy(p Plugin, _ any) error {
	p.(*mockPlugin).destroyed = true
	return nil
}

func (f *mockFactory) Reload(p Plugin, v map[string]any) error {
	if f.reloadErr != nil {
		return f.reloadErr
	}
	mp := p.(*mockPlugin)
	mp.cfg = v
	mp.reloaded++
	return nil
}

func (f *mockFactory) CanDelete(Plugin) bool { return !f.busy }

func withFactories(t *testing.T, fs ...Factory) {
	t.Helper()
	ResetForTesting()
	_pluginLock.Lock()
	saved := _factoryMap
	_factoryMap = make(map[string]Factory)
	_pluginLock.Unlock()
	for _, f := range fs {
		RegisterPlugin(f)
	}
	t.Cleanup(func() {
		_pluginLock.Lock()
		_factoryMap = saved
		_pluginLock.Unlock()
		ResetForTesting()
	})
}

func TestSetupRegistersDefaultInstance(t *testing.T) {
	f := &mockFactory{name: "mock"}
	withFactories(t, f)

	ins, err := Setup(Transport, "mock", map[string]any{"addr": ":1"})
	require.NoError(t, err)
	assert.Equal(t, "mock", ins.FactoryName())

	got, err := GetPlugin("transport", "mock", DefaultInsName)
	require.NoError(t, err)
	assert.Same(t, ins, got)
	assert.Equal(t, map[string][]string{"transport/mock": {DefaultInsName}}, ListPlugins())
}

func TestSetupTaggedInstances(t *testing.T) {
	withFactories(t, &mockFactory{name: "mock"})

	_, err := Setup(Transport, "mock", nil)
	require.NoError(t, err)
	_, err = Setup(Transport, "mock", map[string]any{"tag": "backup"})
	require.NoError(t, err)

	_, err = Setup(Transport, "mock", map[string]any{"tag": "backup"})
	assert.Error(t, err, "duplicate instance")

	assert.ElementsMatch(t, []string{"backup", DefaultInsName}, ListPlugins()["transport/mock"])
}

func TestSetupUnknownFactory(t *testing.T) {
	withFactories(t, &mockFactory{name: "a"}, &mockFactory{name: "b"})

	_, err := Setup(Transport, "zzz", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "[a b]")
}

func TestSetupFailure(t *testing.T) {
	withFactories(t, &mockFactory{name: "bad", setupErr: errors.New("boom")})

	_, err := Setup(Transport, "bad", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "boom")
	_, err = GetPlugin("transport", "bad", DefaultInsName)
	assert.Error(t, err)
}

func TestDestroyAndReload(t *testing.T) {
	f := &mockFactory{name: "mock"}
	withFactories(t, f)

	ins, err := Setup(Transport, "mock", nil)
	require.NoError(t, err)

	require.NoError(t, Reload(Transport, "mock", DefaultInsName, map[string]any{"x": 1}))
	assert.Equal(t, 1, ins.(*mockPlugin).reloaded)

	f.busy = true
	assert.Error(t, Destroy(Transport, "mock", DefaultInsName))
	f.busy = false
	require.NoError(t, Destroy(Transport, "mock", DefaultInsName))
	assert.True(t, ins.(*mockPlugin).destroyed)

	_, err = GetPlugin("transport", "mock", DefaultInsName)
	assert.Error(t, err)
}

func TestListFactories(t *testing.T) {
	withFactories(t, &mockFactory{name: "udp"}, &mockFactory{name: "grpc"})
	assert.Equal(t, []string{"grpc", "udp"}, ListFactories(Transport))
	assert.Empty(t, ListFactories(Type("db")))
}
