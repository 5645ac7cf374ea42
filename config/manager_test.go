package config

import (
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

// TestConfig test configuration structure
type TestConfig struct {
	Name     string `mapstructure:"name"`
	Port     int    `mapstructure:"port"`
	Host     string `mapstructure:"host"`
	MaxConns int    `mapstructure:"maxConns"`
}

func (c *TestConfig) GetName() string {
	return c.Name
}

func (c *TestConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("name cannot be empty")
	}
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("port must be between 1 and 65535")
	}
	if c.MaxConns <= 0 {
		return fmt.Errorf("maxConns must be positive")
	}
	return nil
}

// TestChangeListener tracks configuration changes in tests
type TestChangeListener struct {
	mu          sync.Mutex
	ChangeCount int32
	LastConfig  Config
	LastOld     Config
	LastName    string
}

func (l *TestChangeListener) OnConfigChanged(configName string, newConfig, oldConfig Config) error {
	atomic.AddInt32(&l.ChangeCount, 1)
	l.mu.Lock()
	defer l.mu.Unlock()
	l.LastConfig = newConfig
	l.LastOld = oldConfig
	l.LastName = configName
	return nil
}

func (l *TestChangeListener) last() (Config, Config, string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.LastConfig, l.LastOld, l.LastName
}

func writeConfig(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name+".yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func newTestManager(t *testing.T, dir string) ConfigManager {
	t.Helper()
	cm := NewConfigManager()
	cm.SetBasePath(dir)
	cm.RegisterValidator("test", func(c Config) error { return c.Validate() })
	t.Cleanup(func() { _ = cm.Close() })
	return cm
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "test", "name: node\nport: 8080\nhost: localhost\nmaxConns: 10\n")

	cm := newTestManager(t, dir)
	cfg := &TestConfig{}
	if err := cm.LoadConfig("test", cfg); err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}
	if cfg.Port != 8080 || cfg.Host != "localhost" || cfg.MaxConns != 10 {
		t.Errorf("unexpected config: %+v", cfg)
	}

	got, err := cm.GetConfig("test")
	if err != nil {
		t.Fatalf("GetConfig() error = %v", err)
	}
	if got != cfg {
		t.Error("GetConfig() should return the loaded instance")
	}
}

func TestLoadConfigValidationFails(t *testing.T) {
	dir := t.TempDir()
	writeConfig(t, dir, "test", "name: node\nport: 0\nmaxConns: 10\n")

	cm := newTestManager(t, dir)
	if err := cm.LoadConfig("test", &TestConfig{}); err == nil {
		t.Fatal("LoadConfig() should reject an invalid port")
	}
	if _, err := cm.GetConfig("test"); err == nil {
		t.Error("rejected config must not be stored")
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	cm := newTestManager(t, t.TempDir())
	if err := cm.LoadConfig("absent", &TestConfig{}); err == nil {
		t.Fatal("LoadConfig() should fail for a missing file")
	}
}

func TestLoadConfigFromBytes(t *testing.T) {
	cm := newTestManager(t, t.TempDir())
	cfg := &TestConfig{}
	err := cm.LoadConfigFromBytes("test", []byte("name: remote\nport: 9000\nmaxConns: 4\n"), cfg)
	if err != nil {
		t.Fatalf("LoadConfigFromBytes() error = %v", err)
	}
	if cfg.Name != "remote" || cfg.Port != 9000 {
		t.Errorf("unexpected config: %+v", cfg)
	}

	if err := cm.LoadConfigFromBytes("test", []byte("name: ''\nport: 1\nmaxConns: 1\n"), &TestConfig{}); err == nil {
		t.Error("validator should run for in-memory documents")
	}
}

func TestConfigHotReload(t *testing.T) {
	dir := t.TempDir()
	path := writeConfig(t, dir, "test", "name: node\nport: 8080\nmaxConns: 10\n")

	cm := newTestManager(t, dir)
	listener := &TestChangeListener{}
	cm.AddChangeListener(listener)

	var hookCalls int32
	cm.RegisterHook("test", func(oldVal, newVal Config) error {
		atomic.AddInt32(&hookCalls, 1)
		return nil
	})

	if err := cm.LoadConfig("test", &TestConfig{}); err != nil {
		t.Fatalf("LoadConfig() error = %v", err)
	}

	if err := os.WriteFile(path, []byte("name: node\nport: 8081\nmaxConns: 10\n"), 0o644); err != nil {
		t.Fatalf("rewrite config: %v", err)
	}

	deadline := time.Now().Add(3 * time.Second)
	for atomic.LoadInt32(&listener.ChangeCount) == 0 && time.Now().Before(deadline) {
		time.Sleep(20 * time.Millisecond)
	}
	if atomic.LoadInt32(&listener.ChangeCount) == 0 {
		t.Fatal("listener was not notified")
	}
	if atomic.LoadInt32(&hookCalls) == 0 {
		t.Error("hook was not called")
	}

	newCfg, oldCfg, name := listener.last()
	if name != "test" {
		t.Errorf("config name = %q", name)
	}
	if newCfg.(*TestConfig).Port != 8081 {
		t.Errorf("new port = %d", newCfg.(*TestConfig).Port)
	}
	if oldCfg.(*TestConfig).Port != 8080 {
		t.Errorf("old port = %d", oldCfg.(*TestConfig).Port)
	}

	got, _ := cm.GetConfig("test")
	if got.(*TestConfig).Port != 8081 {
		t.Error("GetConfig() should return the reloaded config")
	}
}

func TestRemoveChangeListener(t *testing.T) {
	cm := newTestManager(t, t.TempDir())
	l1 := &TestChangeListener{}
	l2 := &TestChangeListener{}
	cm.AddChangeListener(l1)
	cm.AddChangeListener(l2)
	cm.AddChangeListener(nil)
	cm.RemoveChangeListener(l1)

	cm.NotifyConfigChanged("test", &TestConfig{Name: "a"}, nil)

	if atomic.LoadInt32(&l1.ChangeCount) != 0 {
		t.Error("removed listener should not be notified")
	}
	if atomic.LoadInt32(&l2.ChangeCount) != 1 {
		t.Error("remaining listener should be notified once")
	}
}

func TestConcurrentGetConfig(t *testing.T) {
	cm := newTestManager(t, t.TempDir())
	if err := cm.LoadConfigFromBytes("test", []byte("name: n\nport: 1\nmaxConns: 1\n"), &TestConfig{}); err != nil {
		t.Fatal(err)
	}

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := cm.GetConfig("test"); err != nil {
				t.Error(err)
			}
		}()
	}
	wg.Wait()
}
