package config

import (
	"encoding/base64"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
)

func newFakeConsul(t *testing.T, key, value string) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/kv/"+key {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Consul-Index", "1")
		fmt.Fprintf(w, `[{"Key":%q,"Value":%q,"Flags":0,"CreateIndex":1,"ModifyIndex":1,"LockIndex":0}]`,
			key, base64.StdEncoding.EncodeToString([]byte(value)))
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestConsulSourceLoad(t *testing.T) {
	srv := newFakeConsul(t, "dcf/test", "name: consul\nport: 7000\nmaxConns: 2\n")

	src, err := NewConsulSource(srv.Listener.Addr().String(), "dcf")
	if err != nil {
		t.Fatalf("NewConsulSource() error = %v", err)
	}

	cm := newTestManager(t, t.TempDir())
	cfg := &TestConfig{}
	if err := src.Load(cm, "test", cfg); err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if cfg.Name != "consul" || cfg.Port != 7000 {
		t.Errorf("unexpected config: %+v", cfg)
	}
}

func TestConsulSourceMissingKey(t *testing.T) {
	srv := newFakeConsul(t, "dcf/test", "name: consul\n")

	src, err := NewConsulSource(srv.Listener.Addr().String(), "dcf")
	if err != nil {
		t.Fatalf("NewConsulSource() error = %v", err)
	}
	if _, err := src.Fetch("other"); err == nil {
		t.Error("Fetch() should fail for a missing key")
	}
}
