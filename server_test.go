package h2conn

import (
	"context"
	"testing"
)

func TestNew(t *testing.T) {
	config := DefaultConfig()
	server := New(config)

	if server == nil {
		t.Fatal("expected non-nil server")
	}
	if server.config.Addr != config.Addr {
		t.Errorf("expected addr %s, got %s", config.Addr, server.config.Addr)
	}
}

func TestNewWithDefaults(t *testing.T) {
	server := NewWithDefaults()

	if server.config.Addr != ":8080" {
		t.Errorf("expected default addr :8080, got %s", server.config.Addr)
	}
}

func TestServer_Handler(t *testing.T) {
	server := NewWithDefaults()
	handler := HandlerFunc(func(rw *ResponseWriter, req *Request) {})

	result := server.Handler(handler)

	if result != server {
		t.Error("expected Handler to return server for chaining")
	}
	if server.handler == nil {
		t.Error("expected handler to be set")
	}
}

func TestServer_Stop_BeforeStart(t *testing.T) {
	server := NewWithDefaults()

	if err := server.Stop(context.Background()); err != nil {
		t.Errorf("Stop() error = %v", err)
	}
}
