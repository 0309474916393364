package config

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestWatch_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte("[web]\nport = 8080\n"), 0644); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	applied := make(chan *Config, 1)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	go Watch(ctx, path, logger, func(cfg *Config) {
		select {
		case applied <- cfg:
		default:
		}
	})

	// Give the watcher a moment to register before writing.
	time.Sleep(100 * time.Millisecond)
	if err := os.WriteFile(path, []byte("[web]\nport = 9999\n"), 0644); err != nil {
		t.Fatal(err)
	}

	select {
	case cfg := <-applied:
		if cfg.Web.Port != 9999 {
			t.Errorf("reloaded Web.Port = %d, want 9999", cfg.Web.Port)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("config change never applied")
	}
}

func TestWatch_KeepsPreviousOnInvalidEdit(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.toml")
	if err := os.WriteFile(path, []byte("[web]\nport = 8080\n"), 0644); err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	applied := make(chan *Config, 4)
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelError}))
	go Watch(ctx, path, logger, func(cfg *Config) {
		applied <- cfg
	})

	time.Sleep(100 * time.Millisecond)
	// Validation fails, so apply must not fire for this edit.
	if err := os.WriteFile(path, []byte("[web]\nport = 0\n"), 0644); err != nil {
		t.Fatal(err)
	}

	select {
	case cfg := <-applied:
		t.Errorf("invalid config applied: port = %d", cfg.Web.Port)
	case <-time.After(time.Second):
	}
}
