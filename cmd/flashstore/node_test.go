package main

import (
	"bytes"
	"context"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/KevoDB/flashstore/pkg/client"
	"github.com/KevoDB/flashstore/pkg/common/log"
	"github.com/KevoDB/flashstore/pkg/config"
	"github.com/KevoDB/flashstore/pkg/flash"
	"github.com/KevoDB/flashstore/pkg/hashlog"
)

func memoryConfig() *config.Config {
	cfg := config.NewDefaultConfig("")
	cfg.FlashImage = ""
	cfg.FlashSize = 4 * flash.SectorSize
	cfg.StorageRegions = 2
	cfg.BaseSector = 1
	cfg.ListenAddr = "127.0.0.1:0"
	return cfg
}

func openNode(t *testing.T, cfg *config.Config) *Node {
	t.Helper()
	node := NewNode(cfg, log.Discard())
	if err := node.Open(context.Background()); err != nil {
		t.Fatalf("failed to open node: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		node.Shutdown(ctx)
	})
	return node
}

func TestServerStartup(t *testing.T) {
	node := openNode(t, memoryConfig())
	if err := node.StartServer(); err != nil {
		t.Fatalf("failed to start server: %v", err)
	}
	if node.Addr() == nil {
		t.Fatal("server has no address after StartServer")
	}
	addr := node.Addr().String()

	options := client.DefaultClientOptions()
	options.Endpoint = addr
	c, err := client.NewClient(options)
	if err != nil {
		t.Fatalf("failed to create client: %v", err)
	}
	defer c.Close()

	ctx := context.Background()
	if _, err := c.AppendKey(ctx, "remote", "value"); err != nil {
		t.Fatalf("AppendKey failed: %v", err)
	}
	got, err := c.Get(ctx, "remote")
	if err != nil || got != "value" {
		t.Fatalf("expected value, got %q, %v", got, err)
	}

	// the local store sees what the server wrote
	local, err := node.Store().Get(ctx, "remote")
	if err != nil || local != "value" {
		t.Errorf("local store got %q, %v", local, err)
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := node.Shutdown(shutdownCtx); err != nil {
		t.Fatalf("failed to shut down: %v", err)
	}
	select {
	case <-node.Stopped():
	default:
		t.Error("storage loop still running after shutdown")
	}
}

func TestNodeStartupFailure(t *testing.T) {
	cfg := memoryConfig()
	cfg.FlashSize = 0

	node := NewNode(cfg, log.Discard())
	if err := node.Open(context.Background()); err == nil {
		t.Fatal("expected error opening a zero sized part")
	}
	if err := node.Shutdown(context.Background()); err != nil {
		t.Errorf("shutdown of an unopened node failed: %v", err)
	}
}

func TestNodePersistsAcrossRestarts(t *testing.T) {
	dir := t.TempDir()
	cfg := config.NewDefaultConfig(dir)
	ctx := context.Background()

	node := NewNode(cfg, log.Discard())
	if err := node.Open(ctx); err != nil {
		t.Fatalf("failed to open node: %v", err)
	}
	if _, err := node.Store().AppendKey(ctx, "persistent", "yes"); err != nil {
		t.Fatalf("AppendKey failed: %v", err)
	}
	if err := node.Shutdown(ctx); err != nil {
		t.Fatalf("failed to shut down: %v", err)
	}

	reopened := openNode(t, cfg)
	got, err := reopened.Store().Get(ctx, "persistent")
	if err != nil || got != "yes" {
		t.Errorf("expected persisted value, got %q, %v", got, err)
	}
}

func TestConsoleCommands(t *testing.T) {
	node := openNode(t, memoryConfig())
	st := node.Store()
	ctx := context.Background()

	tests := []struct {
		line string
		want string
	}{
		{"APPEND greeting hello,  world", "Value stored (Written)"},
		{"GET greeting", "hello,  world"},
		{"append greeting again", "Error: KeyAlreadyExists"},
		{"GET", "GET requires a key"},
		{"INVALIDATE greeting", "Key invalidated (Written)"},
		{"GET greeting", "Error: KeyNotFound"},
		{"GC", "bytes reclaimed"},
		{"APPEND " + strings.Repeat("k", 33) + " v", "Error: text too long"},
		{".stats", "Appends: 2"},
		{"FROB", "Unknown command: FROB"},
		{".help", "APPEND key value"},
	}

	for _, tt := range tests {
		var out bytes.Buffer
		if execute(ctx, st, tt.line, &out) {
			t.Fatalf("%q should not exit", tt.line)
		}
		if !strings.Contains(out.String(), tt.want) {
			t.Errorf("%q: expected output containing %q, got %q", tt.line, tt.want, out.String())
		}
	}

	if !execute(ctx, st, ".exit", &bytes.Buffer{}) {
		t.Error(".exit should exit")
	}
}

func TestLoadConfigCreatesManifest(t *testing.T) {
	dir := t.TempDir()

	cfg, err := loadConfig(Options{DataDir: dir, set: map[string]bool{}})
	if err != nil {
		t.Fatalf("loadConfig failed: %v", err)
	}
	if cfg.FlashImage != filepath.Join(dir, config.DefaultImageFileName) {
		t.Errorf("unexpected flash image %s", cfg.FlashImage)
	}
	if _, err := os.Stat(filepath.Join(dir, config.DefaultManifestFileName)); err != nil {
		t.Errorf("expected manifest to be written: %v", err)
	}

	cfg, err = loadConfig(Options{
		DataDir:    dir,
		ListenAddr: "0.0.0.0:7000",
		Memory:     true,
		set:        map[string]bool{"address": true},
	})
	if err != nil {
		t.Fatalf("loadConfig failed: %v", err)
	}
	if cfg.ListenAddr != "0.0.0.0:7000" || cfg.FlashImage != "" {
		t.Errorf("flag overrides not applied: %s %q", cfg.ListenAddr, cfg.FlashImage)
	}

	if _, err := loadConfig(Options{TLSEnabled: true, set: map[string]bool{"tls": true}}); !errors.Is(err, config.ErrInvalidConfig) {
		t.Errorf("expected ErrInvalidConfig for TLS without files, got %v", err)
	}
}

func TestImageDumpAndRestore(t *testing.T) {
	dir := t.TempDir()
	cfg := config.NewDefaultConfig(dir)
	ctx := context.Background()

	node := NewNode(cfg, log.Discard())
	if err := node.Open(ctx); err != nil {
		t.Fatalf("failed to open node: %v", err)
	}
	if _, err := node.Store().AppendKey(ctx, "saved", "before dump"); err != nil {
		t.Fatalf("AppendKey failed: %v", err)
	}
	if err := node.Shutdown(ctx); err != nil {
		t.Fatalf("failed to shut down: %v", err)
	}

	image := filepath.Join(t.TempDir(), "flash.zst")
	if err := runImageTool(cfg, Options{DumpFile: image}); err != nil {
		t.Fatalf("dump failed: %v", err)
	}

	// wipe the part, then bring the dump back
	if err := os.Remove(cfg.FlashImage); err != nil {
		t.Fatalf("failed to remove image: %v", err)
	}
	if err := runImageTool(cfg, Options{RestoreFile: image}); err != nil {
		t.Fatalf("restore failed: %v", err)
	}

	restored := openNode(t, cfg)
	got, err := restored.Store().Get(ctx, "saved")
	if err != nil || got != "before dump" {
		t.Errorf("expected restored value, got %q, %v", got, err)
	}
	if _, err := restored.Store().AppendKey(ctx, "saved", "again"); !errors.Is(err, hashlog.ErrKeyAlreadyExists) {
		t.Errorf("expected KeyAlreadyExists, got %v", err)
	}

	if err := runImageTool(memoryConfig(), Options{DumpFile: image}); err == nil {
		t.Error("expected error dumping a memory part")
	}
}
