package cli

import (
	"bytes"
	"context"
	"path/filepath"
	"strings"
	"testing"

	"github.com/rs/zerolog"

	"github.com/stemsi/exstem-agent/internal/config"
)

func TestAccessTokenPrefersFlag(t *testing.T) {
	cfg := &config.Config{AccessToken: "from-env"}
	got, err := accessToken("  from-flag ", cfg)
	if err != nil || got != "from-flag" {
		t.Fatalf("accessToken = %q, %v", got, err)
	}
	got, err = accessToken("", cfg)
	if err != nil || got != "from-env" {
		t.Fatalf("accessToken = %q, %v", got, err)
	}
}

func TestOpenStoreRejectsUnknownDriver(t *testing.T) {
	_, closeStore, err := openStore(context.Background(), &config.Config{StoreDriver: "etcd"}, zerolog.Nop())
	closeStore()
	if err == nil {
		t.Fatal("expected error for unknown driver")
	}
}

func TestQueueListsDurableNamespaces(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agent.db")
	t.Setenv("STORE_DRIVER", "sqlite")
	t.Setenv("SQLITE_PATH", path)
	t.Setenv("LOG_FORMAT", "json")

	cfg := config.Load()
	kv, closeStore, err := openStore(context.Background(), cfg, zerolog.Nop())
	if err != nil {
		t.Fatalf("openStore: %v", err)
	}
	ctx := context.Background()
	ns := config.StorageKey.OfflineAnswersKey("sub-1")
	if err := kv.Put(ctx, ns, "q1", []byte(`{"a":1}`)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := kv.Put(ctx, ns, "q2", []byte(`{"a":2}`)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	if err := kv.Put(ctx, config.StorageKey.OfflineAnswersKey("sub-2"), "q1", []byte(`{}`)); err != nil {
		t.Fatalf("Put: %v", err)
	}
	closeStore()

	var out bytes.Buffer
	rootCmd.SetOut(&out)
	rootCmd.SetArgs([]string{"queue", "--submission", "sub-1"})
	t.Cleanup(func() { rootCmd.SetArgs(nil); rootCmd.SetOut(nil) })
	if err := rootCmd.Execute(); err != nil {
		t.Fatalf("queue: %v", err)
	}

	text := out.String()
	if !strings.Contains(text, ns) {
		t.Errorf("output missing %s:\n%s", ns, text)
	}
	if strings.Contains(text, "sub-2") {
		t.Errorf("filter ignored:\n%s", text)
	}
	for _, line := range strings.Split(text, "\n") {
		if strings.HasPrefix(line, ns) && !strings.HasSuffix(strings.TrimSpace(line), "2") {
			t.Errorf("entry count line = %q, want 2 entries", line)
		}
	}
}
