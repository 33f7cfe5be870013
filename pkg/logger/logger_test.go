package logger

import (
	"encoding/json"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLevel(t *testing.T) {
	assert.Equal(t, slog.LevelDebug, parseLevel("DEBUG"))
	assert.Equal(t, slog.LevelWarn, parseLevel("warning"))
	assert.Equal(t, slog.LevelError, parseLevel("error"))
	assert.Equal(t, slog.LevelInfo, parseLevel(""))
}

func TestInitWritesToFilesAndAudit(t *testing.T) {
	dir := t.TempDir()
	appLog := filepath.Join(dir, "app", "swapd.log")
	auditLog := filepath.Join(dir, "audit", "audit.log")

	require.NoError(t, Init(Config{
		Level:       "debug",
		OutputPaths: []string{appLog},
		Audit:       AuditConfig{Enabled: true, Path: auditLog, MaxSizeMB: 1},
	}))
	t.Cleanup(func() { _ = Init(Config{}) })

	Named("orchestrator").Debug("状态切换", slog.String("status", "quote_ready"))
	Audit().Info("交易已广播", slog.String("tx_hash", "0x01"))
	require.NoError(t, Sync())

	content, err := os.ReadFile(appLog)
	require.NoError(t, err)
	var entry map[string]any
	require.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(string(content))), &entry))
	assert.Equal(t, "状态切换", entry["msg"])
	assert.Equal(t, map[string]any{"status": "quote_ready"}, entry["orchestrator"])

	audit, err := os.ReadFile(auditLog)
	require.NoError(t, err)
	assert.Contains(t, string(audit), `"tx_hash":"0x01"`)
	assert.NotContains(t, string(content), "交易已广播")
}

func TestAuditRequiresPath(t *testing.T) {
	err := Init(Config{Audit: AuditConfig{Enabled: true}})
	require.Error(t, err)
	assert.NotNil(t, L())
	assert.NotNil(t, Audit())
}

func TestAuditWriterDefaults(t *testing.T) {
	w := newAuditWriter(AuditConfig{Path: "/tmp/audit.log"})
	assert.Equal(t, 100, w.MaxSize)
	assert.Equal(t, 7, w.MaxBackups)
	assert.Equal(t, 30, w.MaxAge)
}
