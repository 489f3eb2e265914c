package logging

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/huncho416/MythicPrisonCore/internal/config"
)

func TestFileOutputIsJSON(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "prisond.log")
	log, flush, err := New(config.LogConfig{Level: "warn", File: path, MaxSizeMB: 1})
	require.NoError(t, err)
	log.Info("dropped below level")
	log.Named("ledger").Warn("version conflict", zap.String("account", "money:p1"))
	flush()

	b, err := os.ReadFile(path)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(b)), "\n")
	require.Len(t, lines, 1)
	var rec map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &rec))
	require.Equal(t, "version conflict", rec["msg"])
	require.Equal(t, "ledger", rec["logger"])
	require.Equal(t, "money:p1", rec["account"])
}

func TestBadLevel(t *testing.T) {
	_, _, err := New(config.LogConfig{Level: "loud"})
	require.Error(t, err)
}
