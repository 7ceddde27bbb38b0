package main

import (
	"bytes"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatrelay/internal/config"
	"chatrelay/internal/domain"
)

func TestBuildTransport(t *testing.T) {
	for _, kind := range []string{"whatsapp", "telegram", "mattermost"} {
		cfg := config.Defaults()
		cfg.Transport.Kind = kind
		tr, err := buildTransport(cfg, zerolog.Nop())
		require.NoError(t, err, kind)
		assert.Equal(t, kind, tr.Name())
	}

	cfg := config.Defaults()
	cfg.Transport.Kind = "irc"
	_, err := buildTransport(cfg, zerolog.Nop())
	assert.Error(t, err)
}

func testConfig(t *testing.T) (string, *config.Config) {
	t.Helper()
	root := t.TempDir()
	cfg := config.Defaults()
	cfg.ConvLog.File = filepath.Join(root, "logs", "conversation.jsonl")
	cfg.ConvLog.SQLite = filepath.Join(root, "logs", "conversation.db")
	cfg.Transport.WhatsApp.SessionDir = filepath.Join(root, "session")
	cfg.Relay.DownloadDir = filepath.Join(root, "downloads")
	cfgPath := filepath.Join(root, "config.yaml")
	require.NoError(t, config.Save(cfgPath, cfg))
	return cfgPath, cfg
}

func write(t *testing.T, path, content string) {
	t.Helper()
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
}

func TestBackupRestoreRoundTrip(t *testing.T) {
	cfgPath, cfg := testConfig(t)
	write(t, cfg.ConvLog.File, `{"client":"Ani"}`+"\n")
	write(t, cfg.ConvLog.SQLite, "sqlite-bytes")
	write(t, cfg.ConvLog.SQLite+"-wal", "wal-bytes")
	write(t, filepath.Join(cfg.Transport.WhatsApp.SessionDir, "creds.json"), `{"me":"628999"}`)

	files, err := collectBackupFiles(cfgPath, cfg)
	require.NoError(t, err)
	var names []string
	for _, f := range files {
		names = append(names, f.name)
	}
	assert.ElementsMatch(t, []string{"config.yaml", "convlog.db", "convlog.db-wal", "convlog.jsonl", "session/creds.json"}, names)

	archive := filepath.Join(t.TempDir(), "backup.tar.gz")
	require.NoError(t, createTarGz(archive, files))

	// Restore into a fresh location.
	restorePath, restoreCfg := testConfig(t)
	restored, err := extractTarGz(archive, restoreTargets(restorePath, restoreCfg))
	require.NoError(t, err)
	assert.Len(t, restored, 5)

	data, err := os.ReadFile(filepath.Join(restoreCfg.Transport.WhatsApp.SessionDir, "creds.json"))
	require.NoError(t, err)
	assert.Equal(t, `{"me":"628999"}`, string(data))
	data, err = os.ReadFile(restoreCfg.ConvLog.SQLite + "-wal")
	require.NoError(t, err)
	assert.Equal(t, "wal-bytes", string(data))
}

func TestRestoreTargets(t *testing.T) {
	cfg := config.Defaults()
	cfg.ConvLog.SQLite = "/data/log.db"
	cfg.ConvLog.File = "/data/log.jsonl"
	cfg.Transport.WhatsApp.SessionDir = "/data/session"
	target := restoreTargets("/etc/chatrelay/config.yaml", cfg)

	assert.Equal(t, "/etc/chatrelay/config.yaml", target("config.json"))
	assert.Equal(t, "/data/log.db", target("convlog.db"))
	assert.Equal(t, "/data/log.db-shm", target("convlog.db-shm"))
	assert.Equal(t, "/data/log.jsonl", target("convlog.jsonl"))
	assert.Equal(t, "/data/session/creds.json", target("session/creds.json"))
	assert.Equal(t, "/data/session/passwd", target("session/../../etc/passwd"))
	assert.Empty(t, target("unknown.bin"))
}

func TestRunWizard_Telegram(t *testing.T) {
	cfg := config.Defaults()
	in := strings.NewReader("2\n123:abc\nhttp://qa.local/chatbot/\n\n")
	var out bytes.Buffer

	require.NoError(t, runWizard(in, &out, cfg))
	assert.Equal(t, "telegram", cfg.Transport.Kind)
	assert.Equal(t, "123:abc", cfg.Transport.Telegram.Token)
	assert.Equal(t, "http://qa.local/chatbot/", cfg.Backend.ChatURL)
	assert.Equal(t, "http://0.0.0.0:8002/run_notebook/", cfg.Backend.ReportURL)
	assert.NoError(t, config.Validate(cfg))
}

func TestRunWizard_DefaultsOnEOF(t *testing.T) {
	cfg := config.Defaults()
	require.NoError(t, runWizard(strings.NewReader(""), &bytes.Buffer{}, cfg))
	assert.Equal(t, config.Defaults(), cfg)
}

func TestPrintRecords(t *testing.T) {
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	var out bytes.Buffer
	printRecords(&out, []domain.LogRecord{{
		ClientName:     "Ani",
		PhoneNumber:    "628123",
		Question:       "stok\nhari ini?",
		Answer:         "Ada 12.",
		ReferenceIndex: "42",
		Timestamp:      now.Add(-2 * time.Hour),
	}}, 1500, now)

	s := out.String()
	assert.Contains(t, s, "2 hours ago  628123 (Ani)")
	assert.Contains(t, s, "Q: stok hari ini?")
	assert.Contains(t, s, "index: 42")
	assert.Contains(t, s, "Showing 1 of 1,500 records.")

	out.Reset()
	printRecords(&out, nil, 0, now)
	assert.Contains(t, out.String(), "No conversation records yet.")
}

func TestVersionCmd(t *testing.T) {
	cmd := versionCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	require.NoError(t, cmd.Execute())
	assert.Equal(t, "chatrelay "+version+"\n", out.String())
}

func TestRenderUnit(t *testing.T) {
	unit := renderUnit(systemdTemplate, map[string]string{"EXEC": "/usr/bin/chatrelay", "CONFIG": "/etc/chatrelay.yaml"})
	assert.Contains(t, unit, "ExecStart=/usr/bin/chatrelay run --config /etc/chatrelay.yaml")
	assert.NotContains(t, unit, "{{")
}
