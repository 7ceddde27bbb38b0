package main

import (
	"context"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"chatrelay/internal/backend"
	"chatrelay/internal/config"
	"chatrelay/internal/convlog"
	"chatrelay/internal/session"
)

type checkResults struct {
	passed, warned, failed int
}

func (r *checkResults) pass(check, detail string) {
	fmt.Printf("  [PASS] %-20s %s\n", check, detail)
	r.passed++
}

func (r *checkResults) fail(check, detail string) {
	fmt.Printf("  [FAIL] %-20s %s\n", check, detail)
	r.failed++
}

func (r *checkResults) warn(check, detail string) {
	fmt.Printf("  [WARN] %-20s %s\n", check, detail)
	r.warned++
}

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your chatrelay installation",
		Long: `Verifies that the configuration, answer backend, log sinks, download
directory and session material are usable. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("chatrelay doctor v%s\n", version)
			fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

			var r checkResults

			if _, err := os.Stat(cfgPath); err != nil {
				r.fail("Config file", fmt.Sprintf("not found at %s", cfgPath))
				fmt.Printf("\nRun 'chatrelay init' to create a default configuration.\n")
				return nil
			}
			r.pass("Config file", cfgPath)

			cfg, err := config.Load(cfgPath)
			if err != nil {
				r.fail("Config validation", err.Error())
				fmt.Printf("\n%d passed, %d failed\n", r.passed, r.failed)
				return fmt.Errorf("config invalid")
			}
			r.pass("Config validation", "valid")

			ctx, cancel := context.WithTimeout(cmd.Context(), 15*time.Second)
			defer cancel()

			client := backend.NewClient(backend.ClientConfig{
				ChatURL: cfg.Backend.ChatURL,
				Timeout: 5 * time.Second,
				Logger:  zerolog.Nop(),
			})
			if err := client.Ping(ctx); err != nil {
				r.warn("Answer backend", err.Error())
			} else {
				r.pass("Answer backend", cfg.Backend.ChatURL)
			}

			if err := checkDir(cfg.Relay.DownloadDir); err != nil {
				r.fail("Download dir", err.Error())
			} else {
				r.pass("Download dir", cfg.Relay.DownloadDir)
			}

			if cfg.ConvLog.File != "" {
				if err := checkDir(filepath.Dir(cfg.ConvLog.File)); err != nil {
					r.fail("Log file sink", err.Error())
				} else {
					r.pass("Log file sink", cfg.ConvLog.File)
				}
			}
			if cfg.ConvLog.SQLite != "" {
				if err := checkDatabase(ctx, cfg.ConvLog.SQLite); err != nil {
					r.fail("Log database", err.Error())
				} else {
					r.pass("Log database", cfg.ConvLog.SQLite)
				}
			}

			if cfg.Transport.Kind == "whatsapp" {
				store := session.NewDirStore(cfg.Transport.WhatsApp.SessionDir)
				if store.Exists() {
					r.pass("Session material", store.Dir())
				} else {
					r.warn("Session material", "none yet; a QR login will be required")
				}
			} else {
				r.pass("Transport", cfg.Transport.Kind)
			}

			if cfg.Relay.ReportPDF {
				if path, err := findChrome(cfg.Relay.ChromePath); err != nil {
					r.warn("Chrome", "not found; reports fall back to HTML")
				} else {
					r.pass("Chrome", path)
				}
			}

			if cfg.Server.Enabled {
				if err := checkPort(cfg.Server.Host, cfg.Server.Port); err != nil {
					r.warn("Status port", fmt.Sprintf("port %d may be in use: %v", cfg.Server.Port, err))
				} else {
					r.pass("Status port", fmt.Sprintf("%s:%d available", cfg.Server.Host, cfg.Server.Port))
				}
			}

			if cfg.General.LogFile != "" {
				if err := checkDir(filepath.Dir(cfg.General.LogFile)); err != nil {
					r.warn("Log file", fmt.Sprintf("cannot create log directory: %v", err))
				} else {
					r.pass("Log file", cfg.General.LogFile)
				}
			}

			fmt.Printf("\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
			fmt.Printf("Results: %d passed, %d warnings, %d failed\n", r.passed, r.warned, r.failed)
			if r.failed > 0 {
				fmt.Printf("\nPlease fix the failed checks before running chatrelay.\n")
				return fmt.Errorf("%d check(s) failed", r.failed)
			}
			if r.warned > 0 {
				fmt.Printf("\nchatrelay should work but consider fixing the warnings.\n")
			} else {
				fmt.Printf("\nAll checks passed! Start with 'chatrelay run'.\n")
			}
			return nil
		},
	}
}

func checkDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create %s: %w", dir, err)
	}
	tmp, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return fmt.Errorf("not writable: %w", err)
	}
	name := tmp.Name()
	tmp.Close()
	return os.Remove(name)
}

// checkDatabase opens the log database, which also runs pending migrations.
func checkDatabase(ctx context.Context, dbPath string) error {
	db, err := convlog.NewSQLiteSink(ctx, dbPath, zerolog.Nop())
	if err != nil {
		return err
	}
	defer db.Close()
	if _, err := db.Count(ctx); err != nil {
		return err
	}
	return nil
}

func findChrome(configured string) (string, error) {
	if configured != "" {
		if _, err := os.Stat(configured); err != nil {
			return "", err
		}
		return configured, nil
	}
	for _, name := range []string{"google-chrome", "chromium", "chromium-browser", "headless-shell"} {
		if path, err := exec.LookPath(name); err == nil {
			return path, nil
		}
	}
	return "", fmt.Errorf("no chrome binary on PATH")
}

func checkPort(host string, port int) error {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return err
	}
	ln.Close()
	return nil
}
