package main

import (
	"archive/tar"
	"compress/gzip"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"chatrelay/internal/config"
)

// Archive entry names. Session files live under sessionPrefix.
const (
	entryConfig   = "config"
	entryDatabase = "convlog.db"
	entryLogFile  = "convlog.jsonl"
	sessionPrefix = "session/"
)

type backupFile struct {
	name string // name inside the archive
	path string // path on disk
}

func backupCmd() *cobra.Command {
	var outputPath string

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Create a backup of chatrelay data (config, log database, session)",
		Long: `Creates a compressed .tar.gz archive containing the config file, the
conversation log database and file, and the WhatsApp session material. The
backup is timestamped by default.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg := configOrDefaults(cfgPath)

			if outputPath == "" {
				backupDir := filepath.Join(config.DefaultConfigDir(), "backups")
				if err := os.MkdirAll(backupDir, 0o755); err != nil {
					return fmt.Errorf("cannot create backup directory: %w", err)
				}
				ts := time.Now().Format("20060102-150405")
				outputPath = filepath.Join(backupDir, fmt.Sprintf("chatrelay-backup-%s.tar.gz", ts))
			}

			files, err := collectBackupFiles(cfgPath, cfg)
			if err != nil {
				return err
			}
			if len(files) == 0 {
				return fmt.Errorf("no files to backup (config: %s)", cfgPath)
			}

			if err := createTarGz(outputPath, files); err != nil {
				return fmt.Errorf("backup failed: %w", err)
			}

			fmt.Printf("Backup created: %s\n", outputPath)
			fmt.Printf("Files included: %d\n", len(files))
			for _, f := range files {
				var size uint64
				if info, err := os.Stat(f.path); err == nil {
					size = uint64(info.Size())
				}
				fmt.Printf("  - %s (%s)\n", f.name, humanize.Bytes(size))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "output file path (default: ~/.chatrelay/backups/chatrelay-backup-<timestamp>.tar.gz)")
	return cmd
}

func restoreCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "restore <file.tar.gz>",
		Short: "Restore chatrelay data from a backup archive",
		Long: `Restores the config file, conversation logs and session material from a
.tar.gz archive created by 'chatrelay backup'. Targets are taken from the
current config, or the defaults when there is none.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg := configOrDefaults(cfgPath)

			if !force {
				for _, p := range []string{cfgPath, cfg.ConvLog.SQLite, cfg.ConvLog.File} {
					if p == "" {
						continue
					}
					if _, err := os.Stat(p); err == nil {
						fmt.Printf("WARNING: %s exists and would be overwritten.\n", p)
						fmt.Printf("Use --force to skip this warning.\n")
						return fmt.Errorf("restore aborted (use --force to proceed)")
					}
				}
			}

			restored, err := extractTarGz(args[0], restoreTargets(cfgPath, cfg))
			if err != nil {
				return fmt.Errorf("restore failed: %w", err)
			}

			fmt.Printf("Restore completed from: %s\n", args[0])
			fmt.Printf("Files restored: %d\n", len(restored))
			for _, f := range restored {
				fmt.Printf("  - %s\n", f)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing data without warning")
	return cmd
}

// configOrDefaults loads cfgPath, falling back to defaults with paths
// expanded.
func configOrDefaults(cfgPath string) *config.Config {
	if cfg, err := config.Load(cfgPath); err == nil {
		return cfg
	}
	cfg := config.Defaults()
	cfg.ConvLog.File = config.ExpandPath(cfg.ConvLog.File)
	cfg.ConvLog.SQLite = config.ExpandPath(cfg.ConvLog.SQLite)
	cfg.Transport.WhatsApp.SessionDir = config.ExpandPath(cfg.Transport.WhatsApp.SessionDir)
	return cfg
}

func collectBackupFiles(cfgPath string, cfg *config.Config) ([]backupFile, error) {
	var files []backupFile
	add := func(name, path string) {
		if path == "" {
			return
		}
		if info, err := os.Stat(path); err == nil && info.Mode().IsRegular() {
			files = append(files, backupFile{name: name, path: path})
		}
	}

	add(entryConfig+filepath.Ext(cfgPath), cfgPath)
	if db := cfg.ConvLog.SQLite; db != "" {
		add(entryDatabase, db)
		// Also include WAL and SHM files if present
		add(entryDatabase+"-wal", db+"-wal")
		add(entryDatabase+"-shm", db+"-shm")
	}
	add(entryLogFile, cfg.ConvLog.File)

	if dir := cfg.Transport.WhatsApp.SessionDir; dir != "" {
		entries, err := os.ReadDir(dir)
		if err != nil && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("read session dir: %w", err)
		}
		for _, e := range entries {
			if e.Type().IsRegular() {
				add(sessionPrefix+e.Name(), filepath.Join(dir, e.Name()))
			}
		}
	}
	return files, nil
}

// restoreTargets maps archive entry names to paths on disk. It returns ""
// for entries it does not know.
func restoreTargets(cfgPath string, cfg *config.Config) func(name string) string {
	return func(name string) string {
		switch {
		case strings.HasPrefix(name, entryConfig+"."):
			return cfgPath
		case strings.HasPrefix(name, entryDatabase):
			if cfg.ConvLog.SQLite == "" {
				return ""
			}
			return cfg.ConvLog.SQLite + strings.TrimPrefix(name, entryDatabase)
		case name == entryLogFile:
			return cfg.ConvLog.File
		case strings.HasPrefix(name, sessionPrefix):
			base := filepath.Base(strings.TrimPrefix(name, sessionPrefix))
			if base == "." || base == ".." || base == "/" || cfg.Transport.WhatsApp.SessionDir == "" {
				return ""
			}
			return filepath.Join(cfg.Transport.WhatsApp.SessionDir, base)
		}
		return ""
	}
}

// createTarGz creates a .tar.gz archive from the given files.
func createTarGz(outputPath string, files []backupFile) error {
	outFile, err := os.OpenFile(outputPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
	if err != nil {
		return err
	}
	defer outFile.Close()

	gzWriter := gzip.NewWriter(outFile)
	tarWriter := tar.NewWriter(gzWriter)

	for _, f := range files {
		if err := addFileToTar(tarWriter, f); err != nil {
			return fmt.Errorf("add %s: %w", f.path, err)
		}
	}
	if err := tarWriter.Close(); err != nil {
		return err
	}
	if err := gzWriter.Close(); err != nil {
		return err
	}
	return outFile.Close()
}

func addFileToTar(tw *tar.Writer, f backupFile) error {
	file, err := os.Open(f.path)
	if err != nil {
		return err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return err
	}

	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return err
	}
	header.Name = f.name

	if err := tw.WriteHeader(header); err != nil {
		return err
	}

	_, err = io.Copy(tw, file)
	return err
}

// extractTarGz writes every known entry of the archive to target(name).
func extractTarGz(archivePath string, target func(name string) string) ([]string, error) {
	file, err := os.Open(archivePath)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	gzReader, err := gzip.NewReader(file)
	if err != nil {
		return nil, fmt.Errorf("not a valid gzip file: %w", err)
	}
	defer gzReader.Close()

	tarReader := tar.NewReader(gzReader)
	var restored []string

	for {
		header, err := tarReader.Next()
		if err == io.EOF {
			break
		}
		if err != nil {
			return nil, err
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}

		targetPath := target(header.Name)
		if targetPath == "" {
			continue
		}
		if err := os.MkdirAll(filepath.Dir(targetPath), 0o755); err != nil {
			return nil, err
		}

		outFile, err := os.OpenFile(targetPath, os.O_WRONLY|os.O_CREATE|os.O_TRUNC, 0o600)
		if err != nil {
			return nil, fmt.Errorf("create %s: %w", targetPath, err)
		}
		if _, err := io.Copy(outFile, tarReader); err != nil {
			outFile.Close()
			return nil, fmt.Errorf("extract %s: %w", targetPath, err)
		}
		if err := outFile.Close(); err != nil {
			return nil, err
		}

		restored = append(restored, targetPath)
	}

	return restored, nil
}
