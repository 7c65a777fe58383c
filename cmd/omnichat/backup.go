package main

import (
	"archive/tar"
	"compress/gzip"
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	gohumanize "github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"omnichat/internal/config"
	"omnichat/internal/memory"
)

// Archive member names. Directory members keep their relative paths below
// these prefixes.
const (
	archiveDB     = "omnichat.db"
	archiveConfig = "config.json"
	archiveSouls  = "souls/"
	archiveSkills = "skills/"
)

// backupLayout maps archive members to locations on disk.
type backupLayout struct {
	DBPath    string
	Config    string
	SoulsDir  string
	SkillsDir string
}

func layoutFor(cfgPath string) (backupLayout, error) {
	cfg, err := config.LoadRaw(cfgPath)
	if err != nil {
		return backupLayout{}, err
	}
	workspace := config.ExpandPath(cfg.General.Workspace)
	skills := config.ExpandPath(cfg.Skills.Dir)
	if skills == "" {
		skills = filepath.Join(workspace, "skills")
	}
	return backupLayout{
		DBPath:    config.ExpandPath(cfg.Memory.DBPath),
		Config:    config.ExpandPath(cfgPath),
		SoulsDir:  filepath.Join(workspace, "souls"),
		SkillsDir: skills,
	}, nil
}

func backupCmd() *cobra.Command {
	var outputPath string

	cmd := &cobra.Command{
		Use:   "backup",
		Short: "Create a backup of omnichat data (database, config, souls, skills)",
		Long: `Creates a compressed .tar.gz archive with a consistent snapshot of the
SQLite database, the configuration file, persona files and installed skills.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			layout, err := layoutFor(resolveConfigPath())
			if err != nil {
				return err
			}
			if outputPath == "" {
				dir := filepath.Join(config.DefaultConfigDir(), "backups")
				if err := os.MkdirAll(dir, 0o700); err != nil {
					return fmt.Errorf("cannot create backup directory: %w", err)
				}
				outputPath = filepath.Join(dir, fmt.Sprintf("omnichat-backup-%s.tar.gz", time.Now().Format("20060102-150405")))
			}

			snapshot, cleanup, err := snapshotDB(layout.DBPath)
			if err != nil {
				return err
			}
			defer cleanup()

			written, err := createBackup(outputPath, layout, snapshot)
			if err != nil {
				return fmt.Errorf("backup failed: %w", err)
			}
			fmt.Printf("Backup created: %s\n", outputPath)
			for _, m := range written {
				fmt.Printf("  - %s (%s)\n", m.name, gohumanize.Bytes(uint64(m.size)))
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&outputPath, "output", "o", "", "output file path (default: ~/.omnichat/backups/omnichat-backup-<timestamp>.tar.gz)")
	return cmd
}

// snapshotDB writes a consistent copy of the live database with VACUUM INTO,
// so the archive never captures a half-checkpointed WAL.
func snapshotDB(dbPath string) (string, func(), error) {
	if _, err := os.Stat(dbPath); err != nil {
		return "", func() {}, nil
	}
	store, err := memory.Open(dbPath, logger)
	if err != nil {
		return "", nil, fmt.Errorf("open database: %w", err)
	}
	defer store.Close()

	dir, err := os.MkdirTemp("", "omnichat-backup-")
	if err != nil {
		return "", nil, err
	}
	cleanup := func() { os.RemoveAll(dir) }
	out := filepath.Join(dir, archiveDB)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()
	if _, err := store.DB().ExecContext(ctx, `VACUUM INTO ?`, out); err != nil {
		cleanup()
		return "", nil, fmt.Errorf("snapshot database: %w", err)
	}
	return out, cleanup, nil
}

type archiveMember struct {
	name string
	size int64
}

func createBackup(outputPath string, layout backupLayout, dbSnapshot string) ([]archiveMember, error) {
	outFile, err := os.OpenFile(outputPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return nil, err
	}
	defer outFile.Close()

	gz := gzip.NewWriter(outFile)
	tw := tar.NewWriter(gz)

	var written []archiveMember
	add := func(src, name string) error {
		size, err := addFileToTar(tw, src, name)
		if err != nil {
			return fmt.Errorf("add %s: %w", src, err)
		}
		written = append(written, archiveMember{name: name, size: size})
		return nil
	}

	if dbSnapshot != "" {
		if err := add(dbSnapshot, archiveDB); err != nil {
			return nil, err
		}
	}
	if _, err := os.Stat(layout.Config); err == nil {
		if err := add(layout.Config, archiveConfig); err != nil {
			return nil, err
		}
	}
	for prefix, dir := range map[string]string{archiveSouls: layout.SoulsDir, archiveSkills: layout.SkillsDir} {
		err := filepath.WalkDir(dir, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				if errors.Is(err, fs.ErrNotExist) {
					return nil
				}
				return err
			}
			if d.IsDir() || !d.Type().IsRegular() {
				return nil
			}
			rel, err := filepath.Rel(dir, p)
			if err != nil {
				return err
			}
			return add(p, prefix+filepath.ToSlash(rel))
		})
		if err != nil {
			return nil, err
		}
	}
	if len(written) == 0 {
		return nil, fmt.Errorf("nothing to back up (db: %s, config: %s)", layout.DBPath, layout.Config)
	}

	if err := tw.Close(); err != nil {
		return nil, err
	}
	if err := gz.Close(); err != nil {
		return nil, err
	}
	return written, outFile.Close()
}

func addFileToTar(tw *tar.Writer, src, name string) (int64, error) {
	file, err := os.Open(src)
	if err != nil {
		return 0, err
	}
	defer file.Close()

	info, err := file.Stat()
	if err != nil {
		return 0, err
	}
	header, err := tar.FileInfoHeader(info, "")
	if err != nil {
		return 0, err
	}
	header.Name = name
	if err := tw.WriteHeader(header); err != nil {
		return 0, err
	}
	return io.Copy(tw, file)
}

func restoreCmd() *cobra.Command {
	var force bool

	cmd := &cobra.Command{
		Use:   "restore [file.tar.gz]",
		Short: "Restore omnichat data from a backup archive",
		Long: `Restores the database, configuration, persona files and skills from a
.tar.gz archive created by 'omnichat backup'. Stop the gateway first.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			layout, err := layoutFor(cfgPath)
			if err != nil {
				// No usable config yet: restore next to the default location.
				dir := config.DefaultConfigDir()
				layout = backupLayout{
					DBPath:    filepath.Join(dir, archiveDB),
					Config:    cfgPath,
					SoulsDir:  filepath.Join(dir, "workspace", "souls"),
					SkillsDir: filepath.Join(dir, "workspace", "skills"),
				}
			}

			if !force {
				for _, p := range []string{layout.DBPath, layout.Config} {
					if _, err := os.Stat(p); err == nil {
						fmt.Printf("WARNING: this overwrites existing data:\n  Database: %s\n  Config:   %s\n", layout.DBPath, layout.Config)
						return fmt.Errorf("restore aborted (use --force to proceed)")
					}
				}
			}

			restored, err := extractBackup(args[0], layout)
			if err != nil {
				return fmt.Errorf("restore failed: %w", err)
			}
			fmt.Printf("Restore completed from: %s\n", args[0])
			for _, f := range restored {
				fmt.Printf("  - %s\n", f)
			}
			return nil
		},
	}

	cmd.Flags().BoolVar(&force, "force", false, "overwrite existing data without warning")
	return cmd
}

// targetFor resolves an archive member to its destination, rejecting names
// that would escape their directory.
func targetFor(layout backupLayout, name string) (string, bool) {
	clean := path.Clean(name)
	if strings.HasPrefix(clean, "../") || clean == ".." || path.IsAbs(clean) {
		return "", false
	}
	switch {
	case clean == archiveDB:
		return layout.DBPath, true
	case clean == archiveConfig:
		return layout.Config, true
	case strings.HasPrefix(clean, archiveSouls):
		return filepath.Join(layout.SoulsDir, filepath.FromSlash(strings.TrimPrefix(clean, archiveSouls))), true
	case strings.HasPrefix(clean, archiveSkills):
		return filepath.Join(layout.SkillsDir, filepath.FromSlash(strings.TrimPrefix(clean, archiveSkills))), true
	}
	return "", false
}

func extractBackup(archivePath string, layout backupLayout) ([]string, error) {
	file, err := os.Open(archivePath)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	gz, err := gzip.NewReader(file)
	if err != nil {
		return nil, fmt.Errorf("not a valid gzip file: %w", err)
	}
	defer gz.Close()

	tr := tar.NewReader(gz)
	var restored []string
	for {
		header, err := tr.Next()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, err
		}
		if header.Typeflag != tar.TypeReg {
			continue
		}
		target, ok := targetFor(layout, header.Name)
		if !ok {
			logger.Warn("skipping unknown archive member", "name", header.Name)
			continue
		}
		if err := writeRestored(target, tr); err != nil {
			return nil, err
		}
		if target == layout.DBPath {
			// Stale WAL files from the replaced database must not be replayed.
			os.Remove(layout.DBPath + "-wal")
			os.Remove(layout.DBPath + "-shm")
		}
		restored = append(restored, target)
	}
	return restored, nil
}

func writeRestored(target string, r io.Reader) error {
	if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
		return err
	}
	out, err := os.OpenFile(target, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("create %s: %w", target, err)
	}
	if _, err := io.Copy(out, r); err != nil {
		out.Close()
		return fmt.Errorf("extract %s: %w", target, err)
	}
	return out.Close()
}
