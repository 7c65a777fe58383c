package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"omnichat/internal/knowledge"
	"omnichat/internal/skill"
)

func skillCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "skill",
		Short: "List, install and remove skills",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List built-in and installed skills",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			reg := skill.NewRegistry(nil, logger)
			reg.RegisterBuiltins()
			if _, err := reg.LoadDirectory(skillDir(cfg)); err != nil {
				return err
			}
			for _, d := range reg.List() {
				origin := "installed"
				if d.BuiltIn {
					origin = "built-in"
				}
				fmt.Printf("%-24s %-9s %d steps  %s\n", d.Name, origin, len(d.Steps), d.Description)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "install [url]",
		Short: "Download a skill YAML file into the skills directory",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			inst, err := skill.NewInstaller(skill.InstallerConfig{SkillDir: skillDir(cfg), Logger: logger})
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			defer cancel()
			def, err := inst.Install(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("installed %s into %s (restart the gateway to load it)\n", def.Name, inst.Dir())
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "remove [name]",
		Short: "Remove an installed skill",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			inst, err := skill.NewInstaller(skill.InstallerConfig{SkillDir: skillDir(cfg), Logger: logger})
			if err != nil {
				return err
			}
			return inst.Uninstall(args[0])
		},
	})

	return cmd
}

func knowledgeCmd() *cobra.Command {
	var userID string
	cmd := &cobra.Command{
		Use:   "knowledge",
		Short: "Manage a user's knowledge base documents",
	}
	cmd.PersistentFlags().StringVar(&userID, "user", "", "owning user id")
	_ = cmd.MarkPersistentFlagRequired("user")

	cmd.AddCommand(&cobra.Command{
		Use:   "add [file...]",
		Short: "Index text files into the knowledge base",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()
			engine := newKnowledgeEngine(cfg, store)

			var failed []string
			for _, path := range args {
				doc, err := engine.AddFile(context.Background(), userID, path)
				if err != nil {
					fmt.Fprintf(os.Stderr, "%s: %v\n", path, err)
					failed = append(failed, path)
					continue
				}
				fmt.Printf("%s  %s (%d chunks)\n", shortID(doc.ID), doc.Name, doc.ChunkCount)
			}
			if len(failed) > 0 {
				return fmt.Errorf("%d of %d files failed: %s", len(failed), len(args), strings.Join(failed, ", "))
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List indexed documents",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()
			docs, err := newKnowledgeEngine(cfg, store).ListDocuments(context.Background(), userID)
			if err != nil {
				return err
			}
			for _, d := range docs {
				fmt.Printf("%s  %-32s %-16s %8d bytes %4d chunks\n", d.ID, d.Name, d.MimeType, d.Size, d.ChunkCount)
			}
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "delete [document-id]",
		Short: "Remove a document and its chunks",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, store, err := openStore()
			if err != nil {
				return err
			}
			defer store.Close()
			err = newKnowledgeEngine(cfg, store).DeleteDocument(context.Background(), userID, args[0])
			if errors.Is(err, knowledge.ErrDocumentNotFound) {
				return fmt.Errorf("no document %s for user %s", args[0], userID)
			}
			return err
		},
	})

	return cmd
}
