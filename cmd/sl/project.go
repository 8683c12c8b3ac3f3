package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"solarline/internal/config"
	"solarline/internal/domain"
)

func projectCmd() *cobra.Command {
	prj := &cobra.Command{Use: "project", Short: "Manage projects"}
	prj.AddCommand(projectInitCmd())
	prj.AddCommand(projectListCmd())
	prj.AddCommand(projectStatusCmd())
	prj.AddCommand(projectConfigCmd())
	return prj
}

func projectInitCmd() *cobra.Command {
	var name string
	cmd := &cobra.Command{
		Use:   "init <project-id>",
		Short: "Create a project seeded with the workspace or default rule set",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s *session) error {
				p, err := s.Engine.InitProject(ctx, args[0], name, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
	cmd.Flags().StringVar(&name, "name", "", "project name")
	return cmd
}

func projectListCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s *session) error {
				items, err := s.Engine.Repo.ListProjects(ctx)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(items)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Name", "Status", "Created"})
				for _, p := range items {
					tw.AppendRow(table.Row{p.ID, p.Name, p.Status, p.CreatedAt})
				}
				tw.Render()
				return nil
			})
		},
	}
}

func projectStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:       "status <project-id> <active|paused|archived>",
		Short:     "Change a project's status; only active projects are synced by --all",
		Args:      cobra.ExactArgs(2),
		ValidArgs: []string{"active", "paused", "archived"},
		RunE: func(cmd *cobra.Command, args []string) error {
			return withSession(cmd.Context(), func(ctx context.Context, s *session) error {
				p, err := s.Engine.SetProjectStatus(ctx, args[0], args[1], actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(p)
			})
		},
	}
}

func projectConfigCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Manage the rule set stored for a project",
	}
	cfg.AddCommand(projectConfigShowCmd())
	cfg.AddCommand(projectConfigImportCmd())
	return cfg
}

func projectConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Show the project config stored in the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, s *session, projectID string, cfg *config.Config) error {
				if viper.GetBool("json") {
					return printJSON(cfg)
				}
				out, err := yaml.Marshal(cfg)
				if err != nil {
					return err
				}
				fmt.Print(string(out))
				return nil
			})
		},
	}
}

func projectConfigImportCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "import",
		Short: "Import a project config from YAML into the DB",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.FromFile(filePath)
			if err != nil {
				return err
			}
			projectID := viper.GetString("project")
			if projectID == "" {
				projectID = cfg.Project.ID
			}
			if projectID != cfg.Project.ID {
				return fmt.Errorf("config is for project %s, not %s", cfg.Project.ID, projectID)
			}
			return withSession(cmd.Context(), func(ctx context.Context, s *session) error {
				if _, err := s.Engine.EnsureProject(ctx, projectID, actorID()); err != nil {
					return err
				}
				if err := s.Engine.SetProjectConfig(ctx, projectID, cfg, actorID()); err != nil {
					return err
				}
				rs, err := cfg.RuleSet()
				if err != nil {
					return err
				}
				return printJSONOrTable(map[string]any{"project_id": projectID, "order": rs.Codes()})
			})
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML config")
	_ = cmd.MarkFlagRequired("file")
	return cmd
}

func configCmd() *cobra.Command {
	cfg := &cobra.Command{
		Use:   "config",
		Short: "Author and check rule set files",
		Long:  "A rule set file (solarline.yml) holds the rules, cross triggers, milestone catalogue, weights, document type labels and notification settings of a project.",
	}
	cfg.AddCommand(configInitCmd())
	cfg.AddCommand(configValidateCmd())
	return cfg
}

func configInitCmd() *cobra.Command {
	var projectID string
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write the default solar rule set to solarline.yml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := config.Path(viper.GetString("workspace"))
			if _, err := os.Stat(path); err == nil && !force {
				return fmt.Errorf("%s exists; use --force to overwrite", path)
			}
			if err := os.WriteFile(path, []byte(config.GenerateDefault(projectID)), 0o644); err != nil {
				return err
			}
			fmt.Println("wrote", path)
			return nil
		},
	}
	cmd.Flags().StringVar(&projectID, "project-id", "solar-project", "project id written to the file")
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing file")
	return cmd
}

func configValidateCmd() *cobra.Command {
	var filePath string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Validate a rule set and print its evaluation order",
		RunE: func(cmd *cobra.Command, args []string) error {
			if filePath == "" {
				filePath = config.Path(viper.GetString("workspace"))
			}
			order, err := validateFile(filePath)
			if viper.GetBool("json") {
				out := map[string]any{"ok": err == nil, "order": order}
				if err != nil {
					out["error"] = err.Error()
				}
				return printJSON(out)
			}
			if err != nil {
				return err
			}
			fmt.Println("config OK")
			fmt.Println("evaluation order:", strings.Join(order, " -> "))
			return nil
		},
	}
	cmd.Flags().StringVar(&filePath, "file", "", "path to YAML config (defaults to the workspace solarline.yml)")
	return cmd
}

func validateFile(path string) ([]string, error) {
	cfg, err := config.FromFile(path)
	if err != nil {
		return nil, err
	}
	rs, err := cfg.RuleSet()
	if err != nil {
		return nil, err
	}
	return rs.Codes(), nil
}

func docCmd() *cobra.Command {
	doc := &cobra.Command{Use: "doc", Short: "Manage the document snapshot of a project"}
	doc.AddCommand(docPutCmd())
	doc.AddCommand(docListCmd())
	doc.AddCommand(docRmCmd())
	return doc
}

func docPutCmd() *cobra.Command {
	var (
		typeCode, typeLabel, fileRef string
		submittedAt, issuedAt        string
		files                        int
		superseded, deleted          bool
	)
	cmd := &cobra.Command{
		Use:   "put [document-id]",
		Short: "Insert or replace a document row",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d := domain.Document{
				TypeCode:          optionalString(typeCode),
				TypeLabel:         optionalString(typeLabel),
				AttachedFileCount: files,
				ExternalFileRef:   optionalString(fileRef),
				IsCurrent:         !superseded,
				IsDeleted:         deleted,
			}
			if len(args) == 1 {
				d.ID = args[0]
			}
			var err error
			if d.SubmittedAt, err = parseOptionalTime(submittedAt); err != nil {
				return fmt.Errorf("--submitted-at: %w", err)
			}
			if d.IssuedAt, err = parseOptionalTime(issuedAt); err != nil {
				return fmt.Errorf("--issued-at: %w", err)
			}
			return withProject(cmd.Context(), func(ctx context.Context, s *session, projectID string, _ *config.Config) error {
				d.ProjectID = projectID
				stored, err := s.Engine.PutDocument(ctx, d, actorID())
				if err != nil {
					return err
				}
				return printJSONOrTable(stored)
			})
		},
	}
	cmd.Flags().StringVar(&typeCode, "type-code", "", "canonical document type code")
	cmd.Flags().StringVar(&typeLabel, "type-label", "", "legacy document type label")
	cmd.Flags().StringVar(&submittedAt, "submitted-at", "", "submission time (RFC3339 or YYYY-MM-DD)")
	cmd.Flags().StringVar(&issuedAt, "issued-at", "", "issue time (RFC3339 or YYYY-MM-DD)")
	cmd.Flags().IntVar(&files, "files", 0, "number of attached files")
	cmd.Flags().StringVar(&fileRef, "file-ref", "", "external file reference")
	cmd.Flags().BoolVar(&superseded, "superseded", false, "store the row as not current")
	cmd.Flags().BoolVar(&deleted, "deleted", false, "store the row as deleted")
	return cmd
}

func parseOptionalTime(v string) (*time.Time, error) {
	v = strings.TrimSpace(v)
	if v == "" {
		return nil, nil
	}
	for _, layout := range []string{time.RFC3339, "2006-01-02"} {
		if t, err := time.Parse(layout, v); err == nil {
			return &t, nil
		}
	}
	return nil, fmt.Errorf("invalid time %q", v)
}

func docListCmd() *cobra.Command {
	var all bool
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List documents",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, s *session, projectID string, _ *config.Config) error {
				docs, err := s.Engine.Documents(ctx, projectID, all)
				if err != nil {
					return err
				}
				if viper.GetBool("json") {
					return printJSON(docs)
				}
				tw := table.NewWriter()
				tw.SetOutputMirror(os.Stdout)
				tw.AppendHeader(table.Row{"ID", "Type", "Label", "Submitted", "Issued", "Files", "Current", "Deleted"})
				for _, d := range docs {
					tw.AppendRow(table.Row{d.ID, stringOrDash(d.TypeCode), stringOrDash(d.TypeLabel), timeOrDash(d.SubmittedAt), timeOrDash(d.IssuedAt), d.AttachedFileCount, d.IsCurrent, d.IsDeleted})
				}
				tw.Render()
				return nil
			})
		},
	}
	cmd.Flags().BoolVar(&all, "all", false, "include superseded and deleted rows")
	return cmd
}

func docRmCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rm <document-id>",
		Short: "Soft-delete a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withProject(cmd.Context(), func(ctx context.Context, s *session, projectID string, _ *config.Config) error {
				if err := s.Engine.DeleteDocument(ctx, projectID, args[0], actorID()); err != nil {
					return err
				}
				fmt.Println("deleted", args[0])
				return nil
			})
		},
	}
}

func timeOrDash(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.UTC().Format("2006-01-02")
}
