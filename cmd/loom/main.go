package main

import (
	"context"
	"fmt"
	"os"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/acormier/loom/internal/config"
	"github.com/acormier/loom/internal/engine"
	"github.com/acormier/loom/internal/manifest"
	"github.com/acormier/loom/internal/models"
	"github.com/acormier/loom/internal/results"
	"github.com/acormier/loom/internal/storage"
	"github.com/acormier/loom/internal/tui"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "loom",
		Short: "Dependency-resolving Lua pipeline engine",
		Long:  "Loom executes named Lua nodes in one persistent session per project, inferring dependencies from the code itself.",
		RunE:  runTUI,
	}

	rootCmd.AddCommand(newInitCommand())
	rootCmd.AddCommand(newImportCommand())
	rootCmd.AddCommand(newRunCommand())
	rootCmd.AddCommand(newStatusCommand())
	rootCmd.AddCommand(newListCommand())
	rootCmd.AddCommand(newSetCodeCommand())
	rootCmd.AddCommand(newDeleteCommand())

	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

// app bundles the wired-up stores and engine for a command invocation.
type app struct {
	cfg     *config.Config
	store   *storage.Store
	results *results.Store
	engine  *engine.Engine
}

func newApp() (*app, error) {
	cfg, err := config.New()
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	if err := cfg.EnsureDataDir(); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	store, err := storage.New(cfg.DBPath)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	res := results.New(cfg.ResultsDir)
	eng := engine.New(store, res, engine.Options{
		ExecTimeout: cfg.ExecTimeout,
		SessionIdle: cfg.SessionIdle,
	})

	return &app{cfg: cfg, store: store, results: res, engine: eng}, nil
}

func (a *app) close() {
	a.engine.Shutdown()
	a.store.Close()
}

// resolveProject accepts either a project id or a project name.
func (a *app) resolveProject(ref string) (*models.Project, error) {
	if p, err := a.store.GetProject(ref); err == nil {
		return p, nil
	}

	projects, err := a.store.ListProjects()
	if err != nil {
		return nil, err
	}
	for _, p := range projects {
		if p.Name == ref {
			return p, nil
		}
	}
	return nil, fmt.Errorf("project %q not found", ref)
}

func runTUI(cmd *cobra.Command, args []string) error {
	a, err := newApp()
	if err != nil {
		return err
	}
	defer a.close()

	p := tea.NewProgram(tui.NewApp(a.store, a.engine), tea.WithAltScreen())
	_, err = p.Run()
	return err
}

func newInitCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "init <name>",
		Short: "Create an empty project",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			p := &models.Project{ID: uuid.NewString(), Name: args[0]}
			if err := a.store.CreateProject(p); err != nil {
				return fmt.Errorf("failed to create project: %w", err)
			}

			fmt.Printf("Created project %q (%s)\n", p.Name, p.ID)
			return nil
		},
	}
}

func newImportCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "import <manifest.yaml>",
		Short: "Create a project from a pipeline manifest",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			path := args[0]

			m, err := manifest.Parse(path)
			if err != nil {
				return err
			}
			if err := manifest.Validate(m); err != nil {
				return fmt.Errorf("invalid manifest: %w", err)
			}

			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			p := &models.Project{ID: uuid.NewString(), Name: m.Project}
			if err := a.store.CreateProject(p); err != nil {
				return fmt.Errorf("failed to create project: %w", err)
			}

			for _, def := range m.Nodes {
				code, err := manifest.ResolveCode(path, def)
				if err != nil {
					return err
				}
				kind, _ := models.ParseKind(def.Kind)
				if err := a.store.CreateNode(p.ID, def.ID, kind, code); err != nil {
					return fmt.Errorf("failed to create node %q: %w", def.ID, err)
				}
			}

			fmt.Printf("Imported project %q (%s) with %d nodes\n", p.Name, p.ID, len(m.Nodes))
			return nil
		},
	}
}

func newRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run <project> <node>",
		Short: "Execute a node, resolving its dependencies first",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			timeout, _ := cmd.Flags().GetDuration("timeout")

			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			p, err := a.resolveProject(args[0])
			if err != nil {
				return err
			}

			out, err := a.engine.ExecuteNode(context.Background(), p.ID, args[1], timeout)
			if err != nil {
				return fmt.Errorf("execution failed: %w", err)
			}

			fmt.Printf("Node %q: %s\n", out.NodeID, out.Status)
			if out.Error != "" {
				fmt.Printf("Error: %s\n", out.Error)
			}
			if len(out.Dependencies) > 0 {
				fmt.Printf("Depends on: %v\n", out.Dependencies)
			}
			if !out.Success() {
				os.Exit(1)
			}
			return nil
		},
	}

	cmd.Flags().Duration("timeout", 0, "Per-node execution timeout (default from config)")
	return cmd
}

func newStatusCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "status <project>",
		Short: "Show a project's nodes and their statuses",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			p, err := a.resolveProject(args[0])
			if err != nil {
				return err
			}

			nodes, err := a.store.ListNodes(p.ID)
			if err != nil {
				return err
			}

			fmt.Printf("Project %q (%s)\n", p.Name, p.ID)
			if len(nodes) == 0 {
				fmt.Println("No nodes.")
				return nil
			}

			for _, node := range nodes {
				line := fmt.Sprintf("  %-20s %-10s %s", node.ID, node.Kind, node.Status)
				if len(node.DependsOn) > 0 {
					line += fmt.Sprintf("  deps=%v", node.DependsOn)
				}
				if node.LastExecutedAt != nil {
					line += "  " + formatTimeAgo(*node.LastExecutedAt)
				}
				fmt.Println(line)
				if node.Error != "" {
					fmt.Printf("      error: %s\n", node.Error)
				}
			}
			return nil
		},
	}
}

func newListCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List projects",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			projects, err := a.store.ListProjects()
			if err != nil {
				return err
			}

			if len(projects) == 0 {
				fmt.Println("No projects found.")
				return nil
			}

			for _, p := range projects {
				nodes, err := a.store.ListNodes(p.ID)
				if err != nil {
					return err
				}
				fmt.Printf("%s  %-20s %d nodes\n", p.ID, p.Name, len(nodes))
			}
			return nil
		},
	}
}

func newSetCodeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "set-code <project> <node> <file.lua>",
		Short: "Replace a node's code from a file",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			code, err := os.ReadFile(args[2])
			if err != nil {
				return fmt.Errorf("failed to read code file: %w", err)
			}

			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			p, err := a.resolveProject(args[0])
			if err != nil {
				return err
			}

			if err := a.store.SetCode(p.ID, args[1], string(code)); err != nil {
				return err
			}

			fmt.Printf("Updated code for node %q\n", args[1])
			return nil
		},
	}
}

func newDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <project>",
		Short: "Delete a project, its nodes and its results",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp()
			if err != nil {
				return err
			}
			defer a.close()

			p, err := a.resolveProject(args[0])
			if err != nil {
				return err
			}

			a.engine.EvictSession(p.ID)
			if err := a.results.RemoveProject(p.ID); err != nil {
				return fmt.Errorf("failed to remove results: %w", err)
			}
			if err := a.store.DeleteProject(p.ID); err != nil {
				return fmt.Errorf("failed to delete project: %w", err)
			}

			fmt.Printf("Deleted project %q\n", p.Name)
			return nil
		},
	}
}

func formatTimeAgo(t time.Time) string {
	d := time.Since(t)
	switch {
	case d < time.Minute:
		return "just now"
	case d < time.Hour:
		return fmt.Sprintf("%dm ago", int(d.Minutes()))
	case d < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(d.Hours()))
	default:
		return t.Format("Jan 2")
	}
}
