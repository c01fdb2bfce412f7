package tui

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/acormier/loom/internal/engine"
	"github.com/acormier/loom/internal/models"
	"github.com/acormier/loom/internal/storage"
)

type View int

const (
	ViewProjectList View = iota
	ViewNodeList
	ViewNodeDetail
)

type App struct {
	store  *storage.Store
	engine *engine.Engine

	view            View
	projects        []*models.Project
	selectedIdx     int
	selectedProject *models.Project
	nodes           []*models.Node
	selectedNodeIdx int
	selectedNode    *models.Node
	executing       map[string]bool

	width  int
	height int
	err    error
}

func NewApp(store *storage.Store, eng *engine.Engine) *App {
	return &App{
		store:     store,
		engine:    eng,
		view:      ViewProjectList,
		executing: make(map[string]bool),
	}
}

func (a *App) Init() tea.Cmd {
	return a.loadProjects
}

func (a *App) tickCmd() tea.Cmd {
	return tea.Tick(time.Second, func(t time.Time) tea.Msg {
		return tickMsg(t)
	})
}

type tickMsg time.Time

func (a *App) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		return a.handleKey(msg)

	case tea.WindowSizeMsg:
		a.width = msg.Width
		a.height = msg.Height
		return a, nil

	case projectsLoadedMsg:
		a.projects = msg.projects
		a.err = msg.err
		return a, nil

	case nodesLoadedMsg:
		a.nodes = msg.nodes
		a.err = msg.err
		if a.err == nil && a.view == ViewProjectList {
			a.view = ViewNodeList
		}
		if a.selectedNode != nil {
			for _, n := range a.nodes {
				if n.ID == a.selectedNode.ID {
					a.selectedNode = n
				}
			}
		}
		return a, nil

	case nodeExecutedMsg:
		delete(a.executing, msg.nodeID)
		if msg.err != nil {
			a.err = msg.err
		}
		if a.selectedProject != nil {
			return a, a.loadNodes(a.selectedProject.ID)
		}
		return a, nil

	case tickMsg:
		if len(a.executing) > 0 && a.selectedProject != nil {
			return a, tea.Batch(a.loadNodes(a.selectedProject.ID), a.tickCmd())
		}
		return a, nil
	}

	return a, nil
}

func (a *App) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch a.view {
	case ViewProjectList:
		return a.handleProjectListKey(msg)
	case ViewNodeList:
		return a.handleNodeListKey(msg)
	case ViewNodeDetail:
		return a.handleNodeDetailKey(msg)
	}
	return a, nil
}

func (a *App) handleProjectListKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "ctrl+c":
		return a, tea.Quit

	case "up", "k":
		if a.selectedIdx > 0 {
			a.selectedIdx--
		}

	case "down", "j":
		if a.selectedIdx < len(a.projects)-1 {
			a.selectedIdx++
		}

	case "enter":
		if len(a.projects) > 0 && a.selectedIdx < len(a.projects) {
			a.selectedProject = a.projects[a.selectedIdx]
			a.selectedNodeIdx = 0
			return a, a.loadNodes(a.selectedProject.ID)
		}

	case "r":
		return a, a.loadProjects
	}

	return a, nil
}

func (a *App) handleNodeListKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "esc":
		a.view = ViewProjectList
		a.selectedProject = nil
		a.nodes = nil
		a.selectedNodeIdx = 0

	case "ctrl+c":
		return a, tea.Quit

	case "up", "k":
		if a.selectedNodeIdx > 0 {
			a.selectedNodeIdx--
		}

	case "down", "j":
		if a.selectedNodeIdx < len(a.nodes)-1 {
			a.selectedNodeIdx++
		}

	case "enter":
		if len(a.nodes) > 0 && a.selectedNodeIdx < len(a.nodes) {
			a.selectedNode = a.nodes[a.selectedNodeIdx]
			a.view = ViewNodeDetail
		}

	case "x":
		if len(a.nodes) > 0 && a.selectedNodeIdx < len(a.nodes) {
			return a, a.executeNode(a.nodes[a.selectedNodeIdx].ID)
		}

	case "r":
		if a.selectedProject != nil {
			return a, a.loadNodes(a.selectedProject.ID)
		}
	}

	return a, nil
}

func (a *App) handleNodeDetailKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	switch msg.String() {
	case "q", "esc":
		a.view = ViewNodeList
		a.selectedNode = nil

	case "ctrl+c":
		return a, tea.Quit

	case "x":
		if a.selectedNode != nil {
			return a, a.executeNode(a.selectedNode.ID)
		}
	}

	return a, nil
}

func (a *App) View() string {
	switch a.view {
	case ViewProjectList:
		return a.viewProjectList()
	case ViewNodeList:
		return a.viewNodeList()
	case ViewNodeDetail:
		return a.viewNodeDetail()
	}
	return ""
}

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("205"))

	selectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("229")).
			Background(lipgloss.Color("57"))

	dimStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))

	statusExecuting = lipgloss.NewStyle().Foreground(lipgloss.Color("220"))
	statusValidated = lipgloss.NewStyle().Foreground(lipgloss.Color("46"))
	statusPending   = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	statusNotRun    = lipgloss.NewStyle().Foreground(lipgloss.Color("243"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("241"))

	labelStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("243"))
)

func (a *App) viewProjectList() string {
	s := titleStyle.Render("Loom") + "\n\n"

	if a.err != nil {
		s += fmt.Sprintf("Error: %v\n", a.err)
	}

	if len(a.projects) == 0 {
		s += "No projects yet. Import one with `loom import`.\n"
	} else {
		s += "Projects\n"
		s += "────────\n"

		for i, p := range a.projects {
			line := fmt.Sprintf("%-20s %s", p.Name, dimStyle.Render(p.ID))
			if i == a.selectedIdx {
				line = selectedStyle.Render("▶ " + line)
			} else {
				line = "  " + line
			}
			s += line + "\n"
		}
	}

	s += "\n" + helpStyle.Render("[enter] open  [r] refresh  [q] quit")

	return s
}

func (a *App) viewNodeList() string {
	if a.selectedProject == nil {
		return "No project selected"
	}

	s := titleStyle.Render("Project: "+a.selectedProject.Name) + "\n\n"

	if a.err != nil {
		s += fmt.Sprintf("Error: %v\n", a.err)
	}

	if len(a.nodes) == 0 {
		s += "(no nodes)\n"
	} else {
		s += "Nodes\n"
		s += "─────\n"

		for i, node := range a.nodes {
			line := a.formatNodeLine(node)
			if i == a.selectedNodeIdx {
				line = selectedStyle.Render("▶ " + line)
			} else {
				line = "  " + line
			}
			s += line + "\n"
		}
	}

	s += "\n" + helpStyle.Render("[enter] detail  [x] execute  [r] refresh  [esc] back  [q] quit")

	return s
}

func (a *App) formatNodeLine(node *models.Node) string {
	status := a.formatStatus(node)
	deps := ""
	if len(node.DependsOn) > 0 {
		deps = dimStyle.Render("← " + strings.Join(node.DependsOn, ", "))
	}
	return fmt.Sprintf("%-20s %-10s %s  %s", node.ID, node.Kind, status, deps)
}

func (a *App) formatStatus(node *models.Node) string {
	if a.executing[node.ID] {
		return statusExecuting.Render("● executing")
	}
	switch node.Status {
	case models.StatusValidated:
		return statusValidated.Render("✓ validated")
	case models.StatusExecuting:
		return statusExecuting.Render("● executing")
	case models.StatusPendingValidation:
		return statusPending.Render("✗ pending")
	case models.StatusNotExecuted:
		return statusNotRun.Render("○ not run")
	default:
		return string(node.Status)
	}
}

func (a *App) viewNodeDetail() string {
	if a.selectedNode == nil {
		return "No node selected"
	}

	node := a.selectedNode

	s := titleStyle.Render("Node: "+node.ID) + "  " + a.formatStatus(node) + "\n\n"
	s += labelStyle.Render("Kind: ") + string(node.Kind) + "\n"

	if len(node.DependsOn) > 0 {
		s += labelStyle.Render("Depends on: ") + strings.Join(node.DependsOn, ", ") + "\n"
	}
	if node.Result != nil && node.Result.Location != "" {
		s += labelStyle.Render("Result: ") + node.Result.Location + "\n"
	}
	if node.LastExecutedAt != nil {
		s += labelStyle.Render("Last executed: ") + node.LastExecutedAt.Format(time.RFC3339) + "\n"
	}
	if node.Error != "" {
		s += "\n" + statusPending.Render("Error: "+node.Error) + "\n"
	}

	s += "\n" + labelStyle.Render("Code") + "\n"
	s += dimStyle.Render("────") + "\n"
	s += node.Code + "\n"

	s += "\n" + helpStyle.Render("[x] execute  [esc] back  [q] quit")

	return s
}

// Messages

type projectsLoadedMsg struct {
	projects []*models.Project
	err      error
}

type nodesLoadedMsg struct {
	nodes []*models.Node
	err   error
}

type nodeExecutedMsg struct {
	nodeID  string
	outcome *models.Outcome
	err     error
}

// Commands

func (a *App) loadProjects() tea.Msg {
	projects, err := a.store.ListProjects()
	return projectsLoadedMsg{projects: projects, err: err}
}

func (a *App) loadNodes(projectID string) tea.Cmd {
	return func() tea.Msg {
		nodes, err := a.store.ListNodes(projectID)
		return nodesLoadedMsg{nodes: nodes, err: err}
	}
}

func (a *App) executeNode(nodeID string) tea.Cmd {
	if a.selectedProject == nil {
		return nil
	}
	projectID := a.selectedProject.ID
	a.executing[nodeID] = true
	a.err = nil

	exec := func() tea.Msg {
		out, err := a.engine.ExecuteNode(context.Background(), projectID, nodeID, 0)
		return nodeExecutedMsg{nodeID: nodeID, outcome: out, err: err}
	}
	return tea.Batch(exec, a.tickCmd())
}
