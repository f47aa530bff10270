package main

import (
	"context"
	"fmt"
	"strings"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/ryandielhenn/zephyrmesh/pkg/membership"
	"github.com/ryandielhenn/zephyrmesh/pkg/mesh"
	"github.com/ryandielhenn/zephyrmesh/pkg/transport"
)

var (
	simNodes int
	simSeed  int64
)

var simCmd = &cobra.Command{
	Use:   "sim",
	Short: "Run an in-process cluster with a live dashboard",
	Long: `Start several mesh nodes on an in-memory network and watch elections,
replication and failure detection as you cut nodes off.

Keyboard shortcuts:
  ↑/↓ or k/j - Select a node
  I          - Isolate the selected node
  H          - Heal all partitions
  P          - Propose a command on the leader
  S          - Set a gossip key on the selected node
  Q          - Quit`,
	RunE: runSim,
}

func init() {
	rootCmd.AddCommand(simCmd)
	simCmd.Flags().IntVarP(&simNodes, "nodes", "n", 5, "number of nodes")
	simCmd.Flags().Int64Var(&simSeed, "seed", 0, "random seed (0 = time based)")
}

type simCluster struct {
	hub    *transport.Hub
	ids    []string
	meshes []*mesh.Mesh
}

func newSimCluster(n int, seed int64, logger *zap.Logger) (*simCluster, error) {
	c := &simCluster{hub: transport.NewHub()}
	for i := 1; i <= n; i++ {
		c.ids = append(c.ids, fmt.Sprintf("n%d", i))
	}
	for i, id := range c.ids {
		cfg := mesh.DefaultConfig(id)
		cfg.Voters = c.ids
		cfg.SuspectTimeout = time.Second
		cfg.DeadTimeout = 3 * time.Second
		if seed != 0 {
			cfg.Seed = seed + int64(i)
		}
		cfg.Logger = logger
		m, err := mesh.New(cfg, c.hub.Join(id))
		if err != nil {
			return nil, err
		}
		if err := m.Start(); err != nil {
			return nil, err
		}
		c.meshes = append(c.meshes, m)
	}
	ctx := context.Background()
	for i, a := range c.meshes {
		for _, b := range c.ids[i+1:] {
			if err := a.ConnectToPeer(ctx, b, b); err != nil {
				return nil, err
			}
		}
	}
	return c, nil
}

func (c *simCluster) leader() *mesh.Mesh {
	for _, m := range c.meshes {
		if m.IsLeader() {
			return m
		}
	}
	return nil
}

func (c *simCluster) stop() {
	for _, m := range c.meshes {
		m.Stop()
	}
}

type simModel struct {
	cluster  *simCluster
	logs     *logBuffer
	statuses []mesh.Status
	isolated map[string]bool
	selected int
	proposed int
	written  int
	note     string
	width    int
}

type simTickMsg struct{}

type statusesMsg struct {
	statuses []mesh.Status
}

func simTick() tea.Cmd {
	return tea.Tick(250*time.Millisecond, func(time.Time) tea.Msg {
		return simTickMsg{}
	})
}

func refreshStatuses(c *simCluster) tea.Cmd {
	return func() tea.Msg {
		out := make([]mesh.Status, 0, len(c.meshes))
		for _, m := range c.meshes {
			s, err := m.Status()
			if err != nil {
				s = mesh.Status{ID: m.ID()}
			}
			out = append(out, s)
		}
		return statusesMsg{statuses: out}
	}
}

func (m simModel) Init() tea.Cmd {
	return tea.Batch(simTick(), refreshStatuses(m.cluster))
}

func (m simModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			return m, tea.Quit
		case "up", "k":
			if m.selected > 0 {
				m.selected--
			}
		case "down", "j":
			if m.selected < len(m.cluster.ids)-1 {
				m.selected++
			}
		case "i", "I":
			id := m.cluster.ids[m.selected]
			m.cluster.hub.Isolate(id)
			m.isolated[id] = true
			m.note = "isolated " + id
		case "h", "H":
			m.cluster.hub.Heal()
			m.isolated = map[string]bool{}
			m.note = "healed all partitions"
		case "p", "P":
			leader := m.cluster.leader()
			if leader == nil {
				m.note = "no leader to propose to"
				break
			}
			m.proposed++
			cmd := fmt.Sprintf("cmd-%d", m.proposed)
			if p, ok := leader.Propose([]byte(cmd)); ok {
				m.note = fmt.Sprintf("%s proposed %s at index %d", leader.ID(), cmd, p.Index)
			} else {
				m.note = leader.ID() + " is no longer leader"
			}
		case "s", "S":
			sel := m.cluster.meshes[m.selected]
			m.written++
			key := fmt.Sprintf("key-%d", m.written)
			if err := sel.Set(key, []byte(sel.ID())); err != nil {
				m.note = err.Error()
			} else {
				m.note = fmt.Sprintf("%s set %s", sel.ID(), key)
			}
		}
		return m, nil

	case tea.WindowSizeMsg:
		m.width = msg.Width
		return m, nil

	case simTickMsg:
		return m, tea.Batch(simTick(), refreshStatuses(m.cluster))

	case statusesMsg:
		m.statuses = msg.statuses
		return m, nil
	}
	return m, nil
}

var (
	titleStyle    = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("62")).Padding(1, 2)
	headerStyle   = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("245"))
	leaderStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("42")).Bold(true)
	isolatedStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("196"))
	selectedStyle = lipgloss.NewStyle().Background(lipgloss.Color("236"))
	helpStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("240")).Italic(true).PaddingTop(1)
)

func (m simModel) View() string {
	var s strings.Builder
	s.WriteString(titleStyle.Render("ZephyrMesh Simulator"))
	s.WriteString("\n")

	s.WriteString(headerStyle.Render(fmt.Sprintf("  %-6s %-10s %5s %7s %7s %-7s %5s %5s %-14s",
		"node", "role", "term", "commit", "applied", "leader", "peers", "keys", "alive/sus/dead")))
	s.WriteString("\n")
	for i, st := range m.statuses {
		alive, suspect, dead := 0, 0, 0
		for _, n := range st.Nodes {
			switch n.Health {
			case membership.Alive:
				alive++
			case membership.Suspect:
				suspect++
			case membership.Dead:
				dead++
			}
		}
		row := fmt.Sprintf("  %-6s %-10s %5d %7d %7d %-7s %5d %5d %d/%d/%d",
			st.ID, st.Consensus.Role, st.Consensus.Term, st.Consensus.CommitIndex, st.Consensus.LastApplied,
			st.Consensus.Leader, len(st.Peers), st.GossipKeys, alive, suspect, dead)
		switch {
		case m.isolated[st.ID]:
			row = isolatedStyle.Render(row + "  (isolated)")
		case st.Consensus.Role == "leader":
			row = leaderStyle.Render(row)
		}
		if i == m.selected {
			row = selectedStyle.Render(row)
		}
		s.WriteString(row)
		s.WriteString("\n")
	}

	if m.note != "" {
		s.WriteString("\n  " + m.note + "\n")
	}

	boxWidth := 100
	if m.width > 0 {
		boxWidth = m.width - 4
	}
	logStyle := lipgloss.NewStyle().
		Border(lipgloss.RoundedBorder()).
		BorderForeground(lipgloss.Color("240")).
		Padding(0, 1).
		Height(13).
		Width(boxWidth)
	s.WriteString("\n")
	s.WriteString(logStyle.Render("Logs:\n" + strings.Join(m.logs.Tail(13), "\n")))
	s.WriteString("\n")

	s.WriteString(helpStyle.Render("↑/↓ select | I isolate | H heal | P propose | S set key | Q quit"))
	return s.String()
}

func runSim(cmd *cobra.Command, _ []string) error {
	if simNodes < 1 {
		return fmt.Errorf("need at least one node")
	}
	logs := newLogBuffer(500)
	logger := logs.logger(zap.InfoLevel)

	cluster, err := newSimCluster(simNodes, simSeed, logger)
	if err != nil {
		return err
	}
	defer cluster.stop()

	model := simModel{cluster: cluster, logs: logs, isolated: map[string]bool{}}
	_, err = tea.NewProgram(model, tea.WithAltScreen()).Run()
	return err
}
