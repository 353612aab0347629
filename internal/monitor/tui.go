package monitor

import (
	"fmt"
	"strings"
	"time"

	"github.com/charmbracelet/bubbles/table"
	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"github.com/ppiankov/otterhound/internal/store"
)

var (
	openStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10")) // green
	badStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))  // red
	warnStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("11")) // yellow
	dimStyle  = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))  // dim gray

	headerStyle    = lipgloss.NewStyle().Bold(true).Padding(0, 1)
	detailStyle    = lipgloss.NewStyle().Padding(0, 1)
	separatorStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("240"))
)

const issueWidth = 40

// Model is the BubbleTea model for browsing a finished report.
type Model struct {
	report      *store.Report
	all         []store.Entry
	entries     []store.Entry // current view, filtered
	table       table.Model
	searchInput textinput.Model
	width       int
	height      int
	openOnly    bool
	quitting    bool
	searching   bool
}

// NewModel creates a TUI model from a finished report. Entries keep
// enumeration order.
func NewModel(r *store.Report) *Model {
	cols := []table.Column{
		{Title: "STATUS", Width: 10},
		{Title: "TARGET", Width: 32},
		{Title: "LATENCY", Width: 9},
		{Title: "TLS", Width: 7},
		{Title: "EXPIRES", Width: 10},
		{Title: "ISSUES", Width: issueWidth},
	}

	s := table.DefaultStyles()
	s.Header = s.Header.Bold(true).BorderBottom(true).
		BorderStyle(lipgloss.NormalBorder()).
		BorderForeground(lipgloss.Color("240"))
	s.Selected = s.Selected.Bold(true).
		Foreground(lipgloss.Color("15")).
		Background(lipgloss.Color("57"))

	t := table.New(
		table.WithColumns(cols),
		table.WithFocused(true),
		table.WithHeight(10),
		table.WithStyles(s),
	)

	ti := textinput.New()
	ti.Placeholder = "type to filter..."
	ti.CharLimit = 64

	m := &Model{
		report:      r,
		all:         r.Entries,
		entries:     r.Entries,
		table:       t,
		searchInput: ti,
		width:       80,
		height:      24,
	}
	m.rebuildRows()
	return m
}

// Init satisfies tea.Model.
func (m *Model) Init() tea.Cmd {
	return nil
}

// Update handles key events.
func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	if m.searching {
		return m.updateSearch(msg)
	}

	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		case "esc":
			if m.searchInput.Value() != "" {
				m.searchInput.SetValue("")
				m.applyFilter()
				return m, nil
			}
			m.quitting = true
			return m, tea.Quit
		case "/":
			m.searching = true
			return m, m.searchInput.Focus()
		case "o":
			m.openOnly = !m.openOnly
			m.applyFilter()
			return m, nil
		case "g":
			m.table.GotoTop()
			return m, nil
		case "G":
			m.table.GotoBottom()
			return m, nil
		}
	case tea.WindowSizeMsg:
		m.resize(msg)
	}

	var cmd tea.Cmd
	m.table, cmd = m.table.Update(msg)
	return m, cmd
}

func (m *Model) updateSearch(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "enter":
			m.searching = false
			m.searchInput.Blur()
			return m, nil
		case "esc":
			m.searching = false
			m.searchInput.SetValue("")
			m.searchInput.Blur()
			m.applyFilter()
			return m, nil
		case "ctrl+c":
			m.quitting = true
			return m, tea.Quit
		}
	case tea.WindowSizeMsg:
		m.resize(msg)
	}

	var cmd tea.Cmd
	m.searchInput, cmd = m.searchInput.Update(msg)
	m.applyFilter()
	return m, cmd
}

func (m *Model) resize(msg tea.WindowSizeMsg) {
	m.width = msg.Width
	m.height = msg.Height
	m.table.SetHeight(m.tableHeight())
	m.table.SetWidth(m.width)
}

// View renders the full TUI.
func (m *Model) View() string {
	if m.quitting {
		return ""
	}

	var b strings.Builder
	b.WriteString(m.headerView())
	b.WriteByte('\n')
	b.WriteString(m.table.View())
	b.WriteByte('\n')
	b.WriteString(separatorStyle.Render(strings.Repeat("─", m.width)))
	b.WriteByte('\n')
	b.WriteString(m.detailView())
	b.WriteByte('\n')
	b.WriteString(m.footerView())
	return b.String()
}

func (m *Model) headerView() string {
	title := headerStyle.Render(fmt.Sprintf("otterhound · %s · %s",
		m.report.StartedAt.UTC().Format("2006-01-02 15:04 UTC"),
		m.report.FinishedAt.Sub(m.report.StartedAt).Round(time.Millisecond)))

	c := m.report.CountByStatus()
	total := fmt.Sprintf("Total: %d", len(m.all))
	if len(m.entries) != len(m.all) {
		total = fmt.Sprintf("Showing: %d/%d", len(m.entries), len(m.all))
	}
	counts := headerStyle.Render(fmt.Sprintf("%s  Closed: %d  %s  %s  %s  %s",
		openStyle.Render(fmt.Sprintf("Open: %d", c[store.StatusOpen])),
		c[store.StatusClosed],
		warnStyle.Render(fmt.Sprintf("Filtered: %d", c[store.StatusFiltered])),
		badStyle.Render(fmt.Sprintf("Error: %d", c[store.StatusError])),
		badStyle.Render(fmt.Sprintf("Incomplete: %d", c[store.StatusIncomplete])),
		total,
	))

	out := title + "\n" + counts
	if n := len(m.report.InvalidSpecs); n > 0 {
		out += "\n" + headerStyle.Render(warnStyle.Render(fmt.Sprintf("%d invalid specification(s) skipped", n)))
	}
	return out
}

func (m *Model) detailView() string {
	if len(m.entries) == 0 {
		if m.searchInput.Value() != "" || m.openOnly {
			return detailStyle.Render(dimStyle.Render("No matches."))
		}
		return detailStyle.Render("No targets.")
	}

	idx := m.table.Cursor()
	if idx < 0 || idx >= len(m.entries) {
		return ""
	}
	return detailStyle.Render(strings.Join(detailLines(&m.entries[idx]), "\n"))
}

// detailLines describes one entry: negotiated parameters, the chain and
// every recorded issue.
func detailLines(e *store.Entry) []string {
	var lines []string
	if e.Probe.Error != "" {
		lines = append(lines, fmt.Sprintf("Error: %s", badStyle.Render(e.Probe.Error)))
	}
	if e.TLSError != "" {
		lines = append(lines, fmt.Sprintf("TLS error: %s", badStyle.Render(e.TLSError)))
	}

	s := e.TLS
	if s == nil {
		if len(lines) == 0 {
			return []string{dimStyle.Render("(no details)")}
		}
		return lines
	}

	proto := s.Version + " · " + s.CipherSuite
	if s.ALPN != "" {
		proto += " · " + s.ALPN
	}
	lines = append(lines, proto)
	if s.ServerName != "" {
		lines = append(lines, fmt.Sprintf("SNI: %s", s.ServerName))
	}
	for i := range s.Chain {
		c := &s.Chain[i]
		lines = append(lines, fmt.Sprintf("[%d] %s  (issuer %s, until %s)",
			i, c.Subject, c.Issuer, c.NotAfter.UTC().Format("2006-01-02")))
	}
	if leaf := s.Leaf(); leaf != nil && len(leaf.DNSNames) > 0 {
		lines = append(lines, fmt.Sprintf("SANs: %s", strings.Join(leaf.DNSNames, ", ")))
	}
	for _, issue := range s.RevocationIssues {
		lines = append(lines, badStyle.Render(issue))
	}
	for _, issue := range s.ValidationErrors {
		lines = append(lines, badStyle.Render(issue))
	}
	for _, issue := range s.PostureIssues {
		lines = append(lines, warnStyle.Render(issue))
	}
	return lines
}

func (m *Model) footerView() string {
	if m.searching {
		return " /" + m.searchInput.View()
	}
	help := " q quit · ↑↓/jk navigate · g/G top/bottom · o open only · / search"
	if m.searchInput.Value() != "" {
		help += " · esc clear"
	}
	return dimStyle.Render(help)
}

func (m *Model) tableHeight() int {
	// header, table chrome, separator, detail panel and footer
	reserved := 16
	h := m.height - reserved
	if h < 3 {
		h = 3
	}
	return h
}

func (m *Model) applyFilter() {
	query := strings.ToLower(m.searchInput.Value())
	if query == "" && !m.openOnly {
		m.entries = m.all
		m.rebuildRows()
		return
	}

	var filtered []store.Entry
	for i := range m.all {
		e := &m.all[i]
		if m.openOnly && e.Probe.Status != store.StatusOpen {
			continue
		}
		hay := strings.ToLower(e.Target.String() + " " + string(e.Probe.Status) + " " + e.Probe.Error + " " + e.TLSError)
		if e.TLS != nil {
			hay += " " + strings.ToLower(e.TLS.Version+" "+e.TLS.CipherSuite)
			if leaf := e.TLS.Leaf(); leaf != nil {
				hay += " " + strings.ToLower(leaf.Subject+" "+leaf.Issuer)
			}
		}
		if query == "" || strings.Contains(hay, query) {
			filtered = append(filtered, *e)
		}
	}
	m.entries = filtered
	m.rebuildRows()
}

func (m *Model) rebuildRows() {
	rows := make([]table.Row, len(m.entries))
	for i := range m.entries {
		rows[i] = entryToRow(&m.entries[i], m.report.FinishedAt, issueWidth)
	}
	m.table.SetRows(rows)
}
