package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"os"
	"strings"
	"unicode/utf8"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/plugbox/wasm-host/runtime"
)

var (
	titleStyle = lipgloss.NewStyle().
			Bold(true).
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4")).
			Padding(0, 1)

	funcStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#98FB98"))

	typeStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#87CEEB"))

	selectedStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FAFAFA")).
			Background(lipgloss.Color("#7D56F4"))

	resultStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#90EE90"))

	errorStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#FF6B6B"))

	helpStyle = lipgloss.NewStyle().
			Foreground(lipgloss.Color("#666666"))
)

func newInteractiveCmd(root *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "interactive",
		Short: "Call plugin functions from a TUI",
		Args:  cobra.NoArgs,
		RunE: func(_ *cobra.Command, _ []string) error {
			if !term.IsTerminal(int(os.Stdout.Fd())) {
				return fmt.Errorf("interactive mode needs a terminal")
			}
			p := tea.NewProgram(newInteractiveModel(root), tea.WithAltScreen())
			_, err := p.Run()
			return err
		},
	}
}

type modelState int

const (
	stateSelectFunc modelState = iota
	stateInputPayload
	stateShowResult
)

type interactiveModel struct {
	root     *rootOptions
	rt       *runtime.Runtime
	instance *runtime.Instance
	exports  []runtime.ExportInfo
	payload  textinput.Model
	result   string
	err      error
	selected int
	state    modelState
}

func newInteractiveModel(root *rootOptions) *interactiveModel {
	return &interactiveModel{root: root, state: stateSelectFunc}
}

type loadedMsg struct {
	err     error
	rt      *runtime.Runtime
	inst    *runtime.Instance
	exports []runtime.ExportInfo
}

type callResultMsg struct {
	err    error
	result string
}

func (m *interactiveModel) Init() tea.Cmd {
	return m.loadPlugin
}

func (m *interactiveModel) loadPlugin() tea.Msg {
	ctx := context.Background()
	rt, inst, err := m.root.newInstance(ctx)
	if err != nil {
		return loadedMsg{err: err}
	}
	return loadedMsg{rt: rt, inst: inst, exports: inst.Exports()}
}

func (m *interactiveModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			return m.quit()

		case "q":
			if m.state != stateInputPayload {
				return m.quit()
			}

		case "up", "k":
			if m.state == stateSelectFunc && m.selected > 0 {
				m.selected--
			}

		case "down", "j":
			if m.state == stateSelectFunc && m.selected < len(m.exports)-1 {
				m.selected++
			}

		case "enter":
			switch m.state {
			case stateSelectFunc:
				if len(m.exports) == 0 {
					break
				}
				m.payload = textinput.New()
				m.payload.Prompt = "input: "
				m.payload.Placeholder = "call payload (empty for none)"
				m.payload.Width = 48
				m.payload.Focus()
				m.state = stateInputPayload

			case stateInputPayload:
				return m, m.callFunction

			case stateShowResult:
				m.state = stateSelectFunc
				m.result = ""
				m.err = nil
			}

		case "esc":
			if m.state != stateSelectFunc {
				m.state = stateSelectFunc
				m.result = ""
				m.err = nil
			}
		}

	case loadedMsg:
		if msg.err != nil {
			m.err = msg.err
			return m, nil
		}
		m.rt = msg.rt
		m.instance = msg.inst
		m.exports = msg.exports

	case callResultMsg:
		m.result = msg.result
		m.err = msg.err
		m.state = stateShowResult
	}

	if m.state == stateInputPayload {
		var cmd tea.Cmd
		m.payload, cmd = m.payload.Update(msg)
		return m, cmd
	}
	return m, nil
}

func (m *interactiveModel) quit() (tea.Model, tea.Cmd) {
	ctx := context.Background()
	if m.instance != nil {
		m.instance.Close(ctx)
	}
	if m.rt != nil {
		m.rt.Close(ctx)
	}
	return m, tea.Quit
}

func (m *interactiveModel) callFunction() tea.Msg {
	exp := m.exports[m.selected]

	out, err := m.instance.Call(context.Background(), exp.Name, []byte(m.payload.Value()))
	if err != nil {
		return callResultMsg{err: err}
	}
	if utf8.Valid(out) {
		return callResultMsg{result: string(out)}
	}
	return callResultMsg{result: "0x" + hex.EncodeToString(out)}
}

func (m *interactiveModel) View() string {
	if m.err != nil && m.state != stateShowResult {
		return errorStyle.Render(fmt.Sprintf("Error: %v\n\nPress q to quit.", m.err))
	}
	if m.instance == nil {
		return "Loading plugin..."
	}

	var b strings.Builder
	b.WriteString(titleStyle.Render("plugrun"))
	b.WriteString(" ")
	b.WriteString(m.instance.Name())
	b.WriteString("\n\n")

	switch m.state {
	case stateSelectFunc:
		b.WriteString("Select a function to call:\n\n")
		for i, exp := range m.exports {
			line := "  " + formatExport(exp)
			if i == m.selected {
				line = selectedStyle.Render("> " + formatExport(exp))
			}
			b.WriteString(line)
			b.WriteString("\n")
		}
		b.WriteString("\n")
		b.WriteString(helpStyle.Render("↑/↓ select • enter call • q quit"))

	case stateInputPayload:
		exp := m.exports[m.selected]
		b.WriteString(fmt.Sprintf("Calling %s\n\n", funcStyle.Render(exp.Name)))
		b.WriteString(m.payload.View())
		b.WriteString("\n\n")
		b.WriteString(helpStyle.Render("enter call • esc back"))

	case stateShowResult:
		exp := m.exports[m.selected]
		b.WriteString(fmt.Sprintf("Result of %s:\n\n", funcStyle.Render(exp.Name)))
		if m.err != nil {
			b.WriteString(errorStyle.Render(fmt.Sprintf("Error: %v", m.err)))
			if m.instance.State() == runtime.StateFaulted {
				b.WriteString("\n")
				b.WriteString(errorStyle.Render("Instance faulted; restart plugrun to call again."))
			}
		} else {
			b.WriteString(resultStyle.Render(m.result))
		}
		b.WriteString("\n\n")
		b.WriteString(helpStyle.Render("enter continue • q quit"))
	}

	return b.String()
}

func formatExport(exp runtime.ExportInfo) string {
	sig := funcStyle.Render(exp.Name) + "(" + typeStyle.Render(strings.Join(exp.Params, ", ")) + ")"
	if len(exp.Results) > 0 {
		sig += " -> " + typeStyle.Render(strings.Join(exp.Results, ", "))
	}
	return sig
}
