package cli

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/charmbracelet/bubbles/spinner"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"github.com/google/uuid"
	"golang.org/x/term"

	"github.com/kestrelrun/kestrel/internal/infrastructure/llmcli"
	"github.com/kestrelrun/kestrel/internal/infrastructure/prompt"
)

// REPLConfig holds CLI runtime config
type REPLConfig struct {
	Model      string
	Workspace  string
	ToolCount  int
	InitPrompt string
}

// RunREPL starts the interactive chat TUI. Each session holds a
// single persistent llmcli.Adapter subprocess (see
// internal/infrastructure/llmcli) — conversational continuity lives
// in that subprocess's session, not in a client-side message history.
func RunREPL(
	adapter *llmcli.Adapter,
	promptEngine *prompt.PromptEngine,
	cfg REPLConfig,
) error {
	defer adapter.Close()

	m := newChatModel(adapter, promptEngine, cfg)
	p := tea.NewProgram(m, tea.WithAltScreen())
	_, err := p.Run()
	return err
}

// ─── Messages ───

type streamChunkMsg string
type streamToolMsg string

type turnDoneMsg struct {
	result *llmcli.Result
	err    error
}

// ─── Model ───

type chatModel struct {
	adapter      *llmcli.Adapter
	promptEngine *prompt.PromptEngine
	cfg          REPLConfig

	input    textinput.Model
	spin     spinner.Model
	viewport viewport.Model
	renderer *Renderer

	sessionID  string
	transcript strings.Builder
	streamBuf  strings.Builder

	events  chan tea.Msg
	abortCh chan struct{}

	streaming   bool
	totalTokens int
	width       int
	height      int
	ready       bool
}

func newChatModel(adapter *llmcli.Adapter, promptEngine *prompt.PromptEngine, cfg REPLConfig) *chatModel {
	ti := textinput.New()
	ti.Placeholder = "输入消息, /help 查看命令"
	ti.Prompt = lipgloss.NewStyle().Foreground(colorCyan).Bold(true).Render("❯ ")
	ti.CharLimit = 0
	ti.Focus()

	sp := spinner.New(spinner.WithSpinner(spinner.Dot))
	sp.Style = lipgloss.NewStyle().Foreground(colorCyan)

	w := termWidth()
	return &chatModel{
		adapter:      adapter,
		promptEngine: promptEngine,
		cfg:          cfg,
		input:        ti,
		spin:         sp,
		renderer:     NewRenderer(w),
		sessionID:    uuid.New().String(),
		events:       make(chan tea.Msg, 64),
		width:        w,
	}
}

func (m *chatModel) Init() tea.Cmd {
	cmds := []tea.Cmd{textinput.Blink}
	if m.cfg.InitPrompt != "" {
		cmds = append(cmds, m.startTurn(m.cfg.InitPrompt))
	}
	return tea.Batch(cmds...)
}

// waitEvent pumps the next streaming event out of the turn goroutine.
func (m *chatModel) waitEvent() tea.Cmd {
	return func() tea.Msg {
		return <-m.events
	}
}

func (m *chatModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		vpHeight := msg.Height - 4
		if vpHeight < 3 {
			vpHeight = 3
		}
		if !m.ready {
			m.viewport = viewport.New(msg.Width, vpHeight)
			m.viewport.SetContent(m.header())
			m.ready = true
		} else {
			m.viewport.Width = msg.Width
			m.viewport.Height = vpHeight
		}
		m.input.Width = msg.Width - 4
		return m, nil

	case tea.KeyMsg:
		switch msg.String() {
		case "ctrl+c":
			if m.streaming {
				m.abort()
				return m, nil
			}
			return m, tea.Quit
		case "esc":
			if m.streaming {
				m.abort()
			}
			return m, nil
		case "enter":
			if m.streaming {
				return m, nil
			}
			line := strings.TrimSpace(m.input.Value())
			if line == "" {
				return m, nil
			}
			m.input.SetValue("")

			if cmd := ParseSlashCommand(line); cmd != nil {
				result := ExecuteCommand(cmd, m.cfg.Model, m.cfg.ToolCount)
				if result.IsQuit {
					return m, tea.Quit
				}
				if result.IsReset {
					m.sessionID = uuid.New().String()
				}
				if (cmd.Name == "model" || cmd.Name == "m") && len(cmd.Args) > 0 {
					m.cfg.Model = cmd.Args[0]
				}
				if result.Output != "" {
					m.appendLine(result.Output)
				}
				return m, nil
			}
			return m, m.startTurn(line)
		}

	case streamChunkMsg:
		m.streamBuf.WriteString(string(msg))
		m.refreshStream()
		return m, m.waitEvent()

	case streamToolMsg:
		m.appendLine(m.renderer.RenderToolUse(string(msg)))
		return m, m.waitEvent()

	case turnDoneMsg:
		m.streaming = false
		m.streamBuf.Reset()
		if msg.err != nil || msg.result == nil {
			errText := "call failed"
			if msg.err != nil {
				errText = msg.err.Error()
			}
			errStyle := lipgloss.NewStyle().Foreground(lipgloss.Color("#FF5F5F"))
			m.appendLine(errStyle.Render("✗ " + errText))
			return m, nil
		}
		m.appendLine(m.renderer.RenderMarkdown(msg.result.FinalText))
		turnTokens := int(msg.result.Usage.InputTokens + msg.result.Usage.OutputTokens)
		m.totalTokens += turnTokens
		dim := lipgloss.NewStyle().Foreground(colorGray)
		m.appendLine(dim.Render(fmt.Sprintf("─── %s tokens (会话 %s) ───",
			fmtTokens(turnTokens), fmtTokens(m.totalTokens))))
		return m, nil

	case spinner.TickMsg:
		if !m.streaming {
			return m, nil
		}
		var cmd tea.Cmd
		m.spin, cmd = m.spin.Update(msg)
		return m, cmd
	}

	var cmds []tea.Cmd
	var cmd tea.Cmd
	m.input, cmd = m.input.Update(msg)
	cmds = append(cmds, cmd)
	m.viewport, cmd = m.viewport.Update(msg)
	cmds = append(cmds, cmd)
	return m, tea.Batch(cmds...)
}

func (m *chatModel) View() string {
	if !m.ready {
		return "⏳ 初始化中..."
	}
	var status string
	if m.streaming {
		status = m.spin.View() + lipgloss.NewStyle().Foreground(colorGray).Render(" 生成中... (ctrl+c 中断)")
	} else {
		status = m.input.View()
	}
	return m.viewport.View() + "\n\n" + status + "\n"
}

// ─── Turn execution ───

// startTurn echoes the user line into the transcript and runs the
// adapter call in its own goroutine, pumping stream events back
// through m.events.
func (m *chatModel) startTurn(userMessage string) tea.Cmd {
	userStyle := lipgloss.NewStyle().Foreground(colorGreen).Bold(true)
	m.appendLine(userStyle.Render("❯ ") + userMessage)

	systemPrompt := ""
	if m.promptEngine != nil {
		systemPrompt = m.promptEngine.Assemble(prompt.PromptContext{
			Channel:     "cli",
			ModelName:   m.cfg.Model,
			UserMessage: userMessage,
			Workspace:   m.cfg.Workspace,
		})
	}

	m.streaming = true
	m.abortCh = make(chan struct{})
	abortCh := m.abortCh
	sessionID := m.sessionID
	events := m.events

	go func() {
		result, err := m.adapter.Call(context.Background(), llmcli.Request{
			Prompt:       userMessage,
			SystemPrompt: systemPrompt,
			SessionID:    sessionID,
			Model:        m.cfg.Model,
		}, llmcli.StreamOptions{
			OnTextChunk: func(chunk string) {
				events <- streamChunkMsg(chunk)
			},
			OnToolUse: func(toolName string) {
				events <- streamToolMsg(toolName)
			},
			AbortCh: abortCh,
		})
		events <- turnDoneMsg{result: result, err: err}
	}()

	return tea.Batch(m.waitEvent(), m.spin.Tick)
}

func (m *chatModel) abort() {
	if m.abortCh != nil {
		select {
		case <-m.abortCh:
		default:
			close(m.abortCh)
		}
	}
}

// ─── Transcript helpers ───

func (m *chatModel) header() string {
	return RenderBanner(BannerInfo{
		Model:      m.cfg.Model,
		ToolCount:  m.cfg.ToolCount,
		Workspace:  m.cfg.Workspace,
		ProjectLng: DetectProjectLanguage(m.cfg.Workspace),
	}, m.width)
}

func (m *chatModel) appendLine(s string) {
	m.transcript.WriteString(s)
	m.transcript.WriteString("\n")
	m.refreshStream()
}

// refreshStream redraws the viewport: settled transcript plus the
// still-accumulating raw stream tail.
func (m *chatModel) refreshStream() {
	content := m.header() + "\n" + m.transcript.String()
	if m.streamBuf.Len() > 0 {
		content += m.streamBuf.String()
	}
	m.viewport.SetContent(content)
	m.viewport.GotoBottom()
}

// ─── Helpers ───

func termWidth() int {
	w, _, err := term.GetSize(int(os.Stdout.Fd()))
	if err != nil || w <= 0 {
		return 80
	}
	return w
}

func fmtTokens(n int) string {
	if n >= 1000 {
		return fmt.Sprintf("%.1fk", float64(n)/1000.0)
	}
	return fmt.Sprintf("%d", n)
}
