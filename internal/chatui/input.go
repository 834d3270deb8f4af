// Package chatui is the interactive terminal surface: it reads prompts and
// commands, drives turns and renders raw and validated responses.
package chatui

import (
	"bufio"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/bubbles/textinput"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/mattn/go-isatty"
)

// InputReader reads one line of user input. io.EOF ends the session.
type InputReader interface {
	ReadLine() (string, error)
}

// PromptingInputReader draws its own prompt, so the runner must not print one.
type PromptingInputReader interface {
	InputReader
	SetPrompt(prompt string)
}

// NewInputReader returns an interactive reader with history on a terminal
// and a plain line reader for piped input.
func NewInputReader(maxHistory int) InputReader {
	if !isatty.IsTerminal(os.Stdin.Fd()) && !isatty.IsCygwinTerminal(os.Stdin.Fd()) {
		return NewLineReader(os.Stdin)
	}
	return &InteractiveInputReader{
		history:    make([]string, 0, maxHistory),
		maxHistory: maxHistory,
		prompt:     "> ",
	}
}

// LineReader reads newline terminated lines.
type LineReader struct {
	reader *bufio.Reader
}

func NewLineReader(r io.Reader) *LineReader {
	return &LineReader{reader: bufio.NewReader(r)}
}

// ReadLine returns the trimmed line. A final line without a newline is
// returned before io.EOF.
func (r *LineReader) ReadLine() (string, error) {
	line, err := r.reader.ReadString('\n')
	if err != nil {
		if err == io.EOF && line != "" {
			return strings.TrimSpace(line), nil
		}
		return "", err
	}
	return strings.TrimSpace(line), nil
}

// InteractiveInputReader is a bubbletea text input with up/down history.
type InteractiveInputReader struct {
	history    []string
	maxHistory int
	prompt     string
}

type inputModel struct {
	textInput    textinput.Model
	history      []string
	historyIndex int
	currentInput string
	done         bool
	cancelled    bool
}

func (r *InteractiveInputReader) SetPrompt(prompt string) {
	r.prompt = prompt
}

// ReadLine runs one bubbletea program per line. Ctrl+C clears the line and
// Ctrl+D returns io.EOF.
func (r *InteractiveInputReader) ReadLine() (string, error) {
	ti := textinput.New()
	ti.Prompt = r.prompt
	ti.Placeholder = "What would you like to know?"
	ti.Focus()
	ti.CharLimit = 8192
	ti.Width = 80

	m := inputModel{
		textInput:    ti,
		history:      r.history,
		historyIndex: -1,
	}

	p := tea.NewProgram(m, tea.WithOutput(os.Stderr))
	finalModel, err := p.Run()
	if err != nil {
		return "", err
	}
	result, ok := finalModel.(inputModel)
	if !ok {
		return "", fmt.Errorf("chatui: unexpected model type from bubbletea: %T", finalModel)
	}
	if result.cancelled && result.textInput.Value() == "" {
		return "", io.EOF
	}

	input := strings.TrimSpace(result.textInput.Value())
	if input != "" {
		r.addToHistory(input)
	}
	return input, nil
}

func (r *InteractiveInputReader) addToHistory(input string) {
	if len(r.history) > 0 && r.history[len(r.history)-1] == input {
		return
	}
	r.history = append(r.history, input)
	if len(r.history) > r.maxHistory {
		r.history = r.history[1:]
	}
}

func (m inputModel) Init() tea.Cmd {
	return textinput.Blink
}

func (m inputModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	if key, ok := msg.(tea.KeyMsg); ok {
		switch key.Type {
		case tea.KeyEnter:
			m.done = true
			return m, tea.Quit
		case tea.KeyCtrlC:
			m.textInput.SetValue("")
			m.done = true
			return m, tea.Quit
		case tea.KeyCtrlD:
			m.cancelled = true
			m.textInput.SetValue("")
			m.done = true
			return m, tea.Quit
		case tea.KeyUp:
			if len(m.history) == 0 {
				return m, nil
			}
			if m.historyIndex == -1 {
				m.currentInput = m.textInput.Value()
				m.historyIndex = len(m.history) - 1
			} else if m.historyIndex > 0 {
				m.historyIndex--
			}
			m.textInput.SetValue(m.history[m.historyIndex])
			m.textInput.CursorEnd()
			return m, nil
		case tea.KeyDown:
			if m.historyIndex == -1 {
				return m, nil
			}
			if m.historyIndex < len(m.history)-1 {
				m.historyIndex++
				m.textInput.SetValue(m.history[m.historyIndex])
			} else {
				m.historyIndex = -1
				m.textInput.SetValue(m.currentInput)
			}
			m.textInput.CursorEnd()
			return m, nil
		}
	}

	var cmd tea.Cmd
	m.textInput, cmd = m.textInput.Update(msg)
	return m, cmd
}

func (m inputModel) View() string {
	if m.done {
		return ""
	}
	return m.textInput.View()
}

// ScriptedInput returns fixed lines and then io.EOF.
type ScriptedInput struct {
	inputs []string
	index  int
}

func NewScriptedInput(inputs ...string) *ScriptedInput {
	return &ScriptedInput{inputs: inputs}
}

func (s *ScriptedInput) ReadLine() (string, error) {
	if s.index >= len(s.inputs) {
		return "", io.EOF
	}
	line := s.inputs[s.index]
	s.index++
	return line, nil
}
