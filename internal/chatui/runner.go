package chatui

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strconv"
	"strings"

	"guardrails-chat/internal/domain"
	"guardrails-chat/internal/session"
	"guardrails-chat/internal/usecase"
)

const promptText = "> "

// Submitter runs one turn against a session.
type Submitter interface {
	Submit(ctx context.Context, sess *session.Session, text string) (usecase.TurnResult, error)
}

// Runner is the interactive chat loop over a single session.
type Runner struct {
	submitter Submitter
	sess      *session.Session
	input     InputReader
	out       io.Writer
	render    *Renderer
	logger    *slog.Logger
}

type RunnerOption func(*Runner)

func WithOutput(w io.Writer) RunnerOption {
	return func(r *Runner) {
		if w != nil {
			r.out = w
		}
	}
}

func WithRenderer(render *Renderer) RunnerOption {
	return func(r *Runner) {
		if render != nil {
			r.render = render
		}
	}
}

func WithLogger(l *slog.Logger) RunnerOption {
	return func(r *Runner) {
		if l != nil {
			r.logger = l
		}
	}
}

func NewRunner(submitter Submitter, sess *session.Session, input InputReader, opts ...RunnerOption) (*Runner, error) {
	if submitter == nil {
		return nil, errors.New("chatui: submitter must not be nil")
	}
	if sess == nil {
		return nil, errors.New("chatui: session must not be nil")
	}
	if input == nil {
		return nil, errors.New("chatui: input reader must not be nil")
	}
	r := &Runner{
		submitter: submitter,
		sess:      sess,
		input:     input,
		out:       os.Stdout,
		render:    NewRenderer(0),
		logger:    slog.Default(),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r, nil
}

// Run reads input until EOF, an exit command or context cancellation. Turn
// errors are rendered inline and never end the loop. The session is closed
// when Run returns.
func (r *Runner) Run(ctx context.Context) error {
	defer func() {
		r.logger.Debug("chat session ended", "session_id", r.sess.ID(), "turns", len(r.sess.Turns()))
		r.sess.Close()
	}()

	r.println(r.render.Banner(r.sess))
	if !r.sess.HasCredential() {
		r.println(r.render.Notice("No OpenAI API key set. Use /key <api-key> before chatting."))
	}
	r.println(r.render.Notice("Type /help for commands, /quit to leave."))

	for {
		if ctx.Err() != nil {
			return nil
		}
		if p, ok := r.input.(PromptingInputReader); ok {
			p.SetPrompt(promptText)
		} else {
			fmt.Fprint(r.out, promptText)
		}

		line, err := r.input.ReadLine()
		if errors.Is(err, io.EOF) {
			r.println("")
			return nil
		}
		if err != nil {
			return fmt.Errorf("chatui: read input: %w", err)
		}

		line = strings.TrimSpace(line)
		if line == "exit" || line == "quit" {
			return nil
		}
		if strings.HasPrefix(line, "/") {
			if r.command(line) {
				return nil
			}
			continue
		}
		r.submit(ctx, line)
	}
}

func (r *Runner) submit(ctx context.Context, line string) {
	res, err := r.submitter.Submit(ctx, r.sess, line)
	if err != nil {
		r.println(r.render.Error(describeError(err)))
		return
	}
	r.println(r.render.User(res.Turn.Prompt))
	if res.Input.Modified {
		r.println(r.render.Notice("Your input was modified before sending: masked " + strings.Join(res.Input.Masked, ", ")))
	}
	r.println(r.render.Turn(res.Number, res.Turn, r.sess.CompareShown(res.Number)))
}

// command handles a slash command and reports whether the loop should end.
func (r *Runner) command(line string) bool {
	name, arg, _ := strings.Cut(line, " ")
	name = strings.ToLower(name)
	arg = strings.TrimSpace(arg)

	switch name {
	case "/quit", "/exit":
		return true
	case "/help":
		r.println(r.render.Help())
	case "/status":
		r.println(r.render.Banner(r.sess))
		r.println(r.render.Settings(r.sess))
	case "/key":
		if arg == "" {
			r.println(r.render.Error("usage: /key <api-key>"))
			return false
		}
		r.sess.SetCredential(arg)
		r.println(r.render.Notice("API key set for this session."))
	case "/guard":
		on, ok := parseOnOff(arg)
		if !ok {
			r.println(r.render.Error("usage: /guard on|off"))
			return false
		}
		r.sess.SetGuardEnabled(on)
		r.println(r.render.Banner(r.sess))
	case "/enable", "/disable", "/toggle":
		v, err := domain.ParseValidatorName(arg)
		if err != nil {
			r.println(r.render.Error(fmt.Sprintf("unknown validator %q", arg)))
			r.println(r.render.Validators(r.sess))
			return false
		}
		enabled := name == "/enable" || (name == "/toggle" && !r.sess.ValidatorEnabled(v))
		r.sess.SetValidator(v, enabled)
		r.println(r.render.Banner(r.sess))
	case "/validators":
		r.println(r.render.Validators(r.sess))
	case "/pii":
		on, ok := parseOnOff(arg)
		if !ok {
			r.println(r.render.Error("usage: /pii on|off"))
			return false
		}
		r.sess.SetPII(on)
		r.println(r.render.Notice("PII masking " + onOffWord(on) + "."))
	case "/jailbreak":
		on, ok := parseOnOff(arg)
		if !ok {
			r.println(r.render.Error("usage: /jailbreak on|off"))
			return false
		}
		r.sess.SetJailbreak(on)
		r.println(r.render.Notice("Jailbreak detection " + onOffWord(on) + "."))
	case "/compare":
		r.compare(arg)
	case "/model":
		if arg == "" {
			r.println(r.render.Notice("model: " + r.sess.Model()))
			return false
		}
		r.sess.SetModel(arg)
		r.println(r.render.Notice("Model set to " + r.sess.Model() + "."))
	case "/temperature":
		t, err := strconv.ParseFloat(arg, 64)
		if err != nil || t < 0 || t > 2 {
			r.println(r.render.Error("usage: /temperature <0-2>"))
			return false
		}
		r.sess.SetTemperature(t)
		r.println(r.render.Notice(fmt.Sprintf("Temperature set to %.2f.", t)))
	case "/history":
		r.history()
	case "/reset":
		r.sess.Clear()
		r.println(r.render.Notice("Conversation cleared."))
	default:
		r.println(r.render.Error(fmt.Sprintf("unknown command %s (try /help)", name)))
	}
	return false
}

func (r *Runner) compare(arg string) {
	n := len(r.sess.Turns())
	if arg != "" {
		parsed, err := strconv.Atoi(arg)
		if err != nil {
			r.println(r.render.Error("usage: /compare [turn]"))
			return
		}
		n = parsed
	}
	turn, ok := r.sess.Turn(n)
	if !ok {
		r.println(r.render.Error("no such turn"))
		return
	}
	if turn.Pair.Report == nil {
		r.println(r.render.Notice("Guardrails were off for this turn; nothing to compare."))
		return
	}
	shown, err := r.sess.ToggleCompare(n)
	if err != nil {
		r.println(r.render.Error(err.Error()))
		return
	}
	r.println(r.render.Turn(n, turn, shown))
}

func (r *Runner) history() {
	turns := r.sess.Turns()
	if len(turns) == 0 {
		r.println(r.render.Notice("No messages yet."))
		return
	}
	for i, t := range turns {
		r.println(r.render.User(t.Prompt))
		r.println(r.render.Turn(i+1, t, r.sess.CompareShown(i+1)))
	}
}

func (r *Runner) println(s string) {
	fmt.Fprintln(r.out, s)
}

// describeError turns a turn error into the line shown to the user.
func describeError(err error) string {
	var ucErr *usecase.Error
	if !errors.As(err, &ucErr) {
		return err.Error()
	}
	switch ucErr.Code {
	case usecase.ErrorInvalidInput:
		return "Please enter a message."
	case usecase.ErrorCredential:
		if ucErr.Reason == "missing_credential" {
			return "No OpenAI API key set. Use /key <api-key>."
		}
		return "The OpenAI API key was rejected. Enter a valid key with /key <api-key>."
	case usecase.ErrorInputRejected:
		return "Prompt rejected: " + errText(ucErr.Err)
	case usecase.ErrorProvider:
		if ucErr.RateLimited() {
			return "OpenAI rate limit reached. Wait a moment and resubmit."
		}
		return "OpenAI request failed: " + errText(ucErr.Err)
	default:
		return "Internal error: " + ucErr.Reason
	}
}

func errText(err error) string {
	if err == nil {
		return "unknown error"
	}
	return err.Error()
}

func parseOnOff(s string) (bool, bool) {
	switch strings.ToLower(s) {
	case "on", "true", "yes", "1":
		return true, true
	case "off", "false", "no", "0":
		return false, true
	}
	return false, false
}

func onOffWord(on bool) string {
	if on {
		return "enabled"
	}
	return "disabled"
}
