package chatui

import (
	"fmt"
	"strings"

	"github.com/charmbracelet/lipgloss"

	"guardrails-chat/internal/domain"
	"guardrails-chat/internal/session"
)

const defaultWidth = 100

var (
	titleStyle     = lipgloss.NewStyle().Bold(true)
	userStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("12")).Bold(true)
	assistantStyle = lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Bold(true)
	noticeStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	errorStyle     = lipgloss.NewStyle().Foreground(lipgloss.Color("9")).Bold(true)
	dimStyle       = lipgloss.NewStyle().Foreground(lipgloss.Color("8"))
	passStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("10"))
	failStyle      = lipgloss.NewStyle().Foreground(lipgloss.Color("9"))
	unknownStyle   = lipgloss.NewStyle().Foreground(lipgloss.Color("11"))
	enabledBanner  = lipgloss.NewStyle().Foreground(lipgloss.Color("10")).Border(lipgloss.NormalBorder()).Padding(0, 1)
	disabledBanner = lipgloss.NewStyle().Foreground(lipgloss.Color("11")).Border(lipgloss.NormalBorder()).Padding(0, 1)
	columnStyle    = lipgloss.NewStyle().Border(lipgloss.RoundedBorder()).Padding(0, 1)
)

// Renderer turns session state into terminal text.
type Renderer struct {
	width int
}

func NewRenderer(width int) *Renderer {
	if width <= 0 {
		width = defaultWidth
	}
	return &Renderer{width: width}
}

// Banner shows whether the guard is on and how many validators will run.
func (r *Renderer) Banner(sess *session.Session) string {
	if !sess.GuardEnabled() {
		return disabledBanner.Render("Guardrails is DISABLED - raw LLM responses will be shown")
	}
	active := sess.ActiveValidators().Enabled()
	names := make([]string, len(active))
	for i, v := range active {
		names[i] = string(v)
	}
	line := fmt.Sprintf("Guardrails is ENABLED with %d active validators", len(active))
	if len(names) > 0 {
		line += ": " + strings.Join(names, ", ")
	}
	return enabledBanner.Render(line)
}

// Settings lists the per-session toggles.
func (r *Renderer) Settings(sess *session.Session) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Settings") + "\n")
	fmt.Fprintf(&b, "  model        %s\n", sess.Model())
	fmt.Fprintf(&b, "  temperature  %.2f\n", sess.Temperature())
	fmt.Fprintf(&b, "  api key      %s\n", onOff(sess.HasCredential(), "set", "missing"))
	fmt.Fprintf(&b, "  guard        %s\n", onOff(sess.GuardEnabled(), "on", "off"))
	fmt.Fprintf(&b, "  pii          %s\n", onOff(sess.PIIEnabled(), "on", "off"))
	fmt.Fprintf(&b, "  jailbreak    %s\n", onOff(sess.JailbreakEnabled(), "on", "off"))
	b.WriteString(r.Validators(sess))
	return b.String()
}

// Validators lists every validator with its toggle.
func (r *Renderer) Validators(sess *session.Session) string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("Validators") + "\n")
	for _, v := range domain.AllValidators {
		mark := dimStyle.Render("[ ]")
		if sess.ValidatorEnabled(v) {
			mark = passStyle.Render("[x]")
		}
		fmt.Fprintf(&b, "  %s %s\n", mark, v)
	}
	return b.String()
}

func (r *Renderer) User(prompt string) string {
	return userStyle.Render("You") + "\n" + prompt
}

// Turn renders the assistant message of a turn with its verdicts and, when
// toggled on, the raw/validated comparison.
func (r *Renderer) Turn(n int, t session.Turn, compareShown bool) string {
	var b strings.Builder
	b.WriteString(assistantStyle.Render("Assistant") + "\n")
	b.WriteString(t.Pair.Validated)

	if t.Pair.Report != nil {
		b.WriteString("\n" + r.Verdicts(t.Pair.Report))
		if t.Pair.Differs() && t.Pair.Report.AppliedBy != "" {
			b.WriteString("\n" + dimStyle.Render(fmt.Sprintf("(modified by %s)", t.Pair.Report.AppliedBy)))
		}
		label := "Compare raw vs. validated response"
		if compareShown {
			label = "Hide comparison"
		}
		b.WriteString("\n" + dimStyle.Render(fmt.Sprintf("/compare %d  %s", n, label)))
	}
	if compareShown {
		b.WriteString("\n" + r.Compare(t.Pair))
	}
	return b.String()
}

// Verdicts renders one badge per validator.
func (r *Renderer) Verdicts(report *domain.ValidationReport) string {
	if report == nil || len(report.Verdicts) == 0 {
		return ""
	}
	badges := make([]string, 0, len(report.Verdicts))
	for _, v := range report.Verdicts {
		var badge string
		switch v.Outcome {
		case domain.OutcomePass:
			badge = passStyle.Render("✔ " + string(v.Validator))
		case domain.OutcomeFail:
			badge = failStyle.Render("✘ " + string(v.Validator))
		default:
			badge = unknownStyle.Render("? " + string(v.Validator))
		}
		if v.Outcome != domain.OutcomePass && v.Reason != "" {
			badge += dimStyle.Render(" (" + v.Reason + ")")
		}
		badges = append(badges, badge)
	}
	return strings.Join(badges, "  ")
}

// Compare places the raw and validated text side by side. Any emphasis is
// cosmetic.
func (r *Renderer) Compare(pair domain.ResponsePair) string {
	colWidth := (r.width - 4) / 2
	if colWidth < 20 {
		colWidth = 20
	}
	col := columnStyle.Width(colWidth)
	left := col.Render(titleStyle.Render("Raw Response (Before Guardrails)") + "\n\n" + pair.Raw)
	right := col.Render(titleStyle.Render("Validated Response (After Guardrails)") + "\n\n" + pair.Validated)
	view := lipgloss.JoinHorizontal(lipgloss.Top, left, right)
	if !pair.Differs() {
		view += "\n" + dimStyle.Render("No differences.")
	}
	return view
}

func (r *Renderer) Notice(msg string) string {
	return noticeStyle.Render(msg)
}

func (r *Renderer) Error(msg string) string {
	return errorStyle.Render("Error: ") + msg
}

func (r *Renderer) Help() string {
	lines := []string{
		titleStyle.Render("Commands"),
		"  /key <api-key>            set the OpenAI API key for this session",
		"  /guard on|off             enable or disable guardrails",
		"  /enable <validator>       enable a validator",
		"  /disable <validator>      disable a validator",
		"  /toggle <validator>       flip a validator",
		"  /validators               list validators",
		"  /pii on|off               mask personal data in prompts",
		"  /jailbreak on|off         reject instruction-override prompts",
		"  /compare [n]              show or hide raw vs. validated for turn n (default: latest)",
		"  /model <name>             change the model",
		"  /temperature <0-2>        change the sampling temperature",
		"  /history                  replay the conversation",
		"  /status                   show settings",
		"  /reset                    clear the conversation",
		"  /quit                     end the session",
	}
	return strings.Join(lines, "\n")
}

func onOff(b bool, on, off string) string {
	if b {
		return passStyle.Render(on)
	}
	return dimStyle.Render(off)
}
