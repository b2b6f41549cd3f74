package cli

import (
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/buildkite/taskroom/internal/backend"
	"github.com/buildkite/taskroom/internal/controlapi"
	"github.com/buildkite/taskroom/internal/endpoint"
	"github.com/charmbracelet/lipgloss"
	"github.com/charmbracelet/log"
	"golang.org/x/term"
)

type startupHeader struct {
	Title  string
	Fields []startupField
}

type startupField struct {
	Key   string
	Value string
}

func renderStartupHeader(h startupHeader, color bool) string {
	title := strings.TrimSpace(h.Title)
	if title == "" {
		title = "taskroom"
	}

	var out strings.Builder
	icon := "🧰"
	if color {
		icon = ansiWrap("1;33", icon)
		title = ansiWrap("1;36", title)
	}

	out.WriteByte('\n')
	out.WriteString(icon)
	out.WriteString(" ")
	out.WriteString(title)
	out.WriteByte('\n')

	for _, field := range h.Fields {
		key := strings.TrimSpace(field.Key)
		value := strings.TrimSpace(field.Value)
		if key == "" || value == "" {
			continue
		}

		line := fmt.Sprintf("%s: %s", key, value)
		if color {
			line = ansiWrap("38;5;252", line)
		}
		out.WriteString("   ")
		out.WriteString(line)
		out.WriteByte('\n')
	}
	out.WriteByte('\n')

	return out.String()
}

func renderDoctorReport(backendName string, checks []backend.DoctorCheck, color bool) string {
	name := strings.TrimSpace(backendName)
	if name == "" {
		name = "unknown"
	}

	var out strings.Builder
	title := fmt.Sprintf("doctor report (%s)", name)
	if color {
		title = ansiWrap("1;36", title)
	}
	out.WriteString(title)
	out.WriteByte('\n')

	counts := map[string]int{}
	for _, check := range checks {
		status := normalizeDoctorStatus(check.Status)
		counts[status]++

		icon := "?"
		code := "1;37"
		switch status {
		case "pass":
			icon, code = "✓", "1;32"
		case "warn":
			icon, code = "!", "1;33"
		case "fail":
			icon, code = "✗", "1;31"
		}
		statusBlock := fmt.Sprintf("%s [%s]", icon, status)
		if color {
			statusBlock = ansiWrap(code, statusBlock)
		}

		checkName := strings.TrimSpace(check.Name)
		if checkName == "" {
			checkName = "unnamed_check"
		}
		message := strings.TrimSpace(check.Message)
		if message == "" {
			message = "(no message)"
		}

		fmt.Fprintf(&out, "%s %s: %s\n", statusBlock, checkName, message)
	}

	summary := fmt.Sprintf("summary: %d pass, %d warn, %d fail", counts["pass"], counts["warn"], counts["fail"])
	if color {
		summary = ansiWrap("38;5;246", summary)
	}
	out.WriteString(summary)
	out.WriteByte('\n')

	return out.String()
}

func renderSubmission(resp *controlapi.SubmitTaskResponse) string {
	switch {
	case resp.Duplicate:
		return fmt.Sprintf("%s already in progress", resp.TaskID)
	case resp.Queued:
		return fmt.Sprintf("%s queued at position %d", resp.TaskID, resp.Position)
	default:
		return fmt.Sprintf("%s starting", resp.TaskID)
	}
}

func stateColor(state string) string {
	switch state {
	case "completed":
		return "1;32"
	case "failed":
		return "1;31"
	case "cancelled":
		return "1;33"
	case "awaiting_answer":
		return "1;35"
	default:
		return "1;36"
	}
}

func renderTask(t controlapi.Task, color bool) string {
	var out strings.Builder
	label := t.Label
	if color {
		label = ansiWrap(stateColor(t.State), label)
	}
	fmt.Fprintf(&out, "%s %s\n", t.TaskID, label)

	field := func(key, value string) {
		if strings.TrimSpace(value) == "" {
			return
		}
		fmt.Fprintf(&out, "   %s: %s\n", key, value)
	}
	field("repository", t.Repository)
	field("prompt", t.Prompt)
	if t.Channel != "" {
		field("origin", strings.Trim(strings.Join([]string{t.Channel, t.Thread, t.User}, "/"), "/"))
	}
	field("created", formatTime(t.CreatedAt))
	field("last activity", formatTime(t.LastActivityAt))
	if t.FinishedAt != nil {
		field("finished", formatTime(*t.FinishedAt))
	}
	if t.QueuePosition > 0 {
		field("queue position", strconv.Itoa(t.QueuePosition))
	}
	field("reason", t.Reason)
	field("sandbox", t.SandboxName)
	field("sandbox status", t.SandboxStatus)
	if q := t.Question; q != nil {
		field("question", q.Question)
		if len(q.Options) > 0 {
			field("options", strings.Join(q.Options, ", "))
		}
		field("answer by", formatTime(q.Deadline))
	}
	return out.String()
}

func renderTaskList(resp *controlapi.ListTasksResponse) string {
	var out strings.Builder
	fmt.Fprintf(&out, "active %d/%d, queued %d\n", resp.Active, resp.Limit, resp.Queued)
	if len(resp.Tasks) == 0 {
		out.WriteString("no tasks\n")
		return out.String()
	}
	tw := tabwriter.NewWriter(&out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tSTATE\tREPOSITORY\tCREATED")
	for _, t := range resp.Tasks {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", t.TaskID, t.State, t.Repository, formatTime(t.CreatedAt))
	}
	_ = tw.Flush()
	return out.String()
}

func renderEvent(ev controlapi.TaskEvent, color bool) string {
	stamp := ev.OccurredAt.Local().Format("15:04:05")
	kind := ev.Kind
	if color {
		stamp = ansiWrap("38;5;246", stamp)
		kind = ansiWrap(stateColor(ev.State), kind)
	}
	text := strings.TrimRight(ev.Text, "\n")
	if ev.Kind == "result_file" && ev.Content != "" {
		text = fmt.Sprintf("%s\n--- %s ---\n%s", text, ev.Filename, strings.TrimRight(ev.Content, "\n"))
	}
	return fmt.Sprintf("%s %s %s\n", stamp, kind, text)
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return ""
	}
	return t.Local().Format(time.RFC3339)
}

func writeStartupHeader(w io.Writer, h startupHeader, color bool) error {
	if w == nil {
		return nil
	}
	_, err := io.WriteString(w, renderStartupHeader(h, color))
	return err
}

func shouldShowStartupHeader(stderr *os.File) bool {
	if stderr == nil {
		return false
	}
	return term.IsTerminal(int(stderr.Fd()))
}

func shouldUseANSI(f *os.File) bool {
	if noColorRequested() {
		return false
	}
	if forceColorRequested() {
		return true
	}
	if f == nil {
		return false
	}
	return term.IsTerminal(int(f.Fd()))
}

func applyPolishedLoggerStyles(logger *log.Logger, color bool) {
	if logger == nil || !color {
		return
	}

	styles := log.DefaultStyles()
	styles.Message = styles.Message.Foreground(lipgloss.Color("252"))
	styles.Key = styles.Key.Bold(true).Foreground(lipgloss.Color("75"))
	styles.Value = styles.Value.Foreground(lipgloss.Color("255"))
	styles.Separator = styles.Separator.Foreground(lipgloss.Color("240"))
	styles.Levels[log.DebugLevel] = styles.Levels[log.DebugLevel].Bold(true).Foreground(lipgloss.Color("45"))
	styles.Levels[log.InfoLevel] = styles.Levels[log.InfoLevel].Bold(true).Foreground(lipgloss.Color("48"))
	styles.Levels[log.WarnLevel] = styles.Levels[log.WarnLevel].Bold(true).Foreground(lipgloss.Color("214"))
	styles.Levels[log.ErrorLevel] = styles.Levels[log.ErrorLevel].Bold(true).Foreground(lipgloss.Color("203"))
	logger.SetStyles(styles)
}

func endpointDisplay(ep endpoint.Endpoint) string {
	switch ep.Scheme {
	case "unix", "tsnet":
		return ep.String()
	}
	if ep.Address != "" {
		return ep.Address
	}
	return ep.String()
}

func effectiveLogLevel(rawLevel string) string {
	level := strings.TrimSpace(strings.ToLower(rawLevel))
	if level == "" {
		return "info"
	}
	return level
}

func noColorRequested() bool {
	if _, ok := os.LookupEnv("NO_COLOR"); ok {
		return true
	}
	return strings.TrimSpace(os.Getenv("CLICOLOR")) == "0"
}

func forceColorRequested() bool {
	value := strings.TrimSpace(os.Getenv("CLICOLOR_FORCE"))
	if value == "" {
		return false
	}
	if parsed, err := strconv.Atoi(value); err == nil {
		return parsed != 0
	}
	return true
}

func ansiWrap(code, value string) string {
	return "\x1b[" + code + "m" + value + "\x1b[0m"
}

func normalizeDoctorStatus(raw string) string {
	switch strings.TrimSpace(strings.ToLower(raw)) {
	case "pass", "ok", "success":
		return "pass"
	case "warn", "warning":
		return "warn"
	case "fail", "failed", "error":
		return "fail"
	default:
		return "unknown"
	}
}
