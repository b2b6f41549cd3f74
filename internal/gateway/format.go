package gateway

import (
	"fmt"
	"strings"
	"time"

	"github.com/buildkite/taskroom/internal/task"
)

func mention(t task.Task) string {
	if u := strings.TrimSpace(t.Origin.User); u != "" {
		return "<@" + u + "> "
	}
	return ""
}

func FormatAck(t task.Task, queuePosition int) string {
	if queuePosition > 0 {
		return fmt.Sprintf("%sTask %s accepted. Queued at position %d, it will start when a slot frees up.", mention(t), t.ID, queuePosition)
	}
	return fmt.Sprintf("%sTask %s accepted. Starting investigation of %s.", mention(t), t.ID, t.Repository)
}

// FormatQuestion renders a question for the requester, including options and
// the answer deadline in minutes.
func FormatQuestion(t task.Task, q task.PendingQuestion) string {
	var b strings.Builder
	b.WriteString(mention(t))
	b.WriteString("The investigation has a question:\n\n")
	b.WriteString(q.Question)
	b.WriteString("\n")
	if len(q.Options) > 0 {
		b.WriteString("\nOptions:\n")
		for i, opt := range q.Options {
			fmt.Fprintf(&b, "  %d. %s\n", i+1, opt)
		}
	}
	if !q.Deadline.IsZero() && !q.AskedAt.IsZero() {
		minutes := int(q.Deadline.Sub(q.AskedAt).Round(time.Minute) / time.Minute)
		fmt.Fprintf(&b, "\nPlease reply in this thread. (Timeout: %d min)", minutes)
	}
	return b.String()
}

// FormatFailure renders the terminal notice. Answer timeouts get their own
// wording, distinct from errors.
func FormatFailure(t task.Task, f Failure) string {
	switch f.Reason {
	case ReasonAnswerTimeout:
		return fmt.Sprintf("%sTimeout. Task cancelled due to no response to the question.", mention(t))
	case ReasonCancelled:
		return fmt.Sprintf("%sTask %s was cancelled.", mention(t), t.ID)
	case ReasonShutdown:
		return fmt.Sprintf("%sTask %s was cancelled because the service is shutting down.", mention(t), t.ID)
	case ReasonRestart:
		return fmt.Sprintf("%sTask %s failed because the service restarted before it finished.", mention(t), t.ID)
	case ReasonProvisioning:
		return fmt.Sprintf("%sTask %s failed: could not start a sandbox (%s).", mention(t), t.ID, f.Message)
	default:
		return fmt.Sprintf("%sTask %s failed: %s", mention(t), t.ID, f.Message)
	}
}

func FormatResultFile(t task.Task, filename string, size int) string {
	return fmt.Sprintf("%sTask %s completed. The result (%d characters) is attached as %s.", mention(t), t.ID, size, filename)
}
