package cli

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"syscall"

	"connectrpc.com/connect"
	"github.com/buildkite/taskroom/internal/controlapi"
	"github.com/buildkite/taskroom/internal/controlclient"
	"github.com/buildkite/taskroom/internal/endpoint"
	"github.com/charmbracelet/log"
	"golang.org/x/term"
)

type SubmitCommand struct {
	ClientFlags `embed:""`

	Repository     string   `arg:"" help:"Repository URL to clone into the sandbox"`
	Prompt         []string `arg:"" help:"Task instructions"`
	Channel        string   `help:"Originating chat channel"`
	Thread         string   `help:"Originating chat thread"`
	User           string   `help:"Requesting user"`
	IdempotencyKey string   `help:"Deduplicate resubmissions with this key (derived from origin and prompt when empty)"`
	Watch          bool     `short:"w" help:"Follow the task until it finishes"`
	JSON           bool     `help:"Print the submission as JSON"`
}

type StatusCommand struct {
	ClientFlags `embed:""`

	TaskID  string `arg:"" help:"Task ID"`
	Sandbox bool   `help:"Include the live sandbox status"`
	JSON    bool   `help:"Print the task as JSON"`
}

type ListCommand struct {
	ClientFlags `embed:""`

	State string `help:"Only show tasks in this state"`
	JSON  bool   `help:"Print tasks as JSON"`
}

type CancelCommand struct {
	ClientFlags `embed:""`

	TaskID string `arg:"" help:"Task ID"`
}

type AnswerCommand struct {
	ClientFlags `embed:""`

	TaskID string   `arg:"" help:"Task ID"`
	Answer []string `arg:"" help:"Answer text"`
}

type WatchCommand struct {
	ClientFlags `embed:""`

	TaskID   string `arg:"" help:"Task ID"`
	NoFollow bool   `help:"Print the notification history and exit"`
	NoAnswer bool   `help:"Never prompt for answers, even on a terminal"`
}

var isTerminal = func(f *os.File) bool {
	return f != nil && term.IsTerminal(int(f.Fd()))
}

func (c *SubmitCommand) Run(ctx *runtimeContext) error {
	client, ep, err := c.dial()
	if err != nil {
		return err
	}
	resp, err := client.SubmitTask(context.Background(), &controlapi.SubmitTaskRequest{
		Prompt:         strings.Join(c.Prompt, " "),
		Repository:     c.Repository,
		Channel:        c.Channel,
		Thread:         c.Thread,
		User:           c.User,
		IdempotencyKey: c.IdempotencyKey,
	})
	if err != nil {
		return describeRPCError(ep, err)
	}

	if c.JSON {
		if err := writeJSON(ctx.Stdout, resp); err != nil {
			return err
		}
	} else {
		if _, err := fmt.Fprintln(ctx.Stdout, renderSubmission(resp)); err != nil {
			return err
		}
	}
	if !c.Watch {
		return nil
	}
	watch := &WatchCommand{ClientFlags: c.ClientFlags, TaskID: resp.TaskID}
	return watch.follow(ctx, client, ep)
}

func (c *StatusCommand) Run(ctx *runtimeContext) error {
	client, ep, err := c.dial()
	if err != nil {
		return err
	}
	resp, err := client.GetTask(context.Background(), &controlapi.GetTaskRequest{TaskID: c.TaskID, IncludeSandbox: c.Sandbox})
	if err != nil {
		return describeRPCError(ep, err)
	}
	if c.JSON {
		return writeJSON(ctx.Stdout, resp.Task)
	}
	_, err = io.WriteString(ctx.Stdout, renderTask(resp.Task, shouldUseANSI(ctx.Stdout)))
	return err
}

func (c *ListCommand) Run(ctx *runtimeContext) error {
	client, ep, err := c.dial()
	if err != nil {
		return err
	}
	resp, err := client.ListTasks(context.Background(), &controlapi.ListTasksRequest{State: c.State})
	if err != nil {
		return describeRPCError(ep, err)
	}
	if c.JSON {
		return writeJSON(ctx.Stdout, resp)
	}
	_, err = io.WriteString(ctx.Stdout, renderTaskList(resp))
	return err
}

func (c *CancelCommand) Run(ctx *runtimeContext) error {
	client, ep, err := c.dial()
	if err != nil {
		return err
	}
	resp, err := client.CancelTask(context.Background(), &controlapi.CancelTaskRequest{TaskID: c.TaskID})
	if err != nil {
		return describeRPCError(ep, err)
	}
	_, err = fmt.Fprintf(ctx.Stdout, "%s %s\n", resp.Task.TaskID, resp.Task.Label)
	return err
}

func (c *AnswerCommand) Run(ctx *runtimeContext) error {
	client, ep, err := c.dial()
	if err != nil {
		return err
	}
	answer := strings.TrimSpace(strings.Join(c.Answer, " "))
	if answer == "" {
		return errors.New("answer must not be empty")
	}
	resp, err := client.AnswerQuestion(context.Background(), &controlapi.AnswerQuestionRequest{TaskID: c.TaskID, Answer: answer})
	if err != nil {
		return describeRPCError(ep, err)
	}
	_, err = fmt.Fprintf(ctx.Stdout, "answer delivered to %s (%s)\n", resp.TaskID, resp.State)
	return err
}

func (c *WatchCommand) Run(ctx *runtimeContext) error {
	client, ep, err := c.dial()
	if err != nil {
		return err
	}
	return c.follow(ctx, client, ep)
}

// follow prints task notifications until the terminal one. Questions are
// answered from stdin when it is a terminal. A failed or cancelled task exits
// non-zero.
func (c *WatchCommand) follow(rt *runtimeContext, client *controlclient.Client, ep endpoint.Endpoint) error {
	logger, err := newLogger(c.LogLevel, "client")
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sigCh := newSignalChannel()
	notifySignals(sigCh, os.Interrupt, syscall.SIGTERM)
	defer stopSignals(sigCh)
	go func() {
		select {
		case <-sigCh:
			cancel()
		case <-ctx.Done():
		}
	}()

	stream, err := client.StreamTask(ctx, &controlapi.StreamTaskRequest{TaskID: c.TaskID, Follow: !c.NoFollow})
	if err != nil {
		return describeRPCError(ep, err)
	}
	defer stream.Close()

	interactive := !c.NoAnswer && isTerminal(rt.Stdin)
	var input *bufio.Reader
	if interactive {
		input = bufio.NewReader(rt.Stdin)
	}
	color := shouldUseANSI(rt.Stdout)

	var last controlapi.TaskEvent
	for stream.Receive() {
		ev := stream.Msg()
		last = *ev
		if _, err := io.WriteString(rt.Stdout, renderEvent(*ev, color)); err != nil {
			return err
		}
		if ev.Kind != "question" || !interactive {
			continue
		}
		if err := promptAnswer(ctx, rt.Stdout, input, client, ev.TaskID, logger); err != nil {
			return err
		}
	}
	if err := stream.Err(); err != nil {
		if isCanceledStreamErr(err) {
			return exitCodeError{code: 130}
		}
		return describeRPCError(ep, err)
	}
	if !c.NoFollow && last.Terminal && last.Kind == "failure" {
		return exitCodeError{code: 1}
	}
	return nil
}

func promptAnswer(ctx context.Context, w io.Writer, input *bufio.Reader, client *controlclient.Client, taskID string, logger *log.Logger) error {
	for {
		if _, err := io.WriteString(w, "answer> "); err != nil {
			return err
		}
		line, err := input.ReadString('\n')
		if err != nil && line == "" {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return err
		}
		answer := strings.TrimSpace(line)
		if answer == "" {
			continue
		}
		_, err = client.AnswerQuestion(ctx, &controlapi.AnswerQuestionRequest{TaskID: taskID, Answer: answer})
		if err == nil {
			return nil
		}
		if connect.CodeOf(err) == connect.CodeFailedPrecondition {
			logger.Warn("question is no longer pending", "task_id", taskID)
			return nil
		}
		return err
	}
}
