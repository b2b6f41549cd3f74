package sandboxagent

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/alecthomas/kong"
	"github.com/buildkite/taskroom/internal/channel"
	"github.com/charmbracelet/log"
)

// Exit codes shared with the sandbox's task runner.
const (
	ExitUsage   = 1
	ExitTimeout = 2
	ExitChannel = 3
)

type CLI struct {
	LogLevel string `help:"Log level (debug|info|warn|error)" default:"warn" env:"TASKROOM_SANDBOX_LOG_LEVEL"`

	Progress ProgressCommand `cmd:"" help:"Report progress to the requester"`
	Result   ResultCommand   `cmd:"" help:"Publish the final result"`
	Fail     FailCommand     `cmd:"" help:"Report that the task failed"`
	Ask      AskCommand      `cmd:"" help:"Ask the requester a question and print the answer"`
}

type ProgressCommand struct {
	Stage   string   `help:"Progress stage (cloning|running)"`
	Message []string `arg:"" help:"Progress message"`
}

type ResultCommand struct {
	File     string   `help:"Read the result from this file"`
	Filename string   `help:"Attachment name for long results"`
	Text     []string `arg:"" optional:"" help:"Result text"`
}

type FailCommand struct {
	Message []string `arg:"" help:"Failure message"`
}

type AskCommand struct {
	Option  []string `short:"o" help:"Suggested answer (repeatable)"`
	Timeout int      `help:"Seconds to wait for an answer (defaults to TASKROOM_ANSWER_TIMEOUT_SECONDS)"`
	Text    []string `arg:"" help:"Question text"`
}

type exitCodeError struct {
	code int
	err  error
}

func (e exitCodeError) Error() string {
	return e.err.Error()
}

func (e exitCodeError) Unwrap() error {
	return e.err
}

func (e exitCodeError) ExitCode() int {
	return e.code
}

func ExitCode(err error) int {
	var codeErr interface{ ExitCode() int }
	if errors.As(err, &codeErr) {
		return codeErr.ExitCode()
	}
	return ExitUsage
}

type runtimeContext struct {
	ctx    context.Context
	agent  *Agent
	stdout io.Writer
}

// dialChannel is replaced in tests.
var dialChannel = func(env Env) (channel.Channel, error) {
	if env.RedisURL == "" {
		return nil, errors.New("REDIS_URL is not set")
	}
	return channel.NewRedis(env.RedisURL)
}

func Run(args []string, stdout io.Writer) error {
	cli := CLI{}
	parser, err := kong.New(&cli,
		kong.Name("taskroom-sandbox"),
		kong.Description("Report task progress and ask questions from inside a taskroom sandbox"),
		kong.Writers(stdout, os.Stderr),
	)
	if err != nil {
		return err
	}
	kctx, err := parser.Parse(args)
	if err != nil {
		return err
	}

	level, err := log.ParseLevel(strings.ToLower(strings.TrimSpace(cli.LogLevel)))
	if err != nil {
		return fmt.Errorf("invalid --log-level %q: %w", cli.LogLevel, err)
	}
	logger := log.NewWithOptions(os.Stderr, log.Options{Level: level, Prefix: "taskroom-sandbox"})

	env, err := EnvFromOS()
	if err != nil {
		return err
	}
	ch, err := dialChannel(env)
	if err != nil {
		return exitCodeError{code: ExitChannel, err: err}
	}
	defer ch.Close()

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	return kctx.Run(&runtimeContext{
		ctx:    ctx,
		agent:  &Agent{Env: env, Channel: ch, Publisher: channel.NewRetryPublisher(ch, nil), Logger: logger},
		stdout: stdout,
	})
}

func channelErr(err error) error {
	if err == nil {
		return nil
	}
	return exitCodeError{code: ExitChannel, err: err}
}

func joinArgs(words []string) string {
	return strings.TrimSpace(strings.Join(words, " "))
}

func (c *ProgressCommand) Run(rt *runtimeContext) error {
	msg := joinArgs(c.Message)
	if msg == "" {
		return errors.New("progress message must not be empty")
	}
	return channelErr(rt.agent.Progress(rt.ctx, msg, c.Stage))
}

func (c *ResultCommand) Run(rt *runtimeContext) error {
	text := joinArgs(c.Text)
	filename := c.Filename
	if c.File != "" {
		b, err := os.ReadFile(c.File)
		if err != nil {
			return fmt.Errorf("read result file: %w", err)
		}
		text = string(b)
		if filename == "" {
			filename = filepath.Base(c.File)
		}
	}
	return channelErr(rt.agent.Result(rt.ctx, text, filename))
}

func (c *FailCommand) Run(rt *runtimeContext) error {
	msg := joinArgs(c.Message)
	if msg == "" {
		return errors.New("failure message must not be empty")
	}
	return channelErr(rt.agent.Fail(rt.ctx, msg))
}

func (c *AskCommand) Run(rt *runtimeContext) error {
	question := joinArgs(c.Text)
	if question == "" {
		return errors.New("question must not be empty")
	}
	if c.Timeout < 0 {
		return errors.New("--timeout must be positive")
	}
	if c.Timeout > 0 {
		rt.agent.Env.AnswerTimeout = time.Duration(c.Timeout) * time.Second
	}
	answer, err := rt.agent.Ask(rt.ctx, question, c.Option)
	if errors.Is(err, ErrAnswerTimeout) {
		return exitCodeError{code: ExitTimeout, err: err}
	}
	if err != nil {
		return channelErr(err)
	}
	_, err = fmt.Fprintln(rt.stdout, answer)
	return err
}
