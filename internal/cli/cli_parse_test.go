package cli

import (
	"errors"
	"strings"
	"testing"

	"github.com/alecthomas/kong"
)

func newParserForTest(t *testing.T, c *CLI) *kong.Kong {
	t.Helper()

	parser, err := newParser(c)
	if err != nil {
		t.Fatalf("create parser: %v", err)
	}
	return parser
}

func TestSubmitCommandParsesRepositoryAndPrompt(t *testing.T) {
	c := &CLI{}
	parser := newParserForTest(t, c)

	_, err := parser.Parse([]string{
		"submit", "https://github.com/acme/widgets", "fix", "the", "flaky", "test",
		"--host", "http://127.0.0.1:7777",
		"--channel", "C1", "-w",
	})
	if err != nil {
		t.Fatalf("parse submit returned error: %v", err)
	}
	if c.Submit.Repository != "https://github.com/acme/widgets" {
		t.Fatalf("unexpected repository %q", c.Submit.Repository)
	}
	if got := strings.Join(c.Submit.Prompt, " "); got != "fix the flaky test" {
		t.Fatalf("unexpected prompt %q", got)
	}
	if c.Submit.Host != "http://127.0.0.1:7777" {
		t.Fatalf("expected embedded --host to parse, got %q", c.Submit.Host)
	}
	if c.Submit.Channel != "C1" || !c.Submit.Watch {
		t.Fatalf("unexpected submit flags: %+v", c.Submit)
	}
}

func TestSubmitCommandRequiresPrompt(t *testing.T) {
	c := &CLI{}
	parser := newParserForTest(t, c)

	_, err := parser.Parse([]string{"submit", "https://github.com/acme/widgets"})
	if err == nil {
		t.Fatal("expected parse error for missing prompt")
	}
	if !strings.Contains(err.Error(), "<prompt>") {
		t.Fatalf("expected missing prompt parse error, got %v", err)
	}
}

func TestAnswerCommandCollectsWords(t *testing.T) {
	c := &CLI{}
	parser := newParserForTest(t, c)

	if _, err := parser.Parse([]string{"answer", "task_x", "use", "main"}); err != nil {
		t.Fatalf("parse answer returned error: %v", err)
	}
	if c.Answer.TaskID != "task_x" {
		t.Fatalf("unexpected task id %q", c.Answer.TaskID)
	}
	if got := strings.Join(c.Answer.Answer, " "); got != "use main" {
		t.Fatalf("unexpected answer %q", got)
	}
}

func TestTLSInitCommandFlags(t *testing.T) {
	c := &CLI{}
	parser := newParserForTest(t, c)

	if _, err := parser.Parse([]string{"tls", "init", "--host", "taskroom.internal", "--host", "10.0.0.5", "--force"}); err != nil {
		t.Fatalf("parse tls init returned error: %v", err)
	}
	if got := strings.Join(c.TLS.Init.Host, ","); got != "taskroom.internal,10.0.0.5" {
		t.Fatalf("unexpected hosts %q", got)
	}
	if !c.TLS.Init.Force {
		t.Fatal("expected --force")
	}
}

func TestServeCommandTLSFlags(t *testing.T) {
	c := &CLI{}
	parser := newParserForTest(t, c)

	if _, err := parser.Parse([]string{"serve", "--listen", "https://0.0.0.0:7443", "--tls-cert", "/tmp/s.pem", "--tls-key", "/tmp/s.key", "--backend", "process"}); err != nil {
		t.Fatalf("parse serve returned error: %v", err)
	}
	if c.Serve.Listen != "https://0.0.0.0:7443" || c.Serve.TLSCert != "/tmp/s.pem" || c.Serve.TLSKey != "/tmp/s.key" || c.Serve.Backend != "process" {
		t.Fatalf("unexpected serve flags: %+v", c.Serve)
	}
}

func TestWatchCommandFlags(t *testing.T) {
	c := &CLI{}
	parser := newParserForTest(t, c)

	if _, err := parser.Parse([]string{"watch", "task_y", "--no-follow", "--no-answer", "--tls-ca", "/tmp/ca.pem"}); err != nil {
		t.Fatalf("parse watch returned error: %v", err)
	}
	if !c.Watch.NoFollow || !c.Watch.NoAnswer || c.Watch.TLSCA != "/tmp/ca.pem" {
		t.Fatalf("unexpected watch flags: %+v", c.Watch)
	}
}

func TestExitCodeUsesEmbeddedCode(t *testing.T) {
	if got := ExitCode(exitCodeError{code: 130}); got != 130 {
		t.Fatalf("ExitCode = %d, want 130", got)
	}
	if got := ExitCode(errors.New("boom")); got != 1 {
		t.Fatalf("ExitCode = %d, want 1", got)
	}
}
