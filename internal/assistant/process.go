package assistant

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/relaycode/chatops/internal/common/logger"
)

// Config describes how to spawn one assistant child process for a session.
type Config struct {
	Command         string   // path to the assistant CLI binary
	Args            []string // extra flags, e.g. permission mode
	WorkingDir      string
	ClaudeSessionID string // non-empty resumes a prior server-side continuation
	SkipPermissions bool
}

// Process manages one assistant CLI subprocess and exposes its event stream
// as an abstract channel (spec.md §6.2), grounded on the teacher's
// agentctl launcher (pipe stdout/stderr, Pdeathsig/Setpgid, SIGTERM-then-
// SIGKILL shutdown).
type Process struct {
	cfg Config
	log *logger.Logger

	cmd    *exec.Cmd
	stdin  io.WriteCloser
	events chan Event
	exited chan struct{}

	mu       sync.Mutex
	stopping bool
	waitErr  error
}

// wireEvent is the line-delimited JSON shape read from the assistant's
// stdout. The wire format itself is a local decision (spec.md leaves it
// abstract); fields map 1:1 onto Event.
type wireEvent struct {
	Kind                   string     `json:"kind"`
	Text                   string     `json:"text"`
	ToolUseID              string     `json:"tool_use_id"`
	ToolName               string     `json:"tool_name"`
	ResultSummary          string     `json:"result_summary"`
	Tasks                  []TaskItem `json:"tasks"`
	Questions              []Question `json:"questions"`
	ApprovalDescription    string     `json:"approval_description"`
	SubagentDescription    string     `json:"subagent_description"`
	SubagentType           string     `json:"subagent_type"`
	Model                  string     `json:"model"`
	Tokens                 int64      `json:"tokens"`
	CostUSD                float64    `json:"cost_usd"`
	ContextWindow          int64      `json:"context_window"`
	AvailableSlashCommands []string   `json:"available_slash_commands"`
	Error                  string     `json:"error"`
}

// New creates a Process. Spawn with Start.
func New(cfg Config, log *logger.Logger) *Process {
	return &Process{
		cfg:    cfg,
		log:    log.WithFields(zap.String("component", "assistant-process")),
		events: make(chan Event, 64),
		exited: make(chan struct{}),
	}
}

// Start spawns the child process and begins decoding its event stream.
func (p *Process) Start(ctx context.Context) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.cmd != nil {
		return fmt.Errorf("assistant process already started")
	}

	args := append([]string{}, p.cfg.Args...)
	if p.cfg.ClaudeSessionID != "" {
		args = append(args, "--resume", p.cfg.ClaudeSessionID)
	}
	if p.cfg.SkipPermissions {
		args = append(args, "--skip-permissions")
	}

	p.cmd = exec.Command(p.cfg.Command, args...)
	p.cmd.Dir = p.cfg.WorkingDir
	p.cmd.Env = os.Environ()
	p.cmd.SysProcAttr = &syscall.SysProcAttr{
		Pdeathsig: syscall.SIGTERM,
		Setpgid:   true,
	}

	stdout, err := p.cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("assistant process: stdout pipe: %w", err)
	}
	stderr, err := p.cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("assistant process: stderr pipe: %w", err)
	}
	stdin, err := p.cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("assistant process: stdin pipe: %w", err)
	}
	p.stdin = stdin

	if err := p.cmd.Start(); err != nil {
		return fmt.Errorf("assistant process: start: %w", err)
	}
	p.log.Info("assistant process started", zap.Int("pid", p.cmd.Process.Pid))

	go p.decodeEvents(stdout)
	go p.pipeStderr(stderr)
	go p.monitorExit()
	return nil
}

// Events returns the channel of decoded events. Closed once the process
// exits and its stdout is drained.
func (p *Process) Events() Stream {
	return p.events
}

// SendPrompt writes a follow-up user message to the child's stdin.
func (p *Process) SendPrompt(text string) error {
	p.mu.Lock()
	stdin := p.stdin
	p.mu.Unlock()
	if stdin == nil {
		return fmt.Errorf("assistant process: not started")
	}
	line, err := json.Marshal(struct {
		Type string `json:"type"`
		Text string `json:"text"`
	}{Type: "prompt", Text: text})
	if err != nil {
		return fmt.Errorf("assistant process: encode prompt: %w", err)
	}
	_, err = fmt.Fprintf(stdin, "%s\n", line)
	return err
}

// Interrupt sends SIGINT, the assistant CLI's signal for "stop the current
// turn but keep the process and session alive" (spec.md §5, `!escape`).
func (p *Process) Interrupt() error {
	p.mu.Lock()
	cmd := p.cmd
	p.mu.Unlock()
	if cmd == nil || cmd.Process == nil {
		return nil
	}
	return syscall.Kill(cmd.Process.Pid, syscall.SIGINT)
}

// Stop gracefully terminates the child, escalating to SIGKILL if it does
// not exit before ctx is done.
func (p *Process) Stop(ctx context.Context) error {
	p.mu.Lock()
	if p.cmd == nil || p.cmd.Process == nil {
		p.mu.Unlock()
		return nil
	}
	select {
	case <-p.exited:
		p.mu.Unlock()
		return nil
	default:
	}
	p.stopping = true
	pid := p.cmd.Process.Pid
	p.mu.Unlock()

	if err := syscall.Kill(pid, syscall.SIGTERM); err != nil {
		_ = syscall.Kill(pid, syscall.SIGKILL)
		return err
	}

	select {
	case <-p.exited:
		return nil
	case <-ctx.Done():
		_ = syscall.Kill(pid, syscall.SIGKILL)
		select {
		case <-p.exited:
			return nil
		case <-time.After(2 * time.Second):
			return fmt.Errorf("assistant process: did not exit after SIGKILL")
		}
	}
}

// Wait blocks until the process has exited and returns its exit error, if any.
func (p *Process) Wait() error {
	<-p.exited
	return p.waitErr
}

func (p *Process) decodeEvents(stdout io.Reader) {
	defer close(p.events)
	scanner := bufio.NewScanner(stdout)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var w wireEvent
		if err := json.Unmarshal(line, &w); err != nil {
			p.log.Warn("failed to decode assistant event line", zap.Error(err))
			continue
		}
		p.events <- translate(w)
	}
}

func translate(w wireEvent) Event {
	kind := Kind(w.Kind)
	ev := Event{
		Kind:                   kind,
		Text:                   w.Text,
		ToolUseID:              w.ToolUseID,
		ToolName:               w.ToolName,
		ResultSummary:          w.ResultSummary,
		Tasks:                  w.Tasks,
		Questions:              w.Questions,
		ApprovalDescription:    w.ApprovalDescription,
		AvailableSlashCommands: w.AvailableSlashCommands,
		Status: StatusUpdate{
			Model:         w.Model,
			Tokens:        w.Tokens,
			CostUSD:       w.CostUSD,
			ContextWindow: w.ContextWindow,
		},
	}
	if w.SubagentDescription != "" || w.SubagentType != "" {
		ev.Subagent = SubagentInfo{ToolUseID: w.ToolUseID, Description: w.SubagentDescription, Type: w.SubagentType}
	}
	if w.Error != "" {
		ev.Err = fmt.Errorf("%s", w.Error)
	}
	switch kind {
	case KindAssistantText, KindToolUse, KindToolResult, KindResult, KindTodoWrite,
		KindAskUserQuestion, KindPlanApproval, KindActionApproval, KindSubagentStart,
		KindSubagentUpdate, KindSubagentComplete, KindStatusUpdate, KindInit, KindError:
	default:
		ev.Kind = KindUnknown
	}
	return ev
}

func (p *Process) pipeStderr(stderr io.Reader) {
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		p.log.Warn("assistant stderr", zap.String("line", scanner.Text()))
	}
}

func (p *Process) monitorExit() {
	err := p.cmd.Wait()
	p.mu.Lock()
	stopping := p.stopping
	p.mu.Unlock()
	if err != nil && !stopping {
		p.log.Error("assistant process exited unexpectedly", zap.Error(err))
	} else {
		p.log.Info("assistant process exited")
	}
	p.waitErr = err
	close(p.exited)
}
