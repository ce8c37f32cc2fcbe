// Package command implements the Command Router (spec.md §4.15): parses
// the first `!`-prefixed token of a message and dispatches it to the
// Session Manager, bypassing the assistant child process entirely for
// everything except slash-command relay.
package command

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/relaycode/chatops/internal/platform"
	"github.com/relaycode/chatops/internal/session"
)

var (
	// ErrNotACommand is returned by Parse when the message has no `!` prefix.
	ErrNotACommand = errors.New("command: message is not a command")
	// ErrUnknownCommand is returned when the first token isn't in the table
	// and isn't a known or dynamically-announced slash command.
	ErrUnknownCommand = errors.New("command: unrecognized command")
	// ErrForbidden is returned when the invoking user isn't allowed in the
	// session a session-scoped command targets (spec.md §4.15 authorization).
	ErrForbidden = errors.New("command: not allowed in this session")
)

// SessionOps is the subset of the Session Manager the router dispatches
// into. A narrow interface, duck-typed against *sessionmanager.Manager,
// keeps this package free of a direct dependency on the concrete manager
// (and so free of any import cycle: sessionmanager wires the router, not
// the other way around). Dispatch checks session-allowed itself before any
// session-scoped method; platform-allowed for `!kill` is checked inside
// KillAll, and KillSession re-checks session-allowed on its own.
type SessionOps interface {
	KillSession(ctx context.Context, s *session.Session, requestedBy string) error
	InterruptSession(ctx context.Context, s *session.Session) error
	KillAll(ctx context.Context, requestedBy string, invokingClient platform.Client, invokingThreadID string) error
	BindWorktree(s *session.Session, repoRoot, path, branch string)
	RemoveWorktree(ctx context.Context, s *session.Session) error
	ListWorktrees(s *session.Session) []string
	SendToAssistant(s *session.Session, text string) error
}

// builtinSlashCommands are always relayed to the assistant as `/command`
// regardless of what the session's last init event announced (spec.md §4.15).
var builtinSlashCommands = map[string]bool{
	"context": true,
	"cost":    true,
	"compact": true,
}

// Router parses and dispatches `!command` lines.
type Router struct {
	ops SessionOps
}

// New creates a Router bound to a Session Manager.
func New(ops SessionOps) *Router {
	return &Router{ops: ops}
}

// Parsed is one parsed command invocation: the matched keyword plus
// whatever trailing tokens followed it.
type Parsed struct {
	Name string
	Args []string
}

// Parse splits the first token of a message starting with `!` from its
// arguments. Returns ErrNotACommand if text doesn't start with `!`.
func Parse(text string) (Parsed, error) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "!") {
		return Parsed{}, ErrNotACommand
	}
	fields := strings.Fields(text[1:])
	if len(fields) == 0 {
		return Parsed{}, ErrNotACommand
	}
	return Parsed{Name: strings.ToLower(fields[0]), Args: fields[1:]}, nil
}

// Dispatch routes a parsed command against s (nil for platform-wide
// commands issued outside any session, e.g. `!kill`). user is the
// invoking platform user, used for authorization checks. client and
// invokingThreadID identify the thread the command was issued from, so
// `!kill` can confirm back to it; both may be zero-valued when there is
// no invoking thread (e.g. a programmatic shutdown).
func (r *Router) Dispatch(ctx context.Context, p Parsed, s *session.Session, user platform.User, client platform.Client, invokingThreadID string) error {
	// !kill is the one command with no session to be scoped to; every
	// other branch requires one, and requires the invoker be allowed in it.
	if p.Name == "kill" {
		return r.ops.KillAll(ctx, user.Username, client, invokingThreadID)
	}
	if s == nil {
		return fmt.Errorf("command: this command requires an active session")
	}
	if !s.IsUserAllowed(user.Username) {
		return ErrForbidden
	}

	switch p.Name {
	case "stop", "cancel":
		return r.ops.KillSession(ctx, s, user.Username)

	case "escape", "interrupt":
		return r.ops.InterruptSession(ctx, s)

	case "help":
		return r.postHelp(ctx, s)

	case "invite":
		return r.invite(p, s)

	case "kick":
		return r.kick(p, s)

	case "permissions":
		return r.permissions(p, s)

	case "cd":
		return r.changeDir(p, s)

	case "worktree":
		return r.worktree(ctx, p, s)

	case "update":
		return r.showUpdateStatus(ctx, s)

	case "release-notes", "changelog":
		return r.postReleaseNotes(ctx, s)

	case "plugin":
		return r.plugin(ctx, p, s)

	default:
		if slash, ok := r.resolveSlashCommand(p.Name, s); ok {
			return r.ops.SendToAssistant(s, "/"+slash+" "+strings.Join(p.Args, " "))
		}
		return ErrUnknownCommand
	}
}

// resolveSlashCommand reports whether name is a known built-in slash
// command, or one the assistant's init event announced for this session
// (spec.md §4.15 "dynamic commands announced by the assistant init event").
func (r *Router) resolveSlashCommand(name string, s *session.Session) (string, bool) {
	if builtinSlashCommands[name] {
		return name, true
	}
	if s == nil {
		return "", false
	}
	for _, cmd := range s.Messages.AvailableSlashCommands {
		if strings.EqualFold(strings.TrimPrefix(cmd, "/"), name) {
			return strings.TrimPrefix(cmd, "/"), true
		}
	}
	return "", false
}

func (r *Router) postHelp(ctx context.Context, s *session.Session) error {
	_, err := s.Messages.System.Info(ctx, helpText)
	return err
}

const helpText = `Commands: !stop/!cancel, !escape/!interrupt, !invite @user, !kick @user,
!permissions interactive, !cd <path>, !worktree list|switch X|remove X|cleanup|off,
!update, !release-notes, !plugin list|install X|uninstall X, !kill`

func (r *Router) invite(p Parsed, s *session.Session) error {
	username, ok := mentionArg(p.Args)
	if !ok {
		return fmt.Errorf("command: !invite requires a @user argument")
	}
	s.Invite(username)
	return nil
}

func (r *Router) kick(p Parsed, s *session.Session) error {
	username, ok := mentionArg(p.Args)
	if !ok {
		return fmt.Errorf("command: !kick requires a @user argument")
	}
	if !s.Kick(username) {
		return fmt.Errorf("command: cannot kick the session owner")
	}
	return nil
}

func mentionArg(args []string) (string, bool) {
	if len(args) == 0 {
		return "", false
	}
	return strings.TrimPrefix(args[0], "@"), true
}

// permissions handles `!permissions interactive|auto`. Downgrading from
// skip-permissions back to interactive is allowed; upgrading from
// interactive to auto (skip) is rejected (spec.md §4.15 table).
func (r *Router) permissions(p Parsed, s *session.Session) error {
	if len(p.Args) == 0 {
		return fmt.Errorf("command: !permissions requires interactive or auto")
	}
	switch strings.ToLower(p.Args[0]) {
	case "interactive":
		s.ForceInteractivePermissions = true
		s.SkipPermissions = false
		return nil
	case "auto":
		return fmt.Errorf("command: cannot upgrade a running session to auto permissions")
	default:
		return fmt.Errorf("command: unknown permissions mode %q", p.Args[0])
	}
}

// changeDir handles `!cd <path>`. Only carries the new working directory
// forward; actual directory validation and any resulting restart is the
// Session Manager's concern once it picks up WorkingDir on next spawn.
func (r *Router) changeDir(p Parsed, s *session.Session) error {
	if len(p.Args) == 0 {
		return fmt.Errorf("command: !cd requires a path")
	}
	s.WorkingDir = p.Args[0]
	return nil
}

// worktree handles `!worktree list|switch X|remove X|cleanup|off`. The
// subcommand token must be read positionally (args[0]) rather than
// re-scanning the raw message, so `!worktree switch X` inside an
// @mention-prefixed root message is never misread as "create a worktree
// literally named switch" (spec.md §4.15 parsing note).
func (r *Router) worktree(ctx context.Context, p Parsed, s *session.Session) error {
	if len(p.Args) == 0 {
		return fmt.Errorf("command: !worktree requires a subcommand")
	}
	sub, rest := strings.ToLower(p.Args[0]), p.Args[1:]
	switch sub {
	case "list":
		names := r.ops.ListWorktrees(s)
		_, err := s.Messages.System.Info(ctx, "Worktrees: "+strings.Join(names, ", "))
		return err
	case "switch":
		if len(rest) == 0 {
			return fmt.Errorf("command: !worktree switch requires a target")
		}
		r.ops.BindWorktree(s, s.WorkingDir, rest[0], "")
		return nil
	case "remove":
		return r.ops.RemoveWorktree(ctx, s)
	case "cleanup":
		return r.ops.RemoveWorktree(ctx, s)
	case "off":
		s.Worktree = nil
		return nil
	default:
		return fmt.Errorf("command: unknown worktree subcommand %q", sub)
	}
}

func (r *Router) showUpdateStatus(ctx context.Context, s *session.Session) error {
	_, err := s.Messages.System.Info(ctx, "This session is running the current version.")
	return err
}

func (r *Router) postReleaseNotes(ctx context.Context, s *session.Session) error {
	_, err := s.Messages.System.Info(ctx, "See the release notes channel for recent changes.")
	return err
}

// plugin handles `!plugin list|install X|uninstall X` by bubbling the
// request to the platform adapter; the core has no plugin registry of
// its own (spec.md §4.15 "bubble to platform").
func (r *Router) plugin(ctx context.Context, p Parsed, s *session.Session) error {
	if len(p.Args) == 0 {
		return fmt.Errorf("command: !plugin requires a subcommand")
	}
	_, err := s.Messages.System.Info(ctx, "Plugin management is handled by the platform adapter: "+strings.Join(p.Args, " "))
	return err
}
