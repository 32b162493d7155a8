// Package policy decides whether a shell command proposed by the external
// coding agent may execute. Decisions are pure: the same command string
// always yields the same verdict, and nothing here touches the filesystem
// or the process table.
//
// The posture is deny-by-default. An executable is runnable only if it
// appears in the allow table, and even then its argument list must satisfy
// that executable's validation rule. Anything ambiguous, malformed, or
// unrecognized blocks.
package policy

import (
	"fmt"
	"strings"
)

// Verdict is the outcome of evaluating one command.
type Verdict string

const (
	VerdictAllow Verdict = "allow"
	VerdictBlock Verdict = "block"
)

// Decision is the result of evaluating a proposed command. Reason is set
// only when the verdict is block; it is surfaced back to the agent so it
// can self-correct, and logged for the operator.
type Decision struct {
	Verdict Verdict
	Reason  string
}

// Allowed reports whether the decision permits execution.
func (d Decision) Allowed() bool { return d.Verdict == VerdictAllow }

func allow() Decision { return Decision{Verdict: VerdictAllow} }

func block(format string, args ...any) Decision {
	return Decision{Verdict: VerdictBlock, Reason: fmt.Sprintf(format, args...)}
}

// rule validates the argument list (not including the executable itself)
// for one allow-listed executable.
type rule func(args []string) Decision

// anyArgs accepts every argument list. Commands still pass through the
// metacharacter scan before a rule runs.
func anyArgs(args []string) Decision { return allow() }

// allowTable maps a leading executable to its validation rule. Executables
// absent from this table are blocked, full stop.
var allowTable = map[string]rule{
	// Harness conventions.
	"./init.sh": initScriptRule,
	"chmod":     chmodRule,
	"pkill":     pkillRule,

	// Read-only inspection.
	"ls":   anyArgs,
	"cat":  anyArgs,
	"head": anyArgs,
	"tail": anyArgs,
	"grep": anyArgs,
	"wc":   anyArgs,
	"pwd":  anyArgs,
	"echo": anyArgs,

	// Project scaffolding and build tooling.
	"mkdir": anyArgs,
	"touch": anyArgs,
	"cp":    anyArgs,
	"node":  anyArgs,
	"npm":   anyArgs,
	"npx":   anyArgs,
	"git":   anyArgs,
}

// hardBlocked carries tailored reasons for executables that never enter the
// allow table regardless of arguments. Everything else unenumerated gets the
// generic deny-by-default reason.
var hardBlocked = map[string]string{
	"rm":     "rm is never permitted; delete files through the agent's file tools instead",
	"curl":   "network fetches are not permitted",
	"wget":   "network fetches are not permitted",
	"sudo":   "privilege escalation is not permitted",
	"su":     "privilege escalation is not permitted",
	"chown":  "ownership changes are not permitted",
	"dd":     "raw disk access is not permitted",
	"eval":   "dynamic evaluation is not permitted",
	"source": "sourcing scripts is not permitted",
}

// metacharacters that enable chaining, substitution, or redirection beyond
// simple argument passing. No allow-listed executable whitelists these.
var blockedOperators = []string{"&&", "||", ";", "|", "$(", "`", ">", "<", "&", "\n"}

// devServerNames are the process patterns pkill may target. Anything
// broader risks killing the harness or unrelated user processes.
var devServerNames = map[string]bool{
	"node":    true,
	"npm":     true,
	"npx":     true,
	"vite":    true,
	"next":    true,
	"webpack": true,
	"nodemon": true,
}

// Evaluate tokenizes the command, applies the metacharacter scan, and
// dispatches to the leading executable's rule. Malformed input blocks
// rather than allows: a command the filter cannot parse is a command the
// filter cannot vouch for.
func Evaluate(command string) Decision {
	trimmed := strings.TrimSpace(command)
	if trimmed == "" {
		return block("empty command")
	}

	for _, op := range blockedOperators {
		if strings.Contains(trimmed, op) {
			return block("shell operator %q is not permitted; run one simple command at a time", op)
		}
	}

	tokens, err := tokenize(trimmed)
	if err != nil {
		return block("unparseable command: %v", err)
	}
	if len(tokens) == 0 {
		return block("empty command")
	}

	exe := tokens[0]
	args := tokens[1:]

	if reason, ok := hardBlocked[exe]; ok {
		return block("%s", reason)
	}

	// Path-qualified executables never match the allow table: `/bin/ls`
	// and `../ls` are not the `ls` that was vetted. The one relative path
	// we accept is the harness's own bootstrap script.
	if exe != "./init.sh" && strings.ContainsAny(exe, "/\\") {
		return block("path-qualified executable %q is not permitted", exe)
	}

	validate, ok := allowTable[exe]
	if !ok {
		return block("executable %q is not on the allowlist", exe)
	}
	return validate(args)
}

// chmodRule permits exactly `chmod +x init.sh` (or ./init.sh): the harness
// convention for making its own bootstrap script executable. Every other
// mode, flag, or target blocks.
func chmodRule(args []string) Decision {
	if len(args) < 2 {
		return block("chmod requires a mode and a target")
	}
	if args[0] != "+x" {
		return block("chmod mode %q is not permitted; only +x on init.sh is allowed", args[0])
	}
	for _, target := range args[1:] {
		if target != "init.sh" && target != "./init.sh" {
			return block("chmod +x may only target init.sh, not %q", target)
		}
	}
	return allow()
}

// pkillRule permits signalling known development-server processes only.
// Flags other than -f and wildcard or unrecognized patterns block.
func pkillRule(args []string) Decision {
	if len(args) == 0 {
		return block("pkill requires a target pattern")
	}
	patterns := 0
	for _, arg := range args {
		if arg == "-f" {
			continue
		}
		if strings.HasPrefix(arg, "-") {
			return block("pkill flag %q is not permitted", arg)
		}
		if strings.ContainsAny(arg, "*?[.") {
			return block("pkill pattern %q is too broad", arg)
		}
		if !devServerNames[arg] {
			return block("pkill may only target development server processes, not %q", arg)
		}
		patterns++
	}
	if patterns == 0 {
		return block("pkill requires a target pattern")
	}
	return allow()
}

// initScriptRule permits the bare conventional invocation and nothing else.
// Arguments are rejected so the script always runs the way the harness
// wrote it.
func initScriptRule(args []string) Decision {
	if len(args) != 0 {
		return block("./init.sh takes no arguments")
	}
	return allow()
}

// tokenize splits a command into whitespace-separated tokens honoring
// single and double quotes. An unterminated quote is an error so the
// caller fails closed.
func tokenize(command string) ([]string, error) {
	var tokens []string
	var current strings.Builder
	inToken := false
	var quote rune

	for _, r := range command {
		switch {
		case quote != 0:
			if r == quote {
				quote = 0
			} else {
				current.WriteRune(r)
			}
		case r == '\'' || r == '"':
			quote = r
			inToken = true
		case r == ' ' || r == '\t':
			if inToken {
				tokens = append(tokens, current.String())
				current.Reset()
				inToken = false
			}
		default:
			current.WriteRune(r)
			inToken = true
		}
	}
	if quote != 0 {
		return nil, fmt.Errorf("unterminated %c quote", quote)
	}
	if inToken {
		tokens = append(tokens, current.String())
	}
	return tokens, nil
}
