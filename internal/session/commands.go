// ABOUTME: Slash-command handling for inbound chat messages.
// ABOUTME: /new /reset /think /verbose /activation mutate session flags.

package session

import (
	"context"
	"fmt"
	"strings"
)

// CommandResult reports the outcome of a handled slash command.
type CommandResult struct {
	// Handled is false when the message is not a recognized command and
	// should flow to the agent as ordinary chat.
	Handled bool

	// Reply is the confirmation text to surface back to the caller.
	Reply string

	// ClearTranscript is set by /new: the caller owns the transcript store
	// and performs the wipe.
	ClearTranscript bool
}

// ApplyCommand interprets a leading slash command against the session for
// key. Unrecognized slash commands are handled with a usage reply rather
// than forwarded, matching chat-surface expectations.
func (s *Store) ApplyCommand(ctx context.Context, key, text string) (CommandResult, error) {
	trimmed := strings.TrimSpace(text)
	if !strings.HasPrefix(trimmed, "/") {
		return CommandResult{}, nil
	}

	fields := strings.Fields(trimmed)
	cmd := strings.ToLower(fields[0])
	args := fields[1:]

	switch cmd {
	case "/new":
		if _, err := s.Reset(ctx, key); err != nil {
			return CommandResult{}, err
		}
		return CommandResult{Handled: true, Reply: "Started a fresh conversation.", ClearTranscript: true}, nil

	case "/reset":
		if _, err := s.Reset(ctx, key); err != nil {
			return CommandResult{}, err
		}
		return CommandResult{Handled: true, Reply: "Session settings reset to defaults."}, nil

	case "/think":
		if len(args) != 1 {
			return CommandResult{Handled: true, Reply: "Usage: /think off|minimal|low|medium|high"}, nil
		}
		level := ThinkingLevel(strings.ToLower(args[0]))
		if !ValidThinking(level) {
			return CommandResult{Handled: true, Reply: fmt.Sprintf("Unknown thinking level %q. Usage: /think off|minimal|low|medium|high", args[0])}, nil
		}
		if _, err := s.Apply(ctx, key, Patch{Thinking: &level}); err != nil {
			return CommandResult{}, err
		}
		return CommandResult{Handled: true, Reply: "Thinking level set to " + string(level) + "."}, nil

	case "/verbose":
		on := true
		if len(args) == 1 {
			switch strings.ToLower(args[0]) {
			case "on":
				on = true
			case "off":
				on = false
			default:
				return CommandResult{Handled: true, Reply: "Usage: /verbose [on|off]"}, nil
			}
		}
		if _, err := s.Apply(ctx, key, Patch{Verbose: &on}); err != nil {
			return CommandResult{}, err
		}
		state := "on"
		if !on {
			state = "off"
		}
		return CommandResult{Handled: true, Reply: "Verbose mode " + state + "."}, nil

	case "/activation":
		if len(args) != 1 {
			return CommandResult{Handled: true, Reply: "Usage: /activation mention|always"}, nil
		}
		mode := ActivationMode(strings.ToLower(args[0]))
		if mode != ActivationMention && mode != ActivationAlways {
			return CommandResult{Handled: true, Reply: "Usage: /activation mention|always"}, nil
		}
		if _, err := s.Apply(ctx, key, Patch{Activation: &mode}); err != nil {
			return CommandResult{}, err
		}
		return CommandResult{Handled: true, Reply: "Group activation set to " + string(mode) + "."}, nil
	}

	return CommandResult{Handled: true, Reply: "Unknown command " + cmd + "."}, nil
}
