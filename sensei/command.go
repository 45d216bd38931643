package sensei

import (
	"context"
	"errors"
	"fmt"
	"github.com/bwmarrin/discordgo"
	"slices"
	"sort"
	"strings"
)

const (
	commandNameTerm = "term"
	commandNameHelp = "help"

	embedColorError = 0xe74c3c
	embedColorInfo  = 0x3498db
)

// Requester describes who sent a command, and where.
type Requester struct {
	UserID    string
	Tag       string
	AvatarURL string
	GuildID   string
	ChannelID string
}

// CommandRequest is a parsed prefix command.
type CommandRequest struct {
	// Name is the lower-cased command name, without the prefix
	Name string

	// Args are the whitespace-separated arguments following the name
	Args []string

	Requester Requester

	// Typing, if set, signals to the user that a response is being worked
	// on. It's called at most once, and must not block.
	Typing func()
}

// CommandResponse is sent back to the channel the command came from.
// An empty response sends nothing.
type CommandResponse struct {
	Content string
	Embeds  []*discordgo.MessageEmbed
}

func (r CommandResponse) Empty() bool {
	return r.Content == "" && len(r.Embeds) == 0
}

// Command is a prefix command handler.
type Command interface {
	// Name is what users type after the prefix to run the command
	Name() string

	// Description is shown in the help command
	Description() string

	Execute(ctx context.Context, req CommandRequest) CommandResponse
}

// CommandRegistry maps command names to handlers. It's populated once
// at startup, and read-only afterward.
type CommandRegistry struct {
	commands map[string]Command
	prefix   string
}

// NewCommandRegistry returns a registry with the given commands, plus a
// help command listing them. Names are case-insensitive, and must be
// unique and non-empty.
func NewCommandRegistry(prefix string, commands ...Command) (*CommandRegistry, error) {
	r := &CommandRegistry{
		commands: make(map[string]Command, len(commands)+1),
		prefix:   prefix,
	}
	var errs []error
	all := append(slices.Clone(commands), helpCommand{registry: r})
	for _, cmd := range all {
		name := strings.ToLower(cmd.Name())
		if name == "" {
			errs = append(errs, errors.New("command name required"))
			continue
		}
		if _, exists := r.commands[name]; exists {
			errs = append(errs, fmt.Errorf("duplicate command: %q", name))
			continue
		}
		r.commands[name] = cmd
	}
	return r, errors.Join(errs...)
}

// Get returns the command registered as name
func (r *CommandRegistry) Get(name string) (Command, bool) {
	cmd, ok := r.commands[strings.ToLower(name)]
	return cmd, ok
}

// Names returns registered command names, sorted
func (r *CommandRegistry) Names() []string {
	names := make([]string, 0, len(r.commands))
	for name := range r.commands {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// ParseCommand splits content into a command name and arguments. ok is
// false if content doesn't start with prefix, or has no command name.
func ParseCommand(prefix string, content string) (name string, args []string, ok bool) {
	if prefix == "" || !strings.HasPrefix(content, prefix) {
		return "", nil, false
	}
	fields := strings.Fields(strings.TrimPrefix(content, prefix))
	if len(fields) == 0 {
		return "", nil, false
	}
	return strings.ToLower(fields[0]), fields[1:], true
}

func unknownCommandEmbed(prefix string, name string) *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Title: "❌ Unknown Command",
		Description: fmt.Sprintf(
			"Command `%s` not found. Use `%shelp` to see available commands.",
			name,
			prefix,
		),
		Color: embedColorError,
	}
}

func commandErrorEmbed() *discordgo.MessageEmbed {
	return &discordgo.MessageEmbed{
		Title:       "⚠️ Command Error",
		Description: "There was an error executing this command.",
		Color:       embedColorError,
	}
}

type helpCommand struct {
	registry *CommandRegistry
}

func (helpCommand) Name() string {
	return commandNameHelp
}

func (helpCommand) Description() string {
	return "Lists available commands"
}

func (h helpCommand) Execute(_ context.Context, _ CommandRequest) CommandResponse {
	lines := make([]string, 0, len(h.registry.commands))
	for _, name := range h.registry.Names() {
		cmd := h.registry.commands[name]
		lines = append(
			lines,
			fmt.Sprintf("`%s%s` %s", h.registry.prefix, name, cmd.Description()),
		)
	}
	return CommandResponse{
		Embeds: []*discordgo.MessageEmbed{
			{
				Title:       "📖 Commands",
				Description: strings.Join(lines, "\n"),
				Color:       embedColorInfo,
			},
		},
	}
}
