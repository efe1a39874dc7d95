package chat

import "strings"

// Command is one in-band token the relay answers instead of broadcasting.
type Command struct {
	Token       string
	Description string
}

// Commands holds the recognized tokens. Tokens are matched exactly, with
// no arguments.
type Commands struct {
	ListCommands Command
	ListUsers    Command
	Quit         Command
	// BotTag prefixes every command reply.
	BotTag string
}

func DefaultCommands() Commands {
	return Commands{
		ListCommands: Command{Token: "#commands", Description: "list available commands"},
		ListUsers:    Command{Token: "#users", Description: "list connected users"},
		Quit:         Command{Token: "#quit", Description: "leave the chat"},
		BotTag:       "#BOT",
	}
}

func (c Commands) all() []Command {
	return []Command{c.ListCommands, c.ListUsers, c.Quit}
}

// render lists the catalog in a fixed order.
func (c Commands) render() string {
	parts := make([]string, 0, 3)
	for _, cmd := range c.all() {
		parts = append(parts, cmd.Token+" - "+cmd.Description)
	}
	return strings.Join(parts, ", ")
}

func (c Commands) reply(payload string) string {
	return c.BotTag + ": " + payload
}
