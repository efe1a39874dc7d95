// Package config loads the relay settings from the environment.
package config

import (
	"fmt"
	"log/slog"
	"strings"

	env "github.com/Netflix/go-env"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"

	"github.com/andy6609/chat-relay/internal/chat"
)

type Config struct {
	Addr            string `env:"CHAT_ADDR,default=:13000" validate:"required"`
	MetricsAddr     string `env:"CHAT_METRICS_ADDR,default=:9090"`
	LogLevel        string `env:"CHAT_LOG_LEVEL,default=info" validate:"oneof=debug info warn error"`
	OutboxSize      int    `env:"CHAT_OUTBOX_SIZE,default=64" validate:"min=1"`
	MaxMessageBytes int    `env:"CHAT_MAX_MESSAGE_BYTES,default=4096" validate:"min=16"`

	BotTag          string `env:"CHAT_BOT_TAG,default=#BOT" validate:"required"`
	CmdListCommands string `env:"CHAT_CMD_LIST_COMMANDS,default=#commands" validate:"required"`
	CmdListUsers    string `env:"CHAT_CMD_LIST_USERS,default=#users" validate:"required"`
	CmdQuit         string `env:"CHAT_CMD_QUIT,default=#quit" validate:"required"`
}

// Load reads an optional .env file, then the process environment.
func Load(files ...string) (Config, error) {
	// A missing .env is not an error.
	_ = godotenv.Load(files...)
	return FromEnviron()
}

func FromEnviron() (Config, error) {
	var cfg Config
	if _, err := env.UnmarshalFromEnviron(&cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) Validate() error {
	v := validator.New()
	if err := v.Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	tokens := []string{c.CmdListCommands, c.CmdListUsers, c.CmdQuit}
	if err := v.Var(tokens, "unique"); err != nil {
		return fmt.Errorf("config: command tokens must be distinct: %w", err)
	}
	return nil
}

// Commands builds the command catalog, keeping the default descriptions.
func (c Config) Commands() chat.Commands {
	cmds := chat.DefaultCommands()
	cmds.ListCommands.Token = c.CmdListCommands
	cmds.ListUsers.Token = c.CmdListUsers
	cmds.Quit.Token = c.CmdQuit
	cmds.BotTag = c.BotTag
	return cmds
}

func (c Config) ServerOptions() chat.ServerOptions {
	return chat.ServerOptions{
		Addr:        c.Addr,
		MetricsAddr: c.MetricsAddr,
		Commands:    c.Commands(),
		Session: chat.SessionOptions{
			OutboxSize:      c.OutboxSize,
			MaxMessageBytes: c.MaxMessageBytes,
		},
	}
}

func (c Config) SlogLevel() slog.Level {
	switch strings.ToLower(c.LogLevel) {
	case "debug":
		return slog.LevelDebug
	case "warn":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
