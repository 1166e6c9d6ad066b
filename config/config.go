// Package config loads the secrets and settings handed to the gateway
// process. Values come from an optional YAML file with environment variables
// layered on top, so a deploy can keep long-lived secrets in the file and
// still override per-invocation.
package config

import (
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"
)

// DefaultFileName is the secrets file searched for upward from the working
// directory when no explicit path is given.
const DefaultFileName = "moltgate.yaml"

// Secrets holds everything the gateway needs in its environment. Only
// GeminiAPIKey is required; the rest enable optional gateway features.
type Secrets struct {
	GeminiAPIKey     string `yaml:"gemini_api_key"`
	GatewayToken     string `yaml:"gateway_token"`
	DevMode          string `yaml:"dev_mode"`
	DiscordBotToken  string `yaml:"discord_bot_token"`
	TelegramBotToken string `yaml:"telegram_bot_token"`
	SlackBotToken    string `yaml:"slack_bot_token"`
	DMPolicy         string `yaml:"dm_policy"`
	GroupPolicy      string `yaml:"group_policy"`
}

// envVars maps each field to the environment variable that both overrides it
// at load time and carries it to the gateway process.
var envVars = []struct {
	name string
	get  func(*Secrets) string
	set  func(*Secrets, string)
}{
	{"GEMINI_API_KEY", func(s *Secrets) string { return s.GeminiAPIKey }, func(s *Secrets, v string) { s.GeminiAPIKey = v }},
	{"MOLT_GATEWAY_TOKEN", func(s *Secrets) string { return s.GatewayToken }, func(s *Secrets, v string) { s.GatewayToken = v }},
	{"MOLT_DEV_MODE", func(s *Secrets) string { return s.DevMode }, func(s *Secrets, v string) { s.DevMode = v }},
	{"DISCORD_BOT_TOKEN", func(s *Secrets) string { return s.DiscordBotToken }, func(s *Secrets, v string) { s.DiscordBotToken = v }},
	{"TELEGRAM_BOT_TOKEN", func(s *Secrets) string { return s.TelegramBotToken }, func(s *Secrets, v string) { s.TelegramBotToken = v }},
	{"SLACK_BOT_TOKEN", func(s *Secrets) string { return s.SlackBotToken }, func(s *Secrets, v string) { s.SlackBotToken = v }},
	{"MOLT_DM_POLICY", func(s *Secrets) string { return s.DMPolicy }, func(s *Secrets, v string) { s.DMPolicy = v }},
	{"MOLT_GROUP_POLICY", func(s *Secrets) string { return s.GroupPolicy }, func(s *Secrets, v string) { s.GroupPolicy = v }},
}

// Load reads secrets from the given YAML file path, then applies environment
// overrides. An empty path means: search upward from the working directory
// for DefaultFileName, and fall back to environment-only when no file exists.
// An explicit path that doesn't exist is an error.
func Load(path string) (*Secrets, error) {
	s := &Secrets{}

	explicit := path != ""
	if !explicit {
		wd, err := os.Getwd()
		if err != nil {
			return nil, fmt.Errorf("getting wd: %w", err)
		}
		path = FindUp(DefaultFileName, wd)
	}

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			if explicit || !os.IsNotExist(err) {
				return nil, fmt.Errorf("reading secrets file %q: %w", path, err)
			}
		} else if err := yaml.Unmarshal(b, s); err != nil {
			return nil, fmt.Errorf("parsing secrets file %q: %w", path, err)
		}
	}

	s.applyEnv()
	return s, nil
}

func (s *Secrets) applyEnv() {
	for _, v := range envVars {
		if val := os.Getenv(v.name); val != "" {
			v.set(s, val)
		}
	}
}

// GatewayEnv renders the secrets as KEY=VALUE pairs for the gateway's
// environment. Empty values are omitted so the gateway's own defaults apply.
func (s *Secrets) GatewayEnv() []string {
	var env []string
	for _, v := range envVars {
		if val := v.get(s); val != "" {
			env = append(env, v.name+"="+val)
		}
	}
	return env
}

// MissingCredential names the required credential that is absent, or returns
// "" when the configuration is launchable.
func (s *Secrets) MissingCredential() string {
	if s.GeminiAPIKey == "" {
		return "GEMINI_API_KEY"
	}
	return ""
}

// FindUp searches dir and its ancestors for a file with the given name and
// returns its full path, or "" when no ancestor has one.
func FindUp(name, dir string) string {
	curDir := dir
	for {
		candidate := filepath.Join(curDir, name)
		if _, err := os.Stat(candidate); err == nil {
			return candidate
		}
		newDir := filepath.Dir(curDir)
		if newDir == curDir {
			return ""
		}
		curDir = newDir
	}
}
