// Package config loads process configuration from the environment: one
// envconfig-tagged struct with defaults, Enabled()-style predicate helpers
// for the optional integrations, and a comma-separated-list parser for
// multi-org GitHub App installations.
package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// OrgInstallation pairs an org name with its GitHub App installation ID.
type OrgInstallation struct {
	Owner          string
	InstallationID int64
}

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// General
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	HTTPPort    int    `envconfig:"HTTP_PORT" default:"8080"`
	DataDir     string `envconfig:"DATA_DIR" default:"./data"`
	AgentDBPath string `envconfig:"AGENT_DB_PATH" default:"./data/agent.db"`

	// Slack (optional — process starts without Slack in API-only mode)
	SlackBotToken        string `envconfig:"SLACK_BOT_TOKEN"`
	SlackAppToken        string `envconfig:"SLACK_APP_TOKEN"` // xapp- token for Socket Mode
	SlackSigningSecret   string `envconfig:"SLACK_SIGNING_SECRET"`
	SlackAllowedChannels string `envconfig:"SLACK_ALLOWED_CHANNELS"` // comma-separated channel IDs the bot can write to (fail-closed if empty)

	// LLM SDK
	LLMBin               string `envconfig:"LLM_BIN" default:"claude"` // CLI binary the llmsdk adapter execs per turn
	LLMDefaultModel      string `envconfig:"LLM_DEFAULT_MODEL" default:"claude-sonnet-4"`
	ClassifierModel      string `envconfig:"CLASSIFIER_MODEL" default:"claude-haiku-4"`
	ClassifierPromptFile string `envconfig:"CLASSIFIER_PROMPT_FILE" default:".system.prompt.dispatch"`
	SystemPromptFile     string `envconfig:"SYSTEM_PROMPT_FILE" default:".system.prompt"`
	DefaultWorkingDir    string `envconfig:"DEFAULT_WORKING_DIR" default:"."`

	// Persona
	PersonaDir string `envconfig:"PERSONA_DIR" default:"./personas"`

	// Conversation Recorder
	ConversationDir   string `envconfig:"CONVERSATION_DIR" default:"./data/conversations"`
	ConversationCache int    `envconfig:"CONVERSATION_CACHE_SIZE" default:"100"`

	// MCP tool-server config (`mcp`/`mcp reload`)
	MCPConfigPath string `envconfig:"MCP_CONFIG_PATH" default:"./mcp-servers.json"`

	// GitHub App (optional — used by the pr-review/pr-fix-and-update/
	// pr-docs-confluence workflows and the link-status refresher)
	GitHubAppID          int64  `envconfig:"GITHUB_APP_ID"`
	GitHubInstallationID int64  `envconfig:"GITHUB_INSTALLATION_ID"`
	GitHubPrivateKeyPath string `envconfig:"GITHUB_PRIVATE_KEY_PATH"`
	GitHubWebhookSecret  string `envconfig:"GITHUB_WEBHOOK_SECRET"`

	// Multi-org: comma-separated "owner:installationID" pairs. If set,
	// overrides GitHubInstallationID; if not, falls back to single-org mode.
	GitHubOrgs string `envconfig:"GITHUB_ORGS"`

	// Jira (optional — used by the jira-* workflows and the link-status refresher)
	JiraBaseURL      string `envconfig:"JIRA_BASE_URL"`
	JiraClientID     string `envconfig:"JIRA_CLIENT_ID"`
	JiraClientSecret string `envconfig:"JIRA_CLIENT_SECRET"`
	JiraAPIEmail     string `envconfig:"JIRA_API_EMAIL"` // Basic auth (dev)
	JiraAPIToken     string `envconfig:"JIRA_API_TOKEN"` // Basic auth (dev)
	JiraCloudID      string `envconfig:"JIRA_CLOUD_ID"`

	// Kubernetes (optional — used by the `deploy` workflow's read-only status lookups)
	K8sKubeconfig string `envconfig:"K8S_KUBECONFIG"` // empty = in-cluster config
	K8sNamespace  string `envconfig:"K8S_NAMESPACE" default:"default"`

	// Scheduler thresholds
	SchedulerCheckInterval        time.Duration `envconfig:"SCHEDULER_CHECK_INTERVAL" default:"15m"`
	SchedulerIdleWarnAfter        time.Duration `envconfig:"SCHEDULER_IDLE_WARN_AFTER" default:"12h"`
	SchedulerFinalWarnBefore      time.Duration `envconfig:"SCHEDULER_FINAL_WARN_BEFORE" default:"1h"`
	SchedulerSleepAfter           time.Duration `envconfig:"SCHEDULER_SLEEP_AFTER" default:"24h"`
	SchedulerDeleteAfterSleep     time.Duration `envconfig:"SCHEDULER_DELETE_AFTER_SLEEP" default:"168h"` // 7 days
	SchedulerShutdownBroadcastCap time.Duration `envconfig:"SCHEDULER_SHUTDOWN_BROADCAST_CAP" default:"5s"`

	// Admin HTTP surface (session listing/detail, readiness)
	AdminListenAddr string `envconfig:"ADMIN_LISTEN_ADDR" default:":8090"`
	AdminAPIKey     string `envconfig:"ADMIN_API_KEY"`
}

// SlackEnabled returns true if Slack tokens are configured.
func (c *Config) SlackEnabled() bool {
	return c.SlackBotToken != "" && c.SlackAppToken != ""
}

// SlackAllowedChannelList returns the parsed list of allowed Slack channel IDs.
// Returns nil if not configured (fail-closed — no channels allowed).
func (c *Config) SlackAllowedChannelList() []string {
	if c.SlackAllowedChannels == "" {
		return nil
	}
	parts := strings.Split(c.SlackAllowedChannels, ",")
	channels := make([]string, 0, len(parts))
	for _, ch := range parts {
		ch = strings.TrimSpace(ch)
		if ch != "" {
			channels = append(channels, ch)
		}
	}
	return channels
}

// GitHubEnabled returns true if GitHub App credentials are configured.
func (c *Config) GitHubEnabled() bool {
	return c.GitHubAppID > 0 && c.GitHubPrivateKeyPath != ""
}

// ParseGitHubOrgs parses GITHUB_ORGS into an OrgInstallation list, falling
// back to single-org mode (GitHubInstallationID) if unset.
// Format: "owner1:installationID1,owner2:installationID2"
func (c *Config) ParseGitHubOrgs() ([]OrgInstallation, error) {
	if c.GitHubOrgs != "" {
		return parseOrgInstallations(c.GitHubOrgs)
	}
	if c.GitHubInstallationID > 0 {
		return []OrgInstallation{{Owner: "default", InstallationID: c.GitHubInstallationID}}, nil
	}
	return nil, fmt.Errorf("no GitHub installations configured")
}

func parseOrgInstallations(raw string) ([]OrgInstallation, error) {
	parts := strings.Split(raw, ",")
	orgs := make([]OrgInstallation, 0, len(parts))
	for _, part := range parts {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		tokens := strings.SplitN(part, ":", 2)
		if len(tokens) != 2 {
			return nil, fmt.Errorf("invalid org format %q, expected owner:installationID", part)
		}
		owner := strings.TrimSpace(tokens[0])
		id, err := strconv.ParseInt(strings.TrimSpace(tokens[1]), 10, 64)
		if err != nil {
			return nil, fmt.Errorf("invalid installation ID for %q: %w", owner, err)
		}
		orgs = append(orgs, OrgInstallation{Owner: owner, InstallationID: id})
	}
	if len(orgs) == 0 {
		return nil, fmt.Errorf("GITHUB_ORGS is set but contains no valid entries")
	}
	return orgs, nil
}

// JiraEnabled returns true if a Jira base URL is configured.
func (c *Config) JiraEnabled() bool {
	return c.JiraBaseURL != ""
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return &cfg, nil
}
