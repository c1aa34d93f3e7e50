package main

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	gogithub "github.com/google/go-github/v60/github"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/p-blackswan/sessionagent/internal/adminapi"
	"github.com/p-blackswan/sessionagent/internal/bridge"
	"github.com/p-blackswan/sessionagent/internal/command"
	"github.com/p-blackswan/sessionagent/internal/config"
	"github.com/p-blackswan/sessionagent/internal/coordinator"
	"github.com/p-blackswan/sessionagent/internal/deploytool"
	"github.com/p-blackswan/sessionagent/internal/dispatch"
	"github.com/p-blackswan/sessionagent/internal/form"
	ghclient "github.com/p-blackswan/sessionagent/internal/github"
	"github.com/p-blackswan/sessionagent/internal/health"
	jiraclient "github.com/p-blackswan/sessionagent/internal/jira"
	"github.com/p-blackswan/sessionagent/internal/k8s"
	"github.com/p-blackswan/sessionagent/internal/links"
	"github.com/p-blackswan/sessionagent/internal/links/ghstatus"
	"github.com/p-blackswan/sessionagent/internal/links/jirastatus"
	"github.com/p-blackswan/sessionagent/internal/llmsdk"
	"github.com/p-blackswan/sessionagent/internal/mcpserver"
	"github.com/p-blackswan/sessionagent/internal/metrics"
	"github.com/p-blackswan/sessionagent/internal/panel"
	"github.com/p-blackswan/sessionagent/internal/persona"
	"github.com/p-blackswan/sessionagent/internal/reaction"
	"github.com/p-blackswan/sessionagent/internal/recorder"
	"github.com/p-blackswan/sessionagent/internal/renew"
	"github.com/p-blackswan/sessionagent/internal/scheduler"
	"github.com/p-blackswan/sessionagent/internal/session"
	slackpkg "github.com/p-blackswan/sessionagent/internal/slack"
	datastore "github.com/p-blackswan/sessionagent/internal/store"
	"github.com/p-blackswan/sessionagent/internal/toolmap"
	"github.com/p-blackswan/sessionagent/pkg/tokenstore"
)

func main() {
	// `sessionagent mcp` runs the MCP stdio tool server the LLM CLI spawns
	// per turn (registered via mcp-servers.json). It proxies tool calls back
	// to the agent's loopback command endpoint; logs go to stderr because
	// stdout is the JSON-RPC channel.
	if len(os.Args) > 1 && os.Args[1] == "mcp" {
		runMCPStdio()
		return
	}

	// Setup structured logging
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	logger := zerolog.New(os.Stdout).With().Timestamp().Caller().Logger()

	if os.Getenv("ENVIRONMENT") == "development" {
		logger = logger.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}

	log.Logger = logger

	// Load config
	cfg, err := config.Load()
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to load config")
	}

	if level, lerr := zerolog.ParseLevel(cfg.LogLevel); lerr == nil {
		zerolog.SetGlobalLevel(level)
	}

	logger.Info().
		Str("environment", cfg.Environment).
		Int("http_port", cfg.HTTPPort).
		Str("admin_addr", cfg.AdminListenAddr).
		Bool("slack_enabled", cfg.SlackEnabled()).
		Msg("starting session agent")

	// Context with graceful shutdown
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	m := metrics.New()
	checker := health.NewChecker(logger)

	// SQLite store: thread→session index, link-status cache, audit rows,
	// cleanup state
	dataStore, err := datastore.New(cfg.AgentDBPath, logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to init SQLite store")
	}
	defer dataStore.Close()

	checker.Register("sqlite", func(ctx context.Context) health.Status {
		if _, derr := dataStore.DBSizeBytes(); derr != nil {
			return health.StatusDown
		}
		return health.StatusOK
	})

	// Retention sweep for old audit/cleanup rows
	go func() {
		ticker := time.NewTicker(1 * time.Hour)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if rerr := dataStore.RunRetention(ctx); rerr != nil {
					logger.Warn().Err(rerr).Msg("retention cleanup error")
				}
			}
		}
	}()

	// Session store, rehydrated from persisted thread bindings so a restart
	// doesn't orphan live threads
	sessions := session.NewStore()
	if threads, terr := dataStore.ListActiveThreadSessions(); terr == nil {
		for _, ts := range threads {
			sessions.Rehydrate(ts.Channel, ts.ThreadTS, ts.LLMSessionID, time.UnixMilli(ts.LastMessageAt))
		}
		logger.Info().Int("threads", len(threads)).Msg("rehydrated thread sessions")
	} else {
		logger.Warn().Err(terr).Msg("thread rehydration failed")
	}
	m.ActiveSessions.Set(float64(len(sessions.GetAll())))

	// GitHub multi-org client (optional)
	tokens := tokenstore.NewMemoryStore()
	var ghMulti *ghclient.MultiClient
	if cfg.GitHubEnabled() {
		orgs, orgErr := cfg.ParseGitHubOrgs()
		if orgErr != nil {
			logger.Warn().Err(orgErr).Msg("failed to parse GitHub orgs (non-fatal)")
		} else {
			ghOrgs := make([]ghclient.OrgInstallation, len(orgs))
			for i, o := range orgs {
				ghOrgs[i] = ghclient.OrgInstallation{Owner: o.Owner, InstallationID: o.InstallationID}
			}
			var ghErr error
			ghMulti, ghErr = ghclient.NewMultiClient(cfg.GitHubAppID, cfg.GitHubPrivateKeyPath, ghOrgs, tokens, logger)
			if ghErr != nil {
				logger.Warn().Err(ghErr).Msg("failed to init GitHub multi-client (non-fatal)")
			} else {
				logger.Info().Strs("orgs", ghMulti.Owners()).Msg("GitHub App multi-org client initialized")
			}
		}
	} else {
		logger.Info().Msg("GitHub not configured — skipping")
	}

	// Jira client (optional)
	var jiraClient *jiraclient.Client
	if cfg.JiraEnabled() {
		var auth jiraclient.Authenticator
		if cfg.JiraAPIEmail != "" && cfg.JiraAPIToken != "" {
			auth = &jiraclient.BasicAuth{Email: cfg.JiraAPIEmail, APIToken: cfg.JiraAPIToken}
		} else if cfg.JiraClientID != "" {
			auth = jiraclient.NewOAuthAuth("", nil)
		}
		if auth != nil {
			jiraClient = jiraclient.NewClient(cfg.JiraBaseURL, auth, logger)
			logger.Info().Msg("Jira client initialized")
		}
	} else {
		logger.Info().Msg("Jira not configured — skipping")
	}

	// Kubernetes client (optional, read-only deploy-status lookups)
	var deployTool *deploytool.Tool
	if k8sClient, kerr := k8s.NewClient(k8s.Config{
		KubeconfigPath:    cfg.K8sKubeconfig,
		AllowedNamespaces: []string{cfg.K8sNamespace},
	}, logger); kerr != nil {
		logger.Info().Err(kerr).Msg("Kubernetes not configured — deploy status disabled")
		deployTool = deploytool.New(nil, cfg.K8sNamespace, logger)
	} else {
		deployTool = deploytool.New(k8sClient, cfg.K8sNamespace, logger)
	}

	// Persona/model preferences
	personas, perr := persona.Load(cfg.PersonaDir, cfg.LLMDefaultModel)
	if perr != nil {
		logger.Warn().Err(perr).Msg("persona load failed — running without personas")
		personas = nil
	}

	// Conversation recorder
	rec := recorder.New(cfg.ConversationDir, cfg.ConversationCache, logger)

	// LLM adapter: streaming turns plus the cheap classification call
	llm := llmsdk.NewCLIAdapter(llmsdk.CLIConfig{
		Bin:          cfg.LLMBin,
		DefaultModel: cfg.LLMDefaultModel,
	}, logger)

	dispatcher := dispatch.NewService(llm.Classify, cfg.ClassifierModel, m.DispatchFallbacksTotal)

	// Core pipeline collaborators
	coord := coordinator.New()
	forms := form.New()
	tracker := toolmap.NewTracker()
	renewer := renew.New(sessions, coord, dataStore)
	commands := command.New(sessions, coord, renewer, personas, cfg.MCPConfigPath)

	systemPrompt := ""
	if data, rerr := os.ReadFile(cfg.SystemPromptFile); rerr == nil {
		systemPrompt = string(data)
	} else {
		logger.Warn().Str("path", cfg.SystemPromptFile).Msg("system prompt file missing — using empty prompt")
	}

	// Link status refreshers (checkers degrade to no-ops when their backend
	// is not configured)
	linkSvc := links.New(sessions, dataStore, 30*time.Minute, logger,
		ghstatus.New(ghMulti, logger),
		jirastatus.New(jiraClient, logger),
	)
	go linkSvc.Run(ctx)

	// HTTP server for webhooks, health, and metrics
	mux := http.NewServeMux()
	mux.HandleFunc("/health", health.LivenessHandler())
	mux.HandleFunc("/ready", checker.ReadinessHandler())
	mux.Handle("/metrics", m.Handler())

	ghWebhook := ghclient.NewWebhookHandler(cfg.GitHubWebhookSecret, logger)
	mux.Handle("/webhook/github", ghWebhook)
	jiraWebhook := jiraclient.NewWebhookHandler(logger)
	mux.Handle("/webhook/jira", jiraWebhook)

	// Loopback model-command endpoint the MCP stdio server calls into. The
	// executor binds once the pipeline exists.
	commandHandler := mcpserver.NewHTTPHandler(logger)
	mux.Handle("/v1/model-command", commandHandler)
	if err := ensureMCPConfig(cfg.MCPConfigPath, logger); err != nil {
		logger.Warn().Err(err).Str("path", cfg.MCPConfigPath).Msg("could not write mcp-servers.json")
	}

	// Webhooks trigger an immediate link-status refresh instead of waiting
	// for the periodic sweep
	refreshAll := func(rctx context.Context) {
		for _, sess := range sessions.GetAll() {
			linkSvc.RefreshSession(rctx, sess)
		}
	}
	jiraWebhook.OnIssueUpdated(func(wctx context.Context, _ *jiraclient.WebhookEvent) {
		refreshAll(wctx)
	})

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTPPort),
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		logger.Info().Int("port", cfg.HTTPPort).Msg("HTTP server starting")
		if serr := server.ListenAndServe(); serr != nil && serr != http.ErrServerClosed {
			logger.Fatal().Err(serr).Msg("HTTP server error")
		}
	}()

	// Slack Socket Mode — the primary transport. Without tokens the process
	// still serves the admin/webhook surfaces.
	var pipeline *bridge.Bridge
	var cleaner *scheduler.Cleaner
	if cfg.SlackEnabled() {
		slackMiddleware := slackpkg.NewMiddleware(logger, 10, time.Minute)
		slackHandler := slackpkg.NewHandler(logger, slackMiddleware)
		slackApp, slackErr := slackpkg.NewApp(cfg.SlackBotToken, cfg.SlackAppToken, cfg.SlackAllowedChannelList(), logger, slackHandler)
		if slackErr != nil {
			logger.Fatal().Err(slackErr).Msg("failed to init Slack app")
		}

		botUserID := ""
		if authResp, authErr := slackApp.AuthTest(); authErr == nil {
			botUserID = authResp.UserID
			logger.Info().Str("bot_user_id", botUserID).Msg("Slack bot identity resolved")
		}

		poster := bridge.NewSlackPoster(slackApp.API())
		reactions := reaction.New(poster)
		panels := panel.New(poster, sessions)

		pipeline = bridge.New(bridge.Config{
			BotUserID:         botUserID,
			DefaultModel:      cfg.LLMDefaultModel,
			DefaultWorkingDir: cfg.DefaultWorkingDir,
			SystemPrompt:      systemPrompt,
			MCPConfigPath:     cfg.MCPConfigPath,
			CommandURL:        fmt.Sprintf("http://127.0.0.1:%d/v1/model-command", cfg.HTTPPort),
			MaxConcurrent:     5,
		}, bridge.Deps{
			Sessions:  sessions,
			Coord:     coord,
			Commands:  commands,
			Dispatch:  dispatcher,
			Forms:     forms,
			Renew:     renewer,
			Recorder:  rec,
			Reactions: reactions,
			Panel:     panels,
			Tracker:   tracker,
			LLM:       llm,
			Links:     linkSvc,
			Personas:  personas,
			Metrics:   m,
			History:   bridge.NewSlackThreadProvider(slackApp.API(), botUserID),

			Summarize:      llm.Classify,
			SummarizeModel: cfg.ClassifierModel,
		}, poster, logger)

		// GitHub PR webhooks refresh the sessions that hold a matching link
		ghWebhook.OnPullRequest(func(wctx context.Context, _ *gogithub.PullRequestEvent) {
			refreshAll(wctx)
		})

		// Thread persistence for restart recovery
		pipeline.SetThreadLookup(func(channel, threadTS string) bool {
			ts, lerr := dataStore.GetThreadSession(channel, threadTS)
			return lerr == nil && ts != nil
		})
		pipeline.SetThreadSaver(func(channel, threadTS, sessionKey string) {
			now := time.Now().UnixMilli()
			_ = dataStore.SaveThreadSession(&datastore.ThreadSession{
				Channel:       channel,
				ThreadTS:      threadTS,
				SessionKey:    sessionKey,
				CreatedAt:     now,
				LastMessageAt: now,
			})
		})
		pipeline.SetThreadDeleter(func(channel, threadTS string) {
			_ = dataStore.DeleteThreadSession(channel, threadTS)
		})
		pipeline.SetThreadLLMSessionSaver(func(channel, threadTS, llmSessionID string) {
			_ = dataStore.SetThreadLLMSession(channel, threadTS, llmSessionID)
		})

		// Scheduler: idle warning -> sleep -> delete sweep
		schedCfg := scheduler.SchedulerConfig{
			IdleWarnAfter:    cfg.SchedulerIdleWarnAfter,
			FinalWarnBefore:  cfg.SchedulerFinalWarnBefore,
			SleepAfter:       cfg.SchedulerSleepAfter,
			DeleteAfterSleep: cfg.SchedulerDeleteAfterSleep,
			CheckInterval:    cfg.SchedulerCheckInterval,
		}
		cleanupStore := scheduler.NewCleanupStore(dataStore.DB())
		sessionDB := scheduler.NewStoreSessionDB(dataStore.DB())
		cleaner = scheduler.NewCleaner(schedCfg, cleanupStore, sessionDB, sessions, poster, logger)

		wg.Add(1)
		go func() {
			defer wg.Done()
			ticker := time.NewTicker(schedCfg.CheckInterval)
			defer ticker.Stop()
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					if serr := cleaner.WarnStaleSessions(ctx); serr != nil {
						logger.Warn().Err(serr).Msg("scheduler warn sweep failed")
					}
					if serr := cleaner.ProcessExpiredWarnings(ctx); serr != nil {
						logger.Warn().Err(serr).Msg("scheduler sleep sweep failed")
					}
					if serr := cleaner.ProcessExpiredSleep(ctx); serr != nil {
						logger.Warn().Err(serr).Msg("scheduler delete sweep failed")
					}
				}
			}
		}()

		slackHandler.SetForwarder(pipeline)
		slackHandler.SetFormHandler(pipeline)
		slackHandler.SetPanelHandler(pipeline)
		slackHandler.SetCleanupHandler(cleaner)
		commands.SetTerminator(pipeline.TerminateSession)
		commandHandler.SetExecutor(mcpserver.ExecutorFunc(pipeline.ExecuteModelCommand))

		wg.Add(1)
		go func() {
			defer wg.Done()
			if serr := slackApp.Run(ctx); serr != nil {
				logger.Error().Err(serr).Msg("Slack Socket Mode error")
			}
		}()
		logger.Info().Msg("Slack Socket Mode enabled")
	} else {
		logger.Info().Msg("Slack not configured — running in API-only mode")
	}

	// Admin API: session listing/detail/terminate + deploy status
	var terminator adminapi.Terminator
	if pipeline != nil {
		terminator = pipeline
	}
	adminSrv := adminapi.New(adminapi.ServerConfig{
		ListenAddr: cfg.AdminListenAddr,
		APIKey:     cfg.AdminAPIKey,
	}, sessions, terminator, checker, logger)
	adminSrv.SetDeployTool(deployTool)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if serr := adminSrv.Start(); serr != nil {
			logger.Error().Err(serr).Msg("admin API server error")
		}
	}()

	// Wait for shutdown signal
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("shutting down gracefully")

	// Drain order: stop accepting new dispatches, cancel in-flight streams,
	// broadcast the shutdown notice (5s cap), then close servers and store.
	cancel()

	if pipeline != nil {
		cancelCtx, cancelAll := context.WithTimeout(context.Background(), 5*time.Second)
		for _, sess := range sessions.GetAll() {
			pipeline.CancelSession(cancelCtx, sess.Key)
		}
		cancelAll()
	}

	if cleaner != nil && pipeline != nil {
		bcastCtx, bcastCancel := context.WithTimeout(context.Background(), cfg.SchedulerShutdownBroadcastCap)
		var refs []scheduler.ThreadRef
		for _, t := range pipeline.ActiveThreads() {
			refs = append(refs, scheduler.ThreadRef{Channel: t.Channel, ThreadTS: t.ThreadTS})
		}
		cleaner.BroadcastShutdown(bcastCtx, refs)
		bcastCancel()
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if serr := server.Shutdown(shutdownCtx); serr != nil {
		logger.Error().Err(serr).Msg("HTTP server shutdown error")
	}
	if serr := adminSrv.Shutdown(); serr != nil {
		logger.Error().Err(serr).Msg("admin API server shutdown error")
	}

	done := make(chan struct{})
	go func() {
		wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		logger.Info().Msg("all goroutines stopped")
	case <-time.After(15 * time.Second):
		logger.Warn().Msg("forced shutdown after timeout")
	}

	logger.Info().Msg("session agent stopped")
}

// runMCPStdio serves MCP over stdin/stdout, forwarding tool calls to the
// agent process named by the environment.
func runMCPStdio() {
	logger := zerolog.New(os.Stderr).With().Timestamp().Logger()

	commandURL := os.Getenv(mcpserver.EnvCommandURL)
	sessionKey := os.Getenv(mcpserver.EnvSessionKey)
	if commandURL == "" || sessionKey == "" {
		logger.Fatal().
			Str("url_env", mcpserver.EnvCommandURL).
			Str("key_env", mcpserver.EnvSessionKey).
			Msg("mcp mode requires the agent-provided environment")
	}

	client := mcpserver.NewClient(commandURL, sessionKey)
	server := mcpserver.NewStdioServer(client, logger)
	if err := server.Serve(context.Background(), os.Stdin, os.Stdout); err != nil {
		logger.Error().Err(err).Msg("mcp stdio server error")
	}
}

// ensureMCPConfig writes mcp-servers.json pointing the LLM CLI at this
// binary's mcp mode, unless the operator already supplied one.
func ensureMCPConfig(path string, logger zerolog.Logger) error {
	if path == "" {
		return nil
	}
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	exe, err := os.Executable()
	if err != nil {
		return fmt.Errorf("resolving executable: %w", err)
	}
	data, err := mcpserver.ConfigJSON(exe)
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return err
	}
	logger.Info().Str("path", path).Msg("wrote mcp-servers.json for the session tool server")
	return nil
}
