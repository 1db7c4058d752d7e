// Package main runs one monitored exam session for a kiosk shell that speaks NDJSON over stdio.
package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/aura-exam/proctor/config"
	"github.com/aura-exam/proctor/internal/agent"
	"github.com/aura-exam/proctor/internal/auth"
	"github.com/aura-exam/proctor/internal/escalation"
	"github.com/aura-exam/proctor/internal/host"
	"github.com/aura-exam/proctor/internal/models"
	"github.com/aura-exam/proctor/internal/presence"
	"github.com/aura-exam/proctor/internal/transport"
	"github.com/aura-exam/proctor/internal/violationlog"
)

func main() {
	var (
		envPath = flag.String("env", "", "path to the environment report (JSON) from the kiosk shell")
		issue   = flag.Bool("issue", false, "print a signed token for -user/-role/-name and exit")
		user    = flag.String("user", "", "user id for -issue")
		role    = flag.String("role", models.RoleStudent, "role for -issue")
		name    = flag.String("name", "", "full name for -issue")
	)
	flag.Parse()

	logger := newLogger()
	defer logger.Sync()

	cfg, err := config.Load()
	if err != nil {
		logger.Fatal("load config", zap.Error(err))
	}

	if *issue {
		if *user == "" {
			logger.Fatal("-issue requires -user")
		}
		tok, err := auth.NewJWTService(cfg.JWT.Secret, cfg.JWT.ExpireHours).Generate(*user, *role, *name)
		if err != nil {
			logger.Fatal("issue token", zap.Error(err))
		}
		fmt.Println(tok)
		return
	}

	policy, err := config.LoadPolicy(cfg.Proctor.PolicyFile)
	if err != nil {
		logger.Fatal("load policy", zap.Error(err))
	}
	if cfg.Agent.Token == "" || cfg.Agent.ExamID == "" || cfg.Agent.SubjectID == "" {
		logger.Fatal("AGENT_TOKEN, AGENT_EXAM_ID and AGENT_SUBJECT_ID are required")
	}

	env := &host.Snapshot{}
	if *envPath != "" {
		data, err := os.ReadFile(*envPath)
		if err != nil {
			logger.Fatal("read environment", zap.Error(err))
		}
		if env, err = host.DecodeSnapshot(data); err != nil {
			logger.Fatal("environment", zap.Error(err))
		}
	}

	store, err := violationlog.Open(cfg.Agent.DBPath, policy.Log.MaxEntries)
	if err != nil {
		logger.Fatal("open violation log", zap.Error(err))
	}
	defer store.Close()

	bus := host.NewBus()
	sh := newShell(bus, env, os.Stdout, logger)
	env.Fullscreen = sh.requestFullscreen

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sess := agent.New(agent.Options{
		Endpoint: transport.Endpoint{
			BaseURL: cfg.Agent.WSURL,
			Token:   cfg.Agent.Token,
			ExamID:  cfg.Agent.ExamID,
			UserID:  cfg.Agent.SubjectID,
			Role:    cfg.Agent.Role,
		},
		SessionID: uuid.New().String(),
		FullName:  cfg.Agent.FullName,
		Policy:    *policy,
		Bus:       bus,
		Env:       env,
		Store:     store,
		Escalator: escalation.NewReporter(cfg.Agent.APIURL, cfg.Agent.Token, nil, logger.Named("escalation")),
		Logger:    logger,
		Callbacks: agent.Callbacks{
			OnTally: func(t models.Tally) {
				sh.emit("tally", map[string]interface{}{"tally": t})
			},
			OnWarning: func(reason string, count int) {
				sh.emit("warning", map[string]interface{}{"reason": reason, "count": count})
			},
			OnTerminate: func(reason string) {
				sh.emit("terminated", map[string]interface{}{"reason": reason})
				cancel()
			},
			OnReady: func() { sh.emit("ready", nil) },
			OnPresence: func(p presence.Snapshot) {
				sh.emit("presence", map[string]interface{}{"presence": p})
			},
			OnConnection: func(s transport.State) {
				sh.emit("connection", map[string]interface{}{"state": s})
			},
			OnAuthError: func() {
				sh.emit("auth_error", nil)
				cancel()
			},
		},
	})
	defer sess.Stop()

	res := sess.Preflight(ctx)
	sh.emit("preflight", map[string]interface{}{"passed": res.Passed, "reason": res.Reason, "fingerprint": res.Fingerprint.Hash})
	if !res.Passed {
		logger.Warn("preflight failed", zap.String("reason", res.Reason))
		os.Exit(2)
	}
	if err := sess.Begin(ctx); err != nil {
		logger.Fatal("begin session", zap.Error(err))
	}

	go func() {
		if err := sh.run(ctx, os.Stdin); err != nil {
			logger.Warn("shell input", zap.Error(err))
		}
		cancel()
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	select {
	case <-quit:
	case <-ctx.Done():
	}
	logger.Info("agent stopping", zap.Any("tally", sess.Tally()))
}

func newLogger() *zap.Logger {
	config := zap.NewProductionConfig()
	config.EncoderConfig.TimeKey = "timestamp"
	config.EncoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	// stdout carries the shell protocol
	config.OutputPaths = []string{"stderr"}
	logger, _ := config.Build()
	return logger
}
