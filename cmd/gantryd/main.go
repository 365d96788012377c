package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/gantryproject/gantry/api/agent"
	"github.com/gantryproject/gantry/api/audit"
	"github.com/gantryproject/gantry/api/common"
	"github.com/gantryproject/gantry/api/creds"
	"github.com/gantryproject/gantry/api/datastore"
	_ "github.com/gantryproject/gantry/api/datastore/redis"
	"github.com/gantryproject/gantry/api/ledger"
	"github.com/gantryproject/gantry/api/limits"
	"github.com/gantryproject/gantry/api/orchestrator"
	"github.com/gantryproject/gantry/api/server"
)

const (
	envLogLevel   = "GANTRY_LOG_LEVEL"
	envLogFormat  = "GANTRY_LOG_FORMAT"
	envDBURL      = "GANTRY_DB_URL"
	envAuditDBURL = "GANTRY_AUDIT_DB_URL"

	envLimitsFile  = "GANTRY_LIMITS_FILE"
	envLimitsWatch = "GANTRY_LIMITS_WATCH"

	envNamespace   = "GANTRY_K8S_NAMESPACE"
	envAPIServer   = "GANTRY_K8S_API_SERVER"
	envRunnerImage = "GANTRY_RUNNER_IMAGE"
	envDindImage   = "GANTRY_DIND_IMAGE"
	envDindEnabled = "GANTRY_DIND_ENABLED"
	envCPURequest  = "GANTRY_RUNNER_CPU_REQUEST"
	envMemRequest  = "GANTRY_RUNNER_MEM_REQUEST"
	envCPULimit    = "GANTRY_RUNNER_CPU_LIMIT"
	envMemLimit    = "GANTRY_RUNNER_MEM_LIMIT"

	envGitHubToken = "GANTRY_GITHUB_TOKEN"
	envGitHubAPI   = "GANTRY_GITHUB_API"
	envRunnerGroup = "GANTRY_RUNNER_GROUP"
)

func main() {
	common.SetLogFormat(common.GetEnv(envLogFormat, "text"))
	common.SetLogLevel(common.GetEnv(envLogLevel, "info"))

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()
	log := common.Logger(ctx)

	ds, err := datastore.New(common.GetEnv(envDBURL, "mem://"))
	if err != nil {
		logrus.WithError(err).Fatal("opening datastore")
	}
	defer ds.Close()

	agentCfg, err := agent.ConfigFromEnv()
	if err != nil {
		logrus.WithError(err).Fatal("invalid agent configuration")
	}
	led := ledger.New(ds, agentCfg.MaxTotal)
	lim := limits.New(ds, agentCfg.DefaultOrgLimit)

	serverCfg := server.ConfigFromEnv()
	serverCfg.LimitsFile = common.GetEnv(envLimitsFile, "")
	if serverCfg.LimitsFile != "" {
		// Non-forced: file entries seed orgs that have no stored override,
		// runtime overrides from a previous life are kept.
		n, err := lim.Reload(ctx, serverCfg.LimitsFile, false)
		if err != nil {
			logrus.WithError(err).Fatal("loading org limits file")
		}
		log.WithField("entries", n).Info("org limits bootstrapped")

		if common.GetEnv(envLimitsWatch, "true") == "true" {
			if err := lim.Watch(ctx, serverCfg.LimitsFile); err != nil {
				log.WithError(err).Warn("limits file watch unavailable")
			}
		}
	}
	if serverCfg.WebhookSecret == "" {
		log.Warn("GANTRY_WEBHOOK_SECRET unset, webhook signatures are not verified")
	}
	if serverCfg.AdminKey == "" {
		log.Warn("GANTRY_ADMIN_KEY unset, admin endpoints are unauthenticated")
	}

	var aud *audit.Store
	if dbURL := common.GetEnv(envAuditDBURL, ""); dbURL != "" {
		aud, err = audit.New(dbURL)
		if err != nil {
			logrus.WithError(err).Fatal("opening audit db")
		}
		defer aud.Close()
	}

	orch, err := orchestrator.NewKubeClient(orchestrator.KubeConfig{
		APIServer:     common.GetEnv(envAPIServer, ""),
		Namespace:     common.GetEnv(envNamespace, "gantry-runners"),
		RunnerImage:   common.GetEnv(envRunnerImage, "ghcr.io/actions/actions-runner:latest"),
		DindImage:     common.GetEnv(envDindImage, "docker:dind"),
		DindEnabled:   common.GetEnv(envDindEnabled, "true") == "true",
		CPURequest:    common.GetEnv(envCPURequest, "500m"),
		MemoryRequest: common.GetEnv(envMemRequest, "1Gi"),
		CPULimit:      common.GetEnv(envCPULimit, "2"),
		MemoryLimit:   common.GetEnv(envMemLimit, "4Gi"),
	})
	if err != nil {
		logrus.WithError(err).Fatal("building orchestrator client")
	}

	issuer := creds.NewGitHub(creds.GitHubConfig{
		APIBase:     common.GetEnv(envGitHubAPI, ""),
		Token:       common.GetEnv(envGitHubToken, ""),
		RunnerGroup: common.GetEnv(envRunnerGroup, ""),
	})

	ag := agent.New(agentCfg, led, lim, ds, orch, issuer, aud)
	go ag.Run(ctx)

	srv := server.New(serverCfg, led, lim, ds, aud)
	if err := srv.Run(ctx); err != nil {
		logrus.WithError(err).Error("http server error")
	}

	// Let in-flight dispatches finish before the process exits.
	done := make(chan struct{})
	go func() { ag.Wait(); close(done) }()
	select {
	case <-done:
	case <-time.After(30 * time.Second):
		log.Warn("timed out waiting for in-flight dispatches")
	}
	log.Info("shutdown complete")
}
