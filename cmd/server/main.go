package main

import (
	"context"
	"flag"
	"net/http"
	"os"
	"os/signal"
	"path"
	"strings"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	log "github.com/sirupsen/logrus"

	"github.com/studioproxy/StudioProxyAPI/internal/api"
	"github.com/studioproxy/StudioProxyAPI/internal/authstore"
	"github.com/studioproxy/StudioProxyAPI/internal/browser"
	"github.com/studioproxy/StudioProxyAPI/internal/config"
	"github.com/studioproxy/StudioProxyAPI/internal/logging"
	"github.com/studioproxy/StudioProxyAPI/internal/pipeline"
	modelregistry "github.com/studioproxy/StudioProxyAPI/internal/registry"
	"github.com/studioproxy/StudioProxyAPI/internal/switcher"
	"github.com/studioproxy/StudioProxyAPI/internal/usage"
	"github.com/studioproxy/StudioProxyAPI/internal/util"
	"github.com/studioproxy/StudioProxyAPI/internal/wsbridge"
)

const upstreamProbeURL = "https://aistudio.google.com"

func init() {
	logging.SetupBaseLogger()
}

func main() {
	var configPath string
	var envPath string
	flag.StringVar(&configPath, "config", "config.yaml", "configuration file path")
	flag.StringVar(&envPath, "env", ".env", "environment file path")
	flag.Parse()

	if err := godotenv.Load(envPath); err != nil && !os.IsNotExist(err) {
		log.Warnf("failed to load env file %s: %v", envPath, err)
	}

	cfg, err := config.LoadConfig(configPath)
	if err != nil {
		log.Fatalf("failed to load config: %v", err)
	}
	util.SetLogLevel(cfg)
	if err = logging.ConfigureLogOutput(cfg.LogToFile); err != nil {
		log.Warnf("failed to configure log output: %v", err)
	}

	cfg.AuthDir = expandHome(cfg.AuthDir)

	store, err := authstore.NewStore(cfg.AuthDir)
	if err != nil {
		log.Fatalf("failed to open auth store: %v", err)
	}
	identities, err := store.List()
	if err != nil {
		log.Fatalf("failed to list identities: %v", err)
	}
	log.Infof("loaded %d identities from %s", len(identities), cfg.AuthDir)

	registry := wsbridge.NewRegistry(func() {
		log.Warn("agent connection lost and grace window expired")
	})
	agentServer := wsbridge.NewAgentServer(registry)
	go func() {
		if errStart := agentServer.Start(); errStart != nil {
			log.Fatalf("%v", errStart)
		}
	}()

	stats, err := usage.Open(cfg.UsageFile)
	if err != nil {
		log.Warnf("usage statistics disabled: %v", err)
		stats = nil
	}

	manager := browser.NewManager(cfg, store, registry)
	sw := switcher.New(cfg, registry, manager, stats, identities)
	pipe := pipeline.New(cfg, registry, sw, manager)

	models, err := modelregistry.Load(cfg.ModelsFile)
	if err != nil {
		log.Fatalf("failed to load models file: %v", err)
	}

	stop := make(chan struct{})
	go func() {
		if errWatch := models.Watch(stop); errWatch != nil {
			log.Warnf("models watcher stopped: %v", errWatch)
		}
	}()
	go func() {
		errWatch := store.Watch(func() {
			reloaded, errList := store.List()
			if errList != nil {
				log.Warnf("identity reload failed: %v", errList)
				return
			}
			sw.Reload(reloaded)
			log.Infof("identity pool reloaded: %d identities", len(reloaded))
		}, stop)
		if errWatch != nil {
			log.Warnf("auth watcher stopped: %v", errWatch)
		}
	}()

	go probeUpstream(cfg)

	server := api.NewServer(cfg, pipe, sw, models, stats)
	go func() {
		if errStart := server.Start(); errStart != nil {
			log.Fatalf("%v", errStart)
		}
	}()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan
	log.Info("shutdown signal received, cleaning up")
	close(stop)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err = server.Stop(ctx); err != nil {
		log.Warnf("API server shutdown: %v", err)
	}
	manager.Shutdown()
	if err = agentServer.Stop(ctx); err != nil {
		log.Warnf("agent endpoint shutdown: %v", err)
	}
	if stats != nil {
		if err = stats.Close(); err != nil {
			log.Warnf("usage store close: %v", err)
		}
	}
}

// probeUpstream checks that the upstream host is reachable through the
// configured proxy, so misconfigured networking shows up in the log before
// the first activation fails.
func probeUpstream(cfg *config.Config) {
	client := util.SetProxy(cfg, &http.Client{Timeout: 15 * time.Second})
	resp, err := client.Head(upstreamProbeURL)
	if err != nil {
		log.Warnf("upstream probe failed (%s): %v", upstreamProbeURL, err)
		return
	}
	_ = resp.Body.Close()
	log.Debugf("upstream probe %s: %s", upstreamProbeURL, resp.Status)
}

// expandHome resolves a leading ~ in the auth directory path.
func expandHome(dir string) string {
	if !strings.HasPrefix(dir, "~") {
		return dir
	}
	home, err := os.UserHomeDir()
	if err != nil {
		log.Fatalf("failed to get home directory: %v", err)
	}
	rest := strings.TrimPrefix(dir, "~")
	return path.Join(home, strings.TrimPrefix(rest, string(os.PathSeparator)))
}
