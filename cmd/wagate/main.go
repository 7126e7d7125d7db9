package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/nexabot/wagate/config"
	"github.com/nexabot/wagate/internal/aiclient"
	"github.com/nexabot/wagate/internal/app"
	"github.com/nexabot/wagate/internal/botapi"
	"github.com/nexabot/wagate/internal/reply"
	"github.com/nexabot/wagate/internal/session"
	"github.com/nexabot/wagate/internal/template"
	"github.com/nexabot/wagate/internal/transport"
	"github.com/nexabot/wagate/internal/webserver"
)

var (
	version = "dev"

	cfile       = flag.String("c", "wagate.yml", "config file")
	showVersion = flag.Bool("v", false, "print version and exit")
	initDb      = flag.Bool("initdb", false, "drop and recreate all tables, then exit")
)

func main() {
	flag.Parse()
	if *showVersion {
		fmt.Printf("wagate %s\n", version)
		return
	}

	cfg := config.LoadConfig(*cfile)
	application := app.NewApplication(cfg)
	application.Init(cfg)
	defer application.Release()

	if *initDb {
		application.InitDb()
		zap.L().Info("database initialized")
		return
	}

	ctx := context.Background()

	dialer, err := transport.NewDialer(ctx, cfg.WhatsApp.StorePath, cfg.WhatsApp.DebugQR)
	if err != nil {
		zap.S().Fatalf("whatsapp store init failed: %v", err)
	}

	resolver := template.NewResolver(application.DB())
	completer := aiclient.NewGeminiClient(aiclient.Config{
		APIKey:  cfg.AI.ApiKey,
		BaseURL: cfg.AI.BaseURL,
		Model:   cfg.AI.Model,
	})
	engine := reply.NewEngine(resolver, reply.NewGormProfileSource(application.DB()), completer, cfg.AI.MaxReplyRunes)

	store := session.NewGormStore(application.DB())
	manager := session.NewManager(dialer, store, engine)
	application.BindSessions(manager)

	manager.ReconnectPersisted(ctx)

	server := webserver.New(cfg.Web.Host, cfg.Web.Port)
	botapi.NewHandler(manager, resolver).Register(server.Echo())
	botapi.NewAdminHandler(application.DB()).Register(server.Echo())

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Start()
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	select {
	case err := <-errCh:
		if err != nil {
			zap.S().Fatalf("web server failed: %v", err)
		}
	case sig := <-sigCh:
		zap.L().Info("shutting down", zap.String("signal", sig.String()))
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	_ = server.Stop(shutdownCtx)
	manager.Shutdown()
}
