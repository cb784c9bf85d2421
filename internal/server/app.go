// Package server wires the federation engine together: repositories,
// resolver, envelope codec, dispatcher, relay, transmitter, the HTTP
// receive surface and the redelivery worker, and runs them until
// shutdown.
package server

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/dsievert/federation/internal/federation/dispatch"
	"github.com/dsievert/federation/internal/federation/envelope"
	"github.com/dsievert/federation/internal/federation/message"
	"github.com/dsievert/federation/internal/federation/relay"
	"github.com/dsievert/federation/internal/federation/resolver"
	"github.com/dsievert/federation/internal/federation/transmit"
	"github.com/dsievert/federation/internal/httpx"
	"github.com/dsievert/federation/internal/logging"
	"github.com/dsievert/federation/internal/server/config"
	"github.com/dsievert/federation/internal/server/devstore"
	"github.com/dsievert/federation/internal/server/repositories/repomanager"
	"github.com/dsievert/federation/internal/server/web"
)

type App struct {
	config   *config.Config
	logger   logging.Logger
	repos    repomanager.RepositoryManager
	accounts *devstore.Accounts
	sender   *transmit.Sender
	web      *web.Server
}

func NewApp(cfg *config.Config, logger logging.Logger) (*App, error) {
	repos, err := repomanager.NewPostgresRepositoryManager(cfg.DatabaseDSN)
	if err != nil {
		return nil, fmt.Errorf("db init error: %w", err)
	}

	// Application-owned stores. The daemon ships with the in-memory dev
	// implementations; an embedding application provides its own.
	items := devstore.NewItems()
	mail := devstore.NewMail()
	accounts := devstore.NewAccounts()
	prober := devstore.NewStaticProber()
	notifier := &devstore.LogNotifier{Log: logger}

	transport := httpx.NewClient(cfg.HTTPTimeout)

	res := resolver.New(repos.Fcontacts(), prober, accounts, cfg.KeyStaleness, logger)
	codec := envelope.NewCodec(res, logger)
	normalizer := message.NewNormalizer(res, logger)
	fetcher := dispatch.NewFetcher(transport, codec, normalizer, logger)

	sender := transmit.NewSender(transport, repos.Queue(), accounts, accounts, logger)
	relayer := relay.New(repos.Signatures(), accounts, sender, logger)

	dispatcher := dispatch.New(res, items, mail, accounts, repos.Signatures(), relayer, fetcher, notifier, sender, logger)

	webSrv := web.NewServer(cfg.EndpointAddr, codec, normalizer, dispatcher, accounts, items, logger)

	return &App{
		config:   cfg,
		logger:   logger,
		repos:    repos,
		accounts: accounts,
		sender:   sender,
		web:      webSrv,
	}, nil
}

func (app *App) initSignalHandler(cancelFunc context.CancelFunc) {
	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	go func() {
		<-sigs
		cancelFunc()
	}()
}

func (app *App) startWebServer(ctx context.Context, cancelFunc context.CancelFunc) {
	app.logger.Info(ctx, "http server starting", "addr", app.config.EndpointAddr)
	if err := app.web.Run(ctx); err != nil {
		app.logger.Error(ctx, err.Error())
		cancelFunc()
	}
}

// runQueueWorker periodically drains the redelivery queue.
func (app *App) runQueueWorker(ctx context.Context) {
	ticker := time.NewTicker(app.config.QueueInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := app.sender.DrainQueue(ctx, app.config.QueueBatch); err != nil {
				app.logger.Warn(ctx, "queue drain failed", "error", err)
			}
		}
	}
}

func (app *App) Run(ctx context.Context) {
	ctx, cancelFunc := context.WithCancel(ctx)

	app.logger.Info(ctx, "starting federation daemon", "domain", app.config.Domain)

	app.initSignalHandler(cancelFunc)

	var wg sync.WaitGroup

	wg.Add(1)
	go func() {
		defer wg.Done()
		app.startWebServer(ctx, cancelFunc)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		app.runQueueWorker(ctx)
	}()

	wg.Wait()

	if err := app.repos.Close(); err != nil {
		app.logger.Warn(ctx, "db close failed", "error", err)
	}
}
