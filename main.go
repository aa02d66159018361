package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	log "github.com/sirupsen/logrus"

	"github.com/scambiohq/scambio/internal/config"
	"github.com/scambiohq/scambio/internal/core/application"
	"github.com/scambiohq/scambio/internal/infrastructure/chainrpc"
	"github.com/scambiohq/scambio/internal/infrastructure/cln"
	"github.com/scambiohq/scambio/internal/infrastructure/db"
	scheduler "github.com/scambiohq/scambio/internal/infrastructure/scheduler/gocron"
	"github.com/scambiohq/scambio/internal/infrastructure/secrets"
	"github.com/scambiohq/scambio/internal/infrastructure/sidechannel"
	"github.com/scambiohq/scambio/pkg/monitor"
	"github.com/scambiohq/scambio/utils"
)

// nolint:all
var (
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

func main() {
	cfg, err := config.LoadConfig()
	if err != nil {
		log.WithError(err).Fatal("invalid config")
	}

	log.SetLevel(log.Level(cfg.LogLevel))
	log.Infof("starting scambio %s (%s, %s)...", version, commit, date)

	if cfg.SignerPrivateKey() == nil {
		log.Fatal("SCAMBIO_SIGNER_KEY is required")
	}
	if cfg.BridgeURL == "" {
		log.Fatal("SCAMBIO_BRIDGE_URL is required")
	}

	dbSvc, err := db.NewService(db.ServiceConfig{
		DbType:   cfg.DbType,
		DbConfig: []any{cfg.Datadir, nil},
	})
	if err != nil {
		log.WithError(err).Fatal("failed to open db")
	}
	defer dbSvc.Close()

	bridgeSvc, err := sidechannel.NewService(cfg.BridgeURL, cfg.BridgeToken)
	if err != nil {
		log.WithError(err).Fatal("failed to connect to bridge")
	}
	defer bridgeSvc.Close()

	lnSvc := cln.NewService(cfg.ClnBin, cfg.ClnNetwork)
	lnCtx, lnCancel := context.WithTimeout(context.Background(), 15*time.Second)
	if err := utils.Retry(lnCtx, 3*time.Second, func(context.Context) (bool, error) {
		return lnSvc.IsConnected(), nil
	}); err != nil {
		log.Warn("lightning node unreachable at startup, continuing")
	}
	lnCancel()

	chainSvc := chainrpc.NewService(cfg.ChainRpcURL)
	secretsSvc := secrets.NewInMemoryStore()

	appSvc, err := application.NewService(
		application.ServiceConfig{
			SignerKey:            cfg.SignerPrivateKey(),
			VaultAddress:         cfg.VaultAddress,
			Recipient:            cfg.Recipient,
			Mint:                 cfg.Mint,
			PlatformFeeBps:       cfg.PlatformFeeBps,
			PlatformFeeCollector: cfg.PlatformFeeCollector,
			TradeFeeBps:          cfg.TradeFeeBps,
			TradeFeeCollector:    cfg.TradeFeeCollector,
			LiquidityMode:        cfg.LiquidityMode,
		},
		bridgeSvc, lnSvc, chainSvc, secretsSvc, db.NewStoreProvider(dbSvc),
	)
	if err != nil {
		log.WithError(err).Fatal("failed to init application service")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	if channels := cfg.RfqChannelList(); len(channels) > 0 {
		for _, channel := range channels {
			if err := appSvc.JoinChannel(ctx, channel, "", ""); err != nil {
				log.WithError(err).Warnf("failed to join channel %s", channel)
			}
		}
	}

	watchdog := application.NewWatchdog(application.WatchdogConfig{
		PollInterval:      time.Duration(cfg.PollIntervalSecs) * time.Second,
		PingCooldown:      time.Duration(cfg.PingCooldownSecs) * time.Second,
		MaxPings:          int(cfg.MaxPings),
		MaxWait:           time.Duration(cfg.MaxWaitSecs) * time.Second,
		LeaveOnTimeout:    cfg.LeaveOnTimeout,
		PayRetryCooldown:  time.Duration(cfg.PayRetrySecs) * time.Second,
		FailLeaveAttempts: int(cfg.FailLeaveAttempts),
		FailLeaveMinWait:  time.Duration(cfg.FailLeaveWaitSecs) * time.Second,
		AutoLeaveCooldown: time.Duration(cfg.AutoLeaveSecs) * time.Second,
		QuoteFromOffers:   cfg.QuoteFromOffers,
		QuoteFromRfqs:     cfg.QuoteFromRfqs,
		AcceptQuotes:      cfg.AcceptQuotes,
		InviteFromAccepts: cfg.InviteFromAccepts,
		JoinInvites:       cfg.JoinInvites,
		Settle:            cfg.Settle,
	}, appSvc)

	mon := monitor.New(monitor.WithStallThreshold(3 * time.Duration(cfg.PollIntervalSecs) * time.Second))
	defer mon.Stop()

	// The watchdog runs on the shared scheduler; its heartbeat lets the
	// monitor flag a scheduler that stopped firing.
	watchdogHb := mon.Watch("watchdog-ticks")
	schedulerSvc := scheduler.NewScheduler()
	if err := schedulerSvc.ScheduleRecurring(watchdog.PollInterval(), func() {
		watchdogHb.Tick()
		if err := watchdog.Tick(ctx); err != nil {
			log.WithError(err).Warn("watchdog tick failed")
		}
	}); err != nil {
		log.WithError(err).Fatal("failed to schedule watchdog")
	}
	schedulerSvc.Start()
	defer schedulerSvc.Stop()

	mon.Go("ln-health", func(ctx context.Context, hb monitor.Heartbeat) error {
		ticker := time.NewTicker(time.Duration(cfg.PollIntervalSecs) * time.Second)
		defer ticker.Stop()
		connected := lnSvc.IsConnected()
		for {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-ticker.C:
				hb.Tick()
				if up := lnSvc.IsConnected(); up != connected {
					connected = up
					if up {
						log.Info("lightning node reachable again")
					} else {
						log.Warn("lightning node unreachable")
					}
				}
			}
		}
	})

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGTERM, syscall.SIGINT)
	<-sigChan

	log.Info("shutting down service...")
	log.Exit(0)
}
