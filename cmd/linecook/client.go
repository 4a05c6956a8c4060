package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/fentz26/linecook/internal/config"
	"github.com/fentz26/linecook/internal/eventqueue"
	"github.com/fentz26/linecook/internal/events"
	"github.com/fentz26/linecook/internal/localstore"
	"github.com/fentz26/linecook/internal/models"
	"github.com/fentz26/linecook/internal/resqueue"
	"github.com/fentz26/linecook/internal/session"
	"github.com/fentz26/linecook/internal/syncengine"
	"github.com/fentz26/linecook/internal/transport"
	"github.com/fentz26/linecook/internal/tui"
	"github.com/sony/gobreaker/v2"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

var clientCmd = &cobra.Command{
	Use:   "client",
	Short: "Run an offline-first client session",
	Long: `Opens the local order board. Every change is recorded locally first and
replayed to the server in order whenever it can be reached.`,
	RunE: runClient,
}

var (
	clientDB    string
	clientActor string
	headless    bool
)

func init() {
	clientCmd.Flags().StringVar(&clientDB, "db", "", "Path to the local database (overrides client.db)")
	clientCmd.Flags().StringVar(&clientActor, "actor", "", "User id recorded on every change (overrides client.actor)")
	clientCmd.Flags().BoolVar(&headless, "headless", false, "Sync without the board, logging to stderr")
}

func defaultClientLog() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "linecook-client.log"
	}
	return filepath.Join(home, config.Dir, "client.log")
}

func defaultActor() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	hostname, _ := os.Hostname()
	return fmt.Sprintf("cli@%s", hostname)
}

func runClient(cmd *cobra.Command, args []string) error {
	cc := cfg.Client
	if clientDB != "" {
		cc.DB = clientDB
	}
	if clientActor != "" {
		cc.Actor = clientActor
	}
	if cc.Actor == "" {
		cc.Actor = defaultActor()
	}
	log := logger.Named("client")

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	st, err := localstore.New(cc.DB)
	if err != nil {
		return err
	}
	defer st.Close()

	queue, err := eventqueue.New(ctx, st,
		eventqueue.WithMaxRetries(cc.MaxRetries),
		eventqueue.WithLogger(logger),
	)
	if err != nil {
		return err
	}

	bus := events.NewBus(events.WithLogger(logger))
	defer bus.Close()
	stopLog := events.LogEvents(bus, logger.Named("events"))
	defer stopLog()

	sess := session.New(st, queue, resqueue.New(cfg.ETA), cc.Actor,
		session.WithPublisher(bus),
		session.WithLogger(logger),
	)
	if err := sess.Init(ctx, cfg.ETA.Window); err != nil {
		return err
	}

	var engine *syncengine.Engine
	client := transport.New(cc.Server, transport.Settings{
		Timeout:         cc.RequestTimeout,
		BreakerFailures: cc.BreakerFailures,
		BreakerTimeout:  cc.BreakerTimeout,
	},
		transport.WithLogger(logger),
		transport.WithStateChange(func(from, to gobreaker.State) {
			if to == gobreaker.StateOpen && engine != nil {
				engine.Disconnect(transport.ErrUnavailable)
			}
		}),
	)
	engine = syncengine.New(client, queue, st, syncengine.Config{
		PushInterval:    cc.PushInterval,
		PullInterval:    cc.PullInterval,
		CleanupInterval: cc.CleanupInterval,
		Retention:       cc.Retention,
	},
		syncengine.WithLogger(logger),
		syncengine.WithMirrorLock(sess.Locker()),
		syncengine.WithPullHook(sess.Reload),
		syncengine.WithStateHook(func(s syncengine.State) {
			log.Info("connectivity", zap.String("state", string(s)))
		}),
	)

	log.Info("client session started",
		zap.String("actor", cc.Actor),
		zap.String("server", cc.Server),
		zap.String("db", cc.DB),
	)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return engine.Run(gctx)
	})
	if headless {
		g.Go(func() error {
			<-gctx.Done()
			return nil
		})
	} else {
		g.Go(func() error {
			defer stop()
			return tui.New(sess, engine, cc.Actor).Run(gctx)
		})
	}

	err = g.Wait()
	if errors.Is(err, context.Canceled) {
		err = nil
	}
	counts, cerr := queue.Counts(context.Background())
	if cerr == nil {
		log.Info("client session stopped",
			zap.Int("pending", counts[models.EventStatusPending]+counts[models.EventStatusFailed]),
			zap.Int("attention", counts[models.EventStatusConflict]),
		)
	}
	return err
}
