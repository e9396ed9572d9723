package main

import (
	"context"
	"errors"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"
	"github.com/urfave/cli/v2"

	"ridepool/internal/api"
	"ridepool/internal/auth"
	"ridepool/internal/config"
	"ridepool/internal/dispatch"
	"ridepool/internal/events"
	"ridepool/internal/lifecycle"
	"ridepool/internal/opt"
	"ridepool/internal/webhooks"
)

func serveCommand() *cli.Command {
	return &cli.Command{
		Name:  "serve",
		Usage: "run the HTTP API, the broker consumer and the lifecycle loop",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "no-jobs",
				Usage: "do not run lifecycle jobs in this process",
			},
		},
		Action: serve,
	}
}

func serve(c *cli.Context) error {
	ctx, stop := signal.NotifyContext(c.Context, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	d, err := setup(c)
	if err != nil {
		return err
	}
	defer d.close()
	cfg := d.cfg

	opt.Observe(func(m opt.Metrics) {
		log.Debug().Int("attempts", m.Attempts).Int("evaluated", m.Evaluated).Float64("cost", m.Cost).Dur("took", m.Duration).Bool("ok", m.Success).Msg("solve")
	})

	// Outbound events go to every configured transport. With Redis the SSE and websocket
	// subscribers follow Redis so that every instance sees every tour.
	var pubs events.Fanout
	var subs events.Subscriber
	if d.rdb != nil {
		rp := events.NewRedisPublisher(d.rdb)
		pubs, subs = append(pubs, rp), rp
	} else {
		b := events.NewBroker()
		pubs, subs = append(pubs, b), b
	}
	var hooks *webhooks.Worker
	if cfg.WebhookURL != "" {
		hooks = webhooks.NewWorker(cfg)
		pubs = append(pubs, hooks)
		go hooks.Run(ctx)
	}
	var handler *events.Handler
	var amqp *events.AMQPService
	if cfg.AMQPURL != "" {
		amqp = events.NewAMQPService(cfg, func(ctx context.Context, body []byte) error {
			return handler.Handle(ctx, body)
		})
		pubs = append(pubs, amqp)
	}

	disp := dispatch.New(cfg, d.store, d.roads, d.cache, pubs)
	handler = events.NewHandler(d.store, disp, pubs)
	if amqp != nil {
		if err := amqp.Start(ctx); err != nil {
			return err
		}
		defer amqp.Stop()
		log.Info().Str("exchange", cfg.Exchange).Str("queue", cfg.Queue).Msg("consuming broker events")
	}

	jobs := lifecycle.New(d.store, pubs, cfg.Jobs)
	if !c.Bool("no-jobs") {
		go jobs.Loop(ctx, config.Minutes(cfg.Jobs.IntervalMinutes))
	}

	srv := api.NewServer(cfg, disp, d.store, subs, auth.NewVerifier(cfg), jobs)
	httpSrv := &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           srv.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", httpSrv.Addr).Msg("API listening")
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	log.Info().Msg("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return httpSrv.Shutdown(shutdownCtx)
}
