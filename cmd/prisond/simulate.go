package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"text/tabwriter"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/huncho416/MythicPrisonCore/internal/economy/currency"
	"github.com/huncho416/MythicPrisonCore/internal/economy/ledger"
	"github.com/huncho416/MythicPrisonCore/internal/engine"
	"github.com/huncho416/MythicPrisonCore/internal/sim/region"
	"github.com/huncho416/MythicPrisonCore/internal/sim/simhost"
)

type simulateFlags struct {
	players  int
	duration time.Duration
	seed     int64
	prefix   string
}

func newSimulateCmd(rf *rootFlags) *cobra.Command {
	sf := &simulateFlags{}
	cmd := &cobra.Command{
		Use:   "simulate",
		Short: "Run the engine against an in-process host with simulated miners",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runSimulate(cmd, rf, sf)
		},
	}
	cmd.Flags().IntVar(&sf.players, "players", 20, "number of simulated miners")
	cmd.Flags().DurationVar(&sf.duration, "duration", 30*time.Second, "how long to run (0 runs until interrupted)")
	cmd.Flags().Int64Var(&sf.seed, "seed", 1, "miner RNG seed")
	cmd.Flags().StringVar(&sf.prefix, "prefix", "bot", "miner name prefix")
	return cmd
}

func runSimulate(cmd *cobra.Command, rf *rootFlags, sf *simulateFlags) error {
	if sf.players < 0 {
		return errors.New("--players cannot be negative")
	}
	cfg, log, flush, err := rf.load()
	if err != nil {
		return err
	}
	defer flush()

	ctx, cancel := signalContext(cmd.Context())
	defer cancel()
	if sf.duration > 0 {
		var cancelRun context.CancelFunc
		ctx, cancelRun = context.WithTimeout(ctx, sf.duration)
		defer cancelRun()
	}

	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	if cfg.Metrics.Listen != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
		srv := &http.Server{Addr: cfg.Metrics.Listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		go func() {
			if err := serve(ctx, srv, log); err != nil {
				log.Error("metrics server", zap.Error(err))
			}
		}()
	}

	e, err := engine.New(ctx, cfg, engine.Options{Logger: log, Registerer: reg})
	if err != nil {
		return err
	}
	defer func() {
		cctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := e.Close(cctx); err != nil {
			log.Warn("engine close", zap.Error(err))
		}
	}()

	h := simhost.New(simhost.Config{TickRateHz: cfg.Tick.RateHz}, log)
	if err := e.Attach(h); err != nil {
		return err
	}
	var areas []region.Cuboid
	for _, r := range e.Regions().All() {
		areas = append(areas, r.Bounds())
	}
	miners := h.AddMiners(sf.prefix, sf.players, areas, sf.seed)

	log.Info("simulation started",
		zap.Int("players", sf.players), zap.Int("regions", len(areas)),
		zap.Duration("duration", sf.duration), zap.Int("tick_hz", cfg.Tick.RateHz))
	start := time.Now()
	if err := h.Run(ctx); err != nil && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
		return err
	}

	// let queued rewards land before reading balances
	qctx, qcancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer qcancel()
	if err := e.Coordinator().Close(qctx); err != nil {
		log.Warn("pending work abandoned", zap.Error(err))
	}
	e.Coordinator().Drain(0)

	rewarded, dropped := e.MiningStats()
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "ran %s, %d ticks, %d swings, %d breaks, %d rewards, %d dropped\n\n",
		time.Since(start).Round(time.Millisecond), h.Tick(), miners.Swings, miners.Breaks, rewarded, dropped)

	tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "REGION\tSTATE\tREMAINING\tPROGRESS\tRESETS\tBROKEN\tINCONSISTENT")
	for _, r := range e.Regions().All() {
		fmt.Fprintf(tw, "%s\t%s\t%d/%d\t%.1f%%\t%d\t%d\t%t\n",
			r.ID(), r.State(), r.Remaining(), r.Max(), r.Progress()*100, r.Resets(), r.BlocksBroken(), r.Inconsistent())
	}
	fmt.Fprintln(tw)

	currencies := map[string]bool{}
	for _, r := range e.Regions().All() {
		currencies[r.Currency()] = true
	}
	ids := make([]string, 0, len(currencies))
	for id := range currencies {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	fmt.Fprintln(tw, "PLAYER\tCURRENCY\tBALANCE\tVERSION")
	bctx, bcancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer bcancel()
	for _, p := range miners.Players() {
		for _, id := range ids {
			b, err := e.Balance(bctx, ledger.Account{Player: p, Currency: id})
			if err != nil {
				return fmt.Errorf("balance %s: %w", p, err)
			}
			fmt.Fprintf(tw, "%s\t%s\t%s\t%d\n", p, id, currency.Format(id, b.Balance), b.Version)
		}
	}
	return tw.Flush()
}
