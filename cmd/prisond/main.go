// Command prisond runs the mine and economy engine: a local simulation, the websocket relay that links
// nodes without redis, and balance tooling against the configured store.
package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/huncho416/MythicPrisonCore/internal/config"
	"github.com/huncho416/MythicPrisonCore/internal/logging"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type rootFlags struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	rf := &rootFlags{}
	cmd := &cobra.Command{
		Use:           "prisond",
		Short:         "Mine region and player economy engine",
		SilenceUsage:  true,
		SilenceErrors: false,
	}
	cmd.PersistentFlags().StringVarP(&rf.configPath, "config", "c", "", "path to the YAML config (defaults when empty)")
	cmd.PersistentFlags().StringVar(&rf.logLevel, "log-level", "", "override log.level")
	cmd.AddCommand(newSimulateCmd(rf), newRelayCmd(rf), newBalanceCmd(rf), newGrantCmd(rf), newPayCmd(rf))
	return cmd
}

// load reads the config and builds the logger it describes.
func (rf *rootFlags) load() (config.Config, *zap.Logger, func(), error) {
	cfg, err := config.Load(rf.configPath)
	if err != nil {
		return cfg, nil, nil, err
	}
	if rf.logLevel != "" {
		cfg.Log.Level = rf.logLevel
	}
	log, flush, err := logging.New(cfg.Log)
	if err != nil {
		return cfg, nil, nil, err
	}
	return cfg, log, flush, nil
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

// serve runs srv until ctx ends.
func serve(ctx context.Context, srv *http.Server, log *zap.Logger) error {
	go func() {
		<-ctx.Done()
		ctx2, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = srv.Shutdown(ctx2)
	}()
	log.Info("listening", zap.String("addr", srv.Addr))
	if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("listen %s: %w", srv.Addr, err)
	}
	return nil
}
