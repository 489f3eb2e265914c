package main

import (
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/huncho416/MythicPrisonCore/internal/transport/ws"
)

func newRelayCmd(rf *rootFlags) *cobra.Command {
	var listen string
	cmd := &cobra.Command{
		Use:   "relay",
		Short: "Run the websocket relay that forwards balance updates between nodes",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, log, flush, err := rf.load()
			if err != nil {
				return err
			}
			defer flush()
			ctx, cancel := signalContext(cmd.Context())
			defer cancel()

			hub := ws.NewHub(log)
			mux := http.NewServeMux()
			mux.HandleFunc("/v1/relay", hub.Handler())
			mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
				w.WriteHeader(http.StatusOK)
				_, _ = w.Write([]byte("ok\n"))
			})
			srv := &http.Server{Addr: listen, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
			return serve(ctx, srv, log)
		},
	}
	cmd.Flags().StringVar(&listen, "listen", ":8085", "http listen address; nodes connect to ws://<addr>/v1/relay")
	return cmd
}
