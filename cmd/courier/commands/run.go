package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/meow-io/go-courier/clock"
	"github.com/meow-io/go-courier/receive"
	"github.com/meow-io/go-courier/send"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"
)

// run: keep the connection open and print what arrives until interrupted.
func runCmd() *cobra.Command {
	var metricsAddr string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Receive and deliver messages until interrupted",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			r, err := open()
			if err != nil {
				return err
			}
			defer r.Shutdown()

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			if metricsAddr != "" {
				mux := http.NewServeMux()
				mux.Handle("/metrics", promhttp.HandlerFor(r.Metrics(), promhttp.HandlerOpts{}))
				server := &http.Server{Addr: metricsAddr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
				go func() {
					if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
						fmt.Fprintf(os.Stderr, "metrics server: %s\n", err)
					}
				}()
				defer server.Close()
			}

			updates := r.Updates()
			for {
				select {
				case <-ctx.Done():
					return nil
				case u := <-updates:
					switch v := u.(type) {
					case *receive.MessageReceived:
						if v.Message != nil && v.Message.Body != nil {
							fmt.Printf("[%s] %s: %s\n", clock.Ms(v.Timestamp).Format(time.Kitchen), v.Sender, *v.Message.Body)
						}
					case *send.MessageStateChanged:
						fmt.Printf("message %d: %s\n", v.ID, v.State)
					}
				}
			}
		},
	}
	cmd.Flags().StringVar(&metricsAddr, "metrics-addr", "", "serve prometheus metrics on this address")
	return cmd
}
