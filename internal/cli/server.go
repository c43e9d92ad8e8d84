package cli

import (
	"fmt"
	"net/http"
	"net/netip"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/spf13/cobra"

	"weavectl/internal/derpmap"
	"weavectl/internal/server"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Run the session server",
}

var serverRunCmd = &cobra.Command{
	Use:   "run",
	Short: "Serve the session API until interrupted",
	RunE: func(cmd *cobra.Command, args []string) error {
		if err := requireSection("server", cfg.Server != nil); err != nil {
			return err
		}
		sc := cfg.Server

		prefix, err := netip.ParsePrefix(sc.MeshPrefix)
		if err != nil {
			return fmt.Errorf("parse mesh_prefix: %w", err)
		}
		alloc, err := server.NewIPAllocator(prefix)
		if err != nil {
			return err
		}

		var overlay *derpmap.Overlay
		if sc.DerpOverlayPath != "" {
			overlay, err = derpmap.LoadOverlay(sc.DerpOverlayPath)
			if err != nil {
				return err
			}
		}
		derpSource := server.NewDerpSource(sc.DerpMapURL, overlay, &http.Client{Timeout: 30 * time.Second}, log)

		registry := prometheus.NewRegistry()
		registry.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
		metrics := server.NewMetrics(registry)

		svc := server.NewService(server.NewMemoryRepository(), alloc, server.NewHub(log), derpSource, metrics, log)
		hs := server.NewHTTPServer(svc, sc.AuthToken, sc.Listen,
			time.Duration(sc.DerpRefreshSec)*time.Second, registry, log)

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()
		return hs.Run(ctx)
	},
}

func init() {
	serverCmd.AddCommand(serverRunCmd)
	rootCmd.AddCommand(serverCmd)
}
