package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/7ony/CAN-TCP/internal/app"
	"github.com/7ony/CAN-TCP/internal/metrics"
	can "github.com/7ony/CAN-TCP/pkg/can"
	_ "github.com/7ony/CAN-TCP/pkg/can/loopback"
	_ "github.com/7ony/CAN-TCP/pkg/can/socketcan"
	_ "github.com/7ony/CAN-TCP/pkg/can/socketcanv2"
	_ "github.com/7ony/CAN-TCP/pkg/can/virtual"
	"github.com/7ony/CAN-TCP/pkg/config"
	log "github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"
)

var (
	configPath  string
	port        uint16
	iface       string
	channel     string
	logLevel    string
	metricsAddr string
)

var rootCmd = &cobra.Command{
	Use:   "cantcp",
	Short: "CAN to TCP gateway",
	Long: `Serves a CAN bus to TCP clients on a text protocol :
  register-<file>      record received frames to an XML file and broadcast them
  cansend <id>#<data>  send a frame
  stop                 close the CAN channel
  exit                 stop the gateway`,
	SilenceUsage: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		return run(cmd.Context(), cfg)
	},
}

var interfacesCmd = &cobra.Command{
	Use:   "interfaces",
	Short: "List available CAN interface types",
	Run: func(cmd *cobra.Command, args []string) {
		fmt.Fprintln(cmd.OutOrStdout(), strings.Join(can.Interfaces(), "\n"))
	},
}

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Print the effective configuration in INI format",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig(cmd)
		if err != nil {
			return err
		}
		_, err = cfg.WriteTo(cmd.OutOrStdout())
		return err
	},
}

func init() {
	flags := rootCmd.PersistentFlags()
	flags.StringVarP(&configPath, "config", "c", "", "INI configuration file")
	flags.Uint16VarP(&port, "port", "p", 0, "TCP listen port (default 1234)")
	flags.StringVarP(&iface, "interface", "i", "", "CAN interface type e.g. socketcan, socketcanv2, virtualcan, loopback")
	flags.StringVarP(&channel, "channel", "C", "", "CAN channel e.g. can0, vcan0, localhost:18881")
	flags.StringVarP(&logLevel, "log-level", "l", "", "log level e.g. debug, info, warn")
	flags.StringVarP(&metricsAddr, "metrics", "m", "", "serve prometheus metrics on this address e.g. :9100")
	rootCmd.AddCommand(interfacesCmd, configCmd)
}

// Configuration file then flags explicitly set on the command line
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	cfg := config.Default()
	if configPath != "" {
		loaded, err := config.Load(configPath)
		if err != nil {
			return cfg, err
		}
		cfg = loaded
	}
	flags := cmd.Flags()
	if flags.Changed("port") {
		cfg.Server.Port = port
	}
	if flags.Changed("interface") {
		cfg.Bridge.Interface = iface
	}
	if flags.Changed("channel") {
		cfg.Bridge.Channel = channel
	}
	if flags.Changed("log-level") {
		cfg.Log.Level = logLevel
	}
	if flags.Changed("metrics") {
		cfg.Metrics.Addr = metricsAddr
	}
	return cfg, cfg.Validate()
}

func run(ctx context.Context, cfg config.Config) error {
	level, err := log.ParseLevel(cfg.Log.Level)
	if err != nil {
		return err
	}
	log.SetLevel(level)

	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	group, ctx := errgroup.WithContext(ctx)

	gateway := app.NewGateway(cfg, nil)
	group.Go(func() error {
		// A client asking to exit stops everything else
		defer cancel()
		return gateway.Run(ctx)
	})

	if cfg.Metrics.Addr != "" {
		mux := http.NewServeMux()
		mux.Handle("/metrics", metrics.Handler())
		httpServer := &http.Server{Addr: cfg.Metrics.Addr, Handler: mux, ReadHeaderTimeout: 5 * time.Second}
		group.Go(func() error {
			log.Infof("[MAIN] serving metrics on %v", cfg.Metrics.Addr)
			if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		})
		group.Go(func() error {
			<-ctx.Done()
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			return httpServer.Shutdown(shutdownCtx)
		})
	}
	return group.Wait()
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		log.Errorf("[MAIN] %v", err)
		os.Exit(1)
	}
}
