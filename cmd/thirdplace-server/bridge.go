package main

import (
	"fmt"
	"net"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"google.golang.org/grpc"

	"github.com/thirdplace/server/internal/thirdplace/lockgw"
	"github.com/thirdplace/server/internal/thirdplace/types"
)

func newLockBridgeCommand() *cobra.Command {
	var (
		addr   string
		vendor string
	)
	cmd := &cobra.Command{
		Use:   "lock-bridge",
		Short: "Serve one vendor gateway over gRPC for a remote thirdplace-server",
		Long: `lock-bridge runs next to the lock hardware and exposes a single vendor
gateway on the lock bridge gRPC service.  Point THIRDPLACE_LOCK_BRIDGE_ADDR
and THIRDPLACE_LOCK_BRIDGE_VENDORS of the main server at it.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := loadConfig()
			if err != nil {
				return err
			}

			var gw lockgw.Gateway
			switch vendor {
			case "kisi":
				gw = lockgw.NewKisi(cfg.KisiAPIKey, time.Now)
			case "schlage":
				gw = lockgw.NewSchlage(cfg.SchlageAPIKey, time.Now)
			case types.GenericVendor:
				if gw, err = lockgw.NewGenericQR(cfg.QRSigningSecret, time.Now); err != nil {
					return err
				}
			default:
				return fmt.Errorf("unknown vendor %q", vendor)
			}

			lis, err := net.Listen("tcp", addr)
			if err != nil {
				return fmt.Errorf("listen %s: %w", addr, err)
			}
			gs := grpc.NewServer()
			lockgw.RegisterBridgeServer(gs, gw)

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			go func() {
				<-ctx.Done()
				log.Info("lock bridge stopping")
				gs.GracefulStop()
			}()

			log.Info("lock bridge listening", "addr", addr, "vendor", vendor)
			return gs.Serve(lis)
		},
	}
	cmd.Flags().StringVar(&addr, "addr", ":9090", "listen address")
	cmd.Flags().StringVar(&vendor, "vendor", types.GenericVendor, "gateway to expose: generic, kisi or schlage")
	return cmd
}
