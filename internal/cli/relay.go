package cli

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/ppiankov/otterhound/internal/relay"
)

var relayCmd = &cobra.Command{
	Use:   "relay",
	Short: "Run a SOCKS5 relay for scanning from another host",
	Long: `Run a minimal SOCKS5 CONNECT relay. Start it on a host that can reach
the targets, then scan through it with --proxy. Refused and unreachable
destinations are reported with distinct SOCKS replies, so closed and
filtered ports keep their status across the relay.`,
	Example: `  # On the jump host
  otterhound relay --listen 0.0.0.0:1080 --allow 10.20.0.0/16

  # From the workstation
  otterhound scan 10.20.0.0/24:22,443 --proxy socks5://jump.example.com:1080`,
	Args: cobra.NoArgs,
	RunE: runRelay,
}

func init() {
	rootCmd.AddCommand(relayCmd)
	relayCmd.Flags().String("listen", relay.DefaultAddr, "Listen address")
	relayCmd.Flags().StringSlice("allow", nil, "Destination IPs or CIDR blocks to allow (default all)")
	relayCmd.Flags().Duration("dial-timeout", 0, "Timeout for outbound connections (default 5s)")
}

func runRelay(cmd *cobra.Command, _ []string) error {
	listen, _ := cmd.Flags().GetString("listen")              //nolint:errcheck // flag registered above
	allowList, _ := cmd.Flags().GetStringSlice("allow")       //nolint:errcheck // flag registered above
	dialTimeout, _ := cmd.Flags().GetDuration("dial-timeout") //nolint:errcheck // flag registered above

	allow, err := relay.ParseAllow(allowList)
	if err != nil {
		return fmt.Errorf("parsing --allow: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s := &relay.Server{
		Addr:        listen,
		Allow:       allow,
		DialTimeout: dialTimeout,
		Logger:      slog.Default().With("component", "relay"),
	}
	return s.ListenAndServe(ctx)
}

