package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/stockpilot/realtime/internal/config"
	"github.com/stockpilot/realtime/internal/logging"
	"github.com/stockpilot/realtime/internal/presenter"
	"github.com/stockpilot/realtime/internal/protocol"
	"github.com/stockpilot/realtime/internal/realtime"
	"github.com/stockpilot/realtime/internal/restclient"
	"github.com/stockpilot/realtime/internal/tui"
)

var (
	watchURL   string
	watchAPI   string
	watchUser  string
	watchRole  string
	watchToken string
	watchItems []string
	watchPlain bool
)

var watchCmd = &cobra.Command{
	Use:   "watch",
	Short: "Follow the realtime channel from the terminal",
	Long: `Connect to a hub and show the live status, the latest stock movement,
the dashboard summary and incoming alerts.

Keys: r reconnect, u refresh dashboard, m mark all read, c clear, q quit.
With --plain, print one line per event instead.`,
	RunE: runWatch,
}

func init() {
	watchCmd.Flags().StringVar(&watchURL, "url", "", "Channel URL (default derived from client.api_url)")
	watchCmd.Flags().StringVar(&watchAPI, "api-url", "", "REST API URL for dashboard refreshes (default client.api_url)")
	watchCmd.Flags().StringVar(&watchUser, "user", "watcher", "User id to authenticate as")
	watchCmd.Flags().StringVar(&watchRole, "role", string(protocol.RoleManager), "Role to authenticate as")
	watchCmd.Flags().StringVar(&watchToken, "token", "", "Session token (minted from auth.jwt_secret when empty)")
	watchCmd.Flags().StringSliceVar(&watchItems, "item", nil, "Item ids to subscribe to for scoped updates")
	watchCmd.Flags().BoolVar(&watchPlain, "plain", false, "Print events as lines instead of the full-screen view")
}

func runWatch(cmd *cobra.Command, args []string) error {
	if watchURL != "" {
		cfg.Client.WSURL = watchURL
	}
	if watchAPI != "" {
		cfg.Client.APIURL = watchAPI
	}
	endpoint, err := cfg.Client.Endpoint()
	if err != nil {
		return err
	}

	token := watchToken
	if token == "" && cfg.Auth.JWTSecret != "" {
		if token, err = mintToken(cfg.Auth, watchUser, protocol.Role(watchRole), 0); err != nil {
			return err
		}
	}

	// The full-screen view owns the terminal, so logs only go out in plain
	// mode.
	log := logging.Nop()
	if watchPlain {
		log = logging.Component("watch")
	}

	m := newManager(cfg.Client, endpoint, protocol.Identity{
		UserID: watchUser,
		Role:   protocol.Role(watchRole),
		Token:  token,
	}, log)
	defer m.Disconnect()
	for _, id := range watchItems {
		m.Subscribe(id)
	}

	base, err := cfg.Client.RESTBase()
	if err != nil {
		return err
	}
	api := restclient.New(base, token)
	dash := presenter.NewDashboard(api, presenter.DashboardOptions{
		PollInterval: cfg.Client.RefreshInterval,
		Logger:       log,
	})
	dash.Attach(m.Dispatcher())
	notes := presenter.NewNotifications(presenter.MaxNotifications)
	notes.Attach(m.Dispatcher())
	status := presenter.NewLiveStatus()
	status.Attach(m)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	go dash.PollWhileOffline(ctx, m.IsConnected)

	if watchPlain {
		newLinePrinter(cmd.OutOrStdout()).attach(m)
		m.Connect()
		<-ctx.Done()
		return nil
	}

	m.Connect()
	p := tea.NewProgram(tui.New(m, status, dash, notes), tea.WithAltScreen(), tea.WithContext(ctx))
	if _, err := p.Run(); err != nil && ctx.Err() == nil {
		return fmt.Errorf("live view: %w", err)
	}
	return nil
}

func newManager(c config.ClientConfig, endpoint string, id protocol.Identity, log zerolog.Logger) *realtime.Manager {
	r := c.Reconnect
	return realtime.NewManager(realtime.Options{
		Endpoint: endpoint,
		Identity: id,
		Backoff: realtime.Backoff{
			Initial: r.InitialDelay,
			Max:     r.MaxDelay,
			Jitter:  r.Jitter,
		},
		Attempts:         r.Attempts,
		HandshakeTimeout: r.HandshakeTimeout,
		Logger:           log,
	})
}
