package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"maps"
	"os"
	"slices"
	"strings"
	"sync"

	"ticket-portal/internal/backend"
	"ticket-portal/internal/config"
	"ticket-portal/internal/dashboard"
	apperrors "ticket-portal/internal/errors"
	"ticket-portal/internal/live"
	"ticket-portal/internal/notify"
	"ticket-portal/internal/telegram"
)

const adminHelp = `commands:
  tab <requests|active-users|logs>   switch tab
  show                               print the current tab
  refresh                            refetch the current tab
  syslogs                            fetch client, manager and server logs
  approve <id> | reject <id>         decide a pending request
  remove <username>                  delete an active user (asks first)
  help | quit
`

func runAdmin(ctx context.Context, cfg *config.Config, logger *slog.Logger, args []string) error {
	fs := flag.NewFlagSet("admin", flag.ContinueOnError)
	noConsole := fs.Bool("no-console", false, "do not read commands from stdin (run live view and bot only)")
	if err := fs.Parse(args); err != nil {
		return err
	}

	// Opened first so it is closed only after the bot has stopped
	var store *notify.SQLiteStore
	if cfg.Telegram.Enabled {
		var err error
		store, err = notify.NewSQLiteStore(cfg.Notify.DBPath)
		if err != nil {
			return fmt.Errorf("open notify store: %w", err)
		}
		defer store.Close()
	}

	ctx, cancel := context.WithCancel(ctx)

	// WaitGroup for tracking background services
	var wg sync.WaitGroup
	defer func() {
		cancel()
		waitTimeout(&wg, shutdownWait, logger)
	}()

	client := backend.NewClient(cfg.Backend, logger)
	if err := client.CheckHealth(ctx); err != nil {
		logger.Warn("backend not reachable yet", "base_url", cfg.Backend.BaseURL, "error", err)
	}

	var publishers []live.Publisher

	if cfg.Live.Enabled {
		hub := live.NewHub(logger)
		publishers = append(publishers, hub)

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := hub.ListenAndServe(ctx, cfg.Live.ListenAddr); err != nil {
				logger.Error("live view error", "error", err)
			}
		}()
	}

	var bot *telegram.Bot
	if store != nil {
		var err error
		bot, err = telegram.NewBot(cfg.Telegram, store, logger)
		if err != nil {
			return err
		}
		publishers = append(publishers, bot.Notifier())
	}

	con := newConsole(os.Stdin, os.Stdout)
	dash := dashboard.New(client, dashboard.Options{
		PollInterval: cfg.Dashboard.PollInterval,
		Confirmer:    con,
		Publisher:    live.Fanout(publishers...),
		Logger:       logger,
	})

	if bot != nil {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := bot.Run(ctx, dash); err != nil && !errors.Is(err, context.Canceled) {
				logger.Error("bot error", "error", err)
			}
		}()
	}

	if err := dash.Mount(ctx); err != nil {
		return fmt.Errorf("mount dashboard: %w", err)
	}
	defer dash.Unmount()

	logger.Info("dashboard started",
		"backend_url", cfg.Backend.BaseURL,
		"poll_interval", cfg.Dashboard.PollInterval,
		"live", cfg.Live.Enabled,
		"telegram", cfg.Telegram.Enabled,
	)

	if *noConsole {
		<-ctx.Done()
		logger.Info("shutdown signal received")
		return nil
	}

	printTab(con, dash.Snapshot())
	runConsole(ctx, con, dash)
	return nil
}

func runConsole(ctx context.Context, con *console, dash *dashboard.Dashboard) {
	for {
		con.printf("[%s]> ", dash.CurrentTab())
		line, ok := con.next(ctx)
		if !ok {
			con.printf("\n")
			return
		}

		cmd, arg, _ := strings.Cut(line, " ")
		arg = strings.TrimSpace(arg)

		switch cmd {
		case "":
		case "help", "?":
			con.printf("%s", adminHelp)

		case "quit", "exit":
			return

		case "tab":
			tab, err := dashboard.ParseTab(arg)
			if err != nil {
				con.printf("%v\n", err)
				continue
			}
			dash.SetTab(tab)
			refreshTab(ctx, dash, tab)
			printTab(con, dash.Snapshot())

		case "show":
			printTab(con, dash.Snapshot())

		case "refresh":
			refreshTab(ctx, dash, dash.CurrentTab())
			printTab(con, dash.Snapshot())

		case "syslogs":
			dash.RefreshSystemLogs(ctx)
			v := dash.Snapshot()
			printLogs(con, "Bot de clientes", v.ClientBotLogs)
			printLogs(con, "Bot de gestión", v.ManagerLogs)
			printLogs(con, "Servidor", v.ServerLogs)

		case "approve", "reject":
			if arg == "" {
				con.printf("usage: %s <id>\n", cmd)
				continue
			}
			decide := dash.Approve
			if cmd == "reject" {
				decide = dash.Reject
			}
			if err := decide(ctx, arg); err != nil {
				con.printf("error: %s\n", apperrors.Describe(err, "Error al procesar la solicitud"))
				continue
			}
			printTab(con, dash.Snapshot())

		case "remove":
			if arg == "" {
				con.printf("usage: remove <username>\n")
				continue
			}
			err := dash.RemoveUser(ctx, arg)
			if errors.Is(err, apperrors.ErrNotConfirmed) {
				con.printf("%s\n", apperrors.ErrNotConfirmed.UserMsg)
				continue
			}
			if err != nil {
				con.printf("error: %s\n", apperrors.Describe(err, "Error al eliminar el usuario"))
				continue
			}
			con.printf("Usuario %s eliminado\n", arg)

		default:
			con.printf("unknown command %q, try help\n", cmd)
		}
	}
}

func refreshTab(ctx context.Context, dash *dashboard.Dashboard, tab dashboard.Tab) {
	switch tab {
	case dashboard.TabRequests:
		dash.RefreshRequests(ctx)
	case dashboard.TabActiveUsers:
		dash.RefreshActiveUsers(ctx)
	case dashboard.TabLogs:
		dash.RefreshLogs(ctx)
	}
}

func printTab(con *console, v dashboard.View) {
	switch v.Tab {
	case dashboard.TabRequests:
		if len(v.PendingRequests) == 0 {
			con.printf("No hay solicitudes pendientes\n")
			return
		}
		for _, id := range slices.Sorted(maps.Keys(v.PendingRequests)) {
			r := v.PendingRequests[id]
			con.printf("%-10s %-14s %-40s ref %s\n", r.ID, r.Username, r.Plan, r.PaymentRef)
		}

	case dashboard.TabActiveUsers:
		if len(v.ActiveUsers) == 0 {
			con.printf("No hay usuarios activos\n")
			return
		}
		for _, u := range v.ActiveUsers {
			state := "inactivo"
			if u.IsActive {
				state = "activo"
			}
			con.printf("%-16s %-9s uptime %-10s restante %-10s %s\n", u.Username, state, u.Uptime, u.TimeLeft, u.IPAddress)
		}

	case dashboard.TabLogs:
		printLogs(con, "Bot de clientes", v.ClientBotLogs)
	}
}

func printLogs(con *console, title string, logs []backend.LogEntry) {
	con.printf("== %s ==\n", title)
	if len(logs) == 0 {
		con.printf("(sin registros)\n")
		return
	}
	for _, e := range logs {
		sev := e.Severity()
		if sev == "" {
			sev = "-"
		}
		con.printf("%s %-7s %s\n", e.Timestamp, strings.ToUpper(sev), e.Message)
	}
}
