package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"syscall"
	"text/tabwriter"

	"golang.org/x/term"

	"github.com/loopsymphony/server/internal/adapter/postgres"
	"github.com/loopsymphony/server/internal/config"
	"github.com/loopsymphony/server/internal/service"
)

// runAdmin dispatches admin subcommands (create-app, list-apps).
func runAdmin(args []string) error {
	if len(args) == 0 || args[0] == "help" || args[0] == "--help" {
		printAdminHelp()
		return nil
	}

	switch args[0] {
	case "create-app":
		return runAdminCreateApp(args[1:])
	case "list-apps":
		return runAdminListApps(args[1:])
	default:
		printAdminHelp()
		return fmt.Errorf("unknown admin command: %s", args[0])
	}
}

func printAdminHelp() {
	fmt.Fprintf(os.Stderr, `Usage: symphony admin <command> [options]

Commands:
  create-app   Register a client app and print its API key
  list-apps    List all registered apps
  help         Show this help message

Examples:
  symphony admin create-app --name "ios-companion"
  symphony admin list-apps
`)
}

func loadAdminDeps() (*service.AuthService, func(), error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}

	ctx := context.Background()
	pool, err := postgres.NewPool(ctx, cfg.Postgres)
	if err != nil {
		return nil, nil, fmt.Errorf("connect to database: %w", err)
	}

	store := postgres.NewStore(pool)
	authSvc := service.NewAuthService(store, nil, 0)

	cleanup := func() {
		pool.Close()
	}
	return authSvc, cleanup, nil
}

func runAdminCreateApp(args []string) error {
	fs := flag.NewFlagSet("create-app", flag.ContinueOnError)
	name := fs.String("name", "", "app display name (required)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *name == "" {
		return fmt.Errorf("--name is required")
	}

	authSvc, cleanup, err := loadAdminDeps()
	if err != nil {
		return err
	}
	defer cleanup()

	a, apiKey, err := authSvc.CreateApp(context.Background(), *name)
	if err != nil {
		return fmt.Errorf("create app: %w", err)
	}

	// Interactive runs get context around the one-time key; piped runs
	// get only the key on stdout.
	if term.IsTerminal(int(syscall.Stdout)) { //nolint:unconvert // int conversion needed on some platforms
		fmt.Fprintf(os.Stderr, "App created: %s (id=%s)\n", a.Name, a.ID)
		fmt.Fprintf(os.Stderr, "API key (shown once, store it now):\n")
	}
	fmt.Println(apiKey)
	return nil
}

func runAdminListApps(args []string) error {
	fs := flag.NewFlagSet("list-apps", flag.ContinueOnError)
	if err := fs.Parse(args); err != nil {
		return err
	}

	authSvc, cleanup, err := loadAdminDeps()
	if err != nil {
		return err
	}
	defer cleanup()

	apps, err := authSvc.ListApps(context.Background())
	if err != nil {
		return fmt.Errorf("list apps: %w", err)
	}

	if len(apps) == 0 {
		fmt.Println("No apps registered.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	_, _ = fmt.Fprintln(w, "ID\tNAME\tACTIVE\tCREATED")
	for i := range apps {
		_, _ = fmt.Fprintf(w, "%s\t%s\t%t\t%s\n",
			apps[i].ID, apps[i].Name, apps[i].Active, apps[i].CreatedAt.Format("2006-01-02 15:04"))
	}
	return w.Flush()
}
