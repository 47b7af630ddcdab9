// Command cli runs one-off maintenance tasks against the proxy database
// using the server configuration:
//
//	cli [config flags] migrate
//	cli [config flags] sweep [startup|periodic]
//	cli [config flags] cleanup
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/dmitrijs2005/oauthproxy/internal/server"
	"github.com/dmitrijs2005/oauthproxy/internal/server/config"
	"github.com/dmitrijs2005/oauthproxy/internal/server/scheduler"
)

func main() {

	command, arg := parseCommand(os.Args[1:])
	if command == "" {
		fmt.Fprintln(os.Stderr, "usage: cli [config flags] migrate | sweep [startup|periodic] | cleanup")
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	cfg := config.LoadConfig()
	app, err := server.NewApp(cfg)
	if err != nil {
		log.Fatalf("%v", err)
	}
	defer func() { _ = app.Close() }()

	if err := run(ctx, app, command, arg); err != nil {
		log.Printf("%s: %v", command, err)
		stop()
		os.Exit(1)
	}

}

func run(ctx context.Context, app *server.App, command, arg string) error {
	switch command {
	case "migrate":
		if err := app.Migrate(ctx); err != nil {
			return err
		}
		fmt.Println("migrations applied")

	case "sweep":
		kind := scheduler.KindPeriodic
		if arg == string(scheduler.KindStartup) {
			kind = scheduler.KindStartup
		}
		report, err := app.Sweep(ctx, kind)
		if err != nil {
			return err
		}
		fmt.Printf("%s sweep: %d candidates, %d refreshed, %d failed, %d skipped\n",
			report.Kind, len(report.Results), report.Success, report.Failed, report.Skipped)
		for _, r := range report.Results {
			if r.Status != scheduler.StatusSuccess {
				fmt.Printf("  %s %s revoked=%t\n", r.SubjectID, r.Status, r.Revoked)
			}
		}

	case "cleanup":
		counts, err := app.Cleanup(ctx)
		if err != nil {
			return err
		}
		fmt.Printf("removed %d auth codes, %d proxy tokens, %d idempotency records\n",
			counts.Bridges, counts.ProxyTokens, counts.Idempotency)
	}
	return nil
}

// parseCommand finds the command word among args; config flags may appear
// anywhere around it.
func parseCommand(args []string) (string, string) {
	for i, a := range args {
		switch a {
		case "migrate", "cleanup":
			return a, ""
		case "sweep":
			if i+1 < len(args) {
				return a, args[i+1]
			}
			return a, ""
		}
	}
	return "", ""
}
