package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"runtime/debug"
	"strings"
	"syscall"
	"time"

	"github.com/common-nighthawk/go-figure"
	"github.com/joho/godotenv"
	"github.com/pkg/errors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/term"

	"github.com/attendly/go-auth-client/authclient"
	"github.com/attendly/go-auth-client/credstore"
	"github.com/attendly/go-auth-client/internal/config"
	"github.com/attendly/go-auth-client/notify"
	"github.com/attendly/go-auth-client/session"
)

func main() {
	if err := run(); err != nil {
		log.Fatal().Err(err).Msg("sessiond exited")
	}
	log.Info().Msg("sessiond stopped")
}

func run() (returnError error) {
	defer func() {
		if r := recover(); r != nil {
			log.Error().Interface("panic", r).Msg("recovered from panic")
			debug.PrintStack()
			returnError = errors.New("panic recovered")
		}
	}()

	doLogin := flag.Bool("login", false, "prompt for credentials and sign in")
	logoutOnExit := flag.Bool("logout-on-exit", false, "sign out before shutting down")
	flag.Parse()

	if err := godotenv.Load(); err != nil {
		log.Debug().Msg("no .env file found")
	}
	cfg, err := config.Load()
	if err != nil {
		return errors.Wrap(err, "load config")
	}
	setupLogging(cfg)
	displayAppname(cfg.AppName)

	store, err := credstore.Open(cfg.StoragePath, credstore.WithSecret(cfg.StorageSecret))
	if err != nil {
		return errors.Wrap(err, "open credential store")
	}
	defer store.Close()

	client, err := authclient.New(cfg.APIBaseURL, store, authclient.WithTimeout(cfg.RequestTimeout))
	if err != nil {
		return errors.Wrap(err, "create auth client")
	}

	manager, err := session.New(store, client, notify.NewLogSink(),
		session.WithMonitorInterval(cfg.MonitorInterval),
		session.WithRefreshFraction(cfg.RefreshFraction),
		session.WithWarningLead(cfg.WarningLead),
	)
	if err != nil {
		return errors.Wrap(err, "create session manager")
	}
	defer manager.Close()

	updates := manager.Subscribe()
	go printUpdates(updates)

	ctx := context.Background()
	manager.InitializeAuth(ctx)

	if !manager.Snapshot().IsAuthenticated && *doLogin {
		if err := promptSignIn(ctx, manager); err != nil {
			return err
		}
	}

	waitForStopSignal()

	if *logoutOnExit {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		manager.SignOut(shutdownCtx)
	}
	return nil
}

func promptSignIn(ctx context.Context, manager *session.Manager) error {
	reader := bufio.NewReader(os.Stdin)
	fmt.Print("Username: ")
	username, err := reader.ReadString('\n')
	if err != nil {
		return errors.Wrap(err, "read username")
	}
	fmt.Print("Password: ")
	password, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return errors.Wrap(err, "read password")
	}

	if err := manager.SignIn(ctx, strings.TrimSpace(username), string(password)); err != nil {
		fmt.Println(err.Error())
		return errors.Wrap(err, "sign in")
	}
	return nil
}

func printUpdates(updates <-chan session.State) {
	for state := range updates {
		log.Info().
			Str("status", string(state.Status)).
			Int("seconds_remaining", state.TimeRemainingSeconds).
			Bool("expiring_soon", state.IsExpiringSoon).
			Str("user", state.View.UserName).
			Msg("session state")
	}
}

func setupLogging(cfg *config.Config) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	if cfg.IsDev() {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
}

func waitForStopSignal() {
	stop := make(chan os.Signal, 1)
	signal.Notify(stop, os.Interrupt, syscall.SIGTERM)
	<-stop
}

func displayAppname(appname string) {
	myFigure := figure.NewFigure(appname, "cybermedium", true)
	myFigure.Print()
	fmt.Println()
}
