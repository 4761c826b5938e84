package main

import (
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/BFishyUt3c/Repo-mobile-2-sub000/internal/apierror"
	"github.com/BFishyUt3c/Repo-mobile-2-sub000/internal/app"
	"github.com/BFishyUt3c/Repo-mobile-2-sub000/internal/chat"
	"github.com/BFishyUt3c/Repo-mobile-2-sub000/internal/cli"
	"github.com/BFishyUt3c/Repo-mobile-2-sub000/internal/config"
	"github.com/BFishyUt3c/Repo-mobile-2-sub000/internal/metrics"
	"github.com/BFishyUt3c/Repo-mobile-2-sub000/internal/session"
	"github.com/BFishyUt3c/Repo-mobile-2-sub000/pkg/logger"
)

const usage = `usage: reusectl [flags] <command> [args]

commands:
  signin <email> <password>             sign in and store the session
  signup <email> <password> [name] [lastName] [phone]
  signout                               clear the stored session
  whoami                                validate the session and print the user
  get <path>                            GET a backend path with the session credential
  chat history <chatID>                 print a chat's messages
  chat send <chatID> <text>             send a message
  chat listen <chatID>                  print live messages until interrupted
  completion <bash|zsh|fish>            print a shell completion script

flags:
`

func main() {
	var (
		configPath  = flag.String("config", "", "Path to a YAML configuration file")
		envFile     = flag.String("env", ".env", "Path to a dotenv file merged into the environment")
		metricsAddr = flag.String("metrics-addr", "", "Serve Prometheus metrics on this address (e.g. :9090)")
	)
	flag.Usage = func() {
		fmt.Fprint(flag.CommandLine.Output(), usage)
		flag.PrintDefaults()
	}
	flag.Parse()

	args := flag.Args()
	if len(args) == 0 {
		flag.Usage()
		os.Exit(2)
	}

	out := cli.NewPrinter(os.Stdout)

	if args[0] == "completion" {
		if len(args) != 2 {
			exitUsage("completion <bash|zsh|fish>")
		}
		if err := cli.GenerateCompletion(os.Stdout, args[1]); err != nil {
			out.Error("%v", err)
			os.Exit(1)
		}
		return
	}

	if err := config.LoadEnvFile(*envFile); err != nil {
		out.Error("%v", err)
		os.Exit(1)
	}
	cfg, err := config.Load(*configPath)
	if err != nil {
		out.Error("%v", err)
		os.Exit(1)
	}

	log := logger.New(logger.LoggingConfig{
		Level:     cfg.Logging.Level,
		Format:    cfg.Logging.Format,
		Output:    cfg.Logging.Output,
		Component: "reusectl",
	})

	if *metricsAddr != "" {
		go func() {
			mux := http.NewServeMux()
			mux.Handle("/metrics", metrics.Handler())
			if err := http.ListenAndServe(*metricsAddr, mux); err != nil && !errors.Is(err, http.ErrServerClosed) {
				log.WithError(err).Error("metrics server stopped")
			}
		}()
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	application, err := app.New(cfg, log)
	if err != nil {
		out.Error("%v", err)
		log.Close()
		os.Exit(1)
	}

	code := run(ctx, application, out, args)
	if err := application.Close(); err != nil {
		log.WithError(err).Warn("shutdown")
	}
	if err := log.Close(); err != nil {
		out.Error("close log output: %v", err)
	}
	os.Exit(code)
}

func run(ctx context.Context, a *app.Application, out *cli.Printer, args []string) int {
	cmd, rest := args[0], args[1:]

	// signin and signup replace the session, so there is nothing to restore.
	if cmd != "signin" && cmd != "signup" && cmd != "signout" {
		spin := out.Spinner("restoring session")
		spin.Start()
		state := a.Start(ctx)
		spin.Stop()
		if state != session.StateAuthenticated && cmd != "get" {
			out.Warning("not signed in")
			return 1
		}
	}

	var err error
	switch cmd {
	case "signin":
		err = signIn(ctx, a, out, rest)
	case "signup":
		err = signUp(ctx, a, out, rest)
	case "signout":
		err = a.Session.SignOut(ctx)
		if err == nil {
			out.Success("signed out")
		}
	case "whoami":
		err = whoami(ctx, a, out)
	case "get":
		err = get(ctx, a, out, rest)
	case "chat":
		err = chatCommand(ctx, a, out, rest)
	default:
		exitUsage(cmd + ": unknown command")
	}

	if err != nil {
		out.Error("%s", apierror.Describe(err))
		return 1
	}
	return 0
}

func signIn(ctx context.Context, a *app.Application, out *cli.Printer, args []string) error {
	if len(args) != 2 {
		exitUsage("signin <email> <password>")
	}
	spin := out.Spinner("signing in")
	spin.Start()
	if err := a.Session.SignIn(ctx, args[0], args[1]); err != nil {
		spin.Stop()
		return err
	}
	user, _ := a.Session.User()
	spin.Success("signed in as %s", displayName(user))
	return nil
}

func signUp(ctx context.Context, a *app.Application, out *cli.Printer, args []string) error {
	if len(args) < 2 || len(args) > 5 {
		exitUsage("signup <email> <password> [name] [lastName] [phone]")
	}
	reg := session.Registration{Email: args[0], Password: args[1]}
	if len(args) > 2 {
		reg.Name = args[2]
	}
	if len(args) > 3 {
		reg.LastName = args[3]
	}
	if len(args) > 4 {
		reg.Phone = args[4]
	}
	if err := a.Session.SignUp(ctx, reg); err != nil {
		return err
	}
	user, _ := a.Session.User()
	out.Success("registered and signed in as %s", displayName(user))
	return nil
}

func whoami(ctx context.Context, a *app.Application, out *cli.Printer) error {
	user, err := a.Profile.Me(ctx)
	if err != nil {
		return err
	}
	return printJSON(out.Writer(), user)
}

func get(ctx context.Context, a *app.Application, out *cli.Printer, args []string) error {
	if len(args) != 1 {
		exitUsage("get <path>")
	}
	resp, err := a.Gateway.Do(ctx, http.MethodGet, args[0], nil)
	if err != nil {
		return err
	}
	var v any
	if err := resp.JSON(&v); err != nil {
		_, werr := out.Writer().Write(append(resp.Body, '\n'))
		return werr
	}
	return printJSON(out.Writer(), v)
}

func chatCommand(ctx context.Context, a *app.Application, out *cli.Printer, args []string) error {
	if len(args) < 2 {
		exitUsage("chat history|send|listen <chatID> ...")
	}
	chatID, err := strconv.ParseInt(args[1], 10, 64)
	if err != nil {
		exitUsage("chat: chatID must be a number")
	}

	switch args[0] {
	case "history":
		messages, err := a.Chat.History(ctx, chatID)
		if err != nil {
			return err
		}
		for _, m := range messages {
			printMessage(a, out, m)
		}
		return nil

	case "send":
		if len(args) != 3 {
			exitUsage("chat send <chatID> <text>")
		}
		if err := connect(ctx, a, out); err != nil {
			return err
		}
		if !a.Chat.Send(chatID, args[2]) {
			out.Warning("message not sent: realtime channel unavailable")
			return nil
		}
		out.Success("sent")
		return nil

	case "listen":
		a.Chat.Listen(chatID, func(m chat.Message) { printMessage(a, out, m) })
		if err := connect(ctx, a, out); err != nil {
			return err
		}
		out.Info("listening on chat %d, press Ctrl-C to stop", chatID)
		<-ctx.Done()
		return nil

	default:
		exitUsage("chat history|send|listen <chatID> ...")
		return nil
	}
}

// connect starts realtime and waits for the first connection, bounded by the
// handshake timeout.
func connect(ctx context.Context, a *app.Application, out *cli.Printer) error {
	if err := a.ConnectRealtime(); err != nil {
		return err
	}
	spin := out.Spinner("connecting")
	spin.Start()
	defer spin.Stop()

	deadline := time.NewTimer(a.Config.Realtime.HandshakeTimeout)
	defer deadline.Stop()
	tick := time.NewTicker(50 * time.Millisecond)
	defer tick.Stop()

	for !a.Realtime.IsConnected() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-deadline.C:
			return fmt.Errorf("realtime: not connected after %s", a.Config.Realtime.HandshakeTimeout)
		case <-tick.C:
		}
	}
	return nil
}

func printMessage(a *app.Application, out *cli.Printer, m chat.Message) {
	who := strconv.FormatInt(m.SenderID, 10)
	if a.Chat.IsMine(m) {
		who = out.Colorize("me", cli.ColorBold)
	}
	stamp := ""
	if !m.SentAt.IsZero() {
		stamp = m.SentAt.Local().Format("15:04") + " "
	}
	fmt.Fprintf(out.Writer(), "%s[%s] %s\n", stamp, who, m.Content)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func displayName(u session.User) string {
	if u.Name != "" {
		return u.Name + " <" + u.Email + ">"
	}
	return u.Email
}

func exitUsage(msg string) {
	fmt.Fprintf(os.Stderr, "reusectl: %s\n", msg)
	os.Exit(2)
}
