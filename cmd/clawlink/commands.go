// ABOUTME: Commands that talk to a gateway directly: sessions, history, chat, rename, delete
// ABOUTME: Credentials come from flags, CLAWLINK_GATEWAY_* env vars, or the store by user id

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/2389/clawlink/internal/chat"
	"github.com/2389/clawlink/internal/client"
	"github.com/2389/clawlink/internal/config"
	"github.com/2389/clawlink/internal/sessions"
	"github.com/2389/clawlink/internal/store"
)

// gatewayFlags are shared by every command that opens a gateway client.
type gatewayFlags struct {
	url    string
	token  string
	userID string
}

func (g *gatewayFlags) register(fs *flag.FlagSet) {
	fs.StringVar(&g.url, "url", os.Getenv("CLAWLINK_GATEWAY_URL"), "Gateway URL")
	fs.StringVar(&g.token, "token", os.Getenv("CLAWLINK_GATEWAY_TOKEN"), "Gateway token")
	fs.StringVar(&g.userID, "user", "", "Look up the gateway stored for this user")
}

func (g *gatewayFlags) credentials(ctx context.Context, cfg *config.Config) (client.Credentials, error) {
	if g.userID == "" {
		if g.url == "" {
			return client.Credentials{}, errors.New("no gateway: pass --url, set CLAWLINK_GATEWAY_URL, or use --user")
		}
		return client.Credentials{GatewayURL: g.url, Token: g.token}, nil
	}

	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return client.Credentials{}, fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	rec, err := st.GetGateway(ctx, g.userID)
	if errors.Is(err, store.ErrNotFound) {
		return client.Credentials{}, fmt.Errorf("no gateway configured for %s", g.userID)
	}
	if err != nil {
		return client.Credentials{}, fmt.Errorf("looking up gateway: %w", err)
	}
	return client.Credentials{GatewayURL: rec.GatewayURL, Token: rec.Token}, nil
}

// command holds what every gateway command needs after flag parsing.
type command struct {
	cfg    *config.Config
	logger *slog.Logger
	client *client.Client
	args   []string
}

// openCommand parses flags, resolves credentials and builds a client. CLI
// logs go to stderr and stay quiet unless logging.level asks for more.
func openCommand(ctx context.Context, name string, args []string, extra func(*flag.FlagSet)) (*command, error) {
	var gf gatewayFlags
	fs := flag.NewFlagSet(name, flag.ContinueOnError)
	gf.register(fs)
	if extra != nil {
		extra(fs)
	}
	if err := fs.Parse(args); err != nil {
		return nil, err
	}

	cfg, _, err := loadConfig()
	if err != nil {
		return nil, err
	}
	logCfg := cfg.Logging
	if logCfg.Level == "info" {
		logCfg.Level = "warn"
	}
	logger := newLogger(logCfg, os.Stderr)

	creds, err := gf.credentials(ctx, cfg)
	if err != nil {
		return nil, err
	}
	c, err := client.New(creds, client.Options{
		RPC:          cfg.Gateway.RPCOptions(logger),
		HistoryLimit: cfg.Gateway.HistoryLimit,
		Logger:       logger,
	})
	if err != nil {
		return nil, err
	}
	return &command{cfg: cfg, logger: logger, client: c, args: fs.Args()}, nil
}

func (c *command) connect(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, c.cfg.Server.RequestTimeout)
	defer cancel()
	if err := c.client.Connect(ctx); err != nil {
		color.New(color.FgYellow).Fprintf(os.Stderr, "gateway unavailable: %v\n", err)
		return false
	}
	return true
}

func warnDegraded() {
	color.New(color.FgYellow).Fprintln(os.Stderr, "gateway unavailable, nothing changed")
}

func runSessions(ctx context.Context, args []string) error {
	var all bool
	cmd, err := openCommand(ctx, "sessions", args, func(fs *flag.FlagSet) {
		fs.BoolVar(&all, "all", false, "Include global and unknown sessions")
	})
	if err != nil {
		return err
	}
	defer cmd.client.Close()

	cmd.connect(ctx)
	list, degraded := cmd.client.ListSessions(ctx, sessions.ListOptions{
		Limit:          cmd.cfg.Gateway.SessionListLimit,
		IncludeGlobal:  all,
		IncludeUnknown: all,
	})
	if degraded {
		color.New(color.FgYellow).Fprintln(os.Stderr, "gateway unavailable, showing no sessions")
		return nil
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "KEY\tNAME\tKIND\tUPDATED\tTOKENS")
	for _, s := range list {
		updated := "-"
		if s.UpdatedAt != nil {
			updated = s.UpdatedAt.Local().Format(time.DateTime)
		}
		tokens := "-"
		if s.TotalTokens != nil {
			tokens = fmt.Sprint(*s.TotalTokens)
		}
		name := s.Name
		if s.Main {
			name = color.CyanString(name)
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", s.Key, name, s.Kind, updated, tokens)
	}
	return tw.Flush()
}

func runHistory(ctx context.Context, args []string) error {
	cmd, err := openCommand(ctx, "history", args, nil)
	if err != nil {
		return err
	}
	defer cmd.client.Close()
	if len(cmd.args) != 1 {
		return errors.New("usage: clawlink history <session>")
	}

	cmd.connect(ctx)
	hist, err := cmd.client.LoadHistory(ctx, cmd.args[0])
	if err != nil {
		return fmt.Errorf("loading history: %w", err)
	}
	if len(hist.Messages) == 0 {
		fmt.Println("no messages")
		return nil
	}
	for _, m := range hist.Messages {
		printMessage(m)
	}
	return nil
}

func printMessage(m chat.Message) {
	ts := color.HiBlackString(m.CreatedAt.Local().Format("15:04"))
	who := color.GreenString("you")
	if m.Role == chat.RoleAssistant {
		who = color.CyanString("agent")
	}
	fmt.Printf("%s %s: %s\n", ts, who, m.Text())
}

func runChat(ctx context.Context, args []string) error {
	cmd, err := openCommand(ctx, "chat", args, nil)
	if err != nil {
		return err
	}
	defer cmd.client.Close()
	if len(cmd.args) < 2 {
		return errors.New("usage: clawlink chat <session> <message>")
	}
	key := cmd.args[0]
	text := strings.Join(cmd.args[1:], " ")

	if !cmd.connect(ctx) {
		res, err := cmd.client.Send(ctx, key, text, "")
		if err != nil {
			return err
		}
		fmt.Printf("sent over %s (run %s); the reply will appear in history\n", res.Via, res.RunID)
		return nil
	}

	var printed int
	stream, err := cmd.client.Chat(key, chat.Options{
		OnUpdate: func(u chat.Update) {
			if u.Kind != chat.EventDelta || len(u.Text) <= printed {
				return
			}
			fmt.Print(u.Text[printed:])
			printed = len(u.Text)
		},
		Logger: cmd.logger,
	})
	if err != nil {
		return err
	}
	defer stream.Close()

	if _, err := stream.Send(ctx, text); err != nil {
		return err
	}

	res, err := stream.Wait(ctx)
	if err != nil {
		stream.Cancel(context.WithoutCancel(ctx))
		fmt.Println()
		return fmt.Errorf("interrupted: %w", err)
	}

	switch res.Outcome {
	case chat.OutcomeOK:
		if res.Reply != nil {
			if full := res.Reply.Text(); len(full) > printed {
				fmt.Print(full[printed:])
			}
		}
		fmt.Println()
		return nil
	case chat.OutcomeAborted:
		fmt.Println()
		return errors.New("run aborted")
	default:
		fmt.Println()
		return res.Err
	}
}

func runRename(ctx context.Context, args []string) error {
	cmd, err := openCommand(ctx, "rename", args, nil)
	if err != nil {
		return err
	}
	defer cmd.client.Close()
	if len(cmd.args) < 2 {
		return errors.New("usage: clawlink rename <session> <label>")
	}

	cmd.connect(ctx)
	degraded, err := cmd.client.PatchSession(ctx, cmd.args[0], sessions.PatchOptions{
		Label: strings.Join(cmd.args[1:], " "),
	})
	if err != nil {
		return err
	}
	if degraded {
		warnDegraded()
		return nil
	}
	color.New(color.FgGreen).Print("✓ ")
	fmt.Printf("renamed %s\n", cmd.args[0])
	return nil
}

func runDelete(ctx context.Context, args []string) error {
	var keep bool
	cmd, err := openCommand(ctx, "delete", args, func(fs *flag.FlagSet) {
		fs.BoolVar(&keep, "keep-transcript", false, "Keep the transcript on the gateway")
	})
	if err != nil {
		return err
	}
	defer cmd.client.Close()
	if len(cmd.args) != 1 {
		return errors.New("usage: clawlink delete <session>")
	}

	if sessions.Normalize(cmd.args[0]) == sessions.MainKey {
		return sessions.ErrMainUndeletable
	}
	cmd.connect(ctx)
	degraded, err := cmd.client.DeleteSession(ctx, cmd.args[0], sessions.DeleteOptions{KeepTranscript: keep})
	if err != nil {
		return err
	}
	if degraded {
		warnDegraded()
		return nil
	}
	color.New(color.FgGreen).Print("✓ ")
	fmt.Printf("deleted %s\n", cmd.args[0])
	return nil
}
