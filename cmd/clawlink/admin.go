// ABOUTME: Administration commands: stored gateway credentials and API tokens
// ABOUTME: gateway set/list/delete edit the store; token issues a JWT for a user

package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"

	"github.com/2389/clawlink/internal/auth"
	"github.com/2389/clawlink/internal/client"
	"github.com/2389/clawlink/internal/store"
)

const defaultTokenTTL = 30 * 24 * time.Hour

func runGateway(ctx context.Context, args []string) error {
	if len(args) == 0 {
		return errors.New("usage: clawlink gateway set|list|delete")
	}

	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	st, err := store.NewSQLiteStore(cfg.Database.Path)
	if err != nil {
		return fmt.Errorf("opening store: %w", err)
	}
	defer st.Close()

	switch args[0] {
	case "set":
		return gatewaySet(ctx, st, args[1:])
	case "list":
		return gatewayList(ctx, st)
	case "delete":
		return gatewayDelete(ctx, st, args[1:])
	default:
		return fmt.Errorf("unknown gateway command: %s", args[0])
	}
}

func gatewaySet(ctx context.Context, st store.Store, args []string) error {
	fs := flag.NewFlagSet("gateway set", flag.ContinueOnError)
	userID := fs.String("user", "", "User ID")
	url := fs.String("url", "", "Gateway URL")
	token := fs.String("token", "", "Gateway token")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *userID == "" || *url == "" {
		return errors.New("--user and --url are required")
	}
	if _, err := client.BuildSocketURL(*url, *token, "check"); err != nil {
		return err
	}

	rec := &store.GatewayRecord{UserID: *userID, GatewayURL: *url, Token: *token}
	if err := st.PutGateway(ctx, rec); err != nil {
		return fmt.Errorf("saving gateway: %w", err)
	}

	color.New(color.FgGreen).Print("✓ ")
	fmt.Printf("gateway for %s set to %s\n", *userID, *url)
	return nil
}

func gatewayList(ctx context.Context, st store.Store) error {
	records, err := st.ListGateways(ctx)
	if err != nil {
		return fmt.Errorf("listing gateways: %w", err)
	}
	if len(records) == 0 {
		fmt.Println("no gateways configured")
		return nil
	}

	tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "USER\tGATEWAY\tTOKEN\tUPDATED")
	for _, rec := range records {
		token := "-"
		if rec.Token != "" {
			token = "set"
		}
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", rec.UserID, rec.GatewayURL, token, rec.UpdatedAt.Local().Format(time.DateTime))
	}
	return tw.Flush()
}

func gatewayDelete(ctx context.Context, st store.Store, args []string) error {
	fs := flag.NewFlagSet("gateway delete", flag.ContinueOnError)
	userID := fs.String("user", "", "User ID")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *userID == "" {
		return errors.New("--user is required")
	}

	if err := st.DeleteGateway(ctx, *userID); err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return fmt.Errorf("no gateway configured for %s", *userID)
		}
		return fmt.Errorf("deleting gateway: %w", err)
	}
	color.New(color.FgGreen).Print("✓ ")
	fmt.Printf("gateway for %s deleted\n", *userID)
	return nil
}

func runToken(args []string) error {
	fs := flag.NewFlagSet("token", flag.ContinueOnError)
	userID := fs.String("user", "", "User ID (token subject)")
	ttl := fs.Duration("ttl", defaultTokenTTL, "Token lifetime")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if *userID == "" {
		return errors.New("--user is required")
	}

	cfg, _, err := loadConfig()
	if err != nil {
		return err
	}
	if cfg.Auth.JWTSecret == "" {
		return errors.New("auth.jwt_secret is not configured")
	}

	verifier, err := auth.NewJWTVerifier([]byte(cfg.Auth.JWTSecret))
	if err != nil {
		return err
	}
	token, err := verifier.Generate(*userID, *ttl)
	if err != nil {
		return fmt.Errorf("generating token: %w", err)
	}
	fmt.Println(token)
	return nil
}
