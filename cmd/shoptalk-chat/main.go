// Command shoptalk-chat is a terminal client for the ShopTalk gateway.
// It drives a chat session over REST, follows the session's event stream
// so background turns (the greeting, voice turns) show up in order, and
// switches into realtime voice with /voice.
package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/shoptalk-ai/shoptalk/internal/dotenv"
	"github.com/shoptalk-ai/shoptalk/pkg/core"
	"github.com/shoptalk-ai/shoptalk/pkg/core/chat"
	"github.com/shoptalk-ai/shoptalk/pkg/core/types"
	shoptalk "github.com/shoptalk-ai/shoptalk/sdk"
)

const (
	defaultBaseURL = "http://127.0.0.1:8080"
	defaultTimeout = 90 * time.Second
)

// errChatExitRequested propagates /exit out of nested modes without
// treating it as a failure.
var errChatExitRequested = errors.New("chat exit requested")

type chatConfig struct {
	BaseURL string
	Timeout time.Duration
}

func parseChatConfig(args []string, getenv func(string) string) (chatConfig, error) {
	if getenv == nil {
		getenv = os.Getenv
	}

	baseURLDefault := strings.TrimSpace(getenv("SHOPTALK_BASE_URL"))
	if baseURLDefault == "" {
		baseURLDefault = defaultBaseURL
	}

	cfg := chatConfig{}
	fs := flag.NewFlagSet("shoptalk-chat", flag.ContinueOnError)
	fs.SetOutput(io.Discard)

	fs.StringVar(&cfg.BaseURL, "base-url", baseURLDefault, "ShopTalk gateway base URL (or SHOPTALK_BASE_URL)")
	fs.DurationVar(&cfg.Timeout, "timeout", defaultTimeout, "per-turn timeout (e.g. 90s)")

	if err := fs.Parse(args); err != nil {
		return chatConfig{}, err
	}

	if err := validateChatConfig(cfg); err != nil {
		return chatConfig{}, err
	}
	return cfg, nil
}

func validateChatConfig(cfg chatConfig) error {
	cfg.BaseURL = strings.TrimSpace(cfg.BaseURL)

	if cfg.BaseURL == "" {
		return errors.New("base-url must not be empty")
	}
	baseURL, err := url.Parse(cfg.BaseURL)
	if err != nil || strings.TrimSpace(baseURL.Scheme) == "" || strings.TrimSpace(baseURL.Host) == "" {
		return errors.New("base-url must be a valid absolute URL")
	}
	if baseURL.User != nil {
		return errors.New("base-url must not include credentials")
	}
	if cfg.Timeout <= 0 {
		return errors.New("timeout must be > 0")
	}
	return nil
}

// followEvents prints session activity the REPL cannot see on its own:
// the background greeting, mode flips, and turns started elsewhere. Turns
// the shopper typed are printed from the SendMessage result instead, so
// the follower tracks each turn's origin to avoid echoing those twice.
func followEvents(stream *shoptalk.EventStream, out io.Writer, errOut io.Writer) {
	lastOrigin := ""
	for {
		event, err := stream.Next()
		if errors.Is(err, io.EOF) {
			return
		}
		if err != nil {
			fmt.Fprintf(errOut, "event stream error: %v\n", err)
			return
		}

		switch e := event.(type) {
		case *chat.TurnStartedEvent:
			lastOrigin = e.Origin
		case *chat.TurnCompletedEvent:
			if lastOrigin != "greeting" {
				continue
			}
			if e.Message != nil && strings.TrimSpace(e.Message.Text) != "" {
				fmt.Fprintf(out, "\n%s\n> ", e.Message.Text)
			}
		case *chat.ModeChangedEvent:
			if e.From != e.To {
				fmt.Fprintf(out, "\nmode: %s -> %s\n", e.From, e.To)
			}
		}
	}
}

func printAssistantReply(out io.Writer, result *shoptalk.TurnResult) {
	if result == nil {
		return
	}
	if result.Suppressed || result.Message == nil {
		fmt.Fprintln(out, "(the assistant had nothing to add)")
		return
	}
	if text := strings.TrimSpace(result.Message.Text); text != "" {
		fmt.Fprintln(out, text)
	}
	if result.Message.Recommendation != nil {
		printRecommendation(out, *result.Message.Recommendation)
	}
}

func printRecommendation(out io.Writer, rec types.Recommendation) {
	fmt.Fprintf(out, "[recommended] %s ($%.2f)\n", rec.Product.Name, rec.Product.Price)
	if reasoning := strings.TrimSpace(rec.Reasoning); reasoning != "" {
		fmt.Fprintf(out, "    %s\n", reasoning)
	}
	if rec.Product.PurchaseURL != "" {
		fmt.Fprintf(out, "    buy: %s\n", rec.Product.PurchaseURL)
	}
}

func printCatalog(out io.Writer, catalog *shoptalk.Catalog) {
	if catalog == nil || len(catalog.Products) == 0 {
		fmt.Fprintln(out, "the catalog is empty")
		return
	}
	fmt.Fprintf(out, "catalog %s (%d products)\n", catalog.Version, len(catalog.Products))
	for _, product := range catalog.Products {
		fmt.Fprintf(out, "  %-12s $%8.2f  %s\n", product.ID, product.Price, product.Name)
	}
}

func printTurnError(errOut io.Writer, err error) {
	var coreErr *core.Error
	if errors.As(err, &coreErr) && coreErr.Type == core.ErrBusy {
		fmt.Fprintln(errOut, "the assistant is still working on the previous turn; try again in a moment")
		return
	}
	fmt.Fprintf(errOut, "turn error: %v\n", err)
}

func runChat(ctx context.Context, cfg chatConfig, in io.Reader, out io.Writer, errOut io.Writer) error {
	if err := validateChatConfig(cfg); err != nil {
		return err
	}
	if in == nil {
		in = os.Stdin
	}
	if out == nil {
		out = os.Stdout
	}
	if errOut == nil {
		errOut = os.Stderr
	}

	client := shoptalk.NewClient(cfg.BaseURL, shoptalk.WithTimeout(cfg.Timeout))

	session, err := client.CreateSession(ctx)
	if err != nil {
		return fmt.Errorf("create session: %w", err)
	}
	defer func() {
		cleanupCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = client.DeleteSession(cleanupCtx, session.ID)
	}()

	stream, err := client.StreamEvents(ctx, session.ID)
	if err != nil {
		return fmt.Errorf("subscribe to events: %w", err)
	}
	defer stream.Close()
	go followEvents(stream, out, errOut)

	fmt.Fprintf(out, "Connected to %s (session %s)\n", cfg.BaseURL, session.ID)
	fmt.Fprintln(out, "Type to chat. Commands: /voice, /products, /session, /exit.")

	scanner := bufio.NewScanner(in)
	for {
		fmt.Fprint(out, "> ")
		if !scanner.Scan() {
			if err := scanner.Err(); err != nil {
				return fmt.Errorf("read input: %w", err)
			}
			fmt.Fprintln(out)
			return nil
		}

		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}

		switch line {
		case "/exit", "/quit":
			fmt.Fprintln(out, "bye")
			return nil
		case "/products":
			catalog, err := client.Catalog(ctx)
			if err != nil {
				fmt.Fprintf(errOut, "catalog error: %v\n", err)
				continue
			}
			printCatalog(out, catalog)
			continue
		case "/session":
			current, err := client.Session(ctx, session.ID)
			if err != nil {
				fmt.Fprintf(errOut, "session error: %v\n", err)
				continue
			}
			fmt.Fprintf(out, "session %s  mode=%s  busy=%v  messages=%d\n",
				current.ID, current.Mode, current.Busy, len(current.Messages))
			continue
		case "/voice":
			err := runVoiceMode(ctx, scanner, client, session.ID, out, errOut)
			if errors.Is(err, errChatExitRequested) {
				fmt.Fprintln(out, "bye")
				return nil
			}
			if err != nil {
				// Voice trouble never kills the conversation; fall back
				// to typing and say so.
				fmt.Fprintf(errOut, "voice mode unavailable: %v\n", err)
				fmt.Fprintln(out, "staying in text mode")
			}
			continue
		}

		result, err := client.SendMessage(ctx, session.ID, line)
		if err != nil {
			printTurnError(errOut, err)
			continue
		}
		printAssistantReply(out, result)
	}
}

func main() {
	if err := dotenv.Load(".env"); err != nil {
		fmt.Fprintf(os.Stderr, "shoptalk-chat: %v\n", err)
		os.Exit(1)
	}

	cfg, err := parseChatConfig(os.Args[1:], os.Getenv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "shoptalk-chat: %v\n", err)
		os.Exit(1)
	}

	if err := runChat(context.Background(), cfg, os.Stdin, os.Stdout, os.Stderr); err != nil {
		fmt.Fprintf(os.Stderr, "shoptalk-chat: %v\n", err)
		os.Exit(1)
	}
}
