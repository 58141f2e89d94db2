package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"log"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"overlay-chat/internal/client"
	"overlay-chat/internal/crypto"
	"overlay-chat/internal/keystore"
	"overlay-chat/internal/transport"
	"overlay-chat/internal/ui"
)

func main() {
	server := flag.String("server", envOr("CHAT_SERVER", "ws://127.0.0.1:9470/ws"), "user endpoint of a mesh node")
	userID := flag.String("user", os.Getenv("CHAT_USER"), "identity to register as")
	token := flag.String("token", os.Getenv("CHAT_TOKEN"), "operator token for nodes running -require-auth")
	secret := flag.String("secret", os.Getenv("CHAT_SECRET"), "shared secret sealing chat text end to end")
	linkSecret := flag.String("link-secret", os.Getenv("MESH_LINK_SECRET"), "shared secret encrypting the connection")
	keystorePath := flag.String("keystore", envOr("CHAT_KEYSTORE", "data/chat-keystore.db"), "path to the identity keystore")
	passphrase := flag.String("key-passphrase", os.Getenv("CHAT_KEY_PASSPHRASE"), "passphrase sealing stored keys")
	useTUI := flag.Bool("tui", false, "use the full-screen terminal interface")
	noColor := flag.Bool("no-color", false, "disable ANSI colors in CLI mode")
	flag.Parse()

	if *userID == "" {
		log.Fatal("an identity is required: set CHAT_USER or -user")
	}

	store, err := keystore.Open(*keystorePath, *passphrase)
	if err != nil {
		log.Fatalf("open keystore: %v", err)
	}
	defer store.Close()
	key, err := store.EnsureKey(*userID)
	if err != nil {
		log.Fatalf("user keypair: %v", err)
	}

	chatBox, err := crypto.NewBox(*secret)
	if err != nil {
		log.Fatalf("chat box: %v", err)
	}
	linkBox, err := crypto.NewBox(*linkSecret)
	if err != nil {
		log.Fatalf("link box: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	var c *client.Client
	var tui *ui.TUIDisplay
	var sink ui.Sink
	if *useTUI {
		tui = ui.NewTUIDisplay(func(line string) {
			if err := handleLine(c, sink, line); err != nil {
				sink.ShowSystem(err.Error())
			}
		})
		sink = tui
	} else {
		sink = ui.NewCLIDisplay(ui.ShouldUseColor(*noColor))
	}

	c, err = client.New(client.Options{
		UserID: *userID,
		Key:    key,
		Token:  *token,
		Box:    chatBox,
		Sink:   sink,
	})
	if err != nil {
		log.Fatalf("client: %v", err)
	}

	conn, err := transport.Dial(ctx, *server, linkBox)
	if err != nil {
		log.Fatalf("dial %s: %v", *server, err)
	}
	if err := c.Connect(ctx, conn); err != nil {
		log.Fatalf("register as %s: %v", *userID, err)
	}
	sink.ShowSystem(fmt.Sprintf("connected to %s as %s", *server, *userID))

	go func() {
		if err := c.Run(ctx); err != nil && ctx.Err() == nil {
			log.Printf("connection lost: %v", err)
		}
		stop()
	}()

	if tui != nil {
		if err := tui.Run(ctx); err != nil {
			log.Fatalf("tui: %v", err)
		}
		return
	}
	runPrompt(ctx, c, sink)
}

// runPrompt reads stdin line by line until EOF or shutdown.
func runPrompt(ctx context.Context, c *client.Client, sink ui.Sink) {
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if ctx.Err() != nil {
			return
		}
		line := strings.TrimSpace(scanner.Text())
		if line == "" {
			continue
		}
		if line == "/quit" {
			return
		}
		if err := handleLine(c, sink, line); err != nil {
			sink.ShowSystem(err.Error())
		}
	}
}

// handleLine turns one input line into protocol traffic. Anything that is
// not a command goes to the public channel.
func handleLine(c *client.Client, sink ui.Sink, line string) error {
	switch {
	case strings.HasPrefix(line, "/msg "):
		parts := strings.SplitN(strings.TrimPrefix(line, "/msg "), " ", 2)
		if len(parts) != 2 {
			return fmt.Errorf("usage: /msg <user> <text>")
		}
		return c.SendDirect(parts[0], parts[1])
	case strings.HasPrefix(line, "/send "):
		parts := strings.SplitN(strings.TrimPrefix(line, "/send "), " ", 2)
		if len(parts) != 2 {
			return fmt.Errorf("usage: /send <user> <path>")
		}
		data, err := os.ReadFile(parts[1])
		if err != nil {
			return fmt.Errorf("read %s: %w", parts[1], err)
		}
		return c.SendFile(parts[0], parts[1], data)
	case line == "/who":
		names := make([]string, 0)
		for _, p := range c.Roster() {
			names = append(names, fmt.Sprintf("%s@%s", p.UserID, p.Server))
		}
		if len(names) == 0 {
			sink.ShowSystem("nobody else is online")
			return nil
		}
		sink.ShowSystem("online: " + strings.Join(names, ", "))
		return nil
	case strings.HasPrefix(line, "/"):
		return fmt.Errorf("unknown command %s", strings.Fields(line)[0])
	default:
		return c.SendPublic("", line)
	}
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
