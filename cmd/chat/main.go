// Chat — terminal chat client.
//
// It connects to the relay over UDP (reliable delivery handled by the client
// itself) or TCP (delivery handled by the transport). It can be launched
// interactively (no flags) or non-interactively via CLI flags
// (-proto, -addr, -user).
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/pterm/pterm"

	"github.com/1ureka/1ureka.net.chat/internal/client"
	"github.com/1ureka/1ureka.net.chat/internal/config"
	"github.com/1ureka/1ureka.net.chat/internal/util"
)

var version = "dev"

const authWait = 10 * time.Second

// chatClient is the transport-independent surface both clients share.
type chatClient interface {
	AwaitAuth(ctx context.Context) error
	SendChat(text string) error
	RequestLeave() error
	Users() []string
	Done() <-chan struct{}
	Close()
}

func main() {
	// Root context — cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	// CLI flags.
	proto := flag.String("proto", "", "Transport: udp or tcp")
	addr := flag.String("addr", "", "Relay address (host:port)")
	user := flag.String("user", "", "Username to register")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	if *debugMode {
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("Chat — v%s", version))
	pterm.Println()

	cfg, err := config.Load()
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	// No -proto flag → interactive mode.
	if *proto == "" {
		*proto, *addr, *user = askConnection(cfg)
	}

	switch *proto {
	case "udp", "tcp":
	default:
		util.LogError("invalid -proto: must be 'udp' or 'tcp'")
		os.Exit(1)
	}
	if *addr == "" {
		if *proto == "udp" {
			*addr = "127.0.0.1" + cfg.DatagramAddr
		} else {
			*addr = "127.0.0.1" + cfg.StreamAddr
		}
	}
	if *user == "" {
		*user = askUsername()
	}

	run(ctx, cfg, *proto, *addr, *user)
}

// run connects, authenticates and hands over to the input loop.
func run(ctx context.Context, cfg *config.Config, proto, addr, user string) {
	h := client.Handler{
		OnMessage: func(sender, text string) {
			pterm.Printf("%s %s\n", pterm.FgCyan.Sprintf("<%s>", sender), text)
		},
		OnPrivateMessage: func(sender, text string) {
			pterm.Printf("%s %s\n", pterm.FgMagenta.Sprintf("[pm from %s]", sender), text)
		},
		OnUserListChanged: func(users []string) {
			util.LogDebug("online: %s", strings.Join(users, ", "))
		},
		OnSystemNotice: func(text string) {
			pterm.FgGray.Println("* " + text)
		},
		OnError: func(err error) {
			util.LogWarning("%v", err)
		},
	}

	var (
		c   chatClient
		err error
	)
	if proto == "udp" {
		c, err = client.DialUDP(ctx, cfg, addr, user, h)
	} else {
		c, err = client.DialTCP(ctx, addr, user, h)
	}
	if err != nil {
		util.LogError("failed to connect: %v", err)
		os.Exit(1)
	}
	defer c.Close()

	authCtx, cancel := context.WithTimeout(ctx, authWait)
	err = c.AwaitAuth(authCtx)
	cancel()
	if err != nil {
		util.LogError("registration failed: %v", err)
		os.Exit(1)
	}

	util.LogSuccess("connected to %s as %q (%s)", addr, user, proto)
	pterm.FgGray.Println("* /msg <user> <text> for private messages, /users for the roster, /quit to leave")

	inputLoop(ctx, c)
	util.LogInfo("disconnected")
}

// inputLoop relays stdin lines to the server until the user quits, the
// connection dies, or the context is cancelled.
func inputLoop(ctx context.Context, c chatClient) {
	lines := make(chan string)
	go func() {
		defer close(lines)
		sc := bufio.NewScanner(os.Stdin)
		for sc.Scan() {
			lines <- sc.Text()
		}
	}()

	for {
		select {
		case line, ok := <-lines:
			if !ok {
				c.RequestLeave()
				return
			}
			text := strings.TrimSpace(line)
			switch {
			case text == "":
			case text == "/quit":
				if err := c.RequestLeave(); err != nil {
					util.LogWarning("leave notice: %v", err)
				}
				return
			case text == "/users":
				pterm.FgGray.Println("* online: " + strings.Join(c.Users(), ", "))
			default:
				if err := c.SendChat(text); err != nil {
					util.LogWarning("send: %v", err)
				}
			}
		case <-c.Done():
			util.LogWarning("connection to server lost")
			return
		case <-ctx.Done():
			c.RequestLeave()
			return
		}
	}
}

// ---------------------------------------------------------------------------
// Interactive prompts
// ---------------------------------------------------------------------------

// askConnection prompts for transport, address and username.
func askConnection(cfg *config.Config) (proto, addr, user string) {
	choice, _ := pterm.DefaultInteractiveSelect.
		WithOptions([]string{"UDP — reliable datagrams", "TCP — plain stream"}).
		WithDefaultText("Select a transport").
		Show()
	pterm.Println()

	proto = "tcp"
	def := "127.0.0.1" + cfg.StreamAddr
	if strings.HasPrefix(choice, "UDP") {
		proto = "udp"
		def = "127.0.0.1" + cfg.DatagramAddr
	}

	raw, _ := pterm.DefaultInteractiveTextInput.
		WithDefaultValue(def).
		WithDefaultText("Relay address (host:port)").
		Show()
	pterm.Println()
	addr = strings.TrimSpace(raw)
	if addr == "" {
		addr = def
	}

	return proto, addr, askUsername()
}

// askUsername prompts until a non-empty username is entered.
func askUsername() string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("Username").
			Show()

		user := strings.TrimSpace(raw)
		if user != "" {
			pterm.Println()
			return user
		}

		util.LogWarning("username must not be empty")
		pterm.Println()
	}
}
