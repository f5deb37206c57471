// Deskctl — relay client entry point.
//
// This tool speaks the relay protocol from a terminal: as a controller it
// pairs with a target, negotiates permissions, and chats; as a target it
// answers permission requests and watches the session. Screen capture and
// rendering belong to graphical frontends built on the client package —
// deskctl covers the brokered part of a session.
//
// It can be launched interactively (no flags) or non-interactively via CLI
// flags (--addr, --user, --pass, --role, --target, --grant).
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/pflag"

	"github.com/deskrelay/deskrelay/internal/client"
	"github.com/deskrelay/deskrelay/internal/protocol"
	"github.com/deskrelay/deskrelay/internal/util"
)

var version = "dev"

func main() {
	// Root context — cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	// CLI flags.
	addr := pflag.String("addr", "127.0.0.1:9009", "Relay address (host:port or ws://host:port/ws)")
	user := pflag.String("user", "", "Account username")
	pass := pflag.String("pass", "", "Account password")
	role := pflag.String("role", "", "Role: controller or target")
	target := pflag.String("target", "", "Target username to connect to (controller only)")
	grant := pflag.String("grant", "", "Capabilities to auto-grant, e.g. view,mouse (target only)")
	debugMode := pflag.Bool("debug", false, "Enable debug logging")
	pflag.Parse()

	if *debugMode {
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("Deskctl — v%s", version))
	pterm.Println()

	switch *role {
	case "":
		// No --role flag → interactive mode.
		runInteractive(ctx, *addr)

	case "controller":
		username, password := askCredentials(*user, *pass)
		runController(ctx, *addr, username, password, *target)

	case "target":
		username, password := askCredentials(*user, *pass)
		runTarget(ctx, *addr, username, password, *grant)

	default:
		util.LogError("invalid --role: must be 'controller' or 'target'")
		os.Exit(1)
	}

	util.LogInfo("session closed")
}

// ---------------------------------------------------------------------------
// Run modes
// ---------------------------------------------------------------------------

// runInteractive falls back to prompts when no --role flag is provided.
func runInteractive(ctx context.Context, addr string) {
	role, _ := pterm.DefaultInteractiveSelect.
		WithOptions([]string{
			"Controller — view and control a remote desktop",
			"Target     — share this desktop",
		}).
		WithDefaultText("Select your role").
		Show()

	pterm.Println()
	username, password := askCredentials("", "")

	if strings.HasPrefix(role, "Controller") {
		runController(ctx, addr, username, password, "")
	} else {
		runTarget(ctx, addr, username, password, "")
	}
}

// runController pairs with a target, asks for permissions, and drops into a
// chat loop until /quit or Ctrl+C.
func runController(ctx context.Context, addr, username, password, target string) {
	paired := make(chan protocol.ConnectInfoData, 1)

	c := login(ctx, addr, username, password, protocol.RoleController, client.Events{
		ConnectInfo: func(info protocol.ConnectInfoData) { paired <- info },
		Chat: func(msg protocol.ChatData) {
			pterm.Println(pterm.Cyan(msg.Sender+"> ") + msg.Text)
		},
		PermResponse: func(resp protocol.PermResponseData) {
			util.LogInfo("permissions granted: %s", formatPerms(resp.Granted))
		},
		Frame: func(blob []byte) {
			util.LogDebug("frame received (%d bytes)", len(blob))
		},
		Error: func(e protocol.ErrorData) { reportError(e) },
	})
	defer c.Close()
	go c.Run(ctx)

	if target == "" {
		target = askRequired("Target username to connect to")
	}
	if err := c.RequestConnect(target); err != nil {
		util.LogError("connect request failed: %v", err)
		os.Exit(1)
	}

	var info protocol.ConnectInfoData
	select {
	case info = <-paired:
	case <-time.After(10 * time.Second):
		util.LogError("no answer from relay, is %s online?", target)
		os.Exit(1)
	case <-ctx.Done():
		return
	}
	util.LogInfo("paired with %s (session %d)", info.PeerUsername, info.SessionID)

	if err := c.RequestPermissions(target, askPermissions()); err != nil {
		util.LogError("permission request failed: %v", err)
		os.Exit(1)
	}

	chatLoop(ctx, c)
	c.Disconnect()
}

// runTarget registers as a shareable desktop and answers permission requests
// until Ctrl+C. With --grant, requests are answered automatically with the
// intersection of what was asked and what the flag allows.
func runTarget(ctx context.Context, addr, username, password, grant string) {
	auto, hasPolicy := protocol.Permissions{}, grant != ""
	if hasPolicy {
		auto = parsePerms(grant)
	}

	var c *client.Client
	c = login(ctx, addr, username, password, protocol.RoleTarget, client.Events{
		ConnectInfo: func(info protocol.ConnectInfoData) {
			util.LogInfo("%s connected (session %d)", info.PeerUsername, info.SessionID)
		},
		Chat: func(msg protocol.ChatData) {
			pterm.Println(pterm.Cyan(msg.Sender+"> ") + msg.Text)
		},
		PermRequest: func(req protocol.PermRequestData) {
			granted := decideGrant(req, auto, hasPolicy)
			if err := c.GrantPermissions(req.Controller, granted); err != nil {
				util.LogError("permission response failed: %v", err)
				return
			}
			util.LogInfo("granted %s to %s", formatPerms(granted), req.Controller)
		},
		Input: func(event json.RawMessage) {
			util.LogDebug("input event: %s", event)
		},
		Error: func(e protocol.ErrorData) { reportError(e) },
	})
	defer c.Close()

	util.LogInfo("sharing as %s, waiting for a controller (Ctrl+C to stop)", username)
	c.Run(ctx)
}

// ---------------------------------------------------------------------------
// Helper Functions
// ---------------------------------------------------------------------------

// login dials the relay and authenticates, exiting on failure.
func login(ctx context.Context, addr, username, password, role string, events client.Events) *client.Client {
	c, err := client.Dial(ctx, addr, events)
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	if err := c.Login(username, password, role); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	util.LogInfo("logged in to %s as %s", addr, username)
	return c
}

// chatLoop reads chat lines until /quit or cancellation.
func chatLoop(ctx context.Context, c *client.Client) {
	pterm.Println()
	pterm.Println("Type to chat, /quit to end the session.")

	for ctx.Err() == nil {
		line, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText("chat").
			Show()
		line = strings.TrimSpace(line)

		switch {
		case line == "/quit":
			return
		case line == "":
		default:
			if err := c.SendChat(line); err != nil {
				util.LogError("sending chat: %v", err)
				return
			}
		}
	}
}

// decideGrant answers one permission request, either from the --grant policy
// or by asking the person at the keyboard.
func decideGrant(req protocol.PermRequestData, auto protocol.Permissions, hasPolicy bool) protocol.Permissions {
	asked := protocol.Permissions{View: req.View, Mouse: req.Mouse, Keyboard: req.Keyboard}
	if hasPolicy {
		return protocol.Permissions{
			View:     asked.View && auto.View,
			Mouse:    asked.Mouse && auto.Mouse,
			Keyboard: asked.Keyboard && auto.Keyboard,
		}
	}

	ok, _ := pterm.DefaultInteractiveConfirm.
		WithDefaultText(fmt.Sprintf("%s asks for %s — grant?", req.Controller, formatPerms(asked))).
		Show()
	if !ok {
		return protocol.Permissions{}
	}
	return asked
}

// reportError prints a relay-side error, distinguishing a departed peer.
func reportError(e protocol.ErrorData) {
	if e.Code == protocol.CodePeerGone {
		util.LogWarning("%s disconnected, session closed", e.PeerUsername)
		return
	}
	util.LogError("relay error %d: %s", e.Code, e.Message)
}

// askCredentials fills in whatever the flags left empty.
func askCredentials(username, password string) (string, string) {
	if username == "" {
		username = askRequired("Username")
	}
	if password == "" {
		for password == "" {
			password, _ = pterm.DefaultInteractiveTextInput.
				WithMask("*").
				WithDefaultText("Password").
				Show()
		}
	}
	return username, password
}

// askRequired prompts until a non-empty value is entered.
func askRequired(prompt string) string {
	for {
		raw, _ := pterm.DefaultInteractiveTextInput.
			WithDefaultText(prompt).
			Show()
		if v := strings.TrimSpace(raw); v != "" {
			return v
		}
	}
}

// askPermissions lets the controller pick the capabilities to request.
func askPermissions() protocol.Permissions {
	picked, _ := pterm.DefaultInteractiveMultiselect.
		WithOptions([]string{"view", "mouse", "keyboard"}).
		WithDefaultText("Capabilities to request").
		Show()
	return parsePerms(strings.Join(picked, ","))
}

// parsePerms builds a permission set from a comma-separated capability list.
func parsePerms(spec string) protocol.Permissions {
	var p protocol.Permissions
	for _, name := range strings.Split(spec, ",") {
		switch strings.TrimSpace(name) {
		case "view":
			p.View = true
		case "mouse":
			p.Mouse = true
		case "keyboard":
			p.Keyboard = true
		}
	}
	return p
}

// formatPerms renders a permission set for humans.
func formatPerms(p protocol.Permissions) string {
	var names []string
	if p.View {
		names = append(names, "view")
	}
	if p.Mouse {
		names = append(names, "mouse")
	}
	if p.Keyboard {
		names = append(names, "keyboard")
	}
	if len(names) == 0 {
		return "nothing"
	}
	return strings.Join(names, ", ")
}
