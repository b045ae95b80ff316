// blockbridge - Minecraft server log bridge, account linking and code sandbox
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/nats-io/nats.go"
	flag "github.com/spf13/pflag"
	"golang.org/x/term"

	"github.com/ernie/blockbridge/internal/api"
	"github.com/ernie/blockbridge/internal/assistant"
	"github.com/ernie/blockbridge/internal/auth"
	"github.com/ernie/blockbridge/internal/collector"
	"github.com/ernie/blockbridge/internal/config"
	"github.com/ernie/blockbridge/internal/cooldown"
	"github.com/ernie/blockbridge/internal/domain"
	"github.com/ernie/blockbridge/internal/gameserver"
	"github.com/ernie/blockbridge/internal/linking"
	"github.com/ernie/blockbridge/internal/rcon"
	"github.com/ernie/blockbridge/internal/relay"
	"github.com/ernie/blockbridge/internal/sandbox"
	"github.com/ernie/blockbridge/internal/storage"
	"github.com/ernie/blockbridge/internal/whitelist"
)

var version = "dev"

const defaultConfigPath = "/etc/blockbridge/config.yml"

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	switch os.Args[1] {
	case "serve":
		cmdServe(os.Args[2:])
	case "status":
		cmdStatus(os.Args[2:])
	case "run":
		cmdRun(os.Args[2:])
	case "playtime":
		cmdPlaytime(os.Args[2:])
	case "whitelist":
		cmdWhitelist(os.Args[2:])
	case "user":
		cmdUser(os.Args[2:])
	case "version":
		fmt.Printf("blockbridge %s\n", version)
	case "help", "-h", "--help":
		printUsage()
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", os.Args[1])
		printUsage()
		os.Exit(1)
	}
}

func printUsage() {
	fmt.Println("Usage: blockbridge <command> [options] [args]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  serve                               Start the bridge and HTTP API")
	fmt.Println("  status [--url URL]                  Show server status from a running bridge")
	fmt.Println("  run <file|->                        Run Python code in the sandbox")
	fmt.Println("  playtime <player>                   Show first join and last seen from server logs")
	fmt.Println("  whitelist list                      List whitelisted players")
	fmt.Println("  whitelist add <name>                Whitelist a player")
	fmt.Println("  whitelist remove <name>             Remove a player from the whitelist")
	fmt.Println("  user add [--admin] <username>       Add a user (prompts for password)")
	fmt.Println("  user remove <username>              Remove a user")
	fmt.Println("  user list                           List all users")
	fmt.Println("  user reset <username>               Reset a user's password")
	fmt.Println("  version                             Show version")
	fmt.Println("  help                                Show this help")
	fmt.Println()
	fmt.Println("Global Options:")
	fmt.Println("  --config <path>    Path to configuration file (default /etc/blockbridge/config.yml)")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  blockbridge serve --config /etc/blockbridge/config.yml")
	fmt.Println("  echo 'print(2**10)' | blockbridge run -")
	fmt.Println("  blockbridge playtime Steve")
	fmt.Println("  blockbridge user add --admin myuser")
}

// loadConfig loads the config file, exiting on failure
func loadConfig(path string) *config.Config {
	cfg, err := config.Load(path)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	return cfg
}

func newChannel(cfg *config.Config) *rcon.Channel {
	return rcon.NewChannel(rcon.Settings{
		Enabled:  cfg.Rcon.Enabled,
		Address:  cfg.Rcon.Address(),
		Password: cfg.Rcon.Password,
		Timeout:  cfg.Rcon.Timeout,
	})
}

func newExecutor(cfg *config.Config) *sandbox.Executor {
	return sandbox.New(sandbox.Settings{
		Image:     cfg.Sandbox.Image,
		Memory:    cfg.Sandbox.Memory,
		CPUs:      cfg.Sandbox.CPUs,
		Timeout:   cfg.Sandbox.Timeout,
		MaxOutput: cfg.Sandbox.MaxOutput,
		Command:   cfg.Sandbox.Command,
	})
}

// relaySink builds the sink for one relay stream: the WebSocket hub, plus
// NATS when configured
func relaySink(hub *api.WebSocketHub, nc *nats.Conn, prefix, stream string) relay.Sink {
	sinks := relay.Fanout{hub.Sink(stream)}
	if nc != nil {
		sinks = append(sinks, relay.NewNATSSink(nc, prefix, stream))
	}
	return sinks
}

// cmdServe starts the bridge, the poller and the HTTP API
func cmdServe(args []string) {
	fs := flag.NewFlagSet("serve", flag.ExitOnError)
	configPath := fs.String("config", "", "path to config file")
	fs.Parse(args)

	cfgPath := *configPath
	if cfgPath == "" {
		if _, err := os.Stat(defaultConfigPath); err == nil {
			cfgPath = defaultConfigPath
		} else {
			log.Fatalf("No config file found at %s. Use --config to specify a config file.", defaultConfigPath)
		}
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		log.Fatalf("Failed to load config: %v", err)
	}

	log.Printf("Blockbridge %s starting...", version)

	store, err := storage.New(cfg.Database.Path)
	if err != nil {
		log.Fatalf("Failed to initialize database: %v", err)
	}
	defer store.Close()
	log.Printf("Database initialized at %s", cfg.Database.Path)

	// Cancelled on SIGINT/SIGTERM; request contexts derive from it so
	// in-flight sandbox runs are killed on shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	channel := newChannel(cfg)
	if !channel.Configured() {
		log.Printf("Warning: RCON is not configured. Status, chat relay and link codes are unavailable.")
	}

	pairing, err := linking.New(ctx, store, cfg.Linking.CodeTTL)
	if err != nil {
		log.Fatalf("Failed to load linked accounts: %v", err)
	}

	history, err := collector.NewHistoryReader(cfg.Logs.Dir, cfg.Logs.HistoryOffset, cfg.Logs.HistoryTimezone)
	if err != nil {
		log.Fatalf("Failed to set up play history: %v", err)
	}

	authService := auth.NewService(cfg.Auth.JWTSecret, cfg.Auth.TokenDuration)
	if cfg.Auth.JWTSecret == "" {
		log.Printf("Warning: No JWT secret configured. Auth tokens will use an empty secret.")
	}

	assistantClient := assistant.NewClient(cfg.Assistant.URL, cfg.Assistant.Model, cfg.Assistant.Timeout)
	poller := collector.NewPoller(channel, cfg.Server.PollInterval)

	router := api.NewRouter(api.Deps{
		Store:     store,
		Auth:      authService,
		Channel:   channel,
		Status:    poller,
		Pairing:   pairing,
		Assistant: assistantClient,
		MaxReply:  cfg.Assistant.MaxReply,
		Sandbox:   newExecutor(cfg),
		Whitelist: whitelist.New(cfg.Whitelist.Path, cfg.Whitelist.ProfileURL, channel),
		Server:    gameserver.NewLauncher(cfg.Server.Dir, cfg.Server.Jar, cfg.Server.JavaArgs, channel),
		History:   history,
		LogPath:   cfg.Logs.Path,
		StaticDir: cfg.Server.StaticDir,
	})
	router.StartWebSocketHub()
	hub := router.Hub()

	var nc *nats.Conn
	if cfg.NATS.URL != "" {
		conn, err := relay.ConnectNATS(cfg.NATS.URL)
		if err != nil {
			log.Printf("Warning: NATS unavailable, relaying to WebSocket clients only: %v", err)
		} else {
			nc = conn
			defer conn.Close()
			log.Printf("Publishing relayed messages to NATS under %s.*", cfg.NATS.SubjectPrefix)
		}
	}

	activity := relay.NewQueue(domain.EventActivity)
	activity.SetSink(relaySink(hub, nc, cfg.NATS.SubjectPrefix, domain.EventActivity))
	chat := relay.NewQueue(domain.EventChat)
	chat.SetSink(relaySink(hub, nc, cfg.NATS.SubjectPrefix, domain.EventChat))

	poller.OnStatus(hub.BroadcastStatus)
	poller.OnPresenceChange(hub.BroadcastPresence)
	poller.OnPresenceChange(func(p domain.Presence) {
		log.Printf("Presence changed: %s", p.Count)
	})
	poller.Start(ctx)
	log.Printf("Status poller started, polling every %v", cfg.Server.PollInterval)

	bridge := collector.NewBridge(collector.Options{
		Tokens: collector.Tokens{
			CommandPrefix:   cfg.Chat.CommandPrefix,
			LinkToken:       cfg.Chat.LinkToken,
			AssistantPrefix: cfg.Chat.AssistantPrefix,
		},
		MaxChunk:  cfg.Chat.MaxChunk,
		Channel:   channel,
		Pairing:   pairing,
		Gate:      cooldown.NewGate(cfg.Assistant.Cooldown),
		Assistant: assistantClient,
		Activity:  activity,
		Chat:      chat,
	})
	tailer := collector.NewLogTailer(cfg.Logs.Path, time.Second)
	if err := tailer.Start(); err != nil {
		log.Fatalf("Failed to start log tailer: %v", err)
	}
	bridge.Start(ctx, tailer)
	log.Printf("Tailing %s", cfg.Logs.Path)

	addr := fmt.Sprintf("%s:%d", cfg.Server.ListenAddr, cfg.Server.HTTPPort)
	server := &http.Server{
		Addr:        addr,
		Handler:     router,
		BaseContext: func(net.Listener) context.Context { return ctx },
		ReadTimeout: 15 * time.Second,
		// Assistant replies can take far longer than a normal request
		WriteTimeout: cfg.Assistant.Timeout + 15*time.Second,
		IdleTimeout:  60 * time.Second,
	}

	serverErr := make(chan error, 1)
	go func() {
		log.Printf("HTTP server listening on %s", addr)
		if err := server.ListenAndServe(); err != http.ErrServerClosed {
			serverErr <- err
		}
		close(serverErr)
	}()

	select {
	case <-ctx.Done():
		log.Println("Received shutdown signal, shutting down...")
	case err := <-serverErr:
		log.Printf("HTTP server error: %v", err)
		stop()
	}

	// Sequential shutdown
	log.Println("Shutting down HTTP server...")
	httpCtx, httpCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer httpCancel()
	if err := server.Shutdown(httpCtx); err != nil {
		log.Printf("HTTP server shutdown error: %v", err)
	}

	log.Println("Stopping bridge...")
	bridge.Stop()

	log.Println("Stopping status poller...")
	poller.Stop()

	activity.Flush()
	chat.Flush()
	router.Close()

	if err := channel.Close(); err != nil {
		log.Printf("Error closing RCON connection: %v", err)
	}
	log.Println("Shutdown complete")
}

// cmdStatus prints the status reported by a running bridge
func cmdStatus(args []string) {
	fs := flag.NewFlagSet("status", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "path to configuration file")
	url := fs.String("url", "", "base URL of the blockbridge server")
	fs.Parse(args)

	baseURL := *url
	if baseURL == "" {
		cfg, err := config.Load(*configPath)
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: failed to load config from %s: %v\n", *configPath, err)
			cfg = config.Default()
		}
		baseURL = fmt.Sprintf("http://%s:%d", cfg.Server.ListenAddr, cfg.Server.HTTPPort)
	}

	var status domain.ServerStatus
	if err := getJSON(baseURL+"/api/status", &status); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "STATUS\tPLAYERS\tONLINE")
	fmt.Fprintln(w, "------\t-------\t------")
	presence := status.Presence()
	state := "OFFLINE"
	if status.Online {
		state = "ONLINE"
	}
	names := "-"
	if len(status.Players) > 0 {
		names = strings.Join(status.Players, ", ")
	}
	fmt.Fprintf(w, "%s\t%s\t%s\n", state, presence.Count, names)
	w.Flush()
}

func getJSON(url string, target interface{}) error {
	resp, err := http.Get(url)
	if err != nil {
		return fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body)
		return fmt.Errorf("server returned %d: %s", resp.StatusCode, string(body))
	}

	return json.NewDecoder(resp.Body).Decode(target)
}

// cmdRun executes a file (or stdin) in the sandbox and prints the report
func cmdRun(args []string) {
	fs := flag.NewFlagSet("run", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "path to configuration file")
	fs.Parse(args)

	remaining := fs.Args()
	if len(remaining) < 1 {
		fmt.Fprintf(os.Stderr, "Usage: blockbridge run <file|->\n")
		os.Exit(1)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		cfg = config.Default()
	}

	var source []byte
	if remaining[0] == "-" {
		source, err = io.ReadAll(os.Stdin)
	} else {
		source, err = os.ReadFile(remaining[0])
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	code := strings.TrimSpace(string(source))
	if code == "" {
		fmt.Fprintf(os.Stderr, "Error: Please provide Python code.\n")
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	report := newExecutor(cfg).Execute(ctx, code)
	fmt.Println(report.Format())
	if report.Kind == sandbox.KindError || report.Kind == sandbox.KindTimedOut {
		os.Exit(1)
	}
}

// cmdPlaytime prints when a player first joined and was last seen
func cmdPlaytime(args []string) {
	fs := flag.NewFlagSet("playtime", flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "path to configuration file")
	fs.Parse(args)

	remaining := fs.Args()
	if len(remaining) < 1 {
		fmt.Fprintf(os.Stderr, "Usage: blockbridge playtime <player>\n")
		os.Exit(1)
	}
	player := remaining[0]

	cfg := loadConfig(*configPath)
	history, err := collector.NewHistoryReader(cfg.Logs.Dir, cfg.Logs.HistoryOffset, cfg.Logs.HistoryTimezone)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}

	ph, err := history.PlayHistory(player)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
	if ph == nil {
		fmt.Printf("No play history found for %s\n", player)
		return
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintf(w, "Player:\t%s\n", player)
	fmt.Fprintf(w, "First join:\t%s\n", orDash(ph.FirstJoin))
	fmt.Fprintf(w, "Last seen:\t%s\n", orDash(ph.LastSeen))
	w.Flush()
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}

// cmdWhitelist edits whitelist.json and reloads it over RCON
func cmdWhitelist(args []string) {
	if len(args) < 1 {
		fmt.Fprintf(os.Stderr, "Error: whitelist subcommand required: list, add, remove\n")
		os.Exit(1)
	}

	subCmd := args[0]
	fs := flag.NewFlagSet("whitelist "+subCmd, flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "path to configuration file")
	fs.Parse(args[1:])
	remaining := fs.Args()

	cfg := loadConfig(*configPath)
	channel := newChannel(cfg)
	defer channel.Close()
	manager := whitelist.New(cfg.Whitelist.Path, cfg.Whitelist.ProfileURL, channel)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	switch subCmd {
	case "list":
		entries, err := manager.List()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		if len(entries) == 0 {
			fmt.Println("Whitelist is empty")
			return
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "NAME\tUUID")
		fmt.Fprintln(w, "----\t----")
		for _, e := range entries {
			fmt.Fprintf(w, "%s\t%s\n", e.Name, e.UUID)
		}
		w.Flush()

	case "add", "remove":
		if len(remaining) < 1 {
			fmt.Fprintf(os.Stderr, "Usage: blockbridge whitelist %s <name>\n", subCmd)
			os.Exit(1)
		}
		var result whitelist.Result
		var err error
		if subCmd == "add" {
			result, err = manager.Add(ctx, remaining[0])
		} else {
			result, err = manager.Remove(ctx, remaining[0])
		}
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error: %v\n", err)
			os.Exit(1)
		}
		verb := "added to"
		if subCmd == "remove" {
			verb = "removed from"
		}
		fmt.Printf("%s (%s) %s the whitelist\n", result.Entry.Name, result.Entry.UUID, verb)
		if result.Note != "" {
			fmt.Printf("Note: %s\n", result.Note)
		}

	default:
		fmt.Fprintf(os.Stderr, "Error: unknown whitelist command: %s (use: list, add, remove)\n", subCmd)
		os.Exit(1)
	}
}

func cmdUser(args []string) {
	if len(args) < 1 {
		fmt.Fprintf(os.Stderr, "Error: user subcommand required: add, remove, list, reset\n")
		os.Exit(1)
	}

	subCmd := args[0]
	fs := flag.NewFlagSet("user "+subCmd, flag.ExitOnError)
	configPath := fs.String("config", defaultConfigPath, "path to configuration file")
	isAdmin := fs.Bool("admin", false, "create as admin user")
	fs.Parse(args[1:])
	remaining := fs.Args()

	dbPath := config.Default().Database.Path
	if cfg, err := config.Load(*configPath); err != nil {
		fmt.Fprintf(os.Stderr, "Warning: failed to load config from %s: %v\n", *configPath, err)
	} else {
		dbPath = cfg.Database.Path
	}

	store, err := storage.New(dbPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: failed to open database: %v\n", err)
		os.Exit(1)
	}
	defer store.Close()

	ctx := context.Background()

	switch subCmd {
	case "add":
		err = cmdUserAdd(ctx, store, remaining, *isAdmin)
	case "remove":
		err = cmdUserRemove(ctx, store, remaining)
	case "list":
		err = cmdUserList(ctx, store)
	case "reset":
		err = cmdUserReset(ctx, store, remaining)
	default:
		err = fmt.Errorf("unknown user command: %s (use: add, remove, list, reset)", subCmd)
	}
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// readNewPassword prompts twice for a password without echo
func readNewPassword() (string, error) {
	fmt.Print("Enter password: ")
	password, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}

	if len(password) < 8 {
		return "", fmt.Errorf("password must be at least 8 characters")
	}

	fmt.Print("Confirm password: ")
	confirm, err := term.ReadPassword(int(os.Stdin.Fd()))
	fmt.Println()
	if err != nil {
		return "", fmt.Errorf("failed to read password: %w", err)
	}

	if string(password) != string(confirm) {
		return "", fmt.Errorf("passwords do not match")
	}
	return string(password), nil
}

func cmdUserAdd(ctx context.Context, store *storage.Store, args []string, isAdmin bool) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: blockbridge user add [--admin] <username>")
	}
	username := args[0]

	if _, err := store.GetUserByUsername(ctx, username); err == nil {
		return fmt.Errorf("user '%s' already exists", username)
	}

	password, err := readNewPassword()
	if err != nil {
		return err
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	if err := store.CreateUser(ctx, username, hash, isAdmin); err != nil {
		return fmt.Errorf("failed to create user: %w", err)
	}

	roleStr := "user"
	if isAdmin {
		roleStr = "admin"
	}
	fmt.Printf("User '%s' created successfully (role: %s)\n", username, roleStr)
	return nil
}

func cmdUserRemove(ctx context.Context, store *storage.Store, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: blockbridge user remove <username>")
	}
	username := args[0]

	if err := store.DeleteUser(ctx, username); err != nil {
		return fmt.Errorf("failed to remove user: %w", err)
	}

	fmt.Printf("User '%s' removed\n", username)
	return nil
}

func cmdUserList(ctx context.Context, store *storage.Store) error {
	users, err := store.ListUsers(ctx)
	if err != nil {
		return fmt.Errorf("failed to list users: %w", err)
	}

	if len(users) == 0 {
		fmt.Println("No users configured")
		return nil
	}

	permitted, err := store.ListSandboxPermissions(ctx)
	if err != nil {
		return fmt.Errorf("failed to list sandbox permissions: %w", err)
	}
	canRun := make(map[string]bool, len(permitted))
	for _, id := range permitted {
		canRun[id] = true
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
	fmt.Fprintln(w, "USERNAME\tROLE\tLINKED\tPYTHON\tLAST_LOGIN")
	fmt.Fprintln(w, "--------\t----\t------\t------\t----------")

	for _, user := range users {
		role := "user"
		if user.IsAdmin {
			role = "admin"
		}
		linked := "-"
		if account, err := store.GetLinkedAccount(ctx, user.Username); err == nil {
			linked = account.Player
		} else if !errors.Is(err, storage.ErrNotFound) {
			return fmt.Errorf("failed to look up linked account: %w", err)
		}
		python := "no"
		if canRun[user.Username] {
			python = "yes"
		}
		lastLogin := "never"
		if user.LastLogin != nil {
			lastLogin = user.LastLogin.Format("2006-01-02 15:04")
		}
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", user.Username, role, linked, python, lastLogin)
	}
	return w.Flush()
}

func cmdUserReset(ctx context.Context, store *storage.Store, args []string) error {
	if len(args) < 1 {
		return fmt.Errorf("usage: blockbridge user reset <username>")
	}
	username := args[0]

	if _, err := store.GetUserByUsername(ctx, username); err != nil {
		return fmt.Errorf("user '%s' not found", username)
	}

	password, err := readNewPassword()
	if err != nil {
		return err
	}

	hash, err := auth.HashPassword(password)
	if err != nil {
		return fmt.Errorf("failed to hash password: %w", err)
	}

	if err := store.ResetUserPassword(ctx, username, hash); err != nil {
		return fmt.Errorf("failed to reset password: %w", err)
	}

	fmt.Printf("Password reset for '%s' (user will be required to change it on next login)\n", username)
	return nil
}
