// Huddle — CLI entry point.
//
// This tool joins a meeting room as a real participant: it captures the
// local camera and microphone (or synthetic tracks), negotiates a WebRTC
// link with every other participant through the signaling relay and keeps
// the room view in sync. Commands are read line by line from stdin.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/google/uuid"
	"github.com/pterm/pterm"

	"github.com/1ureka/huddle/internal/app"
	"github.com/1ureka/huddle/internal/config"
	"github.com/1ureka/huddle/internal/media"
	"github.com/1ureka/huddle/internal/meeting"
	"github.com/1ureka/huddle/internal/peer"
	"github.com/1ureka/huddle/internal/room"
	"github.com/1ureka/huddle/internal/signaling"
	"github.com/1ureka/huddle/internal/util"
)

var version = "dev"

func main() {
	// Root context — cancelled on Ctrl+C.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
	defer stop()

	// CLI flags. Set flags override the configuration file.
	configPath := flag.String("config", "", "Configuration file (yaml, json or toml)")
	signalURL := flag.String("signal", "", "Signaling relay WebSocket URL")
	apiURL := flag.String("api", "", "Meeting service base URL")
	token := flag.String("token", "", "Meeting service bearer token")
	roomFlag := flag.String("room", "", "Room id to join")
	code := flag.String("code", "", "Meeting code to resolve into a room id")
	userID := flag.String("user", "", "Stable user id")
	name := flag.String("name", "", "Display name")
	avatar := flag.String("avatar", "", "Avatar URL")
	audio := flag.Bool("audio", true, "Join with the microphone on")
	video := flag.Bool("video", true, "Join with the camera on")
	synthetic := flag.Bool("synthetic", false, "Use generated tracks instead of devices")
	debugMode := flag.Bool("debug", false, "Enable debug logging")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}

	flag.Visit(func(f *flag.Flag) {
		switch f.Name {
		case "signal":
			cfg.SignalURL = *signalURL
		case "api":
			cfg.APIBaseURL = *apiURL
		case "token":
			cfg.APIToken = *token
		case "user":
			cfg.User.ID = *userID
		case "name":
			cfg.User.Name = *name
		case "avatar":
			cfg.User.Avatar = *avatar
		case "audio":
			cfg.Media.Audio = *audio
		case "video":
			cfg.Media.Video = *video
		case "synthetic":
			cfg.Media.Synthetic = *synthetic
		case "debug":
			cfg.Debug = *debugMode
		}
	})

	if cfg.Debug {
		util.EnableDebug()
	}

	pterm.Info.Println(fmt.Sprintf("Huddle — v%s", version))
	pterm.Println()

	roomID, err := resolveRoom(ctx, cfg, *roomFlag, *code)
	if err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	self := resolveSelf(ctx, cfg)

	if err := run(ctx, cfg, roomID, self); err != nil {
		util.LogError("%v", err)
		os.Exit(1)
	}
	util.LogSuccess("left the room")
}

// ---------------------------------------------------------------------------
// Setup
// ---------------------------------------------------------------------------

// resolveRoom picks the room from -room, or looks up -code on the meeting
// service.
func resolveRoom(ctx context.Context, cfg *config.Config, roomID, code string) (string, error) {
	if roomID != "" {
		return roomID, nil
	}
	if code == "" {
		return "", fmt.Errorf("missing -room or -code")
	}
	m, err := meeting.NewClient(cfg.APIBaseURL, cfg.APIToken).ByCode(ctx, code)
	if err != nil {
		return "", fmt.Errorf("failed to resolve meeting code: %w", err)
	}
	if m.Title != "" {
		util.LogInfo("meeting: %s", m.Title)
	}
	if m.HostID != "" {
		util.LogDebug("meeting %s hosted by %s", m.ID, m.HostID)
	}
	return m.ID, nil
}

// resolveSelf fills the local identity from configuration, then the meeting
// service, then a random guest identity.
func resolveSelf(ctx context.Context, cfg *config.Config) room.Self {
	self := room.Self{UserID: cfg.User.ID, Name: cfg.User.Name, Avatar: cfg.User.Avatar}
	if self.UserID == "" && cfg.APIToken != "" {
		me, err := meeting.NewClient(cfg.APIBaseURL, cfg.APIToken).Me(ctx)
		if err != nil {
			util.LogWarning("failed to look up the current user: %v", err)
		} else {
			self.UserID, self.Avatar = me.ID, me.Avatar
			if self.Name == "" {
				self.Name = me.Name
			}
		}
	}
	if self.UserID == "" {
		self.UserID = uuid.NewString()
	}
	if self.Name == "" {
		self.Name = "guest-" + self.UserID[:min(4, len(self.UserID))]
	}
	return self
}

func newCapture(cfg *config.Config) media.Capture {
	if cfg.Media.Synthetic {
		return media.NewSyntheticCapture()
	}
	capture, err := newDeviceCapture()
	if err != nil {
		util.LogWarning("device capture unavailable, using synthetic tracks: %v", err)
		return media.NewSyntheticCapture()
	}
	return capture
}

// ---------------------------------------------------------------------------
// Session
// ---------------------------------------------------------------------------

func run(ctx context.Context, cfg *config.Config, roomID string, self room.Self) error {
	stats := &util.Stats{}
	stats.StartReporter(ctx, cfg.StatsInterval)

	factory, err := peer.NewPionFactory(cfg.ICE)
	if err != nil {
		return err
	}

	session := app.New(app.Options{
		RoomID:  roomID,
		Self:    self,
		Gateway: signaling.NewGateway(cfg.SignalURL, signaling.OptionsFromConfig(cfg.Signaling, stats)),
		Capture: newCapture(cfg),
		Factory: factory,
		Media:   media.Options{Audio: cfg.Media.Audio, Video: cfg.Media.Video},
		Stats:   stats,
	})

	spinner, _ := pterm.DefaultSpinner.Start(fmt.Sprintf("Joining %s as %s...", roomID, self.Name))
	if err := session.Join(ctx); err != nil {
		spinner.Fail("Failed to join")
		return err
	}
	spinner.Success(fmt.Sprintf("Joined %s", roomID))

	w := &watcher{}
	cancel := session.Subscribe(w.update)
	defer cancel()
	w.update(session.Snapshot())
	printHelp()

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case <-ctx.Done():
			return session.Leave()
		case <-session.Done():
			return session.Err()
		case line, ok := <-lines:
			if !ok {
				return session.Leave()
			}
			if quit := command(ctx, session, line); quit {
				return session.Leave()
			}
		}
	}
}

// command runs one line of user input and reports whether to leave.
func command(ctx context.Context, s *app.Session, line string) bool {
	cmd, arg, _ := strings.Cut(strings.TrimSpace(line), " ")
	switch cmd {
	case "":
	case "mic":
		if s.ToggleAudio() {
			util.LogInfo("microphone on")
		} else {
			util.LogInfo("microphone off")
		}
	case "cam":
		if s.ToggleVideo() {
			util.LogInfo("camera on")
		} else {
			util.LogInfo("camera off")
		}
	case "share":
		ok, err := s.StartScreenShare(ctx)
		switch {
		case err != nil:
			util.LogWarning("screen share failed: %v", err)
		case !ok:
			util.LogInfo("screen share cancelled")
		}
	case "unshare":
		if err := s.StopScreenShare(); err != nil {
			util.LogWarning("%v", err)
		}
	case "chat":
		if err := s.SendChat(arg); err != nil {
			util.LogWarning("chat not sent: %v", err)
		}
	case "who":
		printRoom(s.Snapshot())
	case "leave", "quit", "exit":
		return true
	case "help":
		printHelp()
	default:
		util.LogWarning("unknown command %q, try help", cmd)
	}
	return false
}

func printHelp() {
	pterm.DefaultBasicText.Println("Commands: mic | cam | share | unshare | chat <text> | who | leave")
}
