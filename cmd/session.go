package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"

	"github.com/BioHazard786/Huddle/internal/apperr"
	"github.com/BioHazard786/Huddle/internal/config"
	"github.com/BioHazard786/Huddle/internal/media"
	"github.com/BioHazard786/Huddle/internal/mesh"
	"github.com/BioHazard786/Huddle/internal/peer"
	"github.com/BioHazard786/Huddle/internal/ui"
)

// RoomContext ties a loaded config to one coordinator and the media
// plumbing around it for the lifetime of a command.
type RoomContext struct {
	Config      *config.Config
	Coordinator *mesh.Coordinator
	Meter       *media.Meter
	Screen      *media.ScreenPump
	Mic         *media.AudioPump
	logger      *slog.Logger
}

// MediaOptions picks the synthetic sources offered in the room.
type MediaOptions struct {
	TestPattern bool
	TestTone    bool
}

func LoadConfig() (*config.Config, error) {
	cfg, err := config.Load(config.Options{
		ConfigFile: flagConfig,
		Servers:    flagServers,
		STUNServer: flagSTUN,
		TURNServer: flagTURN,
		TURNUser:   flagTURNUser,
		TURNPass:   flagTURNPass,
		ForceRelay: flagRelay,
		Username:   flagName,
	})
	if err != nil {
		return nil, apperr.New("load config", err)
	}

	if cfg.ForceRelay && cfg.TURNServers() == nil {
		return nil, errors.New("cannot force relay mode without TURN server configured")
	}
	return cfg, nil
}

func NewRoomContext(cfg *config.Config, mo MediaOptions) (*RoomContext, error) {
	logger := slog.Default()
	meter := media.NewMeter()
	router := media.NewRouter(meter, meter)

	coord, err := mesh.New(mesh.Options{
		Servers:              cfg.Servers,
		WebRTC:               cfg.WebRTC(),
		API:                  peer.NewAPI(false),
		HostTimeout:          cfg.HostTimeout,
		JoinTimeout:          cfg.JoinTimeout,
		HandshakeTimeout:     cfg.HandshakeTimeout,
		PingInterval:         cfg.PingInterval,
		ReconnectBaseDelay:   cfg.ReconnectBaseDelay,
		FailoverDelay:        cfg.FailoverDelay,
		ReconnectMaxAttempts: cfg.ReconnectMaxAttempts,
		Handler:              router.Handle,
		Logger:               logger,
	})
	if err != nil {
		return nil, err
	}

	rc := &RoomContext{
		Config:      cfg,
		Coordinator: coord,
		Meter:       meter,
		logger:      logger,
	}
	if mo.TestPattern {
		rc.Screen = media.NewScreenPump(media.NewPattern(64, 36), coord, media.ScreenOptions{Logger: logger})
	}
	if mo.TestTone {
		rc.Mic = media.NewAudioPump(media.NewTone(440), coord, media.AudioOptions{Logger: logger})
	}
	return rc, nil
}

func (rc *RoomContext) Close() {
	if rc.Screen != nil {
		rc.Screen.Stop()
	}
	if rc.Mic != nil {
		rc.Mic.Stop()
	}
	rc.Coordinator.Close()
}

// Run shows the room screen for an established session until the user
// leaves or ctx is cancelled.
func (rc *RoomContext) Run(ctx context.Context) error {
	s, ok := rc.Coordinator.Session()
	if !ok {
		return apperr.New("run room", apperr.ErrClosed)
	}

	if err := rc.Config.Store().SetLastRoom(s.Code); err != nil {
		rc.logger.Warn("failed to remember room", "error", err)
	}

	fmt.Println()
	fmt.Println(ui.NewRoomInfo(s.Code, rc.Config.RoomLink(s.Code), s.Role == mesh.RoleHost).View())

	stop := context.AfterFunc(ctx, rc.Coordinator.LeaveRoom)
	defer stop()

	summary, err := ui.RunRoom(ui.RoomOptions{
		Code:     s.Code,
		Username: s.Username,
		Room:     rc.Coordinator,
		Events:   rc.Coordinator.Events(),
		Commands: rc.command,
	})
	rc.Coordinator.LeaveRoom()
	if err != nil {
		return err
	}

	fmt.Println(ui.SessionSummaryView(summary))
	return nil
}

// command handles the slash commands the room screen does not know itself.
func (rc *RoomContext) command(line string) string {
	fields := strings.Fields(line)
	switch fields[0] {
	case "/link":
		s, _ := rc.Coordinator.Session()
		return rc.Config.RoomLink(s.Code)
	case "/stats":
		var b strings.Builder
		for _, p := range rc.Coordinator.Peers() {
			st := rc.Meter.Stats(p.ID)
			fmt.Fprintf(&b, "%s: %d audio packets (%s), %d frames (%s, %dx%d), %d dropped\n",
				p.Username, st.AudioPackets, ui.FormatSize(int64(st.AudioBytes)),
				st.Frames, ui.FormatSize(int64(st.FrameBytes)), st.LastWidth, st.LastHeight, p.Dropped)
		}
		if b.Len() == 0 {
			return "no peers"
		}
		return strings.TrimSuffix(b.String(), "\n")
	case "/share":
		if rc.Screen == nil {
			return "start with --test-pattern to share a test screen"
		}
		if rc.Screen.Running() {
			rc.Screen.Stop()
			return "stopped sharing"
		}
		rc.Screen.Start()
		return "sharing test pattern"
	case "/mic":
		if rc.Mic == nil {
			return "start with --test-tone to send a test tone"
		}
		if rc.Mic.Running() {
			rc.Mic.Stop()
			return "microphone off"
		}
		rc.Mic.Start()
		return "microphone on (test tone)"
	}
	return "unknown command " + fields[0] + " (try /peers, /link, /stats, /share, /mic, /quit)"
}
