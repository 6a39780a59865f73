// Command peer joins a session as a headless participant that sends
// silence and drains whatever the other participants send.
package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/google/uuid"
	"github.com/pion/webrtc/v4"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/VoiceMesh/internal/adapters/rtc"
	"github.com/dkeye/VoiceMesh/internal/adapters/store"
	"github.com/dkeye/VoiceMesh/internal/app/media"
	"github.com/dkeye/VoiceMesh/internal/app/session"
	"github.com/dkeye/VoiceMesh/internal/config"
	"github.com/dkeye/VoiceMesh/internal/core"
	"github.com/dkeye/VoiceMesh/internal/domain"
)

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	if lvl, err := zerolog.ParseLevel(cfg.LogLevel); err == nil {
		zerolog.SetGlobalLevel(lvl)
	}

	user := cfg.Peer.User
	if user == "" {
		user = uuid.NewString()
	}
	self, err := domain.NewParticipant(domain.ParticipantID(user), cfg.Peer.DisplayName)
	if err != nil {
		log.Fatal().Err(err).Msg("invalid participant")
	}

	header := http.Header{}
	header.Set("X-Client-Token", string(self.ID))
	remote, err := store.Dial(ctx, cfg.Peer.RelayURL, header)
	if err != nil {
		log.Fatal().Err(err).Msg("relay unreachable")
	}
	defer remote.Close()

	factory, err := rtc.NewFactory(rtc.Config{
		ICEServers: iceServers(cfg.ICEServers),
		PortMin:    cfg.Peer.PortMin,
		PortMax:    cfg.Peer.PortMax,
	})
	if err != nil {
		log.Fatal().Err(err).Msg("webrtc setup")
	}

	sess := session.New(session.Config{
		Session:            domain.SessionID(cfg.Peer.Session),
		Self:               *self,
		Host:               cfg.Peer.Host,
		Store:              remote,
		Endpoints:          factory,
		OfferGrace:         cfg.Mesh.OfferGrace,
		MaxOfferRequests:   cfg.Mesh.MaxOfferRequests,
		ResyncInterval:     cfg.Mesh.ResyncInterval,
		CandidateQueueSize: cfg.Mesh.CandidateQueueSize,
	})
	events, unsubscribe := sess.Subscribe(cfg.Mesh.EventBuffer)
	defer unsubscribe()

	if err := sess.Start(ctx); err != nil {
		log.Fatal().Err(err).Msg("join failed")
	}
	if err := sess.AttachSource(ctx, media.TrackAudio, media.OpusCodec, media.NewSilenceSource(ctx)); err != nil {
		log.Error().Err(err).Msg("audio unavailable")
	}
	log.Info().
		Str("session", cfg.Peer.Session).
		Str("self", string(self.ID)).
		Bool("host", cfg.Peer.Host).
		Bool("muted", sess.Muted(media.TrackAudio)).
		Msg("VoiceMesh peer joined")

	receiver := media.NewReceiver()
	defer receiver.Close()

loop:
	for {
		select {
		case <-ctx.Done():
			break loop
		case <-remote.Done():
			log.Error().Msg("relay connection lost")
			break loop
		case ev, ok := <-events:
			if !ok {
				break loop
			}
			handleEvent(ctx, receiver, ev)
		}
	}

	if err := sess.Leave(); err != nil {
		log.Warn().Err(err).Msg("leave")
	}
	log.Info().Msg("peer exited")
}

func handleEvent(ctx context.Context, receiver *media.Receiver, ev core.Event) {
	switch e := ev.(type) {
	case core.RemoteTrackAdded:
		if t, ok := e.Track.(media.IncomingTrack); ok {
			receiver.Start(ctx, e.Peer, t)
		}
	case core.PeerStateChanged:
		log.Info().Str("peer", string(e.Peer)).Stringer("state", e.State).Msg("peer state")
		if e.State.Terminal() {
			st := receiver.Stats(e.Peer)
			log.Info().Str("peer", string(e.Peer)).Uint64("packets", st.Packets).Uint64("bytes", st.Bytes).Msg("peer media")
			receiver.StopPeer(e.Peer)
		}
	case core.TransportFailure:
		log.Warn().Err(e.Err).Str("peer", string(e.Peer)).Msg("transport failure")
	case core.RosterChanged:
		log.Info().Int("participants", len(e.Participants)).Msg("roster changed")
	case core.ParticipantUpdated:
		log.Info().Str("peer", string(e.Participant.ID)).Bool("muted", e.Participant.Muted).Msg("participant updated")
	case core.MediaError:
		log.Error().Err(e.Err).Msg("media error")
	case core.SessionEnded:
		log.Info().Str("session", string(e.Session)).Msg("session ended")
	}
}

func iceServers(in []config.ICEServer) []webrtc.ICEServer {
	out := make([]webrtc.ICEServer, 0, len(in))
	for _, s := range in {
		out = append(out, webrtc.ICEServer{
			URLs:       s.URLs,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}
	return out
}
