// Package app assembles the bridge from its halves. The call side
// (ARI) and the media side (RTP + AI backend) only ever talk through
// the coordination bus, so a process can run either half alone or both
// together.
package app

import (
	"context"
	"fmt"

	"github.com/CyCoreSystems/ari/v6/client/native"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/voicegrid/asterisk-ai-bridge/pkg/config"
	"github.com/voicegrid/asterisk-ai-bridge/pkg/coordination"
	"github.com/voicegrid/asterisk-ai-bridge/pkg/dialogflow"
	"github.com/voicegrid/asterisk-ai-bridge/pkg/rtpserver"
)

// Run starts the configured roles and blocks until ctx is cancelled or
// a fatal error occurs.
func Run(ctx context.Context, cfg *config.Config, log *logrus.Entry) error {
	runCall := cfg.Role == "all" || cfg.Role == "call"
	runMedia := cfg.Role == "all" || cfg.Role == "media"

	clientID := fmt.Sprintf("%s-%s-%s", cfg.ARI.AppName, cfg.Role, uuid.New().String()[:8])
	bus, err := coordination.ConnectMQTT(cfg.MQTT.URL, clientID, log)
	if err != nil {
		return fmt.Errorf("app: connect broker: %w", err)
	}
	defer bus.Close()
	coord := coordination.New(bus, cfg.MQTT.TopicPrefix, log)

	var rtpFatal <-chan error
	if runMedia {
		rtp := rtpserver.New(rtpserver.Config{
			Host:   cfg.RTP.Host,
			Port:   cfg.RTP.Port,
			Swap16: cfg.RTP.Swap16 && cfg.RTP.Format == "slin16",
		}, log)
		if err := rtp.Bind(); err != nil {
			return fmt.Errorf("app: bind RTP socket: %w", err)
		}
		defer rtp.Close()
		rtpFatal = rtp.Fatal()

		backend, err := dialogflow.NewBackend(ctx, dialogflow.Config{
			Project:         cfg.Dialogflow.Project,
			CredentialsFile: cfg.Dialogflow.CredentialsFile,
		}, log)
		if err != nil {
			return fmt.Errorf("app: dial backend: %w", err)
		}
		defer backend.Close()

		media := NewMediaSide(rtp, backend, coord, cfg, log)
		if err := media.Start(); err != nil {
			return fmt.Errorf("app: start media side: %w", err)
		}
		defer media.Close()
		log.WithField("addr", rtp.LocalAddr()).Info("media side ready")
	}

	callErr := make(chan error, 1)
	if runCall {
		client, err := native.ConnectWithContext(ctx, &native.Options{
			Application: cfg.ARI.AppName,
			URL:         cfg.ARI.URL,
			Username:    cfg.ARI.Username,
			Password:    cfg.ARI.Password,
		})
		if err != nil {
			return fmt.Errorf("app: connect ARI: %w", err)
		}
		defer client.Close()

		callSide := NewCallSide(client, coord, cfg, log)
		go func() { callErr <- callSide.Run(ctx) }()
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-rtpFatal:
		return fmt.Errorf("app: media socket failed: %w", err)
	case err := <-callErr:
		return err
	}
}
