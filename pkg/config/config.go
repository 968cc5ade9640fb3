// Package config loads the bridge configuration from the environment.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
)

// ARI is the Asterisk REST Interface connection settings.
type ARI struct {
	URL      string
	Username string
	Password string
	AppName  string
}

// RTP configures the media socket.
type RTP struct {
	// Host is the bind address, and the address advertised to Asterisk
	// for external-media channels.
	Host string

	// Port is the shared UDP listen port.
	Port int

	// Format is the external-media codec ("slin16" or "ulaw").
	Format string

	// Swap16 enables 16-bit byte-order normalization between Asterisk
	// and the backend. Meaningful for slin16 only.
	Swap16 bool

	// FrameBytes is the outbound payload size per RTP packet.
	FrameBytes int

	// TimestampIncrement is the RTP timestamp step per outbound frame.
	TimestampIncrement int

	// PayloadType is the RTP payload type on outbound packets.
	PayloadType int
}

// MQTT configures the coordination bus.
type MQTT struct {
	URL         string
	TopicPrefix string
}

// Dialogflow selects the agent.
type Dialogflow struct {
	Project         string
	CredentialsFile string
	LanguageCode    string
	SampleRate      int

	// OutputSampleRate is the synthesized-audio rate. Asterisk plays
	// external-media audio back at 8kHz; requesting the input rate
	// here makes the fixed-size frames carry less than 20ms each.
	OutputSampleRate int

	InitialEvent       string
	EnableOutputSpeech bool
}

// Config is the full bridge configuration.
type Config struct {
	ARI        ARI
	RTP        RTP
	MQTT       MQTT
	Dialogflow Dialogflow

	// Role selects which halves of the bridge this process runs:
	// "all", "call" (ARI orchestration only) or "media" (RTP + AI
	// relay only). Split roles coordinate over the broker.
	Role string

	// PlaybackClip, when set, is a media URI played to the caller
	// before the conversation starts (e.g. "sound:connecting").
	PlaybackClip string

	LogLevel string
	LogFile  string
}

// Load reads the configuration from the environment and applies
// defaults. Call godotenv before this when a .env file is in play.
func Load() (*Config, error) {
	cfg := &Config{
		ARI: ARI{
			URL:      getEnv("ARI_URL", "http://127.0.0.1:8088/ari"),
			Username: getEnv("ARI_USERNAME", "asterisk"),
			Password: os.Getenv("ARI_PASSWORD"),
			AppName:  getEnv("ARI_APP_NAME", "asterisk-ai-bridge"),
		},
		RTP: RTP{
			Host:               getEnv("RTP_HOST", "127.0.0.1"),
			Port:               getEnvInt("RTP_PORT", 7777),
			Format:             getEnv("RTP_FORMAT", "slin16"),
			Swap16:             getEnvBool("RTP_SWAP16", true),
			FrameBytes:         getEnvInt("AUDIO_FRAME_BYTES", 320),
			TimestampIncrement: getEnvInt("RTP_TIMESTAMP_INCREMENT", 160),
			PayloadType:        getEnvInt("RTP_PAYLOAD_TYPE", 11),
		},
		MQTT: MQTT{
			URL:         getEnv("MQTT_URL", "tcp://127.0.0.1:1883"),
			TopicPrefix: getEnv("MQTT_TOPIC_PREFIX", "asterisk-ai"),
		},
		Dialogflow: Dialogflow{
			Project:            os.Getenv("DIALOGFLOW_PROJECT"),
			CredentialsFile:    os.Getenv("DIALOGFLOW_CREDENTIALS"),
			LanguageCode:       getEnv("DIALOGFLOW_LANGUAGE", "en-US"),
			SampleRate:         getEnvInt("DIALOGFLOW_SAMPLE_RATE", 16000),
			OutputSampleRate:   getEnvInt("DIALOGFLOW_OUTPUT_SAMPLE_RATE", 8000),
			InitialEvent:       os.Getenv("DIALOGFLOW_INITIAL_EVENT"),
			EnableOutputSpeech: getEnvBool("DIALOGFLOW_OUTPUT_SPEECH", true),
		},
		Role:         getEnv("BRIDGE_ROLE", "all"),
		PlaybackClip: os.Getenv("ASTERISK_PLAYBACK"),
		LogLevel:     getEnv("LOG_LEVEL", "info"),
		LogFile:      os.Getenv("LOG_FILE"),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects configurations the bridge cannot run with.
func (c *Config) Validate() error {
	if c.ARI.URL == "" {
		return fmt.Errorf("config: ARI_URL is required")
	}
	if c.ARI.AppName == "" {
		return fmt.Errorf("config: ARI_APP_NAME is required")
	}
	if c.RTP.Port <= 0 || c.RTP.Port > 65535 {
		return fmt.Errorf("config: RTP_PORT %d out of range", c.RTP.Port)
	}
	if c.RTP.Format != "slin16" && c.RTP.Format != "ulaw" {
		return fmt.Errorf("config: unsupported RTP_FORMAT %q", c.RTP.Format)
	}
	if c.RTP.FrameBytes <= 0 {
		return fmt.Errorf("config: AUDIO_FRAME_BYTES must be positive")
	}
	if c.MQTT.URL == "" {
		return fmt.Errorf("config: MQTT_URL is required")
	}
	switch c.Role {
	case "all", "call", "media":
	default:
		return fmt.Errorf("config: unknown BRIDGE_ROLE %q", c.Role)
	}
	if c.Dialogflow.Project == "" {
		return fmt.Errorf("config: DIALOGFLOW_PROJECT is required")
	}
	return nil
}

func getEnv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	v := os.Getenv(key)
	if v == "" {
		return fallback
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return fallback
	}
	return n
}

func getEnvBool(key string, fallback bool) bool {
	v := strings.ToLower(os.Getenv(key))
	switch v {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}
