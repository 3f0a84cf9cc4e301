package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/pion/ice/v4"
	"github.com/pion/interceptor"
	"github.com/pion/sdp/v3"
	"github.com/pion/webrtc/v4"

	"github.com/yapchat/yap/pkg/logger"
)

var (
	ErrPortRange = errors.New("ice port range must be [min,max]")
)

// RootConfig is the root config read in from .yap.toml
type RootConfig struct {
	Log    LogConfig    `mapstructure:"log"`
	Client ClientConfig `mapstructure:"client"`
	Relay  RelayConfig  `mapstructure:"relay"`
	WebRTC WebRTCConfig `mapstructure:"webrtc"`
}

type LogConfig struct {
	Level  string `mapstructure:"level"`
	Pretty bool   `mapstructure:"pretty"`
}

// ClientConfig params for `yap join`
type ClientConfig struct {
	URL  string `mapstructure:"url"`
	Name string `mapstructure:"name"`
	// AudioFile is an Ogg/Opus file used as the microphone. Empty means silence.
	AudioFile string `mapstructure:"audiofile"`
}

// RelayConfig params for the http listener / websocket server
type RelayConfig struct {
	HTTPAddr       string  `mapstructure:"addr"`
	Cert           string  `mapstructure:"cert"`
	Key            string  `mapstructure:"key"`
	MaxConnections int     `mapstructure:"maxconnections"`
	ConnectRate    float64 `mapstructure:"connectrate"`
	ConnectBurst   int     `mapstructure:"connectburst"`
}

// ICEServerConfig defines parameters for ice servers
type ICEServerConfig struct {
	URLs       []string `mapstructure:"urls"`
	Username   string   `mapstructure:"username"`
	Credential string   `mapstructure:"credential"`
}

type WebRTCTimeoutsConfig struct {
	ICEDisconnectedTimeout int `mapstructure:"disconnected"`
	ICEFailedTimeout       int `mapstructure:"failed"`
	ICEKeepaliveInterval   int `mapstructure:"keepalive"`
}

// WebRTCConfig defines parameters for ice
type WebRTCConfig struct {
	ICEPortRange []uint16             `mapstructure:"portrange"`
	ICEServers   []ICEServerConfig    `mapstructure:"iceserver"`
	NAT1To1IPs   []string             `mapstructure:"nat1to1"`
	MDNS         bool                 `mapstructure:"mdns"`
	Loopback     bool                 `mapstructure:"loopback"`
	Timeouts     WebRTCTimeoutsConfig `mapstructure:"timeouts"`
}

// Default returns the configuration used when no file overrides it.
func Default() RootConfig {
	return RootConfig{
		Log: LogConfig{Level: "info"},
		Client: ClientConfig{
			URL: "ws://localhost:8080/websocket",
		},
		Relay: RelayConfig{
			HTTPAddr:       ":8080",
			MaxConnections: 32,
			ConnectRate:    10,
			ConnectBurst:   10,
		},
		WebRTC: WebRTCConfig{
			ICEServers: []ICEServerConfig{
				{URLs: []string{"stun:stun.l.google.com:19302"}},
			},
		},
	}
}

// Validate reports configuration errors that would otherwise surface
// later as a failed peer connection.
func (c *RootConfig) Validate() error {
	if n := len(c.WebRTC.ICEPortRange); n != 0 && n != 2 {
		return fmt.Errorf("%w: got %d values", ErrPortRange, n)
	}
	if len(c.WebRTC.ICEPortRange) == 2 && c.WebRTC.ICEPortRange[0] > c.WebRTC.ICEPortRange[1] {
		return fmt.Errorf("%w: min %d above max %d", ErrPortRange, c.WebRTC.ICEPortRange[0], c.WebRTC.ICEPortRange[1])
	}
	return nil
}

// NewMediaEngine registers Opus and the audio level header extension.
// Client and relay share it so extension ids line up on both ends.
func NewMediaEngine() (*webrtc.MediaEngine, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{
			MimeType:    webrtc.MimeTypeOpus,
			ClockRate:   48000,
			Channels:    2,
			SDPFmtpLine: "minptime=10;useinbandfec=1",
		},
		PayloadType: 111,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, err
	}
	if err := m.RegisterHeaderExtension(webrtc.RTPHeaderExtensionCapability{URI: sdp.AudioLevelURI}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, err
	}
	return m, nil
}

// NewAPI parses our settings and returns a usable API and Configuration for creating PeerConnections
func NewAPI(c WebRTCConfig) (*webrtc.API, webrtc.Configuration, error) {
	m, err := NewMediaEngine()
	if err != nil {
		return nil, webrtc.Configuration{}, err
	}

	ir := &interceptor.Registry{}
	if err := webrtc.RegisterDefaultInterceptors(m, ir); err != nil {
		return nil, webrtc.Configuration{}, err
	}

	se := webrtc.SettingEngine{}
	if len(c.ICEPortRange) == 2 {
		if err := se.SetEphemeralUDPPortRange(c.ICEPortRange[0], c.ICEPortRange[1]); err != nil {
			return nil, webrtc.Configuration{}, err
		}
	}

	if c.Timeouts.ICEDisconnectedTimeout == 0 &&
		c.Timeouts.ICEFailedTimeout == 0 &&
		c.Timeouts.ICEKeepaliveInterval == 0 {
		logger.Debugw("no webrtc timeouts found in config, using default ones")
	} else {
		se.SetICETimeouts(
			time.Duration(c.Timeouts.ICEDisconnectedTimeout)*time.Second,
			time.Duration(c.Timeouts.ICEFailedTimeout)*time.Second,
			time.Duration(c.Timeouts.ICEKeepaliveInterval)*time.Second,
		)
	}

	if len(c.NAT1To1IPs) > 0 {
		se.SetNAT1To1IPs(c.NAT1To1IPs, webrtc.ICECandidateTypeHost)
	}
	if !c.MDNS {
		se.SetICEMulticastDNSMode(ice.MulticastDNSModeDisabled)
	}
	se.SetIncludeLoopbackCandidate(c.Loopback)

	var iceServers []webrtc.ICEServer
	for _, iceServer := range c.ICEServers {
		iceServers = append(iceServers, webrtc.ICEServer{
			URLs:       iceServer.URLs,
			Username:   iceServer.Username,
			Credential: iceServer.Credential,
		})
	}

	api := webrtc.NewAPI(
		webrtc.WithMediaEngine(m),
		webrtc.WithInterceptorRegistry(ir),
		webrtc.WithSettingEngine(se),
	)
	return api, webrtc.Configuration{
		ICEServers:   iceServers,
		SDPSemantics: webrtc.SDPSemanticsUnifiedPlan,
	}, nil
}
