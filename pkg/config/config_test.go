package config

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestValidate(t *testing.T) {
	t.Run("default is valid", func(t *testing.T) {
		c := Default()
		require.NoError(t, c.Validate())
	})

	t.Run("port range needs two values", func(t *testing.T) {
		c := Default()
		c.WebRTC.ICEPortRange = []uint16{5000, 5100, 5200}
		require.ErrorIs(t, c.Validate(), ErrPortRange)

		c.WebRTC.ICEPortRange = []uint16{5000}
		require.ErrorIs(t, c.Validate(), ErrPortRange)
	})

	t.Run("port range ordered", func(t *testing.T) {
		c := Default()
		c.WebRTC.ICEPortRange = []uint16{6000, 5000}
		require.ErrorIs(t, c.Validate(), ErrPortRange)

		c.WebRTC.ICEPortRange = []uint16{5000, 6000}
		require.NoError(t, c.Validate())
	})
}

func TestNewAPI(t *testing.T) {
	c := Default()
	c.WebRTC.ICEServers = nil
	c.WebRTC.ICEPortRange = []uint16{50000, 50100}
	c.WebRTC.Timeouts = WebRTCTimeoutsConfig{ICEDisconnectedTimeout: 5, ICEFailedTimeout: 10, ICEKeepaliveInterval: 2}

	api, rtcConf, err := NewAPI(c.WebRTC)
	require.NoError(t, err)
	require.NotNil(t, api)
	require.Empty(t, rtcConf.ICEServers)

	pc, err := api.NewPeerConnection(rtcConf)
	require.NoError(t, err)
	require.NoError(t, pc.Close())
}
