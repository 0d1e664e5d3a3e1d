package conf

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validSettingsForTest() *Settings {
	s := &Settings{}
	s.Network.ListenPort = 4010
	s.Network.TimeshiftBufferSec = 300
	s.Sync.BarrierTimeoutMS = 50
	s.Main.Log = LogConfig{Enabled: true, Rotation: RotationDaily}
	s.Receivers = []ReceiverConfig{{Variant: "rtp-scream", ListenAddr: ":4011"}}
	s.Sources = map[string]SourceConfig{
		"src1": {SourceTag: "192.0.2.1", OutputChannels: 2, Volume: 1.0},
	}
	s.Sinks = map[string]SinkConfig{
		"sink1": {Protocol: "scream", Destination: "192.0.2.2:4010"},
	}
	return s
}

func TestValidateSettingsAcceptsWellFormedConfig(t *testing.T) {
	assert.NoError(t, ValidateSettings(validSettingsForTest()))
}

func TestValidateSettingsRejectsOutOfRangePort(t *testing.T) {
	s := validSettingsForTest()
	s.Network.ListenPort = 70000

	err := ValidateSettings(s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "listenport")
}

func TestValidateSettingsRejectsNonPositiveTimeshiftBuffer(t *testing.T) {
	s := validSettingsForTest()
	s.Network.TimeshiftBufferSec = 0

	err := ValidateSettings(s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "timeshiftbuffersec")
}

func TestValidateSettingsRejectsUnknownReceiverVariant(t *testing.T) {
	s := validSettingsForTest()
	s.Receivers = []ReceiverConfig{{Variant: "bogus", ListenAddr: ":4011"}}

	err := ValidateSettings(s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bogus")
}

func TestValidateSettingsRejectsSourceWithEmptyTag(t *testing.T) {
	s := validSettingsForTest()
	s.Sources["src1"] = SourceConfig{SourceTag: "", OutputChannels: 2}

	err := ValidateSettings(s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "source_tag")
}

func TestValidateSettingsRejectsMP3EnabledWithoutBitrate(t *testing.T) {
	s := validSettingsForTest()
	s.Sinks["sink1"] = SinkConfig{Protocol: "scream", Destination: "192.0.2.2:4010", MP3Enabled: true}

	err := ValidateSettings(s)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "mp3_bitrate")
}

func TestValidateSettingsAggregatesMultipleErrors(t *testing.T) {
	s := validSettingsForTest()
	s.Network.ListenPort = -1
	s.Network.TimeshiftBufferSec = -1

	err := ValidateSettings(s)
	require.Error(t, err)
	ve, ok := err.(ValidationError)
	require.True(t, ok)
	assert.GreaterOrEqual(t, len(ve.Errors), 2)
}
