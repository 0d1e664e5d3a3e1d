// conf/validate.go

package conf

import (
	"fmt"
	"net"
	"strings"
)

// ValidationError collects every validation failure found in one pass so
// a user fixing their config.yaml sees all the problems at once instead
// of one at a time.
type ValidationError struct {
	Errors []string
}

func (ve ValidationError) Error() string {
	return fmt.Sprintf("validation errors: %v", ve.Errors)
}

// ValidateSettings validates the entire Settings struct, returning a
// ValidationError aggregating every problem found, or nil if settings is
// well-formed.
func ValidateSettings(settings *Settings) error {
	ve := ValidationError{}

	if err := validateNetworkSettings(&settings.Network); err != nil {
		ve.Errors = append(ve.Errors, err.Error())
	}
	if err := validateSyncSettings(&settings.Sync); err != nil {
		ve.Errors = append(ve.Errors, err.Error())
	}
	if err := validateLogSettings(&settings.Main.Log); err != nil {
		ve.Errors = append(ve.Errors, err.Error())
	}
	for _, rc := range settings.Receivers {
		if err := validateReceiverConfig(rc); err != nil {
			ve.Errors = append(ve.Errors, err.Error())
		}
	}
	for id, sc := range settings.Sources {
		if err := validateSourceConfig(id, sc); err != nil {
			ve.Errors = append(ve.Errors, err.Error())
		}
	}
	for id, sc := range settings.Sinks {
		if err := validateSinkConfig(id, sc); err != nil {
			ve.Errors = append(ve.Errors, err.Error())
		}
	}

	if len(ve.Errors) > 0 {
		return ve
	}
	return nil
}

func validateNetworkSettings(n *struct {
	ListenPort         int
	TimeshiftBufferSec float64
}) error {
	if n.ListenPort < 0 || n.ListenPort > 65535 {
		return fmt.Errorf("network.listenport %d out of range", n.ListenPort)
	}
	if n.TimeshiftBufferSec <= 0 {
		return fmt.Errorf("network.timeshiftbuffersec must be positive, got %v", n.TimeshiftBufferSec)
	}
	return nil
}

func validateSyncSettings(s *struct {
	Enabled          bool
	BarrierTimeoutMS int
}) error {
	if s.BarrierTimeoutMS < 0 {
		return fmt.Errorf("sync.barriertimeoutms must not be negative, got %d", s.BarrierTimeoutMS)
	}
	return nil
}

func validateLogSettings(l *LogConfig) error {
	if !l.Enabled {
		return nil
	}
	switch l.Rotation {
	case RotationDaily, RotationWeekly, RotationSize, "":
	default:
		return fmt.Errorf("main.log.rotation %q is not one of daily, weekly, size", l.Rotation)
	}
	if l.Rotation == RotationSize && l.MaxSize <= 0 {
		return fmt.Errorf("main.log.maxsize must be positive when rotation is size")
	}
	return nil
}

func validateReceiverConfig(rc ReceiverConfig) error {
	switch rc.Variant {
	case "rtp-scream", "raw-scream", "per-process":
	default:
		return fmt.Errorf("receiver %q: variant %q is not one of rtp-scream, raw-scream, per-process", rc.ListenAddr, rc.Variant)
	}
	if _, _, err := net.SplitHostPort(rc.ListenAddr); err != nil {
		return fmt.Errorf("receiver %q: invalid listen address: %w", rc.ListenAddr, err)
	}
	return nil
}

func validateSourceConfig(id string, sc SourceConfig) error {
	if strings.TrimSpace(sc.SourceTag) == "" {
		return fmt.Errorf("source %q: source_tag must not be empty", id)
	}
	if sc.OutputChannels <= 0 {
		return fmt.Errorf("source %q: output_channels must be positive", id)
	}
	if sc.Volume < 0 {
		return fmt.Errorf("source %q: volume must not be negative", id)
	}
	return nil
}

func validateSinkConfig(id string, sc SinkConfig) error {
	switch sc.Protocol {
	case "scream", "rtp", "per-process":
	default:
		return fmt.Errorf("sink %q: protocol %q is not one of scream, rtp, per-process", id, sc.Protocol)
	}
	if _, _, err := net.SplitHostPort(sc.Destination); err != nil {
		return fmt.Errorf("sink %q: invalid destination: %w", id, err)
	}
	if sc.MP3Enabled && sc.MP3Bitrate == "" {
		return fmt.Errorf("sink %q: mp3_bitrate required when mp3_enabled is true", id)
	}
	return nil
}
