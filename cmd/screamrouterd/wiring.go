package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/tphakala/screamrouter/internal/conf"
	"github.com/tphakala/screamrouter/internal/dsp"
	"github.com/tphakala/screamrouter/internal/engine"
	"github.com/tphakala/screamrouter/internal/logging"
	"github.com/tphakala/screamrouter/internal/observability/metrics"
	"github.com/tphakala/screamrouter/internal/receiver"
	"github.com/tphakala/screamrouter/internal/sink"
)

// metricsPollInterval is how often the engine's Stats snapshot is sampled
// into the metrics recorder.
const metricsPollInterval = 2 * time.Second

// serve builds the engine from settings, wires it to every configured
// receiver/source/sink, serves /metrics, and blocks until SIGINT/SIGTERM.
func serve(settings *conf.Settings) error {
	eng := engine.New()
	if err := eng.Initialize(settings.Network.ListenPort, settings.Network.TimeshiftBufferSec); err != nil {
		return fmt.Errorf("screamrouterd: initializing engine: %w", err)
	}
	defer eng.Shutdown()

	if err := wireReceivers(eng, settings.Receivers); err != nil {
		return err
	}
	if err := wireSinks(eng, settings.Sinks, settings.Sync.Enabled, settings.Sync.BarrierTimeoutMS); err != nil {
		return err
	}
	sinkIDs := make([]string, 0, len(settings.Sinks))
	for sinkID := range settings.Sinks {
		sinkIDs = append(sinkIDs, sinkID)
	}
	if err := wireSources(eng, settings.Sources, sinkIDs); err != nil {
		return err
	}

	stopMetrics := startMetricsServer(eng, settings.Metrics.Enabled, settings.Metrics.Listen)
	defer stopMetrics()

	bi := currentBuildInfo()
	logging.Info("screamrouterd: started",
		"version", bi.GetVersion(),
		"build_date", bi.GetBuildDate(),
		"system_id", bi.GetSystemID(),
		"listen_port", settings.Network.ListenPort,
		"sources", len(settings.Sources),
		"sinks", len(settings.Sinks),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()
	<-ctx.Done()
	logging.Info("screamrouterd: shutting down")
	return nil
}

func wireReceivers(eng *engine.Engine, receivers []conf.ReceiverConfig) error {
	for _, rc := range receivers {
		variant, err := parseReceiverVariant(rc.Variant)
		if err != nil {
			return fmt.Errorf("screamrouterd: receiver %q: %w", rc.ListenAddr, err)
		}
		if err := eng.AddReceiver(engine.ReceiverConfig{Variant: variant, ListenAddr: rc.ListenAddr}); err != nil {
			return fmt.Errorf("screamrouterd: adding receiver %q: %w", rc.ListenAddr, err)
		}
	}
	return nil
}

func wireSinks(eng *engine.Engine, sinks map[string]conf.SinkConfig, syncEnabledDefault bool, barrierTimeoutMS int) error {
	for sinkID, sc := range sinks {
		protocol, err := parseSinkProtocol(sc.Protocol)
		if err != nil {
			return fmt.Errorf("screamrouterd: sink %q: %w", sinkID, err)
		}
		gracePeriod := sink.DefaultGracePeriod
		if sc.GracePeriodMS > 0 {
			gracePeriod = time.Duration(sc.GracePeriodMS) * time.Millisecond
		}
		cfg := engine.SinkConfig{
			SinkID: sinkID,
			OutputFormat: dsp.AudioFormat{
				SampleRate: sc.OutputSampleRate,
				Channels:   sc.OutputChannels,
				BitDepth:   sc.OutputBitDepth,
			},
			Protocol:         protocol,
			Destination:      sc.Destination,
			GracePeriod:      gracePeriod,
			SyncEnabled:      sc.SyncEnabled || syncEnabledDefault,
			BarrierTimeoutMS: barrierTimeoutMS,
			MP3Enabled:       sc.MP3Enabled,
			MP3Bitrate:       sc.MP3Bitrate,
			FFmpegPath:       sc.FFmpegPath,
		}
		if err := eng.AddSink(cfg); err != nil {
			return fmt.Errorf("screamrouterd: adding sink %q: %w", sinkID, err)
		}
	}
	return nil
}

// wireSources configures every source instance from config and connects
// each one to every sink named in sinkIDs. screamrouterd's startup config
// has no per-source sink allow-list, so every source feeds every sink by
// default, matching spec.md's default routing topology.
func wireSources(eng *engine.Engine, sources map[string]conf.SourceConfig, sinkIDs []string) error {
	for instanceID, src := range sources {
		mix := make(map[int]dsp.SpeakerLayout, len(src.SpeakerMixByChannels))
		for channels, flat := range src.SpeakerMixByChannels {
			layout, err := buildSpeakerLayout(channels, flat)
			if err != nil {
				return fmt.Errorf("screamrouterd: source %q speaker mix for %d channels: %w", instanceID, channels, err)
			}
			mix[channels] = layout
		}
		cfg := engine.SourceConfig{
			InstanceID: instanceID,
			SourceTag:  src.SourceTag,
			OutputFormat: dsp.AudioFormat{
				SampleRate: src.OutputSampleRate,
				Channels:   src.OutputChannels,
				BitDepth:   src.OutputBitDepth,
			},
			Volume:               src.Volume,
			EQGains:              src.EQGains,
			DelayMS:              src.DelayMS,
			BackshiftSec:         src.BackshiftSec,
			SpeakerMixByChannels: mix,
		}
		gotID, err := eng.ConfigureSource(cfg)
		if err != nil {
			return fmt.Errorf("screamrouterd: configuring source %q: %w", instanceID, err)
		}
		for _, sinkID := range sinkIDs {
			if err := eng.Connect(gotID, sinkID); err != nil {
				return fmt.Errorf("screamrouterd: connecting %q to sink %q: %w", gotID, sinkID, err)
			}
		}
	}
	return nil
}

func parseReceiverVariant(s string) (receiver.Variant, error) {
	switch s {
	case "rtp-scream":
		return receiver.VariantRTPScream, nil
	case "raw-scream":
		return receiver.VariantRawScream, nil
	case "per-process":
		return receiver.VariantPerProcess, nil
	default:
		return 0, fmt.Errorf("unknown receiver variant %q", s)
	}
}

func parseSinkProtocol(s string) (sink.Protocol, error) {
	switch s {
	case "scream":
		return sink.ProtocolScream, nil
	case "rtp":
		return sink.ProtocolRTP, nil
	case "per-process":
		return sink.ProtocolPerProcess, nil
	default:
		return "", fmt.Errorf("unknown sink protocol %q", s)
	}
}

// buildSpeakerLayout turns a flattened row-major channels-by-channels mix
// matrix from config into a dsp.SpeakerLayout. An empty flat slice yields
// dsp.AutoLayout() so an omitted matrix falls back to automatic remixing.
func buildSpeakerLayout(channels int, flat []float64) (dsp.SpeakerLayout, error) {
	if len(flat) == 0 {
		return dsp.AutoLayout(), nil
	}
	if channels < 1 || channels > dsp.MaxLayoutChannels {
		return dsp.SpeakerLayout{}, fmt.Errorf("channel count %d out of range 1-%d", channels, dsp.MaxLayoutChannels)
	}
	if len(flat) != channels*channels {
		return dsp.SpeakerLayout{}, fmt.Errorf("expected %d matrix entries for %d channels, got %d", channels*channels, channels, len(flat))
	}
	var layout dsp.SpeakerLayout
	for out := 0; out < channels; out++ {
		for in := 0; in < channels; in++ {
			layout.Matrix[out][in] = flat[out*channels+in]
		}
	}
	return layout, nil
}

// startMetricsServer serves /metrics on a background HTTP server when
// enabled, polling the engine's Stats snapshot on an interval. The
// returned func stops both the server and the poller.
func startMetricsServer(eng *engine.Engine, enabled bool, listen string) func() {
	if !enabled {
		return func() {}
	}

	collector := metrics.NewCollector()
	poller := metrics.NewPoller(collector)

	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())
	srv := &http.Server{Addr: listen, Handler: mux}

	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logging.Error("screamrouterd: metrics server failed", "error", err)
		}
	}()

	stopPolling := make(chan struct{})
	go func() {
		ticker := time.NewTicker(metricsPollInterval)
		defer ticker.Stop()
		for {
			select {
			case <-stopPolling:
				return
			case <-ticker.C:
				poller.PollOnce(eng.Stats())
			}
		}
	}()

	return func() {
		close(stopPolling)
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := srv.Shutdown(ctx); err != nil {
			logging.Warn("screamrouterd: metrics server shutdown error", "error", err)
		}
	}
}
