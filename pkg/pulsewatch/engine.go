package pulsewatch

import (
	"errors"
	"fmt"
	"time"

	"github.com/jfreymuth/pulse/proto"
	"go.uber.org/zap"
)

// EngineConfig carries everything an Engine needs at construction
type EngineConfig struct {
	// PulseAudio server address; empty means the usual environment/default lookup
	Server string

	// sink descriptions excluded from selection, immutable after construction
	IgnoredSinks []string

	// single change callback, invoked with no arguments after any snapshot
	// mutation; the consumer re-reads whatever fields it cares about
	OnChange func()

	Reconnect         ReconnectPolicy
	KeepaliveInterval time.Duration
}

// Engine maintains a live, reconciled view of the machine's current audio
// output and input devices, and issues volume/mute commands against them.
// It is created once at the composition root and handed to consumers.
type Engine struct {
	logger *zap.SugaredLogger

	conn *connection
	rec  *reconciler
}

// NewEngine connects to the audio server, subscribes to device change events
// and requests the initial state. A failure to establish the connection is
// returned to the caller; every later failure is handled internally.
func NewEngine(logger *zap.SugaredLogger, config EngineConfig) (*Engine, error) {
	logger = logger.Named("engine")

	e := &Engine{
		logger: logger,
		rec:    newReconciler(logger, config.IgnoredSinks, config.OnChange),
		conn:   newConnection(logger, config.Server, config.Reconnect, config.KeepaliveInterval),
	}

	e.conn.onReady = e.resync

	if err := e.conn.open(); err != nil {
		logger.Errorw("Failed to connect to PulseAudio", "error", err)
		return nil, fmt.Errorf("connect to PulseAudio: %w", err)
	}

	go e.dispatchLoop()

	e.resync()

	logger.Debug("Created engine instance")

	return e, nil
}

// Close terminates the engine permanently
func (e *Engine) Close() {
	e.conn.close()
}

// ConnectionState exposes the connection's health for observability
func (e *Engine) ConnectionState() ConnState {
	return e.conn.currentState()
}

// dispatchLoop serializes all subscription event handling, playing the role
// of the audio client's single event-loop thread
func (e *Engine) dispatchLoop() {
	for {
		select {
		case <-e.conn.quit:
			return
		case ev := <-e.conn.events:
			if ev.gen != e.conn.gen.Load() {
				// event from a connection that has since been torn down
				continue
			}
			e.handleEvent(ev.event)
		}
	}
}

func (e *Engine) handleEvent(event proto.SubscribeEvent) {
	if event.Event.GetType() != proto.EventChange {
		return
	}

	switch event.Event & proto.EventFacilityMask {
	case proto.EventServer:
		e.resync()
	case proto.EventSink:
		e.refreshSink(event.Index)
	case proto.EventSinkSinkInput:
		// a stream change can move which sink is running; rescan them all
		e.refreshSinkList()
	case proto.EventSource:
		e.refreshSource(event.Index)
	case proto.EventSinkSourceOutput:
		e.refreshSourceList()
	}
}

// resync re-fetches the default device names and cascades to full sink and
// source list refreshes. Runs after every (re)connect and on server changes.
func (e *Engine) resync() {
	reply := proto.GetServerInfoReply{}

	if err := e.conn.roundTrip(&proto.GetServerInfo{}, &reply); err != nil {
		e.logFetchError("server info", err)
		return
	}

	e.rec.applyServer(&reply)

	e.refreshSinkList()
	e.refreshSourceList()
}

func (e *Engine) refreshSink(index uint32) {
	reply := proto.GetSinkInfoReply{}

	if err := e.conn.roundTrip(&proto.GetSinkInfo{SinkIndex: index}, &reply); err != nil {
		e.logFetchError("sink info", err)
		return
	}

	e.rec.applySink(sinkDeviceInfo(&reply))
}

func (e *Engine) refreshSinkList() {
	reply := proto.GetSinkInfoListReply{}

	if err := e.conn.roundTrip(&proto.GetSinkInfoList{}, &reply); err != nil {
		e.logFetchError("sink list", err)
		return
	}

	for _, info := range reply {
		if info != nil {
			e.rec.applySink(sinkDeviceInfo(info))
		}
	}
}

func (e *Engine) refreshSource(index uint32) {
	reply := proto.GetSourceInfoReply{}

	if err := e.conn.roundTrip(&proto.GetSourceInfo{SourceIndex: index}, &reply); err != nil {
		e.logFetchError("source info", err)
		return
	}

	e.rec.applySource(sourceDeviceInfo(&reply))
}

func (e *Engine) refreshSourceList() {
	reply := proto.GetSourceInfoListReply{}

	if err := e.conn.roundTrip(&proto.GetSourceInfoList{}, &reply); err != nil {
		e.logFetchError("source list", err)
		return
	}

	for _, info := range reply {
		if info != nil {
			e.rec.applySource(sourceDeviceInfo(info))
		}
	}
}

func (e *Engine) logFetchError(what string, err error) {
	if errors.Is(err, errNotReady) {
		e.logger.Debugw("Skipping fetch, connection not ready", "what", what)
		return
	}

	e.logger.Warnw("Failed to fetch audio server state", "what", what, "error", err)
}

// SetVolume sets the current sink's volume to the given percentage, clamped
// into [min, max]. The same value is written to every channel.
func (e *Engine) SetVolume(percent, min, max int) {
	index, volumes, _ := e.rec.volumeBaseline()

	channels := defaultChannels
	if volumes != nil {
		channels = len(volumes)
	}

	target := uniformVolumes(clampPercent(percent, min, max), channels)

	e.submitSinkVolume(index, target)
}

// StepVolume changes the current sink's volume by step percent in the given
// direction, never exceeding max and never dropping below zero
func (e *Engine) StepVolume(direction Direction, step float64, max int) {
	index, volumes, percent := e.rec.volumeBaseline()

	if volumes == nil {
		// no trusted baseline to do incremental arithmetic on; re-assert the
		// current percentage on a stereo default and let the refresh catch up
		e.submitSinkVolume(index, uniformVolumes(percent, defaultChannels))
		return
	}

	next, ok := stepVolumes(volumes, percent, direction, step, max)
	if !ok {
		return
	}

	e.submitSinkVolume(index, next)
}

// submitSinkVolume sends the volume request asynchronously. On success the
// affected sink is re-fetched so the snapshot reflects what the server settled
// on; on failure the snapshot is left alone and the error is only logged.
func (e *Engine) submitSinkVolume(index uint32, volumes proto.ChannelVolumes) {
	go func() {
		request := proto.SetSinkVolume{
			SinkIndex:      index,
			ChannelVolumes: volumes,
		}

		if err := e.conn.roundTrip(&request, nil); err != nil {
			e.logger.Debugw("Volume modification failed", "sinkIndex", index, "error", err)
			return
		}

		e.refreshSink(index)
	}()
}

// ToggleSinkMute flips the current sink's mute flag
func (e *Engine) ToggleSinkMute() {
	e.submitSinkMute(e.rec.flipSinkMute(nil))
}

// SetSinkMute sets the current sink's mute flag to an explicit value
func (e *Engine) SetSinkMute(mute bool) {
	e.submitSinkMute(e.rec.flipSinkMute(&mute))
}

// ToggleSourceMute flips the current source's mute flag
func (e *Engine) ToggleSourceMute() {
	e.submitSourceMute(e.rec.flipSourceMute(nil))
}

// SetSourceMute sets the current source's mute flag to an explicit value
func (e *Engine) SetSourceMute(mute bool) {
	e.submitSourceMute(e.rec.flipSourceMute(&mute))
}

// mute requests are fire-and-forget: the local flag already flipped, and the
// subscription event confirms (or corrects) it

func (e *Engine) submitSinkMute(index uint32, muted bool) {
	go func() {
		request := proto.SetSinkMute{
			SinkIndex: index,
			Mute:      muted,
		}

		if err := e.conn.roundTrip(&request, nil); err != nil {
			e.logger.Debugw("Sink mute request failed", "sinkIndex", index, "error", err)
		}
	}()
}

func (e *Engine) submitSourceMute(index uint32, muted bool) {
	go func() {
		request := proto.SetSourceMute{
			SourceIndex: index,
			Mute:        muted,
		}

		if err := e.conn.roundTrip(&request, nil); err != nil {
			e.logger.Debugw("Source mute request failed", "sourceIndex", index, "error", err)
		}
	}()
}

// IsBluetooth reports whether the current sink is a bluetooth device
func (e *Engine) IsBluetooth() bool {
	return e.rec.isBluetooth()
}

// Snapshot returns a copy of the full reconciled state
func (e *Engine) Snapshot() Snapshot {
	return e.rec.snapshot()
}

// Read accessors for individual snapshot fields

func (e *Engine) Volume() int               { return e.rec.snapshot().Volume }
func (e *Engine) Muted() bool               { return e.rec.snapshot().Muted }
func (e *Engine) SinkDescription() string   { return e.rec.snapshot().Description }
func (e *Engine) SinkPort() string          { return e.rec.snapshot().Port }
func (e *Engine) SinkFormFactor() string    { return e.rec.snapshot().FormFactor }
func (e *Engine) SinkRunning() bool         { return e.rec.snapshot().SinkRunning }
func (e *Engine) SourceVolume() int         { return e.rec.snapshot().SourceVolume }
func (e *Engine) SourceMuted() bool         { return e.rec.snapshot().SourceMuted }
func (e *Engine) SourceDescription() string { return e.rec.snapshot().SourceDescription }
func (e *Engine) SourcePort() string        { return e.rec.snapshot().SourcePort }
