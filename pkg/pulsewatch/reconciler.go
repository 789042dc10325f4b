package pulsewatch

import (
	"strings"
	"sync"

	"github.com/jfreymuth/pulse/proto"
	"github.com/thoas/go-funk"
	"go.uber.org/zap"
)

// deviceState holds the activity state of a sink or source as reported by the server
type deviceState uint32

const (
	deviceRunning   deviceState = 0
	deviceIdle      deviceState = 1
	deviceSuspended deviceState = 2
)

// available reports whether the device can be selected as current.
// Idle devices count: a sink with nothing playing is still the one in use.
func (s deviceState) available() bool {
	return s == deviceRunning || s == deviceIdle
}

const (
	unknownPort        = "Unknown"
	formFactorProperty = "device.form_factor"
)

// monitor name fragments that identify a bluetooth device,
// for both PulseAudio (a2dp_sink) and PipeWire (a2dp-sink) naming
var bluetoothMonitorProbes = []string{"a2dp_sink", "a2dp-sink", "bluez"}

// DeviceInfo is a per-event snapshot of a single sink or source. Instances are
// built from protocol replies, fed through the reconciler and discarded; only
// selected fields survive into the retained state.
type DeviceInfo struct {
	Index       uint32
	Name        string
	Description string
	Volumes     proto.ChannelVolumes
	Mute        bool
	State       deviceState
	ActivePort  string
	Monitor     string
	FormFactor  string
}

func sinkDeviceInfo(info *proto.GetSinkInfoReply) DeviceInfo {
	dev := DeviceInfo{
		Index:       info.SinkIndex,
		Name:        info.SinkName,
		Description: info.Device,
		Volumes:     info.ChannelVolumes,
		Mute:        info.Mute,
		State:       deviceState(info.State),
		ActivePort:  info.ActivePortName,
		Monitor:     info.MonitorSourceName,
	}

	if dev.ActivePort == "" {
		dev.ActivePort = unknownPort
	}

	if formFactor, ok := info.Properties[formFactorProperty]; ok {
		dev.FormFactor = formFactor.String()
	}

	return dev
}

func sourceDeviceInfo(info *proto.GetSourceInfoReply) DeviceInfo {
	dev := DeviceInfo{
		Index:       info.SourceIndex,
		Name:        info.SourceName,
		Description: info.Device,
		Volumes:     info.ChannelVolumes,
		Mute:        info.Mute,
		State:       deviceState(info.State),
		ActivePort:  info.ActivePortName,
	}

	if dev.ActivePort == "" {
		dev.ActivePort = unknownPort
	}

	return dev
}

// Snapshot is a point-in-time copy of the reconciled audio state
type Snapshot struct {
	SinkName    string `json:"sink_name"`
	SinkRunning bool   `json:"sink_running"`
	Volume      int    `json:"volume"`
	Muted       bool   `json:"muted"`
	Description string `json:"description"`
	Monitor     string `json:"monitor"`
	Port        string `json:"port"`
	FormFactor  string `json:"form_factor"`
	Bluetooth   bool   `json:"bluetooth"`

	SourceVolume      int    `json:"source_volume"`
	SourceMuted       bool   `json:"source_muted"`
	SourceDescription string `json:"source_description"`
	SourcePort        string `json:"source_port"`
}

// reconciler maintains the single current sink and current source from a
// stream of per-device snapshots arriving in arbitrary order. All state is
// guarded by one mutex; the change callback is always invoked with it released
// so consumers may call accessors from within the callback.
type reconciler struct {
	logger *zap.SugaredLogger

	// descriptions of sinks that must never be selected, fixed at construction
	ignoredSinks []string

	onChange func()

	mu sync.Mutex

	// sink state
	sinkIndex          uint32
	currentSinkName    string
	currentSinkRunning bool
	defaultSinkName    string
	defaultSinkRunning bool
	volumes            proto.ChannelVolumes // last known valid channel vector
	volumePercent      int
	muted              bool
	sinkDescription    string
	monitor            string
	sinkPort           string
	formFactor         string

	// source state
	sourceIndex         uint32
	defaultSourceName   string
	sourceVolumePercent int
	sourceMuted         bool
	sourceDescription   string
	sourcePort          string
}

func newReconciler(logger *zap.SugaredLogger, ignoredSinks []string, onChange func()) *reconciler {
	return &reconciler{
		logger:       logger.Named("reconciler"),
		ignoredSinks: funk.UniqString(ignoredSinks),
		onChange:     onChange,
	}
}

func (r *reconciler) notifyChanged() {
	if r.onChange != nil {
		r.onChange()
	}
}

// applyServer records the server-reported default device names. The default
// sink immediately becomes the current one; the following sink list refresh
// settles whether it is actually available.
func (r *reconciler) applyServer(info *proto.GetServerInfoReply) {
	r.mu.Lock()
	r.currentSinkName = info.DefaultSinkName
	r.defaultSinkName = info.DefaultSinkName
	r.defaultSourceName = info.DefaultSourceName
	r.mu.Unlock()

	r.logger.Debugw("Applied server info",
		"defaultSink", info.DefaultSinkName,
		"defaultSource", info.DefaultSourceName)
}

// applySink runs the sink selection algorithm for one incoming device snapshot
func (r *reconciler) applySink(dev DeviceInfo) {
	r.mu.Lock()

	if len(r.ignoredSinks) != 0 && funk.ContainsString(r.ignoredSinks, dev.Description) {
		if dev.Name == r.currentSinkName {
			// an ignored sink is never considered running,
			// so a later update replaces it with another sink
			r.currentSinkRunning = false
		}

		r.mu.Unlock()
		return
	}

	r.defaultSinkRunning = r.defaultSinkName == dev.Name && dev.State.available()

	// prefer the default sink's data while the default is healthy;
	// other sinks only matter as fallback candidates
	if dev.Name != r.defaultSinkName && !r.defaultSinkRunning {
		r.mu.Unlock()
		return
	}

	if r.currentSinkName == dev.Name {
		r.currentSinkRunning = dev.State.available()
	}

	if !r.currentSinkRunning && dev.State.available() {
		// fallback path: the first available sink seen becomes current.
		// Arrival order from the server decides ties between multiple
		// simultaneously running non-default sinks.
		r.currentSinkName = dev.Name
		r.currentSinkRunning = true
	}

	if r.currentSinkName != dev.Name {
		r.mu.Unlock()
		return
	}

	if validVolumes(dev.Volumes) {
		r.volumes = append(proto.ChannelVolumes(nil), dev.Volumes...)
		r.volumePercent = percentFromVolumes(r.volumes)
		r.sinkIndex = dev.Index
	} else {
		r.logger.Errorw("Invalid volume structure received from PulseAudio", "sink", dev.Name)
		r.volumes = nil
		r.volumePercent = 0
	}

	r.muted = dev.Mute
	r.sinkDescription = dev.Description
	r.monitor = dev.Monitor
	r.sinkPort = dev.ActivePort
	r.formFactor = dev.FormFactor
	r.mu.Unlock()

	r.notifyChanged()
}

// applySource adopts a source snapshot, but only for the server default source
func (r *reconciler) applySource(dev DeviceInfo) {
	r.mu.Lock()

	if r.defaultSourceName != dev.Name {
		r.mu.Unlock()
		return
	}

	r.sourceVolumePercent = percentFromVolumes(dev.Volumes)
	r.sourceIndex = dev.Index
	r.sourceMuted = dev.Mute
	r.sourceDescription = dev.Description
	r.sourcePort = dev.ActivePort
	r.mu.Unlock()

	r.notifyChanged()
}

// volumeBaseline returns the state a volume operation builds on: the tracked
// sink index, a copy of the retained channel vector (nil if no valid vector is
// held) and the current percentage.
func (r *reconciler) volumeBaseline() (index uint32, volumes proto.ChannelVolumes, percent int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if validVolumes(r.volumes) {
		volumes = append(proto.ChannelVolumes(nil), r.volumes...)
	}

	return r.sinkIndex, volumes, r.volumePercent
}

// flipSinkMute applies the optimistic local mute mutation and returns what to
// submit. The local flag flips before any server confirmation.
func (r *reconciler) flipSinkMute(explicit *bool) (index uint32, muted bool) {
	r.mu.Lock()
	if explicit != nil {
		r.muted = *explicit
	} else {
		r.muted = !r.muted
	}
	index, muted = r.sinkIndex, r.muted
	r.mu.Unlock()

	r.notifyChanged()

	return index, muted
}

// flipSourceMute mirrors flipSinkMute for the current source. The implicit
// toggle inverts the source's own flag.
func (r *reconciler) flipSourceMute(explicit *bool) (index uint32, muted bool) {
	r.mu.Lock()
	if explicit != nil {
		r.sourceMuted = *explicit
	} else {
		r.sourceMuted = !r.sourceMuted
	}
	index, muted = r.sourceIndex, r.sourceMuted
	r.mu.Unlock()

	r.notifyChanged()

	return index, muted
}

// isBluetooth reports whether the current sink's monitor stream belongs to a
// bluetooth device
func (r *reconciler) isBluetooth() bool {
	r.mu.Lock()
	monitor := r.monitor
	r.mu.Unlock()

	for _, probe := range bluetoothMonitorProbes {
		if strings.Contains(monitor, probe) {
			return true
		}
	}

	return false
}

// snapshot copies the reconciled state for external consumption
func (r *reconciler) snapshot() Snapshot {
	bluetooth := r.isBluetooth()

	r.mu.Lock()
	defer r.mu.Unlock()

	return Snapshot{
		SinkName:    r.currentSinkName,
		SinkRunning: r.currentSinkRunning,
		Volume:      r.volumePercent,
		Muted:       r.muted,
		Description: r.sinkDescription,
		Monitor:     r.monitor,
		Port:        r.sinkPort,
		FormFactor:  r.formFactor,
		Bluetooth:   bluetooth,

		SourceVolume:      r.sourceVolumePercent,
		SourceMuted:       r.sourceMuted,
		SourceDescription: r.sourceDescription,
		SourcePort:        r.sourcePort,
	}
}
