package pulsewatch

import (
	"testing"

	"github.com/jfreymuth/pulse/proto"
	"go.uber.org/zap"
)

func newTestReconciler(ignoredSinks []string) (*reconciler, *int) {
	notifications := 0

	r := newReconciler(zap.NewNop().Sugar(), ignoredSinks, func() {
		notifications++
	})

	return r, &notifications
}

func serverInfo(defaultSink, defaultSource string) *proto.GetServerInfoReply {
	return &proto.GetServerInfoReply{
		DefaultSinkName:   defaultSink,
		DefaultSourceName: defaultSource,
	}
}

func runningSink(name, description string, percent int) DeviceInfo {
	return DeviceInfo{
		Index:       7,
		Name:        name,
		Description: description,
		Volumes:     uniformVolumes(percent, defaultChannels),
		State:       deviceRunning,
		ActivePort:  "analog-output",
		Monitor:     name + ".monitor",
	}
}

func TestDefaultSinkAdopted(t *testing.T) {
	r, notified := newTestReconciler(nil)

	r.applyServer(serverInfo("alsa_output.internal", "alsa_input.internal"))

	dev := runningSink("alsa_output.internal", "Built-in Audio", 60)
	dev.FormFactor = "internal"
	r.applySink(dev)

	snap := r.snapshot()

	if snap.SinkName != "alsa_output.internal" {
		t.Errorf("current sink = %q, want the default", snap.SinkName)
	}
	if !snap.SinkRunning {
		t.Error("current sink should be marked running")
	}
	if snap.Volume != 60 {
		t.Errorf("volume = %d, want 60", snap.Volume)
	}
	if snap.Description != "Built-in Audio" {
		t.Errorf("description = %q", snap.Description)
	}
	if snap.Port != "analog-output" {
		t.Errorf("port = %q", snap.Port)
	}
	if snap.FormFactor != "internal" {
		t.Errorf("form factor = %q", snap.FormFactor)
	}
	if *notified != 1 {
		t.Errorf("change callback invoked %d times, want 1", *notified)
	}
}

func TestIgnoredSinkForcesRunningFalse(t *testing.T) {
	r, notified := newTestReconciler([]string{"HDMI Audio"})

	r.applyServer(serverInfo("hdmi-sink", "mic"))

	// make the ignored device the current sink by name, then deliver its update
	r.applySink(runningSink("hdmi-sink", "HDMI Audio", 80))

	snap := r.snapshot()

	if snap.SinkRunning {
		t.Error("an ignored current sink must have running forced to false")
	}
	if snap.Volume != 0 || snap.Description != "" {
		t.Errorf("ignored update must not touch the snapshot, got volume=%d description=%q",
			snap.Volume, snap.Description)
	}
	if *notified != 0 {
		t.Errorf("change callback invoked %d times for an ignored update, want 0", *notified)
	}
}

func TestIgnoredSinkOtherThanCurrentDiscardedQuietly(t *testing.T) {
	r, _ := newTestReconciler([]string{"HDMI Audio"})

	r.applyServer(serverInfo("internal", "mic"))
	r.applySink(runningSink("internal", "Built-in Audio", 40))

	before := r.snapshot()

	r.applySink(runningSink("hdmi-sink", "HDMI Audio", 90))

	after := r.snapshot()

	if after != before {
		t.Error("ignored non-current sink update must leave the snapshot untouched")
	}
	if !after.SinkRunning {
		t.Error("current sink running flag must survive an ignored update for another device")
	}
}

func TestNonDefaultSinkDiscarded(t *testing.T) {
	r, notified := newTestReconciler(nil)

	r.applyServer(serverInfo("internal", "mic"))
	r.applySink(runningSink("usb-headset", "USB Headset", 30))

	snap := r.snapshot()

	if snap.Volume != 0 || snap.Description != "" {
		t.Errorf("non-default sink must not populate the snapshot, got volume=%d description=%q",
			snap.Volume, snap.Description)
	}
	if *notified != 0 {
		t.Errorf("change callback invoked %d times, want 0", *notified)
	}
}

func TestSuspendedDefaultStillUpdatesSnapshot(t *testing.T) {
	r, _ := newTestReconciler(nil)

	r.applyServer(serverInfo("internal", "mic"))

	dev := runningSink("internal", "Built-in Audio", 45)
	dev.State = deviceSuspended
	r.applySink(dev)

	snap := r.snapshot()

	if snap.SinkRunning {
		t.Error("suspended default must not be marked running")
	}
	if snap.Volume != 45 {
		t.Errorf("suspended default's data should still be copied, volume = %d", snap.Volume)
	}
}

func TestIdleCountsAsAvailable(t *testing.T) {
	r, _ := newTestReconciler(nil)

	r.applyServer(serverInfo("internal", "mic"))

	dev := runningSink("internal", "Built-in Audio", 45)
	dev.State = deviceIdle
	r.applySink(dev)

	if snap := r.snapshot(); !snap.SinkRunning {
		t.Error("an idle default sink must be treated as available")
	}
}

func TestInvalidVolumeVectorResets(t *testing.T) {
	r, notified := newTestReconciler(nil)

	r.applyServer(serverInfo("internal", "mic"))
	r.applySink(runningSink("internal", "Built-in Audio", 70))

	dev := runningSink("internal", "Built-in Audio", 0)
	dev.Volumes = proto.ChannelVolumes{volumeCeiling + 1, volumeCeiling + 1}
	r.applySink(dev)

	snap := r.snapshot()

	if snap.Volume != 0 {
		t.Errorf("volume after invalid vector = %d, want 0", snap.Volume)
	}

	if _, volumes, _ := r.volumeBaseline(); volumes != nil {
		t.Error("retained vector must be reset after an invalid update")
	}

	if *notified != 2 {
		t.Errorf("change callback invoked %d times, want 2", *notified)
	}
}

func TestChannelCountPreserved(t *testing.T) {
	r, _ := newTestReconciler(nil)

	r.applyServer(serverInfo("surround", "mic"))

	dev := runningSink("surround", "Surround Card", 50)
	dev.Volumes = uniformVolumes(50, 6)
	r.applySink(dev)

	if _, volumes, _ := r.volumeBaseline(); len(volumes) != 6 {
		t.Errorf("retained channel count = %d, want 6", len(volumes))
	}
}

func TestVolumeBaselineReturnsCopy(t *testing.T) {
	r, _ := newTestReconciler(nil)

	r.applyServer(serverInfo("internal", "mic"))
	r.applySink(runningSink("internal", "Built-in Audio", 50))

	_, volumes, _ := r.volumeBaseline()
	for i := range volumes {
		volumes[i] = 0
	}

	if _, again, _ := r.volumeBaseline(); percentFromVolumes(again) != 50 {
		t.Error("mutating a returned baseline must not affect the retained vector")
	}
}

func TestSourceAdoptedOnlyWhenDefault(t *testing.T) {
	r, notified := newTestReconciler(nil)

	r.applyServer(serverInfo("internal", "usb-mic"))

	other := DeviceInfo{
		Name:        "webcam-mic",
		Description: "Webcam Microphone",
		Volumes:     uniformVolumes(80, defaultChannels),
		ActivePort:  "analog-input",
	}
	r.applySource(other)

	if *notified != 0 {
		t.Fatal("non-default source must be discarded")
	}

	def := DeviceInfo{
		Index:       3,
		Name:        "usb-mic",
		Description: "USB Microphone",
		Volumes:     uniformVolumes(65, defaultChannels),
		Mute:        true,
		ActivePort:  "analog-input",
	}
	r.applySource(def)

	snap := r.snapshot()

	if snap.SourceVolume != 65 {
		t.Errorf("source volume = %d, want 65", snap.SourceVolume)
	}
	if !snap.SourceMuted {
		t.Error("source mute flag should be set")
	}
	if snap.SourceDescription != "USB Microphone" {
		t.Errorf("source description = %q", snap.SourceDescription)
	}
	if snap.SourcePort != "analog-input" {
		t.Errorf("source port = %q", snap.SourcePort)
	}
	if *notified != 1 {
		t.Errorf("change callback invoked %d times, want 1", *notified)
	}
}

func TestSinkMuteToggleIsInvolution(t *testing.T) {
	r, notified := newTestReconciler(nil)

	original := r.snapshot().Muted

	r.flipSinkMute(nil)
	if r.snapshot().Muted == original {
		t.Error("first toggle should flip the mute flag")
	}

	r.flipSinkMute(nil)
	if r.snapshot().Muted != original {
		t.Error("second toggle should restore the original mute flag")
	}

	if *notified != 2 {
		t.Errorf("change callback invoked %d times, want 2", *notified)
	}
}

func TestSourceMuteTogglesOwnFlag(t *testing.T) {
	r, _ := newTestReconciler(nil)

	r.applyServer(serverInfo("internal", "usb-mic"))

	def := DeviceInfo{
		Name:    "usb-mic",
		Volumes: uniformVolumes(50, defaultChannels),
		Mute:    true,
	}
	r.applySource(def)

	// sink stays unmuted; the implicit source toggle must read the
	// source's own flag, not the sink's
	if _, muted := r.flipSourceMute(nil); muted {
		t.Error("toggling a muted source should unmute it")
	}

	if snap := r.snapshot(); snap.Muted {
		t.Error("source mute toggle must not touch the sink mute flag")
	}
}

func TestExplicitMuteValues(t *testing.T) {
	r, _ := newTestReconciler(nil)

	on := true
	if _, muted := r.flipSinkMute(&on); !muted {
		t.Error("explicit mute true should report muted")
	}

	off := false
	if _, muted := r.flipSinkMute(&off); muted {
		t.Error("explicit mute false should report unmuted")
	}
}

func TestIsBluetooth(t *testing.T) {
	tests := []struct {
		monitor  string
		expected bool
	}{
		{"alsa_output.pci-0000_00_1f.3.analog-stereo", false},
		{"bluez_sink.AA_BB.a2dp_sink.monitor", true},
		{"bluez_output.AA_BB.1.monitor", true},
		{"pipewire.a2dp-sink.monitor", true},
		{"", false},
	}

	for _, tt := range tests {
		t.Run(tt.monitor, func(t *testing.T) {
			r, _ := newTestReconciler(nil)

			r.applyServer(serverInfo("sink", "mic"))

			dev := runningSink("sink", "Some Sink", 50)
			dev.Monitor = tt.monitor
			r.applySink(dev)

			if got := r.isBluetooth(); got != tt.expected {
				t.Errorf("isBluetooth(%q) = %v, want %v", tt.monitor, got, tt.expected)
			}
		})
	}
}

func TestMissingPortReportsUnknown(t *testing.T) {
	info := proto.GetSinkInfoReply{
		SinkName: "sink",
		Device:   "Some Sink",
	}

	if dev := sinkDeviceInfo(&info); dev.ActivePort != unknownPort {
		t.Errorf("active port = %q, want %q", dev.ActivePort, unknownPort)
	}
}
