// Package pulsewatch gives desktop status indicators a live, always-consistent
// view of the machine's active audio output and input devices, and lets them
// issue volume and mute commands back at the audio server.
package pulsewatch

import (
	"fmt"
	"os"
	"reflect"
	"sync"

	"go.uber.org/zap"

	"github.com/MixyLabs/pulsewatch/pkg/pulsewatch/util"
)

// Pulsewatch is the main entity managing all subcomponents
type Pulsewatch struct {
	logger    *zap.SugaredLogger
	notifier  Notifier
	configMan *ConfigManager
	feed      *StatusFeed

	engineLock sync.Mutex
	engine     *Engine

	stopChannel chan bool
	version     string
	verbose     bool
}

func NewPulsewatch(logger *zap.SugaredLogger, verbose bool) (*Pulsewatch, error) {
	logger = logger.Named("pulsewatch")

	notifier, err := NewToastNotifier(logger)
	if err != nil {
		logger.Errorw("Failed to create ToastNotifier", "error", err)
		return nil, fmt.Errorf("create new ToastNotifier: %w", err)
	}

	config, err := NewConfig(logger, notifier)
	if err != nil {
		logger.Errorw("Failed to create Config", "error", err)
		return nil, fmt.Errorf("create new Config: %w", err)
	}

	d := &Pulsewatch{
		logger:      logger,
		notifier:    notifier,
		configMan:   config,
		stopChannel: make(chan bool),
		verbose:     verbose,
	}

	logger.Debug("Created pulsewatch instance")

	return d, nil
}

func (d *Pulsewatch) currConf() *Config {
	return d.configMan.Current()
}

// Initialize sets up components and starts to run in the background
func (d *Pulsewatch) Initialize() error {
	d.logger.Debug("Initializing")

	// load the config for the first time
	if err := d.configMan.Load(); err != nil {
		d.logger.Errorw("Failed to load config during initialization", "error", err)
		return fmt.Errorf("load config during init: %w", err)
	}

	if d.currConf().StatusFeed.Enabled {
		d.feed = NewStatusFeed(d.logger, d.currConf().StatusFeed.ListenAddress)
		d.feed.Start()
	}

	if err := d.startEngine(); err != nil {
		d.logger.Errorw("Failed to start audio engine during initialization", "error", err)
		d.notifier.Notify("Can't reach PulseAudio!",
			"Please make sure the audio server is running, then re-launch.")

		return fmt.Errorf("start audio engine during init: %w", err)
	}

	d.setupOnConfigReload()
	d.setupInterruptHandler()

	d.run()

	return nil
}

// SetVersion causes pulsewatch to include a version string in its logs if called before Initialize
func (d *Pulsewatch) SetVersion(version string) {
	d.version = version
}

// Verbose returns a boolean indicating whether pulsewatch is running in verbose mode
func (d *Pulsewatch) Verbose() bool {
	return d.verbose
}

// Engine exposes the audio engine to in-process consumers
func (d *Pulsewatch) Engine() *Engine {
	d.engineLock.Lock()
	defer d.engineLock.Unlock()

	return d.engine
}

func (d *Pulsewatch) startEngine() error {
	engine, err := NewEngine(d.logger, d.currConf().EngineConfig(d.onChanged))
	if err != nil {
		return fmt.Errorf("create audio engine: %w", err)
	}

	d.engineLock.Lock()
	d.engine = engine
	d.engineLock.Unlock()

	// publish the initial state; changes that raced engine assignment
	// above were dropped by onChanged's nil check
	d.onChanged()

	return nil
}

// onChanged is the engine's single change callback: re-read the snapshot and
// hand it to whoever is listening
func (d *Pulsewatch) onChanged() {
	d.engineLock.Lock()
	engine := d.engine
	d.engineLock.Unlock()

	if engine == nil {
		return
	}

	snapshot := engine.Snapshot()

	if d.verbose {
		d.logger.Debugw("Audio state changed",
			"sink", snapshot.SinkName,
			"volume", snapshot.Volume,
			"muted", snapshot.Muted,
			"port", snapshot.Port,
			"bluetooth", snapshot.Bluetooth)
	}

	if d.feed != nil {
		d.feed.Publish(snapshot)
	}
}

func (d *Pulsewatch) setupOnConfigReload() {
	configReloadedChannel := d.configMan.SubscribeToChanges()

	go func() {
		// the engine's ignore list is fixed at construction, so an edited
		// list means a fresh engine
		lastIgnoredSinks := d.currConf().IgnoredSinks

		for range configReloadedChannel {
			if reflect.DeepEqual(d.currConf().IgnoredSinks, lastIgnoredSinks) {
				continue
			}

			d.logger.Info("Ignored sinks changed, restarting audio engine")
			lastIgnoredSinks = d.currConf().IgnoredSinks

			d.engineLock.Lock()
			old := d.engine
			d.engine = nil
			d.engineLock.Unlock()

			if old != nil {
				old.Close()
			}

			if err := d.startEngine(); err != nil {
				d.logger.Errorw("Failed to restart audio engine after config reload", "error", err)
			}
		}
	}()
}

func (d *Pulsewatch) setupInterruptHandler() {
	interruptChannel := util.SetupCloseHandler()

	go func() {
		signal := <-interruptChannel
		d.logger.Debugw("Interrupted", "signal", signal)
		d.signalStop()
	}()
}

func (d *Pulsewatch) run() {
	defer d.recoverFromPanic()

	d.logger.Info("Run loop starting")

	go d.configMan.WatchConfigFileChanges()

	// wait until gracefully stopped
	<-d.stopChannel
	d.logger.Debug("Stop channel signaled, terminating")

	if err := d.stop(); err != nil {
		d.logger.Warnw("Failed to stop pulsewatch", "error", err)
		os.Exit(1)
	} else {
		os.Exit(0)
	}
}

func (d *Pulsewatch) signalStop() {
	d.logger.Debug("Signalling stop channel")
	d.stopChannel <- true
}

func (d *Pulsewatch) stop() error {
	d.logger.Info("Stopping")

	d.configMan.StopWatchingConfigFile()

	d.engineLock.Lock()
	engine := d.engine
	d.engine = nil
	d.engineLock.Unlock()

	if engine != nil {
		engine.Close()
	}

	if d.feed != nil {
		d.feed.Stop()
	}

	// attempt to sync on exit - this won't necessarily work but can't harm
	_ = d.logger.Sync()

	return nil
}
