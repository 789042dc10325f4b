package pulsewatch

import (
	"fmt"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/go-viper/mapstructure/v2"
	"github.com/spf13/viper"
	"github.com/thoas/go-funk"
	"go.uber.org/zap"

	"github.com/MixyLabs/pulsewatch/pkg/pulsewatch/util"
)

type ConfigManager struct {
	logger             *zap.SugaredLogger
	notifier           Notifier
	stopWatcherChannel chan bool

	reloadConsumers []chan bool

	userConfig *viper.Viper

	current Config
}

type Config struct {
	// sink descriptions that must never become the current sink
	IgnoredSinks []string `mapstructure:"ignored_sinks"`

	// PulseAudio server address override; empty uses the environment default
	PulseServer string `mapstructure:"pulse_server"`

	Reconnect struct {
		MaxAttempts    int `mapstructure:"max_attempts"`
		InitialDelayMs int `mapstructure:"initial_delay_ms"`
		MaxDelayMs     int `mapstructure:"max_delay_ms"`
	} `mapstructure:"reconnect"`

	KeepaliveIntervalMs int `mapstructure:"keepalive_interval_ms"`

	StatusFeed struct {
		Enabled       bool   `mapstructure:"enabled"`
		ListenAddress string `mapstructure:"listen_address"`
	} `mapstructure:"status_feed"`
}

const (
	userConfigFilepath = "config.yaml"

	userConfigName = "config"
	userConfigPath = "."

	configType = "yaml"

	configKeyIgnoredSinks        = "ignored_sinks"
	configKeyPulseServer         = "pulse_server"
	configKeyReconnectAttempts   = "reconnect.max_attempts"
	configKeyReconnectInitialMs  = "reconnect.initial_delay_ms"
	configKeyReconnectMaxMs      = "reconnect.max_delay_ms"
	configKeyKeepaliveIntervalMs = "keepalive_interval_ms"
	configKeyFeedEnabled         = "status_feed.enabled"
	configKeyFeedListenAddress   = "status_feed.listen_address"
)

func NewConfig(logger *zap.SugaredLogger, notifier Notifier) (*ConfigManager, error) {
	logger = logger.Named("config")

	cc := &ConfigManager{
		logger:             logger,
		notifier:           notifier,
		reloadConsumers:    []chan bool{},
		stopWatcherChannel: make(chan bool),
	}

	userConfig := viper.New()
	userConfig.SetConfigName(userConfigName)
	userConfig.SetConfigType(configType)
	userConfig.AddConfigPath(userConfigPath)

	userConfig.SetDefault(configKeyIgnoredSinks, []string{})
	userConfig.SetDefault(configKeyPulseServer, "")
	userConfig.SetDefault(configKeyReconnectAttempts, DefaultReconnectPolicy.MaxAttempts)
	userConfig.SetDefault(configKeyReconnectInitialMs, int(DefaultReconnectPolicy.InitialDelay/time.Millisecond))
	userConfig.SetDefault(configKeyReconnectMaxMs, int(DefaultReconnectPolicy.MaxDelay/time.Millisecond))
	userConfig.SetDefault(configKeyKeepaliveIntervalMs, 5000)
	userConfig.SetDefault(configKeyFeedEnabled, false)
	userConfig.SetDefault(configKeyFeedListenAddress, "localhost:16400")

	cc.userConfig = userConfig

	logger.Debug("Created config instance")

	return cc, nil
}

func (cc *ConfigManager) Load() error {
	cc.logger.Debugw("Loading config", "path", userConfigFilepath)

	// a missing config file is fine, defaults cover everything
	if !util.FileExists(userConfigFilepath) {
		cc.logger.Debugw("Config file not found, using defaults", "path", userConfigFilepath)

		cc.current = Config{}
		return cc.populateFromViper()
	}

	if err := cc.userConfig.ReadInConfig(); err != nil {
		cc.logger.Warnw("Viper failed to read user config", "error", err)

		// if the error is yaml-format-related, show a sensible error. otherwise, show 'em to the logs
		if strings.Contains(err.Error(), "yaml:") {
			cc.notifier.Notify("Invalid configuration!",
				fmt.Sprintf("Please make sure %s is in a valid YAML format.", userConfigFilepath))
		} else {
			cc.notifier.Notify("Error loading configuration!", "Please check pulsewatch's logs for more details.")
		}

		return fmt.Errorf("read user config: %w", err)
	}

	if err := cc.populateFromViper(); err != nil {
		cc.logger.Warnw("Failed to populate config fields", "error", err)
		return fmt.Errorf("populate config fields: %w", err)
	}

	cc.logger.Info("Loaded config successfully")
	cc.logger.Infow("Config values",
		"ignoredSinks", cc.current.IgnoredSinks,
		"pulseServer", cc.current.PulseServer,
		"statusFeed", cc.current.StatusFeed.Enabled)

	return nil
}

// Current returns the most recently loaded configuration
func (cc *ConfigManager) Current() *Config {
	return &cc.current
}

// SubscribeToChanges allows external components to receive updates when the config is reloaded
func (cc *ConfigManager) SubscribeToChanges() chan bool {
	c := make(chan bool)
	cc.reloadConsumers = append(cc.reloadConsumers, c)

	return c
}

// WatchConfigFileChanges starts watching for configuration file changes
// and attempts reloading the config when they happen
func (cc *ConfigManager) WatchConfigFileChanges() {
	cc.logger.Debugw("Starting to watch user config file for changes", "path", userConfigFilepath)

	const (
		minTimeBetweenReloadAttempts = time.Millisecond * 500
		delayBetweenEventAndReload   = time.Millisecond * 50
	)

	lastAttemptedReload := time.Now()

	// establish watch using viper as opposed to doing it ourselves, though our internal cooldown is still required
	cc.userConfig.WatchConfig()
	cc.userConfig.OnConfigChange(func(event fsnotify.Event) {
		if event.Op&fsnotify.Write == fsnotify.Write {
			now := time.Now()

			// ... check if it's not a duplicate (many editors will write to a file twice)
			if lastAttemptedReload.Add(minTimeBetweenReloadAttempts).Before(now) {
				// and attempt reload if appropriate
				cc.logger.Debugw("Config file modified, attempting reload", "event", event)

				// wait a bit to let the editor actually flush the new file contents to disk
				<-time.After(delayBetweenEventAndReload)

				if err := cc.Load(); err != nil {
					cc.logger.Warnw("Failed to reload config file", "error", err)
				} else {
					cc.logger.Info("Reloaded config successfully")
					cc.notifier.Notify("Configuration reloaded!", "Your changes have been applied.")

					cc.onConfigReloaded()
				}

				// don't forget to update the time
				lastAttemptedReload = now
			}
		}
	})

	// wait till they stop us
	<-cc.stopWatcherChannel
	cc.logger.Debug("Stopping user config file watcher")
	cc.userConfig.OnConfigChange(nil)
}

// StopWatchingConfigFile signals our filesystem watcher to stop
func (cc *ConfigManager) StopWatchingConfigFile() {
	cc.stopWatcherChannel <- true
}

func (cc *ConfigManager) populateFromViper() error {
	err := cc.userConfig.Unmarshal(&cc.current, func(dConf *mapstructure.DecoderConfig) {
		dConf.WeaklyTypedInput = false
	})
	if err != nil {
		return err
	}

	// duplicate ignore entries add nothing but noise
	cc.current.IgnoredSinks = funk.UniqString(cc.current.IgnoredSinks)

	cc.logger.Debug("Populated config fields from viper")

	return nil
}

func (cc *ConfigManager) onConfigReloaded() {
	cc.logger.Debug("Notifying consumers about configuration reload")

	for _, consumer := range cc.reloadConsumers {
		consumer <- true
	}
}

// EngineConfig assembles the engine's construction parameters from the
// loaded configuration
func (c *Config) EngineConfig(onChange func()) EngineConfig {
	return EngineConfig{
		Server:       c.PulseServer,
		IgnoredSinks: c.IgnoredSinks,
		OnChange:     onChange,
		Reconnect: ReconnectPolicy{
			MaxAttempts:  c.Reconnect.MaxAttempts,
			InitialDelay: time.Duration(c.Reconnect.InitialDelayMs) * time.Millisecond,
			MaxDelay:     time.Duration(c.Reconnect.MaxDelayMs) * time.Millisecond,
		},
		KeepaliveInterval: time.Duration(c.KeepaliveIntervalMs) * time.Millisecond,
	}
}
