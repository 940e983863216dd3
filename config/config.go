// Copyright (c) 2024-2025 The VisionMate Authors
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"log"
	"os"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
)

// Application config structure
type AppConfig struct {
	DeviceID string `mapstructure:"device_id" validate:"required"`
	LogLevel string `mapstructure:"log_level" validate:"required"`
	LogFile  string `mapstructure:"log_file"`

	// broker
	BrokerURL      string `mapstructure:"broker_url" validate:"required"`
	BrokerUsername string `mapstructure:"broker_username"`
	BrokerPassword string `mapstructure:"broker_password"`

	// emergency signalling
	EmergencyPhone string `mapstructure:"emergency_phone"`
	TurnAPIURL     string `mapstructure:"turn_api_url"`
	TurnAPIKey     string `mapstructure:"turn_api_key"`

	// backend vision endpoints
	ServerHTTPBase string `mapstructure:"server_http_base" validate:"required"`

	// audio capture
	MicIndex        int    `mapstructure:"mic_index"` // -1 picks by hint/default
	MicDeviceHint   string `mapstructure:"mic_device_hint"`
	SpeakerDevice   string `mapstructure:"speaker_device_hint"`
	AudioSampleRate int    `mapstructure:"audio_sample_rate" validate:"required"`
	AudioChunkMS    int    `mapstructure:"audio_chunk_ms" validate:"required"`
	DebugAudioDump  bool   `mapstructure:"debug_audio_dump"`

	// voice endpointing
	SilenceThreshold  float64 `mapstructure:"silence_threshold" validate:"required"`
	SilenceDuration   float64 `mapstructure:"silence_duration" validate:"required"`
	MinSpeechDuration float64 `mapstructure:"min_speech_duration" validate:"required"`

	// call microphone conditioning
	MicrophoneGain      float64 `mapstructure:"microphone_gain"`
	MicrophoneNoiseGate float64 `mapstructure:"microphone_noise_gate"`

	// playback loudness chain
	PlaybackGain         float64 `mapstructure:"playback_gain"`
	PlaybackAutoGain     bool    `mapstructure:"playback_auto_gain"`
	PlaybackTargetRMS    float64 `mapstructure:"playback_target_rms"`
	PlaybackMaxGain      float64 `mapstructure:"playback_max_gain"`
	PlaybackLimiter      bool    `mapstructure:"playback_limiter"`
	PlaybackLimiterDrive float64 `mapstructure:"playback_limiter_drive"`

	// camera
	CameraID     int `mapstructure:"camera_id"`
	CameraWidth  int `mapstructure:"camera_width" validate:"required"`
	CameraHeight int `mapstructure:"camera_height" validate:"required"`
	CameraFPS    int `mapstructure:"camera_fps" validate:"required"`

	// gps
	GPSEnabled bool   `mapstructure:"gps_enabled"`
	GPSPort    string `mapstructure:"gps_port"`
	BaudRate   int    `mapstructure:"baud_rate"`

	// segmentation sender
	SegmentationEnabled bool    `mapstructure:"segmentation_enabled"`
	DiffThreshold       float64 `mapstructure:"diff_threshold"`
	SendIntervalMin     float64 `mapstructure:"send_interval_min"`
	SendIntervalMax     float64 `mapstructure:"send_interval_max"`

	// obstacle alarms + sms modem
	ObstacleEnabled bool   `mapstructure:"obstacle_enabled"`
	SMSPort         string `mapstructure:"sms_port"`
	SMSBaud         int    `mapstructure:"sms_baud"`

	// filesystem layout
	SoundDir string `mapstructure:"sound_dir" validate:"required"`
	DataDir  string `mapstructure:"data_dir" validate:"required"`
}

// reading config and initializing configs for application
func InitConfig() (*viper.Viper, error) {
	vConfig := viper.NewWithOptions(viper.KeyDelimiter("__"))

	vConfig.AddConfigPath(".")
	vConfig.SetConfigName(".env")
	path := os.Getenv("ENV_PATH")
	if path != "" {
		log.Printf("env path %v", path)
		vConfig.SetConfigFile(path)
	}
	vConfig.SetConfigType("env")
	vConfig.AutomaticEnv()

	setDefault(vConfig)
	if err := vConfig.ReadInConfig(); err != nil && !os.IsNotExist(err) {
		log.Printf("Reading from env variables.")
	}

	return vConfig, nil
}

func setDefault(v *viper.Viper) {
	// setting all default values
	// keeping watch on https://github.com/spf13/viper/issues/188

	v.SetDefault("DEVICE_ID", "")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FILE", "")

	v.SetDefault("BROKER_URL", "tcp://localhost:1883")
	v.SetDefault("BROKER_USERNAME", "")
	v.SetDefault("BROKER_PASSWORD", "")

	v.SetDefault("EMERGENCY_PHONE", "")
	v.SetDefault("TURN_API_URL", "")
	v.SetDefault("TURN_API_KEY", "")

	v.SetDefault("SERVER_HTTP_BASE", "http://localhost:8000")

	v.SetDefault("MIC_INDEX", -1)
	v.SetDefault("MIC_DEVICE_HINT", "USB Audio Device")
	v.SetDefault("SPEAKER_DEVICE_HINT", "")
	v.SetDefault("AUDIO_SAMPLE_RATE", 16000)
	v.SetDefault("AUDIO_CHUNK_MS", 100)
	v.SetDefault("DEBUG_AUDIO_DUMP", false)

	v.SetDefault("SILENCE_THRESHOLD", 0.02)
	v.SetDefault("SILENCE_DURATION", 1.5)
	v.SetDefault("MIN_SPEECH_DURATION", 0.5)

	v.SetDefault("MICROPHONE_GAIN", 1.0)
	v.SetDefault("MICROPHONE_NOISE_GATE", 0.0)

	v.SetDefault("PLAYBACK_GAIN", 0.3)
	v.SetDefault("PLAYBACK_AUTO_GAIN", false)
	v.SetDefault("PLAYBACK_TARGET_RMS", 5000.0)
	v.SetDefault("PLAYBACK_MAX_GAIN", 2.0)
	v.SetDefault("PLAYBACK_LIMITER", false)
	v.SetDefault("PLAYBACK_LIMITER_DRIVE", 2.0)

	v.SetDefault("CAMERA_ID", 0)
	v.SetDefault("CAMERA_WIDTH", 640)
	v.SetDefault("CAMERA_HEIGHT", 480)
	v.SetDefault("CAMERA_FPS", 15)

	v.SetDefault("GPS_ENABLED", false)
	v.SetDefault("GPS_PORT", "")
	v.SetDefault("BAUD_RATE", 9600)

	v.SetDefault("SEGMENTATION_ENABLED", false)
	v.SetDefault("DIFF_THRESHOLD", 12.0)
	v.SetDefault("SEND_INTERVAL_MIN", 2.0)
	v.SetDefault("SEND_INTERVAL_MAX", 10.0)

	v.SetDefault("OBSTACLE_ENABLED", false)
	v.SetDefault("SMS_PORT", "")
	v.SetDefault("SMS_BAUD", 9600)

	v.SetDefault("SOUND_DIR", "assets/audio")
	v.SetDefault("DATA_DIR", "data")
}

// Getting application config from viper
func GetApplicationConfig(v *viper.Viper) (*AppConfig, error) {
	var config AppConfig
	err := v.Unmarshal(&config)
	if err != nil {
		log.Printf("%+v\n", err)
		return nil, err
	}

	// validating the app config
	validate := validator.New()
	err = validate.Struct(&config)
	if err != nil {
		log.Printf("%+v\n", err)
		return nil, err
	}
	return &config, nil
}
