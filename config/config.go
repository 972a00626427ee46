// Copyright (c) 2023-2025 RapidaAI
// Author: Prashant Srivastav <prashant@rapida.ai>
//
// Licensed under GPL-2.0 with Rapida Additional Terms.
// See LICENSE.md or contact sales@rapida.ai for commercial usage.

package config

import (
	"log"
	"os"

	"github.com/spf13/viper"
)

// RedisConfig is the connection config for the durable session store.
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	Database int    `mapstructure:"database"`
}

// SfuConfig identifies the upstream Selective Forwarding Unit application.
type SfuConfig struct {
	ApiUrl      string `mapstructure:"api_url"`
	AppId       string `mapstructure:"app_id"`
	BearerToken string `mapstructure:"bearer_token"`
}

// AiConfig carries the media-AI provider credentials and model selection.
type AiConfig struct {
	AccountId  string `mapstructure:"account_id"`
	ApiToken   string `mapstructure:"api_token"`
	TtsModel   string `mapstructure:"tts_model"`
	SttModel   string `mapstructure:"stt_model"`
	TtsWsUrl   string `mapstructure:"tts_ws_url"`
	SttWsUrl   string `mapstructure:"stt_ws_url"`
	TtsHttpUrl string `mapstructure:"tts_http_url"`
}

// Application config structure
type AppConfig struct {
	Name      string      `mapstructure:"service_name"`
	Version   string      `mapstructure:"version"`
	Host      string      `mapstructure:"host"`
	Port      int         `mapstructure:"port"`
	PublicUrl string      `mapstructure:"public_url"`
	LogLevel  string      `mapstructure:"log_level"`
	LogFile   string      `mapstructure:"log_file"`
	Sfu       SfuConfig   `mapstructure:"sfu"`
	Ai        AiConfig    `mapstructure:"ai"`
	Redis     RedisConfig `mapstructure:"redis"`
}

// reading config and intializing configs for application
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
		log.Printf("Reading from env varaibles.")
	}

	return vConfig, nil
}

func setDefault(v *viper.Viper) {
	// setting all default values
	// keeping watch on https://github.com/spf13/viper/issues/188

	v.SetDefault("SERVICE_NAME", "media-bridge")
	v.SetDefault("VERSION", "0.0.1")
	v.SetDefault("HOST", "0.0.0.0")
	v.SetDefault("PORT", 9021)
	// Externally reachable base used for SFU adapter callback endpoints.
	v.SetDefault("PUBLIC_URL", "wss://localhost:9021")
	v.SetDefault("LOG_LEVEL", "debug")
	v.SetDefault("LOG_FILE", "")

	v.SetDefault("SFU__API_URL", "https://rtc.live.cloudflare.com/v1")
	v.SetDefault("SFU__APP_ID", "")
	v.SetDefault("SFU__BEARER_TOKEN", "")

	v.SetDefault("AI__ACCOUNT_ID", "")
	v.SetDefault("AI__API_TOKEN", "")
	v.SetDefault("AI__TTS_MODEL", "aura-1")
	v.SetDefault("AI__STT_MODEL", "nova-3")
	v.SetDefault("AI__TTS_WS_URL", "wss://api.deepgram.com/v1/speak")
	v.SetDefault("AI__STT_WS_URL", "wss://api.deepgram.com/v1/listen")
	v.SetDefault("AI__TTS_HTTP_URL", "https://api.deepgram.com/v1/speak")

	v.SetDefault("REDIS__HOST", "localhost")
	v.SetDefault("REDIS__PORT", 6379)
	v.SetDefault("REDIS__PASSWORD", "")
	v.SetDefault("REDIS__DATABASE", 0)
}

// Getting application config from viper
func GetApplicationConfig(v *viper.Viper) (*AppConfig, error) {
	var config AppConfig
	if err := v.Unmarshal(&config); err != nil {
		log.Printf("%+v\n", err)
		return nil, err
	}
	return &config, nil
}
