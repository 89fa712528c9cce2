package core

import (
	"fmt"
	"log"
	"net/mail"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type (
	ServerConfig struct {
		Host                      string
		Port                      int
		JWTExpirationDelta        time.Duration
		JWTRefreshExpirationDelta time.Duration
		RefreshCookieName         string
		RefreshCookiePath         string
		RefreshCookieSecure       bool
	}

	DatabaseConfig struct {
		Engine        string
		Name          string
		User          string
		Password      string
		AdminUser     string
		AdminPassword string
		Host          string
		Port          int
		DisableTLS    bool
	}

	VideoConfig struct {
		APIKey    string
		APISecret string
		TokenTTL  time.Duration
	}

	Config struct {
		Env              string
		Debug            bool
		TestMode         bool
		AppName          string
		SecretKey        []byte
		FrontendBaseURL  string
		DefaultFromEmail mail.Address
		// InviteExpirationDelta is the default invitation TTL when the
		// teacher does not provide expiration_hours.
		InviteExpirationDelta time.Duration
		SendgridAPIKey        string
		RollbarToken          string
		Build                 string
		WorkDir               string
		Server                ServerConfig
		Database              DatabaseConfig
		Video                 VideoConfig
	}
)

func (c DatabaseConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

func (c ServerConfig) Address() string {
	return fmt.Sprintf("%s:%d", c.Host, c.Port)
}

// NewConfig loads the app configuration from defaults, an optional
// config/.env.<env> file and ENV-prefixed environment variables.
func NewConfig() *Config {
	conf := viper.New()
	conf.SetTypeByDefaultValue(true)

	// defaults
	conf.SetDefault("debug", true)
	conf.SetDefault("appName", "Darasa")
	conf.SetDefault("secretKey", "w2e&9m)fz$+57=dz&uoxh2(h!x)#*c2(#yg4h^$cegm2emy")
	conf.SetDefault("frontendBaseURL", "http://localhost:3000")
	conf.SetDefault("defaultFromEmail", "noreply@localhost")
	conf.SetDefault("inviteExpirationDelta", 72*time.Hour)
	conf.SetDefault("sendgridApiKey", "")
	conf.SetDefault("rollbarToken", "")

	conf.SetDefault("server.host", "localhost")
	conf.SetDefault("server.port", 8000)
	conf.SetDefault("server.jwtExpirationDelta", 10*time.Minute)
	conf.SetDefault("server.jwtRefreshExpirationDelta", 7*24*time.Hour)
	conf.SetDefault("server.refreshCookieName", "darasa_refresh")
	conf.SetDefault("server.refreshCookiePath", "/v1/token-refresh")
	conf.SetDefault("server.refreshCookieSecure", false)

	conf.SetDefault("database.engine", "postgres")
	conf.SetDefault("database.name", "darasa")
	conf.SetDefault("database.user", "darasa")
	conf.SetDefault("database.password", "")
	conf.SetDefault("database.adminUser", "")
	conf.SetDefault("database.adminPassword", "")
	conf.SetDefault("database.host", "localhost")
	conf.SetDefault("database.port", 5432)
	conf.SetDefault("database.disableTLS", true)

	conf.SetDefault("video.apiKey", "")
	conf.SetDefault("video.apiSecret", "")
	conf.SetDefault("video.tokenTTL", 2*time.Hour)

	env := os.Getenv("ENV") // DEV (local; default), TEST, QA, PROD
	if env == "" {
		env = "DEV"
	}
	conf.SetEnvPrefix(env)
	conf.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	wd := Getwd()

	// load .env if it exists (ignore if it does not)
	dotEnvPath := filepath.Join(wd, "config", ".env."+strings.ToLower(env))
	if _, err := os.Stat(dotEnvPath); err == nil {
		if err := godotenv.Load(dotEnvPath); err != nil {
			log.Fatalf("config.godotenv(%s): %v", dotEnvPath, err)
		}
	} else if !os.IsNotExist(err) {
		log.Fatalf("config.os.Stat(%s): %v", dotEnvPath, err)
	}
	conf.AutomaticEnv()

	return &Config{
		Env:                   env,
		Debug:                 conf.GetBool("debug"),
		TestMode:              env == "TEST",
		AppName:               conf.GetString("appName"),
		SecretKey:             []byte(conf.GetString("secretKey")),
		FrontendBaseURL:       conf.GetString("frontendBaseURL"),
		DefaultFromEmail:      mail.Address{Name: conf.GetString("appName"), Address: conf.GetString("defaultFromEmail")},
		InviteExpirationDelta: conf.GetDuration("inviteExpirationDelta"),
		SendgridAPIKey:        conf.GetString("sendgridApiKey"),
		RollbarToken:          conf.GetString("rollbarToken"),
		Build:                 conf.GetString("build"),
		WorkDir:               wd,
		Server: ServerConfig{
			Host:                      conf.GetString("server.host"),
			Port:                      conf.GetInt("server.port"),
			JWTExpirationDelta:        conf.GetDuration("server.jwtExpirationDelta"),
			JWTRefreshExpirationDelta: conf.GetDuration("server.jwtRefreshExpirationDelta"),
			RefreshCookieName:         conf.GetString("server.refreshCookieName"),
			RefreshCookiePath:         conf.GetString("server.refreshCookiePath"),
			RefreshCookieSecure:       conf.GetBool("server.refreshCookieSecure"),
		},
		Database: DatabaseConfig{
			Engine:        conf.GetString("database.engine"),
			Name:          conf.GetString("database.name"),
			User:          conf.GetString("database.user"),
			Password:      conf.GetString("database.password"),
			AdminUser:     conf.GetString("database.adminUser"),
			AdminPassword: conf.GetString("database.adminPassword"),
			Host:          conf.GetString("database.host"),
			Port:          conf.GetInt("database.port"),
			DisableTLS:    conf.GetBool("database.disableTLS"),
		},
		Video: VideoConfig{
			APIKey:    conf.GetString("video.apiKey"),
			APISecret: conf.GetString("video.apiSecret"),
			TokenTTL:  conf.GetDuration("video.tokenTTL"),
		},
	}
}
