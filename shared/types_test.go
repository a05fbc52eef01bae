package shared

import (
	"testing"

	"github.com/go-playground/validator"
	"github.com/stretchr/testify/assert"
)

func validConfig() ServerConfig {
	return ServerConfig{
		Safeguard: SafeguardConfig{
			Cron:     CronConfig{TimeZone: "Africa/Casablanca"},
			Listener: ListenerConfig{Port: 3000},
		},
	}
}

func TestServerConfigValidation(t *testing.T) {
	validate := validator.New()

	cases := []struct {
		name  string
		edit  func(*ServerConfig)
		valid bool
	}{
		{"minimal config", func(*ServerConfig) {}, true},
		{"missing port", func(c *ServerConfig) { c.Safeguard.Listener.Port = 0 }, false},
		{"unknown store driver", func(c *ServerConfig) { c.Store.Driver = "postgres" }, false},
		{"redis notifier", func(c *ServerConfig) { c.Notifier.Driver = "redis" }, true},
		{"unknown audio source", func(c *ServerConfig) { c.Sources.Audio = "microphone" }, false},
		{"backup without bucket", func(c *ServerConfig) { c.Google.Storage.EnableSqliteBackup = true }, false},
		{"backup with bucket", func(c *ServerConfig) {
			c.Google.Storage = StorageConfig{Bucket: "b", Prefix: "p", SqliteBackupSchedule: "*/30 * * * *", EnableSqliteBackup: true}
		}, true},
	}

	for _, tcase := range cases {
		t.Run(tcase.name, func(t *testing.T) {
			config := validConfig()
			tcase.edit(&config)

			err := validate.Struct(config)
			if tcase.valid {
				assert.Nil(t, err)
			} else {
				assert.NotNil(t, err)
			}
		})
	}
}
