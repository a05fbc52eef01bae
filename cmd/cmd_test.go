package cmd

import (
	"bytes"
	"context"
	"strings"
	"testing"
	"time"

	devConfig "github.com/Daskott/safeguard/dev/config"
	"github.com/spf13/viper"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type TestDataProvider []struct {
	description string
	override    map[string]interface{}
	expectedErr string
}

func TestDecodeServerConfig(t *testing.T) {
	cases := TestDataProvider{
		{
			description: "Should accept the dev config",
		},
		{
			description: "Should reject an unknown store driver",
			override:    map[string]interface{}{"store.driver": "postgres"},
			expectedErr: "Driver",
		},
		{
			description: "Should reject a missing listener port",
			override:    map[string]interface{}{"safeguard.listener.port": 0},
			expectedErr: "Port",
		},
		{
			description: "Should require a schedule when backups are enabled",
			override: map[string]interface{}{
				"google.storage.enableSqliteBackup":   true,
				"google.storage.sqliteBackupSchedule": "",
			},
			expectedErr: "SqliteBackupSchedule",
		},
	}

	for _, tc := range cases {
		t.Run(tc.description, func(t *testing.T) {
			v := viper.New()
			v.SetConfigType("yaml")
			require.Nil(t, v.ReadConfig(strings.NewReader(devConfig.SERVER_YML)))
			for key, value := range tc.override {
				v.Set(key, value)
			}

			config, err := decodeServerConfig(v)
			if tc.expectedErr != "" {
				require.NotNil(t, err)
				assert.Contains(t, err.Error(), tc.expectedErr)
				return
			}

			require.Nil(t, err)
			assert.Equal(t, 3000, config.Safeguard.Listener.Port)
			assert.Equal(t, 5*time.Second, config.Sources.AudioInterval)
			assert.NotEmpty(t, config.Safeguard.PrivateKeyPem)
		})
	}
}

func TestRunDemo(t *testing.T) {
	out := new(bytes.Buffer)

	err := runDemo(context.Background(), out, 300*time.Millisecond, 50*time.Millisecond)
	require.Nil(t, err)

	assert.Contains(t, out.String(), "bracelet code AB1 rejected")
	assert.Contains(t, out.String(), "Mina is trusted by 1 user(s)")
	assert.Contains(t, out.String(), "Asha triggered an alert at 30.427800, -9.598100")
	assert.Contains(t, out.String(), "Mina sees: Asha needs help")
	assert.Contains(t, out.String(), "playAlarmOnContact=true")
	assert.Contains(t, out.String(), `active=false, cancellationReason="False alarm"`)
	assert.Contains(t, out.String(), "Mina has 0 notifications")
	assert.Contains(t, out.String(), "history: Asha Cancelled, False alarm")
}
