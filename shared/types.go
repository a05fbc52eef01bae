package shared

import "time"

type ServerConfig struct {
	Safeguard SafeguardConfig `mapstructure:"safeguard" validate:"required"`
	Store     StoreConfig     `mapstructure:"store"`
	Redis     RedisConfig     `mapstructure:"redis"`
	Notifier  NotifierConfig  `mapstructure:"notifier"`
	Sources   SourcesConfig   `mapstructure:"sources"`
	Google    GoogleConfig    `mapstructure:"google"`
	Log       LogConfig       `mapstructure:"log"`
}

type SafeguardConfig struct {
	// PrivateKeyPem signs session tokens. A throwaway key is generated when empty.
	PrivateKeyPem string         `mapstructure:"privateKeyPem"`
	Cron          CronConfig     `mapstructure:"cron" validate:"required"`
	Listener      ListenerConfig `mapstructure:"listener" validate:"required"`
}

type CronConfig struct {
	TimeZone string `mapstructure:"timeZone" validate:"required"`
}

type ListenerConfig struct {
	Port int `mapstructure:"port" validate:"required,min=1,max=65535"`
}

type StoreConfig struct {
	Driver  string `mapstructure:"driver" validate:"omitempty,oneof=sqlite redis memory"`
	DataDir string `mapstructure:"dataDir"`
}

type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
	Prefix   string `mapstructure:"prefix"`
}

type NotifierConfig struct {
	Driver string `mapstructure:"driver" validate:"omitempty,oneof=local redis"`
}

type SourcesConfig struct {
	Audio            string        `mapstructure:"audio" validate:"omitempty,oneof=simulated device"`
	Location         string        `mapstructure:"location" validate:"omitempty,oneof=simulated device"`
	AudioInterval    time.Duration `mapstructure:"audioInterval"`
	LocationInterval time.Duration `mapstructure:"locationInterval"`
	// ArchiveDir keeps raw audio uploaded by devices.
	ArchiveDir string `mapstructure:"archiveDir"`
}

type GoogleConfig struct {
	ApplicationCredentials string        `mapstructure:"applicationCredentials"`
	Storage                StorageConfig `mapstructure:"storage"`
}

type StorageConfig struct {
	Bucket               string `mapstructure:"bucket" validate:"required_with=EnableSqliteBackup"`
	Prefix               string `mapstructure:"prefix" validate:"required_with=EnableSqliteBackup"`
	SqliteBackupSchedule string `mapstructure:"sqliteBackupSchedule" validate:"required_with=EnableSqliteBackup"`
	EnableSqliteBackup   bool   `mapstructure:"enableSqliteBackup"`
	// EnableChunkUpload copies device audio chunks to the bucket.
	EnableChunkUpload bool `mapstructure:"enableChunkUpload"`
}

type LogConfig struct {
	File      string `mapstructure:"file"`
	Level     string `mapstructure:"level" validate:"omitempty,oneof=debug info warn error"`
	MaxSizeMB int    `mapstructure:"maxSizeMB"`
}
