package log

type LoggerConfig struct {
	Level     string           `yaml:"level" mapstructure:"level"`
	Pattern   string           `yaml:"pattern" mapstructure:"pattern"`
	Time      string           `yaml:"time" mapstructure:"time"`
	Appenders []AppenderConfig `yaml:"appenders" mapstructure:"appenders"`
}

type AppenderConfig struct {
	Type string          `yaml:"type" mapstructure:"type"` // console | file
	File FileAppenderOpt `yaml:"file,omitempty" mapstructure:"file"`
}

// DefaultConfig returns an info-level console-only configuration.
func DefaultConfig() *LoggerConfig {
	return &LoggerConfig{
		Level:   "info",
		Pattern: "%time [%level] %caller: %msg %field%n",
		Time:    "2006-01-02 15:04:05",
		Appenders: []AppenderConfig{
			{Type: "console"},
		},
	}
}
