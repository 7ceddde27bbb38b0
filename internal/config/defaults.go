package config

func Defaults() *Config {
	return &Config{
		General: GeneralConfig{
			LogLevel:  "info",
			LogFormat: "console",
		},
		Transport: TransportConfig{
			Kind: "whatsapp",
			WhatsApp: WhatsAppConfig{
				URL:        "ws://127.0.0.1:3100/socket",
				SessionDir: "~/.chatrelay/session",
			},
		},
		Backend: BackendConfig{
			ChatURL:        "http://0.0.0.0:8000/chatbot/",
			ReportURL:      "http://0.0.0.0:8002/run_notebook/",
			TimeoutSeconds: 60,
		},
		Relay: RelayConfig{
			DownloadDir:   "~/.chatrelay/downloads",
			StripEmoji:    true,
			ReportCommand: "Jalankan Notebook!",
			NameTemplate:  "{{.Sender}}-{{.FileName}}",
			BusSize:       256,
		},
		Reconnect: ReconnectConfig{
			InitialSeconds: 1,
			MaxSeconds:     60,
			Multiplier:     2,
			Jitter:         0.2,
		},
		ConvLog: ConvLogConfig{
			File:       "~/.chatrelay/logs/conversation.jsonl",
			SQLite:     "~/.chatrelay/logs/conversation.db",
			BufferSize: 256,
		},
		Server: ServerConfig{
			Enabled: false,
			Host:    "127.0.0.1",
			Port:    9090,
		},
	}
}
