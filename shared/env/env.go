package env

import (
	"log"
	"os"
	"strconv"

	"github.com/joho/godotenv"
)

var (
	TelegramBotToken string
	TelegramChatID   int64

	SignalAuthHeader string

	Port    string
	DataDir string

	ConfigFile string
)

func loadEnvVariable(key string, isRequired bool) string {
	value := os.Getenv(key)
	if isRequired && value == "" {
		log.Fatalf("FATAL: Environment variable %s is required but not set.", key)
	}
	isHidden := key == "TELEGRAM_BOT_TOKEN" || key == "SIGNAL_AUTH_HEADER"
	if value == "" {
		if !isRequired {
			log.Printf("INFO: Environment variable %s is not set.", key)
		}
	} else if isHidden {
		log.Printf("INFO: Loaded %s (value hidden)", key)
	} else {
		log.Printf("INFO: Loaded %s = %s", key, value)
	}
	return value
}

func loadInt64Env(key string, required bool) int64 {
	strValue := loadEnvVariable(key, required)
	if strValue == "" {
		if !required {
			return 0
		}
		log.Fatalf("FATAL: Required int64 environment variable %s is missing after load.", key)
		return 0
	}
	id, err := strconv.ParseInt(strValue, 10, 64)
	if err != nil {
		log.Fatalf("FATAL: Failed to parse int64 environment variable %s='%s': %v", key, strValue, err)
	}
	return id
}

func LoadEnv() error {
	err := godotenv.Load()
	if err != nil {
		log.Println("INFO: .env file not found or error loading, relying on system environment variables.")
	} else {
		log.Println("INFO: .env file loaded successfully.")
	}

	TelegramBotToken = loadEnvVariable("TELEGRAM_BOT_TOKEN", false)
	TelegramChatID = loadInt64Env("TELEGRAM_CHAT_ID", false)
	SignalAuthHeader = loadEnvVariable("SIGNAL_AUTH_HEADER", false)

	Port = loadEnvVariable("PORT", false)
	if Port == "" {
		Port = "8080"
		log.Printf("INFO: PORT not set, defaulting to %s", Port)
	}

	DataDir = loadEnvVariable("DATA_DIR", false)
	if DataDir == "" {
		DataDir = "."
		log.Println("INFO: DATA_DIR not set, persisting token state in the working directory.")
	}

	ConfigFile = loadEnvVariable("CONFIG_FILE", false)
	if ConfigFile == "" {
		ConfigFile = "tracker/config.yaml"
	}

	if TelegramBotToken != "" && TelegramChatID == 0 {
		log.Println("WARN: TELEGRAM_BOT_TOKEN is set, but TELEGRAM_CHAT_ID is missing, invalid, or zero.")
	}
	if SignalAuthHeader == "" {
		log.Println("WARN: SIGNAL_AUTH_HEADER is not set. The signal endpoints will be unsecured.")
	}

	log.Println("INFO: Environment variables loading process complete.")
	return nil
}
