package cmd

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	daemonURL    string
	outputFormat string
	cfgFile      string
)

// rootCmd represents the base command
var rootCmd = &cobra.Command{
	Use:   "runforge",
	Short: "CLI for the runforge automation daemon",
	Long:  `runforge is a command line interface for managing runs, accounts and backups on a runforged daemon.`,
}

// Execute adds all child commands to the root command and sets flags appropriately
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default is $HOME/.runforge/config)")
	rootCmd.PersistentFlags().StringVar(&daemonURL, "daemon", "", "daemon API URL (default from config or http://localhost:8420)")
	rootCmd.PersistentFlags().StringVar(&outputFormat, "output", "table", "output format: table or json")
}

// initConfig reads in config file and ENV variables if set
func initConfig() {
	if cfgFile != "" {
		viper.SetConfigFile(cfgFile)
	} else {
		home, err := os.UserHomeDir()
		if err != nil {
			fmt.Fprintf(os.Stderr, "Error finding home directory: %v\n", err)
			os.Exit(1)
		}
		viper.AddConfigPath(filepath.Join(home, ".runforge"))
		viper.SetConfigName("config")
		viper.SetConfigType("yaml")
	}

	viper.AutomaticEnv()
	viper.BindEnv("daemon_url", "RUNFORGE_URL")

	if err := viper.ReadInConfig(); err == nil {
		if viper.GetString("daemon_url") != "" && daemonURL == "" {
			daemonURL = viper.GetString("daemon_url")
		}
	}
	if daemonURL == "" && viper.GetString("daemon_url") != "" {
		daemonURL = viper.GetString("daemon_url")
	}
	if daemonURL == "" {
		daemonURL = "http://localhost:8420"
	}
}

// GetDaemonURL returns the configured daemon URL with trailing slashes removed
func GetDaemonURL() string {
	return strings.TrimRight(daemonURL, "/")
}

// IsJSONOutput returns true if JSON output is requested
func IsJSONOutput() bool {
	return outputFormat == "json"
}

var httpClient = &http.Client{Timeout: 30 * time.Second}

// apiError mirrors the daemon's error envelope
type apiError struct {
	Error         string `json:"error"`
	Message       string `json:"message"`
	BlockingRunID string `json:"blocking_run_id"`
	LocalToken    string `json:"local_token"`
	RemoteToken   string `json:"remote_token"`
}

func (e *apiError) describe() string {
	switch e.Error {
	case "CONFLICT":
		if e.BlockingRunID != "" {
			return fmt.Sprintf("%s (blocking run: %s)", e.Message, e.BlockingRunID)
		}
	case "SYNC_CONFLICT":
		return fmt.Sprintf("%s\n  observed token: %s\n  remote token:   %s\n  re-run with --confirm to override", e.Message, e.LocalToken, e.RemoteToken)
	case "CONFIRM_REQUIRED":
		return fmt.Sprintf("%s (re-run with --confirm)", e.Message)
	}
	return e.Message
}

// doRequest performs a request against the daemon and decodes the
// response into out (when non-nil)
func doRequest(method, path string, payload, out interface{}) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequest(method, GetDaemonURL()+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if payload != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to daemon: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	if resp.StatusCode >= 400 {
		var e apiError
		if json.Unmarshal(data, &e) == nil && e.Error != "" {
			return fmt.Errorf("%s", e.describe())
		}
		return fmt.Errorf("API error (status %d): %s", resp.StatusCode, string(data))
	}

	if out != nil {
		if err := json.Unmarshal(data, out); err != nil {
			return fmt.Errorf("failed to parse response: %w", err)
		}
	}
	return nil
}

// printJSON writes v as indented JSON to stdout
func printJSON(v interface{}) error {
	output, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	fmt.Println(string(output))
	return nil
}
