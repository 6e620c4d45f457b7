package cmd

import (
	"bytes"
	"context"
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

	"github.com/pitchlens/inference-scheduler/pkg/api"
	tlsutil "github.com/pitchlens/inference-scheduler/pkg/tls"
)

var (
	masterURL    string
	outputFormat string
	cfgFile      string
	apiKey       string
	caFile       string
	timeout      time.Duration
)

var rootCmd = &cobra.Command{
	Use:   "schedctl",
	Short: "CLI for the distributed inference scheduler",
	Long: `schedctl manages inference nodes and detection jobs on a scheduler master.

Settings are read from flags, SCHED_CLI_* environment variables and
$HOME/.inference-scheduler/cli.yaml, in that order of precedence.`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&cfgFile, "cli-config", "", "CLI config file (default is $HOME/.inference-scheduler/cli.yaml)")
	rootCmd.PersistentFlags().StringVar(&masterURL, "master", "", "master API URL (default http://localhost:8080)")
	rootCmd.PersistentFlags().StringVar(&apiKey, "api-key", "", "operator API key")
	rootCmd.PersistentFlags().StringVar(&caFile, "ca", "", "CA certificate for a TLS master")
	rootCmd.PersistentFlags().StringVarP(&outputFormat, "output", "o", "table", "output format: table or json")
	rootCmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "request timeout")
}

func initConfig() {
	v := viper.New()
	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else if home, err := os.UserHomeDir(); err == nil {
		v.AddConfigPath(filepath.Join(home, ".inference-scheduler"))
		v.SetConfigName("cli")
		v.SetConfigType("yaml")
	}
	v.SetEnvPrefix("SCHED_CLI")
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil && cfgFile != "" {
		fmt.Fprintf(os.Stderr, "Warning: failed to read %s: %v\n", cfgFile, err)
	}

	if masterURL == "" {
		masterURL = v.GetString("master_url")
	}
	if apiKey == "" {
		apiKey = v.GetString("api_key")
	}
	if caFile == "" {
		caFile = v.GetString("ca_file")
	}
	if masterURL == "" {
		masterURL = "http://localhost:8080"
	}
}

// GetMasterURL returns the configured master URL with trailing slashes removed
func GetMasterURL() string {
	return strings.TrimRight(masterURL, "/")
}

// IsJSONOutput returns true if JSON output is requested
func IsJSONOutput() bool {
	return outputFormat == "json"
}

func httpClient() (*http.Client, error) {
	client := &http.Client{Timeout: timeout}
	if caFile != "" {
		tlsConfig, err := tlsutil.ClientConfig(caFile)
		if err != nil {
			return nil, err
		}
		client.Transport = &http.Transport{TLSClientConfig: tlsConfig}
	}
	return client, nil
}

// apiRequest sends body as JSON and decodes a 2xx response into out.
// Error responses are reported with the master's message and kind.
func apiRequest(ctx context.Context, method, path string, headers map[string]string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, GetMasterURL()+path, reader)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+apiKey)
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	client, err := httpClient()
	if err != nil {
		return err
	}
	resp, err := client.Do(req)
	if err != nil {
		return fmt.Errorf("failed to connect to master API: %w", err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		var apiErr api.ErrorResponse
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error != "" {
			return fmt.Errorf("API error (status %d, %s): %s", resp.StatusCode, apiErr.Kind, apiErr.Error)
		}
		return fmt.Errorf("API error (status %d): %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}
	if out == nil {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return fmt.Errorf("failed to parse response: %w", err)
	}
	return nil
}

func printJSON(w io.Writer, v interface{}) error {
	output, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	fmt.Fprintln(w, string(output))
	return nil
}

func formatTime(t *time.Time) string {
	if t == nil || t.IsZero() {
		return "-"
	}
	return t.Local().Format(time.RFC3339)
}

func orDash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
