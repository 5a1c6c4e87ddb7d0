// Package cli builds the dataflow-master command tree with Cobra, kept
// from the teacher's internal/cli.go structure (run/enqueue/status
// commands, a persistent --config flag, signal-driven graceful shutdown)
// but re-pointed at the new HTTP master instead of an in-process
// Controller plus gRPC server.
package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/ChuLiYu/dataflow-master/internal/config"
	"github.com/ChuLiYu/dataflow-master/internal/master"
)

var configFile string

// BuildCLI assembles the root command and its subcommands.
func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "dataflow-master",
		Short: "dataflow-master: a lazy task pool scheduler for dynamically unfolding DAGs",
		Long: `dataflow-master schedules tasks whose dependency graph unfolds as it
runs: workers pull assignments over HTTP and report completion, failure,
or new tasks back to the master, which only activates the subgraph
needed to produce what a submitted job actually demands.`,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/master.yaml", "config file path")

	rootCmd.AddCommand(buildRunCommand())
	rootCmd.AddCommand(buildSubmitCommand())
	rootCmd.AddCommand(buildStatusCommand())

	return rootCmd
}

func buildRunCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start the dataflow master",
		Long:  "Start the HTTP API, dispatcher, and worker-liveness reaper",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMaster()
		},
	}
	return cmd
}

func runMaster() error {
	cfg, err := loadConfigOrDefault(configFile)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	log.Printf("Starting dataflow-master, listening on %s\n", cfg.HTTP.ListenAddr)

	m := master.New(cfg)
	if err := m.Start(); err != nil {
		return fmt.Errorf("failed to start master: %w", err)
	}

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	log.Println("Received shutdown signal, stopping gracefully...")
	m.Stop()
	log.Println("Master stopped. Goodbye!")
	return nil
}

func buildSubmitCommand() *cobra.Command {
	var masterAddr string
	var handlerName string
	var depsFile string

	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Submit a job to a running master",
		Long:  "POST a job handler name and dependency set to a running master's /jobs endpoint",
		RunE: func(cmd *cobra.Command, args []string) error {
			return submitJob(masterAddr, handlerName, depsFile)
		},
	}

	cmd.Flags().StringVar(&masterAddr, "master", "http://localhost:8080", "master base URL")
	cmd.Flags().StringVar(&handlerName, "handler", "", "job handler name")
	cmd.Flags().StringVar(&depsFile, "deps", "", "optional JSON file of named dependency references")
	cmd.MarkFlagRequired("handler")

	return cmd
}

func submitJob(masterAddr, handler, depsFile string) error {
	body := map[string]any{"handler": handler}

	if depsFile != "" {
		data, err := os.ReadFile(depsFile)
		if err != nil {
			return fmt.Errorf("failed to read deps file: %w", err)
		}
		var deps map[string]any
		if err := json.Unmarshal(data, &deps); err != nil {
			return fmt.Errorf("failed to parse deps file: %w", err)
		}
		body["dependencies"] = deps
	}

	payload, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to encode request: %w", err)
	}

	resp, err := http.Post(masterAddr+"/jobs", "application/json", bytes.NewReader(payload))
	if err != nil {
		return fmt.Errorf("failed to reach master: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusCreated {
		return fmt.Errorf("master rejected job: %s: %s", resp.Status, string(respBody))
	}

	var submitted struct {
		JobID string `json:"job_id"`
	}
	if err := json.Unmarshal(respBody, &submitted); err != nil {
		return fmt.Errorf("failed to parse master response: %w", err)
	}

	log.Printf("Submitted job %s\n", submitted.JobID)
	return nil
}

func buildStatusCommand() *cobra.Command {
	var masterAddr string
	var jobID string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show a job's status",
		Long:  "GET a job descriptor from a running master",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showStatus(masterAddr, jobID)
		},
	}

	cmd.Flags().StringVar(&masterAddr, "master", "http://localhost:8080", "master base URL")
	cmd.Flags().StringVar(&jobID, "job", "", "job id to query")
	cmd.MarkFlagRequired("job")

	return cmd
}

func showStatus(masterAddr, jobID string) error {
	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Get(masterAddr + "/jobs/" + jobID)
	if err != nil {
		return fmt.Errorf("failed to reach master: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("master returned %s: %s", resp.Status, string(body))
	}

	var pretty bytes.Buffer
	if err := json.Indent(&pretty, body, "", "  "); err != nil {
		fmt.Println(string(body))
		return nil
	}
	fmt.Println(pretty.String())
	return nil
}

func loadConfigOrDefault(path string) (*config.Config, error) {
	if _, err := os.Stat(path); err != nil {
		log.Printf("no config file at %s, using defaults\n", path)
		return config.Default(), nil
	}
	return config.Load(path)
}
