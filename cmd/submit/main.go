// Command submit is a thin, single-purpose client for posting one job to a
// running master and printing its job id (and, with -wait, the job's
// descriptor once it leaves ACTIVE or the timeout passes), without pulling in the
// full dataflow-master command tree. It mirrors the teacher's cmd/demo
// style of a standalone binary wired directly against flags rather than
// Cobra.
//
// Usage:
//
//	submit -master http://localhost:8080 -handler my-handler [-deps deps.json] [-wait]
package main

import (
	"bytes"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"os"
	"time"
)

func main() {
	masterAddr := flag.String("master", "http://localhost:8080", "master base URL")
	handler := flag.String("handler", "", "job handler name")
	depsFile := flag.String("deps", "", "optional JSON file of named dependency references")
	wait := flag.Bool("wait", false, "block until the job reaches a terminal state")
	timeout := flag.Duration("timeout", 30*time.Second, "wait timeout when -wait is set")
	flag.Parse()

	if *handler == "" {
		fmt.Fprintln(os.Stderr, "missing required -handler flag")
		flag.Usage()
		os.Exit(2)
	}

	jobID, err := postJob(*masterAddr, *handler, *depsFile)
	if err != nil {
		log.Fatalf("submit failed: %v", err)
	}
	fmt.Printf("submitted job %s\n", jobID)

	if !*wait {
		return
	}

	body, err := waitForJob(*masterAddr, jobID, *timeout)
	if err != nil {
		log.Fatalf("wait failed: %v", err)
	}
	fmt.Println(string(body))
}

func postJob(masterAddr, handler, depsFile string) (string, error) {
	payload := map[string]any{"handler": handler}

	if depsFile != "" {
		data, err := os.ReadFile(depsFile)
		if err != nil {
			return "", fmt.Errorf("read deps file: %w", err)
		}
		var deps map[string]any
		if err := json.Unmarshal(data, &deps); err != nil {
			return "", fmt.Errorf("parse deps file: %w", err)
		}
		payload["dependencies"] = deps
	}

	raw, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("encode request: %w", err)
	}

	resp, err := http.Post(masterAddr+"/jobs", "application/json", bytes.NewReader(raw))
	if err != nil {
		return "", fmt.Errorf("reach master: %w", err)
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusCreated {
		return "", fmt.Errorf("master rejected job: %s: %s", resp.Status, string(respBody))
	}

	var submitted struct {
		JobID string `json:"job_id"`
	}
	if err := json.Unmarshal(respBody, &submitted); err != nil {
		return "", fmt.Errorf("parse master response: %w", err)
	}
	return submitted.JobID, nil
}

func waitForJob(masterAddr, jobID string, timeout time.Duration) ([]byte, error) {
	client := &http.Client{Timeout: timeout + 5*time.Second}
	url := fmt.Sprintf("%s/jobs/%s/wait?timeout_ms=%d", masterAddr, jobID, timeout.Milliseconds())

	resp, err := client.Get(url)
	if err != nil {
		return nil, fmt.Errorf("reach master: %w", err)
	}
	defer resp.Body.Close()

	body, _ := io.ReadAll(resp.Body)
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("master returned %s: %s", resp.Status, string(body))
	}
	return body, nil
}
