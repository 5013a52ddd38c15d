package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/benaskins/chainrun/internal/orchestrator"
)

var clientAddr string

func apiClient() *http.Client {
	return &http.Client{Timeout: 10 * time.Second}
}

func statusAddr() (string, error) {
	if clientAddr != "" {
		return clientAddr, nil
	}
	cfg, err := loadConfig()
	if err != nil {
		return "", err
	}
	if cfg.StatusAddr == "" {
		return "", fmt.Errorf("no status address: pass --addr or set status_addr in the config")
	}
	return cfg.StatusAddr, nil
}

func apiGet(path string, v any) error {
	addr, err := statusAddr()
	if err != nil {
		return err
	}
	resp, err := apiClient().Get("http://" + addr + path)
	if err != nil {
		return fmt.Errorf("connecting to run: %w (is chainrun running with --status-addr?)", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		return fmt.Errorf("API error %d: %s", resp.StatusCode, body)
	}
	return json.NewDecoder(resp.Body).Decode(v)
}

func apiPost(path string) (map[string]any, error) {
	addr, err := statusAddr()
	if err != nil {
		return nil, err
	}
	resp, err := apiClient().Post("http://"+addr+path, "application/json", nil)
	if err != nil {
		return nil, fmt.Errorf("connecting to run: %w (is chainrun running with --status-addr?)", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		return nil, fmt.Errorf("API error %d: %s", resp.StatusCode, string(body))
	}

	var result map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decoding response: %w", err)
	}
	return result, nil
}

// status command
var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show the phase and processes of a running chainrun",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		var st orchestrator.Status
		if err := apiGet("/v1/run", &st); err != nil {
			return err
		}

		jsonOut, _ := cmd.Flags().GetBool("json")
		if jsonOut {
			return printJSON(st)
		}

		phase := string(st.Phase)
		if st.Stage != "" {
			phase += " (" + st.Stage + ")"
		}
		fmt.Printf("Run:    %s\n", st.RunID)
		fmt.Printf("Plan:   %s\n", st.Plan)
		fmt.Printf("Phase:  %s\n\n", phase)

		if len(st.Processes) == 0 {
			fmt.Println("No processes")
			return nil
		}

		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "PROCESS\tSTATE\tPID\tUPTIME")
		for _, p := range st.Processes {
			pid := "-"
			if p.PID > 0 {
				pid = fmt.Sprintf("%d", p.PID)
			}
			uptime := "-"
			if p.Uptime != "" {
				uptime = p.Uptime
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\n", p.Name, p.State, pid, uptime)
		}
		return w.Flush()
	},
}

// logs command
var logsCmd = &cobra.Command{
	Use:   "logs <process>",
	Short: "Show recent output of a process in a running chainrun",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		lines, _ := cmd.Flags().GetInt("lines")
		var body struct {
			Lines []string `json:"lines"`
		}
		if err := apiGet(fmt.Sprintf("/v1/processes/%s/output?lines=%d", args[0], lines), &body); err != nil {
			return err
		}
		for _, line := range body.Lines {
			fmt.Println(line)
		}
		return nil
	},
}

// stop command
var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Interrupt a running chainrun and tear its processes down",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		result, err := apiPost("/v1/interrupt")
		if err != nil {
			return err
		}
		fmt.Printf("run: %v\n", result["status"])
		return nil
	},
}

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func init() {
	for _, c := range []*cobra.Command{statusCmd, logsCmd, stopCmd} {
		c.Flags().StringVar(&clientAddr, "addr", "", "Status address of the run (default status_addr from the config)")
		rootCmd.AddCommand(c)
	}
	statusCmd.Flags().Bool("json", false, "Output as JSON")
	logsCmd.Flags().IntP("lines", "n", 50, "Number of lines")
}
