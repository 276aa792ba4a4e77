package commands

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/sayonatsu/herald/errors"
	"github.com/sayonatsu/herald/lifecycle"
)

// ListCmd shows a partition's tracked requests via the running daemon.
var ListCmd = &cobra.Command{
	Use:   "list",
	Short: "List a partition's tracked requests",
	Long: `Query the running daemon's admin API for the partition's active
announcement requests, ordered by due time.`,
	RunE: runList,
}

var (
	listPartition string
	listAddr      string
)

func init() {
	ListCmd.Flags().StringVarP(&listPartition, "partition", "p", "", "Partition to list (required)")
	ListCmd.Flags().StringVar(&listAddr, "addr", "127.0.0.1:7410", "Admin API address")
	ListCmd.MarkFlagRequired("partition")
}

func runList(_ *cobra.Command, _ []string) error {
	url := fmt.Sprintf("http://%s/api/requests?partition=%s", listAddr, listPartition)
	resp, err := http.Get(url)
	if err != nil {
		return errors.Wrapf(err, "failed to reach daemon at %s (is it running?)", listAddr)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return errors.Newf("daemon returned status %d", resp.StatusCode)
	}

	var body struct {
		Requests []lifecycle.ActiveRequest `json:"requests"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return errors.Wrap(err, "failed to decode daemon response")
	}

	if len(body.Requests) == 0 {
		pterm.Info.Printf("No tracked requests in partition %s\n", listPartition)
		return nil
	}

	table := pterm.TableData{{"REQUEST", "STATE", "TITLE", "JOB", "DUE"}}
	for _, req := range body.Requests {
		due := "-"
		if req.DueAt != nil {
			due = req.DueAt.Local().Format(time.RFC3339)
		}
		title := req.Title
		if title == "" {
			title = "-"
		}
		jobID := req.JobID
		if jobID == "" {
			jobID = "-"
		}
		table = append(table, []string{req.RequestID, req.State, title, jobID, due})
	}

	return pterm.DefaultTable.WithHasHeader().WithData(table).Render()
}
