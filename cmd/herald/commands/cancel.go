package commands

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/sayonatsu/herald/errors"
)

// CancelCmd cancels a queued announcement via the running daemon.
var CancelCmd = &cobra.Command{
	Use:   "cancel",
	Short: "Cancel a queued announcement by job id",
	RunE:  runCancel,
}

var (
	cancelPartition string
	cancelJobID     string
	cancelAddr      string
)

func init() {
	CancelCmd.Flags().StringVarP(&cancelPartition, "partition", "p", "", "Partition owning the request (required)")
	CancelCmd.Flags().StringVarP(&cancelJobID, "job", "j", "", "Job id to cancel (required)")
	CancelCmd.Flags().StringVar(&cancelAddr, "addr", "127.0.0.1:7410", "Admin API address")
	CancelCmd.MarkFlagRequired("partition")
	CancelCmd.MarkFlagRequired("job")
}

func runCancel(_ *cobra.Command, _ []string) error {
	payload, err := json.Marshal(map[string]string{
		"partition": cancelPartition,
		"job_id":    cancelJobID,
	})
	if err != nil {
		return errors.Wrap(err, "failed to marshal request")
	}

	url := fmt.Sprintf("http://%s/api/cancel", cancelAddr)
	resp, err := http.Post(url, "application/json", bytes.NewReader(payload))
	if err != nil {
		return errors.Wrapf(err, "failed to reach daemon at %s (is it running?)", cancelAddr)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
		pterm.Success.Printf("Cancelled job %s\n", cancelJobID)
		return nil
	case http.StatusNotFound:
		return errors.Newf("no queued request owns job %s in partition %s", cancelJobID, cancelPartition)
	default:
		var body struct {
			Error string `json:"error"`
		}
		json.NewDecoder(resp.Body).Decode(&body)
		return errors.Newf("daemon returned status %d: %s", resp.StatusCode, body.Error)
	}
}
