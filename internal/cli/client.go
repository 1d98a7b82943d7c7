package cli

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/fieldledger/fieldledger/internal/daemon"
)

// apiClient is a thin client for the local daemon API.
type apiClient struct {
	base   string
	userID string
	role   string
	http   *http.Client
}

// newAPIClient builds a client from flags and config.
func newAPIClient(cmd *cobra.Command) (*apiClient, error) {
	cfg, err := daemon.LoadConfig()
	if err != nil {
		return nil, err
	}

	addr, _ := cmd.Flags().GetString("addr")
	if addr == "" {
		addr = fmt.Sprintf("http://%s:%d", cfg.API.Host, cfg.API.Port)
	}
	userID, _ := cmd.Flags().GetString("user")
	if userID == "" {
		userID = cfg.Remote.UserID
	}
	role, _ := cmd.Flags().GetString("role")

	return &apiClient{
		base:   addr,
		userID: userID,
		role:   role,
		http:   &http.Client{Timeout: 30 * time.Second},
	}, nil
}

// call performs one request against the daemon and decodes the JSON
// response into out (which may be nil).
func (c *apiClient) call(method, path string, body, out interface{}) error {
	var buf io.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			return err
		}
		buf = bytes.NewReader(b)
	}

	req, err := http.NewRequest(method, c.base+path, buf)
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-User-Id", c.userID)
	req.Header.Set("X-User-Role", c.role)

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("daemon not reachable at %s (is 'fieldledger serve' running?): %w", c.base, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		var apiErr struct {
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		}
		data, _ := io.ReadAll(resp.Body)
		if json.Unmarshal(data, &apiErr) == nil && apiErr.Error.Message != "" {
			return fmt.Errorf("%s", apiErr.Error.Message)
		}
		return fmt.Errorf("daemon returned %s", resp.Status)
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}
