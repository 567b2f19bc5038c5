package cmd

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"time"

	"github.com/sourcegraph/conc/pool"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/sunbk201/reqhdr/internal/engine"
	"github.com/sunbk201/reqhdr/internal/probe"
)

var probeCmd = &cobra.Command{
	Use:   "probe <target>...",
	Short: "Ask a running reqhdr to probe targets and print the headers it sent",
	Args:  cobra.MinimumNArgs(1),
	RunE:  runProbe,
}

var (
	probeAPI     string
	probeSecret  string
	probeTimeout time.Duration
)

func init() {
	probeCmd.Flags().StringVar(&probeAPI, "api", "", "API server address (default from api-server config)")
	probeCmd.Flags().StringVar(&probeSecret, "secret", "", "API server secret (default from api-server-secret config)")
	probeCmd.Flags().DurationVar(&probeTimeout, "timeout", time.Minute, "Overall timeout")
	rootCmd.AddCommand(probeCmd)
}

type probeOutcome struct {
	index      int
	target     string
	inspection *engine.Inspection
	err        error
}

func runProbe(cmd *cobra.Command, args []string) error {
	addr := probeAPI
	if addr == "" {
		addr = viper.GetString("api-server")
	}
	if addr == "" {
		return fmt.Errorf("--api is required")
	}
	secret := probeSecret
	if secret == "" {
		secret = viper.GetString("api-server-secret")
	}

	ctx, cancel := context.WithTimeout(cmd.Context(), probeTimeout)
	defer cancel()

	c := &probeAPIClient{base: "http://" + addr, secret: secret, http: &http.Client{}}
	p := pool.NewWithResults[probeOutcome]().WithMaxGoroutines(4)
	for i, target := range args {
		p.Go(func() probeOutcome {
			inspection, err := c.probe(ctx, target)
			return probeOutcome{index: i, target: target, inspection: inspection, err: err}
		})
	}
	outcomes := p.Wait()
	sort.Slice(outcomes, func(a, b int) bool { return outcomes[a].index < outcomes[b].index })

	failed := 0
	for _, o := range outcomes {
		if o.err != nil {
			failed++
			fmt.Fprintf(os.Stderr, "%s: %v\n", o.target, o.err)
			continue
		}
		fmt.Printf("# %s\n%s\n\n", o.inspection.URL, o.inspection.Report)
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d probes failed", failed, len(outcomes))
	}
	return nil
}

type probeAPIClient struct {
	base   string
	secret string
	http   *http.Client
}

// probe posts one target, retrying while the server throttles probes.
func (c *probeAPIClient) probe(ctx context.Context, target string) (*engine.Inspection, error) {
	body, err := json.Marshal(map[string]string{"target": target})
	if err != nil {
		return nil, err
	}
	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.base+"/probe", bytes.NewReader(body))
		if err != nil {
			return nil, err
		}
		req.Header.Set("Content-Type", "application/json")
		if c.secret != "" {
			req.Header.Set("Authorization", "Bearer "+c.secret)
		}

		resp, err := c.http.Do(req)
		if err != nil {
			return nil, &probe.TransientError{Target: target, Err: err}
		}
		data, err := io.ReadAll(resp.Body)
		_ = resp.Body.Close()
		if err != nil {
			return nil, err
		}

		switch resp.StatusCode {
		case http.StatusOK:
			var out struct {
				Inspection *engine.Inspection `json:"inspection"`
			}
			if err := json.Unmarshal(data, &out); err != nil {
				return nil, fmt.Errorf("json.Unmarshal: %w", err)
			}
			if out.Inspection == nil {
				return nil, fmt.Errorf("no inspection returned")
			}
			return out.Inspection, nil
		case http.StatusTooManyRequests:
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(500 * time.Millisecond):
			}
		default:
			var e struct {
				Error string `json:"error"`
			}
			if json.Unmarshal(data, &e) == nil && e.Error != "" {
				return nil, fmt.Errorf("%s", e.Error)
			}
			return nil, fmt.Errorf("unexpected status %d", resp.StatusCode)
		}
	}
}
