package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/devblac/chain-events/internal/config"
	"github.com/devblac/chain-events/internal/event"
	"github.com/devblac/chain-events/internal/listener"
	"github.com/devblac/chain-events/internal/logging"
)

const defaultHTTPTimeout = 8 * time.Second

var flagDeep bool

func init() {
	validateCmd.Flags().BoolVar(&flagDeep, "deep", false, "Also connect each listener and verify its contracts or targets")
}

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate config and ping RPC endpoints",
	RunE: func(cmd *cobra.Command, args []string) error {
		out := cmd.OutOrStdout()
		ctx := cmd.Context()

		cfg, err := config.Load(cfgPath)
		if err != nil {
			return fmt.Errorf("config invalid: %w", err)
		}
		fmt.Fprintf(out, "config OK (version %d, %d listeners, %d handlers)\n", cfg.Version, len(cfg.Listeners), len(cfg.Handlers))

		client := &http.Client{Timeout: defaultHTTPTimeout}
		failures := 0

		for _, lc := range cfg.Listeners {
			info, err := ping(ctx, client, cfg, lc)
			if err == nil && flagDeep {
				info, err = connect(ctx, cfg, lc)
			}
			if err != nil {
				failures++
				fmt.Fprintf(out, "- listener %s (%s): ERROR %v\n", lc.Chain, lc.Network, err)
				continue
			}
			fmt.Fprintf(out, "- listener %s (%s): %s OK\n", lc.Chain, lc.Network, info)
		}

		if failures > 0 {
			return fmt.Errorf("validate: %d listener(s) failed connectivity", failures)
		}

		fmt.Fprintln(out, "validate: success")
		return nil
	},
}

func ping(ctx context.Context, client *http.Client, cfg *config.Config, lc config.Listener) (string, error) {
	if !strings.HasPrefix(lc.URL, "http://") && !strings.HasPrefix(lc.URL, "https://") {
		// websocket and ipc endpoints are only reachable through a full connect
		return connect(ctx, cfg, lc)
	}
	switch lc.Network {
	case "substrate":
		return connect(ctx, cfg, lc)
	case "algorand":
		v, err := pingAlgod(ctx, client, lc.URL, lc.Spec)
		return "algod " + v, err
	case "cosmos":
		network, height, err := pingCosmos(ctx, client, lc.URL)
		return fmt.Sprintf("network %s height %s", network, height), err
	default:
		chainID, err := pingEVM(ctx, client, lc.URL)
		return "chainId " + chainID, err
	}
}

// connect builds the listener the way run does, which checks every
// configured contract or target, and reports the head it sees.
func connect(ctx context.Context, cfg *config.Config, lc config.Listener) (string, error) {
	opts := listenerOptions(cfg, lc, nil, logging.NewWithLevel("error"), nil)
	opts.MaxAttempts = 1
	l, err := listener.Create(ctx, lc.Chain, event.Network(lc.Network), opts)
	if err != nil {
		return "", err
	}
	defer l.Close()
	head, err := l.Head(ctx)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("head %d", head), nil
}

func pingEVM(ctx context.Context, client *http.Client, url string) (string, error) {
	payload := map[string]any{
		"jsonrpc": "2.0",
		"id":      1,
		"method":  "eth_chainId",
		"params":  []any{},
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return "", fmt.Errorf("marshal request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("call eth_chainId: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("rpc status %d", resp.StatusCode)
	}

	var rpcResp struct {
		Result string `json:"result"`
		Error  *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err != nil {
		return "", fmt.Errorf("decode rpc response: %w", err)
	}

	if rpcResp.Error != nil {
		return "", fmt.Errorf("rpc error: %s", rpcResp.Error.Message)
	}
	if rpcResp.Result == "" {
		return "", fmt.Errorf("empty chainId result")
	}

	return rpcResp.Result, nil
}

func pingAlgod(ctx context.Context, client *http.Client, baseURL, token string) (string, error) {
	url := strings.TrimRight(baseURL, "/") + "/versions"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", fmt.Errorf("build request: %w", err)
	}
	if token != "" {
		req.Header.Set("X-Algo-API-Token", token)
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", fmt.Errorf("call versions: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("status %d", resp.StatusCode)
	}

	var body struct {
		Versions []string `json:"versions"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", fmt.Errorf("decode response: %w", err)
	}
	if len(body.Versions) == 0 {
		return "unknown", nil
	}
	return body.Versions[0], nil
}

func pingCosmos(ctx context.Context, client *http.Client, baseURL string) (network, height string, err error) {
	url := strings.TrimRight(baseURL, "/") + "/status"
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", "", fmt.Errorf("build request: %w", err)
	}

	resp, err := client.Do(req)
	if err != nil {
		return "", "", fmt.Errorf("call status: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return "", "", fmt.Errorf("status %d", resp.StatusCode)
	}

	// CometBFT wraps the result in a JSON-RPC envelope; older nodes do not.
	var body struct {
		Result *cometStatus `json:"result"`
		cometStatus
	}
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return "", "", fmt.Errorf("decode response: %w", err)
	}
	st := body.cometStatus
	if body.Result != nil {
		st = *body.Result
	}
	if st.SyncInfo.LatestBlockHeight == "" {
		return "", "", fmt.Errorf("status response without sync_info")
	}
	return st.NodeInfo.Network, st.SyncInfo.LatestBlockHeight, nil
}

type cometStatus struct {
	NodeInfo struct {
		Network string `json:"network"`
	} `json:"node_info"`
	SyncInfo struct {
		LatestBlockHeight string `json:"latest_block_height"`
	} `json:"sync_info"`
}
