package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"sort"
	"strings"
	"time"

	"solana-copy-bot/internal/config"
)

type rpcRequest struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      int           `json:"id"`
	Method  string        `json:"method"`
	Params  []interface{} `json:"params,omitempty"`
}

type rpcResponse struct {
	Result interface{} `json:"result,omitempty"`
	Error  interface{} `json:"error,omitempty"`
}

// sample is the outcome of probing one method on one endpoint.
type sample struct {
	ms     []int64
	failed int
}

type stats struct {
	p50, p95, p99, avg int64
}

// Benchmarks the configured primary and fallback RPC endpoints on the
// methods the pipeline leans on, so endpoint choice is measured, not
// guessed.
func main() {
	fmt.Println("🔬 RPC Endpoint Benchmark")
	fmt.Println(strings.Repeat("=", 60))
	fmt.Printf("Time: %s\n\n", time.Now().Format("2006-01-02 15:04:05"))

	configPath := os.Getenv("CONFIG_PATH")
	if configPath == "" {
		configPath = "config/config.yaml"
	}
	cfg, err := config.NewManager(configPath)
	if err != nil {
		fmt.Printf("Failed to load config: %v\n", err)
		os.Exit(1)
	}
	c := cfg.Get()
	apiKey := os.Getenv(c.RPC.PrimaryAPIKeyEnv)

	endpoints := map[string]string{}
	if url := cfg.GetPrimaryRPCURL(); url != "" {
		endpoints["Primary"] = url
	}
	if url := cfg.GetFallbackRPCURL(); url != "" {
		endpoints["Fallback"] = url
	}
	if len(endpoints) == 0 {
		fmt.Println("No RPC URLs configured.")
		os.Exit(1)
	}

	wallet := c.Wallet.SourceWallet

	// The hot path: signature polling, tx fetch precursors, balance
	// refresh, height checks.
	methods := []struct {
		name   string
		method string
		params []interface{}
	}{
		{"getSignaturesForAddress", "getSignaturesForAddress", []interface{}{wallet, map[string]interface{}{"limit": 5}}},
		{"getBalance", "getBalance", []interface{}{wallet}},
		{"getBlockHeight", "getBlockHeight", nil},
		{"getSignatureStatuses", "getSignatureStatuses", []interface{}{[]string{"1111111111111111111111111111111111111111111111111111111111111111"}, map[string]bool{"searchTransactionHistory": false}}},
		{"getSlot", "getSlot", nil},
		{"getHealth", "getHealth", nil},
	}

	client := &http.Client{Timeout: 10 * time.Second}
	iterations := 20
	fmt.Printf("Iterations per method: %d\n", iterations)

	for name, url := range endpoints {
		fmt.Printf("\n🔗 %s\n", name)
		displayURL := url
		if len(url) > 50 {
			displayURL = url[:50] + "..."
		}
		fmt.Printf("   URL: %s\n\n", displayURL)

		var combined []int64
		for _, m := range methods {
			s := probe(client, url, apiKey, m.method, m.params, iterations)
			if len(s.ms) == 0 {
				fmt.Printf("   %-26s ❌ FAILED (%d/%d errors)\n", m.name, s.failed, iterations)
				continue
			}
			combined = append(combined, s.ms...)
			st := summarize(s.ms)
			line := fmt.Sprintf("   %-26s p50: %4dms  p95: %4dms  p99: %4dms  avg: %4dms",
				m.name, st.p50, st.p95, st.p99, st.avg)
			if s.failed > 0 {
				line += fmt.Sprintf("  (%d failed)", s.failed)
			}
			fmt.Println(line)
		}
		if len(combined) > 0 {
			st := summarize(combined)
			fmt.Printf("\n   %-26s p50: %4dms  p95: %4dms  p99: %4dms  avg: %4dms\n",
				"📈 OVERALL", st.p50, st.p95, st.p99, st.avg)
		}
	}

	// Head-to-head on the poller's method, the one that sets detection
	// latency when push sources are down.
	if len(endpoints) > 1 {
		fmt.Println()
		fmt.Println("📋 HEAD TO HEAD: getSignaturesForAddress")
		fmt.Println(strings.Repeat("-", 60))
		for name, url := range endpoints {
			s := probe(client, url, apiKey, "getSignaturesForAddress",
				[]interface{}{wallet, map[string]interface{}{"limit": 5}}, 30)
			if len(s.ms) > 0 {
				st := summarize(s.ms)
				fmt.Printf("   %-10s → avg: %4dms, p99: %4dms\n", name, st.avg, st.p99)
			}
		}
	}

	fmt.Println("\n✅ Benchmark complete")
}

// probe times n sequential calls of one method, 50ms apart so the
// endpoint's rate limiter stays out of the measurement.
func probe(client *http.Client, url, apiKey, method string, params []interface{}, n int) sample {
	var s sample
	for i := 0; i < n; i++ {
		start := time.Now()
		if err := oneCall(client, url, apiKey, method, params); err != nil {
			s.failed++
			continue
		}
		s.ms = append(s.ms, time.Since(start).Milliseconds())
		time.Sleep(50 * time.Millisecond)
	}
	return s
}

func oneCall(client *http.Client, url, apiKey, method string, params []interface{}) error {
	body, err := json.Marshal(rpcRequest{JSONRPC: "2.0", ID: 1, Method: method, Params: params})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(context.Background(), "POST", url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	if apiKey != "" {
		req.Header.Set("x-api-key", apiKey)
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return err
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return err
	}
	if rpcResp.Error != nil {
		return fmt.Errorf("rpc error: %v", rpcResp.Error)
	}
	return nil
}

func summarize(ms []int64) stats {
	sorted := append([]int64(nil), ms...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i] < sorted[j] })

	var sum int64
	for _, v := range sorted {
		sum += v
	}
	return stats{
		p50: pct(sorted, 50),
		p95: pct(sorted, 95),
		p99: pct(sorted, 99),
		avg: sum / int64(len(sorted)),
	}
}

// pct indexes into a sorted slice; callers guarantee it is non-empty.
func pct(sorted []int64, q int) int64 {
	i := len(sorted) * q / 100
	if i >= len(sorted) {
		i = len(sorted) - 1
	}
	return sorted[i]
}
