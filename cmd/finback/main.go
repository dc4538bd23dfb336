package main

import (
	"bytes"
	"context"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"

	"k8s.io/klog/v2"
)

func main() {
	ctx := context.Background()
	if err := run(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

func run(ctx context.Context) error {
	serverAddr := os.Getenv("FINBACK_SERVER")
	if serverAddr == "" {
		serverAddr = "http://127.0.0.1:8075"
	}
	function := ""
	argsJSON := "[]"
	flag.StringVar(&serverAddr, "server", serverAddr, "base url of finbackd")
	flag.StringVar(&function, "function", function, "fully qualified function to invoke (module.function)")
	flag.StringVar(&argsJSON, "args", argsJSON, "JSON array of scalar arguments")

	klog.InitFlags(nil)
	flag.Parse()

	log := klog.FromContext(ctx)

	if function == "" {
		return fmt.Errorf("must specify --function")
	}
	var args []any
	if err := json.Unmarshal([]byte(argsJSON), &args); err != nil {
		return fmt.Errorf("parsing --args %q: %w", argsJSON, err)
	}

	body, err := json.Marshal(map[string]any{"function": function, "args": args})
	if err != nil {
		return fmt.Errorf("encoding request: %w", err)
	}

	log.Info("invoking", "server", serverAddr, "function", function)

	req, err := http.NewRequestWithContext(ctx, "POST", serverAddr+"/v1/invoke", bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("invoking %q: %w", function, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("invocation failed (%s): %s", resp.Status, string(payload))
	}

	fmt.Println(string(payload))
	return nil
}
