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
	"strings"
	"time"
)

func main() {
	baseURL := flag.String("url", "http://localhost:3000", "gateway base URL")
	token := flag.String("token", os.Getenv("RELAY_API_KEY"), "API key (defaults to RELAY_API_KEY)")
	model := flag.String("model", "fast", "alias or provider/model to request")
	prompt := flag.String("prompt", "Say hello in one word.", "user message")
	timeout := flag.Duration("timeout", 60*time.Second, "request timeout")
	flag.Parse()

	if *token == "" {
		log.Fatal("missing API key: pass -token or set RELAY_API_KEY")
	}

	client := &http.Client{Timeout: *timeout}
	base := strings.TrimRight(*baseURL, "/")

	var models struct {
		Data []struct {
			ID        string   `json:"id"`
			Providers []string `json:"providers"`
		} `json:"data"`
		Remaining int `json:"remaining_requests"`
	}
	if err := call(client, http.MethodGet, base+"/v1/models", *token, nil, &models); err != nil {
		log.Fatalf("list models: %v", err)
	}
	fmt.Printf("models (%d, remaining %d):\n", len(models.Data), models.Remaining)
	for _, m := range models.Data {
		fmt.Printf("  %-24s %s\n", m.ID, strings.Join(m.Providers, ", "))
	}

	body, err := json.Marshal(map[string]any{
		"model": *model,
		"messages": []map[string]string{
			{"role": "user", "content": *prompt},
		},
	})
	if err != nil {
		log.Fatalf("encode request: %v", err)
	}

	var chat struct {
		Model   string `json:"model"`
		Choices []struct {
			Message struct {
				Content string `json:"content"`
			} `json:"message"`
		} `json:"choices"`
		Remaining int `json:"remaining_requests"`
	}
	start := time.Now()
	if err := call(client, http.MethodPost, base+"/v1/chat/completions", *token, body, &chat); err != nil {
		log.Fatalf("chat completion: %v", err)
	}

	fmt.Println()
	fmt.Printf("model:     %s\n", chat.Model)
	fmt.Printf("latency:   %s\n", time.Since(start).Round(time.Millisecond))
	fmt.Printf("remaining: %d\n", chat.Remaining)
	if len(chat.Choices) > 0 {
		fmt.Printf("reply:     %s\n", chat.Choices[0].Message.Content)
	}
}

func call(client *http.Client, method, url, token string, body []byte, dest any) error {
	req, err := http.NewRequest(method, url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+token)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("HTTP %d: %s", resp.StatusCode, bytes.TrimSpace(raw))
	}
	if err := json.Unmarshal(raw, dest); err != nil {
		return fmt.Errorf("decode response: %w", err)
	}
	return nil
}
