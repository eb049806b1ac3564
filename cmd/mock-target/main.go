// Command mock-target is a throwaway HTTP server for exercising the
// HTTP_GET_JSON executor by hand: well-formed JSON, non-JSON text, oversized
// bodies, redirects, slow responses and error statuses. It also counts
// requests per path so at-most-once side effects can be checked from outside.
package main

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"
)

type counter struct {
	mu   sync.Mutex
	hits map[string]int
}

func (c *counter) bump(path string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hits[path]++
	return c.hits[path]
}

func (c *counter) snapshot() map[string]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[string]int, len(c.hits))
	for k, v := range c.hits {
		out[k] = v
	}
	return out
}

func main() {
	counts := &counter{hits: make(map[string]int)}

	mux := http.NewServeMux()

	mux.HandleFunc("/json", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]any{
			"message": "hello",
			"now":     time.Now().UnixMilli(),
		})
	})

	mux.HandleFunc("/text", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprint(w, "plain text, not json")
	})

	// Body well past the 10240-character truncation threshold.
	mux.HandleFunc("/big", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/plain")
		fmt.Fprint(w, strings.Repeat("x", 50_000))
	})

	mux.HandleFunc("/redirect", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/json", http.StatusFound)
	})

	// Sleeps past the executor's 30s fetch timeout unless ?ms= says otherwise.
	mux.HandleFunc("/slow", func(w http.ResponseWriter, r *http.Request) {
		delay := 35 * time.Second
		if v := r.URL.Query().Get("ms"); v != "" {
			if n, err := strconv.ParseInt(v, 10, 64); err == nil && n >= 0 {
				delay = time.Duration(n) * time.Millisecond
			}
		}
		select {
		case <-time.After(delay):
		case <-r.Context().Done():
			return
		}
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{"slow":true}`)
	})

	mux.HandleFunc("/error", func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":"boom"}`, http.StatusInternalServerError)
	})

	mux.HandleFunc("/counts", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(counts.snapshot())
	})

	handler := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/counts" {
			n := counts.bump(r.URL.Path)
			log.Printf("[MOCK] %s %s from %s (hit %d)", r.Method, r.URL.Path, r.RemoteAddr, n)
		}
		mux.ServeHTTP(w, r)
	})

	port := os.Getenv("MOCK_PORT")
	if port == "" {
		port = "8080"
	}
	log.Printf("mock target starting on :%s", port)
	log.Fatal(http.ListenAndServe(":"+port, handler))
}
