package main

import (
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/nodesync/server/internal/config"
	"github.com/nodesync/server/internal/models"
)

// cancelsync cancels sync sessions on the local node through its API.
// With a session id argument it cancels that session; with no argument it
// cancels every active session.
func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	endpoint := fmt.Sprintf("http://127.0.0.1:%d/api/sync/sessions", cfg.TransferPort())
	if len(os.Args) > 1 {
		endpoint += "/" + os.Args[1]
	}

	req, err := http.NewRequest(http.MethodDelete, endpoint, nil)
	if err != nil {
		log.Fatalf("Bad request: %v", err)
	}
	req.Header.Set(cfg.Security.KeyHeader, cfg.Security.RegistrationKey)

	client := &http.Client{Timeout: 10 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		log.Fatalf("Request failed: %v", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		var errResp models.ErrorResponse
		json.NewDecoder(resp.Body).Decode(&errResp)
		log.Fatalf("Server returned %d: %s", resp.StatusCode, errResp.Error)
	}

	if len(os.Args) > 1 {
		var session models.SyncSession
		if err := json.NewDecoder(resp.Body).Decode(&session); err != nil {
			log.Fatalf("Bad response: %v", err)
		}
		fmt.Printf("Session %s is now %s\n", session.ID, session.Status)
		return
	}

	var out models.CancelResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		log.Fatalf("Bad response: %v", err)
	}
	fmt.Printf("Cancelled %d session(s)\n", out.Count)
	for _, sess := range out.Cancelled {
		fmt.Printf("  %s (%s, %s)\n", sess.ID, sess.PairKey, sess.Direction)
	}
}
