package server

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"strings"
	"sync"
	"time"

	"execops/internal/engine"
)

const (
	defaultNotifyInterval = 2 * time.Second
	defaultNotifyTimeout  = 5 * time.Second
	defaultNotifyBatch    = 100
)

// proposalNotifier pushes newly created proposals to configured notify URLs
// so approvers hear about pending work without polling the API. Delivery
// follows the audit log: each URL keeps a cursor and retries from it on the
// next tick when a delivery fails.
type proposalNotifier struct {
	engine  engine.Engine
	urls    []string
	client  *http.Client
	mu      sync.Mutex
	cursors map[int]int64
}

func startProposalNotifier(e engine.Engine) {
	if e.Config == nil || len(e.Config.Notify.URLs) == 0 {
		return
	}
	n := &proposalNotifier{
		engine:  e,
		urls:    e.Config.Notify.URLs,
		client:  &http.Client{Timeout: defaultNotifyTimeout},
		cursors: make(map[int]int64),
	}
	go n.run()
}

func (n *proposalNotifier) run() {
	ticker := time.NewTicker(defaultNotifyInterval)
	defer ticker.Stop()
	for {
		n.notifyAll()
		<-ticker.C
	}
}

func (n *proposalNotifier) notifyAll() {
	for i, url := range n.urls {
		if strings.TrimSpace(url) == "" {
			continue
		}
		n.notify(i, url)
	}
}

func (n *proposalNotifier) notify(idx int, url string) {
	ctx := context.Background()
	cursor := n.cursorFor(idx)
	entries, err := n.engine.Repo.AuditAfter(ctx, defaultNotifyBatch, cursor)
	if err != nil {
		log.Printf("notify: fetch audit entries failed: %v", err)
		return
	}
	for _, entry := range entries {
		if entry.Action != "proposal.created" {
			n.setCursor(idx, entry.ID)
			continue
		}
		if err := n.postProposal(ctx, url, entry.ID, entry.EntityID); err != nil {
			log.Printf("notify: deliver to %s failed: %v", url, err)
			return
		}
		n.setCursor(idx, entry.ID)
	}
}

func (n *proposalNotifier) cursorFor(idx int) int64 {
	n.mu.Lock()
	defer n.mu.Unlock()
	if cur, ok := n.cursors[idx]; ok {
		return cur
	}
	cur, err := n.engine.Repo.LatestAuditID(context.Background())
	if err != nil {
		log.Printf("notify: init cursor failed: %v", err)
		cur = 0
	}
	n.cursors[idx] = cur
	return cur
}

func (n *proposalNotifier) setCursor(idx int, value int64) {
	n.mu.Lock()
	n.cursors[idx] = value
	n.mu.Unlock()
}

func (n *proposalNotifier) postProposal(ctx context.Context, url string, deliveryID int64, proposalID string) error {
	p, err := n.engine.Repo.GetProposal(ctx, proposalID)
	if err != nil {
		return err
	}
	data, err := json.Marshal(proposalResponse(p))
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(data))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Execops-Event", "proposal.created")
	req.Header.Set("X-Execops-Delivery", fmt.Sprintf("%d", deliveryID))
	res, err := n.client.Do(req)
	if err != nil {
		return err
	}
	defer res.Body.Close()
	if res.StatusCode < 200 || res.StatusCode >= 300 {
		bodyBytes, _ := io.ReadAll(io.LimitReader(res.Body, 4096))
		return fmt.Errorf("status %d: %s", res.StatusCode, strings.TrimSpace(string(bodyBytes)))
	}
	return nil
}
