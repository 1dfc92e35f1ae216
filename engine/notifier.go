package engine

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"

	"github.com/nostr-net/lookup-moderator/util"
)

// SlackNotifier posts triggered verdicts and action failures to a slack
// incoming webhook. Delivery is best-effort; callers log failures and move
// on, the decision path never depends on it.
type SlackNotifier struct {
	SlackWebhookURL string
	Client          *http.Client
}

func NewSlackNotifier(webhookURL string) *SlackNotifier {
	return &SlackNotifier{
		SlackWebhookURL: webhookURL,
		Client:          util.RobustHTTPClient(),
	}
}

func (n *SlackNotifier) SendVerdict(ctx context.Context, v *Verdict) error {
	msg := fmt.Sprintf("⚠️ Lookout threshold reached ⚠️\n`%s`\n%s\n", v.Target, v.Summary())
	return n.sendSlackMsg(ctx, msg)
}

func (n *SlackNotifier) SendActionFailure(ctx context.Context, target string, attempts int, lastErr error) error {
	msg := fmt.Sprintf("🚨 Lookout deletion failed, needs manual intervention 🚨\n`%s`\nattempts: %d\nlast error: %v\n", target, attempts, lastErr)
	return n.sendSlackMsg(ctx, msg)
}

type SlackWebhookBody struct {
	Text string `json:"text"`
}

// Sends a simple slack message to a channel via "incoming webhook".
//
// The slack incoming webhook must be already configured in the slack workplace.
func (n *SlackNotifier) sendSlackMsg(ctx context.Context, msg string) error {
	body, err := json.Marshal(SlackWebhookBody{Text: msg})
	if err != nil {
		return err
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, n.SlackWebhookURL, bytes.NewBuffer(body))
	if err != nil {
		return err
	}
	req.Header.Add("Content-Type", "application/json")
	client := n.Client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return err
	}

	defer resp.Body.Close()

	buf := new(bytes.Buffer)
	buf.ReadFrom(resp.Body)
	if resp.StatusCode != 200 || buf.String() != "ok" {
		return fmt.Errorf("failed slack webhook POST request. status=%d", resp.StatusCode)
	}
	return nil
}
