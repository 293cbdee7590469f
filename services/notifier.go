package services

import (
	"fmt"
	"log/slog"

	pubnub "github.com/pubnub/go"

	"capacity-system/models"
	"capacity-system/utils"
)

// Notifier is the outbound fire-and-forget notification channel. Delivery
// failures are logged, never surfaced to the admission path.
type Notifier interface {
	NotifyPromotion(entry *models.QueueEntry)
	NotifyPosition(userID, planType string, position int)
	NotifyRemoved(userID, planType, reason string)
}

type PubNubNotifier struct {
	pn      *pubnub.PubNub
	breaker *utils.CircuitBreaker
}

func NewPubNubNotifier(pn *pubnub.PubNub) *PubNubNotifier {
	return &PubNubNotifier{
		pn:      pn,
		breaker: utils.NewCircuitBreaker("pubnub-notify"),
	}
}

func (n *PubNubNotifier) NotifyPromotion(entry *models.QueueEntry) {
	n.publish(userChannel(entry.UserID), map[string]any{
		"type":      "capacity_available",
		"plan_type": entry.PlanType,
		"entry_id":  entry.ID,
		"message":   "Capacity freed up! Your spot is reserved - complete your order now.",
	})
}

func (n *PubNubNotifier) NotifyPosition(userID, planType string, position int) {
	message := fmt.Sprintf("You are #%d in line", position)
	if position == 1 {
		message = "You're next!"
	} else if position <= 5 {
		message = fmt.Sprintf("Almost there! You're #%d", position)
	}

	n.publish(userChannel(userID), map[string]any{
		"type":      "queue_position",
		"plan_type": planType,
		"position":  position,
		"message":   message,
	})
}

func (n *PubNubNotifier) NotifyRemoved(userID, planType, reason string) {
	n.publish(userChannel(userID), map[string]any{
		"type":      "queue_removed",
		"plan_type": planType,
		"reason":    reason,
	})
}

func (n *PubNubNotifier) publish(channel string, message map[string]any) {
	err := n.breaker.Execute(func() error {
		_, st, err := n.pn.Publish().
			Channel(channel).
			Message(message).
			Execute()
		if err != nil {
			return err
		}
		if st.Error != nil {
			return fmt.Errorf("pubnub publish returned status %d: %w", st.StatusCode, st.Error)
		}
		return nil
	})
	if err != nil {
		slog.Warn("Notification publish failed", "channel", channel, "error", err)
	}
}

func userChannel(userID string) string {
	return fmt.Sprintf("user-%s", userID)
}

// NoopNotifier is wired when PubNub credentials are absent (local dev).
type NoopNotifier struct{}

func (NoopNotifier) NotifyPromotion(*models.QueueEntry)   {}
func (NoopNotifier) NotifyPosition(string, string, int)   {}
func (NoopNotifier) NotifyRemoved(string, string, string) {}
