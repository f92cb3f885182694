package webhook

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"math"
	"math/rand"
	"net/http"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/cloudpipe/durable-streams/internal/protocol"
)

const (
	livenessTimeoutMS     = 45_000
	webhookRequestTimeout = 30 * time.Second
	maxRetryDelayMS       = 30_000
	steadyRetryDelayMS    = 60_000
	gcFailureDuration     = 3 * 24 * time.Hour
)

// Manager orchestrates subscription matching, consumer wake/retry, and
// callback handling for one store (SPEC_FULL §11).
type Manager struct {
	Store           *Store
	callbackBaseURL string
	getTailOffset   func(path string) protocol.Offset
	client          *http.Client
	logger          *zap.Logger

	mu           sync.Mutex
	shuttingDown bool
}

// NewManager builds a Manager that wakes consumers via callbackBaseURL and
// resolves a stream's current tail offset through getTailOffset.
func NewManager(callbackBaseURL string, getTailOffset func(string) protocol.Offset, logger *zap.Logger) *Manager {
	return &Manager{
		Store:           NewStore(),
		callbackBaseURL: callbackBaseURL,
		getTailOffset:   getTailOffset,
		client:          &http.Client{Timeout: webhookRequestTimeout},
		logger:          logger,
	}
}

// OnStreamAppend wakes any idle consumer with pending work on streamPath.
// Called by the Caddy handler after a successful append (SPEC_FULL §12).
func (m *Manager) OnStreamAppend(streamPath string) {
	if m.isShuttingDown() {
		return
	}

	for _, cid := range m.Store.GetConsumersForStream(streamPath) {
		consumer := m.Store.GetConsumer(cid)
		if consumer == nil {
			continue
		}
		if consumer.State == StateIDLE && m.Store.HasPendingWork(consumer, m.getTailOffset) {
			m.wakeConsumer(consumer, []string{streamPath})
		}
	}
}

// OnStreamCreated spawns a consumer for every subscription whose pattern
// matches the new stream. Called by the Caddy handler after a successful
// create.
func (m *Manager) OnStreamCreated(streamPath string) {
	if m.isShuttingDown() {
		return
	}

	for _, sub := range m.Store.FindMatchingSubscriptions(streamPath) {
		m.Store.GetOrCreateConsumer(sub.SubscriptionID, streamPath)
	}
}

// OnStreamDeleted drops streamPath from every consumer watching it. Called
// by the Caddy handler after a successful delete.
func (m *Manager) OnStreamDeleted(streamPath string) {
	m.Store.RemoveStreamFromConsumers(streamPath)
}

func (m *Manager) wakeConsumer(consumer *ConsumerInstance, triggeredBy []string) {
	sub := m.Store.GetSubscription(consumer.SubscriptionID)
	if sub == nil {
		m.Store.RemoveConsumer(consumer.ConsumerID)
		return
	}

	epoch, wakeID := m.Store.TransitionToWaking(consumer)

	payload := map[string]interface{}{
		"consumer_id":    consumer.ConsumerID,
		"epoch":          epoch,
		"wake_id":        wakeID,
		"primary_stream": consumer.PrimaryStream,
		"streams":        m.Store.GetStreamsData(consumer),
		"triggered_by":   triggeredBy,
		"callback":       m.buildCallbackURL(consumer.ConsumerID),
		"token":          m.Store.GenerateCallbackToken(consumer.ConsumerID, epoch),
	}

	go m.deliverWebhook(consumer, sub, payload)
}

func (m *Manager) deliverWebhook(consumer *ConsumerInstance, sub *Subscription, payload map[string]interface{}) {
	body, _ := json.Marshal(payload)
	signature := SignWebhookPayload(string(body), sub.WebhookSecret)

	req, err := http.NewRequest("POST", sub.Webhook, bytes.NewReader(body))
	if err != nil {
		m.handleDeliveryError(consumer, sub, payload, err)
		return
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Webhook-Signature", signature)

	resp, err := m.client.Do(req)
	if err != nil {
		m.handleDeliveryError(consumer, sub, payload, err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 200 && resp.StatusCode < 300 {
		consumer.LastWebhookFailureAt = nil
		consumer.FirstWebhookFailureAt = nil
		consumer.RetryCount = 0

		var resBody struct {
			Done *bool `json:"done"`
		}
		respBytes, _ := io.ReadAll(resp.Body)
		json.Unmarshal(respBytes, &resBody)

		if resBody.Done != nil && *resBody.Done {
			consumer.WakeIDClaimed = true
			for path := range consumer.Streams {
				consumer.Streams[path] = m.getTailOffset(path)
			}
			m.Store.TransitionToIdle(consumer)
			return
		}

		if consumer.State == StateWAKING {
			consumer.WakeIDClaimed = true
			consumer.State = StateLIVE
			consumer.LastCallbackAt = time.Now()
			m.resetLivenessTimeout(consumer)
		}
		return
	}

	if !consumer.WakeIDClaimed && consumer.State == StateWAKING {
		m.scheduleRetry(consumer, sub, payload)
	}
}

func (m *Manager) handleDeliveryError(consumer *ConsumerInstance, sub *Subscription, payload map[string]interface{}, err error) {
	if m.logger != nil {
		m.logger.Debug("webhook delivery failed",
			zap.String("consumer_id", consumer.ConsumerID),
			zap.Error(err))
	}

	now := time.Now()
	consumer.LastWebhookFailureAt = &now
	if consumer.FirstWebhookFailureAt == nil {
		consumer.FirstWebhookFailureAt = &now
	}

	if time.Since(*consumer.FirstWebhookFailureAt) > gcFailureDuration {
		m.Store.RemoveConsumer(consumer.ConsumerID)
		return
	}

	if consumer.State == StateWAKING {
		m.scheduleRetry(consumer, sub, payload)
	}
}

func (m *Manager) scheduleRetry(consumer *ConsumerInstance, sub *Subscription, payload map[string]interface{}) {
	if m.isShuttingDown() {
		return
	}

	consumer.RetryCount++
	delay := m.calculateRetryDelay(consumer.RetryCount)

	consumer.CancelRetry()
	cancel := make(chan struct{})
	consumer.retryCancel = cancel

	go func() {
		timer := time.NewTimer(time.Duration(delay) * time.Millisecond)
		defer timer.Stop()

		select {
		case <-timer.C:
			if consumer.State == StateWAKING && !consumer.WakeIDClaimed && !m.isShuttingDown() {
				m.deliverWebhook(consumer, sub, payload)
			}
		case <-cancel:
		}
	}()
}

func (m *Manager) calculateRetryDelay(retryCount int) int {
	if retryCount > 10 {
		return steadyRetryDelayMS + rand.Intn(5000)
	}
	base := int(math.Min(math.Pow(2, float64(retryCount))*100, float64(maxRetryDelayMS)))
	return base + rand.Intn(1000)
}

// HandleCallback processes a consumer's callback request, validating its
// token and epoch before applying acks/subscribe/unsubscribe/done.
func (m *Manager) HandleCallback(consumerID, token string, request CallbackRequest) interface{} {
	consumer := m.Store.GetConsumer(consumerID)
	if consumer == nil {
		return CallbackErrorResponse{
			OK:    false,
			Error: CallbackErrObj{Code: ErrCodeConsumerGone, Message: "consumer instance not found"},
		}
	}

	tokenResult := m.Store.ValidateCallbackToken(token, consumerID)
	if !tokenResult.Valid {
		if tokenResult.Code == ErrCodeTokenExpired {
			return CallbackErrorResponse{
				OK:    false,
				Error: CallbackErrObj{Code: ErrCodeTokenExpired, Message: "callback token has expired"},
				Token: m.Store.GenerateCallbackToken(consumerID, consumer.Epoch),
			}
		}
		return CallbackErrorResponse{
			OK:    false,
			Error: CallbackErrObj{Code: ErrCodeTokenInvalid, Message: "callback token is invalid"},
		}
	}

	if request.Epoch != consumer.Epoch {
		return CallbackErrorResponse{
			OK: false,
			Error: CallbackErrObj{
				Code:    ErrCodeStaleEpoch,
				Message: fmt.Sprintf("consumer epoch %d does not match current epoch %d", request.Epoch, consumer.Epoch),
			},
			Token: m.Store.GenerateCallbackToken(consumerID, consumer.Epoch),
		}
	}

	if request.WakeID != "" {
		if !m.Store.ClaimWakeID(consumer, request.WakeID) {
			return CallbackErrorResponse{
				OK: false,
				Error: CallbackErrObj{
					Code:    ErrCodeAlreadyClaimed,
					Message: fmt.Sprintf("wake id %s is invalid or already claimed", request.WakeID),
				},
				Token: m.Store.GenerateCallbackToken(consumerID, consumer.Epoch),
			}
		}
	}

	consumer.LastCallbackAt = time.Now()
	m.resetLivenessTimeout(consumer)

	if len(request.Acks) > 0 {
		m.Store.UpdateAcks(consumer, request.Acks)
	}

	if len(request.Subscribe) > 0 {
		m.Store.SubscribeStreams(consumer, request.Subscribe, m.getTailOffset)
	}

	if len(request.Unsubscribe) > 0 {
		if m.Store.UnsubscribeStreams(consumer, request.Unsubscribe) {
			m.Store.RemoveConsumer(consumerID)
			return CallbackErrorResponse{
				OK:    false,
				Error: CallbackErrObj{Code: ErrCodeConsumerGone, Message: "consumer removed after unsubscribing from all streams"},
			}
		}
	}

	if request.Done != nil && *request.Done {
		if m.Store.HasPendingWork(consumer, m.getTailOffset) {
			m.Store.TransitionToIdle(consumer)
			m.wakeConsumer(consumer, []string{consumer.PrimaryStream})
		} else {
			m.Store.TransitionToIdle(consumer)
		}
	}

	responseToken := token
	if TokenNeedsRefresh(tokenResult.Exp) {
		responseToken = m.Store.GenerateCallbackToken(consumerID, consumer.Epoch)
	}

	return CallbackSuccess{
		OK:      true,
		Token:   responseToken,
		Streams: m.Store.GetStreamsData(consumer),
	}
}

func (m *Manager) resetLivenessTimeout(consumer *ConsumerInstance) {
	consumer.CancelLiveness()

	cancel := make(chan struct{})
	consumer.livenessCancel = cancel

	go func() {
		timer := time.NewTimer(time.Duration(livenessTimeoutMS) * time.Millisecond)
		defer timer.Stop()

		select {
		case <-timer.C:
			if consumer.State == StateLIVE && !m.isShuttingDown() {
				m.Store.TransitionToIdle(consumer)
				if m.Store.HasPendingWork(consumer, m.getTailOffset) {
					m.wakeConsumer(consumer, []string{consumer.PrimaryStream})
				}
			}
		case <-cancel:
		}
	}()
}

func (m *Manager) buildCallbackURL(consumerID string) string {
	return m.callbackBaseURL + "/callback/" + consumerID
}

func (m *Manager) isShuttingDown() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.shuttingDown
}

// Shutdown stops accepting new wakes and cancels all timers.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	m.shuttingDown = true
	m.mu.Unlock()
	m.Store.Shutdown()
}
