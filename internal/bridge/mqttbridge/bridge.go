// Package mqttbridge connects conversations to an MQTT broker. Inbound
// user messages arrive on <prefix>/in/<address>; replies are published
// to <prefix>/out/<subjectID>. An availability topic with a will
// message signals bridge liveness.
package mqttbridge

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/url"
	"strings"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/threadline-ai/threadline/internal/config"
	"github.com/threadline-ai/threadline/internal/orchestrator"
	"github.com/threadline-ai/threadline/internal/subject"
)

// Coordinator is the orchestrator surface the bridge needs.
type Coordinator interface {
	ProcessTurn(ctx context.Context, agentRef, subjectID, userText, channel string) (*orchestrator.TurnResult, error)
}

// inboundMessage is the JSON payload accepted on the in topic. A
// non-JSON payload is treated as a bare text message from the topic's
// address segment.
type inboundMessage struct {
	Message  string         `json:"message"`
	Metadata map[string]any `json:"metadata,omitempty"`
	Agent    string         `json:"agent,omitempty"`
}

// outboundMessage is published on the out topic for each turn.
type outboundMessage struct {
	TurnID           string `json:"turn_id"`
	SubjectID        string `json:"subject_id"`
	Reply            string `json:"reply,omitempty"`
	AwaitingApproval bool   `json:"awaiting_approval,omitempty"`
	Error            string `json:"error,omitempty"`
}

// Bridge owns the broker connection and the inbound message loop.
type Bridge struct {
	cfg      config.MQTTConfig
	agentRef string
	coord    Coordinator
	resolver subject.Resolver
	logger   *slog.Logger
	cm       *autopaho.ConnectionManager
}

// New creates a bridge but does not connect. Call [Bridge.Start].
func New(cfg config.MQTTConfig, agentRef string, coord Coordinator, resolver subject.Resolver, logger *slog.Logger) *Bridge {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Agent != "" {
		agentRef = cfg.Agent
	}
	return &Bridge{
		cfg:      cfg,
		agentRef: agentRef,
		coord:    coord,
		resolver: resolver,
		logger:   logger,
	}
}

// Start connects to the broker and subscribes to the inbound topic. It
// returns once the connection manager is running; autopaho handles
// reconnects and resubscribes in the background.
func (b *Bridge) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(b.cfg.BrokerURL)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	inTopic := b.cfg.TopicPrefix + "/in/#"
	availTopic := b.cfg.TopicPrefix + "/availability"

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: b.cfg.Username,
		ConnectPassword: []byte(b.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   availTopic,
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			b.logger.Info("mqtt connected to broker", "broker", b.cfg.BrokerURL)
			if _, err := cm.Subscribe(ctx, &paho.Subscribe{
				Subscriptions: []paho.SubscribeOptions{{Topic: inTopic, QoS: 1}},
			}); err != nil {
				b.logger.Error("mqtt subscribe failed", "topic", inTopic, "error", err)
				return
			}
			if _, err := cm.Publish(ctx, &paho.Publish{
				Topic:   availTopic,
				Payload: []byte("online"),
				QoS:     1,
				Retain:  true,
			}); err != nil {
				b.logger.Warn("availability publish failed", "error", err)
			}
		},
		OnConnectError: func(err error) {
			b.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: b.cfg.ClientID,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				func(pr paho.PublishReceived) (bool, error) {
					b.onMessage(ctx, pr.Packet.Topic, pr.Packet.Payload)
					return true, nil
				},
			},
		},
	}

	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	b.cm = cm

	connCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		b.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}
	return nil
}

// Stop publishes offline availability and disconnects.
func (b *Bridge) Stop(ctx context.Context) error {
	if b.cm == nil {
		return nil
	}
	if _, err := b.cm.Publish(ctx, &paho.Publish{
		Topic:   b.cfg.TopicPrefix + "/availability",
		Payload: []byte("offline"),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		b.logger.Debug("offline publish failed", "error", err)
	}
	return b.cm.Disconnect(ctx)
}

// onMessage handles one inbound publish. Turn processing can take a
// while, so each message runs on its own goroutine to keep the paho
// receive path unblocked.
func (b *Bridge) onMessage(ctx context.Context, topic string, payload []byte) {
	address, ok := b.addressFromTopic(topic)
	if !ok {
		b.logger.Debug("ignoring message on unexpected topic", "topic", topic)
		return
	}
	go b.processInbound(ctx, address, payload)
}

func (b *Bridge) processInbound(ctx context.Context, address string, payload []byte) {
	msg, err := decodeInbound(address, payload)
	if err != nil {
		b.logger.Warn("inbound message rejected", "address", address, "error", err)
		return
	}

	subjectID, err := b.resolver.Resolve(ctx, msg.Metadata)
	if err != nil {
		b.logger.Warn("inbound subject unresolved", "address", address, "error", err)
		return
	}

	agent := b.agentRef
	if msg.Agent != "" {
		agent = msg.Agent
	}

	result, err := b.coord.ProcessTurn(ctx, agent, subjectID, msg.Message, "mqtt")
	if err != nil {
		b.logger.Error("mqtt turn failed", "subject", subjectID, "error", err)
		b.publishReply(ctx, subjectID, &outboundMessage{
			SubjectID: subjectID,
			Error:     "turn failed, please try again",
		})
		return
	}

	b.publishReply(ctx, subjectID, &outboundMessage{
		TurnID:           result.TurnID,
		SubjectID:        result.SubjectID,
		Reply:            result.Reply,
		AwaitingApproval: result.AwaitingApproval,
	})
}

func (b *Bridge) publishReply(ctx context.Context, subjectID string, msg *outboundMessage) {
	if b.cm == nil {
		return
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		b.logger.Error("reply marshal failed", "subject", subjectID, "error", err)
		return
	}
	if _, err := b.cm.Publish(ctx, &paho.Publish{
		Topic:   b.cfg.TopicPrefix + "/out/" + subjectID,
		Payload: payload,
		QoS:     1,
	}); err != nil {
		b.logger.Error("reply publish failed", "subject", subjectID, "error", err)
	}
}

// addressFromTopic extracts the sender address from an inbound topic,
// e.g. threadline/in/+14155550100 -> +14155550100.
func (b *Bridge) addressFromTopic(topic string) (string, bool) {
	prefix := b.cfg.TopicPrefix + "/in/"
	if !strings.HasPrefix(topic, prefix) {
		return "", false
	}
	address := strings.TrimPrefix(topic, prefix)
	if address == "" || strings.Contains(address, "/") {
		return "", false
	}
	return address, true
}

// decodeInbound parses an inbound payload. JSON payloads supply their
// own message and metadata; anything else is treated as bare text from
// the topic address. Either way the address is available to the
// resolver as the sender.
func decodeInbound(address string, payload []byte) (*inboundMessage, error) {
	msg := &inboundMessage{}
	if err := json.Unmarshal(payload, msg); err != nil {
		msg.Message = string(payload)
	}
	if strings.TrimSpace(msg.Message) == "" {
		return nil, fmt.Errorf("empty message")
	}
	if msg.Metadata == nil {
		msg.Metadata = make(map[string]any)
	}
	if _, ok := msg.Metadata["sender"]; !ok {
		msg.Metadata["sender"] = address
	}
	return msg, nil
}
