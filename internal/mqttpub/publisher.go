// Package mqttpub mirrors area activity changes onto an MQTT broker as
// retained JSON messages.
package mqttpub

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	pahomqtt "github.com/eclipse/paho.mqtt.golang"
	"go.uber.org/zap"

	"areaautomation/internal/activity"
)

const (
	connectTimeout = 10 * time.Second
	publishTimeout = 5 * time.Second
	keepAlive      = 60 * time.Second
	quiesceMillis  = 250
)

// ErrConnectionFailed is returned when the broker cannot be reached
var ErrConnectionFailed = errors.New("mqtt connection failed")

// Client is the subset of the paho client the publisher uses
type Client interface {
	Publish(topic string, qos byte, retained bool, payload interface{}) pahomqtt.Token
	Disconnect(quiesce uint)
}

// Options configures the broker connection
type Options struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	QoS         byte
}

// Message is the retained payload published per area
type Message struct {
	ID        string    `json:"id"`
	AreaID    string    `json:"area_id"`
	Activity  string    `json:"activity"`
	Previous  string    `json:"previous"`
	Timestamp time.Time `json:"timestamp"`
	// TriggeredBy lists the sensors active at the change
	TriggeredBy []string `json:"triggered_by,omitempty"`
}

// Publisher publishes activity changes
type Publisher struct {
	client  Client
	prefix  string
	qos     byte
	timeout time.Duration
	logger  *zap.Logger

	wg     sync.WaitGroup
	mu     sync.Mutex
	closed bool
}

// NewPublisher wraps an already connected client
func NewPublisher(client Client, prefix string, qos byte, logger *zap.Logger) *Publisher {
	return &Publisher{
		client:  client,
		prefix:  strings.TrimSuffix(prefix, "/"),
		qos:     qos,
		timeout: publishTimeout,
		logger:  logger.Named("mqtt"),
	}
}

// Connect dials the broker, announces the service online and returns a
// publisher. The broker marks the service offline if the connection drops.
func Connect(opts Options, logger *zap.Logger) (*Publisher, error) {
	prefix := strings.TrimSuffix(opts.TopicPrefix, "/")
	status := statusTopic(prefix)

	po := pahomqtt.NewClientOptions()
	po.AddBroker(opts.Broker)
	po.SetClientID(opts.ClientID)
	if opts.Username != "" {
		po.SetUsername(opts.Username)
		po.SetPassword(opts.Password)
	}
	po.SetCleanSession(true)
	po.SetAutoReconnect(true)
	po.SetConnectTimeout(connectTimeout)
	po.SetKeepAlive(keepAlive)
	po.SetWill(status, "offline", opts.QoS, true)

	log := logger.Named("mqtt")
	po.SetOnConnectHandler(func(c pahomqtt.Client) {
		log.Info("Connected to MQTT broker", zap.String("broker", opts.Broker))
		c.Publish(status, opts.QoS, true, "online")
	})
	po.SetConnectionLostHandler(func(_ pahomqtt.Client, err error) {
		log.Warn("MQTT connection lost", zap.Error(err))
	})

	client := pahomqtt.NewClient(po)
	token := client.Connect()
	if !token.WaitTimeout(connectTimeout) {
		return nil, fmt.Errorf("%w: timeout after %v", ErrConnectionFailed, connectTimeout)
	}
	if err := token.Error(); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrConnectionFailed, err)
	}

	return NewPublisher(client, prefix, opts.QoS, logger), nil
}

// Topic returns the activity topic of an area
func (p *Publisher) Topic(areaID string) string {
	return p.prefix + "/" + areaID + "/activity"
}

func statusTopic(prefix string) string {
	return prefix + "/status"
}

// HandleChange publishes one activity change. It does not block on the
// broker acknowledgement.
func (p *Publisher) HandleChange(change activity.Change) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.wg.Add(1)
	p.mu.Unlock()

	payload, err := json.Marshal(Message{
		ID:          change.ID,
		AreaID:      change.AreaID,
		Activity:    string(change.New),
		Previous:    string(change.Old),
		Timestamp:   change.Timestamp,
		TriggeredBy: change.TriggeredBy,
	})
	if err != nil {
		p.wg.Done()
		p.logger.Error("Failed to encode activity change", zap.Error(err))
		return
	}

	topic := p.Topic(change.AreaID)
	token := p.client.Publish(topic, p.qos, true, payload)
	go func() {
		defer p.wg.Done()
		if !token.WaitTimeout(p.timeout) {
			p.logger.Warn("Publish timed out", zap.String("topic", topic))
			return
		}
		if err := token.Error(); err != nil {
			p.logger.Warn("Publish failed", zap.String("topic", topic), zap.Error(err))
		}
	}()
}

// Close waits for in-flight publishes, marks the service offline and
// disconnects
func (p *Publisher) Close() {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	p.mu.Unlock()

	p.wg.Wait()
	token := p.client.Publish(statusTopic(p.prefix), p.qos, true, "offline")
	token.WaitTimeout(p.timeout)
	p.client.Disconnect(quiesceMillis)
}
