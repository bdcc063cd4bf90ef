// Package mqtt publishes decoded battery readings and bus statistics to an
// MQTT v5 broker.
package mqtt

import (
	"bms-can-monitor/internal/models"
	"context"
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/packets"
	"github.com/eclipse/paho.golang/paho"
	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
)

// Options configures the broker connection and topics
type Options struct {
	Broker      string
	ClientID    string
	Username    string
	Password    string
	TopicPrefix string
	Format      string
	QoS         byte
	QueueSize   int
}

// Client is the subset of *paho.Client used by the publisher
type Client interface {
	Publish(ctx context.Context, p *paho.Publish) (*paho.PublishResponse, error)
	Disconnect(d *paho.Disconnect) error
}

// clientID returns the configured id or a random one when empty
func clientID(configured string) string {
	if configured != "" {
		return configured
	}
	return "bms-can-monitor-" + uuid.NewString()[:8]
}

// Connect dials the broker and performs the MQTT handshake
func Connect(ctx context.Context, opts Options, logger logrus.FieldLogger) (*paho.Client, error) {
	var d net.Dialer
	tcpConn, err := d.DialContext(ctx, "tcp", opts.Broker)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", opts.Broker, err)
	}
	conn := packets.NewThreadSafeConn(tcpConn)

	client := paho.NewClient(paho.ClientConfig{
		Conn: conn,
	})

	cp := &paho.Connect{
		KeepAlive:  30,
		ClientID:   clientID(opts.ClientID),
		CleanStart: true,
		Username:   opts.Username,
		Password:   []byte(opts.Password),
	}
	if opts.Username != "" {
		cp.UsernameFlag = true
	}
	if opts.Password != "" {
		cp.PasswordFlag = true
	}

	ca, err := client.Connect(ctx, cp)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("mqtt connect: %w", err)
	}
	if ca.ReasonCode != 0 {
		conn.Close()
		reason := ""
		if ca.Properties != nil {
			reason = ca.Properties.ReasonString
		}
		return nil, fmt.Errorf("failed to connect to %s: %d - %s", opts.Broker, ca.ReasonCode, reason)
	}

	logger.WithField("broker", opts.Broker).Info("Connected to MQTT broker")
	return client, nil
}

type message struct {
	topic   string
	payload []byte
	retain  bool
}

// Publisher queues messages and publishes them from one goroutine. A full
// queue drops the message.
type Publisher struct {
	client Client
	opts   Options
	log    logrus.FieldLogger

	queue     chan message
	published atomic.Uint64
	dropped   atomic.Uint64
	failed    atomic.Uint64

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPublisher wraps a connected client
func NewPublisher(client Client, opts Options, logger logrus.FieldLogger) *Publisher {
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	if opts.TopicPrefix == "" {
		opts.TopicPrefix = "ebike"
	}
	if opts.Format == "" {
		opts.Format = FormatJSON
	}
	return &Publisher{
		client: client,
		opts:   opts,
		log:    logger.WithField("component", "mqtt"),
		queue:  make(chan message, opts.QueueSize),
	}
}

// Start launches the publish loop
func (p *Publisher) Start(ctx context.Context) {
	ctx, p.cancel = context.WithCancel(ctx)
	p.wg.Add(1)
	go p.run(ctx)
}

func (p *Publisher) run(ctx context.Context) {
	defer p.wg.Done()
	for {
		select {
		case <-ctx.Done():
			return
		case m := <-p.queue:
			p.publish(ctx, m)
		}
	}
}

func (p *Publisher) publish(ctx context.Context, m message) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if _, err := p.client.Publish(ctx, &paho.Publish{
		Topic:   m.topic,
		QoS:     p.opts.QoS,
		Retain:  m.retain,
		Payload: m.payload,
	}); err != nil {
		p.failed.Add(1)
		p.log.WithError(err).WithField("topic", m.topic).Error("Error sending message")
		return
	}
	p.published.Add(1)
}

func (p *Publisher) enqueue(topic string, v any, retain bool) error {
	payload, err := Encode(p.opts.Format, v)
	if err != nil {
		return err
	}
	select {
	case p.queue <- message{topic: topic, payload: payload, retain: retain}:
		return nil
	default:
		p.dropped.Add(1)
		return fmt.Errorf("mqtt queue full, dropped %s", topic)
	}
}

// ReadingTopic returns the topic for a battery's readings
func (p *Publisher) ReadingTopic(batteryID uint8) string {
	return fmt.Sprintf("%s/battery/%d/reading", p.opts.TopicPrefix, batteryID)
}

// PublishReading queues a decoded reading
func (p *Publisher) PublishReading(r models.Reading) error {
	return p.enqueue(p.ReadingTopic(r.BatteryID), r, false)
}

// PublishStats queues the driver counters as a retained message
func (p *Publisher) PublishStats(s models.Stats) error {
	return p.enqueue(p.opts.TopicPrefix+"/can/stats", s, true)
}

// Counters returns published, dropped and failed message counts
func (p *Publisher) Counters() (published, dropped, failed uint64) {
	return p.published.Load(), p.dropped.Load(), p.failed.Load()
}

// Close stops the loop and disconnects
func (p *Publisher) Close() error {
	if p.cancel != nil {
		p.cancel()
		p.wg.Wait()
	}
	return p.client.Disconnect(&paho.Disconnect{ReasonCode: 0})
}
