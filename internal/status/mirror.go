package status

import (
	"encoding/json"
	"fmt"
	"sync"
	"time"

	mqtt "github.com/eclipse/paho.mqtt.golang"
	"github.com/juju/errors"
	"github.com/temoto/boiler/log2"
)

const (
	DefaultMirrorTopic = "boiler/status"
	mirrorTimeout      = 5 * time.Second
)

type MirrorConfig struct {
	Broker   string
	ClientID string
	Password string
	Topic    string
}

// publisher is the part of MQTT client Mirror needs.
type publisher interface {
	Publish(topic string, retained bool, payload []byte) error
	Close()
}

// Mirror publishes every signal as retained JSON message,
// so remote side sees the same outcome as the LEDs.
type Mirror struct {
	log   *log2.Log
	topic string
	pub   publisher
	now   func() time.Time
}

type mirrorMessage struct {
	Signal string `json:"signal"`
	Stage  int    `json:"stage,omitempty"`
	Error  string `json:"error,omitempty"`
	Time   int64  `json:"time"`
}

func NewMirror(c MirrorConfig, log *log2.Log) (*Mirror, error) {
	if c.Broker == "" {
		return nil, errors.NotValidf("mqtt broker empty")
	}
	if c.ClientID == "" {
		c.ClientID = "boiler"
	}
	topic := c.Topic
	if topic == "" {
		topic = DefaultMirrorTopic
	}
	mqtt.ERROR = log
	mqtt.CRITICAL = log

	opt := mqtt.NewClientOptions().
		AddBroker(c.Broker).
		SetClientID(c.ClientID).
		SetCleanSession(true).
		SetAutoReconnect(true).
		SetConnectTimeout(mirrorTimeout).
		SetBinaryWill(topic+"/online", []byte{0x00}, 1, true)
	if c.Password != "" {
		opt.SetUsername(c.ClientID).SetPassword(c.Password)
	}
	p := &pahoPublisher{log: log, m: mqtt.NewClient(opt), willTopic: topic + "/online"}
	if err := p.connect(); err != nil {
		// not fatal, next Publish retries
		log.Errorf("mqtt connect broker=%s err=%v", c.Broker, err)
	}
	return newMirror(p, topic, log), nil
}

func newMirror(p publisher, topic string, log *log2.Log) *Mirror {
	return &Mirror{log: log, topic: topic, pub: p, now: time.Now}
}

func (m *Mirror) Signal(s Signal) error {
	msg := mirrorMessage{
		Signal: s.Kind.String(),
		Stage:  s.Stage,
		Time:   m.now().Unix(),
	}
	if s.Err != nil {
		msg.Error = s.Err.Error()
	}
	b, err := json.Marshal(msg)
	if err != nil {
		return errors.Annotate(err, "mirror marshal")
	}
	if err = m.pub.Publish(m.topic, true, b); err != nil {
		return errors.Annotatef(err, "mirror publish topic=%s", m.topic)
	}
	m.log.Debugf("mirror published %s", b)
	return nil
}

func (m *Mirror) Progress() {}

func (m *Mirror) Close() { m.pub.Close() }

type pahoPublisher struct {
	sync.Mutex
	log       *log2.Log
	m         mqtt.Client
	willTopic string
}

func (p *pahoPublisher) connect() error {
	t := p.m.Connect()
	if !t.WaitTimeout(mirrorTimeout) {
		return errors.Timeoutf("mqtt connect")
	}
	if err := t.Error(); err != nil {
		return err
	}
	p.m.Publish(p.willTopic, 1, true, []byte{0x01})
	return nil
}

func (p *pahoPublisher) Publish(topic string, retained bool, payload []byte) error {
	p.Lock()
	defer p.Unlock()
	if !p.m.IsConnected() {
		if err := p.connect(); err != nil {
			return errors.Annotate(err, "reconnect")
		}
	}
	t := p.m.Publish(topic, 1, retained, payload)
	if !t.WaitTimeout(mirrorTimeout) {
		return errors.Timeoutf("mqtt publish")
	}
	return t.Error()
}

func (p *pahoPublisher) Close() {
	p.Lock()
	defer p.Unlock()
	if p.m.IsConnected() {
		p.m.Publish(p.willTopic, 1, true, []byte{0x00}).WaitTimeout(mirrorTimeout)
		p.m.Disconnect(uint(mirrorTimeout / time.Millisecond))
	}
}

func (m MirrorConfig) String() string {
	return fmt.Sprintf("broker=%s client=%s topic=%s", m.Broker, m.ClientID, m.Topic)
}
