// Package channel carries the device's update commands and status events over
// MQTT. Inbound commands arrive on one topic; status, progress, version and
// source events are published as JSON on their own topics.
package channel

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"sync/atomic"
	"time"

	log "github.com/sirupsen/logrus"
	mqtt "github.com/soypat/natiu-mqtt"
)

// Topics of the update command/status channel.
const (
	TopicCommand  = "glowdeck/update/command"
	TopicStatus   = "glowdeck/update/status"
	TopicProgress = "glowdeck/update/progress"
	TopicVersion  = "glowdeck/update/version"
	TopicSource   = "glowdeck/update/source"
)

// Inbound command names.
const (
	CmdCheckForUpdate     = "check_for_update"
	CmdStartUpdate        = "start_update"
	CmdCancelUpdate       = "cancel_update"
	CmdGetProgress        = "get_progress"
	CmdGetVersion         = "get_version"
	CmdSetPreferredSource = "set_preferred_source"
	CmdValidateNow        = "validate_now"
	CmdForceRollback      = "force_rollback"
)

// Command is one inbound request on the command topic.
type Command struct {
	Name   string `json:"command"`
	Source string `json:"source,omitempty"`
	Reason string `json:"reason,omitempty"`
}

const (
	dialTimeout    = 10 * time.Second
	handleDeadline = time.Second
	connectPolls   = 50
	recvBufSize    = 4096
)

var pubFlags, _ = mqtt.NewPublishFlags(mqtt.QoS0, false, false)

// Channel is a connected MQTT command/status channel.
type Channel struct {
	conn     net.Conn
	client   *mqtt.Client
	commands chan Command
	packetID atomic.Uint32

	// natiu-mqtt clients are not safe for concurrent use.
	mu sync.Mutex
}

// Dial connects to the broker, identifies as clientID and subscribes to the
// command topic.
func Dial(ctx context.Context, broker, clientID string) (*Channel, error) {
	d := net.Dialer{Timeout: dialTimeout}
	conn, err := d.DialContext(ctx, "tcp", broker)
	if err != nil {
		return nil, fmt.Errorf("dial broker %s: %w", broker, err)
	}
	ch := &Channel{
		conn:     conn,
		commands: make(chan Command, 8),
	}
	ch.client = mqtt.NewClient(mqtt.ClientConfig{
		Decoder: mqtt.DecoderNoAlloc{UserBuffer: make([]byte, recvBufSize)},
		OnPub:   ch.onPub,
	})

	var varconn mqtt.VariablesConnect
	varconn.SetDefaultMQTT([]byte(clientID))
	conn.SetDeadline(time.Now().Add(dialTimeout))
	if err := ch.client.StartConnect(conn, &varconn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("mqtt connect to %s: %w", broker, err)
	}
	for i := 0; i < connectPolls && !ch.client.IsConnected(); i++ {
		time.Sleep(100 * time.Millisecond)
		if err := ch.client.HandleNext(); err != nil && !isTimeout(err) {
			log.Debugf("mqtt connect handling: %v", err)
		}
	}
	if !ch.client.IsConnected() {
		conn.Close()
		return nil, fmt.Errorf("mqtt connect to %s: timeout", broker)
	}

	sub := mqtt.VariablesSubscribe{
		PacketIdentifier: ch.nextPacketID(),
		TopicFilters: []mqtt.SubscribeRequest{
			{TopicFilter: []byte(TopicCommand), QoS: mqtt.QoS0},
		},
	}
	conn.SetDeadline(time.Now().Add(dialTimeout))
	if err := ch.client.StartSubscribe(sub); err != nil {
		conn.Close()
		return nil, fmt.Errorf("subscribe %s: %w", TopicCommand, err)
	}
	conn.SetDeadline(time.Time{})
	log.Infof("Command channel connected to %s as %s", broker, clientID)
	return ch, nil
}

// Commands is the stream of decoded inbound commands.
func (ch *Channel) Commands() <-chan Command { return ch.commands }

// Listen pumps inbound traffic until ctx ends or the connection fails.
func (ch *Channel) Listen(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			ch.Close()
			return err
		}
		ch.conn.SetReadDeadline(time.Now().Add(handleDeadline))
		ch.mu.Lock()
		err := ch.client.HandleNext()
		ch.mu.Unlock()
		if err != nil && !isTimeout(err) {
			return fmt.Errorf("command channel receive: %w", err)
		}
	}
}

// Publish serializes v as JSON onto topic.
func (ch *Channel) Publish(topic string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode %s payload: %w", topic, err)
	}
	ch.mu.Lock()
	defer ch.mu.Unlock()
	ch.conn.SetWriteDeadline(time.Now().Add(dialTimeout))
	vp := mqtt.VariablesPublish{
		TopicName:        []byte(topic),
		PacketIdentifier: ch.nextPacketID(),
	}
	if err := ch.client.PublishPayload(pubFlags, vp, payload); err != nil {
		return fmt.Errorf("publish to %s: %w", topic, err)
	}
	return nil
}

// Close disconnects cleanly.
func (ch *Channel) Close() error {
	ch.mu.Lock()
	ch.client.Disconnect(errors.New("session complete"))
	ch.mu.Unlock()
	return ch.conn.Close()
}

func (ch *Channel) onPub(_ mqtt.Header, varPub mqtt.VariablesPublish, r io.Reader) error {
	if string(varPub.TopicName) != TopicCommand {
		return nil
	}
	payload, err := io.ReadAll(r)
	if err != nil && err != io.EOF {
		return err
	}
	var cmd Command
	if err := json.Unmarshal(payload, &cmd); err != nil {
		log.Warnf("Dropping malformed command payload: %v", err)
		return nil
	}
	select {
	case ch.commands <- cmd:
	default:
		log.Warnf("Command queue full, dropping %s", cmd.Name)
	}
	return nil
}

func (ch *Channel) nextPacketID() uint16 {
	// Packet identifiers must be non-zero.
	return uint16(ch.packetID.Add(1)%0xFFFE) + 1
}

func isTimeout(err error) bool {
	var ne net.Error
	return errors.As(err, &ne) && ne.Timeout()
}
