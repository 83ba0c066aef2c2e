package mqtt

import (
	"errors"
	"fmt"
	"math/rand"
	"time"

	"github.com/consus-energy/lanzone-edge/internal/core/domain"

	mqtt "github.com/eclipse/paho.mqtt.golang"
)

// UpdatesTopic is the config-bus topic carrying edge state documents for one
// lanzone group.
func UpdatesTopic(groupID string) string {
	return fmt.Sprintf("lanzone/%s/updates", groupID)
}

// OptsFromComms builds paho client options from the bootstrap comms settings.
func OptsFromComms(comms domain.CommsSettings) *mqtt.ClientOptions {
	opts := mqtt.NewClientOptions()
	opts.AddBroker(fmt.Sprintf("tcp://%s:%d", comms.BrokerHost, comms.BrokerPort))
	opts.SetClientID(fmt.Sprintf("edge_%s_%d", comms.GroupID, rand.Intn(1000)))
	if comms.BrokerUser != "" && comms.BrokerPassword != "" {
		opts.SetUsername(comms.BrokerUser)
		opts.SetPassword(comms.BrokerPassword)
	}
	if comms.KeepAliveS > 0 {
		opts.SetKeepAlive(time.Duration(comms.KeepAliveS) * time.Second)
	}
	opts.SetAutoReconnect(true)
	return opts
}

// CreateClient wraps a paho client for the config bus.
func CreateClient(comms domain.CommsSettings, opts *mqtt.ClientOptions, onConnectHandler func(client mqtt.Client),
	onConnectionLostHandler func(mqtt.Client, error)) *Client {
	if onConnectHandler != nil {
		opts.OnConnect = onConnectHandler
	}
	if onConnectionLostHandler != nil {
		opts.OnConnectionLost = onConnectionLostHandler
	}
	return &Client{
		client: mqtt.NewClient(opts),
		comms:  comms,
	}
}

type Client struct {
	client mqtt.Client
	comms  domain.CommsSettings
}

// UpdatesTopic returns this group's config topic.
func (c *Client) UpdatesTopic() string {
	return UpdatesTopic(c.comms.GroupID)
}

// Connect starts the connection and invokes continuation when it settles.
func (c *Client) Connect(continuation func(error), timeout time.Duration) {
	token := c.client.Connect()
	go func() {
		if !token.WaitTimeout(timeout) {
			continuation(errors.New("MQTT connect timed out"))
			return
		}
		continuation(token.Error())
	}()
}

// SubscribeToUpdates subscribes to the group's updates topic at QoS 1.
func (c *Client) SubscribeToUpdates(handler mqtt.MessageHandler, continuation func(error), timeout time.Duration) {
	token := c.client.Subscribe(c.UpdatesTopic(), 1, handler)
	go func() {
		if !token.WaitTimeout(timeout) {
			continuation(errors.New("MQTT subscribe timed out"))
			return
		}
		continuation(token.Error())
	}()
}

// Disconnect closes the connection, waiting up to timeout for in-flight work.
func (c *Client) Disconnect(timeout time.Duration) {
	c.client.Disconnect(uint(timeout.Milliseconds()))
}

// Connected reports the underlying connection state.
func (c *Client) Connected() bool {
	return c.client.IsConnectionOpen()
}
