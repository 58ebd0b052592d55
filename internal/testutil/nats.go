package testutil

import (
	"errors"
	"testing"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
	"github.com/stretchr/testify/require"
)

// NewServer creates an in-process NATS server on a random loopback port.
// JetStream state goes under storeDir; an empty storeDir disables JetStream.
func NewServer(storeDir string) (*server.Server, error) {
	opts := &server.Options{
		Host:           "127.0.0.1",
		Port:           server.RANDOM_PORT,
		NoLog:          true,
		NoSigs:         true,
		MaxControlLine: 4096,
		JetStream:      storeDir != "",
		StoreDir:       storeDir,
	}
	return server.NewServer(opts)
}

// StartJetStream runs an embedded JetStream server for the test and returns
// a connected context. The returned func stops both; it is also registered
// with t.Cleanup so calling it is optional.
func StartJetStream(t *testing.T) (*server.Server, nats.JetStreamContext, func()) {
	t.Helper()

	s, err := NewServer(t.TempDir())
	require.NoError(t, err)

	go s.Start()
	if !s.ReadyForConnections(10 * time.Second) {
		s.Shutdown()
		t.Fatal("embedded NATS server not ready")
	}

	nc, err := nats.Connect(s.ClientURL(), nats.Timeout(5*time.Second))
	require.NoError(t, err)

	js, err := nc.JetStream(nats.MaxWait(5 * time.Second))
	require.NoError(t, err)

	stopped := false
	stop := func() {
		if stopped {
			return
		}
		stopped = true
		nc.Close()
		s.Shutdown()
	}
	t.Cleanup(stop)

	return s, js, stop
}

// WaitForStream polls until the named stream exists
func WaitForStream(t *testing.T, js nats.JetStreamContext, name string, timeout time.Duration) error {
	t.Helper()

	deadline := time.Now().Add(timeout)
	for {
		_, err := js.StreamInfo(name)
		switch {
		case err == nil:
			return nil
		case !errors.Is(err, nats.ErrStreamNotFound):
			return err
		case time.Now().After(deadline):
			return err
		}
		time.Sleep(50 * time.Millisecond)
	}
}

// ConsumeMessages returns the payloads delivered on subject within d
func ConsumeMessages(js nats.JetStreamContext, subject string, d time.Duration) ([][]byte, error) {
	ch := make(chan *nats.Msg, 256)
	sub, err := js.ChanSubscribe(subject, ch)
	if err != nil {
		return nil, err
	}
	defer sub.Unsubscribe()

	var payloads [][]byte
	timeout := time.After(d)
	for {
		select {
		case msg := <-ch:
			payloads = append(payloads, msg.Data)
		case <-timeout:
			return payloads, nil
		}
	}
}
