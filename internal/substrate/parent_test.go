// ABOUTME: Tests for the worker-side IPC channel using in-process pipes.
// ABOUTME: Verifies message delivery, disconnect propagation and closed-channel errors.

package substrate

import (
	"bufio"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// pipePair connects a Parent to a fake primary.
type pipePair struct {
	parent *Parent
	// toWorker is written by the fake primary.
	toWorker *os.File
	// fromWorker is read by the fake primary.
	fromWorker *bufio.Reader
}

func newPipePair(t *testing.T) *pipePair {
	t.Helper()

	inR, inW, err := os.Pipe()
	require.NoError(t, err)
	outR, outW, err := os.Pipe()
	require.NoError(t, err)

	t.Cleanup(func() {
		inW.Close()
		outR.Close()
	})

	return &pipePair{
		parent:     NewParent(inR, outW),
		toWorker:   inW,
		fromWorker: bufio.NewReader(outR),
	}
}

func TestParent_DeliversMessages(t *testing.T) {
	pp := newPipePair(t)

	got := make(chan any, 2)
	pp.parent.Subscribe(ParentListener{Message: func(m any) { got <- m }})

	require.NoError(t, writeFrame(pp.toWorker, frame{Kind: kindMessage, Payload: map[string]any{"type": "ping"}}))
	require.NoError(t, writeFrame(pp.toWorker, frame{Kind: kindMessage, Payload: "second"}))

	select {
	case m := <-got:
		assert.Equal(t, map[string]any{"type": "ping"}, m)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for first message")
	}
	select {
	case m := <-got:
		assert.Equal(t, "second", m)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for second message")
	}
}

func TestParent_SendAndNotifyListening(t *testing.T) {
	pp := newPipePair(t)

	require.NoError(t, pp.parent.Send("ready"))
	require.NoError(t, pp.parent.NotifyListening(Address{Network: "tcp", Address: "::", Port: 9000}))

	f, err := readFrame(pp.fromWorker)
	require.NoError(t, err)
	assert.Equal(t, kindMessage, f.Kind)
	assert.Equal(t, "ready", f.Payload)

	f, err = readFrame(pp.fromWorker)
	require.NoError(t, err)
	assert.Equal(t, kindListening, f.Kind)
	assert.Equal(t, Address{Network: "tcp", Address: "::", Port: 9000}, addressFromPayload(f.Payload))
}

func TestParent_PrimaryClosesChannel(t *testing.T) {
	pp := newPipePair(t)

	disconnected := make(chan struct{})
	pp.parent.Subscribe(ParentListener{Disconnect: func() { close(disconnected) }})

	require.NoError(t, pp.toWorker.Close())

	select {
	case <-disconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for disconnect")
	}
	<-pp.parent.Done()

	assert.ErrorIs(t, pp.parent.Send("late"), ErrChannelClosed)
}

func TestParent_Disconnect(t *testing.T) {
	pp := newPipePair(t)

	disconnected := make(chan struct{})
	pp.parent.Subscribe(ParentListener{Disconnect: func() { close(disconnected) }})

	require.NoError(t, pp.parent.Disconnect())

	f, err := readFrame(pp.fromWorker)
	require.NoError(t, err)
	assert.Equal(t, kindDisconnecting, f.Kind)

	select {
	case <-disconnected:
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for disconnect")
	}

	assert.ErrorIs(t, pp.parent.Send("late"), ErrChannelClosed)
	assert.NoError(t, pp.parent.Disconnect(), "second disconnect is a no-op")
}

func TestParent_Unsubscribe(t *testing.T) {
	pp := newPipePair(t)

	first := make(chan any, 1)
	second := make(chan any, 1)
	remove := pp.parent.Subscribe(ParentListener{Message: func(m any) { first <- m }})
	pp.parent.Subscribe(ParentListener{Message: func(m any) { second <- m }})
	remove()

	require.NoError(t, writeFrame(pp.toWorker, frame{Kind: kindMessage, Payload: "hello"}))

	select {
	case m := <-second:
		assert.Equal(t, "hello", m)
	case <-time.After(2 * time.Second):
		t.Fatal("timeout waiting for message")
	}
	assert.Empty(t, first)
}

func TestConnectParent_OutsideWorker(t *testing.T) {
	if IsWorker() {
		t.Skip("running inside a worker")
	}
	_, err := ConnectParent()
	assert.ErrorIs(t, err, ErrNotWorker)
}
