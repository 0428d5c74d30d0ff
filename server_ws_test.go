package pvnet

import (
	"errors"
	"testing"
	"time"

	"github.com/go-playground/assert/v2"
)

func isolatedServer(t *testing.T, providers []Provider) *Server {
	t.Helper()
	settings := DefaultServerSettings()
	settings.Isolate = true
	server, err := NewServer(providers, settings)
	assert.Equal(t, err, nil)
	assert.NotEqual(t, server.Conf().Addr, "")
	return server
}

func awaitClosed(t *testing.T, sub *Subscription) {
	t.Helper()
	deadline := time.After(testTimeout)
	for {
		select {
		case _, ok := <-sub.Updates():
			if !ok {
				return
			}
		case <-deadline:
			t.Fatal("timeout waiting for subscription close")
		}
	}
}

func TestWsGetPut(t *testing.T) {
	pv := NewSharedPVWithDefaults(&times2Handler{})
	prov := NewStaticProvider("serverend")
	assert.Equal(t, prov.Add("foo", pv), nil)
	server := isolatedServer(t, []Provider{prov})
	defer server.Stop()

	assert.Equal(t, pv.Open(ScalarFloat(1.0)), nil)

	ctxt, err := NewClientContext(server.Conf(), nil)
	assert.Equal(t, err, nil)
	defer ctxt.Close()

	value, err := ctxt.Get("foo")
	assert.Equal(t, err, nil)
	f, _ := value.Float("value")
	assert.Equal(t, f, float64(1))

	assert.Equal(t, ctxt.Put("foo", ScalarFloat(5)), nil)

	value, err = ctxt.Get("foo")
	assert.Equal(t, err, nil)
	f, _ = value.Float("value")
	assert.Equal(t, f, float64(10))

	// a filtered get travels the same way
	value, err = ctxt.GetRequest("foo", "value")
	assert.Equal(t, err, nil)
	assert.Equal(t, value.Keys(), []string{"value"})

	// sentinel errors survive the wire
	_, err = ctxt.Get("nope")
	assert.Equal(t, errors.Is(err, ErrNoSuchChannel), true)

	// handler errors carry the message verbatim
	err = ctxt.Put("foo", ScalarFloat(-5))
	var handlerErr *HandlerError
	assert.Equal(t, errors.As(err, &handlerErr), true)
	assert.Equal(t, handlerErr.Msg, "Must be non-negative")
}

func TestWsRPC(t *testing.T) {
	handler := &rpcTestHandler{
		lastArgs: make(chan *Value, 4),
	}
	pv := NewSharedPVWithDefaults(handler)
	prov := NewStaticProvider("serverend")
	assert.Equal(t, prov.Add("foo", pv), nil)
	server := isolatedServer(t, []Provider{prov})
	defer server.Stop()

	assert.Equal(t, pv.Open(ScalarFloat(0)), nil)

	ctxt, err := NewClientContext(server.Conf(), nil)
	assert.Equal(t, err, nil)
	defer ctxt.Close()

	args := NewValue([]string{"lhs", "rhs"})
	args.MustSet("lhs", float64(1))
	args.MustSet("rhs", float64(2))

	reply, err := ctxt.RPC("foo", args)
	assert.Equal(t, err, nil)
	f, _ := reply.Float("value")
	assert.Equal(t, f, float64(42))

	got := <-handler.lastArgs
	rhs, _ := got.Float("rhs")
	assert.Equal(t, rhs, float64(2))

	reply, err = ctxt.RPC("foo", nil)
	assert.Equal(t, err, nil)
	f, _ = reply.Float("value")
	assert.Equal(t, f, float64(42))
}

func TestWsMonitor(t *testing.T) {
	pv := NewSharedPVWithDefaults(&times2Handler{})
	prov := NewStaticProvider("serverend")
	assert.Equal(t, prov.Add("foo", pv), nil)
	server := isolatedServer(t, []Provider{prov})
	defer server.Stop()

	assert.Equal(t, pv.Open(ScalarFloat(1.0)), nil)

	ctxt, err := NewClientContext(server.Conf(), nil)
	assert.Equal(t, err, nil)
	defer ctxt.Close()

	sub, err := ctxt.Monitor("foo", "", true)
	assert.Equal(t, err, nil)

	update := nextUpdate(t, sub)
	assert.Equal(t, update.Disconnected, true)
	update = nextUpdate(t, sub)
	assert.Equal(t, updateFloat(t, update), float64(1))
	assert.Equal(t, sub.State(), SubConnected)

	assert.Equal(t, ctxt.Put("foo", ScalarFloat(4)), nil)
	update = nextUpdate(t, sub)
	assert.Equal(t, updateFloat(t, update), float64(8))

	pv.Close(false)
	update = nextUpdate(t, sub)
	assert.Equal(t, update.Disconnected, true)
	assert.Equal(t, sub.State(), SubDisconnected)

	assert.Equal(t, pv.Open(ScalarFloat(3.0)), nil)
	update = nextUpdate(t, sub)
	assert.Equal(t, updateFloat(t, update), float64(3))

	// a voluntary close propagates to the server and finalizes the local
	// subscription
	sub.Close()
	awaitClosed(t, sub)
}

func TestWsClientCloseCancels(t *testing.T) {
	pv := NewSharedPVWithDefaults(nil)
	prov := NewStaticProvider("serverend")
	assert.Equal(t, prov.Add("foo", pv), nil)
	server := isolatedServer(t, []Provider{prov})
	defer server.Stop()

	ctxt, err := NewClientContext(server.Conf(), nil)
	assert.Equal(t, err, nil)

	// the pv is unopened, so this get parks server-side
	op, err := ctxt.submitGet("foo", "")
	assert.Equal(t, err, nil)

	sub, err := ctxt.Monitor("foo", "", true)
	assert.Equal(t, err, nil)
	update := nextUpdate(t, sub)
	assert.Equal(t, update.Disconnected, true)

	ctxt.Close()

	_, err = op.Wait(testTimeout)
	assert.Equal(t, errors.Is(err, ErrDisconnected), true)
	awaitClosed(t, sub)
}

func TestWsMonitorNoSuchChannel(t *testing.T) {
	server := isolatedServer(t, []Provider{})
	defer server.Stop()

	ctxt, err := NewClientContext(server.Conf(), nil)
	assert.Equal(t, err, nil)
	defer ctxt.Close()

	// the rejection happens server-side; the subscription closes carrying
	// the reason
	sub, err := ctxt.Monitor("nope", "", true)
	assert.Equal(t, err, nil)

	awaitClosed(t, sub)
	assert.Equal(t, errors.Is(sub.Err(), ErrNoSuchChannel), true)
}

func TestWsDialNoEndpoint(t *testing.T) {
	// an in-process only server has no connectable address
	server, err := NewServerWithDefaults([]Provider{})
	assert.Equal(t, err, nil)
	defer server.Stop()

	assert.Equal(t, server.Conf().Addr, "")
	_, err = NewClientContext(server.Conf(), nil)
	assert.NotEqual(t, err, nil)
}
