package grpc

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/teranos/relay/plugin"
	"github.com/teranos/relay/plugin/grpc/protocol"
)

func startCallbackServer(t *testing.T, sink ResultSink) (*CallbackServer, *plugin.Registry) {
	t.Helper()

	log := zaptest.NewLogger(t).Sugar()
	reg := plugin.NewRegistry(log)
	s := NewCallbackServer(reg, sink, ServerConfig{Host: "127.0.0.1", HealthTimeout: time.Second}, log)
	require.NoError(t, s.Start())
	t.Cleanup(s.Stop)
	return s, reg
}

func call(t *testing.T, addr, method string, req, resp interface{}) {
	t.Helper()
	require.NoError(t, invoke(context.Background(), addr, method, req, resp, 2*time.Second))
}

func TestCallbackServer_RegisterAddress(t *testing.T) {
	s, reg := startCallbackServer(t, newRecordingSink())
	require.NotEmpty(t, s.Address())

	reg.StartingPlaceholder(plugin.KindInterpreter, "py.default")

	var resp protocol.RegistrationResponse
	call(t, s.Address(), protocol.CallbackRegisterAddressMethod, &protocol.Registration{
		Kind:       "interpreter",
		Selector:   "py.default",
		Host:       "127.0.0.1",
		Port:       4711,
		InstanceID: "inst-1",
	}, &resp)
	assert.True(t, resp.Accepted)

	h, ok := reg.Get(plugin.KindInterpreter, "py.default")
	require.True(t, ok)
	assert.True(t, h.IsReady())
	assert.Equal(t, "inst-1", h.InstanceID)
	assert.Equal(t, 4711, h.Port)

	t.Log("Registration for a selector that was never launched is dropped")
	call(t, s.Address(), protocol.CallbackRegisterAddressMethod, &protocol.Registration{
		Selector:   "sql.default",
		Host:       "127.0.0.1",
		Port:       4712,
		InstanceID: "inst-2",
	}, &resp)
	assert.False(t, resp.Accepted)
	_, ok = reg.Get(plugin.KindInterpreter, "sql.default")
	assert.False(t, ok)
}

func TestCallbackServer_DeliverResult(t *testing.T) {
	sink := newRecordingSink()
	s, _ := startCallbackServer(t, sink)

	call(t, s.Address(), protocol.CallbackDeliverResultMethod, &protocol.ResultDelivery{
		WorkerJobID: "wj-1",
		InstanceID:  "inst-1",
		Payload:     "{not json",
	}, &protocol.Empty{})

	require.Eventually(t, func() bool {
		_, ok := sink.resultFor("wj-1")
		return ok
	}, 2*time.Second, 10*time.Millisecond)

	got, _ := sink.resultFor("wj-1")
	assert.Equal(t, "inst-1", got.InstanceID)
	assert.Equal(t, "{not json", got.Payload, "payload reaches the sink undecoded")
}

func TestCallbackServer_PartialOutputFailuresAreSwallowed(t *testing.T) {
	sink := newRecordingSink()
	s, _ := startCallbackServer(t, sink)

	call(t, s.Address(), protocol.CallbackDeliverPartialOutputMethod,
		&protocol.PartialOutput{WorkerJobID: "wj-1", Text: "hello "}, &protocol.Empty{})
	call(t, s.Address(), protocol.CallbackDeliverPartialOutputMethod,
		&protocol.PartialOutput{WorkerJobID: "wj-1", Text: "world"}, &protocol.Empty{})
	assert.Equal(t, "hello world", sink.outputFor("wj-1"))

	sink.mu.Lock()
	sink.failOut = true
	sink.mu.Unlock()

	err := invoke(context.Background(), s.Address(), protocol.CallbackDeliverPartialOutputMethod,
		&protocol.PartialOutput{WorkerJobID: "wj-1", Text: "!"}, &protocol.Empty{}, 2*time.Second)
	assert.NoError(t, err)
}

func TestCallbackServer_SelfHeal(t *testing.T) {
	s, reg := startCallbackServer(t, newRecordingSink())
	ctx := context.Background()
	addr := s.Address()

	assert.True(t, s.healthy(ctx))
	s.checkAndHeal(ctx)
	assert.Equal(t, 0, s.Restarts(), "healthy server is left alone")

	t.Log("Kill the serve loop behind the supervisor's back")
	s.mu.Lock()
	s.grpcServer.Stop()
	<-s.serveDone
	s.mu.Unlock()
	assert.False(t, s.healthy(ctx))

	s.checkAndHeal(ctx)
	assert.Equal(t, 1, s.Restarts())
	assert.True(t, s.healthy(ctx))
	assert.Equal(t, addr, s.Address(), "workers keep calling the same address")

	t.Log("The recreated server has its services registered again")
	reg.StartingPlaceholder(plugin.KindInterpreter, "py.default")
	var resp protocol.RegistrationResponse
	call(t, s.Address(), protocol.CallbackRegisterAddressMethod, &protocol.Registration{
		Selector: "py.default", Host: "127.0.0.1", Port: 1, InstanceID: "inst-9",
	}, &resp)
	assert.True(t, resp.Accepted)
}

func TestCallbackServer_RunStopsWithContext(t *testing.T) {
	log := zaptest.NewLogger(t).Sugar()
	s := NewCallbackServer(plugin.NewRegistry(log), newRecordingSink(),
		ServerConfig{SelfHealInterval: 20 * time.Millisecond}, log)
	require.NoError(t, s.Start())
	defer s.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(2 * time.Second):
		t.Fatal("Run did not return after cancel")
	}
	assert.Equal(t, 0, s.Restarts())
}

func TestCallbackServer_StartTwice(t *testing.T) {
	s, _ := startCallbackServer(t, newRecordingSink())
	assert.Error(t, s.Start())
}
