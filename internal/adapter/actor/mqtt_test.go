package actor

import (
	"sync"
	"testing"
	"time"

	"github.com/trixing/dbus-modbus-client/internal/core/domain"
	"github.com/trixing/dbus-modbus-client/internal/core/events"
	"github.com/trixing/dbus-modbus-client/internal/util"
	"github.com/trixing/dbus-modbus-client/internal/util/actorutil"
	"github.com/trixing/dbus-modbus-client/pkg/cg_modbus"

	"github.com/asynkron/protoactor-go/actor"
	"github.com/asynkron/protoactor-go/eventstream"
	"github.com/stretchr/testify/assert"
	"go.uber.org/zap"
)

func TestMQTTActor(t *testing.T) {

	assert := assert.New(t)

	cfg := util.LoadTestConfig()

	logger := zap.Must(zap.NewDevelopment())

	as := actorutil.NewActorSystemWithZapLogger(logger)

	context := as.Root

	es := eventstream.NewEventStream()

	props := actor.PropsFromProducer(func() actor.Actor { return NewTestMQTTActor(&cfg, es, logger) })
	pid := context.Spawn(props)

	time.Sleep(500 * time.Millisecond)

	msg := domain.ActorHealthRequest{}
	result, err := context.RequestFuture(pid, msg, 2*time.Second).Result()
	if err != nil {
		t.Error(err)
		return
	}
	resp, ok := result.(domain.ActorHealthResponse)
	assert.True(ok)
	assert.True(resp.Healthy)

	es.Publish(domain.PublishSensorUpdateRequest{
		Event: events.ReadingToUpdateEvent("cg_BX1", cg_modbus.Reading{
			Path: cg_modbus.PATH_AC_POWER, Value: 245.0, Numeric: true, Decimals: 1,
		}),
	})
	es.Publish(domain.PublishSensorUpdateRequest{
		Event: events.ReadingToUpdateEvent("cg_BX1", cg_modbus.Reading{
			Path: cg_modbus.PATH_PHASE_SEQUENCE, Value: cg_modbus.MappedValue{Code: 0}, Text: "L1-L2-L3",
		}),
	})
	es.Publish(domain.PublishSensorUpdateRequest{
		Event: events.MeterStateToUpdateEvent("cg_BX1", cg_modbus.StatePolling, nil),
	})
	es.Publish(domain.PublishSensorUpdateRequest{
		Event: events.BridgeStateToUpdateEvent(true),
	})
	// only sensor updates are taken from the stream
	es.Publish(domain.PublishMessageRequest{Topic: "cgmeter/stray", Payload: "x"})

	time.Sleep(200 * time.Millisecond)

	result, err = context.RequestFuture(pid, GetPublishedRequest{}, 2*time.Second).Result()
	if err != nil {
		t.Error(err)
		return
	}
	published := result.(GetPublishedResponse).Messages
	assert.Equal("245.0", published["cgmeter/cg_BX1/Ac/Power"])
	assert.Equal("L1-L2-L3", published["cgmeter/cg_BX1/PhaseSequence"])
	assert.Equal("polling", published["cgmeter/cg_BX1/state"])
	assert.Equal("online", published["cgmeter/bridge/state"])
	assert.NotContains(published, "cgmeter/stray")

	context.Stop(pid)

	time.Sleep(200 * time.Millisecond)

	as.Shutdown()
}

func TestMQTTActorConcurrentPublishers(t *testing.T) {

	assert := assert.New(t)

	cfg := util.LoadTestConfig()

	logger := zap.Must(zap.NewDevelopment())

	as := actorutil.NewActorSystemWithZapLogger(logger)

	context := as.Root

	es := eventstream.NewEventStream()

	// meters publish from their own goroutines while the actor subscribes
	var wg sync.WaitGroup
	stop := make(chan struct{})
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				select {
				case <-stop:
					return
				default:
				}
				es.Publish(domain.PublishSensorUpdateRequest{
					Event: events.BridgeStateToUpdateEvent(true),
				})
				es.Publish(domain.ActorHealthRequest{})
				time.Sleep(time.Millisecond)
			}
		}()
	}

	props := actor.PropsFromProducer(func() actor.Actor { return NewTestMQTTActor(&cfg, es, logger) })
	pid := context.Spawn(props)

	time.Sleep(300 * time.Millisecond)
	close(stop)
	wg.Wait()

	result, err := context.RequestFuture(pid, GetPublishedRequest{}, 2*time.Second).Result()
	if err != nil {
		t.Error(err)
		return
	}
	assert.Equal("online", result.(GetPublishedResponse).Messages["cgmeter/bridge/state"])

	context.Stop(pid)

	time.Sleep(200 * time.Millisecond)

	as.Shutdown()
}
