package eventbus

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"

	"crewctl/internal/model"
)

func startTestRedis(t *testing.T) *miniredis.Miniredis {
	t.Helper()
	server, err := miniredis.Run()
	if err != nil {
		t.Fatalf("start miniredis: %v", err)
	}
	t.Cleanup(server.Close)
	return server
}

func waitEvent(t *testing.T, ch <-chan model.Event) model.Event {
	t.Helper()
	select {
	case event := <-ch:
		return event
	case <-time.After(5 * time.Second):
		t.Fatalf("expected event delivery within timeout")
	}
	return model.Event{}
}

func TestInProcessPublishDeliversToHandler(t *testing.T) {
	rt := NewRuntime(Config{})
	received := make(chan model.Event, 1)
	if err := rt.RegisterHandler(model.TopicWorkerSpawned, func(_ context.Context, event model.Event) error {
		received <- event
		return nil
	}); err != nil {
		t.Fatalf("register handler: %v", err)
	}
	if err := rt.Start(context.Background()); err != nil {
		t.Fatalf("start runtime: %v", err)
	}
	defer rt.Stop()
	if rt.Backend() != BackendInProcess {
		t.Fatalf("expected in-process backend, got %s", rt.Backend())
	}

	id, err := rt.Publish(model.TopicWorkerSpawned, "backend", model.Event{Role: model.RoleBackend, PID: 4242, Summary: "spawned"})
	if err != nil {
		t.Fatalf("publish: %v", err)
	}
	event := waitEvent(t, received)
	if event.EventID != id {
		t.Fatalf("expected event id %s, got %s", id, event.EventID)
	}
	if event.PID != 4242 || event.Role != model.RoleBackend || event.Topic != model.TopicWorkerSpawned {
		t.Fatalf("unexpected event %+v", event)
	}
}

func TestRedisPublishDeliversToHandler(t *testing.T) {
	server := startTestRedis(t)
	rt := NewRuntime(Config{RedisURL: "redis://" + server.Addr() + "/0", ConsumerGroup: "crewctl-test"})
	received := make(chan model.Event, 1)
	if err := rt.RegisterHandler(model.TopicMessageSent, func(_ context.Context, event model.Event) error {
		received <- event
		return nil
	}); err != nil {
		t.Fatalf("register handler: %v", err)
	}
	if err := rt.Start(context.Background()); err != nil {
		t.Fatalf("start runtime: %v", err)
	}
	defer rt.Stop()
	if err := rt.Healthy(); err != nil {
		t.Fatalf("expected healthy runtime, got %v", err)
	}

	if _, err := rt.Publish(model.TopicMessageSent, "qa", model.Event{Role: model.RoleQA, Attributes: map[string]string{"message_id": "m1"}}); err != nil {
		t.Fatalf("publish: %v", err)
	}
	event := waitEvent(t, received)
	if event.Attributes["message_id"] != "m1" {
		t.Fatalf("expected message_id attribute, got %+v", event.Attributes)
	}
}

func TestPublishBeforeStartFails(t *testing.T) {
	rt := NewRuntime(Config{})
	if _, err := rt.Publish(model.TopicWorkerStopped, "", model.Event{}); err == nil {
		t.Fatalf("expected error publishing on stopped runtime")
	}
	// Emit on a stopped or nil runtime is a no-op
	rt.Emit(context.Background(), model.Event{Topic: model.TopicWorkerStopped})
	var nilRuntime *Runtime
	nilRuntime.Emit(context.Background(), model.Event{Topic: model.TopicWorkerStopped})
}

func TestRegisterHandlerValidation(t *testing.T) {
	rt := NewRuntime(Config{})
	if err := rt.RegisterHandler(" ", func(context.Context, model.Event) error { return nil }); err == nil {
		t.Fatalf("expected error for empty topic")
	}
	if err := rt.RegisterHandler(model.TopicWorkerStuck, nil); err == nil {
		t.Fatalf("expected error for nil handler")
	}
	handler := func(context.Context, model.Event) error { return nil }
	if err := rt.RegisterHandler(model.TopicWorkerStuck, handler); err != nil {
		t.Fatalf("register: %v", err)
	}
	if err := rt.RegisterHandler(model.TopicWorkerStuck, handler); err == nil {
		t.Fatalf("expected duplicate registration error")
	}
}

func TestDebugCountsDeliveries(t *testing.T) {
	rt := NewRuntime(Config{})
	done := make(chan model.Event, 1)
	if err := rt.RegisterHandler(model.TopicRecoveryAttempted, func(_ context.Context, event model.Event) error {
		done <- event
		return nil
	}); err != nil {
		t.Fatalf("register handler: %v", err)
	}
	if err := rt.Start(context.Background()); err != nil {
		t.Fatalf("start runtime: %v", err)
	}
	defer rt.Stop()
	rt.Emit(context.Background(), model.Event{Topic: model.TopicRecoveryAttempted})
	waitEvent(t, done)

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		for _, row := range rt.Debug().Topics {
			if row.Topic == model.TopicRecoveryAttempted && row.Delivered == 1 {
				return
			}
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("expected delivered=1 for %s in %+v", model.TopicRecoveryAttempted, rt.Debug())
}

func TestStopReleasesBackendsAndAllowsRestart(t *testing.T) {
	server := startTestRedis(t)
	for _, cfg := range []Config{{}, {RedisURL: "redis://" + server.Addr() + "/0", ConsumerGroup: "crewctl-restart"}} {
		rt := NewRuntime(cfg)
		for i := 0; i < 2; i++ {
			if err := rt.Start(context.Background()); err != nil {
				t.Fatalf("start %s runtime (round %d): %v", rt.Backend(), i, err)
			}
			if _, err := rt.Publish(model.TopicWorkerStopped, "", model.Event{PID: 7}); err != nil {
				t.Fatalf("publish on %s runtime (round %d): %v", rt.Backend(), i, err)
			}
			rt.Stop()
			rt.Stop()
			if err := rt.Healthy(); err == nil {
				t.Fatalf("expected stopped %s runtime to report unhealthy", rt.Backend())
			}
		}
	}
}
