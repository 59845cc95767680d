package system

import (
	"context"
	"errors"
	"testing"
)

type stubService struct {
	name     string
	startErr error
	events   *[]string
}

func (s *stubService) Name() string { return s.name }

func (s *stubService) Start(context.Context) error {
	*s.events = append(*s.events, "start:"+s.name)
	return s.startErr
}

func (s *stubService) Stop(context.Context) error {
	*s.events = append(*s.events, "stop:"+s.name)
	return nil
}

func TestManagerStartStopOrder(t *testing.T) {
	var events []string
	m := NewManager()
	for _, name := range []string{"a", "b", "c"} {
		if err := m.Register(&stubService{name: name, events: &events}); err != nil {
			t.Fatalf("Register(%s): %v", name, err)
		}
	}

	ctx := context.Background()
	if err := m.Start(ctx); err != nil {
		t.Fatalf("Start: %v", err)
	}
	if err := m.Stop(ctx); err != nil {
		t.Fatalf("Stop: %v", err)
	}

	want := []string{"start:a", "start:b", "start:c", "stop:c", "stop:b", "stop:a"}
	if len(events) != len(want) {
		t.Fatalf("events = %v", events)
	}
	for i := range want {
		if events[i] != want[i] {
			t.Fatalf("events = %v, want %v", events, want)
		}
	}
}

func TestManagerRollsBackOnStartFailure(t *testing.T) {
	var events []string
	m := NewManager()
	if err := m.Register(&stubService{name: "a", events: &events}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	boom := errors.New("boom")
	if err := m.Register(&stubService{name: "b", startErr: boom, events: &events}); err != nil {
		t.Fatalf("Register: %v", err)
	}

	err := m.Start(context.Background())
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want boom", err)
	}

	want := []string{"start:a", "start:b", "stop:a"}
	for i := range want {
		if i >= len(events) || events[i] != want[i] {
			t.Fatalf("events = %v, want %v", events, want)
		}
	}
}

func TestManagerRejectsDuplicateNames(t *testing.T) {
	var events []string
	m := NewManager()
	if err := m.Register(&stubService{name: "a", events: &events}); err != nil {
		t.Fatalf("Register: %v", err)
	}
	if err := m.Register(&stubService{name: "a", events: &events}); err == nil {
		t.Fatal("duplicate name should be rejected")
	}
}
