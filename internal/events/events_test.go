package events_test

import (
	"testing"
	"time"

	"triboy/internal/events"
)

func TestEdgeOnlyDeliversOneAdvance(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	s := events.NewSurface(16*time.Millisecond, clock)

	s.Notify(events.SourceEdge)

	select {
	case <-s.Advances():
	default:
		t.Fatal("expected an advance")
	}
}

func TestEdgeAndInBandInSameWindowDeduplicate(t *testing.T) {
	cur := time.Now()
	clock := func() time.Time { return cur }
	s := events.NewSurface(16*time.Millisecond, clock)
	s.EnableInBand(true)

	s.Notify(events.SourceEdge)
	s.Notify(events.SourceInBand)

	// Drain exactly one advance.
	select {
	case <-s.Advances():
	default:
		t.Fatal("expected an advance")
	}
	select {
	case <-s.Advances():
		t.Fatal("expected no second advance within the same frame window")
	default:
	}
}

func TestInBandIgnoredWhenNotEnabled(t *testing.T) {
	now := time.Now()
	clock := func() time.Time { return now }
	s := events.NewSurface(16*time.Millisecond, clock)

	s.Notify(events.SourceInBand)

	select {
	case <-s.Advances():
		t.Fatal("in-band notify should be dropped when not enabled")
	default:
	}
}

func TestSeparateWindowsEachDeliver(t *testing.T) {
	cur := time.Now()
	clock := func() time.Time { return cur }
	s := events.NewSurface(16*time.Millisecond, clock)

	s.Notify(events.SourceEdge)
	<-s.Advances()

	cur = cur.Add(20 * time.Millisecond)
	s.Notify(events.SourceEdge)

	select {
	case <-s.Advances():
	default:
		t.Fatal("expected an advance in the new window")
	}
}
