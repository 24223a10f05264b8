package appointment

import (
	"testing"
	"time"

	"github.com/google/uuid"
)

func TestRankSlotByCreation(t *testing.T) {
	base := time.Date(2025, 11, 1, 9, 0, 0, 0, time.UTC)
	appts := make([]Appointment, 4)
	for i := range appts {
		appts[i] = Appointment{ID: uuid.New(), CreatedAt: base.Add(time.Duration(i) * time.Second)}
	}
	appts[1].Cancelled = true

	// input order must not matter
	shuffled := []Appointment{appts[3], appts[0], appts[2], appts[1]}
	ranks := RankSlot(shuffled)

	if _, ok := ranks[appts[1].ID]; ok {
		t.Fatal("cancelled appointment should not be ranked")
	}

	want := map[uuid.UUID]QueuePosition{
		appts[0].ID: {Position: 1, PeopleAhead: 0, TotalInSlot: 3},
		appts[2].ID: {Position: 2, PeopleAhead: 1, TotalInSlot: 3},
		appts[3].ID: {Position: 3, PeopleAhead: 2, TotalInSlot: 3},
	}
	for id, pos := range want {
		if ranks[id] != pos {
			t.Errorf("appointment %s: got %+v, want %+v", id, ranks[id], pos)
		}
	}
}

func TestRankSlotTieBreaksOnID(t *testing.T) {
	at := time.Date(2025, 11, 1, 9, 0, 0, 0, time.UTC)
	a := Appointment{ID: uuid.MustParse("00000000-0000-0000-0000-000000000002"), CreatedAt: at}
	b := Appointment{ID: uuid.MustParse("00000000-0000-0000-0000-000000000001"), CreatedAt: at}

	ranks := RankSlot([]Appointment{a, b})
	if ranks[b.ID].Position != 1 || ranks[a.ID].Position != 2 {
		t.Fatalf("expected id tie-break, got %+v", ranks)
	}
}

func TestRankSlotSkipsCompleted(t *testing.T) {
	at := time.Date(2025, 11, 1, 9, 0, 0, 0, time.UTC)
	done := Appointment{ID: uuid.New(), CreatedAt: at, IsCompleted: true}
	next := Appointment{ID: uuid.New(), CreatedAt: at.Add(time.Minute)}

	ranks := RankSlot([]Appointment{done, next})
	if len(ranks) != 1 || ranks[next.ID] != (QueuePosition{Position: 1, PeopleAhead: 0, TotalInSlot: 1}) {
		t.Fatalf("unexpected ranks %+v", ranks)
	}
}
