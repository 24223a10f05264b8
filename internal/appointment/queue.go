package appointment

import (
	"sort"

	"github.com/google/uuid"
)

// QueuePosition is where a waiting appointment stands in its slot.
type QueuePosition struct {
	Position    int `json:"queue_position"`
	PeopleAhead int `json:"people_ahead"`
	TotalInSlot int `json:"total_in_slot"`
}

// RankSlot orders the waiting appointments of one slot by creation time,
// ties broken by id, and returns each one's position. Cancelled and
// completed appointments are not ranked. Positions are never stored.
func RankSlot(appts []Appointment) map[uuid.UUID]QueuePosition {
	waiting := make([]Appointment, 0, len(appts))
	for _, a := range appts {
		if a.InQueue() {
			waiting = append(waiting, a)
		}
	}

	sort.Slice(waiting, func(i, j int) bool {
		if !waiting[i].CreatedAt.Equal(waiting[j].CreatedAt) {
			return waiting[i].CreatedAt.Before(waiting[j].CreatedAt)
		}
		return waiting[i].ID.String() < waiting[j].ID.String()
	})

	ranks := make(map[uuid.UUID]QueuePosition, len(waiting))
	for i, a := range waiting {
		ranks[a.ID] = QueuePosition{
			Position:    i + 1,
			PeopleAhead: i,
			TotalInSlot: len(waiting),
		}
	}
	return ranks
}
