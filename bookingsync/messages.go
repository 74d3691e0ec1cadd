package bookingsync

import (
	"sort"

	"github.com/mmdatafocus/booking_sync/models"
)

// MergeMessages keeps the stored thread and appends incoming messages it has
// not seen yet. For known messages only the read flag is refreshed.
func MergeMessages(stored, incoming []models.Message) []models.Message {
	out := make([]models.Message, 0, len(stored)+len(incoming))
	index := make(map[string]int, len(stored)+len(incoming))
	for _, m := range stored {
		k := messageKey(m)
		if _, ok := index[k]; ok {
			continue
		}
		index[k] = len(out)
		out = append(out, m)
	}
	for _, m := range incoming {
		k := messageKey(m)
		if i, ok := index[k]; ok {
			out[i].Read = m.Read
			continue
		}
		index[k] = len(out)
		out = append(out, m)
	}
	return sortMessages(out)
}

func messageKey(m models.Message) string {
	if m.Id != "" {
		return "id:" + m.Id
	}
	return "ts:" + m.Time + "|" + m.Source + "|" + m.Message
}

func sortMessages(msgs []models.Message) []models.Message {
	sort.SliceStable(msgs, func(i, j int) bool {
		return msgs[i].Time < msgs[j].Time
	})
	return msgs
}
