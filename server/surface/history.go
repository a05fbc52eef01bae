package surface

import (
	"context"

	"github.com/Daskott/safeguard/server/store"
)

type HistoryView struct {
	Sent     []*store.AlertRecord `json:"sent"`
	Received []*store.AlertRecord `json:"received"`
}

// BuildHistory lists the alerts the viewer sent and the ones sent by users
// who notify the viewer, newest first.
func BuildHistory(ctx context.Context, s *store.Store, viewerID string) (*HistoryView, error) {
	users, err := s.Users(ctx)
	if err != nil {
		return nil, err
	}

	history, err := s.History(ctx)
	if err != nil {
		return nil, err
	}

	names := make(map[string]string, len(users))
	var viewer *store.User
	for i := range users {
		names[users[i].ID] = users[i].FullName
		if users[i].ID == viewerID {
			viewer = &users[i]
		}
	}
	if viewer == nil {
		return nil, store.ErrUserNotFound
	}

	view := &HistoryView{
		Sent:     named(history[viewerID], viewerID, viewer.FullName),
		Received: []*store.AlertRecord{},
	}

	for _, senderID := range viewer.TrustedBy {
		view.Received = append(view.Received, named(history[senderID], senderID, names[senderID])...)
	}

	store.SortNewestFirst(view.Sent)
	store.SortNewestFirst(view.Received)
	return view, nil
}

func named(records store.History, userID, name string) []*store.AlertRecord {
	out := make([]*store.AlertRecord, 0, len(records))
	for _, record := range records {
		record = record.Clone()
		record.UserID = userID
		if name != "" {
			record.UserName = name
		}
		out = append(out, record)
	}
	return out
}
