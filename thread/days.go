package thread

import (
	"time"

	"convsync/models"
)

// DeletedPlaceholder replaces the body of a deleted message.
const DeletedPlaceholder = "Message deleted"

// Row is one rendered message.
type Row struct {
	Message  models.Message
	Outgoing bool
	Time     string
	Body     string
	Edited   bool
}

// DayGroup is a run of consecutive messages sent on the same calendar day.
type DayGroup struct {
	Day   time.Time
	Label string
	Rows  []Row
}

// Days groups the loaded messages by calendar day in the configured location,
// keeping id order inside and across groups.
func (t *Thread) Days() []DayGroup {
	messages := t.Messages()
	return GroupByDay(messages, t.cfg.ViewerID, t.cfg.Location, t.cfg.Now())
}

// GroupByDay is Days for an arbitrary, id-ordered message slice.
func GroupByDay(messages []models.Message, viewerID int64, loc *time.Location, now time.Time) []DayGroup {
	if loc == nil {
		loc = time.Local
	}

	var groups []DayGroup
	for _, m := range messages {
		local := m.CreatedTime().In(loc)
		day := time.Date(local.Year(), local.Month(), local.Day(), 0, 0, 0, 0, loc)

		if n := len(groups); n == 0 || !groups[n-1].Day.Equal(day) {
			groups = append(groups, DayGroup{Day: day, Label: dayLabel(day, now.In(loc))})
		}
		g := &groups[len(groups)-1]
		g.Rows = append(g.Rows, renderRow(m, viewerID, loc))
	}
	return groups
}

func renderRow(m models.Message, viewerID int64, loc *time.Location) Row {
	body := m.Content
	if m.IsDeleted {
		body = DeletedPlaceholder
	}
	return Row{
		Message:  m,
		Outgoing: isOutgoing(m, viewerID),
		Time:     formatTimestamp(m.CreatedAt, loc),
		Body:     body,
		Edited:   m.EditedAt != nil && !m.IsDeleted,
	}
}

func isOutgoing(m models.Message, viewerID int64) bool {
	return viewerID > 0 && m.SenderID == viewerID
}

func formatTimestamp(timestamp int64, loc *time.Location) string {
	return time.UnixMilli(timestamp).In(loc).Format("3:04 PM")
}

func dayLabel(day, now time.Time) string {
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, day.Location())
	switch {
	case day.Equal(today):
		return "Today"
	case day.Equal(today.AddDate(0, 0, -1)):
		return "Yesterday"
	case day.Year() == today.Year():
		return day.Format("Mon, Jan 2")
	default:
		return day.Format("Jan 2, 2006")
	}
}
