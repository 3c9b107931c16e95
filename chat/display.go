package chat

import (
	"fmt"
	"strings"

	"convsync/models"
)

// maxTitleNames is how many member names an untitled group shows before "+N".
const maxTitleNames = 3

// ConversationDisplayName returns the label a viewer sees for a conversation.
//
// Groups use their title, or the other members' names. A 1:1 conversation shows
// the other participant. A conversation with nobody else shows the viewer.
func ConversationDisplayName(conv models.Conversation, viewerID int64) string {
	if conv.IsGroup && conv.Title != nil {
		if title := strings.TrimSpace(*conv.Title); title != "" {
			return title
		}
	}

	others := make([]string, 0, len(conv.Participants))
	self := ""
	for _, p := range conv.Participants {
		if p.UserID == viewerID {
			self = participantName(p)
			continue
		}
		others = append(others, participantName(p))
	}

	switch {
	case len(others) == 0:
		if self == "" {
			return fmt.Sprintf("User %d", viewerID)
		}
		return self
	case !conv.IsGroup:
		return others[0]
	case len(others) <= maxTitleNames:
		return strings.Join(others, ", ")
	default:
		return fmt.Sprintf("%s +%d", strings.Join(others[:maxTitleNames], ", "), len(others)-maxTitleNames)
	}
}

func participantName(p models.Participant) string {
	if name := strings.TrimSpace(p.DisplayName); name != "" {
		return name
	}
	return fmt.Sprintf("User %d", p.UserID)
}
