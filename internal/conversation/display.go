package conversation

import "fmt"

// DisplayName returns how the conversation is labelled for viewerID: its title
// when set, otherwise the username of the single other participant, otherwise
// "Group (N members)".
func DisplayName(c *Conversation, viewerID string) string {
	if c.Title != nil && *c.Title != "" {
		return *c.Title
	}

	var others []Participant
	for _, p := range c.Participants {
		if p.AccountID != viewerID {
			others = append(others, p)
		}
	}
	if len(others) == 1 {
		return others[0].Username
	}
	return fmt.Sprintf("Group (%d members)", len(c.Participants))
}
