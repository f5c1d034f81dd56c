package engine

func NewEmptyState() State {
	return State{
		Board:         Board{},
		CurrentPlayer: X,
	}
}

func ContainsEvent(events []Event, eventType EventType) bool {
	for _, event := range events {
		if event.Type == eventType {
			return true
		}
	}
	return false
}
