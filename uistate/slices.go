package uistate

// Action type constants. Action payload types are defined next to the slice
// they target.
const (
	ActionTopicUpserted      = "topic/upserted"
	ActionTopicRemoved       = "topic/removed"
	ActionMessageAppended    = "message/appended"
	ActionStreamDelta        = "stream/delta"
	ActionStreamComplete     = "stream/complete"
	ActionConnectionChanged  = "connection/changed"
	ActionApprovalRequested  = "approval/requested"
	ActionApprovalResolved   = "approval/resolved"
	ActionSpaceSelected      = "space/selected"
)

// --- Topics slice ---

type Topic struct {
	ID    string
	Title string
}

type TopicsState struct {
	ByID map[string]Topic
}

type TopicUpsertedPayload struct{ Topic Topic }
type TopicRemovedPayload struct{ ID string }

// TopicsReducer handles topic CRUD. Every other action passes through.
func TopicsReducer(state any, action Action) any {
	s, _ := state.(TopicsState)
	if s.ByID == nil {
		s.ByID = make(map[string]Topic)
	}
	switch action.Type {
	case ActionTopicUpserted:
		p := action.Payload.(TopicUpsertedPayload)
		next := cloneTopics(s.ByID)
		next[p.Topic.ID] = p.Topic
		return TopicsState{ByID: next}
	case ActionTopicRemoved:
		p := action.Payload.(TopicRemovedPayload)
		next := cloneTopics(s.ByID)
		delete(next, p.ID)
		return TopicsState{ByID: next}
	default:
		return s
	}
}

func cloneTopics(m map[string]Topic) map[string]Topic {
	next := make(map[string]Topic, len(m))
	for k, v := range m {
		next[k] = v
	}
	return next
}

// --- Messages slice ---

type Message struct {
	ID      string
	Role    string
	Content string
}

type MessagesState struct {
	ByTopic map[string][]Message
}

type MessageAppendedPayload struct {
	TopicID string
	Message Message
}

func MessagesReducer(state any, action Action) any {
	s, _ := state.(MessagesState)
	if s.ByTopic == nil {
		s.ByTopic = make(map[string][]Message)
	}
	if action.Type != ActionMessageAppended {
		return s
	}
	p := action.Payload.(MessageAppendedPayload)
	next := make(map[string][]Message, len(s.ByTopic))
	for k, v := range s.ByTopic {
		next[k] = v
	}
	next[p.TopicID] = append(append([]Message(nil), next[p.TopicID]...), p.Message)
	return MessagesState{ByTopic: next}
}

// --- Streaming slice ---

type StreamingState struct {
	ByTopic map[string]string // topicID -> accumulated in-flight text
}

type StreamDeltaPayload struct {
	TopicID string
	Text    string
}

type StreamCompletePayload struct {
	TopicID string
}

func StreamingReducer(state any, action Action) any {
	s, _ := state.(StreamingState)
	if s.ByTopic == nil {
		s.ByTopic = make(map[string]string)
	}
	switch action.Type {
	case ActionStreamDelta:
		p := action.Payload.(StreamDeltaPayload)
		next := make(map[string]string, len(s.ByTopic))
		for k, v := range s.ByTopic {
			next[k] = v
		}
		next[p.TopicID] += p.Text
		return StreamingState{ByTopic: next}
	case ActionStreamComplete:
		p := action.Payload.(StreamCompletePayload)
		next := make(map[string]string, len(s.ByTopic))
		for k, v := range s.ByTopic {
			next[k] = v
		}
		delete(next, p.TopicID)
		return StreamingState{ByTopic: next}
	default:
		return s
	}
}

// --- Connection slice ---

type ConnectionStatus string

const (
	ConnectionDisconnected ConnectionStatus = "disconnected"
	ConnectionConnecting   ConnectionStatus = "connecting"
	ConnectionConnected    ConnectionStatus = "connected"
)

type ConnectionState struct {
	Status ConnectionStatus
}

type ConnectionChangedPayload struct{ Status ConnectionStatus }

func ConnectionReducer(state any, action Action) any {
	s, _ := state.(ConnectionState)
	if action.Type != ActionConnectionChanged {
		return s
	}
	p := action.Payload.(ConnectionChangedPayload)
	s.Status = p.Status
	return s
}

// --- Approval slice ---

type ApprovalState struct {
	PendingByTopic map[string]ApprovalView
}

type ApprovalView struct {
	ID       string
	ToolName string
}

type ApprovalRequestedPayload struct {
	TopicID  string
	Approval ApprovalView
}

type ApprovalResolvedPayload struct {
	TopicID string
}

func ApprovalReducer(state any, action Action) any {
	s, _ := state.(ApprovalState)
	if s.PendingByTopic == nil {
		s.PendingByTopic = make(map[string]ApprovalView)
	}
	switch action.Type {
	case ActionApprovalRequested:
		p := action.Payload.(ApprovalRequestedPayload)
		next := make(map[string]ApprovalView, len(s.PendingByTopic))
		for k, v := range s.PendingByTopic {
			next[k] = v
		}
		next[p.TopicID] = p.Approval
		return ApprovalState{PendingByTopic: next}
	case ActionApprovalResolved:
		p := action.Payload.(ApprovalResolvedPayload)
		next := make(map[string]ApprovalView, len(s.PendingByTopic))
		for k, v := range s.PendingByTopic {
			next[k] = v
		}
		delete(next, p.TopicID)
		return ApprovalState{PendingByTopic: next}
	default:
		return s
	}
}

// --- Space slice ---

type SpaceState struct {
	SelectedID string
}

type SpaceSelectedPayload struct{ ID string }

func SpaceReducer(state any, action Action) any {
	s, _ := state.(SpaceState)
	if action.Type != ActionSpaceSelected {
		return s
	}
	p := action.Payload.(SpaceSelectedPayload)
	s.SelectedID = p.ID
	return s
}

// RegisterCoreSlices wires every slice named above into store with its
// reducer and zero-value initial state.
func RegisterCoreSlices(store *Store) {
	store.RegisterSlice("topics", TopicsState{}, TopicsReducer)
	store.RegisterSlice("messages", MessagesState{}, MessagesReducer)
	store.RegisterSlice("streaming", StreamingState{}, StreamingReducer)
	store.RegisterSlice("connection", ConnectionState{}, ConnectionReducer)
	store.RegisterSlice("approval", ApprovalState{}, ApprovalReducer)
	store.RegisterSlice("space", SpaceState{}, SpaceReducer)
}

// ReconnectEffect fires history reload and stream resumption every time the
// connection reaches Connected, except the very first time — matching the
// spec's requirement that the reconnection effect not re-run on page load.
// The "seen before" flag lives in the effect's own closure rather than in
// store state, since an effect must never mutate state directly.
func ReconnectEffect(reconnect func()) Effect {
	seenConnect := false
	return func(store *Store, action Action) {
		if action.Type != ActionConnectionChanged {
			return
		}
		p := action.Payload.(ConnectionChangedPayload)
		if p.Status != ConnectionConnected {
			return
		}
		if seenConnect {
			reconnect()
		}
		seenConnect = true
	}
}
