package wire

import "github.com/moppymopperson/waiwai-uml/internal/crdt"

// Editor message actions.
const (
	ActionEdit   = "edit"   // tab -> agent: local keystrokes
	ActionText   = "text"   // agent -> tab: full document on connect
	ActionPatch  = "patch"  // agent -> tab: remote edits
	ActionRender = "render" // agent -> tab: new diagram reference
	ActionStatus = "status" // agent -> tab: connection status
	ActionError  = "error"  // agent -> tab: rejected edit
)

// EditorMessage is the JSON message exchanged with browser tabs. It can
// represent a raw user action from the tab or state pushed by the agent.
type EditorMessage struct {
	Action   string      `json:"action"`
	ClientID string      `json:"clientID,omitempty"` // tab that produced the change, to prevent echo
	Edit     *crdt.Edit  `json:"edit,omitempty"`
	Text     string      `json:"text,omitempty"`
	Edits    []crdt.Edit `json:"edits,omitempty"`
	Seq      uint64      `json:"seq,omitempty"`
	URL      string      `json:"url,omitempty"`
	Status   string      `json:"status,omitempty"`
	Error    string      `json:"error,omitempty"`
}
